// Package store provides persistent storage for keygate.
//
// # Records
//
//   - User: account keyed by user_id; a nil VerificationCode means verified,
//     Deleted is a tombstone
//   - UserName: username reservation pointing at a user_id (nil while the
//     association is incomplete)
//   - Key: RSA public key keyed by (user_id, key_id), usable while now <= Until
//   - Task: deferred work for the async worker
//
// # Conditional writes
//
// Every write takes a Condition evaluated atomically with the write:
//
//	store.SaveKey(ctx, key, store.IfNotExists())
//	store.SaveKey(ctx, key, store.IfUnchanged().UntilAtLeast(now))
//	store.DeleteKey(ctx, key, store.IfUnchanged())
//
// Records carry a Version owned by the store. IfUnchanged compares it with the
// stored version; every successful write bumps it. A condition that does not hold
// returns ErrConditionFailed. PersistUnique retries writes under fresh ids and
// fails closed with *NotSavedError.
//
// # Backends
//
// SQLStore runs on database/sql with three drivers:
//
//   - "sqlite": modernc.org/sqlite (pure Go, default)
//   - "sqlite3": github.com/mattn/go-sqlite3 (cgo)
//   - "postgres": github.com/jackc/pgx/v5/stdlib
//
// Schema migrations are embedded goose files under migrations/<dialect>/ and run
// on open. Timestamps are stored as Unix nanoseconds.
//
// # Testing
//
// Use NewMockStore() for unit tests. It enforces the same conditions and
// versioning as SQLStore.
package store
