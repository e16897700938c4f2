// ABOUTME: SQL implementation of the Store interface for SQLite and PostgreSQL
// ABOUTME: Maps conditions onto INSERT/UPDATE/DELETE predicates evaluated by the database

package store

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by NewSQLStore.
const (
	DriverSQLite   = "sqlite"   // modernc.org/sqlite, pure Go
	DriverSQLite3  = "sqlite3"  // github.com/mattn/go-sqlite3, cgo
	DriverPostgres = "postgres" // github.com/jackc/pgx/v5/stdlib
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

// NewSQLStore opens the database and applies pending migrations.
// For the sqlite drivers dsn is a file path (parent directories are created) or ":memory:".
func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	logger := slog.Default().With("component", "store")

	var d dialect
	sqlDriver := driver
	switch driver {
	case DriverSQLite, DriverSQLite3:
		d = dialectSQLite
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	case DriverPostgres, "pgx":
		d = dialectPostgres
		sqlDriver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if d == dialectSQLite {
		// SQLite locks the whole file for writes; a single connection keeps
		// writers queued in Go instead of failing with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("applying %q: %w", pragma, err)
			}
		}
	} else if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &SQLStore{db: db, dialect: d, logger: logger}
	if err := runMigrations(ctx, db, d, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQL store initialized", "driver", driver)
	return s, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.logger.Info("closing SQL store")
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

// isConstraintViolation reports a primary key or unique index collision.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// record describes one row for the generic conditional writer.
type record struct {
	table   string
	keyCols []string
	keyVals []any
	cols    []string
	vals    []any
	version int64
}

// write applies cond to a single-row write and returns the new version.
func (s *SQLStore) write(ctx context.Context, r record, cond Condition) (int64, error) {
	if cond.untilAtLeast != nil && (r.table != "keys" || (cond.kind != condExists && cond.kind != condUnchanged)) {
		return 0, fmt.Errorf("until condition requires an update of keys, got %s on %s", cond, r.table)
	}

	var query string
	var args []any
	switch cond.kind {
	case condExists, condUnchanged:
		sets := make([]string, 0, len(r.cols)+1)
		for _, c := range r.cols {
			sets = append(sets, c+" = ?")
		}
		sets = append(sets, "version = version + 1")
		where := make([]string, 0, len(r.keyCols)+2)
		for _, c := range r.keyCols {
			where = append(where, c+" = ?")
		}
		args = append(append(args, r.vals...), r.keyVals...)
		if cond.kind == condUnchanged {
			where = append(where, "version = ?")
			args = append(args, r.version)
		}
		if cond.untilAtLeast != nil {
			where = append(where, "until >= ?")
			args = append(args, nanos(*cond.untilAtLeast))
		}
		query = fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING version",
			r.table, strings.Join(sets, ", "), strings.Join(where, " AND "))
	default:
		cols := append(append([]string{}, r.keyCols...), r.cols...)
		cols = append(cols, "version")
		args = append(append(args, r.keyVals...), r.vals...)
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)-1), ", ")
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s, 1)", r.table, strings.Join(cols, ", "), placeholders)
		if cond.kind == condNone {
			sets := make([]string, 0, len(r.cols)+1)
			for _, c := range r.cols {
				sets = append(sets, c+" = excluded."+c)
			}
			sets = append(sets, "version = "+r.table+".version + 1")
			query += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(r.keyCols, ", "), strings.Join(sets, ", "))
		}
		query += " RETURNING version"
	}

	var version int64
	err := s.queryRow(ctx, query, args...).Scan(&version)
	switch {
	case err == nil:
		return version, nil
	case errors.Is(err, sql.ErrNoRows):
		return 0, ErrConditionFailed
	case cond.kind == condNotExists && isConstraintViolation(err):
		return 0, ErrConditionFailed
	default:
		return 0, fmt.Errorf("writing %s: %w", r.table, err)
	}
}

// remove deletes a single row under cond.
func (s *SQLStore) remove(ctx context.Context, r record, cond Condition) error {
	if cond.kind == condNotExists || cond.untilAtLeast != nil {
		return fmt.Errorf("unsupported delete condition %s", cond)
	}
	where := make([]string, 0, len(r.keyCols)+1)
	for _, c := range r.keyCols {
		where = append(where, c+" = ?")
	}
	args := append([]any{}, r.keyVals...)
	if cond.kind == condUnchanged {
		where = append(where, "version = ?")
		args = append(args, r.version)
	}

	result, err := s.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", r.table, strings.Join(where, " AND ")), args...)
	if err != nil {
		return fmt.Errorf("deleting from %s: %w", r.table, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 && cond.kind != condNone {
		return ErrConditionFailed
	}
	return nil
}

// LoadUser retrieves a user by id. Returns ErrNotFound if absent.
func (s *SQLStore) LoadUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	var code uuid.NullUUID
	err := s.queryRow(ctx, `
		SELECT user_id, password_hash, email, verification_code, deleted, version
		FROM users WHERE user_id = ?
	`, id).Scan(&u.ID, &u.PasswordHash, &u.Email, &code, &u.Deleted, &u.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	if code.Valid {
		u.VerificationCode = &code.UUID
	}
	return &u, nil
}

// SaveUser writes user under cond.
func (s *SQLStore) SaveUser(ctx context.Context, user *User, cond Condition) error {
	var code uuid.NullUUID
	if user.VerificationCode != nil {
		code = uuid.NullUUID{UUID: *user.VerificationCode, Valid: true}
	}
	version, err := s.write(ctx, record{
		table:   "users",
		keyCols: []string{"user_id"},
		keyVals: []any{user.ID},
		cols:    []string{"password_hash", "email", "verification_code", "deleted"},
		vals:    []any{user.PasswordHash, user.Email, code, user.Deleted},
		version: user.Version,
	}, cond)
	if err != nil {
		return err
	}
	user.Version = version
	s.logger.Debug("saved user", "user_id", user.ID, "condition", cond.String())
	return nil
}

// LoadUserName retrieves a username reservation. Returns ErrNotFound if absent.
func (s *SQLStore) LoadUserName(ctx context.Context, username string) (*UserName, error) {
	row := s.queryRow(ctx, `
		SELECT username, user_id, created, version
		FROM user_names WHERE username = ?
	`, username)
	n, err := scanUserName(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying username: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUserName(row scanner) (*UserName, error) {
	var n UserName
	var userID uuid.NullUUID
	var created int64
	if err := row.Scan(&n.Username, &userID, &created, &n.Version); err != nil {
		return nil, err
	}
	if userID.Valid {
		n.UserID = &userID.UUID
	}
	n.Created = fromNanos(created)
	return &n, nil
}

// SaveUserName writes a username reservation under cond.
func (s *SQLStore) SaveUserName(ctx context.Context, name *UserName, cond Condition) error {
	var userID uuid.NullUUID
	if name.UserID != nil {
		userID = uuid.NullUUID{UUID: *name.UserID, Valid: true}
	}
	version, err := s.write(ctx, record{
		table:   "user_names",
		keyCols: []string{"username"},
		keyVals: []any{name.Username},
		cols:    []string{"user_id", "created"},
		vals:    []any{userID, nanos(name.Created)},
		version: name.Version,
	}, cond)
	if err != nil {
		return err
	}
	name.Version = version
	s.logger.Debug("saved username", "username", name.Username, "condition", cond.String())
	return nil
}

// QueryUserNames returns every reservation pointing at userID.
func (s *SQLStore) QueryUserNames(ctx context.Context, userID uuid.UUID) ([]*UserName, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT username, user_id, created, version
		FROM user_names WHERE user_id = ?
		ORDER BY username
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("querying usernames: %w", err)
	}
	defer rows.Close()

	var names []*UserName
	for rows.Next() {
		n, err := scanUserName(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning username: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func scanKey(row scanner) (*Key, error) {
	var k Key
	var der []byte
	var until int64
	if err := row.Scan(&k.UserID, &k.KeyID, &der, &until, &k.Version); err != nil {
		return nil, err
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing stored public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("stored public key is %T, not RSA", pub)
	}
	k.Public = rsaPub
	k.Until = fromNanos(until)
	return &k, nil
}

// LoadKey retrieves a key by its composite id. Returns ErrNotFound if absent.
func (s *SQLStore) LoadKey(ctx context.Context, userID, keyID uuid.UUID) (*Key, error) {
	row := s.queryRow(ctx, `
		SELECT user_id, key_id, public, until, version
		FROM keys WHERE user_id = ? AND key_id = ?
	`, userID, keyID)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying key: %w", err)
	}
	return k, nil
}

// SaveKey writes key under cond. The public key is stored as PKIX DER.
func (s *SQLStore) SaveKey(ctx context.Context, key *Key, cond Condition) error {
	der, err := x509.MarshalPKIXPublicKey(key.Public)
	if err != nil {
		return fmt.Errorf("encoding public key: %w", err)
	}
	version, err := s.write(ctx, record{
		table:   "keys",
		keyCols: []string{"user_id", "key_id"},
		keyVals: []any{key.UserID, key.KeyID},
		cols:    []string{"public", "until"},
		vals:    []any{der, nanos(key.Until)},
		version: key.Version,
	}, cond)
	if err != nil {
		return err
	}
	key.Version = version
	s.logger.Debug("saved key", "key", key.ID(), "condition", cond.String())
	return nil
}

// DeleteKey removes key under cond. An unconditional delete of a missing key succeeds.
func (s *SQLStore) DeleteKey(ctx context.Context, key *Key, cond Condition) error {
	err := s.remove(ctx, record{
		table:   "keys",
		keyCols: []string{"user_id", "key_id"},
		keyVals: []any{key.UserID, key.KeyID},
		version: key.Version,
	}, cond)
	if err != nil {
		return err
	}
	s.logger.Debug("deleted key", "key", key.ID(), "condition", cond.String())
	return nil
}

// QueryKeys returns every key owned by userID, soonest expiry first.
func (s *SQLStore) QueryKeys(ctx context.Context, userID uuid.UUID) ([]*Key, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT user_id, key_id, public, until, version
		FROM keys WHERE user_id = ?
		ORDER BY until, key_id
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("querying keys: %w", err)
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
