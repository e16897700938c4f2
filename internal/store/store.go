// ABOUTME: Store interface and record types for keygate persistence
// ABOUTME: Defines User, UserName, Key and Task plus the conditional-write Condition API

package store

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ErrConditionFailed is returned when a conditional write or delete did not hold
var ErrConditionFailed = errors.New("condition failed")

// User is an account. A nil VerificationCode means the account is verified.
type User struct {
	ID               uuid.UUID
	PasswordHash     []byte
	Email            string
	VerificationCode *uuid.UUID
	Deleted          bool
	Version          int64
}

// Verified reports whether the verification code has been cleared.
func (u *User) Verified() bool {
	return u.VerificationCode == nil
}

// Active reports whether the user has not been tombstoned.
func (u *User) Active() bool {
	return !u.Deleted
}

// UserName reserves a username. UserID is nil while the association is incomplete.
type UserName struct {
	Username string
	UserID   *uuid.UUID
	Created  time.Time
	Version  int64
}

// Key is a public signing key owned by a user.
type Key struct {
	UserID  uuid.UUID
	KeyID   uuid.UUID
	Public  *rsa.PublicKey
	Until   time.Time
	Version int64
}

// ID renders the key as the "user_id@key_id" pair used in Authorization headers.
func (k *Key) ID() string {
	return k.UserID.String() + "@" + k.KeyID.String()
}

// Expired is strict: a key whose Until equals now is still live.
func (k *Key) Expired(now time.Time) bool {
	return now.After(k.Until)
}

// Task status values
const (
	TaskPending = "pending"
	TaskDone    = "done"
	TaskDead    = "dead"
)

// Task is a unit of deferred work persisted for at-least-once delivery.
type Task struct {
	ID        uuid.UUID
	Kind      string
	Payload   []byte
	Attempts  int
	RunAt     time.Time
	Status    string
	LastError string
	Created   time.Time
}

type conditionKind int

const (
	condNone conditionKind = iota
	condNotExists
	condExists
	condUnchanged
)

// Condition guards a single-record write. The predicate is evaluated against the
// stored record atomically with the write.
type Condition struct {
	kind         conditionKind
	untilAtLeast *time.Time
}

// Unconditional writes regardless of the stored state.
func Unconditional() Condition { return Condition{kind: condNone} }

// IfNotExists succeeds only when no record has the same primary key.
func IfNotExists() Condition { return Condition{kind: condNotExists} }

// IfExists succeeds only when a record with the same primary key is stored.
func IfExists() Condition { return Condition{kind: condExists} }

// IfUnchanged succeeds only when the stored version equals the version the caller loaded.
func IfUnchanged() Condition { return Condition{kind: condUnchanged} }

// UntilAtLeast additionally requires the stored key's until to be >= t. Keys only.
func (c Condition) UntilAtLeast(t time.Time) Condition {
	c.untilAtLeast = &t
	return c
}

func (c Condition) String() string {
	var s string
	switch c.kind {
	case condNotExists:
		s = "if-not-exists"
	case condExists:
		s = "if-exists"
	case condUnchanged:
		s = "if-unchanged"
	default:
		s = "unconditional"
	}
	if c.untilAtLeast != nil {
		s += fmt.Sprintf(" until>=%s", c.untilAtLeast.Format(time.RFC3339))
	}
	return s
}

// Store persists users, usernames, keys and tasks. Every write takes an explicit
// Condition; a write whose condition does not hold returns ErrConditionFailed and
// leaves the stored record untouched. Successful writes update the record's Version.
type Store interface {
	// Users
	LoadUser(ctx context.Context, id uuid.UUID) (*User, error)
	SaveUser(ctx context.Context, user *User, cond Condition) error

	// Usernames
	LoadUserName(ctx context.Context, username string) (*UserName, error)
	SaveUserName(ctx context.Context, name *UserName, cond Condition) error
	QueryUserNames(ctx context.Context, userID uuid.UUID) ([]*UserName, error)

	// Keys
	LoadKey(ctx context.Context, userID, keyID uuid.UUID) (*Key, error)
	SaveKey(ctx context.Context, key *Key, cond Condition) error
	DeleteKey(ctx context.Context, key *Key, cond Condition) error
	QueryKeys(ctx context.Context, userID uuid.UUID) ([]*Key, error)

	TaskStore

	// Close releases any resources held by the store
	Close() error
}

// TaskStore is the durable queue behind the async task worker.
type TaskStore interface {
	EnqueueTask(ctx context.Context, task *Task) error
	// ClaimTask leases the oldest due pending task until now+lease and bumps its
	// attempt count. Returns ErrNotFound when nothing is due.
	ClaimTask(ctx context.Context, now time.Time, lease time.Duration) (*Task, error)
	CompleteTask(ctx context.Context, id uuid.UUID) error
	RetryTask(ctx context.Context, id uuid.UUID, runAt time.Time, lastErr string) error
	BuryTask(ctx context.Context, id uuid.UUID, lastErr string) error
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
}
