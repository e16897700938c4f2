// ABOUTME: Mock Store implementation for testing
// ABOUTME: Enforces the same conditions and versioning as SQLStore without a database

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type compositeKey struct {
	user uuid.UUID
	key  uuid.UUID
}

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	users     map[uuid.UUID]*User
	userNames map[string]*UserName
	keys      map[compositeKey]*Key
	tasks     map[uuid.UUID]*Task
	taskOrder []uuid.UUID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:     make(map[uuid.UUID]*User),
		userNames: make(map[string]*UserName),
		keys:      make(map[compositeKey]*Key),
		tasks:     make(map[uuid.UUID]*Task),
	}
}

// check evaluates cond against the stored version (0 when absent).
func check(cond Condition, exists bool, stored, loaded int64) error {
	switch cond.kind {
	case condNotExists:
		if exists {
			return ErrConditionFailed
		}
	case condExists:
		if !exists {
			return ErrConditionFailed
		}
	case condUnchanged:
		if !exists || stored != loaded {
			return ErrConditionFailed
		}
	}
	return nil
}

func copyUser(u *User) *User {
	c := *u
	c.PasswordHash = append([]byte(nil), u.PasswordHash...)
	if u.VerificationCode != nil {
		code := *u.VerificationCode
		c.VerificationCode = &code
	}
	return &c
}

func copyUserName(n *UserName) *UserName {
	c := *n
	if n.UserID != nil {
		id := *n.UserID
		c.UserID = &id
	}
	return &c
}

func copyKey(k *Key) *Key {
	c := *k
	return &c
}

func copyTask(t *Task) *Task {
	c := *t
	c.Payload = append([]byte(nil), t.Payload...)
	return &c
}

// LoadUser retrieves a user by id.
func (m *MockStore) LoadUser(ctx context.Context, id uuid.UUID) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// SaveUser stores a user under cond.
func (m *MockStore) SaveUser(ctx context.Context, user *User, cond Condition) error {
	if cond.untilAtLeast != nil {
		return fmt.Errorf("until condition requires an update of keys, got %s on users", cond)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.users[user.ID]
	var version int64
	if ok {
		version = stored.Version
	}
	if err := check(cond, ok, version, user.Version); err != nil {
		return err
	}
	user.Version = version + 1
	m.users[user.ID] = copyUser(user)
	return nil
}

// LoadUserName retrieves a username reservation.
func (m *MockStore) LoadUserName(ctx context.Context, username string) (*UserName, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.userNames[username]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUserName(n), nil
}

// SaveUserName stores a username reservation under cond.
func (m *MockStore) SaveUserName(ctx context.Context, name *UserName, cond Condition) error {
	if cond.untilAtLeast != nil {
		return fmt.Errorf("until condition requires an update of keys, got %s on user_names", cond)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.userNames[name.Username]
	var version int64
	if ok {
		version = stored.Version
	}
	if err := check(cond, ok, version, name.Version); err != nil {
		return err
	}
	name.Version = version + 1
	m.userNames[name.Username] = copyUserName(name)
	return nil
}

// QueryUserNames returns every reservation pointing at userID.
func (m *MockStore) QueryUserNames(ctx context.Context, userID uuid.UUID) ([]*UserName, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []*UserName
	for _, n := range m.userNames {
		if n.UserID != nil && *n.UserID == userID {
			names = append(names, copyUserName(n))
		}
	}
	sort.Slice(names, func(i, j int) bool { return names[i].Username < names[j].Username })
	return names, nil
}

// LoadKey retrieves a key by composite id.
func (m *MockStore) LoadKey(ctx context.Context, userID, keyID uuid.UUID) (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.keys[compositeKey{userID, keyID}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKey(k), nil
}

// SaveKey stores a key under cond.
func (m *MockStore) SaveKey(ctx context.Context, key *Key, cond Condition) error {
	if cond.untilAtLeast != nil && cond.kind != condExists && cond.kind != condUnchanged {
		return fmt.Errorf("until condition requires an update of keys, got %s", cond)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := compositeKey{key.UserID, key.KeyID}
	stored, ok := m.keys[id]
	var version int64
	if ok {
		version = stored.Version
	}
	if err := check(cond, ok, version, key.Version); err != nil {
		return err
	}
	if cond.untilAtLeast != nil && stored.Until.Before(*cond.untilAtLeast) {
		return ErrConditionFailed
	}
	key.Version = version + 1
	m.keys[id] = copyKey(key)
	return nil
}

// DeleteKey removes a key under cond.
func (m *MockStore) DeleteKey(ctx context.Context, key *Key, cond Condition) error {
	if cond.kind == condNotExists || cond.untilAtLeast != nil {
		return fmt.Errorf("unsupported delete condition %s", cond)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := compositeKey{key.UserID, key.KeyID}
	stored, ok := m.keys[id]
	var version int64
	if ok {
		version = stored.Version
	}
	if err := check(cond, ok, version, key.Version); err != nil {
		return err
	}
	delete(m.keys, id)
	return nil
}

// QueryKeys returns every key owned by userID, soonest expiry first.
func (m *MockStore) QueryKeys(ctx context.Context, userID uuid.UUID) ([]*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []*Key
	for id, k := range m.keys {
		if id.user == userID {
			keys = append(keys, copyKey(k))
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].Until.Equal(keys[j].Until) {
			return keys[i].Until.Before(keys[j].Until)
		}
		return keys[i].KeyID.String() < keys[j].KeyID.String()
	})
	return keys, nil
}

// EnqueueTask stores a pending task.
func (m *MockStore) EnqueueTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Created.IsZero() {
		task.Created = now
	}
	if task.RunAt.IsZero() {
		task.RunAt = now
	}
	task.Status = TaskPending
	if _, ok := m.tasks[task.ID]; ok {
		return fmt.Errorf("inserting task: duplicate id %s", task.ID)
	}
	m.tasks[task.ID] = copyTask(task)
	m.taskOrder = append(m.taskOrder, task.ID)
	return nil
}

// ClaimTask leases the oldest due pending task.
func (m *MockStore) ClaimTask(ctx context.Context, now time.Time, lease time.Duration) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due *Task
	for _, t := range m.tasks {
		if t.Status != TaskPending || t.RunAt.After(now) {
			continue
		}
		if due == nil || t.RunAt.Before(due.RunAt) {
			due = t
		}
	}
	if due == nil {
		return nil, ErrNotFound
	}
	due.RunAt = now.Add(lease)
	due.Attempts++
	return copyTask(due), nil
}

func (m *MockStore) updateTask(id uuid.UUID, fn func(*Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	fn(t)
	return nil
}

// CompleteTask marks a task done.
func (m *MockStore) CompleteTask(ctx context.Context, id uuid.UUID) error {
	return m.updateTask(id, func(t *Task) {
		t.Status = TaskDone
		t.LastError = ""
	})
}

// RetryTask puts a task back in the queue.
func (m *MockStore) RetryTask(ctx context.Context, id uuid.UUID, runAt time.Time, lastErr string) error {
	return m.updateTask(id, func(t *Task) {
		t.Status = TaskPending
		t.RunAt = runAt
		t.LastError = lastErr
	})
}

// BuryTask marks a task dead.
func (m *MockStore) BuryTask(ctx context.Context, id uuid.UUID, lastErr string) error {
	return m.updateTask(id, func(t *Task) {
		t.Status = TaskDead
		t.LastError = lastErr
	})
}

// GetTask retrieves a task by id.
func (m *MockStore) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

// Tasks returns a snapshot of every task in enqueue order.
func (m *MockStore) Tasks() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := make([]*Task, 0, len(m.taskOrder))
	for _, id := range m.taskOrder {
		tasks = append(tasks, copyTask(m.tasks[id]))
	}
	return tasks
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLStore)(nil)
)
