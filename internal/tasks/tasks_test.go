// ABOUTME: Tests for the task queue, worker retry policy and the task handlers
// ABOUTME: Runs against MockStore with a recording mail sender and a shiftable clock

package tasks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/keygate/internal/keys"
	"github.com/2389/keygate/internal/mail"
	"github.com/2389/keygate/internal/store"
	"github.com/2389/keygate/internal/users"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg mail.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) Sent() []mail.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mail.Message(nil), r.sent...)
}

// shiftClock is wall time plus an adjustable offset; the store stamps tasks with wall time.
type shiftClock struct {
	mu    sync.Mutex
	shift time.Duration
}

func (c *shiftClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.shift)
}

func (c *shiftClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shift += d
}

type fixture struct {
	store  *store.MockStore
	users  *users.Manager
	keys   *keys.Manager
	sender *recordingSender
	clock  *shiftClock
	queue  *StoreQueue
	worker *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMockStore(),
		sender: &recordingSender{},
		clock:  &shiftClock{},
	}
	f.users = users.NewManager(users.Config{Store: f.store})
	f.keys = keys.NewManager(keys.Config{Store: f.store})
	f.queue = NewStoreQueue(f.store, nil)
	f.worker = NewWorker(Deps{
		Tasks:    f.store,
		Users:    f.users,
		Keys:     f.keys,
		Mail:     f.sender,
		Envelope: mail.Envelope{From: "support@keygate.test"},
		BaseURL:  "https://keygate.test/",
	}, Options{Now: f.clock.Now, Backoff: time.Minute, PollInterval: 10 * time.Millisecond})
	return f
}

func (f *fixture) newUser(t *testing.T, username string) *store.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	hash[2] = 'b'
	user, err := f.users.New(context.Background(), username, username+"@example.com", hash)
	require.NoError(t, err)
	return user
}

func (f *fixture) onlyTask(t *testing.T) *store.Task {
	t.Helper()
	all := f.store.Tasks()
	require.Len(t, all, 1)
	return all[0]
}

func runOnce(t *testing.T, w *Worker) bool {
	t.Helper()
	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	return processed
}

func TestStoreQueue_Enqueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.queue.SendVerification(ctx, "alice"))
	require.NoError(t, f.queue.DeleteUser(ctx, "bob"))

	all := f.store.Tasks()
	require.Len(t, all, 2)
	assert.Equal(t, KindSendVerification, all[0].Kind)
	assert.JSONEq(t, `{"username":"alice"}`, string(all[0].Payload))
	assert.Equal(t, KindDeleteUser, all[1].Kind)
	assert.Equal(t, store.TaskPending, all[1].Status)
}

func TestSendVerification(t *testing.T) {
	f := newFixture(t)
	user := f.newUser(t, "alice")
	require.NoError(t, f.queue.SendVerification(context.Background(), "alice"))

	assert.True(t, runOnce(t, f.worker))
	assert.False(t, runOnce(t, f.worker), "queue is drained")

	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "alice@example.com", sent[0].To)
	assert.Equal(t, "support@keygate.test", sent[0].From)
	url := "https://keygate.test/verify/" + user.ID.String() + "/" + user.VerificationCode.String()
	assert.Contains(t, sent[0].Text, url)
	assert.Equal(t, url, VerificationURL("https://keygate.test", user))
	assert.Equal(t, store.TaskDone, f.onlyTask(t).Status)
}

func TestSendVerification_Skips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	verified := f.newUser(t, "alice")
	require.NoError(t, f.users.Verify(ctx, verified, *verified.VerificationCode))

	for _, username := range []string{"alice", "nobody", "-bad+name"} {
		require.NoError(t, f.queue.SendVerification(ctx, username))
	}
	for runOnce(t, f.worker) {
	}

	assert.Empty(t, f.sender.Sent())
	for _, task := range f.store.Tasks() {
		assert.Equal(t, store.TaskDone, task.Status, "skipped tasks are not retried")
	}
}

func TestRetryThenBury(t *testing.T) {
	f := newFixture(t)
	f.newUser(t, "alice")
	f.sender.err = errors.New("ses throttled")
	require.NoError(t, f.queue.SendVerification(context.Background(), "alice"))

	// Attempt 1 fails and is pushed back by one backoff.
	require.True(t, runOnce(t, f.worker))
	task := f.onlyTask(t)
	assert.Equal(t, store.TaskPending, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Contains(t, task.LastError, "ses throttled")
	assert.False(t, runOnce(t, f.worker), "not due until the backoff passes")

	// Attempt 2 waits one backoff, attempt 3 waits two.
	f.clock.Advance(time.Minute + time.Second)
	require.True(t, runOnce(t, f.worker))
	f.clock.Advance(time.Minute)
	assert.False(t, runOnce(t, f.worker))
	f.clock.Advance(time.Minute + time.Second)
	require.True(t, runOnce(t, f.worker))

	task = f.onlyTask(t)
	assert.Equal(t, store.TaskDead, task.Status)
	assert.Equal(t, DefaultMaxAttempts, task.Attempts)

	f.clock.Advance(time.Hour)
	assert.False(t, runOnce(t, f.worker), "dead tasks never run again")
	assert.Empty(t, f.sender.Sent())
}

func TestRetrySucceeds(t *testing.T) {
	f := newFixture(t)
	f.newUser(t, "alice")
	f.sender.err = errors.New("temporary")
	require.NoError(t, f.queue.SendVerification(context.Background(), "alice"))
	require.True(t, runOnce(t, f.worker))

	f.sender.err = nil
	f.clock.Advance(2 * time.Minute)
	require.True(t, runOnce(t, f.worker))

	assert.Len(t, f.sender.Sent(), 1)
	assert.Equal(t, store.TaskDone, f.onlyTask(t).Status)
}

func TestPermanentFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.EnqueueTask(ctx, &store.Task{Kind: KindSendVerification, Payload: []byte("not json")}))
	require.NoError(t, f.store.EnqueueTask(ctx, &store.Task{Kind: "reticulate_splines", Payload: []byte("{}")}))

	for runOnce(t, f.worker) {
	}

	all := f.store.Tasks()
	require.Len(t, all, 2)
	assert.Equal(t, store.TaskDead, all[0].Status)
	assert.Contains(t, all[0].LastError, "decoding payload")
	assert.Equal(t, 1, all[0].Attempts)
	assert.Equal(t, store.TaskDead, all[1].Status)
	assert.Contains(t, all[1].LastError, "unknown task kind")
}

func TestLeaseRedelivery(t *testing.T) {
	f := newFixture(t)
	f.newUser(t, "alice")
	require.NoError(t, f.queue.SendVerification(context.Background(), "alice"))

	// A worker that claims and then dies leaves the task leased.
	claimed, err := f.store.ClaimTask(context.Background(), f.clock.Now(), DefaultLease)
	require.NoError(t, err)
	assert.False(t, runOnce(t, f.worker))

	f.clock.Advance(DefaultLease + time.Second)
	require.True(t, runOnce(t, f.worker))
	task := f.onlyTask(t)
	assert.Equal(t, claimed.ID, task.ID)
	assert.Equal(t, store.TaskDone, task.Status)
	assert.Equal(t, 2, task.Attempts)
}

func TestDeleteUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.newUser(t, "alice")
	other := f.newUser(t, "bob")

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	for range 2 {
		_, err := f.keys.New(ctx, user.ID, &priv.PublicKey)
		require.NoError(t, err)
	}
	_, err = f.keys.New(ctx, other.ID, &priv.PublicKey)
	require.NoError(t, err)

	require.NoError(t, f.queue.DeleteUser(ctx, "alice"))
	require.True(t, runOnce(t, f.worker))

	got, err := f.users.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	remaining, err := f.keys.List(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
	otherKeys, err := f.keys.List(ctx, other.ID)
	require.NoError(t, err)
	assert.Len(t, otherKeys, 1, "other users are untouched")

	// Redelivery is harmless.
	require.NoError(t, f.queue.DeleteUser(ctx, "alice"))
	require.True(t, runOnce(t, f.worker))
	for _, task := range f.store.Tasks() {
		assert.Equal(t, store.TaskDone, task.Status)
	}
}

// revokeFailingStore fails the first key delete.
type revokeFailingStore struct {
	*store.MockStore
	mu     sync.Mutex
	failed bool
	calls  int
}

func (s *revokeFailingStore) DeleteKey(ctx context.Context, key *store.Key, cond store.Condition) error {
	s.mu.Lock()
	s.calls++
	fail := !s.failed
	s.failed = true
	s.mu.Unlock()
	if fail {
		return errors.New("disk on fire")
	}
	return s.MockStore.DeleteKey(ctx, key, cond)
}

func TestDeleteUser_ContinuesPastRevokeFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.newUser(t, "alice")
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	for range 3 {
		_, err := f.keys.New(ctx, user.ID, &priv.PublicKey)
		require.NoError(t, err)
	}

	failing := &revokeFailingStore{MockStore: f.store}
	w := NewWorker(Deps{
		Tasks: f.store,
		Users: f.users,
		Keys:  keys.NewManager(keys.Config{Store: failing}),
		Mail:  f.sender,
	}, Options{Now: f.clock.Now, Backoff: time.Minute})

	require.NoError(t, f.queue.DeleteUser(ctx, "alice"))
	require.True(t, runOnce(t, w))

	assert.Equal(t, 3, failing.calls, "every key is attempted")
	left, err := f.keys.List(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, left, 1)
	assert.Equal(t, store.TaskPending, f.onlyTask(t).Status, "partial failure is retried")

	f.clock.Advance(2 * time.Minute)
	require.True(t, runOnce(t, w))
	left, err = f.keys.List(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, store.TaskDone, f.onlyTask(t).Status)
}

func TestWorker_Run(t *testing.T) {
	f := newFixture(t)
	f.newUser(t, "alice")
	f.newUser(t, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	require.NoError(t, f.queue.SendVerification(context.Background(), "alice"))
	require.NoError(t, f.queue.SendVerification(context.Background(), "bob"))

	require.Eventually(t, func() bool { return len(f.sender.Sent()) == 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("bad")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))

	var payload userPayload
	require.NoError(t, json.Unmarshal([]byte(`{"username":"x"}`), &payload))
	assert.Equal(t, "x", payload.Username)
}
