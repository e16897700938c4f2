// ABOUTME: Tests for the key lifecycle manager
// ABOUTME: Covers expiry boundaries, rolling refresh, refresh races and revocation

package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/keygate/internal/store"
	"github.com/2389/keygate/internal/validate"
)

var (
	keyOnce sync.Once
	testPub *rsa.PublicKey
)

func publicKey(t *testing.T) *rsa.PublicKey {
	t.Helper()
	keyOnce.Do(func() {
		priv, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			panic(err)
		}
		testPub = &priv.PublicKey
	})
	return testPub
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestManager(s store.Store) (*Manager, *clock) {
	c := &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(Config{Store: s, Now: c.Now}), c
}

// faultyStore overrides key writes to simulate races and outages.
type faultyStore struct {
	store.Store
	saveKeyErr   error
	deleteKeyErr error
	saveKeyCalls int
}

func (f *faultyStore) SaveKey(ctx context.Context, key *store.Key, cond store.Condition) error {
	f.saveKeyCalls++
	if f.saveKeyErr != nil {
		return f.saveKeyErr
	}
	return f.Store.SaveKey(ctx, key, cond)
}

func (f *faultyStore) DeleteKey(ctx context.Context, key *store.Key, cond store.Condition) error {
	if f.deleteKeyErr != nil {
		return f.deleteKeyErr
	}
	return f.Store.DeleteKey(ctx, key, cond)
}

func TestNew(t *testing.T) {
	s := store.NewMockStore()
	m, c := newTestManager(s)
	userID := uuid.New()

	key, err := m.New(context.Background(), userID.String(), publicKey(t))
	require.NoError(t, err)
	assert.Equal(t, userID, key.UserID)
	assert.NotEqual(t, uuid.Nil, key.KeyID)
	assert.Equal(t, c.Now().Add(time.Hour), key.Until)

	stored, err := s.LoadKey(context.Background(), key.UserID, key.KeyID)
	require.NoError(t, err)
	assert.True(t, publicKey(t).Equal(stored.Public))
}

func TestNew_InvalidInput(t *testing.T) {
	m, _ := newTestManager(store.NewMockStore())
	var invalidErr *validate.InvalidParameterError

	_, err := m.New(context.Background(), "nope", publicKey(t))
	require.True(t, errors.As(err, &invalidErr))
	assert.Equal(t, validate.ParamUserID, invalidErr.Name)

	_, err = m.New(context.Background(), uuid.New(), "not a key")
	require.True(t, errors.As(err, &invalidErr))
	assert.Equal(t, validate.ParamPublicKey, invalidErr.Name)
}

func TestNew_FailsClosedOnCollisions(t *testing.T) {
	s := &faultyStore{Store: store.NewMockStore(), saveKeyErr: store.ErrConditionFailed}
	m, _ := newTestManager(s)

	_, err := m.New(context.Background(), uuid.New(), publicKey(t))
	var notSaved *store.NotSavedError
	require.True(t, errors.As(err, &notSaved))
	assert.Equal(t, 10, s.saveKeyCalls)
}

func TestGet_ExpiryBoundary(t *testing.T) {
	s := store.NewMockStore()
	m, c := newTestManager(s)
	ctx := context.Background()
	start := c.Now()

	key, err := m.New(ctx, uuid.New(), publicKey(t))
	require.NoError(t, err)

	// until == now is still live, and the read refreshes it.
	c.Set(key.Until)
	got, err := m.Get(ctx, key.UserID, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, start.Add(2*time.Hour), got.Until)

	// One second past until is expired and revoked.
	c.Set(got.Until.Add(time.Second))
	_, err = m.Get(ctx, key.UserID, key.KeyID)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.LoadKey(ctx, key.UserID, key.KeyID)
	assert.ErrorIs(t, err, store.ErrNotFound, "expired key should have been revoked")
}

func TestLookup_DoesNotRefresh(t *testing.T) {
	s := store.NewMockStore()
	m, c := newTestManager(s)
	ctx := context.Background()

	key, err := m.New(ctx, uuid.New(), publicKey(t))
	require.NoError(t, err)

	c.Set(c.Now().Add(time.Minute))
	got, err := m.Lookup(ctx, key.UserID, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, key.Until, got.Until)

	m.Touch(ctx, got)
	assert.Equal(t, c.Now().Add(time.Hour), got.Until)
	stored, err := s.LoadKey(ctx, key.UserID, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, got.Until, stored.Until)
	assert.Equal(t, got.Version, stored.Version, "Touch updates the caller's copy")
}

func TestLookupAt_JudgesExpiryAtGivenInstant(t *testing.T) {
	s := store.NewMockStore()
	m, c := newTestManager(s)
	ctx := context.Background()

	key, err := m.New(ctx, uuid.New(), publicKey(t))
	require.NoError(t, err)

	// The manager's own clock says expired; the caller's instant does not.
	c.Set(key.Until.Add(time.Hour))
	got, err := m.LookupAt(ctx, key.UserID, key.KeyID, key.Until)
	require.NoError(t, err)

	m.TouchAt(ctx, got, key.Until)
	assert.Equal(t, key.Until.Add(time.Hour), got.Until)

	_, err = m.LookupAt(ctx, key.UserID, key.KeyID, got.Until.Add(time.Second))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGet_RefreshIsMonotonic(t *testing.T) {
	m, c := newTestManager(store.NewMockStore())
	ctx := context.Background()

	key, err := m.New(ctx, uuid.New(), publicKey(t))
	require.NoError(t, err)

	first, err := m.Get(ctx, key.UserID, key.KeyID)
	require.NoError(t, err)
	second, err := m.Get(ctx, key.UserID, key.KeyID)
	require.NoError(t, err)
	assert.False(t, second.Until.Before(first.Until))

	c.Set(c.Now().Add(time.Minute))
	third, err := m.Get(ctx, key.UserID, key.KeyID)
	require.NoError(t, err)
	assert.True(t, third.Until.After(second.Until))
}

func TestGet_RefreshRaceNeverSurfaces(t *testing.T) {
	for name, saveErr := range map[string]error{
		"lost race": store.ErrConditionFailed,
		"outage":    errors.New("connection reset"),
	} {
		t.Run(name, func(t *testing.T) {
			inner := store.NewMockStore()
			m, _ := newTestManager(inner)
			ctx := context.Background()
			key, err := m.New(ctx, uuid.New(), publicKey(t))
			require.NoError(t, err)

			racing, c := newTestManager(&faultyStore{Store: inner, saveKeyErr: saveErr})
			c.Set(key.Until.Add(-time.Minute))

			got, err := racing.Get(ctx, key.UserID, key.KeyID)
			require.NoError(t, err)
			assert.Equal(t, key.Until, got.Until, "a failed refresh leaves the loaded expiry")
		})
	}
}

func TestGet_ConcurrentRefreshKeepsLatest(t *testing.T) {
	s := store.NewMockStore()
	m, c := newTestManager(s)
	ctx := context.Background()
	key, err := m.New(ctx, uuid.New(), publicKey(t))
	require.NoError(t, err)

	// Another reader refreshed the key after we loaded it.
	stale, err := s.LoadKey(ctx, key.UserID, key.KeyID)
	require.NoError(t, err)
	c.Set(c.Now().Add(10 * time.Minute))
	_, err = m.Get(ctx, key.UserID, key.KeyID)
	require.NoError(t, err)

	m.TouchAt(ctx, stale, c.Now().Add(-time.Minute))
	stored, err := s.LoadKey(ctx, key.UserID, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, c.Now().Add(time.Hour), stored.Until, "stale refresh must not overwrite a newer one")
}

func TestGet_LazyRevokeFailureStillNotFound(t *testing.T) {
	inner := store.NewMockStore()
	m, _ := newTestManager(inner)
	ctx := context.Background()
	key, err := m.New(ctx, uuid.New(), publicKey(t))
	require.NoError(t, err)

	failing, c := newTestManager(&faultyStore{Store: inner, deleteKeyErr: errors.New("unavailable")})
	c.Set(key.Until.Add(time.Second))
	_, err = failing.Get(ctx, key.UserID, key.KeyID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGet_Unknown(t *testing.T) {
	m, _ := newTestManager(store.NewMockStore())
	_, err := m.Get(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.Get(context.Background(), uuid.New(), "bad")
	var invalidErr *validate.InvalidParameterError
	require.True(t, errors.As(err, &invalidErr))
	assert.Equal(t, validate.ParamKeyID, invalidErr.Name)
}

func TestRevoke(t *testing.T) {
	s := store.NewMockStore()
	m, _ := newTestManager(s)
	ctx := context.Background()

	key, err := m.New(ctx, uuid.New(), publicKey(t))
	require.NoError(t, err)
	stale := *key

	_, err = m.Get(ctx, key.UserID, key.KeyID)
	require.NoError(t, err)

	err = m.Revoke(ctx, &stale, false)
	var notSaved *store.NotSavedError
	require.True(t, errors.As(err, &notSaved))
	assert.Same(t, &stale, notSaved.Obj)

	require.NoError(t, m.Revoke(ctx, &stale, true))
	_, err = s.LoadKey(ctx, key.UserID, key.KeyID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, m.Revoke(ctx, &stale, true), "forced revoke of a missing key succeeds")
}

func TestList(t *testing.T) {
	m, _ := newTestManager(store.NewMockStore())
	ctx := context.Background()
	userID := uuid.New()

	for range 3 {
		_, err := m.New(ctx, userID, publicKey(t))
		require.NoError(t, err)
	}
	_, err := m.New(ctx, uuid.New(), publicKey(t))
	require.NoError(t, err)

	keys, err := m.List(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}
