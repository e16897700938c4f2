// ABOUTME: Signing key lifecycle: registration, fetch with rolling refresh, revocation
// ABOUTME: Expired keys are revoked lazily on the next lookup

package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/keygate/internal/store"
	"github.com/2389/keygate/internal/validate"
)

// DefaultTTL is how long a key stays valid after creation or its last use.
const DefaultTTL = time.Hour

// Config contains configuration options for the Manager.
type Config struct {
	Store    store.Store
	Logger   *slog.Logger
	TTL      time.Duration
	MaxTries int
	Now      func() time.Time
}

// Manager creates, fetches and revokes signing keys.
type Manager struct {
	store    store.Store
	logger   *slog.Logger
	ttl      time.Duration
	maxTries int
	now      func() time.Time
}

// NewManager creates a new Manager with the given configuration.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:    cfg.Store,
		logger:   cfg.Logger,
		ttl:      cfg.TTL,
		maxTries: cfg.MaxTries,
		now:      cfg.Now,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "keys")
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.maxTries <= 0 {
		m.maxTries = store.DefaultTries
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// New registers a public key for userID under a fresh key_id.
// Returns *validate.InvalidParameterError for bad input and *store.NotSavedError
// if no free key_id was found within the retry budget.
func (m *Manager) New(ctx context.Context, userID, public any) (*store.Key, error) {
	uid, err := validate.UUID(validate.ParamUserID, userID)
	if err != nil {
		return nil, err
	}
	pub, err := validate.PublicKey(public)
	if err != nil {
		return nil, err
	}

	key := &store.Key{UserID: uid, Public: pub, Until: m.now().Add(m.ttl)}
	err = store.PersistUnique(ctx, key, m.maxTries,
		func(k *store.Key) { k.KeyID = uuid.New() },
		func(ctx context.Context, k *store.Key) error { return m.store.SaveKey(ctx, k, store.IfNotExists()) },
	)
	if err != nil {
		return nil, err
	}
	m.logger.Info("key created", "key", key.ID(), "until", key.Until)
	return key, nil
}

// Get loads a live key and pushes its expiry forward.
// An expired key is revoked and reported as store.ErrNotFound. Failures of the
// refresh or the lazy revoke are logged and never returned.
func (m *Manager) Get(ctx context.Context, userID, keyID any) (*store.Key, error) {
	key, err := m.Lookup(ctx, userID, keyID)
	if err != nil {
		return nil, err
	}
	m.Touch(ctx, key)
	return key, nil
}

// Lookup is Get without the refresh. The authentication middleware looks a key up,
// verifies the request with it, and only then calls Touch.
func (m *Manager) Lookup(ctx context.Context, userID, keyID any) (*store.Key, error) {
	return m.LookupAt(ctx, userID, keyID, m.now())
}

// LookupAt is Lookup with expiry judged at now.
func (m *Manager) LookupAt(ctx context.Context, userID, keyID any, now time.Time) (*store.Key, error) {
	uid, err := validate.UUID(validate.ParamUserID, userID)
	if err != nil {
		return nil, err
	}
	kid, err := validate.UUID(validate.ParamKeyID, keyID)
	if err != nil {
		return nil, err
	}

	key, err := m.store.LoadKey(ctx, uid, kid)
	if err != nil {
		return nil, err
	}

	if key.Expired(now) {
		if err := m.Revoke(ctx, key, false); err != nil {
			m.logger.Debug("lazy revoke of expired key failed", "key", key.ID(), "error", err)
		}
		return nil, store.ErrNotFound
	}
	return key, nil
}

// Touch extends key.Until to now+ttl. The write only applies if nobody else wrote
// the key and it has not expired in the store since it was loaded; on success key
// is updated in place. Failures are logged and dropped.
func (m *Manager) Touch(ctx context.Context, key *store.Key) {
	m.TouchAt(ctx, key, m.now())
}

// TouchAt is Touch with the new expiry computed from now.
func (m *Manager) TouchAt(ctx context.Context, key *store.Key, now time.Time) {
	refreshed := *key
	refreshed.Until = now.Add(m.ttl)
	if err := m.store.SaveKey(ctx, &refreshed, store.IfUnchanged().UntilAtLeast(now)); err != nil {
		if !errors.Is(err, store.ErrConditionFailed) {
			m.logger.Warn("key refresh failed", "key", key.ID(), "error", err)
		} else {
			m.logger.Debug("key refresh lost a race", "key", key.ID())
		}
		return
	}
	*key = refreshed
}

// Revoke deletes key. Without force the delete only applies if the key is unchanged
// since it was loaded, so a concurrent refresh wins over a stale revoke; a lost race
// returns *store.NotSavedError. A forced revoke of a missing key succeeds.
func (m *Manager) Revoke(ctx context.Context, key *store.Key, force bool) error {
	cond := store.IfUnchanged()
	if force {
		cond = store.Unconditional()
	}
	if err := m.store.DeleteKey(ctx, key, cond); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return store.NotSaved(key, err)
		}
		return fmt.Errorf("revoking key %s: %w", key.ID(), err)
	}
	m.logger.Info("key revoked", "key", key.ID(), "force", force)
	return nil
}

// List returns every key registered for userID, including expired ones not yet revoked.
func (m *Manager) List(ctx context.Context, userID any) ([]*store.Key, error) {
	uid, err := validate.UUID(validate.ParamUserID, userID)
	if err != nil {
		return nil, err
	}
	return m.store.QueryKeys(ctx, uid)
}
