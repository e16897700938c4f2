// ABOUTME: User lifecycle: username reservation, id allocation, verification and tombstoning
// ABOUTME: Username and user_id uniqueness are enforced by separate conditional writes

package users

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

// ErrAlreadyExists is returned when a username is already reserved.
var ErrAlreadyExists = errors.New("already exists")

// Config contains configuration options for the Manager.
type Config struct {
	Store    store.Store
	Logger   *slog.Logger
	MaxTries int
	Now      func() time.Time
}

// Manager creates, looks up, verifies and deletes users.
type Manager struct {
	store    store.Store
	logger   *slog.Logger
	maxTries int
	now      func() time.Time
}

// NewManager creates a new Manager with the given configuration.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:    cfg.Store,
		logger:   cfg.Logger,
		maxTries: cfg.MaxTries,
		now:      cfg.Now,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "users")
	if m.maxTries <= 0 {
		m.maxTries = store.DefaultTries
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// New reserves username, creates an unverified user and links the two.
// Returns ErrAlreadyExists if the username is taken. If the reservation changed
// while the user was being created, returns *store.NotSavedError carrying the
// orphaned *store.User.
func (m *Manager) New(ctx context.Context, username, email string, passwordHash any) (*store.User, error) {
	name, err := validate.Username(username)
	if err != nil {
		return nil, err
	}
	email, err = validate.Email(email)
	if err != nil {
		return nil, err
	}
	hash, err := validate.PasswordHash(passwordHash)
	if err != nil {
		return nil, err
	}

	reservation := &store.UserName{Username: name, Created: m.now().UTC()}
	if err := m.store.SaveUserName(ctx, reservation, store.IfNotExists()); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("reserving username: %w", err)
	}

	code := uuid.New()
	user := &store.User{PasswordHash: hash, Email: email, VerificationCode: &code}
	err = store.PersistUnique(ctx, user, m.maxTries,
		func(u *store.User) { u.ID = uuid.New() },
		func(ctx context.Context, u *store.User) error { return m.store.SaveUser(ctx, u, store.IfNotExists()) },
	)
	if err != nil {
		return nil, err
	}

	reservation.UserID = &user.ID
	if err := m.store.SaveUserName(ctx, reservation, store.IfUnchanged()); err != nil {
		m.logger.Error("username changed while creating user; user is orphaned",
			"username", name, "user_id", user.ID, "error", err)
		return nil, store.NotSaved(user, err)
	}

	m.logger.Info("user created", "username", name, "user_id", user.ID)
	return user, nil
}

// GetUser loads a user by id. Tombstoned users are returned; callers check Active.
func (m *Manager) GetUser(ctx context.Context, userID any) (*store.User, error) {
	id, err := validate.UUID(validate.ParamUserID, userID)
	if err != nil {
		return nil, err
	}
	return m.store.LoadUser(ctx, id)
}

// GetUsername loads a username reservation.
func (m *Manager) GetUsername(ctx context.Context, username string) (*store.UserName, error) {
	name, err := validate.Username(username)
	if err != nil {
		return nil, err
	}
	return m.store.LoadUserName(ctx, name)
}

// GetUsernameByUserID finds the single reservation pointing at userID.
// Zero or several matches are both reported as store.ErrNotFound.
func (m *Manager) GetUsernameByUserID(ctx context.Context, userID any) (*store.UserName, error) {
	id, err := validate.UUID(validate.ParamUserID, userID)
	if err != nil {
		return nil, err
	}
	names, err := m.store.QueryUserNames(ctx, id)
	if err != nil {
		return nil, err
	}
	switch len(names) {
	case 0:
		return nil, store.ErrNotFound
	case 1:
		return names[0], nil
	default:
		m.logger.Warn("several usernames share a user_id", "user_id", id, "count", len(names))
		return nil, store.ErrNotFound
	}
}

// UserByName resolves username to its user. An incomplete association is store.ErrNotFound.
func (m *Manager) UserByName(ctx context.Context, username string) (*store.User, error) {
	name, err := m.GetUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if name.UserID == nil {
		return nil, store.ErrNotFound
	}
	return m.store.LoadUser(ctx, *name.UserID)
}

// Delete tombstones a user. The write is conditioned on the loaded version so a
// concurrent verification is never reverted; a lost race reloads and tries again
// within the retry budget. A missing user is *store.NotSavedError.
func (m *Manager) Delete(ctx context.Context, userID any) (*store.User, error) {
	id, err := validate.UUID(validate.ParamUserID, userID)
	if err != nil {
		return nil, err
	}

	var user *store.User
	for range m.maxTries {
		user, err = m.store.LoadUser(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.NotSaved(&store.User{ID: id, Deleted: true}, err)
		}
		if err != nil {
			return nil, err
		}
		if user.Deleted {
			return user, nil
		}

		user.Deleted = true
		err = m.store.SaveUser(ctx, user, store.IfUnchanged())
		if err == nil {
			m.logger.Info("user deleted", "user_id", id)
			return user, nil
		}
		if !errors.Is(err, store.ErrConditionFailed) {
			return nil, fmt.Errorf("tombstoning user: %w", err)
		}
	}
	return nil, store.NotSaved(user, err)
}

// Verify clears the user's verification code if code matches. Already verified
// users are left alone. A mismatch or a lost race is *store.NotSavedError.
func (m *Manager) Verify(ctx context.Context, user *store.User, code any) error {
	c, err := validate.UUID(validate.ParamVerificationCode, code)
	if err != nil {
		return err
	}
	if user.Verified() {
		return nil
	}
	if c != *user.VerificationCode {
		return store.NotSaved(user, nil)
	}

	current := user.VerificationCode
	user.VerificationCode = nil
	if err := m.store.SaveUser(ctx, user, store.IfUnchanged()); err != nil {
		user.VerificationCode = current
		return store.NotSaved(user, err)
	}
	m.logger.Info("user verified", "user_id", user.ID)
	return nil
}
