// ABOUTME: Task handlers for verification email and cascading user deletion
// ABOUTME: Both are idempotent so redelivery after a crash is harmless

package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/keygate/internal/mail"
	"github.com/2389/keygate/internal/store"
	"github.com/2389/keygate/internal/validate"
)

func decodeUser(payload []byte) (string, error) {
	var p userPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", Permanent(fmt.Errorf("decoding payload: %w", err))
	}
	return p.Username, nil
}

// lookupUser returns nil without error when username cannot name a user.
// Retrying would at best find a different user than the one the task was for.
func (w *Worker) lookupUser(ctx context.Context, username string) (*store.User, error) {
	user, err := w.deps.Users.UserByName(ctx, username)
	var invalidErr *validate.InvalidParameterError
	if errors.Is(err, store.ErrNotFound) || errors.As(err, &invalidErr) {
		w.logger.Warn("task target not found", "username", username, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading user %s: %w", username, err)
	}
	return user, nil
}

// VerificationURL is the link an unverified user opens to verify their email.
func VerificationURL(baseURL string, user *store.User) string {
	var code string
	if user.VerificationCode != nil {
		code = user.VerificationCode.String()
	}
	return fmt.Sprintf("%s/verify/%s/%s", strings.TrimRight(baseURL, "/"), user.ID, code)
}

func (w *Worker) sendVerification(ctx context.Context, payload []byte) error {
	username, err := decodeUser(payload)
	if err != nil {
		return err
	}
	user, err := w.lookupUser(ctx, username)
	if err != nil || user == nil {
		return err
	}
	if user.Verified() || user.Deleted {
		return nil
	}

	msg, err := mail.VerificationEmail(w.deps.Envelope, user.Email, username, VerificationURL(w.deps.BaseURL, user))
	if err != nil {
		return Permanent(err)
	}
	if err := w.deps.Mail.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending verification email: %w", err)
	}
	w.logger.Info("verification email sent", "user_id", user.ID)
	return nil
}

func (w *Worker) deleteUser(ctx context.Context, payload []byte) error {
	username, err := decodeUser(payload)
	if err != nil {
		return err
	}
	user, err := w.lookupUser(ctx, username)
	if err != nil || user == nil {
		return err
	}

	if _, err := w.deps.Users.Delete(ctx, user.ID); err != nil {
		return fmt.Errorf("tombstoning user: %w", err)
	}

	keys, err := w.deps.Keys.List(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("listing keys: %w", err)
	}
	var errs []error
	for _, key := range keys {
		if err := w.deps.Keys.Revoke(ctx, key, true); err != nil {
			w.logger.Warn("revoking key during user deletion failed", "key", key.ID(), "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	w.logger.Info("user deleted", "user_id", user.ID, "keys_revoked", len(keys))
	return nil
}
