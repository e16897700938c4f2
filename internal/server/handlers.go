// ABOUTME: HTTP handlers for signup, email verification, key management and account deletion
// ABOUTME: Requests and responses are JSON; errors use the {"title", "description"} body

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/keygate/internal/auth"
	"github.com/2389/keygate/internal/signing"
	"github.com/2389/keygate/internal/store"
	"github.com/2389/keygate/internal/users"
	"github.com/2389/keygate/internal/validate"
)

// Error titles.
const (
	titleMissingParameter = "Missing required parameter"
	titleInvalidParameter = "Invalid parameter"
	titleBadRequest       = "Bad Request"
	titlePayloadTooLarge  = "Payload Too Large"
	titleInternalError    = "Internal Server Error"
)

// signupResponse is returned by POST /signup.
type signupResponse struct {
	UserID string `json:"user_id"`
}

// keyResponse describes the key a request was signed with.
type keyResponse struct {
	KeyID       string `json:"key_id"`
	Until       string `json:"until"`
	Fingerprint string `json:"fingerprint,omitempty"`
	PublicKey   string `json:"public_key,omitempty"`
}

// statusResponse acknowledges a request with no other payload.
type statusResponse struct {
	Status string `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func formatUntil(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// decodeBody parses the request body as a JSON object. An empty body is an empty object.
func decodeBody(r *http.Request) (map[string]any, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	body := map[string]any{}
	if len(data) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// writeBodyError answers a body decodeBody rejected: 413 past the size limit, 400 otherwise.
func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		auth.WriteError(w, http.StatusRequestEntityTooLarge, titlePayloadTooLarge, fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	auth.WriteError(w, http.StatusBadRequest, titleBadRequest, "Request body must be a JSON object")
}

// stringField reports whether name is present and, if so, whether it holds a string.
func stringField(body map[string]any, name string) (value string, present bool, err error) {
	raw, ok := body[name]
	if !ok {
		return "", false, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", true, fmt.Errorf("%s must be a string", name)
	}
	return s, true, nil
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error(msg, "method", r.Method, "path", r.URL.Path, "error", err)
	auth.WriteError(w, http.StatusInternalServerError, titleInternalError, msg)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		writeBodyError(w, err)
		return
	}

	fields := []struct{ name, missing string }{
		{"username", "Must provide a username"},
		{"password", "Must provide a password"},
		{"email", "Must provide an email"},
	}
	values := make(map[string]string, len(fields))
	for _, f := range fields {
		v, present, err := stringField(body, f.name)
		if !present {
			auth.WriteError(w, http.StatusBadRequest, titleMissingParameter, f.missing)
			return
		}
		if err != nil {
			auth.WriteError(w, http.StatusBadRequest, titleInvalidParameter, err.Error())
			return
		}
		values[f.name] = v
	}
	username := values["username"]

	hash, err := auth.HashPassword(values["password"], s.config.Auth.BcryptCost)
	if err != nil {
		s.internalError(w, r, "Failed to hash password", err)
		return
	}

	user, err := s.deps.Users.New(r.Context(), username, values["email"], hash)
	var invalid *validate.InvalidParameterError
	switch {
	case err == nil:
	case errors.Is(err, users.ErrAlreadyExists):
		auth.WriteError(w, http.StatusBadRequest, titleInvalidParameter, fmt.Sprintf("Username '%s' is taken", username))
		return
	case errors.As(err, &invalid):
		auth.WriteError(w, http.StatusBadRequest, titleInvalidParameter, invalid.Name+" "+invalid.Message)
		return
	default:
		s.internalError(w, r, "Failed to create user", err)
		return
	}

	// The account already exists, so a failed enqueue is logged and signup still succeeds.
	if err := s.deps.Queue.SendVerification(r.Context(), username); err != nil {
		s.logger.Error("scheduling verification email failed", "username", username, "user_id", user.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, signupResponse{UserID: user.ID.String()})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	rawUserID := r.PathValue("user_id")
	rawCode := r.PathValue("verification_code")

	user, err := s.deps.Users.GetUser(r.Context(), rawUserID)
	if err == nil && user.Deleted {
		err = store.ErrNotFound
	}
	var invalid *validate.InvalidParameterError
	switch {
	case err == nil:
	case errors.As(err, &invalid):
		auth.WriteError(w, http.StatusBadRequest, titleBadRequest, fmt.Sprintf("user_id must be a uuid but was '%s'", rawUserID))
		return
	case errors.Is(err, store.ErrNotFound):
		auth.WriteError(w, http.StatusBadRequest, titleBadRequest, fmt.Sprintf("unknown user_id '%s'", rawUserID))
		return
	default:
		s.internalError(w, r, "Failed to load user", err)
		return
	}

	err = s.deps.Users.Verify(r.Context(), user, rawCode)
	var notSaved *store.NotSavedError
	switch {
	case err == nil:
	case errors.As(err, &invalid):
		auth.WriteError(w, http.StatusBadRequest, titleBadRequest, fmt.Sprintf("verification_code must be a uuid but was '%s'", rawCode))
		return
	case errors.As(err, &notSaved):
		auth.WriteError(w, http.StatusBadRequest, titleBadRequest, "verification code doesn't match")
		return
	default:
		s.internalError(w, r, "Failed to verify user", err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "verified"})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	body, err := decodeBody(r)
	if err != nil {
		writeBodyError(w, err)
		return
	}
	public, ok := body["public_key"]
	if !ok {
		auth.WriteError(w, http.StatusBadRequest, titleMissingParameter, "Must provide a public key.")
		return
	}

	key, err := s.deps.Keys.New(r.Context(), id.User.ID, public)
	var invalid *validate.InvalidParameterError
	switch {
	case err == nil:
	case errors.As(err, &invalid):
		// user_id came from authentication, so only the key can be invalid.
		auth.WriteError(w, http.StatusBadRequest, titleInvalidParameter, "Expected public key in PEM format.")
		return
	default:
		// Includes *store.NotSavedError when no free key_id was found.
		s.internalError(w, r, "Failed to store public key", err)
		return
	}

	writeJSON(w, http.StatusOK, keyResponse{KeyID: key.ID(), Until: formatUntil(key.Until)})
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key := auth.MustFromContext(r.Context()).Key

	fingerprint, err := signing.Fingerprint(key.Public)
	if err != nil {
		s.internalError(w, r, "Failed to fingerprint key", err)
		return
	}
	pemBytes, err := signing.MarshalPublicKeyPEM(key.Public)
	if err != nil {
		s.internalError(w, r, "Failed to encode key", err)
		return
	}

	writeJSON(w, http.StatusOK, keyResponse{
		KeyID:       key.ID(),
		Until:       formatUntil(key.Until),
		Fingerprint: fingerprint,
		PublicKey:   string(pemBytes),
	})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	key := auth.MustFromContext(r.Context()).Key

	// The middleware just refreshed this key; an explicit revoke must not lose to that write.
	if err := s.deps.Keys.Revoke(r.Context(), key, true); err != nil {
		s.internalError(w, r, "Failed to revoke key", err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{KeyID: key.ID(), Until: formatUntil(key.Until)})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context()).User

	name, err := s.deps.Users.GetUsernameByUserID(r.Context(), user.ID)
	if err != nil {
		s.internalError(w, r, "Failed to resolve username", err)
		return
	}
	if err := s.deps.Queue.DeleteUser(r.Context(), name.Username); err != nil {
		s.internalError(w, r, "Failed to schedule deletion", err)
		return
	}
	s.logger.Info("account deletion scheduled", "user_id", user.ID)
	writeJSON(w, http.StatusAccepted, statusResponse{Status: "deletion scheduled"})
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// schemaVersioner is implemented by stores backed by a migrated database.
type schemaVersioner interface {
	SchemaVersion(ctx context.Context) (int64, error)
}

// handleReady returns 200 once the store answers queries.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	sv, ok := s.deps.Store.(schemaVersioner)
	if !ok {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	version, err := sv.SchemaVersion(ctx)
	if err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (schema %d)", version)
}
