// ABOUTME: HTTP authentication middleware with per-route modes: signature, basic or skip
// ABOUTME: Maps every failure to an enumeration-resistant 401 and logs the precise reason

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/keygate/internal/dedupe"
	"github.com/2389/keygate/internal/signing"
	"github.com/2389/keygate/internal/store"
	"github.com/2389/keygate/internal/validate"
)

// Mode selects how a route authenticates.
type Mode int

const (
	// ModeSignature requires a valid RSA-PSS Signature Authorization header.
	ModeSignature Mode = iota
	// ModeBasic requires username and password in the JSON body.
	ModeBasic
	// ModeSkip disables authentication.
	ModeSkip
)

func (m Mode) String() string {
	switch m {
	case ModeSignature:
		return "signature"
	case ModeBasic:
		return "basic"
	case ModeSkip:
		return "skip"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Route is the authentication declared for one route. The zero value requires a signature.
type Route struct {
	Mode Mode
	// ExtraSignedHeaders must be covered by the signature in addition to signing.MinimumHeaders.
	ExtraSignedHeaders []string
}

// Wire messages.
const (
	failureTitle           = "Authentication failed"
	msgMissingAuthHeader   = "Must provide 'authorization' header"
	msgBadAuthHeader       = "Authorization header did not match required pattern "
	msgSignatureFailed     = "Signature validation failed"
	msgMissingUsername     = "username is missing"
	msgMissingPassword     = "password is missing"
	msgBadCredentials      = "Invalid username/password"
	msgAccountNotVerified  = "Account not verified"
	msgAccountDeleted      = "Account was deleted"
	msgInternalServerError = "Internal server error"
	msgBodyTooLarge        = "Request body too large"
	msgUnreadableBody      = "Could not read request body"
)

// DefaultMaxBodyBytes bounds how much of a body is read on any route. Skip routes get a
// limited reader; the others buffer the body for hashing or credential parsing.
const DefaultMaxBodyBytes = 1 << 20

// KeyStore looks up signing keys. LookupAt must not refresh; TouchAt is called once the
// signature has been verified. Both receive the instant the request is judged at.
type KeyStore interface {
	LookupAt(ctx context.Context, userID, keyID any, now time.Time) (*store.Key, error)
	TouchAt(ctx context.Context, key *store.Key, now time.Time)
}

// UserStore looks up users by id or username.
type UserStore interface {
	GetUser(ctx context.Context, userID any) (*store.User, error)
	UserByName(ctx context.Context, username string) (*store.User, error)
}

// Config contains configuration options for the Authenticator.
type Config struct {
	Keys  KeyStore
	Users UserStore
	// Replay, when set, rejects a signature presented more than once.
	Replay       *dedupe.Cache
	Skew         time.Duration
	BcryptCost   int
	MaxBodyBytes int64
	Logger       *slog.Logger
	Now          func() time.Time
}

// Authenticator builds authentication middleware for routes.
type Authenticator struct {
	keys     KeyStore
	users    UserStore
	replay   *dedupe.Cache
	skew     time.Duration
	maxBody  int64
	logger   *slog.Logger
	now      func() time.Time
	dummy    *dummyHash
}

// NewAuthenticator creates a new Authenticator with the given configuration.
func NewAuthenticator(cfg Config) *Authenticator {
	a := &Authenticator{
		keys:    cfg.Keys,
		users:   cfg.Users,
		replay:  cfg.Replay,
		skew:    cfg.Skew,
		maxBody: cfg.MaxBodyBytes,
		logger:  cfg.Logger,
		now:     cfg.Now,
		dummy:   &dummyHash{cost: cfg.BcryptCost},
	}
	if a.skew <= 0 {
		a.skew = signing.DefaultSkew
	}
	if a.maxBody <= 0 {
		a.maxBody = DefaultMaxBodyBytes
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("component", "auth")
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// failure is an authentication outcome that is not a success.
type failure struct {
	status      int
	description string
	// reason is logged and never sent.
	reason string
	attrs  []any
}

func (f *failure) Error() string { return f.reason }

func rejected(description, reason string, attrs ...any) *failure {
	return &failure{status: http.StatusUnauthorized, description: description, reason: reason, attrs: attrs}
}

// signatureFailed hides reason behind the generic signature message.
func signatureFailed(reason string, attrs ...any) *failure {
	return rejected(msgSignatureFailed, reason, attrs...)
}

func unreadableBody(err error) *failure {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &failure{status: http.StatusRequestEntityTooLarge, description: msgBodyTooLarge, reason: "body too large", attrs: []any{"limit", tooLarge.Limit}}
	}
	return &failure{status: http.StatusBadRequest, description: msgUnreadableBody, reason: "unreadable body", attrs: []any{"error", err}}
}

func internalError(err error) *failure {
	return &failure{status: http.StatusInternalServerError, description: msgInternalServerError, reason: "store error", attrs: []any{"error", err}}
}

// Middleware returns middleware that authenticates requests according to route.
// On success the Identity is attached to the request context.
func (a *Authenticator) Middleware(route Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if route.Mode == ModeSkip {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Body != nil && r.Body != http.NoBody {
					r.Body = http.MaxBytesReader(w, r.Body, a.maxBody)
				}
				next.ServeHTTP(w, r)
			})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			body, err := a.readBody(w, r)
			if err != nil {
				a.fail(w, r, route, unreadableBody(err))
				return
			}

			var id *Identity
			var f *failure
			switch route.Mode {
			case ModeBasic:
				id, f = a.authenticateBasic(r.Context(), body)
			default:
				id, f = a.authenticateSignature(r, body, route.ExtraSignedHeaders)
			}
			if f == nil {
				f = checkAccount(id.User)
			}
			if f != nil {
				a.fail(w, r, route, f)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// readBody buffers the body and puts a fresh reader back for the handler.
func (a *Authenticator) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBody))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

type credentials struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
}

func (a *Authenticator) authenticateBasic(ctx context.Context, body []byte) (*Identity, *failure) {
	var creds credentials
	if len(body) > 0 {
		if err := json.Unmarshal(body, &creds); err != nil {
			return nil, rejected(msgMissingUsername, "body is not a credentials object", "error", err)
		}
	}
	if creds.Username == nil {
		return nil, rejected(msgMissingUsername, "username is missing")
	}
	if creds.Password == nil {
		return nil, rejected(msgMissingPassword, "password is missing")
	}

	user, err := a.users.UserByName(ctx, *creds.Username)
	if err != nil {
		var invalidErr *validate.InvalidParameterError
		if !errors.Is(err, store.ErrNotFound) && !errors.As(err, &invalidErr) {
			return nil, internalError(err)
		}
		a.dummy.compare(*creds.Password)
		return nil, rejected(msgBadCredentials, "unknown username", "username", *creds.Username)
	}
	if err := CheckPassword(*creds.Password, user.PasswordHash); err != nil {
		return nil, rejected(msgBadCredentials, "wrong password", "user_id", user.ID, "error", err)
	}
	return &Identity{User: user}, nil
}

func (a *Authenticator) authenticateSignature(r *http.Request, body []byte, extra []string) (*Identity, *failure) {
	ctx := r.Context()
	headers := lowercaseHeaders(r)

	raw, ok := headers[signing.HeaderAuthorization]
	if !ok {
		return nil, rejected(msgMissingAuthHeader, "missing authorization header")
	}
	authz, err := validate.AuthorizationHeader(raw)
	if err != nil {
		return nil, rejected(msgBadAuthHeader+validate.AuthorizationPatternHuman, "malformed authorization header")
	}

	now := a.now()
	key, err := a.keys.LookupAt(ctx, authz.UserID, authz.KeyID, now)
	if err != nil {
		var invalidErr *validate.InvalidParameterError
		switch {
		case errors.As(err, &invalidErr):
			return nil, signatureFailed(fmt.Sprintf("%s must be a uuid but was '%v'", invalidErr.Name, invalidErr.Value))
		case errors.Is(err, store.ErrNotFound):
			return nil, signatureFailed("unknown or expired key", "user_id", authz.UserID, "key_id", authz.KeyID)
		default:
			return nil, internalError(err)
		}
	}

	verifier := signing.Verifier{Now: func() time.Time { return now }, Skew: a.skew}
	err = verifier.Verify(r.Method, signing.PathWithQuery(r.URL), headers, body, key.Public,
		authz.Signature, authz.SignedHeaders(), extra)
	if err != nil {
		return nil, signatureFailed(err.Error(), "key", key.ID())
	}

	if a.replay != nil {
		date, _ := signing.ParseDate(headers[signing.HeaderDate])
		if a.replay.Remember(authz.Signature, date.Add(a.skew)) {
			return nil, signatureFailed("signature replayed", "key", key.ID())
		}
	}

	user, err := a.users.GetUser(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, signatureFailed("key belongs to unknown user", "key", key.ID())
		}
		return nil, internalError(err)
	}

	a.keys.TouchAt(ctx, key, now)
	return &Identity{User: user, Key: key}, nil
}

// checkAccount applies the account gates in order.
func checkAccount(user *store.User) *failure {
	if !user.Verified() {
		return rejected(msgAccountNotVerified, "account not verified", "user_id", user.ID)
	}
	if user.Deleted {
		return rejected(msgAccountDeleted, "account deleted", "user_id", user.ID)
	}
	return nil
}

// lowercaseHeaders flattens r's headers to lowercase names with their first value.
// Host and Content-Length are restored from the request when the server has moved them.
func lowercaseHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string, len(r.Header)+2)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	if _, ok := headers["host"]; !ok && r.Host != "" {
		headers["host"] = r.Host
	}
	if _, ok := headers[signing.HeaderContentLength]; !ok && r.ContentLength >= 0 {
		headers[signing.HeaderContentLength] = strconv.FormatInt(r.ContentLength, 10)
	}
	return headers
}

func (a *Authenticator) fail(w http.ResponseWriter, r *http.Request, route Route, f *failure) {
	logAuthFailure(a.logger, r, route, f)
	WriteError(w, f.status, failureTitle, f.description)
}

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, r *http.Request, route Route, f *failure) {
	attrs := []any{
		"reason", f.reason,
		"mode", route.Mode.String(),
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
	}
	attrs = append(attrs, f.attrs...)
	if f.status >= http.StatusInternalServerError {
		logger.Error("auth error", attrs...)
		return
	}
	logger.Warn("auth failure", attrs...)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// WriteError writes a JSON error body with the given status.
func WriteError(w http.ResponseWriter, status int, title, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Title: title, Description: description})
}
