// ABOUTME: Go client for the keygate HTTP API
// ABOUTME: Registers a session key with a password, then signs every later request with it

package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/2389/keygate/internal/signing"
)

// DefaultKeyBits is the size of keys generated by UploadKey.
const DefaultKeyBits = 2048

// ErrNoKey is returned by signed calls made before a key was uploaded.
var ErrNoKey = errors.New("client: no signing key; call UploadKey first")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode  int
	Title       string
	Description string
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("keygate returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("keygate error (%d): %s: %s", e.StatusCode, e.Title, e.Description)
}

// Credentials are the username and password used to register keys.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoadCredentials reads a JSON credentials file. A leading ~ is expanded.
func LoadCredentials(path string) (Credentials, error) {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return Credentials{}, fmt.Errorf("expanding %s: %w", path, err)
		}
		path = filepath.Join(home, rest)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("reading credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parsing credentials: %w", err)
	}
	return creds, nil
}

// KeyInfo describes a registered key.
type KeyInfo struct {
	KeyID       string    `json:"key_id"`
	Until       time.Time `json:"until"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	PublicKey   string    `json:"public_key,omitempty"`
}

// Client talks to a keygate server.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	key   *rsa.PrivateKey
	keyID string
}

// New creates a client for baseURL. httpClient may be nil.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
	}
}

// KeyID returns the "user_id@key_id" of the current signing key, or "".
func (c *Client) KeyID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keyID
}

// Signup creates an account and returns its user_id. The server emails a verification link.
func (c *Client) Signup(ctx context.Context, username, password, email string) (string, error) {
	req := map[string]string{"username": username, "password": password, "email": email}
	var resp struct {
		UserID string `json:"user_id"`
	}
	if err := c.call(ctx, c.http, http.MethodPost, "/signup", req, &resp); err != nil {
		return "", err
	}
	return resp.UserID, nil
}

// Verify follows a verification link given as its user_id and code.
func (c *Client) Verify(ctx context.Context, userID, code string) error {
	path := "/verify/" + url.PathEscape(userID) + "/" + url.PathEscape(code)
	return c.call(ctx, c.http, http.MethodGet, path, nil, nil)
}

// UploadKey registers the public half of key and signs later requests with it.
// A nil key generates a fresh DefaultKeyBits key.
func (c *Client) UploadKey(ctx context.Context, creds Credentials, key *rsa.PrivateKey) (KeyInfo, error) {
	if key == nil {
		var err error
		key, err = rsa.GenerateKey(rand.Reader, DefaultKeyBits)
		if err != nil {
			return KeyInfo{}, fmt.Errorf("generating key: %w", err)
		}
	}
	pemBytes, err := signing.MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		return KeyInfo{}, err
	}

	req := map[string]string{
		"username":   creds.Username,
		"password":   creds.Password,
		"public_key": string(pemBytes),
	}
	var info KeyInfo
	if err := c.call(ctx, c.http, http.MethodPost, "/keys", req, &info); err != nil {
		return KeyInfo{}, err
	}

	c.mu.Lock()
	c.key, c.keyID = key, info.KeyID
	c.mu.Unlock()
	return info, nil
}

// SigningKey returns the current private key, or nil.
func (c *Client) SigningKey() *rsa.PrivateKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

// UseKey signs later requests with a key registered earlier.
func (c *Client) UseKey(key *rsa.PrivateKey, keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key, c.keyID = key, keyID
}

// Key describes the current signing key. Each signed call also extends its expiry.
func (c *Client) Key(ctx context.Context) (KeyInfo, error) {
	signed, err := c.signedClient()
	if err != nil {
		return KeyInfo{}, err
	}
	var info KeyInfo
	if err := c.call(ctx, signed, http.MethodGet, "/keys", nil, &info); err != nil {
		return KeyInfo{}, err
	}
	return info, nil
}

// Revoke revokes the current signing key and forgets it.
func (c *Client) Revoke(ctx context.Context) error {
	signed, err := c.signedClient()
	if err != nil {
		return err
	}
	if err := c.call(ctx, signed, http.MethodDelete, "/keys", nil, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.key, c.keyID = nil, ""
	c.mu.Unlock()
	return nil
}

// DeleteAccount schedules deletion of the account and all its keys.
func (c *Client) DeleteAccount(ctx context.Context) error {
	signed, err := c.signedClient()
	if err != nil {
		return err
	}
	return c.call(ctx, signed, http.MethodDelete, "/users", nil, nil)
}

func (c *Client) signedClient() (*http.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.key == nil {
		return nil, ErrNoKey
	}
	return &http.Client{
		Transport: &signing.Transport{Key: c.key, ID: c.keyID, Base: c.http.Transport},
		Timeout:   c.http.Timeout,
	}, nil
}

// call sends a JSON request and decodes a JSON response into out when out is non-nil.
func (c *Client) call(ctx context.Context, hc *http.Client, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// handleErrorResponse turns a non-2xx response into an *APIError.
func handleErrorResponse(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		}
		if json.Unmarshal(data, &body) == nil {
			apiErr.Title, apiErr.Description = body.Title, body.Description
			return apiErr
		}
	}
	apiErr.Description = strings.TrimSpace(string(data))
	return apiErr
}
