// ABOUTME: http.RoundTripper that signs outgoing requests
// ABOUTME: Lets Go clients talk to signature-authenticated endpoints

package signing

import (
	"bytes"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Transport signs every request with Key under the id "user_id@key_id".
type Transport struct {
	Key *rsa.PrivateKey
	ID  string

	// Headers lists extra header names (lowercase) to sign in addition to the minimum set.
	Headers []string

	// Base is the underlying transport; http.DefaultTransport when nil.
	Base http.RoundTripper
}

// RoundTrip signs a clone of req and hands it to the base transport.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
	}

	signed := req.Clone(req.Context())
	signed.Body = http.NoBody
	if len(body) > 0 {
		signed.Body = io.NopCloser(bytes.NewReader(body))
	}
	signed.ContentLength = int64(len(body))

	headers := make(map[string]string, len(t.Headers)+4)
	for _, name := range t.Headers {
		if v := req.Header.Get(name); v != "" {
			headers[strings.ToLower(name)] = v
		}
	}
	if err := Sign(req.Method, PathWithQuery(req.URL), headers, body, t.Key, t.ID, t.Headers); err != nil {
		return nil, err
	}
	for name, value := range headers {
		signed.Header.Set(name, value)
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(signed)
}
