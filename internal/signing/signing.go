// ABOUTME: HTTP message signing and verification with RSA-PSS over SHA-256
// ABOUTME: Builds the canonical signing string and checks date, length and body-hash headers

package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

// RequestTarget is the pseudo-header synthesized from the method and path.
const RequestTarget = "(request-target)"

// Header names populated and checked on every signed request.
const (
	HeaderDate          = "x-date"
	HeaderContentLength = "content-length"
	HeaderContentSHA256 = "x-content-sha256"
	HeaderAuthorization = "authorization"
)

// DefaultSkew is the accepted distance between x-date and the verifier's clock.
const DefaultSkew = 5 * time.Minute

// MinimumHeaders must be signed on every request.
var MinimumHeaders = []string{HeaderDate, RequestTarget, HeaderContentLength, HeaderContentSHA256}

// pssOptions signs with the largest salt the modulus allows and auto-detects it on verify.
var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}

// BadSignatureError describes why a request could not be signed or verified.
type BadSignatureError struct {
	Reason string
}

func (e *BadSignatureError) Error() string {
	return e.Reason
}

func badSignature(format string, args ...any) error {
	return &BadSignatureError{Reason: fmt.Sprintf(format, args...)}
}

const msgNilHeaders = "Request headers must not be nil"

// Sign populates any missing minimum headers, signs the request and sets headers["authorization"].
// Header names in headers must be lowercase. Values the caller already set are never replaced.
func Sign(method, path string, headers map[string]string, body []byte, key *rsa.PrivateKey, id string, headersToSign []string) error {
	if headers == nil {
		return badSignature(msgNilHeaders)
	}
	toSign := ensureMinimumHeaders(headersToSign)
	populateMissingHeaders(headers, body, time.Now())
	if err := checkMissingHeaders(headers, toSign, toSign); err != nil {
		return err
	}

	signingString := SigningString(method, path, headers, toSign)
	digest := sha256.Sum256([]byte(signingString))
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], pssOptions)
	if err != nil {
		return fmt.Errorf("signing request: %w", err)
	}

	headers[HeaderAuthorization] = fmt.Sprintf(`Signature headers="%s" id="%s" signature="%s"`,
		strings.Join(toSign, " "), id, base64.StdEncoding.EncodeToString(sig))
	return nil
}

// Verifier checks signed requests against a clock. The zero value uses wall time and DefaultSkew.
type Verifier struct {
	Now  func() time.Time
	Skew time.Duration
}

// Verify checks a request with wall time and a five minute window.
func Verify(method, path string, headers map[string]string, body []byte, key *rsa.PublicKey, signature string, signedHeaders, headersToSign []string) error {
	return Verifier{}.Verify(method, path, headers, body, key, signature, signedHeaders, headersToSign)
}

// Verify returns a *BadSignatureError describing the first failed check.
// The signing string is rebuilt in the order of signedHeaders, the list claimed by the
// Authorization header; headersToSign only constrains which headers must be present in it.
func (v Verifier) Verify(method, path string, headers map[string]string, body []byte, key *rsa.PublicKey, signature string, signedHeaders, headersToSign []string) error {
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	skew := v.Skew
	if skew <= 0 {
		skew = DefaultSkew
	}
	if headers == nil {
		return badSignature(msgNilHeaders)
	}

	if headers[HeaderContentLength] == "" {
		headers[HeaderContentLength] = "0"
	}
	required := ensureMinimumHeaders(headersToSign)
	if err := checkMissingHeaders(headers, required, signedHeaders); err != nil {
		return err
	}
	if err := verifyDate(headers, now, skew); err != nil {
		return err
	}
	if err := verifyBody(headers, body); err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return badSignature("Signatures do not match.")
	}
	signingString := SigningString(method, path, headers, signedHeaders)
	digest := sha256.Sum256([]byte(signingString))
	if err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], sig, pssOptions); err != nil {
		return badSignature("Signatures do not match.")
	}
	return nil
}

// ensureMinimumHeaders returns a copy of headersToSign with any missing minimum headers appended.
func ensureMinimumHeaders(headersToSign []string) []string {
	out := slices.Clone(headersToSign)
	for _, h := range MinimumHeaders {
		if !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	return out
}

func populateMissingHeaders(headers map[string]string, body []byte, now time.Time) {
	if _, ok := headers[HeaderDate]; !ok {
		headers[HeaderDate] = now.UTC().Format(time.RFC3339)
	}
	if _, ok := headers[HeaderContentLength]; !ok {
		headers[HeaderContentLength] = strconv.Itoa(len(body))
	}
	if _, ok := headers[HeaderContentSHA256]; !ok {
		headers[HeaderContentSHA256] = BodyHash(body)
	}
}

func checkMissingHeaders(headers map[string]string, required, signed []string) error {
	for _, h := range required {
		if h == RequestTarget {
			continue
		}
		if _, ok := headers[h]; !ok {
			return badSignature("Request was missing required header %s", h)
		}
	}
	for _, h := range required {
		if !slices.Contains(signed, h) {
			return badSignature("Signature did not include all required headers (%s)", strings.Join(required, " "))
		}
	}
	for _, h := range signed {
		if _, ok := headers[h]; !ok && h != RequestTarget {
			return badSignature("Request was missing signed header %s", h)
		}
	}
	return nil
}

// BodyHash is the base64 SHA-256 of body; a nil body hashes as the empty string.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// SigningString joins "name: value" lines in the given order.
func SigningString(method, path string, headers map[string]string, order []string) string {
	lines := make([]string, 0, len(order))
	for _, name := range order {
		value := headers[name]
		if name == RequestTarget {
			value = requestTarget(method, path)
		}
		lines = append(lines, name+": "+value)
	}
	return strings.Join(lines, "\n")
}

// requestTarget keeps the path and query exactly as given and drops any fragment.
func requestTarget(method, path string) string {
	target, _, _ := strings.Cut(path, "#")
	return strings.ToLower(method) + " " + target
}

// PathWithQuery renders the request-target path of u the same way on both sides of the wire.
func PathWithQuery(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}

// dateLayouts are the ISO 8601 forms accepted for x-date, extended and basic.
// A timestamp without an offset is taken as UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"20060102T150405.999999999Z0700",
	"20060102T150405.999999999",
}

// ParseDate parses an ISO 8601 timestamp in any of dateLayouts.
func ParseDate(value string) (time.Time, error) {
	var firstErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func verifyDate(headers map[string]string, now time.Time, skew time.Duration) error {
	date, err := ParseDate(headers[HeaderDate])
	if err != nil {
		return badSignature("x-date must be ISO8601 UTC")
	}
	if date.Before(now.Add(-skew)) || date.After(now.Add(skew)) {
		return badSignature("x-date not within 5 minutes of current time")
	}
	return nil
}

func verifyBody(headers map[string]string, body []byte) error {
	headerLength, err := strconv.Atoi(headers[HeaderContentLength])
	if err != nil {
		return badSignature("content-length must be an integer")
	}
	if len(body) != headerLength {
		return badSignature("content-length mismatch (length is %d but header was %d)", len(body), headerLength)
	}
	actual := BodyHash(body)
	if actual != headers[HeaderContentSHA256] {
		return badSignature("x-content-sha256 mismatch (computed %s but header was %s)", actual, headers[HeaderContentSHA256])
	}
	return nil
}
