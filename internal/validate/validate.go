// ABOUTME: Validation of untrusted scalar inputs into typed values
// ABOUTME: Covers ids, usernames, emails, bcrypt hashes, public keys and the Authorization header

package validate

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// Parameter names understood by Validate.
const (
	ParamUserID              = "user_id"
	ParamKeyID               = "key_id"
	ParamVerificationCode    = "verification_code"
	ParamUsername            = "username"
	ParamEmail               = "email"
	ParamPasswordHash        = "password_hash"
	ParamPublicKey           = "public_key"
	ParamAuthorizationHeader = "authorization_header"
)

// AuthorizationPatternHuman is the Authorization grammar shown to callers when a header is rejected.
const AuthorizationPatternHuman = `^Signature headers="([^"]*)" id="([^@"]*)@([^"]*)" signature="([^"]*)"$`

var (
	authorizationPattern = regexp.MustCompile(`^Signature headers="([^"]*)" id="([^@"]*)@([^"]*)" signature="([^"]*)"$`)
	usernamePattern      = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]{2,15}$`)
	bcryptHashPattern    = regexp.MustCompile(`^\$2b\$\d\d\$[a-zA-Z0-9/.]{53}$`)
)

// InvalidParameterError reports an input that could not be turned into its typed value.
type InvalidParameterError struct {
	Name    string
	Value   any
	Message string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Name, e.Value, e.Message)
}

func invalid(name string, value any, message string) *InvalidParameterError {
	return &InvalidParameterError{Name: name, Value: value, Message: message}
}

// Authorization holds the four groups captured from a Signature Authorization header.
type Authorization struct {
	Headers   string
	UserID    string
	KeyID     string
	Signature string
}

// SignedHeaders splits the space-separated headers group in its claimed order.
func (a Authorization) SignedHeaders() []string {
	return strings.Split(a.Headers, " ")
}

// Validate dispatches to the validator registered for name.
func Validate(name string, value any) (any, error) {
	switch name {
	case ParamUserID, ParamKeyID, ParamVerificationCode:
		return UUID(name, value)
	case ParamUsername:
		return Username(value)
	case ParamEmail:
		return Email(value)
	case ParamPasswordHash:
		return PasswordHash(value)
	case ParamPublicKey:
		return PublicKey(value)
	case ParamAuthorizationHeader:
		return AuthorizationHeader(value)
	default:
		return nil, fmt.Errorf("validate: unknown parameter %q", name)
	}
}

// UUID accepts a uuid.UUID or the canonical string (or bytes) form of one.
func UUID(name string, value any) (uuid.UUID, error) {
	switch v := value.(type) {
	case uuid.UUID:
		return v, nil
	case *uuid.UUID:
		if v != nil {
			return *v, nil
		}
	case string:
		if id, err := uuid.Parse(v); err == nil {
			return id, nil
		}
	case []byte:
		if id, err := uuid.ParseBytes(v); err == nil {
			return id, nil
		}
	}
	return uuid.Nil, invalid(name, value, "must be a UUID")
}

func asString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}

// Username requires a leading letter followed by 2-15 letters or digits.
func Username(value any) (string, error) {
	s, ok := asString(value)
	if !ok || !usernamePattern.MatchString(s) {
		return "", invalid(ParamUsername, value, "must start with a letter; only letters and digits; between 3 and 16 characters long")
	}
	return s, nil
}

// Email is intentionally permissive.
func Email(value any) (string, error) {
	s, ok := asString(value)
	if !ok || !strings.Contains(s, "@") || len(s) < 3 {
		return "", invalid(ParamEmail, value, "must contain @ and be at least 3 characters")
	}
	return s, nil
}

// PasswordHash checks the $2b$ bcrypt grammar. It does not verify the hash.
func PasswordHash(value any) ([]byte, error) {
	s, ok := asString(value)
	if !ok || !bcryptHashPattern.MatchString(s) {
		return nil, invalid(ParamPasswordHash, value, "Must be a password hash (did you forget to bcrypt?)")
	}
	return []byte(s), nil
}

// PublicKey accepts a parsed RSA key, or PEM, DER or OpenSSH encodings tried in that order.
func PublicKey(value any) (*rsa.PublicKey, error) {
	if key, ok := value.(*rsa.PublicKey); ok && key != nil {
		return key, nil
	}
	s, ok := asString(value)
	if !ok {
		return nil, invalid(ParamPublicKey, value, "Malformed public key")
	}
	data := []byte(s)
	for _, load := range []func([]byte) (any, error){loadPEM, loadDER, loadOpenSSH} {
		parsed, err := load(data)
		if err != nil {
			continue
		}
		if key, ok := parsed.(*rsa.PublicKey); ok {
			return key, nil
		}
	}
	return nil, invalid(ParamPublicKey, value, "Malformed public key")
}

func loadPEM(data []byte) (any, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block")
	}
	return loadDER(block.Bytes)
}

func loadDER(data []byte) (any, error) {
	if key, err := x509.ParsePKIXPublicKey(data); err == nil {
		return key, nil
	}
	return x509.ParsePKCS1PublicKey(data)
}

func loadOpenSSH(data []byte) (any, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, err
	}
	cryptoPub, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported ssh key type %s", pub.Type())
	}
	return cryptoPub.CryptoPublicKey(), nil
}

// AuthorizationHeader matches the strict Signature grammar; no alternate spacing or quoting.
func AuthorizationHeader(value any) (Authorization, error) {
	s, ok := asString(value)
	if !ok {
		return Authorization{}, invalid(ParamAuthorizationHeader, value, AuthorizationPatternHuman)
	}
	m := authorizationPattern.FindStringSubmatch(s)
	if m == nil {
		return Authorization{}, invalid(ParamAuthorizationHeader, value, AuthorizationPatternHuman)
	}
	return Authorization{Headers: m[1], UserID: m[2], KeyID: m[3], Signature: m[4]}, nil
}
