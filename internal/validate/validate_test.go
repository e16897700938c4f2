// ABOUTME: Tests for input validation
// ABOUTME: Covers uuid, username, email, bcrypt hash, public key and Authorization header rules

package validate

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"
)

func requireInvalid(t *testing.T, err error, name string) *InvalidParameterError {
	t.Helper()
	var invalidErr *InvalidParameterError
	require.True(t, errors.As(err, &invalidErr), "expected InvalidParameterError, got %v", err)
	assert.Equal(t, name, invalidErr.Name)
	return invalidErr
}

func TestUUID(t *testing.T) {
	id := uuid.New()

	got, err := UUID(ParamUserID, id)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	got, err = UUID(ParamKeyID, id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	for _, bad := range []any{"", "not-a-uuid", 42, nil} {
		_, err := UUID(ParamVerificationCode, bad)
		invalidErr := requireInvalid(t, err, ParamVerificationCode)
		assert.Equal(t, "must be a UUID", invalidErr.Message)
		assert.Equal(t, bad, invalidErr.Value)
	}
}

func TestUsername(t *testing.T) {
	valid := []string{"abc", "Abc123", "a234567890123456"}
	for _, name := range valid {
		got, err := Username(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, got)
	}

	invalidNames := []string{"", "ab", "1abc", "a2345678901234567", "ab_c", "ab c", "ab\n"}
	for _, name := range invalidNames {
		_, err := Username(name)
		requireInvalid(t, err, ParamUsername)
	}
}

func TestEmail(t *testing.T) {
	_, err := Email("a@b")
	require.NoError(t, err)

	for _, bad := range []string{"@b", "ab", "abc"} {
		_, err := Email(bad)
		requireInvalid(t, err, ParamEmail)
	}
}

func TestPasswordHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	// x/crypto emits $2a$; the stored grammar is $2b$.
	hash[2] = 'b'

	got, err := PasswordHash(hash)
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	_, err = PasswordHash(string(hash))
	require.NoError(t, err)

	_, err = PasswordHash("hunter2")
	invalidErr := requireInvalid(t, err, ParamPasswordHash)
	assert.Contains(t, invalidErr.Message, "did you forget to bcrypt?")

	_, err = PasswordHash(12)
	requireInvalid(t, err, ParamPasswordHash)
}

func TestPublicKey_Formats(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pub := &priv.PublicKey

	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	inputs := map[string]any{
		"parsed":  pub,
		"pem":     string(pemBytes),
		"pemb":    pemBytes,
		"der":     der,
		"pkcs1":   x509.MarshalPKCS1PublicKey(pub),
		"openssh": string(ssh.MarshalAuthorizedKey(sshPub)),
	}
	for name, input := range inputs {
		got, err := PublicKey(input)
		require.NoError(t, err, name)
		assert.True(t, pub.Equal(got), name)
	}
}

func TestPublicKey_Malformed(t *testing.T) {
	for _, bad := range []any{"", "-----BEGIN PUBLIC KEY-----\nnope\n-----END PUBLIC KEY-----", []byte{1, 2, 3}, 7} {
		_, err := PublicKey(bad)
		invalidErr := requireInvalid(t, err, ParamPublicKey)
		assert.Equal(t, "Malformed public key", invalidErr.Message)
	}
}

func TestAuthorizationHeader(t *testing.T) {
	user, key := uuid.New(), uuid.New()
	header := `Signature headers="x-date (request-target)" id="` + user.String() + "@" + key.String() + `" signature="c2ln"`

	auth, err := AuthorizationHeader(header)
	require.NoError(t, err)
	assert.Equal(t, "x-date (request-target)", auth.Headers)
	assert.Equal(t, []string{"x-date", "(request-target)"}, auth.SignedHeaders())
	assert.Equal(t, user.String(), auth.UserID)
	assert.Equal(t, key.String(), auth.KeyID)
	assert.Equal(t, "c2ln", auth.Signature)

	rejected := []string{
		"",
		`Signature  headers="a" id="u@k" signature="s"`,
		`Signature headers='a' id="u@k" signature="s"`,
		`Signature id="u@k" headers="a" signature="s"`,
		`Signature headers="a" id="uk" signature="s"`,
		`Signature headers="a" id="u@k" signature="s" `,
		`Bearer abc`,
	}
	for _, h := range rejected {
		_, err := AuthorizationHeader(h)
		invalidErr := requireInvalid(t, err, ParamAuthorizationHeader)
		assert.Equal(t, AuthorizationPatternHuman, invalidErr.Message)
	}
}

func TestValidateDispatch(t *testing.T) {
	id := uuid.New()
	got, err := Validate(ParamKeyID, id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = Validate("unknown", "x")
	require.Error(t, err)

	_, err = Validate(ParamUsername, "1bad")
	requireInvalid(t, err, ParamUsername)
}
