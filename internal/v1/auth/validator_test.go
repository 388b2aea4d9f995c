package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-signing-secret"

func signHS256(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestNewSecretValidatorRequiresSecret(t *testing.T) {
	_, err := NewSecretValidator("")
	assert.Error(t, err)
}

func TestValidateTokenAcceptsValidHS256(t *testing.T) {
	v, err := NewSecretValidator(testSecret)
	require.NoError(t, err)

	claims := Claims{
		Name:  "Alice",
		Email: "alice@example.com",
		Role:  "annotator",
	}
	claims.Subject = "user-1"
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))

	got, err := v.ValidateToken(signHS256(t, claims))
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.Subject)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, "annotator", got.Role)
}

func TestValidateTokenRejectsMissingToken(t *testing.T) {
	v, err := NewSecretValidator(testSecret)
	require.NoError(t, err)

	_, err = v.ValidateToken("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	v, err := NewSecretValidator(testSecret)
	require.NoError(t, err)

	claims := Claims{}
	claims.Subject = "user-1"
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	_, err = v.ValidateToken(signHS256(t, claims))
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	v, err := NewSecretValidator("a-different-secret")
	require.NoError(t, err)

	claims := Claims{}
	claims.Subject = "user-1"
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))

	_, err = v.ValidateToken(signHS256(t, claims))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenRejectsWrongSigningMethod(t *testing.T) {
	v, err := NewSecretValidator(testSecret)
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	claims := Claims{}
	claims.Subject = "user-1"
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(key)
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	v, err := NewSecretValidator(testSecret)
	require.NoError(t, err)

	_, err = v.ValidateToken("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMockValidatorExtractsSubject(t *testing.T) {
	m := &MockValidator{}

	claims := Claims{Name: "Alice", Email: "alice@example.com"}
	claims.Subject = "user-42"
	got, err := m.ValidateToken(signHS256(t, claims))
	require.NoError(t, err)
	assert.Equal(t, "user-42", got.Subject)
	assert.Equal(t, "Alice", got.Name)
}

func TestMockValidatorFallsBackOnGarbage(t *testing.T) {
	m := &MockValidator{}

	got, err := m.ValidateToken("anything")
	require.NoError(t, err)
	assert.Equal(t, "dev-user-123", got.Subject)
	assert.Equal(t, "Dev User", got.Name)
}

func TestGetAllowedOriginsFromEnv(t *testing.T) {
	defaults := []string{"http://localhost:3000"}

	t.Setenv("TEST_ORIGINS", "")
	assert.Equal(t, defaults, GetAllowedOriginsFromEnv("TEST_ORIGINS", defaults))

	t.Setenv("TEST_ORIGINS", "https://a.example.com,https://b.example.com")
	assert.Equal(t,
		[]string{"https://a.example.com", "https://b.example.com"},
		GetAllowedOriginsFromEnv("TEST_ORIGINS", defaults))
}
