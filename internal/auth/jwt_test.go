package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(accessExpiry time.Duration) *JWTManager {
	return NewJWTManager(
		strings.Repeat("a", 32),
		strings.Repeat("b", 32),
		accessExpiry,
		168*time.Hour,
	)
}

func TestGenerateAndValidateTokenPair(t *testing.T) {
	m := testManager(15 * time.Minute)

	pair, tokenID, err := m.GenerateTokenPair("user-123", "alice@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, tokenID)
	assert.Equal(t, int64(900), pair.ExpiresIn)

	claims, err := m.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.UserID)
	assert.Equal(t, "alice@example.com", claims.Email)

	refreshClaims, err := m.ValidateRefreshToken(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "user-123", refreshClaims.UserID)
	assert.Equal(t, "alice@example.com", refreshClaims.Email)
	assert.Equal(t, tokenID, refreshClaims.TokenID)
}

func TestValidateAccessToken_Expired(t *testing.T) {
	m := testManager(-1 * time.Minute)

	pair, _, err := m.GenerateTokenPair("user-123", "alice@example.com")
	require.NoError(t, err)

	_, err = m.ValidateAccessToken(pair.AccessToken)
	assert.Error(t, err)
}

func TestValidateAccessToken_WrongSecret(t *testing.T) {
	m := testManager(15 * time.Minute)
	other := NewJWTManager(strings.Repeat("x", 32), strings.Repeat("y", 32), 15*time.Minute, time.Hour)

	pair, _, err := m.GenerateTokenPair("user-123", "alice@example.com")
	require.NoError(t, err)

	_, err = other.ValidateAccessToken(pair.AccessToken)
	assert.Error(t, err)
}

func TestTokensUseSeparateSecrets(t *testing.T) {
	m := testManager(15 * time.Minute)

	pair, _, err := m.GenerateTokenPair("user-123", "alice@example.com")
	require.NoError(t, err)

	// A refresh token must not validate as an access token
	_, err = m.ValidateAccessToken(pair.RefreshToken)
	assert.Error(t, err)
}
