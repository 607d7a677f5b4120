package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestGenerateAndParseToken(t *testing.T) {
	principal := Principal{
		AccountID:   "acc-1",
		UserID:      "user-1",
		Permissions: []string{"conversations:read", "conversations:write"},
	}
	signed, expiresAt, err := GenerateToken(principal, testSecret, time.Hour)
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	parsed, err := ParseToken(signed, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", parsed.AccountID)
	assert.Equal(t, "user-1", parsed.UserID)
	assert.True(t, parsed.Can("conversations:write"))
	assert.False(t, parsed.Can("integrations:write"))
}

func TestGenerateTokenRequiresAccount(t *testing.T) {
	_, _, err := GenerateToken(Principal{UserID: "user-1"}, testSecret, time.Hour)
	assert.Error(t, err)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	signed, _, err := GenerateToken(Principal{AccountID: "acc-1"}, testSecret, time.Hour)
	require.NoError(t, err)

	_, err = ParseToken(signed, "other-secret")
	assert.Error(t, err)
}

func TestParseTokenRejectsMissingAccountScope(t *testing.T) {
	// A token signed with the right secret but no account claim must not
	// yield a usable principal.
	signed, _, err := GenerateToken(Principal{AccountID: "acc-1"}, testSecret, time.Hour)
	require.NoError(t, err)
	parsed, err := ParseToken(signed, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", parsed.AccountID)

	_, err = ParseToken("not-a-token", testSecret)
	assert.Error(t, err)
}
