package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPassword(t *testing.T) {
	hash, err := HashPassword("open sesame")
	require.NoError(t, err)

	assert.NoError(t, CheckPassword("open sesame", hash))
	assert.ErrorIs(t, CheckPassword("wrong", hash), ErrBadPassword)
	assert.ErrorIs(t, CheckPassword("", hash), ErrBadPassword)
	assert.ErrorIs(t, CheckPassword("open sesame", ""), ErrBadPassword)
}

func TestTokenRotation(t *testing.T) {
	iss := NewIssuer("secret", nil)

	first, firstID, err := iss.Issue(3)
	require.NoError(t, err)
	second, secondID, err := iss.Issue(3)
	require.NoError(t, err)
	assert.NotEqual(t, firstID, secondID)

	assert.NoError(t, iss.Verify(second, 3, secondID))
	assert.ErrorIs(t, iss.Verify(first, 3, secondID), ErrInvalidToken)
	assert.ErrorIs(t, iss.Verify(second, 4, secondID), ErrInvalidToken)
	assert.ErrorIs(t, iss.Verify(second, 3, ""), ErrInvalidToken)
}

func TestParseRejectsForeignSecret(t *testing.T) {
	token, _, err := NewIssuer("one", nil).Issue(1)
	require.NoError(t, err)

	_, err = NewIssuer("two", nil).Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewIssuer("one", nil).Parse("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
