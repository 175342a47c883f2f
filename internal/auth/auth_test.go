package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoPasswordConfiguredAlwaysSucceeds(t *testing.T) {
	a := New("", 24)
	assert.False(t, a.Required())
	token, err := a.Authenticate("anything")
	require.NoError(t, err)
	require.NoError(t, a.Validate(token))
}

func TestWrongPasswordRejected(t *testing.T) {
	a := New("correct-horse", 24)
	assert.True(t, a.Required())
	_, err := a.Authenticate("wrong")
	require.Error(t, err)
}

func TestCorrectPasswordIssuesValidToken(t *testing.T) {
	a := New("correct-horse", 24)
	token, err := a.Authenticate("correct-horse")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.NoError(t, a.Validate(token))
}

func TestUnknownTokenRejected(t *testing.T) {
	a := New("p", 24)
	err := a.Validate("not-a-real-token")
	require.Error(t, err)
}

func TestRevokedTokenRejected(t *testing.T) {
	a := New("p", 24)
	token, err := a.Authenticate("p")
	require.NoError(t, err)
	a.Revoke(token)
	err = a.Validate(token)
	require.Error(t, err)
}

func TestExpiredTokenRejectedAndDropped(t *testing.T) {
	a := New("p", 0)
	token, err := a.Authenticate("p")
	require.NoError(t, err)

	err = a.Validate(token)
	require.Error(t, err)
	assert.Equal(t, 0, a.ActiveSessions())
}
