package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	assert.True(t, CheckPassword("hunter22", hash))
	assert.False(t, CheckPassword("hunter23", hash))
}

func TestIssueVerify(t *testing.T) {
	svc := NewService("secret", time.Hour)

	token, err := svc.Issue(Operator{ID: 7, Username: "ops", IsAdmin: true})
	require.NoError(t, err)

	op, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, Operator{ID: 7, Username: "ops", IsAdmin: true}, op)
	assert.Equal(t, "7", op.RequesterID())
}

func TestVerifyRejects(t *testing.T) {
	svc := NewService("secret", time.Hour)
	sign := func(t *testing.T, claims Claims) string {
		t.Helper()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		return token
	}
	expires := jwt.NewNumericDate(time.Now().Add(time.Hour))

	t.Run("wrong secret", func(t *testing.T) {
		token, err := NewService("other", time.Hour).Issue(Operator{ID: 1, Username: "ops"})
		require.NoError(t, err)
		_, err = svc.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := svc.Issue(Operator{ID: 1, Username: "ops"})
		require.NoError(t, err)
		later := NewService("secret", time.Hour)
		later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err = later.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("no expiry", func(t *testing.T) {
		token := sign(t, Claims{Username: "ops", RegisteredClaims: jwt.RegisteredClaims{Subject: "1"}})
		_, err := svc.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("subject is not a user id", func(t *testing.T) {
		token := sign(t, Claims{Username: "ops", RegisteredClaims: jwt.RegisteredClaims{Subject: "ops", ExpiresAt: expires}})
		_, err := svc.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("unsigned", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "1", ExpiresAt: expires},
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = svc.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.Verify("not-a-jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
