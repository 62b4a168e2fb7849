package auth

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/labforge/internal/users"
)

func TestJWTIdentity_RoundTrip(t *testing.T) {
	identity := NewJWTIdentity("test-secret", nil)
	userID := uuid.New()

	token, err := identity.IssueToken(Principal{UserID: userID, Role: users.RoleAdmin})
	require.NoError(t, err)

	p, err := identity.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, userID, p.UserID)
	assert.Equal(t, users.RoleAdmin, p.Role)
	assert.True(t, p.Admin())
}

func TestJWTIdentity_Rejections(t *testing.T) {
	identity := NewJWTIdentity("test-secret", nil)
	ctx := context.Background()

	t.Run("garbage token", func(t *testing.T) {
		_, err := identity.Authenticate(ctx, "not-a-token")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewJWTIdentity("other-secret", nil)
		token, err := other.IssueToken(Principal{UserID: uuid.New(), Role: users.RoleUser})
		require.NoError(t, err)

		_, err = identity.Authenticate(ctx, token)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("wrong signing method", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"sub": uuid.NewString(),
		})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = identity.Authenticate(ctx, signed)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("missing subject", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "user"})
		signed, err := token.SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = identity.Authenticate(ctx, signed)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("subject not a uuid", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "bob"})
		signed, err := token.SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = identity.Authenticate(ctx, signed)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestJWTIdentity_RoleDefault(t *testing.T) {
	identity := NewJWTIdentity("test-secret", nil)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": uuid.NewString(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	p, err := identity.Authenticate(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, users.RoleUser, p.Role)
	assert.False(t, p.Admin())
}

func TestJWTIdentity_DeactivatedAccount(t *testing.T) {
	store := users.NewMemoryStore()
	identity := NewJWTIdentity("test-secret", store)
	ctx := context.Background()

	u, err := store.Create(ctx, users.User{Username: "alice", Email: "alice@example.com"})
	require.NoError(t, err)

	token, err := identity.IssueToken(Principal{UserID: u.ID, Role: users.RoleUser})
	require.NoError(t, err)

	_, err = identity.Authenticate(ctx, token)
	require.NoError(t, err)

	inactive := false
	_, err = store.Update(ctx, u.ID, users.Update{Active: &inactive})
	require.NoError(t, err)

	_, err = identity.Authenticate(ctx, token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
