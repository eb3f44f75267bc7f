package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/adgenius/carousel-tv/internal/errors"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestSession(t *testing.T) {
	owner := &Identity{Subject: "owner-1", Email: "owner@example.com"}
	s := NewSession(nil)
	assert.Nil(t, s.CurrentIdentity())

	var seen []*Identity
	unsubscribe := s.Subscribe(func(id *Identity) { seen = append(seen, id) })

	s.Set(owner)
	assert.Equal(t, owner, s.CurrentIdentity())

	unsubscribe()
	s.Set(nil)

	assert.Equal(t, []*Identity{owner}, seen)
	assert.Nil(t, s.CurrentIdentity())
}

func TestContext(t *testing.T) {
	owner := &Identity{Subject: "owner-1"}

	assert.Nil(t, FromContext(context.Background()))
	ctx := WithIdentity(context.Background(), owner)
	assert.Equal(t, owner, FromContext(ctx))
	assert.Equal(t, owner, ForRequest(ctx).CurrentIdentity())
}

func TestVerifier(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	v := NewVerifier(testSecret)
	v.now = func() time.Time { return now }

	t.Run("round trip", func(t *testing.T) {
		token, err := v.Issue(Identity{Subject: "owner-1", Email: "owner@example.com", Name: "Owner"}, time.Hour)
		require.NoError(t, err)

		id, err := v.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, &Identity{Subject: "owner-1", Email: "owner@example.com", Name: "Owner"}, id)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := v.Issue(Identity{Subject: "owner-1"}, -time.Minute)
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidToken))
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewVerifier("another-secret-another-secret-xx")
		other.now = v.now
		token, err := other.Issue(Identity{Subject: "owner-1"}, time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidToken))
	})

	t.Run("token without expiry", func(t *testing.T) {
		claims := jwt.RegisteredClaims{Subject: "owner-1"}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.Error(t, err)
	})

	t.Run("token without subject", func(t *testing.T) {
		token, err := v.Issue(Identity{}, time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidToken))
	})

	t.Run("other algorithms are rejected", func(t *testing.T) {
		claims := jwt.RegisteredClaims{Subject: "owner-1", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.Error(t, err)
	})

	t.Run("no secret configured", func(t *testing.T) {
		_, err := NewVerifier("").Verify("anything")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnauthorized))
	})
}
