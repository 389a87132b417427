package signaling

import (
	"pairchat/backend/internal/apperr"
	"pairchat/backend/internal/models"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRoom() *models.CallRoom {
	return &models.CallRoom{ID: "r1", SessionID: "s1", UserAID: "201", UserBID: "202", Kind: models.KindVideo}
}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)

	token, err := issuer.Issue(testRoom(), "202")
	require.NoError(t, err)
	claims, err := issuer.Verify(token)

	require.NoError(t, err)
	assert.Equal(t, "202", claims.UserID)
	assert.Equal(t, "r1", claims.RoomID)
	assert.Equal(t, "s1", claims.SessionID)
	assert.Equal(t, models.KindVideo, claims.Kind)
}

func TestTokenIssuer_RejectsStranger(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)

	_, err := issuer.Issue(testRoom(), "999")

	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestTokenIssuer_Expired(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer("secret", time.Hour).WithTimeFunc(func() time.Time { return now })
	token, err := issuer.Issue(testRoom(), "201")
	require.NoError(t, err)

	now = now.Add(61 * time.Minute)
	_, err = issuer.Verify(token)

	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestTokenIssuer_RejectsTampering(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	other := NewTokenIssuer("other-secret", time.Hour)
	forged, err := other.Issue(testRoom(), "201")
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, CallClaims{UserID: "201", RoomID: "r1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{"wrong key": forged, "alg none": unsigned, "garbage": "abc.def", "empty": ""} {
		t.Run(name, func(t *testing.T) {
			_, err := issuer.Verify(token)
			assert.ErrorIs(t, err, apperr.ErrAuthorization)
			assert.NotErrorIs(t, err, ErrTokenExpired)
		})
	}
}
