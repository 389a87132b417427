package signaling

import (
	"errors"
	"fmt"
	"pairchat/backend/internal/apperr"
	"pairchat/backend/internal/models"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "pairchat-signaling"

// ErrTokenExpired is an authorization failure reported with the "expired"
// close reason.
var ErrTokenExpired = fmt.Errorf("%w: token expired", apperr.ErrAuthorization)

// CallClaims authorize one user to join one room.
type CallClaims struct {
	UserID    string          `json:"user_id"`
	RoomID    string          `json:"room_id"`
	SessionID string          `json:"session_id"`
	Kind      models.CallKind `json:"call_type"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 call tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// WithTimeFunc swaps the clock used for issuing and validating.
func (i *TokenIssuer) WithTimeFunc(now func() time.Time) *TokenIssuer {
	i.now = now
	return i
}

func (i *TokenIssuer) Issue(room *models.CallRoom, userID string) (string, error) {
	if !room.HasParticipant(userID) {
		return "", apperr.Authorization("user %s is not part of room %s", userID, room.ID)
	}
	now := i.now()
	claims := CallClaims{
		UserID:    userID,
		RoomID:    room.ID,
		SessionID: room.SessionID,
		Kind:      room.Kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify checks signature and expiry. Room membership is checked by the relay.
func (i *TokenIssuer) Verify(raw string) (*CallClaims, error) {
	if raw == "" {
		return nil, apperr.Authorization("token missing")
	}
	claims := &CallClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, apperr.Authorization("invalid token: %v", err)
	case claims.UserID == "" || claims.RoomID == "":
		return nil, apperr.Authorization("token is missing claims")
	}
	return claims, nil
}
