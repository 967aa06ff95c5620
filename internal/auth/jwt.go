package auth

import (
	"errors"
	"strconv"
	"time"

	"medicine-reminder/internal/clock"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

const issuer = "medicine-reminder"

// RefreshGrace is how long after expiry a session token may still be
// exchanged for a new one.
const RefreshGrace = 24 * time.Hour

// Claims identify the user a session token was issued to
type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type JWTManager struct {
	secret          []byte
	sessionDuration time.Duration
	clock           clock.Clock
}

func NewJWTManager(secret string, sessionDuration time.Duration, clk clock.Clock) *JWTManager {
	return &JWTManager{
		secret:          []byte(secret),
		sessionDuration: sessionDuration,
		clock:           clk,
	}
}

// GenerateToken issues a session token for a user
func (m *JWTManager) GenerateToken(userID int64, username string) (string, error) {
	now := m.clock.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.sessionDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func (m *JWTManager) parse(tokenString string, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.clock.Now),
	)
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID <= 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateToken checks signature, issuer and lifetime and returns the claims
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	return m.parse(tokenString)
}

// RefreshToken exchanges a valid token, or one that expired less than
// RefreshGrace ago, for a new token.
func (m *JWTManager) RefreshToken(tokenString string) (string, error) {
	claims, err := m.parse(tokenString, jwt.WithLeeway(RefreshGrace))
	if err != nil {
		return "", err
	}
	return m.GenerateToken(claims.UserID, claims.Username)
}

// SessionDuration returns the configured session duration
func (m *JWTManager) SessionDuration() time.Duration {
	return m.sessionDuration
}
