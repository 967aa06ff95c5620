package auth

import (
	"errors"
	"sync"
	"testing"
	"time"

	"medicine-reminder/internal/clock"

	"github.com/golang-jwt/jwt/v5"
)

var epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newManager(t *testing.T) (*JWTManager, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(epoch)
	return NewJWTManager("test-secret", 2*time.Hour, clk), clk
}

func TestGenerateAndValidate(t *testing.T) {
	m, _ := newManager(t)

	tests := []struct {
		name     string
		userID   int64
		username string
	}{
		{"Plain", 1, "alice"},
		{"Large id", 999999, "bob"},
		{"Email username", 42, "user@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := m.GenerateToken(tt.userID, tt.username)
			if err != nil {
				t.Fatalf("GenerateToken failed: %v", err)
			}

			claims, err := m.ValidateToken(token)
			if err != nil {
				t.Fatalf("ValidateToken failed: %v", err)
			}
			if claims.UserID != tt.userID || claims.Username != tt.username {
				t.Errorf("Expected %d/%s, got %d/%s", tt.userID, tt.username, claims.UserID, claims.Username)
			}
			if claims.Issuer != issuer {
				t.Errorf("Expected issuer %q, got %q", issuer, claims.Issuer)
			}
			if !claims.ExpiresAt.Time.Equal(epoch.Add(2 * time.Hour)) {
				t.Errorf("Unexpected expiry %v", claims.ExpiresAt.Time)
			}
		})
	}
}

func TestValidateToken_Expired(t *testing.T) {
	m, clk := newManager(t)

	token, err := m.GenerateToken(1, "alice")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	clk.Advance(2*time.Hour + time.Second)

	if _, err := m.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Expected ErrExpiredToken, got %v", err)
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	m, _ := newManager(t)
	other := NewJWTManager("other-secret", 2*time.Hour, clock.NewFake(epoch))

	wrongSecret, _ := other.GenerateToken(1, "alice")

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(epoch.Add(time.Hour)),
		},
	})
	wrongIssuer, _ := foreign.SignedString([]byte("test-secret"))

	hs512 := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		UserID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(epoch.Add(time.Hour)),
		},
	})
	wrongMethod, _ := hs512.SignedString([]byte("test-secret"))

	noUser := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(epoch.Add(time.Hour)),
		},
	})
	missingUser, _ := noUser.SignedString([]byte("test-secret"))

	tests := []struct {
		name  string
		token string
	}{
		{"Empty", ""},
		{"Garbage", "not.a.token"},
		{"Wrong secret", wrongSecret},
		{"Wrong issuer", wrongIssuer},
		{"Wrong method", wrongMethod},
		{"Missing user", missingUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.ValidateToken(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestRefreshToken(t *testing.T) {
	m, clk := newManager(t)

	token, err := m.GenerateToken(7, "carol")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	clk.Advance(3 * time.Hour)

	refreshed, err := m.RefreshToken(token)
	if err != nil {
		t.Fatalf("RefreshToken failed: %v", err)
	}

	claims, err := m.ValidateToken(refreshed)
	if err != nil {
		t.Fatalf("Refreshed token invalid: %v", err)
	}
	if claims.UserID != 7 || claims.Username != "carol" {
		t.Errorf("Refreshed token lost identity: %+v", claims)
	}
	if !claims.ExpiresAt.Time.Equal(clk.Now().Add(2 * time.Hour)) {
		t.Errorf("Expected new expiry, got %v", claims.ExpiresAt.Time)
	}
}

func TestRefreshToken_PastGrace(t *testing.T) {
	m, clk := newManager(t)

	token, _ := m.GenerateToken(7, "carol")
	clk.Advance(2*time.Hour + RefreshGrace + time.Minute)

	if _, err := m.RefreshToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Expected ErrExpiredToken, got %v", err)
	}
}

func TestRefreshToken_Invalid(t *testing.T) {
	m, _ := newManager(t)

	if _, err := m.RefreshToken("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestConcurrentTokenOperations(t *testing.T) {
	m, _ := newManager(t)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			token, err := m.GenerateToken(id, "user")
			if err != nil {
				errs <- err
				return
			}
			claims, err := m.ValidateToken(token)
			if err != nil {
				errs <- err
				return
			}
			if claims.UserID != id {
				errs <- errors.New("user id mismatch")
			}
		}(int64(i + 1))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
