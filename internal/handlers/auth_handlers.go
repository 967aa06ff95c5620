package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"medicine-reminder/internal/auth"
	"medicine-reminder/internal/clock"
	"medicine-reminder/internal/middleware"
	"medicine-reminder/internal/models"
	"medicine-reminder/internal/repository"
	"medicine-reminder/internal/schedule"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._@-]{3,64}$`)

// LoginRequest represents the login request payload
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterRequest represents the registration request payload
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Timezone string `json:"timezone,omitempty"`
}

// ProfileRequest changes the user's default timezone
type ProfileRequest struct {
	Timezone string `json:"timezone"`
}

// AuthResponse represents the authentication response
type AuthResponse struct {
	User      *UserResponse `json:"user,omitempty"`
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// UserResponse represents user data in responses
type UserResponse struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	Timezone  string     `json:"timezone"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

func newUserResponse(u *models.User) *UserResponse {
	resp := &UserResponse{ID: u.ID, Username: u.Username, Timezone: u.Timezone, CreatedAt: u.CreatedAt}
	if u.LastLogin.Valid {
		resp.LastLogin = &u.LastLogin.Time
	}
	return resp
}

func issueToken(w http.ResponseWriter, jwtManager *auth.JWTManager, clk clock.Clock, status int, u *models.User) {
	token, err := jwtManager.GenerateToken(u.ID, u.Username)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	respondJSON(w, status, AuthResponse{
		User:      newUserResponse(u),
		Token:     token,
		ExpiresAt: clk.Now().Add(jwtManager.SessionDuration()).UTC(),
	})
}

// HandleRegister creates a user and returns a session token
func HandleRegister(users *repository.UserRepository, jwtManager *auth.JWTManager, defaultTimezone string, clk clock.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		req.Username = strings.TrimSpace(req.Username)
		if !usernamePattern.MatchString(req.Username) {
			respondError(w, http.StatusBadRequest, "Username must be 3-64 letters, digits or . _ @ -")
			return
		}
		if req.Timezone == "" {
			req.Timezone = defaultTimezone
		}
		if _, err := schedule.LoadLocation(req.Timezone); err != nil {
			respondError(w, http.StatusBadRequest, "Unknown timezone")
			return
		}

		hash, err := auth.HashPassword(req.Password)
		if errors.Is(err, auth.ErrWeakPassword) || errors.Is(err, auth.ErrLongPassword) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to create user")
			return
		}

		user := &models.User{
			Username:     req.Username,
			PasswordHash: hash,
			Timezone:     req.Timezone,
			IsActive:     true,
			CreatedAt:    clk.Now(),
		}
		err = users.Create(r.Context(), user)
		if errors.Is(err, repository.ErrDuplicate) {
			respondError(w, http.StatusConflict, "Username already taken")
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to create user")
			return
		}

		issueToken(w, jwtManager, clk, http.StatusCreated, user)
	}
}

// HandleLogin checks credentials and returns a session token. Unknown
// users, inactive users and wrong passwords get the same answer.
func HandleLogin(users *repository.UserRepository, jwtManager *auth.JWTManager, audit *Auditor, clk clock.Clock, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Username == "" || req.Password == "" {
			respondError(w, http.StatusBadRequest, "Username and password are required")
			return
		}

		user, err := users.GetByUsername(r.Context(), strings.TrimSpace(req.Username))
		switch {
		case errors.Is(err, repository.ErrNotFound):
			auth.RejectPassword(req.Password)
			respondError(w, http.StatusUnauthorized, "Invalid username or password")
			return
		case err != nil:
			respondError(w, http.StatusInternalServerError, "An error occurred")
			return
		}

		if err := auth.VerifyPassword(user.PasswordHash, req.Password); err != nil || !user.IsActive {
			logger.WarnContext(r.Context(), "login failed", slog.Int64("user_id", user.ID), slog.Bool("active", user.IsActive))
			audit.record(r, user.ID, repository.ActorUser, "login_failed", "user", "", nil)
			respondError(w, http.StatusUnauthorized, "Invalid username or password")
			return
		}

		if err := users.UpdateLastLogin(r.Context(), user.ID, clk.Now()); err != nil {
			logger.WarnContext(r.Context(), "failed to record login", slog.Int64("user_id", user.ID), slog.Any("err", err))
		}

		audit.record(r, user.ID, repository.ActorUser, "login", "user", "", nil)
		issueToken(w, jwtManager, clk, http.StatusOK, user)
	}
}

// HandleRefreshToken exchanges a current or recently expired token for a
// new one
func HandleRefreshToken(jwtManager *auth.JWTManager, clk clock.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := middleware.BearerToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "Token required")
			return
		}

		refreshed, err := jwtManager.RefreshToken(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "Token cannot be refreshed")
			return
		}

		respondJSON(w, http.StatusOK, AuthResponse{
			Token:     refreshed,
			ExpiresAt: clk.Now().Add(jwtManager.SessionDuration()).UTC(),
		})
	}
}

// HandleGetCurrentUser returns the authenticated user
func HandleGetCurrentUser(users *repository.UserRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := users.GetByID(r.Context(), middleware.GetUserID(r.Context()))
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusUnauthorized, "Unknown user")
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to load user")
			return
		}
		respondJSON(w, http.StatusOK, newUserResponse(user))
	}
}

// HandleUpdateProfile changes the default timezone used for new schedules
func HandleUpdateProfile(users *repository.UserRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ProfileRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if _, err := schedule.LoadLocation(req.Timezone); err != nil || req.Timezone == "" {
			respondError(w, http.StatusBadRequest, "Unknown timezone")
			return
		}

		userID := middleware.GetUserID(r.Context())
		if err := users.UpdateTimezone(r.Context(), userID, req.Timezone); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to update profile")
			return
		}

		user, err := users.GetByID(r.Context(), userID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to load user")
			return
		}
		respondJSON(w, http.StatusOK, newUserResponse(user))
	}
}
