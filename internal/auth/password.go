package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 12

const (
	minPasswordLength = 8
	// bcrypt ignores everything past 72 bytes
	maxPasswordLength = 72
)

var (
	ErrInvalidPassword = errors.New("invalid password")
	ErrWeakPassword    = errors.New("password must be at least 8 characters")
	ErrLongPassword    = errors.New("password must be at most 72 bytes")
)

// dummyHash is compared against when a login names an unknown user so that
// both paths cost one bcrypt comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcryptCost)

// HashPassword validates and hashes a password
func HashPassword(password string) (string, error) {
	if err := ValidatePasswordStrength(password); err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword returns ErrInvalidPassword unless password matches the hash
func VerifyPassword(hashedPassword, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)); err != nil {
		return ErrInvalidPassword
	}
	return nil
}

// RejectPassword burns the same time as VerifyPassword and always fails
func RejectPassword(password string) error {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
	return ErrInvalidPassword
}

// ValidatePasswordStrength checks the length limits of a new password
func ValidatePasswordStrength(password string) error {
	if len(password) < minPasswordLength {
		return ErrWeakPassword
	}
	if len(password) > maxPasswordLength {
		return ErrLongPassword
	}
	return nil
}
