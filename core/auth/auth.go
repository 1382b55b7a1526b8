package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadPassword is returned when a new device presents the wrong server password.
var ErrBadPassword = errors.New("wrong server password")

// HashPassword generates a bcrypt hash of the server password.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}

// CheckPassword compares a password with the configured bcrypt hash.
// An empty hash means no server password has been configured and every
// new-device login is refused.
func CheckPassword(password, hash string) error {
	if hash == "" || password == "" {
		return ErrBadPassword
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrBadPassword
	}
	return nil
}
