package hashing

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrHashMismatch = errors.New("hash mismatch")

const backupCodeCost = bcrypt.DefaultCost

// VerifyPassword compares a candidate password against its stored
// bcrypt hash. Returns ErrHashMismatch on any failure so callers
// cannot distinguish malformed hashes from wrong passwords.
func VerifyPassword(password, storedHash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)); err != nil {
		return ErrHashMismatch
	}
	return nil
}

// HashPassword hashes a new password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// HashBackupCode hashes a backup recovery code for storage.
func HashBackupCode(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), backupCodeCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyBackupCode compares a candidate code against a stored hash.
func VerifyBackupCode(code, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(code)) == nil
}
