package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"auth-core/internal/config"
	"auth-core/internal/util"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrUnknownPurpose   = errors.New("unknown key purpose")
)

// Purpose selects which derived key a payload is sealed under. Keys
// for different purposes never decrypt each other's payloads.
type Purpose string

const (
	PurposeSession Purpose = "session"
	PurposeToken   Purpose = "token"
)

// EncryptionMode reports how a decrypted payload was stored.
type EncryptionMode string

const (
	// ModeEncrypted means the payload was sealed with AES-256-GCM.
	ModeEncrypted EncryptionMode = "encrypted"
	// ModeLegacyPlaintext means the payload predates encryption
	// rollout and was stored as plain JSON.
	ModeLegacyPlaintext EncryptionMode = "legacy_plaintext"
)

// Box seals and opens structured payloads with purpose-scoped keys
// derived from master secrets via PBKDF2-SHA256.
type Box struct {
	sessionKey           []byte
	tokenKey             []byte
	allowLegacyPlaintext bool
}

// NewBox derives both purpose keys up front. Derivation is the
// expensive part, so it happens once at construction.
func NewBox(cfg config.CryptoConfig) (*Box, error) {
	if cfg.SessionMasterKey == "" || cfg.TokenMasterKey == "" {
		return nil, fmt.Errorf("%w: master keys must not be empty", ErrEncryptionFailed)
	}
	if cfg.SessionIterations <= 0 || cfg.TokenIterations <= 0 {
		return nil, fmt.Errorf("%w: iteration counts must be positive", ErrEncryptionFailed)
	}

	return &Box{
		sessionKey:           pbkdf2.Key([]byte(cfg.SessionMasterKey), []byte(cfg.SessionSalt), cfg.SessionIterations, 32, sha256.New),
		tokenKey:             pbkdf2.Key([]byte(cfg.TokenMasterKey), []byte(cfg.TokenSalt), cfg.TokenIterations, 32, sha256.New),
		allowLegacyPlaintext: cfg.AllowLegacyPlaintext,
	}, nil
}

func (b *Box) keyFor(purpose Purpose) ([]byte, error) {
	switch purpose {
	case PurposeSession:
		return b.sessionKey, nil
	case PurposeToken:
		return b.tokenKey, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPurpose, purpose)
	}
}

// Seal JSON-serializes v and encrypts it under the purpose key.
// The output is base64(nonce || ciphertext).
func (b *Box) Seal(purpose Purpose, v interface{}) (string, error) {
	key, err := b.keyFor(purpose)
	if err != nil {
		return "", err
	}

	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a sealed payload into v and reports the storage mode.
// When legacy plaintext reads are enabled, a payload that is not valid
// base64-GCM but parses as JSON is accepted and flagged, never
// silently. Any other failure is ErrDecryptionFailed.
func (b *Box) Open(purpose Purpose, sealed string, v interface{}) (EncryptionMode, error) {
	key, err := b.keyFor(purpose)
	if err != nil {
		return "", err
	}

	raw, decodeErr := base64.StdEncoding.DecodeString(sealed)
	if decodeErr == nil {
		block, err := aes.NewCipher(key)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}

		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}

		if len(raw) > gcm.NonceSize() {
			nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
			plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
			if err == nil {
				if err := json.Unmarshal(plaintext, v); err != nil {
					return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
				}
				return ModeEncrypted, nil
			}
		}
	}

	if b.allowLegacyPlaintext && json.Valid([]byte(sealed)) {
		if err := json.Unmarshal([]byte(sealed), v); err != nil {
			return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		util.Warn("opened legacy plaintext payload", util.String("purpose", string(purpose)))
		return ModeLegacyPlaintext, nil
	}

	return "", ErrDecryptionFailed
}

// MaskIP redacts the host portion of an address for log output.
func MaskIP(ip string) string {
	if ip == "" {
		return "<empty>"
	}
	if idx := strings.LastIndex(ip, "."); idx > 0 {
		return ip[:idx] + ".xxx"
	}
	if idx := strings.Index(ip, ":"); idx > 0 {
		return ip[:idx] + ":xxxx"
	}
	return "<masked>"
}

// MaskHash keeps a short prefix of a hash or secret for correlation.
func MaskHash(h string) string {
	if len(h) <= 8 {
		return "<masked>"
	}
	return h[:8] + "..."
}

// MaskEmail keeps the first character and the domain.
func MaskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return "<masked>"
	}
	return email[:1] + "***" + email[at:]
}
