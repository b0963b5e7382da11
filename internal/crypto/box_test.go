package crypto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"auth-core/internal/config"
)

func testCryptoConfig(allowLegacy bool) config.CryptoConfig {
	return config.CryptoConfig{
		SessionMasterKey:     "test-session-master-key-0123456789abcdef",
		SessionSalt:          "test-session-salt",
		TokenMasterKey:       "test-token-master-key-0123456789abcdef",
		TokenSalt:            "test-token-salt",
		SessionIterations:    1000,
		TokenIterations:      1000,
		AllowLegacyPlaintext: allowLegacy,
	}
}

type payload struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
}

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox(testCryptoConfig(false))
	require.NoError(t, err)

	in := payload{UserID: "u-123", Count: 7}
	sealed, err := box.Seal(PurposeSession, in)
	require.NoError(t, err)
	require.NotContains(t, sealed, "u-123")

	var out payload
	mode, err := box.Open(PurposeSession, sealed, &out)
	require.NoError(t, err)
	require.Equal(t, ModeEncrypted, mode)
	require.Equal(t, in, out)
}

func TestPurposeKeysAreIndependent(t *testing.T) {
	box, err := NewBox(testCryptoConfig(false))
	require.NoError(t, err)

	sealed, err := box.Seal(PurposeSession, payload{UserID: "u-1"})
	require.NoError(t, err)

	var out payload
	_, err = box.Open(PurposeToken, sealed, &out)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	box, err := NewBox(testCryptoConfig(false))
	require.NoError(t, err)

	sealed, err := box.Seal(PurposeToken, payload{UserID: "u-9"})
	require.NoError(t, err)

	tampered := "A" + sealed[1:]
	if tampered == sealed {
		tampered = "B" + sealed[1:]
	}

	var out payload
	_, err = box.Open(PurposeToken, tampered, &out)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestOpenRejectsGarbage(t *testing.T) {
	box, err := NewBox(testCryptoConfig(false))
	require.NoError(t, err)

	var out payload
	_, err = box.Open(PurposeSession, "not-a-ciphertext", &out)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestLegacyPlaintextDisabledByDefault(t *testing.T) {
	box, err := NewBox(testCryptoConfig(false))
	require.NoError(t, err)

	raw, err := json.Marshal(payload{UserID: "legacy"})
	require.NoError(t, err)

	var out payload
	_, err = box.Open(PurposeSession, string(raw), &out)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestLegacyPlaintextSurfacedWhenEnabled(t *testing.T) {
	box, err := NewBox(testCryptoConfig(true))
	require.NoError(t, err)

	raw, err := json.Marshal(payload{UserID: "legacy", Count: 3})
	require.NoError(t, err)

	var out payload
	mode, err := box.Open(PurposeSession, string(raw), &out)
	require.NoError(t, err)
	require.Equal(t, ModeLegacyPlaintext, mode)
	require.Equal(t, "legacy", out.UserID)
}

func TestUnknownPurpose(t *testing.T) {
	box, err := NewBox(testCryptoConfig(false))
	require.NoError(t, err)

	_, err = box.Seal(Purpose("device"), payload{})
	require.ErrorIs(t, err, ErrUnknownPurpose)
}

func TestNewBoxRejectsEmptyKeys(t *testing.T) {
	cfg := testCryptoConfig(false)
	cfg.SessionMasterKey = ""
	_, err := NewBox(cfg)
	require.Error(t, err)
}

func TestMaskHelpers(t *testing.T) {
	require.Equal(t, "192.168.1.xxx", MaskIP("192.168.1.44"))
	require.Equal(t, "<empty>", MaskIP(""))
	require.Equal(t, "a***@example.com", MaskEmail("alice@example.com"))
	require.Equal(t, "<masked>", MaskEmail("no-at-sign"))
	require.Equal(t, "deadbeef...", MaskHash("deadbeefcafe1234"))
	require.Equal(t, "<masked>", MaskHash("short"))
}
