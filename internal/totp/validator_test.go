package totp

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"auth-core/internal/config"
	"auth-core/internal/crypto"
	"auth-core/internal/model"
)

type fakeDeviceStore struct {
	devices map[uuid.UUID]*model.TotpDevice
	codes   map[uuid.UUID]*model.BackupCode
}

func newFakeDeviceStore() *fakeDeviceStore {
	return &fakeDeviceStore{
		devices: make(map[uuid.UUID]*model.TotpDevice),
		codes:   make(map[uuid.UUID]*model.BackupCode),
	}
}

func (f *fakeDeviceStore) CreateDevice(_ context.Context, d *model.TotpDevice) error {
	copied := *d
	f.devices[d.DeviceID] = &copied
	return nil
}

func (f *fakeDeviceStore) GetDevice(_ context.Context, _, deviceID uuid.UUID) (*model.TotpDevice, error) {
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, ErrNoActiveDevice
	}
	copied := *d
	return &copied, nil
}

func (f *fakeDeviceStore) ListDevices(_ context.Context, principalID uuid.UUID) ([]*model.TotpDevice, error) {
	var out []*model.TotpDevice
	for _, d := range f.devices {
		if d.PrincipalID == principalID {
			copied := *d
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeDeviceStore) MarkVerified(_ context.Context, _, deviceID uuid.UUID) error {
	f.devices[deviceID].IsVerified = true
	f.devices[deviceID].IsActive = true
	return nil
}

func (f *fakeDeviceStore) RecordUse(_ context.Context, _, deviceID uuid.UUID, lastCounter, useCount int64, usedAt time.Time) error {
	d := f.devices[deviceID]
	d.LastCounter = lastCounter
	d.UseCount = useCount
	d.LastUsedAt = &usedAt
	return nil
}

func (f *fakeDeviceStore) CreateBackupCodes(_ context.Context, codes []*model.BackupCode) error {
	for _, c := range codes {
		copied := *c
		f.codes[c.CodeID] = &copied
	}
	return nil
}

func (f *fakeDeviceStore) ListBackupCodes(_ context.Context, principalID uuid.UUID) ([]*model.BackupCode, error) {
	var out []*model.BackupCode
	for _, c := range f.codes {
		if c.PrincipalID == principalID {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeDeviceStore) MarkBackupCodeUsed(_ context.Context, _, codeID uuid.UUID, usedAt time.Time) error {
	c := f.codes[codeID]
	c.IsUsed = true
	c.UsedAt = &usedAt
	return nil
}

func (f *fakeDeviceStore) DeactivateBatch(_ context.Context, codes []*model.BackupCode) error {
	for _, c := range codes {
		f.codes[c.CodeID].IsActive = false
	}
	return nil
}

func testTwoFactorConfig() config.TwoFactorConfig {
	return config.TwoFactorConfig{
		TempSessionDuration:    10 * time.Minute,
		TempSessionMaxAttempts: 3,
		TOTPDigits:             6,
		TOTPPeriod:             30,
		TOTPSkewLogin:          2,
		TOTPSkewSetup:          1,
		BackupCodeCount:        10,
		BackupCodeExpiry:       365 * 24 * time.Hour,
	}
}

func newTestValidator(t *testing.T) (*Validator, *fakeDeviceStore, *time.Time) {
	t.Helper()

	box, err := crypto.NewBox(config.CryptoConfig{
		SessionMasterKey:  "test-session-master-key-0123456789abcdef",
		SessionSalt:       "s",
		TokenMasterKey:    "test-token-master-key-0123456789abcdef",
		TokenSalt:         "t",
		SessionIterations: 1000,
		TokenIterations:   1000,
	})
	require.NoError(t, err)

	store := newFakeDeviceStore()
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	v := NewValidator(store, box, testTwoFactorConfig(), "auth-core").
		WithClock(func() time.Time { return now })

	return v, store, &now
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func enroll(t *testing.T, v *Validator, now time.Time) (model.PrincipalRef, *SetupResult) {
	t.Helper()
	principal := model.PrincipalRef{ID: uuid.New(), Type: model.PrincipalInternalUser}

	setup, err := v.StartSetup(context.Background(), principal, "user@example.com", "phone")
	require.NoError(t, err)

	err = v.ConfirmSetup(context.Background(), principal.ID, setup.Device.DeviceID, codeAt(t, setup.Secret, now))
	require.NoError(t, err)

	return principal, setup
}

func TestSetupAndConfirm(t *testing.T) {
	v, store, now := newTestValidator(t)

	principal, setup := enroll(t, v, *now)

	device := store.devices[setup.Device.DeviceID]
	require.True(t, device.IsVerified)
	require.True(t, device.IsActive)
	require.Equal(t, principal.ID, device.PrincipalID)
	require.NotEqual(t, setup.Secret, device.SecretKey, "stored secret must be sealed")
	require.NotEmpty(t, setup.OtpauthURL)
}

func TestConfirmSetupRejectsWrongCode(t *testing.T) {
	v, _, _ := newTestValidator(t)
	principal := model.PrincipalRef{ID: uuid.New(), Type: model.PrincipalInternalUser}

	setup, err := v.StartSetup(context.Background(), principal, "user@example.com", "phone")
	require.NoError(t, err)

	err = v.ConfirmSetup(context.Background(), principal.ID, setup.Device.DeviceID, "000000")
	require.ErrorIs(t, err, ErrInvalidCode)
}

func TestValidateCodeAcceptsFreshCode(t *testing.T) {
	v, _, now := newTestValidator(t)
	principal, setup := enroll(t, v, *now)

	// Advance one full step so the login code differs from setup.
	*now = now.Add(60 * time.Second)

	device, err := v.ValidateCode(context.Background(), principal.ID, codeAt(t, setup.Secret, *now))
	require.NoError(t, err)
	require.Equal(t, setup.Device.DeviceID, device.DeviceID)
}

func TestValidateCodeRejectsReplay(t *testing.T) {
	v, _, now := newTestValidator(t)
	principal, setup := enroll(t, v, *now)

	*now = now.Add(60 * time.Second)
	code := codeAt(t, setup.Secret, *now)

	_, err := v.ValidateCode(context.Background(), principal.ID, code)
	require.NoError(t, err)

	// Same code inside the same step is a replay.
	_, err = v.ValidateCode(context.Background(), principal.ID, code)
	require.ErrorIs(t, err, ErrReplayedCode)
}

func TestValidateCodeRejectsReplayAcrossSteps(t *testing.T) {
	v, _, now := newTestValidator(t)
	principal, setup := enroll(t, v, *now)

	*now = now.Add(60 * time.Second)
	code := codeAt(t, setup.Secret, *now)

	_, err := v.ValidateCode(context.Background(), principal.ID, code)
	require.NoError(t, err)

	// The clock moves into the next step but the skew window still
	// covers the old code; it must stay dead.
	for _, advance := range []time.Duration{30 * time.Second, 30 * time.Second} {
		*now = now.Add(advance)
		_, err = v.ValidateCode(context.Background(), principal.ID, code)
		require.ErrorIs(t, err, ErrReplayedCode)
	}

	// A code minted for the current step is still accepted.
	_, err = v.ValidateCode(context.Background(), principal.ID, codeAt(t, setup.Secret, *now))
	require.NoError(t, err)
}

func TestValidateCodeRejectsGarbage(t *testing.T) {
	v, _, now := newTestValidator(t)
	principal, _ := enroll(t, v, *now)

	*now = now.Add(60 * time.Second)

	_, err := v.ValidateCode(context.Background(), principal.ID, "abcdef")
	require.ErrorIs(t, err, ErrInvalidCode)
}

func TestValidateCodeWithoutDevice(t *testing.T) {
	v, _, _ := newTestValidator(t)

	_, err := v.ValidateCode(context.Background(), uuid.New(), "123456")
	require.ErrorIs(t, err, ErrNoActiveDevice)
}

func TestUnverifiedDeviceCannotLogin(t *testing.T) {
	v, _, now := newTestValidator(t)
	principal := model.PrincipalRef{ID: uuid.New(), Type: model.PrincipalInternalUser}

	setup, err := v.StartSetup(context.Background(), principal, "user@example.com", "phone")
	require.NoError(t, err)

	_, err = v.ValidateCode(context.Background(), principal.ID, codeAt(t, setup.Secret, *now))
	require.ErrorIs(t, err, ErrNoActiveDevice)

	has, err := v.HasVerifiedDevice(context.Background(), principal.ID)
	require.NoError(t, err)
	require.False(t, has)
}

func TestBackupCodeLifecycle(t *testing.T) {
	v, _, now := newTestValidator(t)
	principal, _ := enroll(t, v, *now)

	codes, err := v.IssueBackupCodes(context.Background(), principal)
	require.NoError(t, err)
	require.Len(t, codes, 10)
	for _, c := range codes {
		require.Regexp(t, `^\d{4}-\d{4}$`, c)
	}

	burned, err := v.ValidateBackupCode(context.Background(), principal.ID, codes[3])
	require.NoError(t, err)
	require.True(t, burned.IsUsed)

	// Second use of the same code fails.
	_, err = v.ValidateBackupCode(context.Background(), principal.ID, codes[3])
	require.ErrorIs(t, err, ErrInvalidBackup)

	// Other codes from the batch still work.
	_, err = v.ValidateBackupCode(context.Background(), principal.ID, codes[4])
	require.NoError(t, err)
}

func TestReissueRetiresOldBatch(t *testing.T) {
	v, _, now := newTestValidator(t)
	principal, _ := enroll(t, v, *now)

	oldCodes, err := v.IssueBackupCodes(context.Background(), principal)
	require.NoError(t, err)

	newCodes, err := v.IssueBackupCodes(context.Background(), principal)
	require.NoError(t, err)

	_, err = v.ValidateBackupCode(context.Background(), principal.ID, oldCodes[0])
	require.ErrorIs(t, err, ErrInvalidBackup)

	_, err = v.ValidateBackupCode(context.Background(), principal.ID, newCodes[0])
	require.NoError(t, err)
}

func TestExpiredBackupCodeRejected(t *testing.T) {
	v, _, now := newTestValidator(t)
	principal, _ := enroll(t, v, *now)

	codes, err := v.IssueBackupCodes(context.Background(), principal)
	require.NoError(t, err)

	*now = now.Add(366 * 24 * time.Hour)

	_, err = v.ValidateBackupCode(context.Background(), principal.ID, codes[0])
	require.ErrorIs(t, err, ErrInvalidBackup)
}
