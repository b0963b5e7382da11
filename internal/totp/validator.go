package totp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"auth-core/internal/config"
	"auth-core/internal/crypto"
	"auth-core/internal/hashing"
	"auth-core/internal/model"
	"auth-core/internal/util"
)

var (
	ErrNoActiveDevice = errors.New("no active totp device")
	ErrInvalidCode    = errors.New("invalid totp code")
	ErrReplayedCode   = errors.New("totp code already used")
	ErrInvalidBackup  = errors.New("invalid backup code")
)

// DeviceStore is the durable tier for authenticators and backup codes.
type DeviceStore interface {
	CreateDevice(ctx context.Context, d *model.TotpDevice) error
	GetDevice(ctx context.Context, principalID, deviceID uuid.UUID) (*model.TotpDevice, error)
	ListDevices(ctx context.Context, principalID uuid.UUID) ([]*model.TotpDevice, error)
	MarkVerified(ctx context.Context, principalID, deviceID uuid.UUID) error
	RecordUse(ctx context.Context, principalID, deviceID uuid.UUID, lastCounter, useCount int64, usedAt time.Time) error

	CreateBackupCodes(ctx context.Context, codes []*model.BackupCode) error
	ListBackupCodes(ctx context.Context, principalID uuid.UUID) ([]*model.BackupCode, error)
	MarkBackupCodeUsed(ctx context.Context, principalID, codeID uuid.UUID, usedAt time.Time) error
	DeactivateBatch(ctx context.Context, codes []*model.BackupCode) error
}

// SetupResult is returned from StartSetup for display to the user.
// The secret and URL are never stored in the clear.
type SetupResult struct {
	Device     *model.TotpDevice
	Secret     string
	OtpauthURL string
}

// Validator implements TOTP verification with replay protection and
// single-use backup codes. Secrets are sealed with the token-purpose
// key before they reach storage.
type Validator struct {
	store  DeviceStore
	box    *crypto.Box
	cfg    config.TwoFactorConfig
	issuer string
	now    func() time.Time
}

func NewValidator(store DeviceStore, box *crypto.Box, cfg config.TwoFactorConfig, issuer string) *Validator {
	return &Validator{
		store:  store,
		box:    box,
		cfg:    cfg,
		issuer: issuer,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// StartSetup enrolls a new, unverified device and returns the secret
// for QR display. The device cannot be used for login until
// ConfirmSetup succeeds.
func (v *Validator) StartSetup(ctx context.Context, principal model.PrincipalRef, accountName, deviceName string) (*SetupResult, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: accountName,
		Period:      v.cfg.TOTPPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp key: %w", err)
	}

	sealed, err := v.box.Seal(crypto.PurposeToken, key.Secret())
	if err != nil {
		return nil, fmt.Errorf("failed to seal totp secret: %w", err)
	}

	device := &model.TotpDevice{
		DeviceID:      uuid.New(),
		PrincipalID:   principal.ID,
		PrincipalType: principal.Type,
		DeviceName:    deviceName,
		SecretKey:     sealed,
		Algorithm:     "SHA1",
		Digits:        v.cfg.TOTPDigits,
		Period:        int(v.cfg.TOTPPeriod),
		LastCounter:   -1,
		IsVerified:    false,
		IsActive:      false,
		CreatedAt:     v.now().UTC(),
	}

	if err := v.store.CreateDevice(ctx, device); err != nil {
		return nil, err
	}

	util.Info("TOTP device enrolled, pending verification",
		zap.String("device_id", device.DeviceID.String()),
		zap.String("principal_id", principal.ID.String()))

	return &SetupResult{
		Device:     device,
		Secret:     key.Secret(),
		OtpauthURL: key.URL(),
	}, nil
}

// ConfirmSetup verifies the first code from a freshly enrolled device
// and activates it. Setup uses the tighter skew window.
func (v *Validator) ConfirmSetup(ctx context.Context, principalID, deviceID uuid.UUID, code string) error {
	device, err := v.store.GetDevice(ctx, principalID, deviceID)
	if err != nil {
		return err
	}

	secret, err := v.openSecret(device)
	if err != nil {
		return err
	}

	ok, counter := v.verify(code, secret, v.cfg.TOTPSkewSetup)
	if !ok {
		return ErrInvalidCode
	}

	if err := v.store.MarkVerified(ctx, principalID, deviceID); err != nil {
		return err
	}
	if err := v.store.RecordUse(ctx, principalID, deviceID, counter, device.UseCount+1, v.now().UTC()); err != nil {
		return err
	}

	util.Info("TOTP device verified",
		zap.String("device_id", deviceID.String()))
	return nil
}

// ValidateCode checks a login code against every active verified
// device. A code whose counter does not advance past the device's
// last accepted counter is rejected as a replay even if it is
// otherwise valid.
func (v *Validator) ValidateCode(ctx context.Context, principalID uuid.UUID, code string) (*model.TotpDevice, error) {
	devices, err := v.store.ListDevices(ctx, principalID)
	if err != nil {
		return nil, err
	}

	active := devices[:0]
	for _, d := range devices {
		if d.IsActive && d.IsVerified {
			active = append(active, d)
		}
	}
	if len(active) == 0 {
		return nil, ErrNoActiveDevice
	}

	sawReplay := false
	for _, device := range active {
		secret, err := v.openSecret(device)
		if err != nil {
			util.Error("Failed to open totp secret",
				zap.String("device_id", device.DeviceID.String()),
				zap.Error(err))
			continue
		}

		ok, counter := v.verify(code, secret, v.cfg.TOTPSkewLogin)
		if !ok {
			continue
		}

		if counter <= device.LastCounter {
			sawReplay = true
			continue
		}

		if err := v.store.RecordUse(ctx, principalID, device.DeviceID, counter, device.UseCount+1, v.now().UTC()); err != nil {
			return nil, err
		}

		device.LastCounter = counter
		device.UseCount++
		return device, nil
	}

	if sawReplay {
		util.Warn("Replayed TOTP code rejected",
			zap.String("principal_id", principalID.String()))
		return nil, ErrReplayedCode
	}
	return nil, ErrInvalidCode
}

// verify checks the code against each step in the skew window and
// returns the counter of the step that minted it. Pinning the counter
// to the matched step, not the validation instant, keeps a code dead
// for its whole skew window once accepted.
func (v *Validator) verify(code, secret string, skew uint) (bool, int64) {
	period := int64(v.cfg.TOTPPeriod)
	step := v.now().Unix() / period

	for delta := -int64(skew); delta <= int64(skew); delta++ {
		candidate := step + delta
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(candidate*period, 0).UTC(), totp.ValidateOpts{
			Period:    v.cfg.TOTPPeriod,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			return false, 0
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true, candidate
		}
	}
	return false, 0
}

func (v *Validator) openSecret(device *model.TotpDevice) (string, error) {
	var secret string
	if _, err := v.box.Open(crypto.PurposeToken, device.SecretKey, &secret); err != nil {
		return "", err
	}
	return secret, nil
}

// IssueBackupCodes retires any previous active batch and creates a
// fresh one. The plain codes are returned exactly once; only bcrypt
// hashes are stored.
func (v *Validator) IssueBackupCodes(ctx context.Context, principal model.PrincipalRef) ([]string, error) {
	existing, err := v.store.ListBackupCodes(ctx, principal.ID)
	if err != nil {
		return nil, err
	}

	var stale []*model.BackupCode
	for _, c := range existing {
		if c.IsActive {
			stale = append(stale, c)
		}
	}
	if err := v.store.DeactivateBatch(ctx, stale); err != nil {
		return nil, err
	}

	now := v.now().UTC()
	batchID := uuid.New()

	plain := make([]string, 0, v.cfg.BackupCodeCount)
	records := make([]*model.BackupCode, 0, v.cfg.BackupCodeCount)
	for i := 0; i < v.cfg.BackupCodeCount; i++ {
		code, err := generateBackupCode()
		if err != nil {
			return nil, err
		}
		hash, err := hashing.HashBackupCode(code)
		if err != nil {
			return nil, err
		}

		plain = append(plain, code)
		records = append(records, &model.BackupCode{
			CodeID:         uuid.New(),
			PrincipalID:    principal.ID,
			PrincipalType:  principal.Type,
			CodeHash:       hash,
			BatchID:        batchID,
			SequenceNumber: i + 1,
			IsActive:       true,
			CreatedAt:      now,
			ExpiresAt:      now.Add(v.cfg.BackupCodeExpiry),
		})
	}

	if err := v.store.CreateBackupCodes(ctx, records); err != nil {
		return nil, err
	}

	util.Info("Backup code batch issued",
		zap.String("principal_id", principal.ID.String()),
		zap.String("batch_id", batchID.String()),
		zap.Int("count", len(records)))

	return plain, nil
}

// ValidateBackupCode burns a matching unused code. Each code works
// exactly once.
func (v *Validator) ValidateBackupCode(ctx context.Context, principalID uuid.UUID, code string) (*model.BackupCode, error) {
	codes, err := v.store.ListBackupCodes(ctx, principalID)
	if err != nil {
		return nil, err
	}

	now := v.now().UTC()
	for _, c := range codes {
		if !c.IsActive || c.IsUsed || now.After(c.ExpiresAt) {
			continue
		}
		if !hashing.VerifyBackupCode(code, c.CodeHash) {
			continue
		}

		if err := v.store.MarkBackupCodeUsed(ctx, principalID, c.CodeID, now); err != nil {
			return nil, err
		}
		c.IsUsed = true
		usedAt := now
		c.UsedAt = &usedAt

		util.Info("Backup code consumed",
			zap.String("principal_id", principalID.String()),
			zap.Int("sequence", c.SequenceNumber))
		return c, nil
	}

	return nil, ErrInvalidBackup
}

// HasVerifiedDevice reports whether the principal can complete a
// TOTP challenge.
func (v *Validator) HasVerifiedDevice(ctx context.Context, principalID uuid.UUID) (bool, error) {
	devices, err := v.store.ListDevices(ctx, principalID)
	if err != nil {
		return false, err
	}
	for _, d := range devices {
		if d.IsActive && d.IsVerified {
			return true, nil
		}
	}
	return false, nil
}

func generateBackupCode() (string, error) {
	groups := make([]int64, 2)
	for i := range groups {
		n, err := rand.Int(rand.Reader, big.NewInt(10000))
		if err != nil {
			return "", fmt.Errorf("failed to generate backup code: %w", err)
		}
		groups[i] = n.Int64()
	}
	return fmt.Sprintf("%04d-%04d", groups[0], groups[1]), nil
}
