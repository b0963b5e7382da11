package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"auth-core/internal/model"
	"auth-core/internal/util"
)

var (
	ErrDeviceNotFound = errors.New("totp device not found")
)

// TotpRepository is the durable store for enrolled authenticators and
// backup codes. Both tables partition on principal_id.
type TotpRepository struct {
	client *ScyllaClient
}

func NewTotpRepository(client *ScyllaClient) *TotpRepository {
	return &TotpRepository{client: client}
}

// CreateDevice inserts a new, unverified device.
func (r *TotpRepository) CreateDevice(ctx context.Context, d *model.TotpDevice) error {
	var lastUsed time.Time
	if d.LastUsedAt != nil {
		lastUsed = *d.LastUsedAt
	}

	q := r.client.Prepared.InsertTotpDevice.WithContext(ctx).Bind(
		gocql.UUID(d.PrincipalID), gocql.UUID(d.DeviceID), string(d.PrincipalType), d.DeviceName,
		d.SecretKey, d.Algorithm, d.Digits, d.Period, d.LastCounter,
		d.IsVerified, d.IsActive, d.IsPrimary, d.UseCount,
		d.CreatedAt, lastUsed)

	if err := r.client.ExecuteWithRetry(q, 3); err != nil {
		util.Error("Failed to create totp device",
			zap.String("device_id", d.DeviceID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to create totp device: %w", err)
	}
	return nil
}

// GetDevice loads a single device.
func (r *TotpRepository) GetDevice(ctx context.Context, principalID, deviceID uuid.UUID) (*model.TotpDevice, error) {
	q := r.client.Prepared.GetTotpDevice.WithContext(ctx).
		Bind(gocql.UUID(principalID), gocql.UUID(deviceID))

	d, err := scanDevice(q)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to load totp device: %w", err)
	}
	return d, nil
}

// ListDevices returns all devices enrolled by a principal.
func (r *TotpRepository) ListDevices(ctx context.Context, principalID uuid.UUID) ([]*model.TotpDevice, error) {
	iter := r.client.Prepared.GetDevicesForUser.WithContext(ctx).
		Bind(gocql.UUID(principalID)).Iter()

	var devices []*model.TotpDevice
	for {
		d, ok := scanDeviceIter(iter)
		if !ok {
			break
		}
		devices = append(devices, d)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list totp devices: %w", err)
	}
	return devices, nil
}

// MarkVerified activates a device after its setup code checks out.
func (r *TotpRepository) MarkVerified(ctx context.Context, principalID, deviceID uuid.UUID) error {
	q := r.client.Prepared.MarkDeviceVerified.WithContext(ctx).
		Bind(gocql.UUID(principalID), gocql.UUID(deviceID))
	if err := r.client.ExecuteWithRetry(q, 3); err != nil {
		return fmt.Errorf("failed to mark device verified: %w", err)
	}
	return nil
}

// RecordUse advances the replay counter and usage stats.
func (r *TotpRepository) RecordUse(ctx context.Context, principalID, deviceID uuid.UUID, lastCounter, useCount int64, usedAt time.Time) error {
	q := r.client.Prepared.UpdateDeviceCounter.WithContext(ctx).
		Bind(lastCounter, useCount, usedAt, gocql.UUID(principalID), gocql.UUID(deviceID))
	if err := r.client.ExecuteWithRetry(q, 3); err != nil {
		return fmt.Errorf("failed to record device use: %w", err)
	}
	return nil
}

// DeactivateDevice disables a device without deleting its history.
func (r *TotpRepository) DeactivateDevice(ctx context.Context, principalID, deviceID uuid.UUID) error {
	q := r.client.Prepared.DeactivateDevice.WithContext(ctx).
		Bind(gocql.UUID(principalID), gocql.UUID(deviceID))
	if err := r.client.ExecuteWithRetry(q, 3); err != nil {
		return fmt.Errorf("failed to deactivate device: %w", err)
	}
	return nil
}

// CreateBackupCodes persists a fresh batch in a logged batch so a
// partial write never leaves the principal with half a set.
func (r *TotpRepository) CreateBackupCodes(ctx context.Context, codes []*model.BackupCode) error {
	if len(codes) == 0 {
		return nil
	}

	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	for _, c := range codes {
		var usedAt time.Time
		batch.Query(`
            INSERT INTO backup_codes (
                principal_id, code_id, principal_type, code_hash,
                batch_id, sequence_number, is_used, is_active,
                created_at, expires_at, used_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			gocql.UUID(c.PrincipalID), gocql.UUID(c.CodeID), string(c.PrincipalType), c.CodeHash,
			gocql.UUID(c.BatchID), c.SequenceNumber, c.IsUsed, c.IsActive,
			c.CreatedAt, c.ExpiresAt, usedAt)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to persist backup codes",
			zap.Int("count", len(codes)),
			zap.Error(err))
		return fmt.Errorf("failed to persist backup codes: %w", err)
	}
	return nil
}

// ListBackupCodes returns all codes for a principal, used and unused.
func (r *TotpRepository) ListBackupCodes(ctx context.Context, principalID uuid.UUID) ([]*model.BackupCode, error) {
	iter := r.client.Prepared.GetBackupCodes.WithContext(ctx).
		Bind(gocql.UUID(principalID)).Iter()

	var codes []*model.BackupCode
	for {
		var (
			c      model.BackupCode
			pID    gocql.UUID
			cID    gocql.UUID
			bID    gocql.UUID
			pType  string
			usedAt time.Time
		)
		if !iter.Scan(&pID, &cID, &pType, &c.CodeHash,
			&bID, &c.SequenceNumber, &c.IsUsed, &c.IsActive,
			&c.CreatedAt, &c.ExpiresAt, &usedAt) {
			break
		}
		c.PrincipalID = uuid.UUID(pID)
		c.CodeID = uuid.UUID(cID)
		c.BatchID = uuid.UUID(bID)
		c.PrincipalType = model.PrincipalType(pType)
		if !usedAt.IsZero() {
			at := usedAt
			c.UsedAt = &at
		}
		codes = append(codes, &c)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list backup codes: %w", err)
	}
	return codes, nil
}

// MarkBackupCodeUsed burns a code. One-shot semantics are enforced by
// the caller checking is_used before verification.
func (r *TotpRepository) MarkBackupCodeUsed(ctx context.Context, principalID, codeID uuid.UUID, usedAt time.Time) error {
	q := r.client.Prepared.MarkBackupCodeUsed.WithContext(ctx).
		Bind(usedAt, gocql.UUID(principalID), gocql.UUID(codeID))
	if err := r.client.ExecuteWithRetry(q, 3); err != nil {
		return fmt.Errorf("failed to mark backup code used: %w", err)
	}
	return nil
}

// DeactivateBatch retires an old code set when a new one is issued.
func (r *TotpRepository) DeactivateBatch(ctx context.Context, codes []*model.BackupCode) error {
	if len(codes) == 0 {
		return nil
	}

	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	for _, c := range codes {
		batch.Query(`UPDATE backup_codes SET is_active = false WHERE principal_id = ? AND code_id = ?`,
			gocql.UUID(c.PrincipalID), gocql.UUID(c.CodeID))
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to deactivate backup codes: %w", err)
	}
	return nil
}

func scanDevice(q *gocql.Query) (*model.TotpDevice, error) {
	var (
		d        model.TotpDevice
		pID      gocql.UUID
		dID      gocql.UUID
		pType    string
		lastUsed time.Time
	)
	if err := q.Scan(&pID, &dID, &pType, &d.DeviceName,
		&d.SecretKey, &d.Algorithm, &d.Digits, &d.Period, &d.LastCounter,
		&d.IsVerified, &d.IsActive, &d.IsPrimary, &d.UseCount,
		&d.CreatedAt, &lastUsed); err != nil {
		return nil, err
	}
	d.PrincipalID = uuid.UUID(pID)
	d.DeviceID = uuid.UUID(dID)
	d.PrincipalType = model.PrincipalType(pType)
	if !lastUsed.IsZero() {
		at := lastUsed
		d.LastUsedAt = &at
	}
	return &d, nil
}

func scanDeviceIter(iter *gocql.Iter) (*model.TotpDevice, bool) {
	var (
		d        model.TotpDevice
		pID      gocql.UUID
		dID      gocql.UUID
		pType    string
		lastUsed time.Time
	)
	if !iter.Scan(&pID, &dID, &pType, &d.DeviceName,
		&d.SecretKey, &d.Algorithm, &d.Digits, &d.Period, &d.LastCounter,
		&d.IsVerified, &d.IsActive, &d.IsPrimary, &d.UseCount,
		&d.CreatedAt, &lastUsed) {
		return nil, false
	}
	d.PrincipalID = uuid.UUID(pID)
	d.DeviceID = uuid.UUID(dID)
	d.PrincipalType = model.PrincipalType(pType)
	if !lastUsed.IsZero() {
		at := lastUsed
		d.LastUsedAt = &at
	}
	return &d, true
}
