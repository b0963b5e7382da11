package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"auth-core/internal/config"
	"auth-core/internal/util"
)

// PreparedStatements holds the statements the repositories execute.
type PreparedStatements struct {
	InsertSession          *gocql.Query
	GetSession             *gocql.Query
	GetSessionsByPrincipal *gocql.Query
	UpdateSessionActivity  *gocql.Query
	CloseSession           *gocql.Query

	InsertTotpDevice     *gocql.Query
	GetTotpDevice        *gocql.Query
	GetDevicesForUser    *gocql.Query
	MarkDeviceVerified   *gocql.Query
	UpdateDeviceCounter  *gocql.Query
	DeactivateDevice     *gocql.Query

	InsertBackupCode     *gocql.Query
	GetBackupCodes       *gocql.Query
	MarkBackupCodeUsed   *gocql.Query
	DeactivateCodeBatch  *gocql.Query

	GetPrincipalByEmail *gocql.Query
	GetPrincipalByID    *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Hosts...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = scyllaConfig.RequestTimeout
	cluster.ConnectTimeout = scyllaConfig.ConnectTimeout
	cluster.NumConns = scyllaConfig.NumConns
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("hosts", scyllaConfig.Hosts),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.InsertSession = s.Session.Query(`
        INSERT INTO auth_sessions (
            session_id, refresh_token_id, refresh_issued_at, principal_id, principal_type,
            device_fingerprint, ip_address, user_agent, country, city,
            login_method, is_2fa_verified, risk_score,
            created_at, last_activity_at, expires_at, is_active
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetSession = s.Session.Query(`
        SELECT session_id, refresh_token_id, refresh_issued_at, principal_id, principal_type,
            device_fingerprint, ip_address, user_agent, country, city,
            login_method, is_2fa_verified, risk_score,
            created_at, last_activity_at, expires_at, is_active,
            logout_reason, logout_at
        FROM auth_sessions WHERE session_id = ?`)

	prepared.GetSessionsByPrincipal = s.Session.Query(`
        SELECT session_id, refresh_token_id, refresh_issued_at, principal_id, principal_type,
            device_fingerprint, ip_address, user_agent, country, city,
            login_method, is_2fa_verified, risk_score,
            created_at, last_activity_at, expires_at, is_active,
            logout_reason, logout_at
        FROM sessions_by_principal WHERE principal_type = ? AND principal_id = ?`)

	prepared.UpdateSessionActivity = s.Session.Query(`
        UPDATE auth_sessions SET last_activity_at = ?, expires_at = ?
        WHERE session_id = ?`)

	prepared.CloseSession = s.Session.Query(`
        UPDATE auth_sessions SET is_active = false, logout_reason = ?, logout_at = ?
        WHERE session_id = ?`)

	prepared.InsertTotpDevice = s.Session.Query(`
        INSERT INTO totp_devices (
            principal_id, device_id, principal_type, device_name,
            secret_key, algorithm, digits, period, last_counter,
            is_verified, is_active, is_primary, use_count,
            created_at, last_used_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetTotpDevice = s.Session.Query(`
        SELECT principal_id, device_id, principal_type, device_name,
            secret_key, algorithm, digits, period, last_counter,
            is_verified, is_active, is_primary, use_count,
            created_at, last_used_at
        FROM totp_devices WHERE principal_id = ? AND device_id = ?`)

	prepared.GetDevicesForUser = s.Session.Query(`
        SELECT principal_id, device_id, principal_type, device_name,
            secret_key, algorithm, digits, period, last_counter,
            is_verified, is_active, is_primary, use_count,
            created_at, last_used_at
        FROM totp_devices WHERE principal_id = ?`)

	prepared.MarkDeviceVerified = s.Session.Query(`
        UPDATE totp_devices SET is_verified = true, is_active = true
        WHERE principal_id = ? AND device_id = ?`)

	prepared.UpdateDeviceCounter = s.Session.Query(`
        UPDATE totp_devices SET last_counter = ?, use_count = ?, last_used_at = ?
        WHERE principal_id = ? AND device_id = ?`)

	prepared.DeactivateDevice = s.Session.Query(`
        UPDATE totp_devices SET is_active = false
        WHERE principal_id = ? AND device_id = ?`)

	prepared.InsertBackupCode = s.Session.Query(`
        INSERT INTO backup_codes (
            principal_id, code_id, principal_type, code_hash,
            batch_id, sequence_number, is_used, is_active,
            created_at, expires_at, used_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetBackupCodes = s.Session.Query(`
        SELECT principal_id, code_id, principal_type, code_hash,
            batch_id, sequence_number, is_used, is_active,
            created_at, expires_at, used_at
        FROM backup_codes WHERE principal_id = ?`)

	prepared.MarkBackupCodeUsed = s.Session.Query(`
        UPDATE backup_codes SET is_used = true, used_at = ?
        WHERE principal_id = ? AND code_id = ?`)

	prepared.DeactivateCodeBatch = s.Session.Query(`
        UPDATE backup_codes SET is_active = false
        WHERE principal_id = ? AND code_id = ?`)

	prepared.GetPrincipalByEmail = s.Session.Query(`
        SELECT principal_id, principal_type, email, password_hash,
            is_active, is_locked, is_admin, two_factor_enabled, created_at
        FROM principals_by_email WHERE email = ?`)

	prepared.GetPrincipalByID = s.Session.Query(`
        SELECT principal_id, principal_type, email, password_hash,
            is_active, is_locked, is_admin, two_factor_enabled, created_at
        FROM principals WHERE principal_id = ? AND principal_type = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
