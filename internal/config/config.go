package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, grouped per component.
type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	ClickHouse  ClickHouseConfig
	Kafka       KafkaConfig
	RateLimit   RateLimitConfig
	Risk        RiskConfig
	Session     SessionConfig
	TwoFactor   TwoFactorConfig
	Crypto      CryptoConfig
	Token       TokenConfig
}

type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	Host         string
	Port         string
	Password     string
	DB           int
	UseTLS       bool
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

type ScyllaConfig struct {
	Hosts             []string
	Keyspace          string
	Username          string
	Password          string
	Consistency       string
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	NumConns          int
	ReconnectInterval time.Duration
}

type ClickHouseConfig struct {
	Hosts       []string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
	MaxOpenConn int
	MaxIdleConn int

	// Bucket counts spread hot partitions. Changing them invalidates
	// existing bucket assignments, so they are effectively write-once.
	PrincipalBuckets int
	EventBuckets     int
}

type KafkaConfig struct {
	Brokers            []string
	SecurityEventTopic string
	BatchTimeout       time.Duration
	RequiredAcks       int
}

// ScopeLimit is a sliding-window budget for one rate limit scope.
type ScopeLimit struct {
	MaxAttempts int
	Window      time.Duration
}

type RateLimitConfig struct {
	IP     ScopeLimit
	User   ScopeLimit
	Global ScopeLimit

	// BlockDurations escalates per repeated violation within EscalationReset.
	BlockDurations  []time.Duration
	EscalationReset time.Duration

	// FailedAttemptLogSize caps the per-identifier recent failures list.
	FailedAttemptLogSize int
	FailedAttemptTTL     time.Duration
}

type RiskConfig struct {
	WeightFailedAttempts int
	WeightNewLocation    int
	WeightNewDevice      int
	WeightUnusualTime    int
	WeightSuspiciousIP   int
	WeightBotBehavior    int

	ThresholdLow    int
	ThresholdMedium int
	ThresholdHigh   int

	ImmediateActionScore int

	// Require2FAScore forces a second factor even for principals
	// without an enrolled device policy override.
	Require2FAScore int

	// HistoryLookback bounds how far back location, device, and
	// temporal history reaches when scoring a login.
	HistoryLookback time.Duration

	// SuspiciousNetworks lists CIDR ranges whose members score the
	// suspicious-IP weight outright.
	SuspiciousNetworks []netip.Prefix
}

type SessionConfig struct {
	InternalUserDuration      time.Duration
	InstitutionalUserDuration time.Duration
	AutoExtendThreshold       time.Duration
	MaxSessionsPerPrincipal   int
	CacheTTLSlack             time.Duration
}

// DurationFor picks the session lifetime for a principal type string.
func (s SessionConfig) DurationFor(principalType string) time.Duration {
	if principalType == "institutional_user" {
		return s.InstitutionalUserDuration
	}
	return s.InternalUserDuration
}

type TwoFactorConfig struct {
	TempSessionDuration    time.Duration
	TempSessionMaxAttempts int
	TOTPDigits             int
	TOTPPeriod             uint
	TOTPSkewLogin          uint
	TOTPSkewSetup          uint
	BackupCodeCount        int
	BackupCodeExpiry       time.Duration
	ForceForAdmin          bool
}

type CryptoConfig struct {
	SessionMasterKey string
	SessionSalt      string
	TokenMasterKey   string
	TokenSalt        string

	SessionIterations int
	TokenIterations   int

	// AllowLegacyPlaintext controls whether reads of unencrypted
	// payloads written before encryption rollout are accepted.
	AllowLegacyPlaintext bool
}

type TokenConfig struct {
	SigningKey               string
	Issuer                   string
	AccessTokenDuration      time.Duration
	RefreshTokenDuration     time.Duration
	RefreshRotationThreshold time.Duration
}

// LoadConfig reads configuration from the environment. A local .env file
// is honored when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     getDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnv("REDIS_PORT", "6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getInt("REDIS_DB", 0),
			UseTLS:       getBool("REDIS_USE_TLS", false),
			PoolSize:     getInt("REDIS_POOL_SIZE", 50),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 10),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Scylla: ScyllaConfig{
			Hosts:             getSlice("SCYLLA_HOSTS", []string{"localhost:9042"}),
			Keyspace:          getEnv("SCYLLA_KEYSPACE", "auth_core"),
			Username:          getEnv("SCYLLA_USERNAME", ""),
			Password:          getEnv("SCYLLA_PASSWORD", ""),
			Consistency:       getEnv("SCYLLA_CONSISTENCY", "LOCAL_QUORUM"),
			ConnectTimeout:    getDuration("SCYLLA_CONNECT_TIMEOUT", 10*time.Second),
			RequestTimeout:    getDuration("SCYLLA_REQUEST_TIMEOUT", 5*time.Second),
			NumConns:          getInt("SCYLLA_NUM_CONNS", 2),
			ReconnectInterval: getDuration("SCYLLA_RECONNECT_INTERVAL", 60*time.Second),
		},
		ClickHouse: ClickHouseConfig{
			Hosts:       getSlice("CLICKHOUSE_HOSTS", []string{"localhost:9000"}),
			Database:    getEnv("CLICKHOUSE_DATABASE", "auth_analytics"),
			Username:    getEnv("CLICKHOUSE_USERNAME", "default"),
			Password:    getEnv("CLICKHOUSE_PASSWORD", ""),
			DialTimeout: getDuration("CLICKHOUSE_DIAL_TIMEOUT", 10*time.Second),
			MaxOpenConn: getInt("CLICKHOUSE_MAX_OPEN_CONNS", 10),
			MaxIdleConn: getInt("CLICKHOUSE_MAX_IDLE_CONNS", 5),

			PrincipalBuckets: getInt("CLICKHOUSE_PRINCIPAL_BUCKETS", 64),
			EventBuckets:     getInt("CLICKHOUSE_EVENT_BUCKETS", 16),
		},
		Kafka: KafkaConfig{
			Brokers:            getSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			SecurityEventTopic: getEnv("KAFKA_SECURITY_EVENT_TOPIC", "auth.security-events"),
			BatchTimeout:       getDuration("KAFKA_BATCH_TIMEOUT", 100*time.Millisecond),
			RequiredAcks:       getInt("KAFKA_REQUIRED_ACKS", 1),
		},
		RateLimit: RateLimitConfig{
			IP:     ScopeLimit{MaxAttempts: getInt("RATE_LIMIT_IP_MAX", 10), Window: getDuration("RATE_LIMIT_IP_WINDOW", 15*time.Minute)},
			User:   ScopeLimit{MaxAttempts: getInt("RATE_LIMIT_USER_MAX", 5), Window: getDuration("RATE_LIMIT_USER_WINDOW", 30*time.Minute)},
			Global: ScopeLimit{MaxAttempts: getInt("RATE_LIMIT_GLOBAL_MAX", 1000), Window: getDuration("RATE_LIMIT_GLOBAL_WINDOW", 5*time.Minute)},
			BlockDurations: getDurations("RATE_LIMIT_BLOCK_DURATIONS", []time.Duration{
				15 * time.Minute,
				30 * time.Minute,
				60 * time.Minute,
				120 * time.Minute,
				240 * time.Minute,
				480 * time.Minute,
			}),
			EscalationReset:      getDuration("RATE_LIMIT_ESCALATION_RESET", 24*time.Hour),
			FailedAttemptLogSize: getInt("FAILED_ATTEMPT_LOG_SIZE", 50),
			FailedAttemptTTL:     getDuration("FAILED_ATTEMPT_TTL", 24*time.Hour),
		},
		Risk: RiskConfig{
			WeightFailedAttempts: getInt("RISK_WEIGHT_FAILED_ATTEMPTS", 30),
			WeightNewLocation:    getInt("RISK_WEIGHT_NEW_LOCATION", 25),
			WeightNewDevice:      getInt("RISK_WEIGHT_NEW_DEVICE", 20),
			WeightUnusualTime:    getInt("RISK_WEIGHT_UNUSUAL_TIME", 15),
			WeightSuspiciousIP:   getInt("RISK_WEIGHT_SUSPICIOUS_IP", 35),
			WeightBotBehavior:    getInt("RISK_WEIGHT_BOT_BEHAVIOR", 25),
			ThresholdLow:         getInt("RISK_THRESHOLD_LOW", 30),
			ThresholdMedium:      getInt("RISK_THRESHOLD_MEDIUM", 60),
			ThresholdHigh:        getInt("RISK_THRESHOLD_HIGH", 80),
			ImmediateActionScore: getInt("RISK_IMMEDIATE_ACTION_SCORE", 85),
			Require2FAScore:      getInt("RISK_REQUIRE_2FA_SCORE", 60),
			HistoryLookback:      getDuration("RISK_HISTORY_LOOKBACK", 30*24*time.Hour),
			SuspiciousNetworks: getPrefixes("RISK_SUSPICIOUS_NETWORKS", []netip.Prefix{
				netip.MustParsePrefix("192.42.116.0/24"),
				netip.MustParsePrefix("185.220.100.0/24"),
			}),
		},
		Session: SessionConfig{
			InternalUserDuration:      getDuration("SESSION_INTERNAL_DURATION", 24*time.Hour),
			InstitutionalUserDuration: getDuration("SESSION_INSTITUTIONAL_DURATION", 8*time.Hour),
			AutoExtendThreshold:       getDuration("SESSION_AUTO_EXTEND_THRESHOLD", time.Hour),
			MaxSessionsPerPrincipal:   getInt("SESSION_MAX_PER_PRINCIPAL", 10),
			CacheTTLSlack:             getDuration("SESSION_CACHE_TTL_SLACK", 5*time.Minute),
		},
		TwoFactor: TwoFactorConfig{
			TempSessionDuration:    getDuration("TEMP_SESSION_DURATION", 10*time.Minute),
			TempSessionMaxAttempts: getInt("TEMP_SESSION_MAX_ATTEMPTS", 3),
			TOTPDigits:             getInt("TOTP_DIGITS", 6),
			TOTPPeriod:             uint(getInt("TOTP_PERIOD", 30)),
			TOTPSkewLogin:          uint(getInt("TOTP_SKEW_LOGIN", 2)),
			TOTPSkewSetup:          uint(getInt("TOTP_SKEW_SETUP", 1)),
			BackupCodeCount:        getInt("BACKUP_CODE_COUNT", 10),
			BackupCodeExpiry:       getDuration("BACKUP_CODE_EXPIRY", 365*24*time.Hour),
			ForceForAdmin:          getBool("FORCE_2FA_FOR_ADMIN", true),
		},
		Crypto: CryptoConfig{
			SessionMasterKey:     getEnv("SESSION_MASTER_KEY", ""),
			SessionSalt:          getEnv("SESSION_KEY_SALT", "auth-core-session-v1"),
			TokenMasterKey:       getEnv("TOKEN_MASTER_KEY", ""),
			TokenSalt:            getEnv("TOKEN_KEY_SALT", "auth-core-token-v1"),
			SessionIterations:    getInt("SESSION_KEY_ITERATIONS", 100000),
			TokenIterations:      getInt("TOKEN_KEY_ITERATIONS", 150000),
			AllowLegacyPlaintext: getBool("ALLOW_LEGACY_PLAINTEXT", false),
		},
		Token: TokenConfig{
			SigningKey:               getEnv("JWT_SIGNING_KEY", ""),
			Issuer:                   getEnv("JWT_ISSUER", "auth-core"),
			AccessTokenDuration:      getDuration("ACCESS_TOKEN_DURATION", 15*time.Minute),
			RefreshTokenDuration:     getDuration("REFRESH_TOKEN_DURATION", 30*24*time.Hour),
			RefreshRotationThreshold: getDuration("REFRESH_ROTATION_THRESHOLD", 7*24*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints that a misconfigured
// deployment would otherwise only surface at request time.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if len(c.Crypto.SessionMasterKey) < 32 {
			return fmt.Errorf("SESSION_MASTER_KEY must be at least 32 characters in production")
		}
		if len(c.Crypto.TokenMasterKey) < 32 {
			return fmt.Errorf("TOKEN_MASTER_KEY must be at least 32 characters in production")
		}
		if len(c.Token.SigningKey) < 32 {
			return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 characters in production")
		}
		if c.Crypto.AllowLegacyPlaintext {
			return fmt.Errorf("ALLOW_LEGACY_PLAINTEXT must not be enabled in production")
		}
	}

	if len(c.RateLimit.BlockDurations) == 0 {
		return fmt.Errorf("rate limit block durations must not be empty")
	}
	for i := 1; i < len(c.RateLimit.BlockDurations); i++ {
		if c.RateLimit.BlockDurations[i] <= c.RateLimit.BlockDurations[i-1] {
			return fmt.Errorf("rate limit block durations must be strictly ascending")
		}
	}

	if !(c.Risk.ThresholdLow < c.Risk.ThresholdMedium && c.Risk.ThresholdMedium < c.Risk.ThresholdHigh) {
		return fmt.Errorf("risk thresholds must be strictly ascending (low < medium < high)")
	}
	if c.Risk.ImmediateActionScore < c.Risk.ThresholdHigh {
		return fmt.Errorf("immediate action score must not be below the high risk threshold")
	}

	if c.TwoFactor.TempSessionDuration <= 0 || c.TwoFactor.TempSessionMaxAttempts <= 0 {
		return fmt.Errorf("temp session duration and attempt budget must be positive")
	}
	if c.Session.AutoExtendThreshold >= c.Session.InstitutionalUserDuration {
		return fmt.Errorf("auto extend threshold must be shorter than the shortest session duration")
	}

	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurations parses a comma-separated duration list. A single bad
// entry discards the whole value in favor of the default.
func getDurations(key string, defaultValue []time.Duration) []time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []time.Duration
	for _, p := range strings.Split(value, ",") {
		parsed, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return defaultValue
		}
		out = append(out, parsed)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// getPrefixes parses a comma-separated CIDR list the same way.
func getPrefixes(key string, defaultValue []netip.Prefix) []netip.Prefix {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []netip.Prefix
	for _, p := range strings.Split(value, ",") {
		parsed, err := netip.ParsePrefix(strings.TrimSpace(p))
		if err != nil {
			return defaultValue
		}
		out = append(out, parsed)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
