package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"auth-core/internal/auth"
	"auth-core/internal/bucketing"
	"auth-core/internal/client"
	"auth-core/internal/config"
	"auth-core/internal/crypto"
	"auth-core/internal/model"
	"auth-core/internal/ratelimit"
	chrepo "auth-core/internal/repository/clickhouse"
	redisrepo "auth-core/internal/repository/redis"
	"auth-core/internal/repository/scylla"
	"auth-core/internal/risk"
	"auth-core/internal/session"
	"auth-core/internal/token"
	"auth-core/internal/totp"
	"auth-core/internal/util"
)

// Factory owns the lifecycle of every dependency: clients first, then
// repositories, then the domain layer on top. Getters construct
// lazily; Close tears down once.
type Factory struct {
	config *config.Config

	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	clickhouseClient *client.ClickHouseClient
	kafkaProducer    *client.KafkaProducer

	box     *crypto.Box
	buckets *bucketing.Manager

	rateLimitCache *redisrepo.RateLimitCache
	sessionCache   *redisrepo.SessionCache
	sessionRepo    *scylla.SessionRepository
	totpRepo       *scylla.TotpRepository
	principalRepo  *scylla.PrincipalRepository
	attemptRepo    *chrepo.AttemptRepository

	limiter      *ratelimit.Limiter
	analyzer     *risk.Analyzer
	validator    *totp.Validator
	sessionStore *session.Store
	tokenManager *token.Manager
	orchestrator *auth.Orchestrator

	closeOnce sync.Once
	closed    chan struct{}
}

func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(); err != nil {
		return nil, err
	}

	util.Info("Factory initialized",
		zap.String("environment", cfg.Environment))
	return f, nil
}

func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	if rc, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = rc
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	if sc, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = sc
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	if cc, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = cc
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	// Security events degrade to the nop notifier without a broker.
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without security events",
			zap.Error(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", zap.Error(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers() error {
	box, err := crypto.NewBox(f.config.Crypto)
	if err != nil {
		return fmt.Errorf("failed to initialize crypto box: %w", err)
	}
	f.box = box
	f.buckets = bucketing.NewManager(f.config.ClickHouse.PrincipalBuckets, f.config.ClickHouse.EventBuckets)

	util.Info("Managers initialized",
		zap.Bool("crypto_initialized", f.box != nil),
		zap.Bool("bucketing_initialized", f.buckets != nil))
	return nil
}

func (f *Factory) RateLimitCache() *redisrepo.RateLimitCache {
	if f.rateLimitCache == nil {
		f.rateLimitCache = redisrepo.NewRateLimitCache(f.redisClient)
	}
	return f.rateLimitCache
}

func (f *Factory) SessionCache() *redisrepo.SessionCache {
	if f.sessionCache == nil {
		f.sessionCache = redisrepo.NewSessionCache(f.redisClient)
	}
	return f.sessionCache
}

func (f *Factory) SessionRepository() *scylla.SessionRepository {
	if f.sessionRepo == nil {
		f.sessionRepo = scylla.NewSessionRepository(f.scyllaClient)
	}
	return f.sessionRepo
}

func (f *Factory) TotpRepository() *scylla.TotpRepository {
	if f.totpRepo == nil {
		f.totpRepo = scylla.NewTotpRepository(f.scyllaClient)
	}
	return f.totpRepo
}

func (f *Factory) PrincipalRepository() *scylla.PrincipalRepository {
	if f.principalRepo == nil {
		f.principalRepo = scylla.NewPrincipalRepository(f.scyllaClient)
	}
	return f.principalRepo
}

func (f *Factory) AttemptRepository() *chrepo.AttemptRepository {
	if f.attemptRepo == nil {
		f.attemptRepo = chrepo.NewAttemptRepository(f.clickhouseClient, f.buckets)
	}
	return f.attemptRepo
}

func (f *Factory) RateLimiter() *ratelimit.Limiter {
	if f.limiter == nil {
		f.limiter = ratelimit.NewLimiter(f.RateLimitCache(), f.config.RateLimit)
	}
	return f.limiter
}

func (f *Factory) RiskAnalyzer() *risk.Analyzer {
	if f.analyzer == nil {
		f.analyzer = risk.NewAnalyzer(f.config.Risk)
	}
	return f.analyzer
}

func (f *Factory) TotpValidator() *totp.Validator {
	if f.validator == nil {
		f.validator = totp.NewValidator(f.TotpRepository(), f.box, f.config.TwoFactor, f.config.Token.Issuer)
	}
	return f.validator
}

func (f *Factory) SessionStore() *session.Store {
	if f.sessionStore == nil {
		f.sessionStore = session.NewStore(f.SessionCache(), f.SessionRepository(), f.box,
			f.config.Session, f.config.TwoFactor)
	}
	return f.sessionStore
}

func (f *Factory) TokenManager() (*token.Manager, error) {
	if f.tokenManager == nil {
		tm, err := token.NewManager(f.config.Token)
		if err != nil {
			return nil, err
		}
		f.tokenManager = tm
	}
	return f.tokenManager, nil
}

func (f *Factory) Notifier() auth.Notifier {
	if f.kafkaProducer == nil {
		return auth.NopNotifier{}
	}
	return auth.NewKafkaNotifier(f.kafkaProducer, f.config.Kafka.SecurityEventTopic)
}

func (f *Factory) Orchestrator() (*auth.Orchestrator, error) {
	if f.orchestrator == nil {
		tm, err := f.TokenManager()
		if err != nil {
			return nil, err
		}
		f.orchestrator = auth.NewOrchestrator(
			f.RateLimiter(),
			f.RiskAnalyzer(),
			f.TotpValidator(),
			f.SessionStore(),
			tm,
			&principalStoreAdapter{repo: f.PrincipalRepository()},
			f.AttemptRepository(),
			f.Notifier(),
			f.config.Risk,
			f.config.TwoFactor,
			f.config.IsProduction(),
		)
	}
	return f.orchestrator, nil
}

// principalStoreAdapter maps the repository's sentinel onto the
// orchestrator's.
type principalStoreAdapter struct {
	repo *scylla.PrincipalRepository
}

func (a *principalStoreAdapter) FindByIdentifier(ctx context.Context, identifier string) (*model.Principal, error) {
	p, err := a.repo.GetByEmail(ctx, identifier)
	if errors.Is(err, scylla.ErrPrincipalNotFound) {
		return nil, auth.ErrPrincipalNotFound
	}
	return p, err
}

func (a *principalStoreAdapter) FindByID(ctx context.Context, id uuid.UUID, principalType model.PrincipalType) (*model.Principal, error) {
	p, err := a.repo.GetByID(ctx, id, principalType)
	if errors.Is(err, scylla.ErrPrincipalNotFound) {
		return nil, auth.ErrPrincipalNotFound
	}
	return p, err
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	} else {
		healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

// IsHealthy ignores Kafka, which is optional.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", zap.Error(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", zap.Error(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", zap.Error(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}
