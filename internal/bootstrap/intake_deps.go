package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"intake_server/adapter/out/lock"
	"intake_server/adapter/out/persistence"
	"intake_server/adapter/out/provider"
	"intake_server/adapter/out/storage"
	"intake_server/config"
	"intake_server/core/agent/llm"
	"intake_server/core/port/out"
	"intake_server/core/service/account"
	"intake_server/core/service/classification"
	"intake_server/core/service/ingestion"
	"intake_server/core/service/visibility"
	"intake_server/infra/database"
	"intake_server/pkg/cache"
	"intake_server/pkg/crypto"
	"intake_server/pkg/logger"
	"intake_server/pkg/resilience"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

type Dependencies struct {
	Config *config.Config
	DB     *sqlx.DB
	// Redis is nil when REDIS_URL is not set.
	Redis *redis.Client

	// Repositories
	AccountRepo    *persistence.AccountAdapter
	MessageRepo    *persistence.MessageAdapter
	AttachmentRepo *persistence.AttachmentAdapter
	ProjectRepo    *persistence.ProjectAdapter

	AttachmentStore *storage.AttachmentStore

	// Services
	AccountService    *account.Service
	Orchestrator      *ingestion.Orchestrator
	Processor         *classification.Processor
	VisibilityService *visibility.Service
}

// NewDependencies opens storage, migrates the schema and wires every
// service. The returned cleanup closes connections in reverse order.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	if err := persistence.Migrate(ctx, db); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	logger.WithField("driver", cfg.DatabaseDriver).Info("Database connected and migrated")

	var locker out.AccountLocker
	if cfg.RedisURL != "" {
		rdb, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		deps.Redis = rdb
		cleanups = append(cleanups, func() { rdb.Close() })
		locker = lock.NewRedisLocker(rdb)
		logger.Info("Redis connected, ingestion leases are shared")
	} else {
		locker = lock.NewMemoryLocker()
		logger.Warn("REDIS_URL not set, ingestion leases are process-local")
	}

	// Repositories
	deps.AccountRepo = persistence.NewAccountAdapter(db)
	deps.MessageRepo = persistence.NewMessageAdapter(db)
	deps.AttachmentRepo = persistence.NewAttachmentAdapter(db)
	deps.ProjectRepo = persistence.NewProjectAdapter(db)

	// Ingestion
	factory := provider.NewFactory(provider.FactoryConfig{})
	deps.AttachmentStore = storage.NewAttachmentStore(cfg.AttachmentsDir)
	deps.Orchestrator = ingestion.NewOrchestrator(factory, deps.MessageRepo, deps.AttachmentRepo, deps.AttachmentStore)
	deps.AccountService = account.NewService(
		deps.AccountRepo,
		crypto.NewVault(),
		cfg.CredentialsSecret,
		deps.Orchestrator,
		locker,
		cfg.IngestLockTTL,
	)

	// Classification
	var model out.ClassificationModel
	if cfg.OpenAIAPIKey != "" {
		model = llm.NewClientWithConfig(llm.ClientConfig{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     cfg.LLMModel,
			MaxTokens: cfg.LLMMaxTokens,
			Timeout:   cfg.LLMTimeout(),
		})
	} else {
		logger.Warn("OPENAI_API_KEY not set, every message will get the fallback verdict")
	}
	breaker := resilience.NewBreaker(resilience.DefaultBreakerConfig("classifier"), func(err error) bool {
		return errors.Is(err, context.Canceled)
	})
	var candidates out.ProjectRepository = deps.ProjectRepo
	if deps.Redis != nil && cfg.ProjectCacheTTL > 0 {
		candidates = persistence.NewCachedProjects(deps.ProjectRepo, cache.NewRedisCache(deps.Redis, "intake:"), cfg.ProjectCacheTTL)
	}
	deps.Processor = classification.NewProcessor(
		deps.MessageRepo,
		candidates,
		classification.NewClassifier(model, breaker),
		cfg.ClassifyThrottle,
	)

	deps.VisibilityService = visibility.NewService(deps.MessageRepo, deps.AttachmentRepo, deps.ProjectRepo)

	return deps, cleanup, nil
}
