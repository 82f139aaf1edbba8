package llm

import (
	"log/slog"
	"net/http"

	mstream "github.com/haowjy/meridian-stream-go"

	"tollgate/internal/capabilities"
	"tollgate/internal/config"
	"tollgate/internal/domain/repositories"
	billingRepo "tollgate/internal/domain/repositories/billing"
	llmRepo "tollgate/internal/domain/repositories/llm"
	billingSvc "tollgate/internal/domain/services/billing"
	llmSvc "tollgate/internal/domain/services/llm"
	"tollgate/internal/service/auth"
	"tollgate/internal/service/billing"
	"tollgate/internal/service/llm/chat"
	"tollgate/internal/service/llm/gateway"
	"tollgate/internal/service/llm/metering"
	"tollgate/internal/service/llm/pricing"
	"tollgate/internal/service/llm/streaming"
	"tollgate/internal/service/llm/tokens"
	"tollgate/internal/service/llm/versions"
)

// Repositories is the storage backend the services run on
type Repositories struct {
	Conversations llmRepo.ConversationRepository
	Nodes         llmRepo.NodeRepository
	Balances      billingRepo.BalanceRepository
	Tx            repositories.TransactionManager
}

// Services holds every service the HTTP layer and the admin CLI use
type Services struct {
	Versions  llmSvc.VersionService
	Chat      llmSvc.ChatService
	Streaming llmSvc.StreamingService
	Balances  billingSvc.BalanceService
	Oracle    *pricing.Oracle
	Registry  *mstream.Registry
}

// SetupPricing creates the pricing oracle from config
func SetupPricing(cfg *config.Config, catalog *capabilities.Registry, logger *slog.Logger) *pricing.Oracle {
	return pricing.NewOracle(pricing.Config{
		BaseURL:         cfg.UpstreamBaseURL,
		APIKey:          cfg.UpstreamAPIKey,
		TTL:             cfg.PricingTTL,
		Currency:        cfg.LocalCurrency,
		ExchangeRate:    cfg.Rate(),
		ExchangeRateURL: cfg.ExchangeRateURL,
	}, nil, catalog, logger)
}

// SetupServices wires the version graph, metering pipeline and streaming services.
// The stream registry cleanup loop is started by the caller.
func SetupServices(repos Repositories, catalog *capabilities.Registry, cfg *config.Config, logger *slog.Logger) *Services {
	// One lock table shared by every writer of the version graph
	locks := versions.NewConversationLocks()

	versionService := versions.NewService(repos.Nodes, repos.Conversations, repos.Tx, locks, logger)
	chatService := chat.NewService(repos.Conversations, repos.Nodes, repos.Tx, locks, logger)

	oracle := SetupPricing(cfg, catalog, logger)
	if cfg.UpstreamAPIKey == "" {
		logger.Warn("UPSTREAM_API_KEY not set - completions will fail upstream")
	}
	completionGateway := gateway.NewClient(gateway.Config{
		BaseURL:           cfg.UpstreamBaseURL,
		APIKey:            cfg.UpstreamAPIKey,
		RequestsPerSecond: cfg.UpstreamRPS,
	}, &http.Client{}, logger)

	estimator := tokens.NewEstimator(cfg.TokenEncoding, logger)
	estimator.Warm()

	pipeline := metering.NewPipeline(
		versionService,
		repos.Balances,
		repos.Tx,
		completionGateway,
		oracle,
		estimator,
		locks,
		metering.Config{
			DefaultModel:     cfg.DefaultModel,
			DefaultMaxTokens: cfg.DefaultMaxTokens,
			GuardInterval:    cfg.GuardInterval,
		},
		logger,
	)

	registry := mstream.NewRegistry(
		mstream.WithCleanupInterval(streaming.DefaultCleanupInterval),
		mstream.WithRetentionPeriod(cfg.StreamRetention),
	)
	authorizer := auth.NewOwnerBasedAuthorizer(repos.Conversations, repos.Nodes)
	streamingService := streaming.NewService(versionService, pipeline, authorizer, registry, logger)

	logger.Info("services initialized",
		"default_model", cfg.DefaultModel,
		"currency", oracle.Currency(),
		"guard_interval", cfg.GuardInterval,
	)

	return &Services{
		Versions:  versionService,
		Chat:      chatService,
		Streaming: streamingService,
		Balances:  billing.NewService(repos.Balances, oracle.Currency(), logger),
		Oracle:    oracle,
		Registry:  registry,
	}
}
