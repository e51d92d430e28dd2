// Command copilotd is the Operational Copilot Core's HTTP entrypoint:
// it loads configuration, wires every component (C1-C11), and binds
// the result to the chi router defined in internal/httpapi. It
// contains no business logic of its own.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/prodplan-one/copilot-core/internal/config"
	"github.com/prodplan-one/copilot-core/internal/domainclient"
	"github.com/prodplan-one/copilot-core/internal/httpapi"
	"github.com/prodplan-one/copilot-core/internal/telemetry"
	"github.com/prodplan-one/copilot-core/pkg/contextbuilder"
	"github.com/prodplan-one/copilot-core/pkg/conversation"
	"github.com/prodplan-one/copilot-core/pkg/guardrail"
	"github.com/prodplan-one/copilot-core/pkg/insights"
	"github.com/prodplan-one/copilot-core/pkg/modelgateway"
	"github.com/prodplan-one/copilot-core/pkg/notify"
	"github.com/prodplan-one/copilot-core/pkg/orchestrator"
	"github.com/prodplan-one/copilot-core/pkg/promptrenderer"
	"github.com/prodplan-one/copilot-core/pkg/ratelimit"
	"github.com/prodplan-one/copilot-core/pkg/retrieval"
)

func main() {
	configPath := os.Getenv("COPILOTD_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	bootLogger, _ := telemetry.NewLogger("info", "console")
	watcher, cfg, err := config.NewWatcher(configPath, bootLogger)
	if err != nil {
		bootLogger.Fatal("copilotd: failed to load config", zap.Error(err))
	}
	defer watcher.Close()

	logger, err := telemetry.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		bootLogger.Fatal("copilotd: failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	model, err := modelgateway.NewHTTPClient(modelgateway.Config{
		ModelName:         cfg.Model.Name,
		Endpoint:          cfg.Model.Endpoint,
		EmbeddingEndpoint: cfg.Model.EmbeddingEndpoint,
		Timeout:           cfg.Model.Timeout,
		FailThreshold:     uint32(cfg.Model.CircuitFailThreshold),
		CooldownSeconds:   cfg.Model.CircuitCooldownSecond,
	}, logger)
	if err != nil {
		logger.Fatal("copilotd: failed to build model gateway", zap.Error(err))
	}

	pgxPool, err := pgxpool.New(context.Background(), cfg.Retrieval.DSN)
	if err != nil {
		logger.Fatal("copilotd: failed to open postgres pool", zap.Error(err))
	}
	defer pgxPool.Close()

	sqlxDB, err := sqlx.Connect("pgx", cfg.Retrieval.DSN)
	if err != nil {
		logger.Fatal("copilotd: failed to open sqlx connection", zap.Error(err))
	}
	defer sqlxDB.Close()

	retrievalStore := retrieval.NewPostgresStore(
		sqlxDB, cfg.Retrieval.EmbeddingDim,
		retrieval.Weights{Lexical: cfg.Retrieval.LexicalWeight, Vector: cfg.Retrieval.VectorWeight},
		cfg.Retrieval.CandidateSize,
	)

	domainBaseURL := os.Getenv("ERP_API_BASE_URL")
	domainReader := domainclient.New(domainBaseURL, 10*time.Second)

	contextBuilder := contextbuilder.New(domainReader, domainReader, domainReader, contextbuilder.Limits{
		MaxOrders:      cfg.Context.MaxOrders,
		MaxErrors:      cfg.Context.MaxErrors,
		MaxAllocations: cfg.Context.MaxAllocations,
		SoftCapBytes:   cfg.Context.SoftCapBytes,
		HardCapBytes:   cfg.Context.HardCapBytes,
	})

	renderer, err := promptrenderer.New(cfg.Model.Name)
	if err != nil {
		logger.Fatal("copilotd: failed to build prompt renderer", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.Rate.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Rate.RedisAddr})
	}
	// watcher doubles as the live Source/LiveOptionsSource: its
	// PerHour/PerDay/LowTrustThreshold/RedactEmployeeNames methods
	// already track the hot-reloaded config file.
	limiter := ratelimit.NewWithSource(redisClient, watcher, logger)

	convoStore := conversation.New(pgxPool)

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	orch := &orchestrator.Orchestrator{
		Model:           model,
		Retrieval:       retrievalStore,
		Context:         contextBuilder,
		Renderer:        renderer,
		Conversation:    convoStore,
		RateLimiter:     limiter,
		FastPathEnabled: cfg.Features.FastPathEnabled,
		WallClockBudget: cfg.Rate.WallClockBudget,
		GuardrailOpts: guardrail.Options{
			LowTrustThreshold:   cfg.Guardrail.LowTrustThreshold,
			RedactEmployeeNames: cfg.Guardrail.RedactEmployeeNames,
		},
		GuardrailSource: watcher,
		Logger:          logger,
		Metrics:         metrics,
	}

	if cfg.Features.SlackWebhookEnabled {
		wireSlackNotifications(orch, cfg, logger)
	}

	handlers := &httpapi.Handlers{
		Orchestrator:   orch,
		Model:          model,
		Conversation:   convoStore,
		RateLimits:     watcher,
		ModelName:      cfg.Model.Name,
		EmbeddingModel: cfg.Model.Name,
		Logger:         logger,
	}
	router := httpapi.NewRouter(handlers)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: router,
	}

	go func() {
		logger.Info("copilotd: listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("copilotd: server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("copilotd: graceful shutdown failed", zap.Error(err))
	}
}

// wireSlackNotifications runs a daily_feedback pass once a day for
// every tenant in DAILY_FEEDBACK_TENANT_IDS and delivers the result to
// Slack -- additive only, daily_feedback stays pollable regardless.
func wireSlackNotifications(orch *orchestrator.Orchestrator, cfg *config.Config, logger *zap.Logger) {
	if cfg.SlackWebhookURL == "" {
		logger.Warn("copilotd: slack delivery enabled but SLACK_WEBHOOK_URL is empty, skipping")
		return
	}
	channelID := os.Getenv("SLACK_CHANNEL_ID")
	token := os.Getenv("SLACK_BOT_TOKEN")
	redactor := guardrail.Redactor{Enabled: cfg.Guardrail.RedactEmployeeNames}
	slackNotifier := notify.NewSlackNotifier(token, channelID, redactor, logger)

	tenantIDs := strings.Split(os.Getenv("DAILY_FEEDBACK_TENANT_IDS"), ",")
	go runDailyFeedbackLoop(orch, slackNotifier, tenantIDs, logger)
}

func runDailyFeedbackLoop(orch *orchestrator.Orchestrator, notifier *notify.SlackNotifier, tenantIDs []string, logger *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		for _, tenantID := range tenantIDs {
			tenantID = strings.TrimSpace(tenantID)
			if tenantID == "" {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			fb, err := insights.DailyFeedback(ctx, orch, tenantID, time.Time{})
			if err != nil {
				logger.Warn("copilotd: daily feedback generation failed", zap.String("tenant_id", tenantID), zap.Error(err))
				cancel()
				continue
			}
			if err := notifier.DeliverDailyFeedback(ctx, fb); err != nil {
				logger.Warn("copilotd: daily feedback delivery failed", zap.String("tenant_id", tenantID), zap.Error(err))
			}
			cancel()
		}
	}
}

