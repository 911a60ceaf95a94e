package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/imroc/req/v3"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quorumlabs/councilproxy/internal/config"
	"github.com/quorumlabs/councilproxy/internal/domain"
	"github.com/quorumlabs/councilproxy/internal/handler"
	"github.com/quorumlabs/councilproxy/internal/pkg/httpclient"
	"github.com/quorumlabs/councilproxy/internal/pkg/logger"
	"github.com/quorumlabs/councilproxy/internal/provider/anthropic"
	"github.com/quorumlabs/councilproxy/internal/provider/embedding"
	"github.com/quorumlabs/councilproxy/internal/provider/openai"
	"github.com/quorumlabs/councilproxy/internal/repository"
	"github.com/quorumlabs/councilproxy/internal/server"
	"github.com/quorumlabs/councilproxy/internal/service"
)

func main() {
	logger.InitBootstrap()

	cfg, err := config.Load()
	if err != nil {
		logger.L().Fatal("failed to load config", zap.Error(err))
	}
	if err := logger.Init(logger.OptionsFromConfig(cfg.Log)); err != nil {
		logger.L().Fatal("failed to init logger", zap.Error(err))
	}
	defer logger.Sync()

	loc, err := cfg.Location()
	if err != nil {
		logger.L().Fatal("invalid timezone", zap.Error(err))
	}

	// Storage.
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		logger.L().Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.L().Fatal("database unreachable", zap.Error(err))
	}
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.L().Fatal("redis unreachable", zap.Error(err))
	}

	// Repositories.
	budgetRepo := repository.NewBudgetRepository(db)
	pricingRepo := repository.NewPricingRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	toolUsageRepo := repository.NewToolUsageRepository(db)
	configRepo := repository.NewConfigRepository(db)
	coordCache := repository.NewIdempotencyCache(rdb)
	pricingCache := repository.NewPricingCache(rdb)

	// Outbound HTTP.
	outboundClient, err := httpclient.GetClient(httpclient.Options{
		ProxyURL:              cfg.Providers.ProxyURL,
		ResponseHeaderTimeout: 60 * time.Second,
	})
	if err != nil {
		logger.L().Fatal("failed to build outbound http client", zap.Error(err))
	}

	// Services.
	budgetSvc := service.NewBudgetService(budgetRepo, loc)
	pricingSvc := service.NewPricingService(pricingRepo, pricingCache, cfg.Budget.DefaultEstimatedCost)
	idempotencySvc := service.NewIdempotencyService(coordCache, time.Duration(cfg.Idempotency.TTLSeconds)*time.Second)

	pool := service.NewProviderPool()
	if cfg.Providers.AnthropicAPIKey != "" {
		adapter, err := anthropic.NewFromAPIKey(cfg.Providers.AnthropicAPIKey, outboundClient)
		if err != nil {
			logger.L().Fatal("failed to build anthropic adapter", zap.Error(err))
		}
		pool.RegisterAdapter(domain.PlatformAnthropic, adapter)
	}
	if cfg.Providers.OpenAIAPIKey != "" {
		adapter, err := openai.NewFromAPIKey(cfg.Providers.OpenAIAPIKey, outboundClient)
		if err != nil {
			logger.L().Fatal("failed to build openai adapter", zap.Error(err))
		}
		pool.RegisterAdapter(domain.PlatformOpenAI, adapter)
	}
	for _, upstream := range cfg.Providers.Compat {
		adapter, err := openai.NewCompat(upstream.Name, upstream.BaseURL, upstream.APIKey, outboundClient)
		if err != nil {
			logger.L().Fatal("failed to build compat adapter",
				zap.String("upstream", upstream.Name), zap.Error(err))
		}
		pool.RegisterAdapter(upstream.Name, adapter)
	}

	embeddingKey := cfg.Embedding.APIKey
	if embeddingKey == "" {
		embeddingKey = cfg.Providers.OpenAIAPIKey
	}
	var embedder service.EmbeddingClient
	if embeddingKey != "" {
		embedder, err = embedding.NewFromAPIKey(embeddingKey, outboundClient)
		if err != nil {
			logger.L().Fatal("failed to build embedding client", zap.Error(err))
		}
	}

	iterativeSvc := service.NewIterativeSynthesizer(pool, embedder)
	synthesisSvc := service.NewSynthesisService(embedder, pool)

	toolHTTPClient := req.C().
		SetUserAgent(cfg.Providers.UserAgent).
		SetTimeout(time.Duration(cfg.Tools.DefaultTimeoutSeconds) * time.Second)
	toolEngine := service.NewToolEngine(toolHTTPClient, toolUsageRepo,
		time.Duration(cfg.Tools.DefaultTimeoutSeconds)*time.Second)

	configSvc := service.NewConfigService(configRepo, cfg.CouncilSnapshot())
	orchestrator := service.NewOrchestrator(idempotencySvc, budgetSvc, pricingSvc, pool, synthesisSvc, iterativeSvc, auditRepo)

	scheduler := service.NewSchedulerService(budgetSvc, coordCache, rdb, loc,
		cfg.Budget.RotationEnabled,
		time.Duration(cfg.Idempotency.SweepIntervalMin)*time.Minute)
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP server.
	gin.SetMode(cfg.Server.Mode)
	engine := gin.New()
	server.SetupRouter(engine, &server.Handlers{
		Council: handler.NewCouncilHandler(orchestrator, configSvc),
		Config:  handler.NewConfigHandler(configSvc),
		System:  handler.NewSystemHandler(pool, toolEngine),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		logger.L().Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L().Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.L().Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.L().Error("forced shutdown", zap.Error(err))
	}
}
