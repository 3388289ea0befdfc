package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/surepool/backend/internal/config"
	"github.com/surepool/backend/internal/database"
	"github.com/surepool/backend/internal/logging"
	"github.com/surepool/backend/internal/metrics"
	mW "github.com/surepool/backend/internal/middleware"
	"github.com/surepool/backend/internal/services"
)

func main() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	viper.BindEnv("env", "ENV")
	viper.BindEnv("http.port", "HTTP_PORT")
	viper.BindEnv("metrics.port", "METRICS_PORT")
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("funding.max_amount", "FUNDING_MAX_AMOUNT")
	viper.BindEnv("fx.fallback_rate", "FX_FALLBACK_RATE")
	viper.BindEnv("settlement.split_policy", "SETTLEMENT_SPLIT_POLICY")
	viper.BindEnv("reconciliation.tolerance_eur", "RECONCILIATION_TOLERANCE_EUR")

	cfg := config.Load()

	logger, err := logging.New("syndicate-ledger", cfg.Env)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	db, err := database.InitDB()
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	redisClient := database.InitRedis(logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	fxSource := services.NewStaticRateSource(cfg.FX.StaticRates)
	fxService := services.NewFXService(fxSource, redisClient, cfg.FX, logger)
	ledgerStore := services.NewLedgerStore(db, logger)
	fundingService := services.NewFundingService(db, ledgerStore, fxService, cfg.Funding, cfg.FX, logger)
	settlementService := services.NewSettlementService(db, ledgerStore, fxService, cfg.Settlement, cfg.FX, logger)
	reconciliationService := services.NewReconciliationService(db, ledgerStore, cfg.Reconciliation, logger)
	balanceCheckService := services.NewBalanceCheckService(db, logger)
	registryService := services.NewRegistryService(db, logger)

	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.Auth(cfg.JWTSecret))

			r.Post("/funding", fundingService.HandleRecord)
			r.Get("/ledger", fundingService.HandleQueryLedger)
			r.Post("/corrections", fundingService.HandleCorrection)

			r.Post("/surebets", registryService.HandleLinkSurebet)
			r.Post("/surebets/{surebetId}/settle", settlementService.HandleSettle)
			r.Delete("/surebets/{surebetId}/legs/{betId}", registryService.HandleUnlinkLeg)

			r.Get("/reconciliation/associates", reconciliationService.HandleListAssociates)
			r.Get("/reconciliation/bookmakers", reconciliationService.HandleListBookmakers)

			r.Post("/balance-checks", balanceCheckService.HandleRecord)
			r.Get("/balance-checks", balanceCheckService.HandleList)

			r.Post("/associates", registryService.HandleCreateAssociate)
			r.Get("/associates", registryService.HandleListAssociates)
			r.Put("/associates/{id}", registryService.HandleUpdateAssociate)
			r.Delete("/associates/{id}", registryService.HandleDeleteAssociate)
			r.Post("/associates/{id}/bookmakers", registryService.HandleCreateBookmaker)
		})
	})

	metricsSrv := metrics.StartServer(cfg.MetricsPort, func(ctx context.Context) error {
		return db.PingContext(ctx)
	})

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: r,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(ctx)
}
