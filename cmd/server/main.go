package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gorilla/mux"
	"github.com/qcom/phoneauth/internal/clock"
	"github.com/qcom/phoneauth/internal/config"
	"github.com/qcom/phoneauth/internal/db"
	"github.com/qcom/phoneauth/internal/db/migrate"
	"github.com/qcom/phoneauth/internal/handlers"
	"github.com/qcom/phoneauth/internal/idempotency"
	"github.com/qcom/phoneauth/internal/kv"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/qcom/phoneauth/internal/middleware"
	"github.com/qcom/phoneauth/internal/ratelimit"
	"github.com/qcom/phoneauth/internal/repository"
	"github.com/qcom/phoneauth/internal/service"
	"github.com/qcom/phoneauth/internal/sms"
	"github.com/qcom/phoneauth/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Expired challenges younger than this still report EXPIRED instead of
// NO_CODE.
const challengeRetention = 24 * time.Hour

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
	}
	if cfg.OTP.ExposeCode {
		logger.Warn("OTP_EXPOSE_CODE is enabled; codes are returned to callers and never sent")
	}

	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, &cfg.Telemetry)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}

	m := metrics.New()
	clk := clock.System{}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Endpoint,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Rate limits fail open and idempotency reports unavailable until
		// Redis comes back.
		logger.WithError(err).Warn("Redis is not reachable at startup")
	}
	store := kv.NewRedis(rdb, "phoneauth:", cfg.Database.Timeout)

	conn, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open database")
	}
	if err := migrate.Up(ctx, conn, cfg.Database.Driver); err != nil {
		logger.WithError(err).Fatal("Failed to apply migrations")
	}
	sqlStore := repository.NewSQLStore(conn, cfg.Database.Driver, cfg.Database.Timeout)

	otpRepo := repository.NewOTPRepository(sqlStore, logger)
	refreshTokenRepo := repository.NewRefreshTokenRepository(sqlStore, logger)

	accounts, err := initAccounts(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize account directory")
	}

	jwtService, err := service.NewJWTService(&cfg.JWT, clk, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize JWT service")
	}

	otpService := service.NewOTPService(service.OTPDeps{
		Repo:     otpRepo,
		Limiter:  ratelimit.NewLimiter(store, clk, logger, m),
		Cooldown: ratelimit.NewCooldown(store, clk, logger, m, cfg.RateLimit.FailClosed),
		Sender:   sms.NewLogSender(logger),
		Clock:    clk,
		Metrics:  m,
	}, &cfg.OTP, &cfg.RateLimit, logger)
	refreshTokenService := service.NewRefreshTokenService(refreshTokenRepo, cfg.JWT.RefreshHashKey, clk, logger, m)
	sessionService := service.NewSessionService(otpService, jwtService, refreshTokenService, accounts, &cfg.Session, logger, m)

	var idemStore kv.Store = store
	if cfg.Idempotency.LocalFallback {
		logger.Warn("IDEMPOTENCY_LOCAL_FALLBACK is enabled; replays are not shared across instances while Redis is down")
		idemStore = kv.NewFallback(store, kv.NewMemory(clk), logger, func(op string) {
			m.Degraded("idempotency_" + op)
		})
	}
	idemCache := idempotency.NewCache(idemStore, clk, logger, m, idempotency.Options{Secret: cfg.JWT.RefreshHashKey})

	authHandlers := handlers.NewAuthHandlers(sessionService, logger)
	authMiddleware := middleware.NewAuthMiddleware(jwtService, logger)
	idem := middleware.Idempotency(idemCache, cfg.Idempotency.TTL, logger)
	router := setupRouter(cfg, authHandlers, authMiddleware, idem, m, logger)

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	go runJanitor(janitorCtx, otpRepo, clk, cfg.Server.JanitorInterval, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	stopJanitor()
	closeAll(shutdownCtx, logger, conn, rdb, shutdownTracing)

	logger.Info("Server exited")
}

func closeAll(ctx context.Context, logger *logrus.Logger, conn *sql.DB, rdb *redis.Client, shutdownTracing func(context.Context) error) {
	if err := conn.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close database")
	}
	if err := rdb.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close redis client")
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
}

func initAccounts(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (service.Accounts, error) {
	if cfg.Session.AccountsBackend == config.AccountsMemory {
		logger.Warn("Using in-memory account directory; accounts are lost on restart")
		return repository.NewMemoryUserRepository(), nil
	}

	client, err := initDynamoDB(ctx, &cfg.DynamoDB, logger)
	if err != nil {
		return nil, err
	}
	return repository.NewUserRepository(client, cfg.DynamoDB.TableName, logger), nil
}

func initDynamoDB(ctx context.Context, cfg *config.DynamoDBConfig, logger *logrus.Logger) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	logger.WithField("table", cfg.TableName).Info("DynamoDB client initialized")
	return client, nil
}

// runJanitor purges long-expired challenges until ctx is cancelled.
func runJanitor(ctx context.Context, repo *repository.OTPRepository, clk clock.Clock, interval time.Duration, logger *logrus.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.DeleteExpired(ctx, clk.Now().Add(-challengeRetention))
			if err != nil {
				logger.WithError(err).Warn("Failed to purge expired challenges")
				continue
			}
			if n > 0 {
				logger.WithField("deleted", n).Info("Purged expired challenges")
			}
		}
	}
}

func setupRouter(
	cfg *config.Config,
	authHandlers *handlers.AuthHandlers,
	authMiddleware *middleware.AuthMiddleware,
	idem func(http.Handler) http.Handler,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.CORSMiddleware(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.LoggingMiddleware(logger))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET", "OPTIONS")
	router.Handle("/metrics", m.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()

	auth := api.PathPrefix("/auth").Subrouter()
	auth.Handle("/initiate-otp", idem(http.HandlerFunc(authHandlers.InitiateOTP))).Methods("POST", "OPTIONS")
	auth.Handle("/verify-otp", idem(http.HandlerFunc(authHandlers.VerifyOTP))).Methods("POST", "OPTIONS")
	auth.Handle("/register", idem(http.HandlerFunc(authHandlers.Register))).Methods("POST", "OPTIONS")
	auth.Handle("/refresh", idem(http.HandlerFunc(authHandlers.RefreshToken))).Methods("POST", "OPTIONS")
	auth.HandleFunc("/logout", authHandlers.Logout).Methods("POST", "OPTIONS")

	protected := api.PathPrefix("/").Subrouter()
	protected.Use(authMiddleware.RequireAuth)
	protected.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		claims, _ := middleware.ClaimsFromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"user_id": claims.UID,
			"phone":   claims.Phone,
		})
	}).Methods("GET")

	return router
}
