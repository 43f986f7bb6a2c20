package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"circulation-backend/internal/library/ledger"
	"circulation-backend/internal/library/lending"
	"circulation-backend/internal/library/storage"
	"circulation-backend/internal/library/storage/memstore"
	"circulation-backend/internal/library/storage/mysqlstore"
	"circulation-backend/internal/platform/apidocs"
	"circulation-backend/internal/platform/auth"
	"circulation-backend/internal/platform/config"
	"circulation-backend/internal/platform/db"
	"circulation-backend/internal/platform/logging"
)

func main() {
	cfgPath := flag.String("config", config.DefaultPath, "path to config.yaml")
	flag.Parse()

	// 設定読み込み
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policy, err := lendingPolicy(cfg.Lending)
	if err != nil {
		return err
	}

	backend, accounts, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()
	logger.Info("storage ready", zap.String("mode", cfg.Mode), zap.String("storage", cfg.Storage))

	seed := make([]auth.Account, 0, len(cfg.Auth.Accounts))
	for _, a := range cfg.Auth.Accounts {
		seed = append(seed, auth.Account{ID: a.ID, PasswordHash: a.PasswordHash, Role: a.Role})
	}
	if err := auth.Seed(ctx, accounts, seed); err != nil {
		return fmt.Errorf("seed accounts: %w", err)
	}

	authSvc := auth.NewService(accounts, []byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
	eng := lending.New(backend, lending.WithPolicy(policy), lending.WithLogger(logger.Named("lending")))

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(logging.Middleware(logger.Named("http")), gin.Recovery())
	_ = r.SetTrustedProxies(nil)

	if cfg.Mode == "dev" {
		// CORS（開発中のみ必要）
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowOrigins,
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", logging.RequestIDHeader},
			ExposeHeaders:    []string{"Content-Length", "Content-Disposition", logging.RequestIDHeader},
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowCredentials: true,
		}))
		apidocs.RegisterRoutes(r)
	}

	// ヘルス
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	api := r.Group("/api")
	auth.RegisterRoutes(api, authSvc)
	lending.RegisterRoutes(api.Group("", auth.RequireAuth(authSvc.Secret())), eng)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.Cert != "" {
			logger.Info("listening", zap.String("addr", cfg.Server.Addr), zap.Bool("tls", true))
			err = srv.ListenAndServeTLS(cfg.Server.Cert, cfg.Server.Key)
		} else {
			logger.Info("listening", zap.String("addr", cfg.Server.Addr), zap.Bool("tls", false))
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func lendingPolicy(c config.LendingConfig) (ledger.Policy, error) {
	rate, err := decimal.NewFromString(c.DailyFine)
	if err != nil || rate.IsNegative() {
		return ledger.Policy{}, fmt.Errorf("config: lending.daily_fine %q is not a non-negative decimal", c.DailyFine)
	}
	loc, err := c.Location()
	if err != nil {
		return ledger.Policy{}, err
	}
	return ledger.Policy{LoanPeriod: c.LoanPeriod(), DailyRate: rate, Location: loc}, nil
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Backend, auth.AccountStore, error) {
	if cfg.Storage == "memory" {
		return memstore.New(), auth.NewMemoryStore(), nil
	}

	conn, err := db.Connect(cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	if err := mysqlstore.Migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return mysqlstore.New(conn), auth.NewStore(conn), nil
}
