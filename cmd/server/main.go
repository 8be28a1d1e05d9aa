package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zonegate/zonegate/internal/api"
	"github.com/zonegate/zonegate/internal/app"
	"github.com/zonegate/zonegate/internal/app/maintenance"
	iauth "github.com/zonegate/zonegate/internal/auth"
	"github.com/zonegate/zonegate/internal/codestore"
	"github.com/zonegate/zonegate/internal/database"
	"github.com/zonegate/zonegate/internal/middleware"
	"github.com/zonegate/zonegate/internal/services"
	"github.com/zonegate/zonegate/pkg/logger"
	"github.com/zonegate/zonegate/pkg/mail"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("zonegate-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	if err := ensureSecretsPresent(cfg); err != nil {
		return err
	}

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	store, redisClient, err := initialiseCodeStore(ctx, cfg, db, log)
	if err != nil {
		return err
	}
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         cfg.Auth.JWT.Secret,
		Issuer:         cfg.Auth.JWT.Issuer,
		AccessTokenTTL: cfg.Auth.JWT.TTL,
	})
	if err != nil {
		return fmt.Errorf("initialise jwt service: %w", err)
	}

	directory, err := services.NewGormDirectory(db)
	if err != nil {
		return fmt.Errorf("initialise user directory: %w", err)
	}

	zoneSvc, err := services.NewZoneService(db, cfg.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("initialise zone service: %w", err)
	}

	inviteOpts := []services.InvitationOption{
		services.WithInvitationExpiry(cfg.Invitations.Expiry),
		services.WithParallelism(cfg.Invitations.Parallelism),
	}
	if cfg.Email.SMTP.Enabled {
		mailer, mailErr := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
		if mailErr != nil {
			log.Warn("smtp unavailable; invitation email delivery disabled", zap.Error(mailErr))
		} else {
			inviteOpts = append(inviteOpts, services.WithMailer(mailer))
			log.Info("smtp configured", zap.String("host", cfg.Email.SMTP.Host))
		}
	}

	inviteSvc, err := services.NewInvitationService(store, directory, zoneSvc, inviteOpts...)
	if err != nil {
		return fmt.Errorf("initialise invitation service: %w", err)
	}

	cleaner := maintenance.NewCleaner(store, db,
		maintenance.WithCodeSchedule(cfg.Maintenance.CodeSchedule),
		maintenance.WithPendingSchedule(cfg.Maintenance.PendingUserSchedule),
		maintenance.WithPendingRetentionDays(cfg.Maintenance.PendingRetentionDays),
	)
	if err := cleaner.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	defer func() {
		stopCtx := cleaner.Stop()
		if err := cleaner.RunOnce(stopCtx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}()

	// Basic rate limiting: 100 requests/minute per IP+path.
	limiter := middleware.NewRateLimiter(100, time.Minute)
	defer limiter.Stop()

	router, err := api.NewRouter(db, jwtService, cfg, inviteSvc, zoneSvc, limiter)
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func ensureSecretsPresent(cfg *app.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Auth.JWT.Secret = strings.TrimSpace(cfg.Auth.JWT.Secret)
	if cfg.Auth.JWT.Secret == "" {
		return errors.New("auth.jwt.secret must be configured")
	}

	if strings.TrimSpace(cfg.Server.BaseURL) == "" {
		return errors.New("server.base_url must be configured")
	}

	return nil
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.DatabaseSettings()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

// initialiseCodeStore prefers Redis for expiring codes when configured and
// reachable, falling back to the relational store otherwise.
func initialiseCodeStore(ctx context.Context, cfg *app.Config, db *gorm.DB, log *zap.Logger) (codestore.Store, *redis.Client, error) {
	if cfg.Redis.Enabled {
		client := redis.NewClient(cfg.Redis.ClientOptions())

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()

		if err != nil {
			log.Warn("redis unavailable; falling back to database code store", zap.Error(err))
			_ = client.Close()
		} else {
			store, storeErr := codestore.NewRedisStore(client, codestore.WithRedisCodeLength(cfg.Invitations.CodeLength))
			if storeErr != nil {
				_ = client.Close()
				return nil, nil, fmt.Errorf("initialise redis code store: %w", storeErr)
			}
			log.Info("redis connected", zap.String("addr", cfg.Redis.Address))
			return store, client, nil
		}
	}

	store, err := codestore.NewDatabaseStore(db, codestore.WithCodeLength(cfg.Invitations.CodeLength))
	if err != nil {
		return nil, nil, fmt.Errorf("initialise database code store: %w", err)
	}
	return store, nil, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("close database", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("close database", zap.Error(err))
	}
}
