package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/wellness/internal/config"
	"github.com/ehr/wellness/internal/domain/survey"
	"github.com/ehr/wellness/internal/platform/auth"
	"github.com/ehr/wellness/internal/platform/db"
	"github.com/ehr/wellness/internal/platform/draftstore"
	"github.com/ehr/wellness/internal/platform/events"
	"github.com/ehr/wellness/internal/platform/middleware"
	"github.com/ehr/wellness/internal/platform/telemetry"
	"github.com/ehr/wellness/internal/platform/upstream"
	"github.com/ehr/wellness/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "wellness-server",
		Short: "Patient wellness questionnaire API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrationsFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationsFS(dir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsFS(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the built-in PHQ and profile question catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := survey.Seed(ctx, survey.NewQuestionRepoPG(pool), survey.Catalog())
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d question(s).\n", n)
			return nil
		},
	}
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.IsDev() {
		logger.Warn().Msg("ENV=development: requests without a token are attributed to the X-Dev-Patient header")
	}

	ctx := context.Background()

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = openPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
	}

	var backend survey.Backend
	switch cfg.QuestionSource {
	case config.SourceUpstream:
		backend = upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamToken, cfg.UpstreamTimeout,
			logger.With().Str("component", "upstream").Logger())
		logger.Info().Str("base_url", cfg.UpstreamBaseURL).Msg("using upstream question source")
	default:
		backend = survey.NewLocalBackend(survey.NewQuestionRepoPG(pool), survey.NewResponseRepoPG(pool),
			logger.With().Str("component", "scoring").Logger())
		logger.Info().Msg("using local question source")
	}

	var drafts survey.DraftStore
	if cfg.RedisURL != "" {
		rdb, err := draftstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		drafts = draftstore.NewRedisStore(rdb, cfg.DraftTTL)
		logger.Info().Msg("drafts stored in redis")
	} else {
		drafts = draftstore.NewMemoryStore()
		logger.Warn().Msg("REDIS_URL is empty, drafts are kept in memory")
	}

	publisher, err := events.NewPublisher(cfg.AMQPURL, cfg.EventsExchange, logger.With().Str("component", "events").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start event publisher")
	}
	defer publisher.Close()

	metrics := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "wellness-server",
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
	})
	metrics.Describe(survey.MetricSessionsCreated, "Survey sessions created.")
	metrics.Describe(survey.MetricSessionsActive, "Survey sessions held in memory.")
	metrics.Describe(survey.MetricRoundsSubmitted, "Survey rounds submitted by outcome.")
	metrics.Describe(survey.MetricFailures, "Failed question loads and submissions.")
	metrics.Describe(survey.MetricProfilesSaved, "Profile questionnaires saved.")
	if pool != nil {
		metrics.RegisterCollector(func(p *telemetry.Provider) {
			st := pool.Stat()
			p.SetGauge("db_pool_active_connections", int64(st.AcquiredConns()))
			p.SetGauge("db_pool_idle_connections", int64(st.IdleConns()))
		})
	}

	svc := survey.NewService(backend, drafts, publisher, logger.With().Str("component", "survey").Logger())
	svc.SetProfilePageSize(cfg.ProfilePageSize)
	svc.SetDefaultDeviceType(cfg.ValidicDeviceType)
	svc.SetMetrics(metrics)
	svc.SetIdleTTL(cfg.SessionIdleTTL)
	svc.SetMaxSessionsPerPatient(cfg.MaxSessions)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevPatientHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", metrics.PrometheusHandler())

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	if cfg.AuthSigningKey == "" {
		jwtCfg.SigningKey = nil
	}

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(&jwtCfg))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	survey.NewHandler(svc).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
