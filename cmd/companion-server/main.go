package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/oncocompanion/companion/internal/config"
	"github.com/oncocompanion/companion/internal/domain/careaccess"
	"github.com/oncocompanion/companion/internal/domain/connection"
	"github.com/oncocompanion/companion/internal/domain/dosing"
	"github.com/oncocompanion/companion/internal/domain/treatment"
	"github.com/oncocompanion/companion/internal/platform/auth"
	"github.com/oncocompanion/companion/internal/platform/caderneta"
	"github.com/oncocompanion/companion/internal/platform/db"
	"github.com/oncocompanion/companion/internal/platform/messaging"
	"github.com/oncocompanion/companion/internal/platform/middleware"
	"github.com/oncocompanion/companion/internal/platform/telemetry"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "companion-server",
		Short: "Oncology treatment companion API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
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
			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(ctx context.Context, dir string, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, dir))
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// sessionSubject runs patient and physician requests under their own row
// policies. Admin requests keep the service role.
func sessionSubject(c echo.Context) string {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok || id.HasRole(auth.RoleAdmin) {
		return ""
	}
	return id.UserID.String()
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: cfg.SigningKey(),
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()

	// Telemetry
	otelProvider, err := telemetry.InitProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTelEnabled,
		ServiceName:    cfg.OTelServiceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTelEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown failed")
		}
	}()
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create metrics")
	}

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Events
	publisher, err := messaging.NewPublisher(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to message broker")
	}
	defer publisher.Close()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.Middleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"success": true, "status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Authenticated API. Each request runs on a connection narrowed to the
	// caller by SessionMiddleware.
	apiV1 := e.Group("/api/v1",
		auth.JWTMiddleware(jwtConfig(cfg)),
		db.SessionMiddleware(pool, sessionSubject),
	)

	// Dosing calculator
	dosing.NewHandler().RegisterRoutes(apiV1)

	// Care access
	accessSvc := careaccess.NewService(careaccess.NewRepoPG(pool))
	careaccess.NewHandler(accessSvc).RegisterRoutes(apiV1)

	// Treatment plans
	treatmentSvc := treatment.NewService(treatment.NewPlanRepoPG(pool), accessSvc, publisher, metrics, logger)
	treatment.NewHandler(treatmentSvc).RegisterRoutes(apiV1)

	// External connections
	cadernetaClient := caderneta.NewClient(caderneta.Config{
		BaseURL:      cfg.CadernetaBaseURL,
		AuthorizeURL: cfg.CadernetaAuthorizeURL,
		APIKey:       cfg.CadernetaAPIKey,
		Timeout:      cfg.PartnerHTTPTimeout,
	}, metrics)
	connSvc := connection.NewService(
		connection.NewStorePG(pool),
		connection.NewStateIssuer(cfg.StateSecret(), cfg.ConnectionStateTTL),
		logger,
	)
	connSvc.RegisterPartner(connection.ProviderMinhaCaderneta, cadernetaClient)
	connSvc.SetCareAccess(accessSvc, connection.NewGrantedReaderPG(pool))
	connSvc.SetPublisher(publisher)
	connSvc.SetMetrics(metrics)
	connection.NewHandler(connSvc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
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
