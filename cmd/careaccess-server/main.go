package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careaccess/careaccess/internal/config"
	"github.com/careaccess/careaccess/internal/domain/access"
	"github.com/careaccess/careaccess/internal/domain/audit"
	"github.com/careaccess/careaccess/internal/domain/challenge"
	"github.com/careaccess/careaccess/internal/domain/delegation"
	"github.com/careaccess/careaccess/internal/domain/directory"
	"github.com/careaccess/careaccess/internal/platform/auth"
	"github.com/careaccess/careaccess/internal/platform/db"
	"github.com/careaccess/careaccess/internal/platform/middleware"
	"github.com/careaccess/careaccess/internal/platform/notification"
)

// patientContactResolver adapts the directory service to the
// notification.ContactResolver interface, avoiding a circular import between
// the notification and directory packages.
type patientContactResolver struct {
	dir *directory.Service
}

func (r *patientContactResolver) ContactForPatient(ctx context.Context, patientID uuid.UUID) (notification.Contact, error) {
	p, err := r.dir.GetPatient(ctx, patientID)
	if err != nil {
		return notification.Contact{}, err
	}
	var contact notification.Contact
	if p.ContactPhone != nil {
		contact.Phone = *p.ContactPhone
	}
	if p.ContactEmail != nil {
		contact.Email = *p.ContactEmail
	}
	return contact, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "careaccess-server",
		Short: "Care-team access and consent authorization server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the access authorization API server",
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
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.Drifted {
						status = "drifted"
					}
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Use Atlas CLI for migration rollback: atlas schema apply --dir migrations/")
			return nil
		},
	})

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: tenant_%s\n", name)
			if err := db.CreateTenantSchema(ctx, pool, name, ""); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully. Run: careaccess-server migrate up --schema tenant_" + name)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// reconcileCmd runs one reconciliation sweep: delegations past their expiry
// are deactivated and consent requests whose challenge lapsed are marked
// EXPIRED. Meant to be invoked from cron; all transitions are also applied
// lazily on read, so a missed run only delays the persisted state.
func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Persist expired delegations and lapsed consent requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			batchSize, _ := cmd.Flags().GetInt("batch-size")

			logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			// The sweep runs against a single tenant schema per invocation.
			if _, err := pool.Exec(ctx, "SET search_path TO "+schema); err != nil {
				return fmt.Errorf("set search_path to %s: %w", schema, err)
			}

			svcs, err := buildCore(cfg, pool, logger)
			if err != nil {
				return err
			}

			stats, err := svcs.delegations.Reconcile(ctx, batchSize)
			if err != nil {
				return fmt.Errorf("reconcile failed: %w", err)
			}

			logger.Info().
				Int64("delegations_deactivated", stats.DelegationsDeactivated).
				Int("consents_expired", stats.ConsentsExpired).
				Msg("reconciliation sweep complete")
			return nil
		},
	}
	cmd.Flags().String("schema", "tenant_default", "Tenant schema to reconcile")
	cmd.Flags().Int("batch-size", 500, "Maximum pending consents to examine per sweep")
	return cmd
}

// core bundles the wired domain services shared by serve and reconcile.
type core struct {
	directory   *directory.Service
	delegations *delegation.Service
	auditor     *audit.Service
	evaluator   *access.Evaluator
	notifier    *notification.NotificationManager
}

func buildCore(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*core, error) {
	orgRepo := directory.NewOrganizationRepoPG(pool)
	clinRepo := directory.NewClinicianRepoPG(pool)
	patientRepo := directory.NewPatientRepoPG(pool)
	dirSvc := directory.NewService(orgRepo, clinRepo, patientRepo)

	auditSvc := audit.NewService(audit.NewRepoPG(pool), logger)

	engine, err := challenge.NewEngine(challenge.NewRepoPG(pool), challenge.Options{
		CodeLength:  cfg.OTPCodeLength,
		TTL:         cfg.OTPTTL(),
		MaxAttempts: cfg.OTPMaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("configure challenge engine: %w", err)
	}

	// Notifications go to the log outside production; real SMS and email
	// providers plug in behind the same interfaces.
	var emailSender notification.EmailSender = &notification.LogEmailSender{Logger: logger}
	var smsSender notification.SMSSender = &notification.LogSMSSender{Logger: logger}
	notifier := notification.NewNotificationManager(emailSender, smsSender, notification.NewTemplateEngine())
	codeSender := notification.NewConsentCodeSender(notifier, &patientContactResolver{dir: dirSvc})

	delegationSvc := delegation.NewService(
		delegation.NewRepoPG(pool),
		dirSvc,
		engine,
		codeSender,
		auditSvc,
		logger,
		delegation.Options{DelegationTTL: cfg.DelegationTTL()},
	)

	evaluator := access.NewEvaluator(dirSvc, delegationSvc, auditSvc, logger, cfg.AccessAuditSampleEvery)

	return &core{
		directory:   dirSvc,
		delegations: delegationSvc,
		auditor:     auditSvc,
		evaluator:   evaluator,
		notifier:    notifier,
	}, nil
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
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.SanitizeWithLogger(logger))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "X-Break-Glass"},
	}))

	// Auth middleware; the revoker lets admins cut sessions before expiry.
	revocations := auth.NewSessionRevoker()
	defer revocations.Close()
	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
			Revoker:  revocations,
		}))
	}

	// Break-glass emergency override; must come after auth.
	e.Use(middleware.BreakGlass(logger))

	// Tenant middleware
	e.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))

	// HTTP access audit trail (structured log; the domain audit trail is
	// written by the services themselves).
	e.Use(middleware.Audit(logger))

	// API group
	apiV1 := e.Group("/api/v1")

	// Rate limiting middleware
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Per-actor quotas keyed on the authenticated identity.
	quotas := middleware.NewActorQuotaLimiter()
	apiV1.Use(middleware.ActorQuota(quotas))

	// ETag / conditional request support on reads.
	apiV1.Use(middleware.ETagMiddleware(middleware.DefaultCacheConfig()))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Domain services
	svcs, err := buildCore(cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire services")
	}

	// Routes
	directory.NewHandler(svcs.directory).RegisterRoutes(apiV1)
	delegation.NewHandler(svcs.delegations).RegisterRoutes(apiV1)
	access.NewHandler(svcs.evaluator).RegisterRoutes(apiV1)
	audit.NewHandler(svcs.auditor).RegisterRoutes(apiV1)
	notification.NewNotificationHandler(svcs.notifier).RegisterRoutes(apiV1)

	// Session revocation management
	auth.RegisterRevocationRoutes(apiV1, revocations)

	// Per-actor quotas on top of the burst limiter, with admin management.
	quotaCtx, quotaCancel := context.WithCancel(ctx)
	defer quotaCancel()
	quotas.StartCleanup(quotaCtx, 10*time.Minute)
	middleware.NewQuotaHandler(quotas).RegisterRoutes(apiV1.Group("", auth.RequireRole("admin")))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		var startErr error
		if cfg.TLSEnabled {
			startErr = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			startErr = e.Start(addr)
		}
		if startErr != nil && startErr != http.ErrServerClosed {
			logger.Fatal().Err(startErr).Msg("server error")
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
