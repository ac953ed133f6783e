package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kioskfleet/fleet/internal/config"
	"github.com/kioskfleet/fleet/internal/handlers"
	"github.com/kioskfleet/fleet/internal/observability"
	"github.com/kioskfleet/fleet/internal/repository"
	"github.com/kioskfleet/fleet/internal/services"
)

const (
	serviceName    = "kioskfleet-server"
	serviceVersion = "1.0.0"
)

func fatalf(format string, args ...interface{}) {
	observability.Errorf(format, args...)
	os.Exit(1)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatalf("Failed to load configuration: %v", err)
	}

	// kioskfleet-server migrate up|down
	if len(os.Args) > 2 && os.Args[1] == "migrate" {
		if !cfg.UsePostgres() {
			fatalf("migrate requires DATABASE_URL")
		}
		if err := repository.MigratePostgres(cfg.DatabaseURL, os.Args[2]); err != nil {
			fatalf("Migration failed: %v", err)
		}
		observability.Infof("Migration %s complete", os.Args[2])
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetry, err := observability.Initialize(ctx, observability.NewConfig(serviceName, serviceVersion, observability.ComponentServer))
	if err != nil {
		fatalf("Failed to initialize telemetry: %v", err)
	}

	httpMetrics, err := observability.NewHTTPMetrics()
	if err != nil {
		fatalf("Failed to create HTTP metrics: %v", err)
	}
	fleetMetrics, err := observability.NewFleetMetrics()
	if err != nil {
		fatalf("Failed to create fleet metrics: %v", err)
	}

	var db *sql.DB
	if cfg.UsePostgres() {
		observability.Info("Using PostgreSQL database")
		db, err = repository.NewPostgresDB(cfg.DatabaseURL)
		if err != nil {
			fatalf("Failed to initialize PostgreSQL database: %v", err)
		}
	} else {
		observability.Info("Using SQLite database")
		db, err = repository.NewSQLiteDB(cfg.DatabasePath)
		if err != nil {
			fatalf("Failed to initialize SQLite database: %v", err)
		}
	}
	defer db.Close()

	// Repositories
	tokenRepo := repository.NewRegistrationTokenRepository(db)
	deviceRepo := repository.NewDeviceRepository(db)
	policyRepo := repository.NewPolicyRepository(db)
	telemetryRepo := repository.NewTelemetryRepository(db)
	userRepo := repository.NewUserRepository(db)

	// Services
	wsHub := services.NewWebSocketHub()
	go wsHub.Run(ctx)

	enrollmentService := services.NewEnrollmentService(tokenRepo, cfg.Enrollment.CodeTTL(), cfg.Enrollment.DeviceIDMode, fleetMetrics)
	policyService := services.NewPolicyService(policyRepo, deviceRepo, fleetMetrics)
	policyService.SetNotifier(wsHub)
	telemetryService := services.NewTelemetryService(telemetryRepo, fleetMetrics)
	authService := services.NewAuthService(userRepo, telemetryService, fleetMetrics)

	if cfg.Security.SeedAdminPassword != "" {
		if _, err := authService.SeedAdmin(ctx, cfg.Security.SeedAdminPassword); err != nil {
			observability.Warnf("Failed to seed admin account: %v", err)
		}
	}
	if cfg.Security.APIKey == "" {
		observability.Warn("API_KEY is not set, operator endpoints will reject every request")
	}

	maintenanceService := services.NewMaintenanceService(enrollmentService, cfg.Maintenance.Interval())
	if cfg.Maintenance.Enabled {
		maintenanceService.Start()
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		ServiceName:  serviceName,
		APIKey:       cfg.Security.APIKey,
		APIKeyHeader: cfg.Security.APIKeyHeader,
		AccessLog:    true,
		HTTPMetrics:  httpMetrics,
		Enrollment:   enrollmentService,
		Policies:     policyService,
		Telemetry:    telemetryService,
		Auth:         authService,
		Hub:          wsHub,
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		observability.Infof("Kiosk fleet server starting on %s", cfg.ServerAddress)
		observability.Infof("Device id mode: %s, code ttl: %s", cfg.Enrollment.DeviceIDMode, cfg.Enrollment.CodeTTL())

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	observability.Info("Shutting down server...")

	maintenanceService.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		observability.Errorf("Server forced to shutdown: %v", err)
	}
	cancel()

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		observability.Warnf("Telemetry shutdown: %v", err)
	}

	observability.Info("Server stopped")
}
