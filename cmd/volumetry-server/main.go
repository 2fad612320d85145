package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/medimg/volumetry/internal/domain/monitor"
	"github.com/medimg/volumetry/internal/domain/pipeline"
	"github.com/medimg/volumetry/internal/domain/remediation"
	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/domain/volumetry"
	"github.com/medimg/volumetry/internal/platform/db"
	"github.com/medimg/volumetry/internal/platform/middleware"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "volumetry-server",
		Short:        "Volumetry rule pipeline server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(remediateCmd())
	rootCmd.AddCommand(exclusionsCmd())
	rootCmd.AddCommand(periodCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(referenceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the volumetry API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// newServer builds the echo instance with every route of the API.
func newServer(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M", "64M"))
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout, "/metrics", "/health"))

	var checks []db.Check
	if a.gdb != nil {
		checks = append(checks, db.Check{Name: "database", Ping: func(ctx context.Context) error {
			sqlDB, err := a.gdb.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}})
	}
	if a.redis != nil {
		checks = append(checks, db.Check{Name: "redis", Ping: a.redis.Health})
	}
	e.GET("/health", db.HealthHandler(a.pool, checks...))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiV1 := e.Group("/api/v1")
	rules.NewHandler(a.reg).RegisterRoutes(apiV1)
	volumetry.NewHandler(a.volumetry).RegisterRoutes(apiV1)
	pipeline.NewHandler(a.executor).RegisterRoutes(apiV1)
	monitor.NewHandler(a.monitor).RegisterRoutes(apiV1)
	remediation.NewHandler(a.remediation).RegisterRoutes(apiV1)
	return e
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		l := newLogger(nil)
		l.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	a, err := newApp(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		l := newLogger(cfg)
		l.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()
	logger := a.logger

	e := newServer(a)

	if cfg.MonitorInterval > 0 {
		sched := monitor.NewScheduler(a.monitor, cfg.MonitorInterval)
		go sched.Start(ctx)
		logger.Info().Dur("interval", cfg.MonitorInterval).Msg("scheduled verification enabled")
	}

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
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
