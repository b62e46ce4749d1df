package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/colloquy/colloquy/internal/agenthost"
	"github.com/colloquy/colloquy/internal/common/config"
	"github.com/colloquy/colloquy/internal/common/httpmw"
	"github.com/colloquy/colloquy/internal/common/logger"
	"github.com/colloquy/colloquy/internal/common/tracing"
	"github.com/colloquy/colloquy/internal/conversation/repository/sqlite"
	"github.com/colloquy/colloquy/internal/db"
	"github.com/colloquy/colloquy/internal/db/dialect"
	"github.com/colloquy/colloquy/internal/events"
	"github.com/colloquy/colloquy/internal/gateway/rest"
	"github.com/colloquy/colloquy/internal/gateway/websocket"
	"github.com/colloquy/colloquy/internal/lifecycle"
	"github.com/colloquy/colloquy/internal/llm"
	"github.com/colloquy/colloquy/internal/mcpbridge"
	"github.com/colloquy/colloquy/internal/orchestrator"
	"github.com/colloquy/colloquy/internal/orchestrator/subscriptions"
	"github.com/colloquy/colloquy/internal/orchestrator/watchdog"
)

const serverName = "colloquy"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer busCleanup()

	repo, err := openRepository(cfg)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	defer repo.Close()
	log.Info("conversation store ready", zap.String("driver", storeDriver(cfg)))

	hub := subscriptions.NewHub(repo, log)
	orch := orchestrator.NewService(repo, hub, providedBus.Bus, log)

	provider := llm.NewClient(cfg.LLM)
	host := agenthost.NewHost(orch, provider, cfg.AgentHost, log)
	defer host.Close()

	manager := lifecycle.NewManager(repo, host, providedBus.Bus, log)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}
	defer manager.Close()

	if cfg.Scenarios.SeedDir != "" {
		if err := seedScenarios(ctx, repo, cfg.Scenarios.SeedDir, log); err != nil {
			log.Warn("scenario seeding incomplete", zap.Error(err))
		}
	}

	router := newRouter(log)
	websocket.NewHandler(orch, manager, log).RegisterRoutes(router)
	rest.NewHandler(orch, repo, provider, log).RegisterRoutes(router)
	if cfg.Bridge.Enabled {
		mcpbridge.New(orch, manager, cfg.Bridge, log).RegisterRoutes(router)
		log.Info("mcp bridge enabled")
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Watchdog.Enabled {
		wd := watchdog.New(orch, manager, cfg.Watchdog, log)
		g.Go(func() error {
			wd.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown failed", zap.Error(err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func newRouter(log *logger.Logger) *gin.Engine {
	if os.Getenv("COLLOQUY_ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.OtelTracing(serverName))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

// openRepository builds the conversation store for the configured driver.
// SQLite keeps a single-connection writer and a small read-only pool;
// Postgres shares one pool for both roles.
func openRepository(cfg *config.Config) (*sqlite.Repository, error) {
	if cfg.Database.Driver == "postgres" {
		sqlDB, err := db.OpenPostgres(postgresDSN(cfg.Database), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		handle := sqlx.NewDb(sqlDB, dialect.PGX)
		return sqlite.NewWithDB(handle, handle)
	}

	writerDB, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	readerDB, err := db.OpenSQLiteReader(cfg.Database.Path)
	if err != nil {
		writerDB.Close()
		return nil, err
	}
	pool := db.NewPool(
		sqlx.NewDb(writerDB, dialect.SQLite3),
		sqlx.NewDb(readerDB, dialect.SQLite3),
	)
	return sqlite.NewWithDB(pool.Writer(), pool.Reader())
}

func postgresDSN(d config.DatabaseConfig) string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

func storeDriver(cfg *config.Config) string {
	if cfg.Database.Driver == "postgres" {
		return dialect.PGX
	}
	return dialect.SQLite3
}
