package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/omdev04/nodepilot/internal/app/migrate"
	"github.com/omdev04/nodepilot/internal/config"
	"github.com/omdev04/nodepilot/internal/domain"
	httpx "github.com/omdev04/nodepilot/internal/http"
	"github.com/omdev04/nodepilot/internal/logger"
	"github.com/omdev04/nodepilot/internal/repository/sqlite"
	"github.com/omdev04/nodepilot/internal/service/deploy"
	"github.com/omdev04/nodepilot/internal/service/ingress"
	"github.com/omdev04/nodepilot/internal/service/materialize"
	"github.com/omdev04/nodepilot/internal/service/project"
	"github.com/omdev04/nodepilot/internal/service/registrar"
	"github.com/omdev04/nodepilot/internal/service/runner"
	"github.com/omdev04/nodepilot/internal/service/snapshot"
	"github.com/omdev04/nodepilot/internal/service/webhook"
	"github.com/omdev04/nodepilot/internal/supervisor"
	"github.com/omdev04/nodepilot/internal/ws"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New("nodepilotd", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Join(cfg.RootDir, "apps"), 0o755); err != nil {
		log.Error("failed to prepare root directory", "error", err)
		os.Exit(1)
	}

	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.RootDir, "nodepilot.db")
	}
	db, err := sqlite.Open(dbPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	mig, err := migrate.New(db, sqlite.Migrations, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := mig.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := mig.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := sqlite.New(db)
	hub := ws.NewHub(cfg.EventBuffer)

	materializer := materialize.New(cfg.GitBinary, cfg.CloneTimeout, func(project *domain.Project) (string, error) {
		return project.GitURL, nil
	}, log)
	steps := runner.New(cfg.InstallTimeout, cfg.BuildTimeout, cfg.StepOutputLimit, log)
	snapshots := snapshot.NewManager(cfg.SnapshotRetain, log)
	pm2 := supervisor.NewPM2Client(cfg.PM2Binary, log)
	reg := registrar.New(pm2, log)

	var provisioner ingress.Provisioner
	if nginx := ingress.NewNginxProvisioner(cfg.NginxConfigDir, cfg.NginxReloadCmd, log); nginx != nil {
		provisioner = nginx
	}

	deploySvc := deploy.New(repo, repo, repo, materializer, steps, snapshots, reg, provisioner, hub, log, cfg)
	provisionSvc := project.New(repo, log, cfg.EncryptionKey)
	webhookSvc := webhook.New(repo, deploySvc, log, cfg.EncryptionKey)

	// Reconcile stored project status with what the supervisor reports; the
	// daemon may have been down while processes changed state. Operators can
	// opt out when the supervisor is known to be slow to answer at boot.
	if cfg.SyncOnStart {
		deploySvc.SyncStatuses(ctx)
	}

	// The in-process limiter runs a sweep goroutine, so it is only built when
	// Redis is absent or unreachable.
	var limiter httpx.RateLimiter
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}
	if limiter == nil {
		limiter = httpx.NewMemoryRateLimiter()
	}

	router := httpx.NewRouter(log, deploySvc, provisionSvc, webhookSvc, hub, limiter, cfg.APIToken, cfg.WebhookRateLimit, db.PingContext)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("nodepilot daemon starting", "addr", cfg.Addr, "root", cfg.RootDir)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("nodepilot daemon stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
