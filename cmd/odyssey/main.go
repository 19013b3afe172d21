package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-inventory/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-inventory/internal/app"
	"github.com/odyssey-erp/odyssey-inventory/internal/inventory"
	"github.com/odyssey-erp/odyssey-inventory/internal/observability"
	"github.com/odyssey-erp/odyssey-inventory/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-inventory/internal/platform/db"
	"github.com/odyssey-erp/odyssey-inventory/internal/shared"
	"github.com/odyssey-erp/odyssey-inventory/internal/stockreport"
	"github.com/odyssey-erp/odyssey-inventory/jobs"
)

const usage = `usage: odyssey [command]

commands:
  serve                                   run the HTTP API (default)
  migrate                                 apply pending schema migrations
  reconcile --variant N --warehouse N     verify one stock key
  reconcile --all [--concurrency N]       verify every stock key
  jobs trigger [--delay D] <name>         enqueue a job now
  jobs inspect                            show default queue state
`

func main() {
	if app.SkipStartup(slog.Default(), "odyssey") {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	cmd, args := "serve", []string(nil)
	if len(os.Args) > 1 {
		cmd, args = os.Args[1], os.Args[2:]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		err = migrate(ctx, cfg, logger)
	case "reconcile":
		code := reconcile(ctx, cfg, logger, args)
		stop()
		os.Exit(code)
	case "jobs":
		err = jobsCommand(ctx, cfg, args, os.Stdout)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error(cmd+" failed", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}

func openPool(ctx context.Context, cfg *app.Config) (*pgxpool.Pool, error) {
	return db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
}

func migrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		return err
	}
	logger.Info("migrations applied", slog.Int("count", len(applied)), slog.Any("files", applied))
	return nil
}

func reconcile(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	opts := cli.ReconcileOptions{}
	fs.Int64Var(&opts.VariantID, "variant", 0, "variant id")
	fs.Int64Var(&opts.WarehouseID, "warehouse", 0, "warehouse id")
	fs.BoolVar(&opts.All, "all", false, "reconcile every stock key")
	fs.IntVar(&opts.Concurrency, "concurrency", cfg.ReconcileConcurrency, "parallel keys for --all")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON summary")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	svc := inventory.NewService(inventory.NewRepository(pool), nil, nil, inventory.ServiceConfig{
		MaxRetries: cfg.InventoryMaxRetries,
		Logger:     logger,
	}, nil)
	command, err := cli.NewReconcileCLI(svc)
	if err != nil {
		logger.Error("init reconcile", slog.Any("error", err))
		return 1
	}
	return command.ReconcileCommand(ctx, opts)
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("jobs: expected trigger or inspect")
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() { _ = jobsCLI.Close() }()

	switch args[0] {
	case "trigger":
		fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
		var opts cli.TriggerOptions
		fs.DurationVar(&opts.Delay, "delay", 0, "process after this delay")
		fs.IntVar(&opts.MaxRetry, "max-retry", 3, "retry budget")
		fs.DurationVar(&opts.Unique, "unique", 0, "drop duplicates queued inside this window")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("jobs trigger: exactly one task name required")
		}
		info, err := jobsCLI.Trigger(ctx, fs.Arg(0), opts)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "inspect":
		queues, err := jobsCLI.InspectQueues(ctx)
		if err != nil {
			return err
		}
		for _, stats := range queues {
			_, _ = fmt.Fprintf(out, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
				stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
		}
		scheduled, err := jobsCLI.ListScheduled(ctx, 10)
		if err != nil {
			return err
		}
		for _, task := range scheduled {
			_, _ = fmt.Fprintf(out, "  %s %s at %s\n", task.ID, task.Type, task.NextProcessAt.Format(time.RFC3339))
		}
	default:
		return fmt.Errorf("jobs: unknown subcommand %s", args[0])
	}
	return nil
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	dbpool, err := openPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cache.Options{PoolSize: cfg.RedisPoolSize})
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	reportCache := stockreport.NewCache(redisClient, cfg.ReportCacheTTL)
	if err := reportCache.ListenForInvalidation(ctx, ""); err != nil {
		logger.Warn("report cache subscribe", slog.Any("error", err))
	}
	reportService := stockreport.NewService(stockreport.NewRepository(dbpool), reportCache, cfg.InventoryExpiryWindowDays)
	reportHandler := stockreport.NewHandler(logger, reportService)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	inventoryService := inventory.NewService(inventory.NewRepository(dbpool), auditLogger, idempotencyStore, inventory.ServiceConfig{
		MaxRetries:       cfg.InventoryMaxRetries,
		ExpiryWindowDays: cfg.InventoryExpiryWindowDays,
		Logger:           logger,
		Metrics:          metrics,
		Notifier:         reportCache,
	}, jobs.NewEventPublisher(jobClient))
	inventoryHandler := inventory.NewHandler(logger, inventoryService).WithAuditTrail(auditLogger)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		InventoryHandler: inventoryHandler,
		ReportHandler:    reportHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}
