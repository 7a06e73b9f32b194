package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cwgis/entityuid-sync/internal/config"
	"github.com/cwgis/entityuid-sync/internal/observability"
	"github.com/cwgis/entityuid-sync/runlog"
	"github.com/cwgis/entityuid-sync/state"
	"github.com/cwgis/entityuid-sync/uidsync"
)

func main() {
	if err := config.LoadDotEnv(os.Getenv("ENV_FILE")); err != nil {
		fmt.Fprintf(os.Stderr, "env: %v\n", err)
		os.Exit(1)
	}

	command, args := "run", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	switch command {
	case "run":
		if err := runSync(args); err != nil {
			fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
			os.Exit(1)
		}
	case "serve":
		if err := runServe(args); err != nil {
			fmt.Fprintf(os.Stderr, "serve failed: %v\n", err)
			os.Exit(1)
		}
	case "history":
		if err := runHistory(args); err != nil {
			fmt.Fprintf(os.Stderr, "history failed: %v\n", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: entityuid-sync [run|serve|history] [flags]")
}

type commonFlags struct {
	databaseURL *string
	logPath     *string
	s3Bucket    *string
	s3Prefix    *string
	s3Region    *string
	timeout     *time.Duration
	dryRun      *bool
}

func registerCommon(flags *flag.FlagSet) commonFlags {
	return commonFlags{
		databaseURL: flags.String("database-url", os.Getenv("DATABASE_URL"), "Postgres DSN for run history (optional)"),
		logPath:     flags.String("log-path", envString("RUN_LOG_PATH", runlog.DefaultName), "Run log file"),
		s3Bucket:    flags.String("s3-bucket", os.Getenv("S3_BUCKET"), "S3 bucket for run log uploads (optional)"),
		s3Prefix:    flags.String("s3-prefix", os.Getenv("S3_PREFIX"), "S3 key prefix for run log uploads"),
		s3Region:    flags.String("s3-region", os.Getenv("S3_REGION"), "S3 region for run log uploads"),
		timeout:     flags.Duration("http-timeout", envDuration("HTTP_TIMEOUT", 0), "Per-request timeout for Cityworks and ArcGIS calls (0 keeps client defaults)"),
		dryRun:      flags.Bool("dry-run", envBool("DRY_RUN", false), "Report candidate identifiers without editing layers"),
	}
}

// newRunner assembles a runner from the common flags. The returned cleanup
// closes the history database and the run log.
func newRunner(ctx context.Context, common commonFlags, metrics *observability.Metrics) (*uidsync.Runner, *state.Store, func(), error) {
	log, err := runlog.Open(*common.logPath)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() { _ = log.Close() }

	opts := uidsync.Options{
		Backends: uidsync.RemoteBackends{Timeout: *common.timeout},
		Log:      log,
		Metrics:  metrics,
		Logger:   observability.NewLogger("uidsync"),
		DryRun:   *common.dryRun,
	}

	var store *state.Store
	if *common.databaseURL != "" {
		db, err := openDB(ctx, *common.databaseURL)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		store = state.NewStore(db)
		if err := store.ApplyMigrations(ctx); err != nil {
			_ = db.Close()
			cleanup()
			return nil, nil, nil, err
		}
		opts.Recorder = store
		cleanup = func() {
			_ = log.Close()
			_ = db.Close()
		}
	}

	if *common.s3Bucket != "" {
		archiver, err := runlog.NewS3Archiver(ctx, runlog.S3Config{
			Bucket: *common.s3Bucket,
			Prefix: *common.s3Prefix,
			Region: *common.s3Region,
		})
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		opts.Archiver = archiver
	}

	return uidsync.NewRunner(opts), store, cleanup, nil
}

func runSync(args []string) error {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := flags.String("config", envString("CONFIG_PATH", config.DefaultPath), "Invocation payload file")
	pushgateway := flags.String("pushgateway", os.Getenv("PUSHGATEWAY_URL"), "Prometheus Pushgateway URL (optional)")
	common := registerCommon(flags)
	_ = flags.Parse(args)

	payload, err := config.LoadPayload(*configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	runner, _, cleanup, err := newRunner(ctx, common, metrics)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return nil
	}
	defer cleanup()

	if _, err := runner.Run(ctx, payload); err != nil {
		fmt.Printf("error: %v\n", err)
	}

	if err := observability.PushMetrics(ctx, *pushgateway, "entityuid_sync", registry); err != nil {
		observability.NewLogger("cmd").Warn("push metrics failed", "event", "push_metrics_failed", "error", err)
	}
	return nil
}

func runServe(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := flags.String("listen", envString("LISTEN_ADDR", ":8080"), "Listen address")
	common := registerCommon(flags)
	_ = flags.Parse(args)

	ctx := context.Background()
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	runner, store, cleanup, err := newRunner(ctx, common, metrics)
	if err != nil {
		return err
	}
	defer cleanup()

	var history uidsync.HistoryReader
	if store != nil {
		history = store
	}
	handler := uidsync.NewHTTPHandler(runner, history, observability.NewLogger("uidsync.http"))

	server := &http.Server{
		Addr:              *listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	observability.NewLogger("cmd").Info("server started", "event", "server_started", "listen", *listen)
	return server.ListenAndServe()
}

func runHistory(args []string) error {
	flags := flag.NewFlagSet("history", flag.ExitOnError)
	databaseURL := flags.String("database-url", os.Getenv("DATABASE_URL"), "Postgres DSN")
	limit := flags.Int("limit", envInt("HISTORY_LIMIT", 20), "Number of runs to list")
	runID := flags.String("run-id", "", "Show the layer results of a single run")
	_ = flags.Parse(args)

	if *databaseURL == "" {
		return errors.New("database-url or DATABASE_URL required")
	}

	ctx := context.Background()
	db, err := openDB(ctx, *databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := state.NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if *runID != "" {
		run, err := store.GetRun(ctx, *runID)
		if err != nil {
			return err
		}
		layers, err := store.ListLayerRuns(ctx, *runID)
		if err != nil {
			return err
		}
		return enc.Encode(struct {
			state.Run
			Layers []state.LayerRun `json:"layers"`
		}{Run: run, Layers: layers})
	}

	runs, err := store.ListRuns(ctx, *limit)
	if err != nil {
		return err
	}
	return enc.Encode(runs)
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func envString(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envInt(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(name string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(name string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
