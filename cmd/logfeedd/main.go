// logfeedd is the log ingestion daemon. It reads newline-delimited JSON
// records from stdin (the shape any shipper can produce), feeds them through
// the ingestion pipeline, and serves queries and Prometheus metrics to its
// collaborators.
package main

import (
	"bufio"
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/logfeed/internal/archive"
	"github.com/xtxerr/logfeed/internal/config"
	"github.com/xtxerr/logfeed/internal/errors"
	"github.com/xtxerr/logfeed/internal/filter"
	"github.com/xtxerr/logfeed/internal/idgen"
	"github.com/xtxerr/logfeed/internal/logging"
	"github.com/xtxerr/logfeed/internal/metrics"
	"github.com/xtxerr/logfeed/internal/pipeline"
	"github.com/xtxerr/logfeed/internal/record"
	"github.com/xtxerr/logfeed/internal/replication"
	"github.com/xtxerr/logfeed/internal/retention"
	"github.com/xtxerr/logfeed/internal/shard"
	"github.com/xtxerr/logfeed/internal/store"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	machineID := flag.Int64("machine-id", -1, "machine id (overrides config)")
	metricsListen := flag.String("metrics-listen", "", "metrics listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("No config file found, using defaults")
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *machineID >= 0 {
		cfg.MachineID = *machineID
	}
	if *metricsListen != "" {
		cfg.MetricsListen = *metricsListen
	}

	level := parseLogLevel(cfg.Logging.Level)
	logging.Init(level, cfg.Logging.JSON)
	logger := logging.Component("main")
	logger.Info("logfeedd starting", "version", Version, "machine_id", cfg.MachineID)

	p, ret, cleanup, err := build(cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	if ret != nil {
		ret.Start()
		defer ret.Stop()
	}

	if cfg.MetricsListen != "" {
		go serveMetrics(cfg.MetricsListen, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ingestStdin(ctx, p, logger)

	snapshot := p.Stats()
	logger.Info("logfeedd stopping",
		"received", snapshot.Received,
		"accepted", snapshot.Accepted,
		"rejected", snapshot.Rejected,
		"failed", snapshot.Failed)
}

// build assembles the pipeline from configuration.
func build(cfg *config.Config) (*pipeline.Pipeline, *retention.Manager, func(), error) {
	gen, err := idgen.New(cfg.MachineID, idgen.Options{
		ClockTolerance: cfg.Generator.ClockTolerance.Duration(),
		SequenceWait:   cfg.Generator.SequenceWait.Duration(),
	})
	if err != nil {
		return nil, nil, nil, err
	}

	chain, err := filter.BuildChain(cfg.Filters, nil)
	if err != nil {
		return nil, nil, nil, err
	}

	factory := storeFactory(cfg)
	sets, err := shard.NewStaticTopology(cfg.Sharding.Shards, cfg.Sharding.Replicas, factory)
	if err != nil {
		return nil, nil, nil, err
	}

	policy, err := shard.ParsePolicy(cfg.Sharding.Policy)
	if err != nil {
		return nil, nil, nil, err
	}
	router, err := shard.NewRouter(policy, cfg.Sharding.TimeBucket.Duration(), sets)
	if err != nil {
		return nil, nil, nil, err
	}

	repl := replication.New(replication.Options{
		MaxAttempts: cfg.Replication.MaxAttempts,
		BackoffBase: cfg.Replication.BackoffBase.Duration(),
		LagAccuracy: cfg.Replication.LagAccuracy,
	})

	p := pipeline.New(gen, chain, router, repl, pipeline.Options{})

	var ret *retention.Manager
	if cfg.Retention.Enabled {
		opts := retention.Options{
			MaxAge:   cfg.Retention.MaxAge.Duration(),
			Interval: cfg.Retention.Interval.Duration(),
		}
		if cfg.Retention.ArchiveDir != "" {
			opts.Archiver = archive.NewArchiver(cfg.Retention.ArchiveDir,
				archive.Options{Compression: cfg.Retention.ArchiveCompression})
		}
		ret = retention.New(router, opts)
	}

	cleanup := func() {
		if err := repl.Close(); err != nil {
			logging.Component("main").Warn("replicator close", "error", err)
		}
		for _, s := range router.Stores() {
			s.Close()
		}
	}

	return p, ret, cleanup, nil
}

func storeFactory(cfg *config.Config) func(id string) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "duckdb":
		return func(id string) (store.Store, error) {
			if err := os.MkdirAll(cfg.Storage.Dir, 0755); err != nil {
				return nil, err
			}
			return store.NewDuckDB(filepath.Join(cfg.Storage.Dir, id+".db"))
		}
	default:
		return func(id string) (store.Store, error) {
			return store.NewMemory(cfg.Storage.MaxRecords), nil
		}
	}
}

// ingestStdin reads newline-delimited JSON records until EOF or signal.
func ingestStdin(ctx context.Context, p *pipeline.Pipeline, logger *slog.Logger) {
	var parser record.Parser
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		raw, err := parser.ParseRaw(line)
		if err != nil {
			logger.Warn("unparseable record",
				"error", err, "validation", errors.IsValidation(err))
			continue
		}

		outcome := p.Submit(ctx, raw)
		if outcome.Kind == pipeline.OutcomeFailed {
			logger.Error("submission failed",
				"error", outcome.Err, "retriable", errors.IsRetriable(outcome.Err))
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("stdin read", "error", err)
	}
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	logger.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server", "error", err)
	}
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
