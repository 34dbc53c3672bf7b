// Command sams-aggregator drains collector output files into a
// partitioned store backend, grounded on
// original_source/sams-aggregator.py's Main.start() load/aggregate/commit
// loop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hpc2n/softwareaccounting/pkg/config"
	"github.com/hpc2n/softwareaccounting/pkg/health"
	"github.com/hpc2n/softwareaccounting/pkg/log"
	"github.com/hpc2n/softwareaccounting/pkg/loader"
	"github.com/hpc2n/softwareaccounting/pkg/metrics"
	"github.com/hpc2n/softwareaccounting/pkg/registry"
	"github.com/hpc2n/softwareaccounting/pkg/store"
	"github.com/hpc2n/softwareaccounting/pkg/store/boltstore"
	"github.com/hpc2n/softwareaccounting/pkg/store/sqlstore"
)

var (
	configPath string
	logLevel   string
	once       bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sams-aggregator",
	Short: "Load per-job collector output into a partitioned accounting store",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "/etc/sams/sams-aggregator.yaml", "configuration file path")
	rootCmd.Flags().StringVar(&logLevel, "loglevel", "", "override core.loglevel from the config file")
	rootCmd.Flags().BoolVar(&once, "once", false, "run a single load/aggregate/commit pass and exit, rather than looping")
}

// fileLoader is the subset of loader.File/SlurmInfoFallback the aggregator
// loop needs.
type fileLoader interface {
	Load() error
	Next() (map[string]interface{}, error)
	Error() error
	Commit() error
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := logLevel
	if level == "" {
		level = cfg.GetString("core.loglevel", "info")
	}
	log.Init(log.Config{Level: log.Level(level), JSONOutput: cfg.GetBool("core.log_json", false)})
	logger := log.WithComponent("aggregator")

	ld, err := buildLoader(cfg)
	if err != nil {
		return err
	}

	backendRegistry := buildStoreRegistry(cfg)
	backendTag := cfg.GetString("core.backend", "sqlite")
	backend, err := backendRegistry.Build(backendTag)
	if err != nil {
		return fmt.Errorf("aggregator: resolve backend %q: %w", backendTag, err)
	}
	defer backend.Close()

	interval := time.Duration(cfg.GetInt("core.poll_interval", 60)) * time.Second

	status := health.NewStatus()
	healthCfg := health.Config{Retries: 3}
	if addr := cfg.GetString("core.healthz_bind", ""); addr != "" {
		serveHealthz(addr, status, logger)
	}

	if src, ok := backend.(metrics.BacklogSource); ok {
		collector := metrics.NewCollector(src)
		collector.Start()
		defer collector.Stop()
	}

	for {
		passErr := aggregate(context.Background(), ld, backend, logger)
		if passErr != nil {
			logger.Error().Err(passErr).Msg("aggregate pass failed")
		}
		status.Update(passErrResult(passErr), healthCfg)

		if once {
			return passErr
		}
		time.Sleep(interval)
	}
}

func passErrResult(err error) health.Result {
	if err == nil {
		return health.Result{Healthy: true, Message: "aggregate pass ok", CheckedAt: time.Now()}
	}
	return health.Result{Healthy: false, Message: err.Error(), CheckedAt: time.Now()}
}

// serveHealthz exposes the aggregator's last-pass status and the Prometheus
// scrape endpoint, so it can run as a long-lived daemon behind a monitoring
// system rather than only as a cron-invoked --once job.
func serveHealthz(addr string, status *health.Status, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})

	go func() {
		logger.Info().Str("addr", addr).Msg("healthz/metrics listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Msg("healthz server stopped")
		}
	}()
}

// aggregate loads every pending file, aggregates it into backend, moving
// each file to archive/error as it goes, then finalizes job rollups once
// the queue is drained, matching the original's Main.start() body.
func aggregate(ctx context.Context, ld fileLoader, backend store.Store, logger zerolog.Logger) error {
	if err := ld.Load(); err != nil {
		return fmt.Errorf("aggregator: load: %w", err)
	}

	count := 0
	for {
		record, err := ld.Next()
		if err != nil {
			logger.Error().Err(err).Msg("failed to read record")
			if err := ld.Error(); err != nil {
				logger.Error().Err(err).Msg("failed to move record to error path")
			}
			continue
		}
		if record == nil {
			break
		}

		timer := metrics.NewTimer()
		err = backend.Aggregate(ctx, record)
		timer.ObserveDuration(metrics.AggregateDuration)
		if err != nil {
			metrics.RecordErrorsTotal.Inc()
			logger.Error().Err(err).Msg("failed to aggregate record")
			if err := ld.Error(); err != nil {
				logger.Error().Err(err).Msg("failed to move record to error path")
			}
			continue
		}

		if err := ld.Commit(); err != nil {
			return fmt.Errorf("aggregator: commit: %w", err)
		}
		metrics.RecordsAggregatedTotal.Inc()
		count++
	}

	logger.Info().Int("records", count).Msg("aggregate pass complete")
	return backend.Finalize(ctx)
}

func buildLoader(cfg *config.Config) (fileLoader, error) {
	loaderCfg := cfg.Sub("sams.aggregator.loader")

	base, err := loader.NewFile(loaderCfg)
	if err != nil {
		return nil, err
	}

	if cfg.GetBool("sams.aggregator.loader.slurminfo_fallback", false) {
		return loader.NewSlurmInfoFallback(loaderCfg.Sub("fallback"), base), nil
	}
	return base, nil
}

func buildStoreRegistry(cfg *config.Config) *registry.Registry[store.Store] {
	reg := registry.New[store.Store]()

	reg.Register("sqlite", func() store.Store {
		dbPath := cfg.GetString("sams.backend.SoftwareAccounting.db_path", "/var/lib/sams/db")
		hashSize := int64(cfg.GetInt("sams.backend.SoftwareAccounting.jobid_hash_size", 1000))
		cluster := cfg.GetString("sams.backend.SoftwareAccounting.cluster", "cluster")
		return sqlstore.New(dbPath, hashSize, cluster)
	})
	reg.Register("bolt", func() store.Store {
		dbPath := cfg.GetString("sams.backend.SoftwareAccounting.db_path", "/var/lib/sams/db")
		hashSize := int64(cfg.GetInt("sams.backend.SoftwareAccounting.jobid_hash_size", 1000))
		cluster := cfg.GetString("sams.backend.SoftwareAccounting.cluster", "cluster")
		return boltstore.New(dbPath, hashSize, cluster)
	})

	return reg
}
