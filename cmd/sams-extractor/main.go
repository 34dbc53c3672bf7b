// Command sams-extractor turns finalized job records sitting in the
// accounting store into namespaced XML accounting record files, grounded
// on original_source/sams-software-extractor.py's Main.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hpc2n/softwareaccounting/pkg/config"
	"github.com/hpc2n/softwareaccounting/pkg/extractor"
	"github.com/hpc2n/softwareaccounting/pkg/log"
	"github.com/hpc2n/softwareaccounting/pkg/store/sqlstore"
)

var (
	configPath string
	logLevel   string
	daemon     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sams-extractor",
	Short: "Extract finalized jobs from the accounting store as XML records",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "/etc/sams/sams-software-extractor.yaml", "configuration file path")
	rootCmd.Flags().StringVar(&logLevel, "loglevel", "", "override core.loglevel from the config file")
	rootCmd.Flags().BoolVar(&daemon, "daemon", false, "run continuously on sams.xmlwriter.File.extract_interval instead of a single pass")
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

	dbPath := cfg.GetString("sams.backend.SoftwareAccounting.db_path", "/var/lib/sams/db")
	hashSize := int64(cfg.GetInt("sams.backend.SoftwareAccounting.jobid_hash_size", 1000))
	cluster := cfg.GetString("sams.backend.SoftwareAccounting.cluster", "cluster")
	source := sqlstore.New(dbPath, hashSize, cluster)
	defer source.Close()

	ex := extractor.New(cfg, source)

	ctx := context.Background()
	if daemon {
		return ex.RunScheduled(ctx, cfg)
	}
	return ex.Run(ctx)
}
