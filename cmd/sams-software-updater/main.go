// Command sams-software-updater resolves software paths the aggregator
// has seen but not yet identified, and offers admin queries over already
// resolved software, grounded on original_source/sams-software-updater.py
// and original_source/sams/backend/SoftwareAccountingPW.py's
// show_software/show_undetermined/reset_path/reset_software.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hpc2n/softwareaccounting/pkg/config"
	"github.com/hpc2n/softwareaccounting/pkg/log"
	"github.com/hpc2n/softwareaccounting/pkg/resolver"
	"github.com/hpc2n/softwareaccounting/pkg/store/sqlstore"
)

var (
	configPath       string
	logLevel         string
	dryRun           bool
	testPath         string
	showPath         string
	showSoftware     string
	showUndetermined bool
	resetPath        string
	resetSoftware    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sams-software-updater",
	Short: "Resolve and inspect software identities recorded by the aggregator",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "/etc/sams/sams-software-updater.yaml", "configuration file path")
	rootCmd.Flags().StringVar(&logLevel, "loglevel", "", "override core.loglevel from the config file")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without writing it")
	rootCmd.Flags().StringVar(&testPath, "test-path", "", "resolve a single path against the rule set and print the result, without touching the store")
	rootCmd.Flags().StringVar(&showPath, "show-path", "", "list resolved software usage whose path matches this SQL LIKE pattern")
	rootCmd.Flags().StringVar(&showSoftware, "show-software", "", "list resolved software usage whose name matches this SQL LIKE pattern")
	rootCmd.Flags().BoolVar(&showUndetermined, "show-undetermined", false, "list every software path seen but not yet resolved")
	rootCmd.Flags().StringVar(&resetPath, "reset-path", "", "clear the resolved identity of every software row whose path matches this SQL LIKE pattern")
	rootCmd.Flags().StringVar(&resetSoftware, "reset-software", "", "clear the resolved identity of every software row whose name matches this SQL LIKE pattern")
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

	mapper := resolver.Load(cfg, "sams.software.Regexp")

	if testPath != "" {
		printMatch(testPath, mapper)
		return nil
	}

	dbPath := cfg.GetString("sams.backend.SoftwareAccounting.db_path", "/var/lib/sams/db")
	hashSize := int64(cfg.GetInt("sams.backend.SoftwareAccounting.jobid_hash_size", 1000))
	cluster := cfg.GetString("sams.backend.SoftwareAccounting.cluster", "cluster")
	backend := sqlstore.New(dbPath, hashSize, cluster)
	defer backend.Close()

	ctx := context.Background()

	switch {
	case showUndetermined:
		return runShowUndetermined(ctx, backend)
	case showPath != "" || showSoftware != "":
		return runShowSoftware(ctx, backend, showSoftware, showPath)
	case resetPath != "":
		return backend.ResetPath(ctx, resetPath)
	case resetSoftware != "":
		return backend.ResetSoftware(ctx, resetSoftware)
	default:
		return runUpdate(ctx, backend, mapper)
	}
}

func printMatch(path string, mapper *resolver.Resolver) {
	m, ok := mapper.Match(path)
	fmt.Printf("Testing: %s\n", path)
	if !ok {
		fmt.Println("No matching software for path.")
		return
	}
	fmt.Printf("\tSoftware     : %s\n", m.Software)
	fmt.Printf("\tVersion      : %s\n", m.Version)
	fmt.Printf("\tLocal Version: %s\n", m.VersionStr)
	fmt.Printf("\tUser Provided: %v\n", m.UserProvided)
	fmt.Printf("\tIgnore       : %v\n", m.Ignore)
}

func runUpdate(ctx context.Context, backend *sqlstore.Store, mapper *resolver.Resolver) error {
	paths, err := backend.UnresolvedPaths(ctx)
	if err != nil {
		return err
	}

	logger := log.WithComponent("software-updater")
	resolved := 0
	for _, path := range paths {
		m, ok := mapper.Match(path)
		if !ok {
			continue
		}
		if dryRun {
			resolved++
			continue
		}
		match := sqlstore.SoftwareMatch{
			Software:     m.Software,
			Version:      m.Version,
			VersionStr:   m.VersionStr,
			UserProvided: m.UserProvided,
			Ignore:       m.Ignore,
		}
		if err := backend.ResolveSoftware(ctx, path, match); err != nil {
			return err
		}
		resolved++
	}
	logger.Info().Int("total", len(paths)).Int("resolved", resolved).Bool("dry_run", dryRun).Msg("update pass complete")
	return nil
}

func runShowSoftware(ctx context.Context, backend *sqlstore.Store, softwareLike, pathLike string) error {
	rows, err := backend.ShowSoftware(ctx, softwareLike, pathLike)
	if err != nil {
		return err
	}
	for _, row := range rows {
		fmt.Printf("Path: %s\n", row.Path)
		if !row.Software.Valid {
			fmt.Println("\tSoftware is not determined")
			continue
		}
		fmt.Printf("\tSoftware     : %s\n", row.Software.String)
		fmt.Printf("\tVersion      : %s\n", row.Version.String)
		fmt.Printf("\tLocal Version: %s\n", row.VersionStr.String)
		fmt.Printf("\tUser Provided: %v\n", row.UserProvided.Bool)
		fmt.Printf("\tCore Hours   : %.1f\n", row.CoreHours/3600.0)
		fmt.Printf("\tJob Count    : %d\n", row.JobCount)
	}
	return nil
}

func runShowUndetermined(ctx context.Context, backend *sqlstore.Store) error {
	paths, err := backend.UnresolvedPaths(ctx)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}
