// Command sams-collector runs as a Slurm job prologue/epilog-launched
// per-job supervisor: it samples the job's processes for software and
// resource usage and hands the result to one or more outputs, grounded
// on original_source/sams-collector.py's Main.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hpc2n/softwareaccounting/pkg/collector"
	"github.com/hpc2n/softwareaccounting/pkg/config"
	"github.com/hpc2n/softwareaccounting/pkg/log"
	"github.com/hpc2n/softwareaccounting/pkg/output"
	"github.com/hpc2n/softwareaccounting/pkg/registry"
	"github.com/hpc2n/softwareaccounting/pkg/resolver"
	"github.com/hpc2n/softwareaccounting/pkg/sampler"
)

var (
	configPath string
	jobID      int64
	node       string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sams-collector",
	Short: "Sample software and resource usage for one running batch job",
	RunE:  run,
}

func init() {
	hostname, _ := os.Hostname()
	if i := strings.IndexByte(hostname, '.'); i >= 0 {
		hostname = hostname[:i]
	}

	rootCmd.Flags().StringVar(&configPath, "config", "/etc/sams/sams-collector.yaml", "configuration file path")
	rootCmd.Flags().Int64Var(&jobID, "jobid", 0, "Slurm job id being sampled (required)")
	rootCmd.Flags().StringVar(&node, "node", hostname, "node name this collector runs on")
	rootCmd.Flags().StringVar(&logLevel, "loglevel", "", "override core.loglevel from the config file")
	rootCmd.MarkFlagRequired("jobid")
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

	samplerRegistry := buildSamplerRegistry(cfg)
	outputRegistry := buildOutputRegistry(cfg)

	c := collector.New(cfg, jobID, node, samplerRegistry, outputRegistry)
	return c.Run(context.Background())
}

func buildSamplerRegistry(cfg *config.Config) *registry.Registry[sampler.Sampler] {
	reg := registry.New[sampler.Sampler]()

	reg.Register("core", func() sampler.Sampler {
		return sampler.NewCore(jobID, node)
	})
	reg.Register("software", func() sampler.Sampler {
		mapper := resolver.Load(cfg, "sams.software.Regexp")
		return sampler.NewSoftware(cfg, jobID, mapper)
	})
	reg.Register("cgroup", func() sampler.Sampler {
		return sampler.NewCgroup(cfg)
	})
	reg.Register("fsstats", func() sampler.Sampler {
		return sampler.NewFSStats(cfg, jobID)
	})
	reg.Register("gpu", func() sampler.Sampler {
		return sampler.NewGPU(cfg)
	})
	reg.Register("schedulerinfo", func() sampler.Sampler {
		return sampler.NewSchedulerInfo(cfg, jobID)
	})

	return reg
}

func buildOutputRegistry(cfg *config.Config) *registry.Registry[output.Output] {
	reg := registry.New[output.Output]()

	reg.Register("file", func() output.Output {
		return output.NewFile(cfg, jobID, node)
	})
	reg.Register("http", func() output.Output {
		o, err := output.NewHTTP(cfg, jobID, node)
		if err != nil {
			log.Logger.Fatal().Err(err).Msg("failed to build http output")
		}
		if result := o.Preflight(context.Background()); !result.Healthy {
			log.Logger.Warn().Str("message", result.Message).Msg("http output receiver unreachable at startup")
		}
		return o
	})
	reg.Register("carbon", func() output.Output {
		o, err := output.NewMetric(cfg, "carbon")
		if err != nil {
			log.Logger.Fatal().Err(err).Msg("failed to build carbon output")
		}
		return o
	})
	reg.Register("collectd", func() output.Output {
		o, err := output.NewMetric(cfg, "collectd")
		if err != nil {
			log.Logger.Fatal().Err(err).Msg("failed to build collectd output")
		}
		return o
	})

	return reg
}

