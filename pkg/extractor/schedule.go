package extractor

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/hpc2n/softwareaccounting/pkg/config"
	"github.com/hpc2n/softwareaccounting/pkg/log"
)

// RunScheduled starts a gocron job that calls e.Run on a fixed interval
// until ctx is cancelled, replacing the cron-driven invocation the original
// relies on (sams-software-extractor run from cron) with an in-process
// scheduler so the extractor binary can run as a long-lived daemon too.
func (e *Extractor) RunScheduled(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("extractor")

	interval := time.Duration(cfg.GetInt("sams.xmlwriter.File.extract_interval", 300)) * time.Second

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := e.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("extract pass failed")
			}
		}),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return err
	}

	scheduler.Start()
	<-ctx.Done()
	return scheduler.Shutdown()
}
