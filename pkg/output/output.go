// Package output delivers accumulated per-job sampler data to its final
// destination: a JSON file on local disk, an HTTP endpoint, or a live
// metrics daemon. Adapted from original_source/sams/base.py's Output
// thread and the concrete sams.output.* modules, restyled on the
// goroutine lifecycle used throughout cuemby-warren/pkg/worker.
package output

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpc2n/softwareaccounting/pkg/fanout"
	"github.com/hpc2n/softwareaccounting/pkg/log"
	"github.com/hpc2n/softwareaccounting/pkg/metrics"
	"github.com/hpc2n/softwareaccounting/pkg/sampler"
)

// Output accumulates sampler updates for a job and, on demand, persists
// the accumulated view. Store is called for every update (live and
// final); Write is called opportunistically on a schedule plus once,
// with retries, as the job is finalized.
type Output interface {
	ID() string
	Store(samplerID string, data interface{}, final bool)
	Write(ctx context.Context) error
}

// RetryPolicy controls how many times Write is retried when the collector
// is shutting down and a final write must succeed, matching the original
// Output.exit()'s retry_count/retry_sleep loop.
type RetryPolicy struct {
	Count int
	Sleep time.Duration
}

// DefaultRetryPolicy matches the original's conservative defaults.
var DefaultRetryPolicy = RetryPolicy{Count: 3, Sleep: 5 * time.Second}

// Run consumes updates from in until the channel is closed (its Stop
// sentinel arrives) or ctx is cancelled, storing every update and writing
// out periodically plus once at the very end with retries.
func Run(ctx context.Context, out Output, in <-chan fanout.Message[sampler.Update], writeInterval time.Duration, retry RetryPolicy) {
	logger := log.WithComponent("output." + out.ID())

	ticker := time.NewTicker(writeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalWrite(ctx, out, retry, logger)
			return

		case msg, ok := <-in:
			if !ok || msg.Stop {
				finalWrite(ctx, out, retry, logger)
				return
			}
			out.Store(msg.Value.SamplerID, msg.Value.Data, msg.Value.Final)

		case <-ticker.C:
			timer := metrics.NewTimer()
			err := out.Write(ctx)
			timer.ObserveDurationVec(metrics.OutputWriteDuration, out.ID())
			if err != nil {
				metrics.OutputWriteFailuresTotal.WithLabelValues(out.ID()).Inc()
				logger.Debug().Err(err).Msg("periodic write failed")
			} else {
				metrics.OutputWritesTotal.WithLabelValues(out.ID()).Inc()
			}
		}
	}
}

// finalWrite retries Write up to retry.Count times, matching the
// original's Output.exit(): the final record is the one consumer of this
// data actually reads, so it is worth a few attempts before giving up.
func finalWrite(ctx context.Context, out Output, retry RetryPolicy, logger zerolog.Logger) {
	var err error
	for attempt := 0; attempt <= retry.Count; attempt++ {
		timer := metrics.NewTimer()
		err = out.Write(ctx)
		timer.ObserveDurationVec(metrics.OutputWriteDuration, out.ID())
		if err == nil {
			metrics.OutputWritesTotal.WithLabelValues(out.ID()).Inc()
			return
		}
		logger.Debug().Err(err).Int("attempt", attempt).Msg("final write failed, retrying")
		if attempt < retry.Count {
			time.Sleep(retry.Sleep)
		}
	}
	metrics.OutputWriteFailuresTotal.WithLabelValues(out.ID()).Inc()
	logger.Error().Err(err).Msg("final write permanently failed")
}
