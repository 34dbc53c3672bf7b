/*
Package health implements the liveness checks used by sams-aggregator's
/healthz endpoint and by pkg/output/http.go's startup preflight.

# Checkers

	Checker (interface)
	├── HTTPChecker — GET a URL, healthy if the status falls in a range
	└── TCPChecker  — dial an address, healthy on connection success

Both return a Result:

	type Result struct {
		Healthy   bool
		Message   string
		CheckedAt time.Time
		Duration  time.Duration
	}

# Status tracking

Status applies hysteresis on top of raw Results so a single dropped
connection to the HTTP output's receiver doesn't flip the aggregator's
health endpoint:

	status := health.NewStatus()
	cfg := health.Config{Interval: 30 * time.Second, Retries: 3}
	result := checker.Check(ctx)
	status.Update(result, cfg)
	if !status.Healthy {
		// surfaced on /healthz after 3 consecutive failures
	}
*/
package health
