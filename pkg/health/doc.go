/*
Package health provides the Checker/Status idiom the agent actor uses to
track master liveness once registered.

The package defines a small, runtime-agnostic contract — Checker.Check
returns a Result, and Status.Update folds a stream of Results into a
consecutive-failure count gated by Config.Retries — lifted from the
teacher's container health-check loop and repointed here at master
liveness instead of container liveness, since the core supervises
executors, not containers with their own health endpoints.

# Checking master liveness

	checker := health.NewPingChecker(masterLink, transport.PingTimeout)
	status := health.NewStatus()
	cfg := health.Config{Interval: 10 * time.Second, Retries: 3}

	for {
		result := checker.Check(ctx)
		status.Update(result, cfg)
		if !status.Healthy {
			// treat the master as unreachable for retry-backoff purposes
		}
		time.Sleep(cfg.Interval)
	}
*/
package health
