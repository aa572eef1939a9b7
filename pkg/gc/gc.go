// Package gc implements the disk-usage control loop that decides which
// sandbox directories are old enough to reclaim: a ticker samples disk
// usage through an injected UsageProbe, derives the currently permitted
// sandbox age from that usage, and hands directories older than that age
// to an injected Collector. Like pkg/reaper it runs as a single-threaded
// actor driven by its own ticker; it owns no shared state and the actual
// deletion policy is entirely the Collector's concern.
package gc

import (
	"context"
	"time"

	"github.com/cuemby/agentcore/pkg/log"
)

// UsageProbe reports the fraction of disk consumed at dir, in [0, 1].
type UsageProbe interface {
	Usage(dir string) (float64, error)
}

// Sandbox is one directory the controller's lister considers for
// collection, with the time it was created or last touched.
type Sandbox struct {
	Path      string
	CreatedAt time.Time
}

// Lister enumerates the sandbox directories currently on disk under a
// work directory, so the controller can compare each one's age against
// the permitted age.
type Lister interface {
	List() ([]Sandbox, error)
}

// Collector removes a directory the controller has decided is old enough
// to reclaim. Its own scheduling heuristics (batching, rate limiting,
// retry) are outside this package's scope.
type Collector interface {
	Collect(ctx context.Context, dir string) error
}

// Config parameterizes the control loop.
type Config struct {
	// WatchInterval is how often usage is resampled and the sandbox list
	// re-evaluated.
	WatchInterval time.Duration

	// MaxAge is the permitted sandbox age at zero disk usage.
	MaxAge time.Duration

	// MinAge is the floor permitted age can decay to as usage approaches 1.
	MinAge time.Duration

	// Dir is the directory UsageProbe.Usage is asked to measure.
	Dir string
}

// Controller is the actor described above. Create with New, start with
// Run.
type Controller struct {
	probe   UsageProbe
	lister  Lister
	collect Collector
	cfg     Config
}

// New creates a Controller. It must be started with Run to have any
// effect.
func New(probe UsageProbe, lister Lister, collector Collector, cfg Config) *Controller {
	return &Controller{
		probe:   probe,
		lister:  lister,
		collect: collector,
		cfg:     cfg,
	}
}

// Run drives the control loop until ctx is cancelled. It should be
// started in its own goroutine.
func (c *Controller) Run(ctx context.Context) {
	logger := log.WithComponent("gc")

	ticker := time.NewTicker(c.cfg.WatchInterval)
	defer ticker.Stop()

	sweep := func() {
		usage, err := c.probe.Usage(c.cfg.Dir)
		if err != nil {
			logger.Warn().Err(err).Str("dir", c.cfg.Dir).Msg("disk usage probe failed")
			return
		}

		permitted := age(usage, c.cfg.MaxAge, c.cfg.MinAge)
		cutoff := time.Now().Add(-permitted)

		sandboxes, err := c.lister.List()
		if err != nil {
			logger.Warn().Err(err).Msg("list sandboxes failed")
			return
		}

		for _, sb := range sandboxes {
			if sb.CreatedAt.After(cutoff) {
				continue
			}
			if err := c.collect.Collect(ctx, sb.Path); err != nil {
				logger.Warn().Err(err).Str("path", sb.Path).Msg("collect sandbox failed")
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// age returns the permitted sandbox age at the given disk usage fraction:
// maxAge at usage 0, decaying monotonically to minAge as usage approaches
// 1. usage outside [0, 1] is clamped.
func age(usage float64, maxAge, minAge time.Duration) time.Duration {
	if usage <= 0 {
		return maxAge
	}
	if usage >= 1 {
		return minAge
	}
	span := maxAge - minAge
	return minAge + time.Duration(float64(span)*(1-usage))
}
