package hooks

import (
	"context"
	"time"

	hookscommand "github.com/goliatone/go-hooks/command"
	"github.com/goliatone/go-hooks/core"
	"github.com/sourcegraph/conc"
)

const (
	SweepIdempotency = "idempotency"
	SweepRateLimit   = "ratelimit"
	SweepRetention   = "retention"
)

// Sweeper periodically expires idempotency records, drops idle rate-limit
// keys and prunes processed deliveries past retention.
type Sweeper struct {
	commands Commands
	observer *core.Observer
	jobs     []sweepJob
}

type sweepJob struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) (int, error)
}

func NewSweeper(commands Commands, cfg Config, observer *core.Observer) *Sweeper {
	if observer == nil {
		observer = core.NewObserver(nil, nil)
	}
	s := &Sweeper{commands: commands, observer: observer}
	s.jobs = []sweepJob{
		{name: SweepIdempotency, interval: cfg.Idempotency.SweepInterval, run: s.sweepIdempotency},
		{name: SweepRateLimit, interval: cfg.RateLimit.SweepInterval, run: s.sweepRateLimit},
		{name: SweepRetention, interval: cfg.Retention.SweepInterval, run: s.pruneDeliveries},
	}
	return s
}

// Run ticks every job on its own interval until ctx is done. Jobs with a
// non-positive interval are disabled.
func (s *Sweeper) Run(ctx context.Context) {
	var wg conc.WaitGroup
	for _, job := range s.jobs {
		if job.interval <= 0 {
			continue
		}
		wg.Go(func() {
			ticker := time.NewTicker(job.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.runJob(ctx, job)
				}
			}
		})
	}
	wg.Wait()
}

// SweepOnce runs every job once and reports removed rows per job. The
// first error stops the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(s.jobs))
	for _, job := range s.jobs {
		removed, err := s.runJob(ctx, job)
		if err != nil {
			return out, err
		}
		out[job.name] = removed
	}
	return out, nil
}

func (s *Sweeper) runJob(ctx context.Context, job sweepJob) (removed int, err error) {
	startedAt := time.Now()
	defer func() {
		s.observer.Observe(ctx, startedAt, "sweep", err, map[string]any{
			"target":  job.name,
			"removed": removed,
		})
	}()
	return job.run(ctx)
}

func (s *Sweeper) sweepIdempotency(ctx context.Context) (int, error) {
	out, err := execute[hookscommand.SweepIdempotencyMessage, hookscommand.SweepResult](
		ctx, s.commands.SweepIdempotency, hookscommand.SweepIdempotencyMessage{})
	return out.Removed, err
}

func (s *Sweeper) sweepRateLimit(ctx context.Context) (int, error) {
	out, err := execute[hookscommand.SweepRateLimitMessage, hookscommand.SweepResult](
		ctx, s.commands.SweepRateLimit, hookscommand.SweepRateLimitMessage{})
	return out.Removed, err
}

func (s *Sweeper) pruneDeliveries(ctx context.Context) (int, error) {
	out, err := execute[hookscommand.PruneDeliveriesMessage, hookscommand.SweepResult](
		ctx, s.commands.PruneDeliveries, hookscommand.PruneDeliveriesMessage{})
	return out.Removed, err
}
