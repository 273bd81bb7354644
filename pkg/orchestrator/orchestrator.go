// Package orchestrator drives a scan's execution plan: sequential
// discovery stages first, then the enrichment stages in parallel. Stage
// outcomes are reported through an Observer so the scan manager can
// persist progress without the orchestrator knowing about scan rows.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/perchsec/osprey/pkg/engine"
	"github.com/perchsec/osprey/pkg/log"
	"github.com/perchsec/osprey/pkg/metrics"
	"github.com/perchsec/osprey/pkg/stage"
	"golang.org/x/sync/errgroup"
)

// Observer receives stage lifecycle callbacks. Callbacks for stages in a
// parallel group may arrive concurrently.
type Observer interface {
	OnStart(stageName string)
	OnComplete(stageName string, stats *stage.Stats)
	OnFail(stageName string, err error)
	OnSkip(stageName string, reason string)
}

// NopObserver discards all callbacks
type NopObserver struct{}

func (NopObserver) OnStart(string)                  {}
func (NopObserver) OnComplete(string, *stage.Stats) {}
func (NopObserver) OnFail(string, error)            {}
func (NopObserver) OnSkip(string, string)           {}

// Orchestrator runs one scan's stages to completion
type Orchestrator struct {
	env      *stage.Env
	observer Observer
}

// New builds an orchestrator for the scan described by env
func New(env *stage.Env, observer Observer) *Orchestrator {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Orchestrator{env: env, observer: observer}
}

// Run executes the plan derived from the scan's configuration. A stage
// failure inside a group is recorded through the observer and does not
// stop the other stages; Run returns an error only for orchestrator-level
// faults (bad config, unknown stage, cancellation). On cancellation no
// further stages start.
func (o *Orchestrator) Run(ctx context.Context) error {
	plan := o.env.Config.Plan()
	if len(plan) == 0 {
		return fmt.Errorf("no stages enabled")
	}

	logger := log.WithScanID(o.env.Scan.ID)
	logger.Info().
		Int("groups", len(plan)).
		Str("mode", string(o.env.Scan.Mode)).
		Msg("Starting scan flow")

	for _, group := range plan {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch group.Mode {
		case engine.GroupSequential:
			if err := o.runSequential(ctx, group.Stages); err != nil {
				return err
			}
		case engine.GroupParallel:
			if err := o.runParallel(ctx, group.Stages); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown group mode %q", group.Mode)
		}
	}

	logger.Info().Msg("Scan flow finished")
	return nil
}

// runSequential runs stages left to right. A stage failure is recorded
// and the next stage still runs; only cancellation stops the walk.
func (o *Orchestrator) runSequential(ctx context.Context, stages []string) error {
	for _, name := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.runStage(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// runParallel fans the group out on independent goroutines and waits for
// all of them. Per-stage failures are aggregated for the log but do not
// abort siblings; only cancellation propagates as an error.
func (o *Orchestrator) runParallel(ctx context.Context, stages []string) error {
	var g errgroup.Group
	errs := make([]error, len(stages))

	for i, name := range stages {
		g.Go(func() error {
			errs[i] = o.runStage(ctx, name)
			return nil
		})
	}
	g.Wait()

	var agg *multierror.Error
	for _, err := range errs {
		agg = multierror.Append(agg, err)
	}
	if err := agg.ErrorOrNil(); err != nil {
		// runStage only returns cancellation; everything else is
		// absorbed into the observer
		return err
	}
	return nil
}

// runStage executes one stage and routes its outcome to the observer.
// The returned error is non-nil only when the context was cancelled.
func (o *Orchestrator) runStage(ctx context.Context, name string) error {
	fn, ok := stage.ByName(name)
	if !ok {
		o.observer.OnFail(name, fmt.Errorf("unknown stage %q", name))
		metrics.StagesFailed.WithLabelValues(name).Inc()
		return nil
	}

	logger := log.WithStage(name)
	o.observer.OnStart(name)
	started := time.Now()

	stats, err := fn(ctx, o.env)
	elapsed := time.Since(started)
	metrics.StageDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	switch {
	case ctx.Err() != nil:
		o.observer.OnFail(name, ctx.Err())
		return ctx.Err()
	case err != nil:
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("Stage failed")
		metrics.StagesFailed.WithLabelValues(name).Inc()
		o.observer.OnFail(name, err)
	case stats != nil && stats.Skipped:
		logger.Info().Str("reason", stats.Detail).Msg("Stage skipped")
		o.observer.OnSkip(name, stats.Detail)
	default:
		logger.Info().
			Dur("elapsed", elapsed).
			Int("records", stats.Records).
			Int("discarded", stats.Discarded).
			Msg("Stage completed")
		o.observer.OnComplete(name, stats)
	}
	return nil
}
