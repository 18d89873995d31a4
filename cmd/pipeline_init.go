package main

import (
	"context"

	"github.com/mapatur/reconcile/internal/merge"
	"github.com/mapatur/reconcile/internal/promote"
	"github.com/mapatur/reconcile/internal/staging"
	"github.com/mapatur/reconcile/internal/store"
)

// pipelineEnv holds the components commands call into.
type pipelineEnv struct {
	Store    store.Store
	Grouper  *staging.Grouper
	Applier  *staging.Applier
	Promoter *promote.Promoter
	Merger   *merge.Engine
}

// Close releases the store.
func (e *pipelineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initPipeline validates the config for mode, opens the store and builds
// every component on it. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	p := cfg.Pipeline
	return &pipelineEnv{
		Store:   st,
		Grouper: staging.NewGrouper(st),
		Applier: staging.NewApplier(st, p.Region),
		Promoter: promote.New(st, promote.Config{
			Strict:       p.StrictMapping,
			GapTolerance: p.GapTolerance,
			Region:       p.Region,
			Retry:        p.Retry,
		}),
		Merger: merge.NewEngine(st, p.Sentinel,
			merge.WithRetry(p.Retry),
			merge.WithLongerPhone(p.LongerPhone),
		),
	}, nil
}
