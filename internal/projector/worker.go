package projector

import (
	"context"
	"log"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/contextgraph/contextgraph/internal/repository"
)

// RunRef names one run to project.
type RunRef struct {
	TenantID string
	RunID    string
}

// Pool projects runs concurrently. Work is partitioned by run: a per-run
// lock guarantees that one worker at a time applies a given run's events, in
// chain-position order, while distinct runs proceed in parallel.
type Pool struct {
	events    repository.EventRepository
	projector *Projector
	locker    repository.RunLocker
	workers   int
}

// NewPool creates a projection pool with the given concurrency.
func NewPool(events repository.EventRepository, projector *Projector, locker repository.RunLocker, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{events: events, projector: projector, locker: locker, workers: workers}
}

// ProjectRun applies the run's events in chain order under the run lock,
// then retries any recorded projection failures.
func (p *Pool) ProjectRun(ctx context.Context, ref RunRef) error {
	release, err := p.locker.AcquireRunLock(ctx, ref.TenantID, ref.RunID)
	if err != nil {
		return err
	}
	defer release()

	events, err := p.events.ListByRun(ctx, ref.TenantID, ref.RunID)
	if err != nil {
		return err
	}
	applied := 0
	for _, event := range events {
		result, err := p.projector.Apply(ctx, event)
		if err != nil {
			return err
		}
		if !result.Skipped {
			applied++
		}
	}
	if err := p.projector.RetryFailures(ctx, ref.TenantID, ref.RunID); err != nil {
		return err
	}
	if applied > 0 {
		log.Printf("[projector] run %s/%s: applied %d of %d events", ref.TenantID, ref.RunID, applied, len(events))
	}
	return nil
}

// ProjectRuns fans the runs out over the worker pool.
func (p *Pool) ProjectRuns(ctx context.Context, refs []RunRef) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(p.workers)
	for _, ref := range refs {
		ref := ref
		group.Go(func() error {
			return p.ProjectRun(ctx, ref)
		})
	}
	return group.Wait()
}

// ProjectTenant replays the whole tenant chain: it pages the chain, collects
// the distinct runs, and projects them concurrently. Safe to call at any
// time; already-applied events are skipped.
func (p *Pool) ProjectTenant(ctx context.Context, tenantID string) error {
	seen := map[string]struct{}{}
	var refs []RunRef

	var from int64
	for {
		page, err := p.events.ListByTenant(ctx, tenantID, from, 500)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, event := range page {
			if _, ok := seen[event.RunID]; !ok {
				seen[event.RunID] = struct{}{}
				refs = append(refs, RunRef{TenantID: tenantID, RunID: event.RunID})
			}
		}
		from = page[len(page)-1].Position
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].RunID < refs[j].RunID })
	return p.ProjectRuns(ctx, refs)
}
