package application

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/juju/retry"
	"golang.org/x/sync/errgroup"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/ports"
)

// StartupReconcile runs the startup reconciliation once per process. Later
// calls return nil without doing any work.
func (s *Service) StartupReconcile(ctx context.Context) []domain.ResyncReport {
	var reports []domain.ResyncReport
	s.startupOnce.Do(func() {
		reports = s.startupReconcile(ctx)
	})
	return reports
}

func (s *Service) startupReconcile(ctx context.Context) []domain.ResyncReport {
	if !s.cfg.StartupSyncEnabled {
		s.logger.InfoContext(ctx, "startup sync disabled",
			"module", "application.reconcile",
			"layer", "application",
		)
		return nil
	}

	if err := s.WaitForDependencies(ctx); err != nil {
		s.logger.WarnContext(ctx, "dependencies not reachable, reconciling anyway",
			"module", "application.reconcile",
			"layer", "application",
			"operation", string(domain.PhaseWaitingForDependencies),
			"outcome", "degraded",
			"error", err,
		)
	}

	reports := make([]domain.ResyncReport, 0, len(s.order))
	for _, name := range s.order {
		if ctx.Err() != nil {
			break
		}
		report, err := s.reconcile(ctx, s.reps[name], s.cfg.ForceFullSync)
		if err != nil {
			s.logger.WarnContext(ctx, "startup reconciliation skipped",
				"module", "application.reconcile",
				"representation", name,
				"error", err,
			)
		}
		reports = append(reports, report)
	}
	return reports
}

// WaitForDependencies polls every health probe with a bounded number of
// attempts and a fixed delay. The returned error lists the probes that never
// answered; callers proceed regardless.
func (s *Service) WaitForDependencies(ctx context.Context) error {
	var failed []error
	for _, probe := range s.probes {
		probe := probe
		err := retry.Call(retry.CallArgs{
			Func:     func() error { return probe.Ping(ctx) },
			Attempts: s.cfg.DependencyMaxRetries,
			Delay:    s.cfg.DependencyWait,
			Clock:    s.clock,
			Stop:     ctx.Done(),
			NotifyFunc: func(err error, attempt int) {
				s.logger.InfoContext(ctx, "waiting for dependency",
					"module", "application.reconcile",
					"dependency", probe.Name(),
					"attempt", attempt,
					"error", err,
				)
			},
		})
		if err != nil {
			failed = append(failed, fmt.Errorf("%w: %s: %v", domain.ErrDependencyUnavailable, probe.Name(), retry.LastError(err)))
		}
	}
	return errors.Join(failed...)
}

// TriggerResync forces a full resync of one representation regardless of its
// document count.
func (s *Service) TriggerResync(ctx context.Context, representation string) (domain.ResyncReport, error) {
	rep, err := s.representation(representation)
	if err != nil {
		return domain.ResyncReport{}, err
	}
	return s.reconcile(ctx, rep, true)
}

func (s *Service) ResyncInProgress(representation string) bool {
	flag, ok := s.resyncing[representation]
	return ok && flag.Load()
}

func (s *Service) reconcile(ctx context.Context, rep ports.Representation, force bool) (domain.ResyncReport, error) {
	name := rep.Name()
	report := domain.ResyncReport{Representation: name, Phase: domain.PhaseCounting, StartedAt: s.now()}

	cursor := s.loadCursor(ctx, name)
	cursor.ForceSync = force
	cursor.Phase = domain.PhaseCounting

	count, err := rep.Count(ctx)
	if err != nil {
		report.Phase = domain.PhaseSkip
		report.FinishedAt = s.now()
		return report, fmt.Errorf("count %s: %w", name, err)
	}
	report.Count = count
	cursor.LastCount = count
	s.metrics.SetDownstreamCount(name, count)

	if !cursor.ShouldResync(count) {
		report.Phase = domain.PhaseSkip
		report.FinishedAt = s.now()
		cursor.Phase = domain.PhaseDone
		s.saveCursor(ctx, cursor)
		s.logger.InfoContext(ctx, "full resync not needed",
			"module", "application.reconcile",
			"representation", name,
			"count", count,
			"threshold", cursor.MinDocumentThreshold,
		)
		return report, nil
	}

	report.Phase = domain.PhaseFullResync
	cursor.Phase = domain.PhaseFullResync
	s.saveCursor(ctx, cursor)

	succeeded, failed, err := s.fullResync(ctx, rep)
	report.Succeeded = succeeded
	report.Failed = failed
	report.FinishedAt = s.now()
	if errors.Is(err, domain.ErrResyncInProgress) {
		report.Phase = domain.PhaseSkip
		return report, err
	}
	report.Phase = domain.PhaseDone

	finished := report.FinishedAt
	cursor.Phase = domain.PhaseDone
	cursor.ForceSync = false
	cursor.LastFullSyncAt = &finished
	cursor.LastResyncSucceeded = succeeded
	cursor.LastResyncFailed = failed
	if after, countErr := rep.Count(ctx); countErr == nil {
		cursor.LastCount = after
		s.metrics.SetDownstreamCount(name, after)
	}
	s.saveCursor(ctx, cursor)
	s.metrics.ObserveResync(report)

	outcome := "success"
	if err != nil || failed > 0 {
		outcome = "partial"
	}
	s.logger.InfoContext(ctx, "full resync finished",
		"module", "application.reconcile",
		"layer", "application",
		"operation", string(domain.PhaseFullResync),
		"outcome", outcome,
		"representation", name,
		"succeeded", succeeded,
		"failed", failed,
		"duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
		"error", err,
	)
	return report, err
}

// fullResync streams every canonical id and applies it. Individual failures
// are counted, not fatal. Cancellation stops scheduling new ids; in-flight
// applies finish on a context that is not cancelled.
func (s *Service) fullResync(ctx context.Context, rep ports.Representation) (int, int, error) {
	name := rep.Name()
	flag := s.resyncing[name]
	if !flag.CompareAndSwap(false, true) {
		return 0, 0, domain.ErrResyncInProgress
	}
	defer flag.Store(false)

	if s.locks != nil {
		release, ok, err := s.locks.Acquire(ctx, resyncLockKey(name), s.cfg.ResyncLockTTL)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "resync lock unavailable, continuing unguarded", "representation", name, "error", err)
		case !ok:
			return 0, 0, fmt.Errorf("%w: held by another instance", domain.ErrResyncInProgress)
		default:
			defer release(context.WithoutCancel(ctx))
		}
	}

	source := s.sources[rep.EntityType()]
	applyCtx := context.WithoutCancel(ctx)
	var succeeded, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.cfg.ResyncConcurrency)

	var listErr error
	after := ""
	for ctx.Err() == nil {
		page, err := source.List(ctx, after, s.cfg.PageSize)
		if err != nil {
			listErr = fmt.Errorf("list %s after %q: %w", rep.EntityType(), after, err)
			break
		}
		for _, item := range page {
			if ctx.Err() != nil {
				break
			}
			id := item.ID
			g.Go(func() error {
				res := s.apply(applyCtx, rep, ApplyRequest{EntityType: rep.EntityType(), ID: id, Operation: domain.OpUpdated})
				if res.IsOK() {
					succeeded.Add(1)
				} else {
					failed.Add(1)
				}
				return nil
			})
		}
		if len(page) < s.cfg.PageSize {
			break
		}
		after = page[len(page)-1].ID
	}
	_ = g.Wait()
	if listErr == nil && ctx.Err() != nil {
		listErr = ctx.Err()
	}
	return int(succeeded.Load()), int(failed.Load()), listErr
}

func (s *Service) loadCursor(ctx context.Context, name string) domain.ReconciliationCursor {
	cursor := domain.ReconciliationCursor{Representation: name}
	if s.cursors != nil {
		stored, ok, err := s.cursors.Get(ctx, name)
		if err != nil {
			s.logger.WarnContext(ctx, "cursor read failed", "representation", name, "error", err)
		} else if ok {
			cursor = stored
		}
	}
	cursor.Representation = name
	cursor.MinDocumentThreshold = s.cfg.MinDocumentThreshold
	return cursor
}

func (s *Service) saveCursor(ctx context.Context, cursor domain.ReconciliationCursor) {
	if s.cursors == nil {
		return
	}
	if err := s.cursors.Put(context.WithoutCancel(ctx), cursor); err != nil {
		s.logger.WarnContext(ctx, "cursor write failed", "representation", cursor.Representation, "error", err)
	}
}

// Cursors returns the reconciliation state of every representation.
func (s *Service) Cursors(ctx context.Context) []domain.ReconciliationCursor {
	out := make([]domain.ReconciliationCursor, 0, len(s.order))
	for _, name := range s.order {
		c := s.loadCursor(ctx, name)
		if s.ResyncInProgress(name) {
			c.Phase = domain.PhaseFullResync
		}
		out = append(out, c)
	}
	return out
}

func resyncLockKey(name string) string { return "resync:" + name }
func verifyLockKey(name string) string { return "verify:" + name }
