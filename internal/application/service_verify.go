package application

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/ports"
)

// VerifyAll runs one drift verification pass over every representation. A
// failure or panic in one representation is logged and does not stop the
// others.
func (s *Service) VerifyAll(ctx context.Context) []domain.VerifyReport {
	reports := make([]domain.VerifyReport, 0, len(s.order))
	for _, name := range s.order {
		if ctx.Err() != nil {
			break
		}
		reports = append(reports, s.verifySafely(ctx, name))
	}
	s.purgeDedup(ctx)
	return reports
}

// purgeDedup drops dedup records past their window. It rides on the
// verifier schedule.
func (s *Service) purgeDedup(ctx context.Context) {
	if s.eventDedup == nil || ctx.Err() != nil {
		return
	}
	n, err := s.eventDedup.PurgeExpired(ctx, s.now())
	if err != nil {
		s.logger.WarnContext(ctx, "event dedup purge failed",
			"module", "application.verify",
			"operation", "purge_dedup",
			"outcome", "failure",
			"error", err,
		)
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired event dedup records purged",
			"module", "application.verify",
			"operation", "purge_dedup",
			"outcome", "success",
			"purged", n,
		)
	}
}

func (s *Service) verifySafely(ctx context.Context, name string) (report domain.VerifyReport) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "drift verification panicked",
				"module", "application.verify",
				"layer", "application",
				"outcome", "panic",
				"representation", name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			report = domain.VerifyReport{Representation: name, Skipped: true, SkipReason: "panic", FinishedAt: s.now()}
		}
	}()
	report, err := s.Verify(ctx, name)
	if err != nil {
		s.logger.ErrorContext(ctx, "drift verification failed",
			"module", "application.verify",
			"layer", "application",
			"outcome", "failure",
			"representation", name,
			"error", err,
		)
	}
	return report
}

// Verify compares one representation with its source, records every
// difference and repairs it by re-applying the id as an update.
func (s *Service) Verify(ctx context.Context, representation string) (domain.VerifyReport, error) {
	rep, err := s.representation(representation)
	if err != nil {
		return domain.VerifyReport{}, err
	}
	name := rep.Name()
	report := domain.VerifyReport{Representation: name, StartedAt: s.now()}

	if reason := s.verifyBlocked(ctx, name); reason != "" {
		report.Skipped = true
		report.SkipReason = reason
		report.FinishedAt = s.now()
		s.logger.InfoContext(ctx, "drift verification skipped",
			"module", "application.verify",
			"representation", name,
			"reason", reason,
		)
		s.metrics.ObserveVerify(report)
		return report, nil
	}
	if s.locks != nil {
		release, ok, err := s.locks.Acquire(ctx, verifyLockKey(name), s.cfg.VerifyLockTTL)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "verify lock unavailable, continuing unguarded", "representation", name, "error", err)
		case !ok:
			report.Skipped = true
			report.SkipReason = "verification running on another instance"
			report.FinishedAt = s.now()
			s.metrics.ObserveVerify(report)
			return report, nil
		default:
			defer release(context.WithoutCancel(ctx))
		}
	}

	source := s.sources[rep.EntityType()]
	if report.SourceCount, err = source.Count(ctx); err != nil {
		return report, fmt.Errorf("count source %s: %w", rep.EntityType(), err)
	}
	if report.DownstreamCount, err = rep.Count(ctx); err != nil {
		return report, fmt.Errorf("count %s: %w", name, err)
	}
	s.metrics.SetDownstreamCount(name, report.DownstreamCount)
	if rep.Coverage() == ports.CoverageAll && report.SourceCount != report.DownstreamCount {
		s.logger.InfoContext(ctx, "document count differs from source",
			"module", "application.verify",
			"representation", name,
			"source_count", report.SourceCount,
			"downstream_count", report.DownstreamCount,
		)
	}

	findings, err := s.driftScan(ctx, rep, source)
	if err != nil {
		return report, err
	}
	for i := range findings {
		res := s.apply(ctx, rep, ApplyRequest{EntityType: rep.EntityType(), ID: findings[i].EntityID, Operation: domain.OpUpdated})
		findings[i].Repaired = res.IsOK()
		if res.IsOK() {
			report.Repaired++
		} else {
			report.Failed++
			findings[i].Detail = res.String()
		}
	}
	report.Findings = findings
	report.FinishedAt = s.now()

	if len(findings) > 0 && s.driftReports != nil {
		if err := s.driftReports.Save(context.WithoutCancel(ctx), findings); err != nil {
			s.logger.WarnContext(ctx, "drift report save failed", "representation", name, "error", err)
		}
	}
	cursor := s.loadCursor(ctx, name)
	verifiedAt := report.FinishedAt
	cursor.LastVerifiedAt = &verifiedAt
	cursor.LastDriftFindings = len(findings)
	s.saveCursor(ctx, cursor)
	s.metrics.ObserveVerify(report)

	s.logger.InfoContext(ctx, "drift verification finished",
		"module", "application.verify",
		"layer", "application",
		"operation", "verify",
		"outcome", "success",
		"representation", name,
		"findings", len(findings),
		"repaired", report.Repaired,
		"failed", report.Failed,
	)
	return report, nil
}

func (s *Service) verifyBlocked(ctx context.Context, name string) string {
	if s.ResyncInProgress(name) {
		return "full resync in progress"
	}
	if s.locks == nil {
		return ""
	}
	held, err := s.locks.Held(ctx, resyncLockKey(name))
	if err == nil && held {
		return "full resync in progress on another instance"
	}
	return ""
}

// driftScan merge-joins the ascending source listing against the ascending
// downstream id listing. Both sides must sort ids bytewise.
//
// A referenced representation lists every referenced id, so an id can be
// present while some of its rows lack a copy. Those ids are always
// fingerprinted: a live id with an unfilled row is target_missing, and an id
// gone from the source is base_missing only while a row still holds a copy.
func (s *Service) driftScan(ctx context.Context, rep ports.Representation, source ports.SourceFetcher) ([]domain.DriftFinding, error) {
	tracked := rep.TrackedFields()
	referenced := rep.Coverage() == ports.CoverageReferenced
	src := &snapshotPager{list: source.List, limit: s.cfg.PageSize}
	dst := &idPager{list: rep.ListIDs, limit: s.cfg.PageSize}

	var findings []domain.DriftFinding
	finding := func(id string, kind domain.DriftKind) {
		findings = append(findings, domain.DriftFinding{
			Representation: rep.Name(),
			EntityType:     rep.EntityType(),
			EntityID:       id,
			Kind:           kind,
			DetectedAt:     s.now(),
		})
	}

	var matched []domain.Snapshot
	var orphans []string
	flush := func() error {
		defer func() {
			matched = matched[:0]
			orphans = orphans[:0]
		}()
		if !s.cfg.VerifyDeepScan && !referenced {
			return nil
		}
		if len(matched) == 0 && len(orphans) == 0 {
			return nil
		}
		ids := make([]string, 0, len(matched)+len(orphans))
		for _, snap := range matched {
			ids = append(ids, snap.ID)
		}
		ids = append(ids, orphans...)
		stored, err := rep.Fingerprints(ctx, ids)
		if err != nil {
			return fmt.Errorf("fingerprints %s: %w", rep.Name(), err)
		}
		for _, snap := range matched {
			got, ok := stored[snap.ID]
			switch {
			case referenced && (!ok || got == ports.FingerprintUnpopulated || got == ports.FingerprintPartial):
				finding(snap.ID, domain.DriftTargetMissing)
			case referenced && got == ports.FingerprintDivergent:
				finding(snap.ID, domain.DriftNotEqual)
			case s.cfg.VerifyDeepScan && got != domain.Fingerprint(snap.Fields, tracked):
				finding(snap.ID, domain.DriftNotEqual)
			}
		}
		for _, id := range orphans {
			if got, ok := stored[id]; ok && got != ports.FingerprintUnpopulated {
				finding(id, domain.DriftBaseMissing)
			}
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return findings, err
		}
		snap, hasSrc, err := src.peek(ctx)
		if err != nil {
			return findings, fmt.Errorf("list source %s: %w", rep.EntityType(), err)
		}
		id, hasDst, err := dst.peek(ctx)
		if err != nil {
			return findings, fmt.Errorf("list %s: %w", rep.Name(), err)
		}
		switch {
		case !hasSrc && !hasDst:
			return findings, flush()
		case hasSrc && (!hasDst || snap.ID < id):
			if !referenced {
				finding(snap.ID, domain.DriftTargetMissing)
			}
			src.advance()
		case hasDst && (!hasSrc || id < snap.ID):
			if referenced {
				orphans = append(orphans, id)
			} else {
				finding(id, domain.DriftBaseMissing)
			}
			dst.advance()
		default:
			matched = append(matched, snap)
			src.advance()
			dst.advance()
		}
		if len(matched)+len(orphans) >= s.cfg.PageSize {
			if err := flush(); err != nil {
				return findings, err
			}
		}
	}
}

type snapshotPager struct {
	list  func(ctx context.Context, afterID string, limit int) ([]domain.Snapshot, error)
	limit int
	buf   []domain.Snapshot
	after string
	done  bool
}

func (p *snapshotPager) peek(ctx context.Context) (domain.Snapshot, bool, error) {
	for len(p.buf) == 0 && !p.done {
		page, err := p.list(ctx, p.after, p.limit)
		if err != nil {
			return domain.Snapshot{}, false, err
		}
		if len(page) < p.limit {
			p.done = true
		}
		if len(page) > 0 {
			p.after = page[len(page)-1].ID
		}
		p.buf = nil
		for _, snap := range page {
			if !snap.IsDeleted() {
				p.buf = append(p.buf, snap)
			}
		}
	}
	if len(p.buf) == 0 {
		return domain.Snapshot{}, false, nil
	}
	return p.buf[0], true, nil
}

func (p *snapshotPager) advance() { p.buf = p.buf[1:] }

type idPager struct {
	list  func(ctx context.Context, afterID string, limit int) ([]string, error)
	limit int
	buf   []string
	after string
	done  bool
}

func (p *idPager) peek(ctx context.Context) (string, bool, error) {
	for len(p.buf) == 0 && !p.done {
		page, err := p.list(ctx, p.after, p.limit)
		if err != nil {
			return "", false, err
		}
		if len(page) < p.limit {
			p.done = true
		}
		if len(page) > 0 {
			p.after = page[len(page)-1]
		}
		p.buf = page
	}
	if len(p.buf) == 0 {
		return "", false, nil
	}
	return p.buf[0], true, nil
}

func (p *idPager) advance() { p.buf = p.buf[1:] }

// RecentDrift returns the latest persisted findings for one representation.
func (s *Service) RecentDrift(ctx context.Context, representation string, limit int) ([]domain.DriftFinding, error) {
	if _, err := s.representation(representation); err != nil {
		return nil, err
	}
	if s.driftReports == nil {
		return nil, nil
	}
	return s.driftReports.ListRecent(ctx, representation, limit)
}
