package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/ports"
)

type ApplyRequest struct {
	EntityType domain.EntityType
	ID         string
	Operation  domain.Operation
	Hints      map[string]string
}

// Apply synchronizes one representation with the canonical state of one id.
// Created and updated always re-fetch from the source; a NotFound answer is
// handled exactly like a delete.
func (s *Service) Apply(ctx context.Context, representation string, req ApplyRequest) domain.Result {
	rep, err := s.representation(representation)
	if err != nil {
		return domain.Fatal(err)
	}
	return s.apply(ctx, rep, req)
}

func (s *Service) apply(ctx context.Context, rep ports.Representation, req ApplyRequest) domain.Result {
	id := strings.TrimSpace(req.ID)
	var res domain.Result
	switch {
	case id == "":
		res = domain.Fatal(fmt.Errorf("%w: missing entity id", domain.ErrMalformedEvent))
	case req.EntityType != rep.EntityType():
		res = domain.Fatal(fmt.Errorf("%w: %s cannot apply %s", domain.ErrUnsupportedEvent, rep.Name(), req.EntityType))
	default:
		switch req.Operation {
		case domain.OpDeleted:
			res = s.remove(ctx, rep, id)
		case domain.OpCreated, domain.OpUpdated:
			res = s.refresh(ctx, rep, id, req.Hints)
		default:
			res = domain.Fatal(fmt.Errorf("%w: operation %q", domain.ErrMalformedEvent, req.Operation))
		}
	}

	s.metrics.ObserveApply(rep.Name(), req.Operation, res)
	if !res.IsOK() {
		s.logger.WarnContext(ctx, "sync apply failed",
			"module", "application.apply",
			"layer", "application",
			"operation", string(req.Operation),
			"outcome", string(res.Kind),
			"representation", rep.Name(),
			"entity_id", id,
			"error", res.Err,
		)
	}
	return res
}

func (s *Service) refresh(ctx context.Context, rep ports.Representation, id string, hints map[string]string) domain.Result {
	if s.hintMatches(ctx, rep, id, hints) {
		return domain.OK(domain.ActionSkipped, 0)
	}
	source := s.sources[rep.EntityType()]
	snapshot, err := source.Fetch(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFoundAtSource) {
			return s.remove(ctx, rep, id)
		}
		return domain.FromError(err)
	}
	if snapshot.IsDeleted() {
		return s.remove(ctx, rep, id)
	}
	snapshot.ID = id
	snapshot.Type = rep.EntityType()

	affected, err := rep.Upsert(ctx, snapshot)
	if err != nil {
		return domain.FromError(err)
	}
	if s.hints != nil {
		fp := domain.Fingerprint(snapshot.Fields, rep.TrackedFields())
		if err := s.hints.Set(ctx, rep.Name(), id, fp); err != nil {
			s.logger.DebugContext(ctx, "hint cache write failed", "representation", rep.Name(), "entity_id", id, "error", err)
		}
	}
	return domain.OK(domain.ActionUpserted, affected)
}

func (s *Service) remove(ctx context.Context, rep ports.Representation, id string) domain.Result {
	affected, err := rep.Remove(ctx, id)
	if err != nil {
		return domain.FromError(err)
	}
	if s.hints != nil {
		if err := s.hints.Delete(ctx, rep.Name(), id); err != nil {
			s.logger.DebugContext(ctx, "hint cache delete failed", "representation", rep.Name(), "entity_id", id, "error", err)
		}
	}
	if affected == 0 {
		return domain.OK(domain.ActionNone, 0)
	}
	return domain.OK(domain.ActionRemoved, affected)
}

// hintMatches reports whether the event hints already equal what was last
// written for id, in which case the fetch is unnecessary. Hints must cover
// every tracked field.
func (s *Service) hintMatches(ctx context.Context, rep ports.Representation, id string, hints map[string]string) bool {
	if !s.cfg.HintSkipEnabled || s.hints == nil || len(hints) == 0 {
		return false
	}
	tracked := rep.TrackedFields()
	for _, field := range tracked {
		if _, ok := hints[field]; !ok {
			return false
		}
	}
	cached, ok, err := s.hints.Get(ctx, rep.Name(), id)
	if err != nil || !ok {
		return false
	}
	return cached == domain.Fingerprint(hints, tracked)
}
