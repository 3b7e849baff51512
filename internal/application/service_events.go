package application

import (
	"context"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/contracts"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

// HandleEvent processes one delivered change event. Malformed payloads come
// back fatal; availability failures come back retryable so the bus adapter
// can redeliver.
func (s *Service) HandleEvent(ctx context.Context, topic string, payload []byte) domain.Result {
	res := s.handleEvent(ctx, topic, payload)
	s.metrics.ObserveEvent(topic, res.Kind)
	return res
}

func (s *Service) handleEvent(ctx context.Context, topic string, payload []byte) domain.Result {
	evt, err := contracts.Decode(payload)
	if err != nil {
		return domain.Fatal(err)
	}
	reps := s.byEntity[evt.EntityType]
	if len(reps) == 0 {
		s.logger.DebugContext(ctx, "event ignored, no representation tracks entity",
			"module", "application.events",
			"topic", topic,
			"event_type", evt.EventType(),
		)
		return domain.OK(domain.ActionNone, 0)
	}

	now := s.now()
	if s.eventDedup != nil {
		dup, err := s.eventDedup.IsDuplicate(ctx, evt.EventID, now)
		if err != nil {
			s.logger.WarnContext(ctx, "event dedup lookup failed, applying anyway",
				"module", "application.events",
				"event_id", evt.EventID,
				"error", err,
			)
		} else if dup {
			return domain.OK(domain.ActionSkipped, 0)
		}
	}

	results := make([]domain.Result, 0, len(reps))
	for _, rep := range reps {
		results = append(results, s.apply(ctx, rep, ApplyRequest{
			EntityType: evt.EntityType,
			ID:         evt.EntityID,
			Operation:  evt.Operation,
			Hints:      evt.Hints,
		}))
	}
	res := domain.Merge(results...)
	if res.IsOK() && s.eventDedup != nil {
		if err := s.eventDedup.MarkProcessed(ctx, evt.EventID, evt.EventType(), now.Add(s.cfg.EventDedupTTL)); err != nil {
			s.logger.WarnContext(ctx, "event dedup record failed, a redelivery will be applied again",
				"module", "application.events",
				"event_id", evt.EventID,
				"error", err,
			)
		}
	}
	return res
}
