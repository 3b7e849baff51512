package application

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/ports"
)

type Config struct {
	ServiceName          string
	StartupSyncEnabled   bool
	ForceFullSync        bool
	MinDocumentThreshold int64
	DependencyWait       time.Duration
	DependencyMaxRetries int
	ResyncConcurrency    int
	ResyncLockTTL        time.Duration
	VerifyLockTTL        time.Duration
	VerifyDeepScan       bool
	PageSize             int
	HintSkipEnabled      bool
	EventDedupTTL        time.Duration
}

type Dependencies struct {
	Config          Config
	Logger          *slog.Logger
	Clock           clock.Clock
	Sources         []ports.SourceFetcher
	Representations []ports.Representation
	Probes          []ports.HealthProbe
	Cursors         ports.CursorStore
	Locks           ports.Lock
	Hints           ports.HintCache
	DriftReports    ports.DriftReportRepository
	EventDedup      ports.EventDedupRepository
	Metrics         ports.Metrics
}

type Service struct {
	cfg          Config
	logger       *slog.Logger
	clock        clock.Clock
	sources      map[domain.EntityType]ports.SourceFetcher
	reps         map[string]ports.Representation
	order        []string
	byEntity     map[domain.EntityType][]ports.Representation
	probes       []ports.HealthProbe
	cursors      ports.CursorStore
	locks        ports.Lock
	hints        ports.HintCache
	driftReports ports.DriftReportRepository
	eventDedup   ports.EventDedupRepository
	metrics      ports.Metrics

	resyncing   map[string]*atomic.Bool
	startupOnce sync.Once
}

func NewService(deps Dependencies) (*Service, error) {
	cfg := deps.Config
	if cfg.ServiceName == "" {
		cfg.ServiceName = "consistency-sync"
	}
	if cfg.DependencyWait <= 0 {
		cfg.DependencyWait = 5 * time.Second
	}
	if cfg.DependencyMaxRetries <= 0 {
		cfg.DependencyMaxRetries = 1
	}
	if cfg.ResyncConcurrency <= 0 {
		cfg.ResyncConcurrency = 4
	}
	if cfg.ResyncLockTTL <= 0 {
		cfg.ResyncLockTTL = 30 * time.Minute
	}
	if cfg.VerifyLockTTL <= 0 {
		cfg.VerifyLockTTL = 10 * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.EventDedupTTL <= 0 {
		cfg.EventDedupTTL = 7 * 24 * time.Hour
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	s := &Service{
		cfg:          cfg,
		logger:       logger,
		clock:        clk,
		sources:      make(map[domain.EntityType]ports.SourceFetcher, len(deps.Sources)),
		reps:         make(map[string]ports.Representation, len(deps.Representations)),
		byEntity:     make(map[domain.EntityType][]ports.Representation),
		probes:       deps.Probes,
		cursors:      deps.Cursors,
		locks:        deps.Locks,
		hints:        deps.Hints,
		driftReports: deps.DriftReports,
		eventDedup:   deps.EventDedup,
		metrics:      metrics,
		resyncing:    make(map[string]*atomic.Bool, len(deps.Representations)),
	}
	for _, src := range deps.Sources {
		s.sources[src.EntityType()] = src
	}
	for _, rep := range deps.Representations {
		name := rep.Name()
		if _, dup := s.reps[name]; dup {
			return nil, fmt.Errorf("%w: duplicate representation %q", domain.ErrInvalidInput, name)
		}
		if _, ok := s.sources[rep.EntityType()]; !ok {
			return nil, fmt.Errorf("%w: representation %q has no source for %s", domain.ErrInvalidInput, name, rep.EntityType())
		}
		s.reps[name] = rep
		s.order = append(s.order, name)
		s.byEntity[rep.EntityType()] = append(s.byEntity[rep.EntityType()], rep)
		s.resyncing[name] = &atomic.Bool{}
	}
	return s, nil
}

// Representations lists the configured representation names in registration order.
func (s *Service) Representations() []string {
	return append([]string(nil), s.order...)
}

// EntityTypes lists the canonical entity types this service keeps copies of.
func (s *Service) EntityTypes() []domain.EntityType {
	out := make([]domain.EntityType, 0, len(s.byEntity))
	seen := make(map[domain.EntityType]struct{}, len(s.byEntity))
	for _, name := range s.order {
		et := s.reps[name].EntityType()
		if _, ok := seen[et]; ok {
			continue
		}
		seen[et] = struct{}{}
		out = append(out, et)
	}
	return out
}

func (s *Service) representation(name string) (ports.Representation, error) {
	rep, ok := s.reps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownRepresentation, name)
	}
	return rep, nil
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

type noopMetrics struct{}

func (noopMetrics) ObserveApply(string, domain.Operation, domain.Result) {}
func (noopMetrics) ObserveEvent(string, domain.ResultKind)               {}
func (noopMetrics) ObserveResync(domain.ResyncReport)                    {}
func (noopMetrics) ObserveVerify(domain.VerifyReport)                    {}
func (noopMetrics) SetDownstreamCount(string, int64)                     {}
