package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"kleinsniper/internal/alerting"
	"kleinsniper/internal/detector"
	"kleinsniper/internal/fetcher"
	"kleinsniper/internal/lock"
	"kleinsniper/internal/offer"
	"kleinsniper/internal/scheduler"
	"kleinsniper/internal/stats"
	"kleinsniper/internal/storage"
)

// ErrCycleInFlight is returned when a manual run hits a model whose cycle is still running.
var ErrCycleInFlight = errors.New("cycle already in flight")

// offerLockPrefix namespaces per-offer delivery locks apart from model identities.
const offerLockPrefix = "offer:"

// Trigger records why a cycle ran.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Outcome summarises a finished cycle.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeDegraded Outcome = "degraded"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
)

// CycleReport describes one polling cycle of one model.
type CycleReport struct {
	RunID          string    `json:"run_id"`
	Model          string    `json:"model"`
	Query          string    `json:"query"`
	Trigger        Trigger   `json:"trigger"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Outcome        Outcome   `json:"outcome"`
	Pages          int       `json:"pages"`
	Candidates     int       `json:"candidates"`
	ParseErrors    int       `json:"parse_errors"`
	Matched        int       `json:"matched"`
	New            int       `json:"new"`
	PriceChanged   int       `json:"price_changed"`
	Deals          int       `json:"deals"`
	Notified       int       `json:"notified"`
	NotifyFailures int       `json:"notify_failures"`
	Pruned         int       `json:"pruned"`
	Error          string    `json:"error,omitempty"`
}

// Duration returns how long the cycle ran.
func (r CycleReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store is the persistence the orchestrator needs.
type Store interface {
	storage.OfferStore
	storage.StatsStore
}

// Options tune the orchestrator.
type Options struct {
	Models      []offer.Model
	MinSamples  int64
	MaxParallel int
}

// Service orchestrates fetching, persistence, detection and alerting per model.
type Service struct {
	models      []offer.Model
	source      fetcher.ListingSource
	store       Store
	engine      *stats.Engine
	notifier    alerting.Notifier
	guard       *lock.Local
	distributed lock.Distributed
	detect      detector.Options
	maxParallel int
	logger      zerolog.Logger
	now         func() time.Time

	mu      sync.RWMutex
	reports map[string]CycleReport
	loaded  map[string]bool
}

// New constructs the orchestrator. distributed may be nil.
func New(opts Options, source fetcher.ListingSource, store Store, notifier alerting.Notifier, distributed lock.Distributed, logger zerolog.Logger) (*Service, error) {
	if source == nil {
		return nil, errors.New("listing source is required")
	}
	if store == nil {
		return nil, storage.ErrNotConfigured
	}
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if distributed == nil {
		distributed = lock.Noop{}
	}
	return &Service{
		models:      append([]offer.Model(nil), opts.Models...),
		source:      source,
		store:       store,
		engine:      stats.NewEngine(),
		notifier:    notifier,
		guard:       lock.NewLocal(),
		distributed: distributed,
		detect:      detector.Options{MinSamples: opts.MinSamples},
		maxParallel: opts.MaxParallel,
		logger:      logger.With().Str("component", "service").Logger(),
		now:         time.Now,
		reports:     make(map[string]CycleReport),
		loaded:      make(map[string]bool),
	}, nil
}

// Models returns the configured models.
func (s *Service) Models() []offer.Model {
	return append([]offer.Model(nil), s.models...)
}

// Run drives cycles from the scheduler until ctx is cancelled.
func (s *Service) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, s.Tick)
}

// Tick runs every model once; it is the scheduler callback.
func (s *Service) Tick(ctx context.Context, tick scheduler.Tick) error {
	trigger := TriggerScheduled
	if tick.Manual {
		trigger = TriggerManual
	}
	_, err := s.RunAll(ctx, trigger)
	return err
}

// RunAll runs one cycle per model concurrently. Failures stay within their model;
// the returned error joins them.
func (s *Service) RunAll(ctx context.Context, trigger Trigger) ([]CycleReport, error) {
	reports := make([]CycleReport, len(s.models))
	errs := make([]error, len(s.models))

	var g errgroup.Group
	if s.maxParallel > 0 {
		g.SetLimit(s.maxParallel)
	}
	for i, m := range s.models {
		g.Go(func() error {
			reports[i], errs[i] = s.RunModel(ctx, m, trigger)
			return nil
		})
	}
	_ = g.Wait()

	var joined error
	for i, err := range errs {
		if err == nil || errors.Is(err, ErrCycleInFlight) {
			continue
		}
		joined = errors.Join(joined, fmt.Errorf("%s: %w", s.models[i].Query, err))
	}
	return reports, joined
}

// RunModel runs one polling cycle for m. Scheduled cycles wait for an in-flight
// cycle of the same model; manual ones fail fast with ErrCycleInFlight.
func (s *Service) RunModel(ctx context.Context, m offer.Model, trigger Trigger) (CycleReport, error) {
	identity := m.Identity()
	report := CycleReport{
		RunID:     uuid.NewString(),
		Model:     identity,
		Query:     m.Query,
		Trigger:   trigger,
		StartedAt: s.now().UTC(),
	}
	logger := s.logger.With().Str("model", identity).Str("run_id", report.RunID).Logger()

	var release func()
	if trigger == TriggerManual {
		r, ok := s.guard.TryLock(identity)
		if !ok {
			logger.Info().Msg("manual run rejected, cycle in flight")
			report.Outcome = OutcomeSkipped
			report.Error = ErrCycleInFlight.Error()
			report.FinishedAt = s.now().UTC()
			return report, ErrCycleInFlight
		}
		release = r
	} else {
		r, err := s.guard.Lock(ctx, identity)
		if err != nil {
			return s.finish(report, OutcomeFailed, err, logger), err
		}
		release = r
	}
	defer release()

	unlock, acquired, err := s.distributed.TryAcquire(ctx, identity)
	if err != nil {
		return s.finish(report, OutcomeFailed, err, logger), err
	}
	if !acquired {
		logger.Info().Msg("cycle held by another process, skipping")
		return s.finish(report, OutcomeSkipped, nil, logger), nil
	}
	defer unlock()

	logger.Info().Str("trigger", string(trigger)).Msg("cycle started")
	outcome, err := s.cycle(ctx, m, &report, logger)
	return s.finish(report, outcome, err, logger), errorFor(outcome, err)
}

func errorFor(outcome Outcome, err error) error {
	if outcome == OutcomeDegraded {
		return nil
	}
	return err
}

func (s *Service) finish(report CycleReport, outcome Outcome, err error, logger zerolog.Logger) CycleReport {
	report.Outcome = outcome
	report.FinishedAt = s.now().UTC()
	if err != nil {
		report.Error = err.Error()
	}

	s.mu.Lock()
	s.reports[report.Model] = report
	s.mu.Unlock()

	var event *zerolog.Event
	switch outcome {
	case OutcomeFailed:
		event = logger.Error().Err(err)
	case OutcomeDegraded:
		event = logger.Warn().Err(err)
	default:
		event = logger.Info()
	}
	event.
		Str("outcome", string(outcome)).
		Int("pages", report.Pages).
		Int("matched", report.Matched).
		Int("new", report.New).
		Int("deals", report.Deals).
		Int("notified", report.Notified).
		Int("pruned", report.Pruned).
		Dur("duration", report.Duration()).
		Msg("cycle finished")
	return report
}

func (s *Service) cycle(ctx context.Context, m offer.Model, report *CycleReport, logger zerolog.Logger) (Outcome, error) {
	identity := m.Identity()
	if err := s.ensureStats(ctx, identity); err != nil {
		return OutcomeFailed, err
	}

	sweep, err := s.store.BeginSweep(ctx, identity)
	if err != nil {
		return OutcomeFailed, err
	}
	finished := false
	defer func() {
		if !finished {
			sweep.Abort()
		}
	}()

	res := s.source.Collect(ctx, m)
	report.Pages = res.Pages
	report.Candidates = len(res.Candidates)
	report.ParseErrors = res.ParseErrors

	models := []offer.Model{m}
	for _, c := range res.Candidates {
		for _, o := range offer.Normalize(c, models) {
			report.Matched++
			if err := s.processOffer(ctx, o, sweep, report, logger); err != nil {
				return OutcomeFailed, err
			}
		}
	}

	if !res.Complete {
		err := res.Err
		if err == nil {
			err = errors.New("incomplete result set")
		}
		logger.Warn().Err(err).Strs("unseen", sweep.Unseen()).Msg("partial fetch, pruning skipped")
		return OutcomeDegraded, err
	}

	pruned, err := sweep.Finish(ctx)
	finished = true
	if err != nil {
		return OutcomeFailed, err
	}
	report.Pruned = len(pruned)
	if len(pruned) > 0 {
		logger.Info().Strs("offer_ids", pruned).Msg("offers pruned")
	}
	return OutcomeOK, nil
}

func (s *Service) processOffer(ctx context.Context, o offer.Offer, sweep *storage.Sweep, report *CycleReport, logger zerolog.Logger) error {
	identity := sweep.Model()
	res, err := s.store.Upsert(ctx, storage.Observation{
		OfferID: o.ID,
		Model:   identity,
		Title:   o.Title,
		URL:     o.URL,
		Price:   o.Price,
		SeenAt:  o.ObservedAt,
	})
	if err != nil {
		return err
	}
	sweep.MarkSeen(o.ID)

	if res.IsNew {
		report.New++
	}
	if res.PriceChanged {
		report.PriceChanged++
	}

	baseline := s.engine.Query(identity)
	if res.IsNew || res.PriceChanged {
		snap := s.engine.Update(identity, o.Price)
		if err := s.store.SaveStats(ctx, snap); err != nil {
			return err
		}
	} else {
		// the current price was folded in when it was first seen
		baseline = baseline.Without(o.Price)
	}

	if res.Record.Notified {
		return nil
	}
	return s.maybeNotify(ctx, o, baseline, report, logger)
}

// maybeNotify evaluates o and delivers at most one notification per offer id,
// whichever models the offer matched.
func (s *Service) maybeNotify(ctx context.Context, o offer.Offer, baseline stats.Snapshot, report *CycleReport, logger zerolog.Logger) error {
	ev, fired := detector.Evaluate(o, baseline, s.detect)
	if !fired {
		return nil
	}

	key := offerLockPrefix + o.ID
	release, err := s.guard.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	unlock, acquired, err := s.distributed.TryAcquire(ctx, key)
	if err != nil {
		return err
	}
	if !acquired {
		logger.Info().Str("offer_id", o.ID).Msg("offer claimed by another process, skipping")
		return nil
	}
	defer unlock()

	notified, err := s.store.OfferNotified(ctx, o.ID)
	if err != nil {
		return err
	}
	if notified {
		logger.Debug().Str("offer_id", o.ID).Msg("offer already notified under another model")
		return nil
	}
	report.Deals++

	now := s.now().UTC()
	if err := s.notifier.Notify(ctx, alerting.NewNotification(ev, now)); err != nil {
		report.NotifyFailures++
		logger.Warn().Err(err).Str("offer_id", o.ID).Msg("deal notification failed, will retry next cycle")
		return nil
	}
	if err := s.store.MarkNotified(ctx, o.ID, now); err != nil {
		return err
	}
	report.Notified++
	logger.Info().
		Str("offer_id", o.ID).
		Int64("price", o.Price).
		Float64("mean", ev.Mean).
		Str("triggers", ev.TriggerList()).
		Msg("deal notified")
	return nil
}

func (s *Service) ensureStats(ctx context.Context, identity string) error {
	s.mu.RLock()
	done := s.loaded[identity]
	s.mu.RUnlock()
	if done {
		return nil
	}

	snap, ok, err := s.store.LoadStats(ctx, identity)
	if err != nil {
		return err
	}
	if ok {
		s.engine.Load(snap)
	}

	s.mu.Lock()
	s.loaded[identity] = true
	s.mu.Unlock()
	return nil
}

// LastReport returns the most recent report of model.
func (s *Service) LastReport(model string) (CycleReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[model]
	return r, ok
}

// Reports lists the latest report of every model that has run, in model order.
func (s *Service) Reports() []CycleReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CycleReport, 0, len(s.reports))
	for _, m := range s.models {
		if r, ok := s.reports[m.Identity()]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Stats returns the in-memory statistics of model.
func (s *Service) Stats(model string) stats.Snapshot {
	return s.engine.Query(model)
}
