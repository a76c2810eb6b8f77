package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"heraldbot/internal/eventbus"
	rtsup "heraldbot/internal/runtime/supervisor"
	"heraldbot/internal/storage"
	kit "heraldbot/internal/transport"
	logx "heraldbot/pkg/logx"
)

// Service is the campaign engine: it owns the trigger timers, the delivery
// queue and workers, recovery at startup, and periodic maintenance.
type Service struct {
	mu sync.Mutex

	cfg     Config
	log     logx.Logger
	store   storage.Store
	adapter kit.Adapter
	notif   AdminNotifier
	bus     eventbus.Bus

	limiter *rate.Limiter
	queue   chan int64
	sup     *rtsup.Supervisor

	// Trigger registry: armed single-shot timers keyed by campaign id.
	// Versions let stale AfterFunc callbacks detect they were replaced.
	tmu      sync.Mutex
	timers   map[int64]*time.Timer
	timerVer map[int64]uint64

	// Advisory per-campaign delivery locks: a second Deliver for an id that
	// is already fanning out returns immediately.
	dmu      sync.Mutex
	inflight map[int64]struct{}

	cron *cronRunner
}

func New(cfg Config, store storage.Store, adapter kit.Adapter, notif AdminNotifier, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		store:    store,
		adapter:  adapter,
		notif:    notif,
		bus:      bus,
		timers:   map[int64]*time.Timer{},
		timerVer: map[int64]uint64{},
		inflight: map[int64]struct{}{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply updates runtime-tunable settings (rate limit, overdue policy).
// Worker/queue sizing takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
}

// Start brings up delivery workers, runs recovery, and starts maintenance.
// It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.queue = make(chan int64, cfg.QueueSize)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// engine failures must not take down the whole bot
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("deliver.worker.%d", i)
		sup.Go0(name, func(c context.Context) {
			s.workerLoop(c, q)
		})
	}

	// Recovery runs once; a dead store degrades scheduling but must not
	// prevent the process from starting.
	sup.Go0("recover", func(c context.Context) {
		if _, err := s.Recover(c, time.Now()); err != nil {
			s.log.Error("campaign recovery failed; scheduled delivery degraded until restart", logx.Err(err))
		}
	})

	s.startMaintenance(cfg)

	s.log.Info("campaign engine started",
		logx.Int("workers", cfg.Workers),
		logx.Int("rate_per_sec", cfg.RatePerSec),
		logx.Bool("fire_overdue", cfg.FireOverdue))
}

// Stop disarms all timers and waits for in-flight deliveries until ctx
// expires. An abandoned delivery leaves sent=false, which a later manual
// trigger may retry.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.queue = nil
	s.mu.Unlock()

	s.stopMaintenance()
	s.DisarmAll()

	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("campaign engine stopped with pending work", logx.Err(err))
	}
	s.log.Info("campaign engine stopped")
}

func (s *Service) workerLoop(ctx context.Context, q <-chan int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q:
			if _, err := s.Deliver(ctx, id); err != nil {
				s.log.Error("campaign delivery failed", logx.Int64("campaign", id), logx.Err(err))
			}
		}
	}
}

// Create persists a new campaign and arms its trigger when scheduled.
func (s *Service) Create(ctx context.Context, d storage.CampaignDraft) (int64, error) {
	if d.ScheduledAt != nil && !d.ScheduledAt.After(time.Now()) {
		return 0, ErrPastSchedule
	}
	id, err := s.store.CreateCampaign(ctx, d)
	if err != nil {
		return 0, fmt.Errorf("create campaign: %w", err)
	}
	if d.ScheduledAt != nil {
		if err := s.Arm(id, *d.ScheduledAt); err != nil {
			// Row exists; recovery will pick it up after restart.
			s.log.Warn("campaign stored but not armed", logx.Int64("campaign", id), logx.Err(err))
		}
	}
	return id, nil
}

// SendNow hands a campaign to the delivery queue, disarming any pending
// trigger first. The sent-flag guard makes a duplicate hand-off harmless.
func (s *Service) SendNow(id int64) error {
	s.Disarm(id)
	return s.enqueue(id)
}

// Reschedule moves a campaign's trigger, persisting the new instant.
func (s *Service) Reschedule(ctx context.Context, id int64, at time.Time) error {
	if !at.After(time.Now()) {
		return ErrPastSchedule
	}
	if err := s.store.UpdateCampaign(ctx, id, storage.CampaignPatch{ScheduledAt: &at}); err != nil {
		return err
	}
	return s.Arm(id, at)
}

// CancelSchedule disarms the trigger and clears the stored schedule; the
// campaign row remains for a later manual send or deletion.
func (s *Service) CancelSchedule(ctx context.Context, id int64) error {
	s.Disarm(id)
	return s.store.UpdateCampaign(ctx, id, storage.CampaignPatch{ClearSchedule: true})
}

// Delete removes the campaign row and any pending trigger.
func (s *Service) Delete(ctx context.Context, id int64) error {
	s.Disarm(id)
	return s.store.DeleteCampaign(ctx, id)
}

func (s *Service) enqueue(id int64) error {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return ErrDisabled
	}
	select {
	case q <- id:
		return nil
	default:
		s.log.Error("delivery queue full; campaign not enqueued", logx.Int64("campaign", id))
		return ErrQueueFull
	}
}

// ArmedCount reports the number of armed triggers (for /health).
func (s *Service) ArmedCount() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.timers)
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func (s *Service) notifyAdmins(ctx context.Context, text string) {
	if s.notif != nil {
		s.notif.NotifyAdmins(ctx, text)
	}
}
