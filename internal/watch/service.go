// Package watch runs the polling cycle: fetch every watched uploader's
// latest video, compare against per-subscription watermarks, and push new
// items at most once per (item, destination) pair.
package watch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"biliradar/internal/bili"
	"biliradar/internal/storage"
	logx "biliradar/pkg/logx"
)

// ErrCycleRunning is returned by RunOnce while a cycle is already in
// flight. Cycles are single-flight; overlapping triggers are dropped.
var ErrCycleRunning = errors.New("poll cycle already running")

type Config struct {
	// Interval between scheduled cycles. Default 2m.
	Interval time.Duration
	// MaxConcurrent bounds simultaneous uploader fetches. Default 3.
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	return c
}

// Fetcher fetches an uploader's newest item. *bili.Client implements it.
type Fetcher interface {
	LatestVideo(ctx context.Context, mid int64) (*bili.Item, error)
}

// Deliverer pushes one rendered notification. *notify.Service implements it.
type Deliverer interface {
	Deliver(ctx context.Context, destination string, item *bili.Item) error
}

// Service schedules and executes poll cycles.
type Service struct {
	store storage.Store
	fetch Fetcher
	push  Deliverer
	log   logx.Logger

	mu    sync.Mutex
	cfg   Config
	cron  *cron.Cron
	entry cron.EntryID
	ctx   context.Context

	inCycle atomic.Bool

	statMu sync.Mutex
	stats  Stats
}

// Stats is a point-in-time snapshot for the status endpoint.
type Stats struct {
	CyclesRun      uint64        `json:"cycles_run"`
	CyclesSkipped  uint64        `json:"cycles_skipped"`
	LastCycleAt    time.Time     `json:"last_cycle_at"`
	LastCycleTook  time.Duration `json:"last_cycle_took"`
	LastPublishers int           `json:"last_publishers"`
	LastDelivered  int           `json:"last_delivered"`
	LastErrors     int           `json:"last_errors"`
}

func New(cfg Config, store storage.Store, fetch Fetcher, push Deliverer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		fetch: fetch,
		push:  push,
		log:   log,
		cfg:   cfg.withDefaults(),
	}
}

// Start begins scheduled cycles. ctx bounds every scheduled cycle; Stop (or
// ctx cancellation) ends scheduling.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("watch service already started")
	}
	s.ctx = ctx
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if err := s.scheduleLocked(); err != nil {
		s.cron = nil
		return err
	}
	s.cron.Start()
	if s.cfg.Interval < time.Minute {
		s.log.Warn("poll interval under 60s risks upstream rate limiting",
			logx.Duration("interval", s.cfg.Interval))
	}
	s.log.Info("watch scheduler started",
		logx.Duration("interval", s.cfg.Interval),
		logx.Int("max_concurrent", s.cfg.MaxConcurrent))
	return nil
}

// Stop halts scheduling and waits for a running cycle to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Apply swaps the cycle settings at runtime, rescheduling if the interval
// changed.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.cron == nil || cfg.Interval == prev.Interval {
		return nil
	}
	s.cron.Remove(s.entry)
	return s.scheduleLocked()
}

func (s *Service) scheduleLocked() error {
	id, err := s.cron.AddFunc("@every "+s.cfg.Interval.String(), func() {
		if err := s.RunOnce(s.ctx); err != nil && !errors.Is(err, ErrCycleRunning) {
			s.log.Error("poll cycle", logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	s.entry = id
	return nil
}

// Snapshot returns cycle statistics.
func (s *Service) Snapshot() Stats {
	s.statMu.Lock()
	defer s.statMu.Unlock()
	return s.stats
}

// RunOnce executes a single poll cycle. At most one cycle runs at a time;
// a concurrent call returns ErrCycleRunning.
func (s *Service) RunOnce(ctx context.Context) error {
	if !s.inCycle.CompareAndSwap(false, true) {
		s.statMu.Lock()
		s.stats.CyclesSkipped++
		s.statMu.Unlock()
		return ErrCycleRunning
	}
	defer s.inCycle.Store(false)

	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	cycleID := uuid.NewString()[:8]
	log := s.log.With(logx.String("cycle", cycleID))
	started := time.Now()

	mids, err := s.store.DistinctEnabledPublishers(ctx)
	if err != nil {
		return err
	}

	var delivered, failed atomic.Int64
	sem := make(chan struct{}, cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, mid := range mids {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(mid int64) {
			defer wg.Done()
			defer func() { <-sem }()
			n, err := s.pollPublisher(ctx, log, mid)
			delivered.Add(int64(n))
			if err != nil {
				failed.Add(1)
			}
		}(mid)
	}
	wg.Wait()

	took := time.Since(started)
	s.statMu.Lock()
	s.stats.CyclesRun++
	s.stats.LastCycleAt = started
	s.stats.LastCycleTook = took
	s.stats.LastPublishers = len(mids)
	s.stats.LastDelivered = int(delivered.Load())
	s.stats.LastErrors = int(failed.Load())
	s.statMu.Unlock()

	log.Debug("cycle done",
		logx.Int("publishers", len(mids)),
		logx.Int64("delivered", delivered.Load()),
		logx.Int64("failed", failed.Load()),
		logx.Duration("took", took))
	return nil
}

// pollPublisher fetches one uploader and fans the result out to its
// subscriptions. Errors are contained here so one bad uploader cannot sink
// the rest of the cycle.
func (s *Service) pollPublisher(ctx context.Context, log logx.Logger, mid int64) (delivered int, err error) {
	item, err := s.fetch.LatestVideo(ctx, mid)
	if err != nil {
		switch {
		case errors.Is(err, bili.ErrRateLimited):
			log.Warn("uploader fetch rate limited", logx.Int64("mid", mid))
		case errors.Is(err, bili.ErrPermanent):
			log.Error("uploader fetch failed permanently", logx.Int64("mid", mid), logx.Err(err))
		default:
			log.Warn("uploader fetch failed", logx.Int64("mid", mid), logx.Err(err))
		}
		return 0, err
	}
	if item == nil {
		return 0, nil
	}

	subs, err := s.store.EnabledForPublisher(ctx, mid)
	if err != nil {
		return 0, err
	}

	wm := storage.Watermark{BVID: item.BVID, CreatedTS: item.CreatedTS}
	for _, sub := range subs {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if !sub.Seeded() {
			// Heal a subscription whose seed fetch failed at add time:
			// set the baseline without delivering the backlog.
			if err := s.store.AdvanceWatermark(ctx, sub.ID, wm); err != nil {
				log.Error("seed watermark", logx.Int64("sub", sub.ID), logx.Err(err))
			}
			continue
		}
		if !IsNew(item, sub) {
			continue
		}
		if n, err := s.deliverTo(ctx, log, sub, item, wm); err == nil {
			delivered += n
		}
	}
	return delivered, nil
}

func (s *Service) deliverTo(ctx context.Context, log logx.Logger, sub storage.Subscription, item *bili.Item, wm storage.Watermark) (int, error) {
	d := storage.Delivery{BVID: item.BVID, CreatedTS: item.CreatedTS, Destination: sub.Destination}
	dup, err := s.store.AlreadyDelivered(ctx, d)
	if err != nil {
		return 0, err
	}
	if dup {
		// Another subscription row already pushed this item to the chat;
		// just move the watermark forward.
		if err := s.store.AdvanceWatermark(ctx, sub.ID, wm); err != nil {
			log.Error("advance watermark", logx.Int64("sub", sub.ID), logx.Err(err))
		}
		return 0, nil
	}

	if err := s.push.Deliver(ctx, sub.Destination, item); err != nil {
		log.Error("push failed",
			logx.Int64("sub", sub.ID),
			logx.String("destination", sub.Destination),
			logx.String("bvid", item.BVID),
			logx.Err(err))
		// The watermark still advances: a broken destination must not
		// replay the item forever.
		if werr := s.store.AdvanceWatermark(ctx, sub.ID, wm); werr != nil {
			log.Error("advance watermark", logx.Int64("sub", sub.ID), logx.Err(werr))
		}
		return 0, err
	}

	if err := s.store.MarkDelivered(ctx, sub.ID, d, wm); err != nil {
		log.Error("record delivery", logx.Int64("sub", sub.ID), logx.Err(err))
		return 1, err
	}
	log.Info("pushed new video",
		logx.Int64("mid", item.MID),
		logx.String("bvid", item.BVID),
		logx.String("destination", sub.Destination))
	return 1, nil
}

// IsNew reports whether item is unseen by the subscription: either its
// timestamp is past the watermark, or its id differs from the one recorded
// (covers out-of-order publishing and id churn; id reuse with a newer
// timestamp also counts as new).
func IsNew(item *bili.Item, sub storage.Subscription) bool {
	return item.CreatedTS > sub.LastCreatedTS || item.BVID != sub.LastBVID
}
