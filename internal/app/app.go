// Package app wires the components together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"biliradar/internal/bili"
	"biliradar/internal/config"
	"biliradar/internal/notify"
	"biliradar/internal/observability/httpserv"
	"biliradar/internal/radar"
	rtsup "biliradar/internal/runtime/supervisor"
	"biliradar/internal/storage"
	"biliradar/internal/transport"
	"biliradar/internal/transport/telegram"
	"biliradar/internal/watch"
	logx "biliradar/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	signer  *bili.Signer
	client  *bili.Client
	adapter transport.Adapter
	notif   *notify.Service
	watch   *watch.Service
	radar   *radar.Handler
	status  *httpserv.Service

	retention time.Duration
	startedAt time.Time

	messages chan transport.Message
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	signerCfg, err := mapSignerConfig(cfg)
	if err != nil {
		return nil, err
	}
	signer := bili.NewSigner(signerCfg, log.With(logx.String("comp", "wbi")))

	clientCfg, err := mapClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	client := bili.NewClient(clientCfg, signer, log.With(logx.String("comp", "bili")))

	notifyCfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notify.New(notifyCfg, adapter, store, log.With(logx.String("comp", "notify")))

	watchCfg, err := mapWatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	watchSvc := watch.New(watchCfg, store, client, notif, log.With(logx.String("comp", "watch")))

	handler := radar.NewHandler(mapPermissions(cfg), store, client, notif, adapter,
		log.With(logx.String("comp", "radar")))

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		store:     store,
		signer:    signer,
		client:    client,
		adapter:   adapter,
		notif:     notif,
		watch:     watchSvc,
		radar:     handler,
		retention: storeCfg.DeliveryRetention,
		messages:  make(chan transport.Message, 256),
	}
	a.status = httpserv.New(mapStatusConfig(cfg), a.snapshot, log.With(logx.String("comp", "status")))
	return a, nil
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()

	// Transactional reload: a config that fails validation is never
	// committed or published.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSignerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapClientConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifyConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.messages); err != nil {
		return err
	}
	if err := a.watch.Start(a.sup.Context()); err != nil {
		return err
	}
	a.status.Start(a.sup.Context())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case msg, ok := <-a.messages:
				if !ok {
					return nil
				}
				a.radar.HandleMessage(c, msg)
			}
		}
	})

	if a.retention > 0 {
		a.sup.Go0("storage.prune", a.pruneLoop)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, cfg)
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// applyConfig hot-applies a validated config. Storage and the bot token
// cannot change at runtime; those sections need a restart.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(mapLogConfig(cfg))

	if wc, err := mapWatchConfig(cfg); err == nil {
		if err := a.watch.Apply(wc); err != nil {
			a.log.Warn("reschedule watch", logx.Err(err))
		}
	}
	if cc, err := mapClientConfig(cfg); err == nil {
		a.client.Apply(cc)
	}
	if nc, err := mapNotifyConfig(cfg); err == nil {
		a.notif.Apply(nc)
	}
	a.radar.Apply(mapPermissions(cfg))
	a.status.Reconfigure(ctx, mapStatusConfig(cfg))

	if sc, err := mapStorageConfig(cfg); err == nil && sc.Path != "" {
		if a.retention != sc.DeliveryRetention {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}

	a.log.Info("config reloaded")
}

// pruneLoop trims old delivery records on a slow cadence.
func (a *App) pruneLoop(ctx context.Context) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cutoff := time.Now().Add(-a.retention)
			n, err := a.store.PruneDeliveries(ctx, cutoff)
			if err != nil {
				a.log.Warn("prune deliveries", logx.Err(err))
				continue
			}
			if n > 0 {
				a.log.Debug("pruned deliveries", logx.Int64("removed", n))
			}
		}
	}
}

type statusSnapshot struct {
	Uptime     string      `json:"uptime"`
	WbiKeyAge  string      `json:"wbi_key_age"`
	Watch      watch.Stats `json:"watch"`
	Goroutines struct {
		Active  int64  `json:"active"`
		Started uint64 `json:"started"`
	} `json:"goroutines"`
}

func (a *App) snapshot() any {
	var s statusSnapshot
	s.Uptime = time.Since(a.startedAt).Round(time.Second).String()
	s.WbiKeyAge = a.signer.KeyAge().Round(time.Second).String()
	s.Watch = a.watch.Snapshot()
	if a.sup != nil {
		s.Goroutines.Active, s.Goroutines.Started = a.sup.Counters()
	}
	return s
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Each shutdown step gets an upper bound so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			} else {
				a.log.Debug("stop step done", logx.String("name", name),
					logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("watch", 5*time.Second, func(context.Context) error { a.watch.Stop(); return nil })
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
