// Package app assembles the bot: config, logging, storage, transport,
// campaign engine, notifier, audit, and the command router.
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"heraldbot/internal/audit"
	"heraldbot/internal/campaign"
	"heraldbot/internal/config"
	"heraldbot/internal/eventbus"
	"heraldbot/internal/notifier"
	"heraldbot/internal/router"
	rtsup "heraldbot/internal/runtime/supervisor"
	"heraldbot/internal/storage"
	kit "heraldbot/internal/transport"
	telegram "heraldbot/internal/transport/telegram"
	logx "heraldbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	engine  *campaign.Service
	notif   *notifier.Service
	auditor *audit.Writer
	routes  *router.Router

	// storageCfg is the driver config the store was opened with; a reload
	// that changes it needs a restart.
	storageCfg storage.Config

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the Telegram sink disabled, point it at the log chat,
	// then apply the real config; Apply would warn about a missing target
	// otherwise.
	baseLogCfg := mapLogConfig(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))

	if chatID := logChatID(cfg); chatID != 0 {
		logSvc.SetTelegramTarget(chatID)
	}
	logSvc.Apply(mapLogConfig(cfg))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)
	notif.SetAdmins(cfg.Telegram.AdminUserIDs)

	ccfg, err := mapCampaignConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine := campaign.New(ccfg, store, ad, notif, bus, log.With(logx.String("comp", "campaigns")))

	routes := router.New(log.With(logx.String("comp", "router")), ad, store, engine, cfg.Telegram.AdminUserIDs)
	routes.SetTimezone(campaignLocation(cfg))

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		storageCfg: sc,
		adapter:    ad,
		engine:     engine,
		notif:      notif,
		auditor:    audit.New(store, bus, log.With(logx.String("comp", "audit"))),
		routes:     routes,
		updates:    make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is cancelled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional reload: a config that fails validation is never
	// committed or published.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapCampaignConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	// The auditor goes first: engine startup recovery publishes events it
	// must record.
	a.sup.Go0("audit", func(c context.Context) {
		a.auditor.Run(c)
	})

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.routes.DispatchLoop(c, a.updates)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}

	if chatID := logChatID(cfg); chatID != 0 {
		a.logs.SetTelegramTarget(chatID)
	} else {
		a.logs.SetTelegramTarget(0)
	}
	a.logs.Apply(mapLogConfig(cfg))

	a.routes.SetOwners(cfg.Telegram.AdminUserIDs)
	a.routes.SetTimezone(campaignLocation(cfg))
	a.notif.SetAdmins(cfg.Telegram.AdminUserIDs)

	// Storage driver changes need a restart; everything else is live.
	if sc, err := mapStorageConfig(cfg); err == nil && sc != a.storageCfg {
		a.log.Warn("storage config changed; restart required for it to take effect")
	}

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if ccfg, err := mapCampaignConfig(cfg); err != nil {
		a.log.Warn("invalid campaigns config; keeping previous", logx.Err(err))
	} else {
		prev := a.engine.Enabled()
		a.engine.Apply(ccfg)
		switch {
		case prev && !ccfg.Enabled:
			a.log.Info("campaign engine disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			a.engine.Stop(stopCtx)
			cancel()
		case !prev && ccfg.Enabled:
			a.log.Info("campaign engine enabled via config")
			a.engine.Start(ctx)
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bound each shutdown step so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem > 0 && rem < max {
				max = rem
			}
		}
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
				a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("campaigns", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func logChatID(cfg *config.Config) int64 {
	s := strings.TrimSpace(cfg.Telegram.GroupLog)
	if s == "" {
		return 0
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
