package app

import (
	"context"
	"fmt"
	"time"

	"adzanbot/internal/alerts"
	"adzanbot/internal/completion"
	"adzanbot/internal/config"
	"adzanbot/internal/eventbus"
	"adzanbot/internal/httpapi"
	"adzanbot/internal/location"
	"adzanbot/internal/notifier"
	"adzanbot/internal/prayercache"
	rtsup "adzanbot/internal/runtime/supervisor"
	"adzanbot/internal/storage"
	"adzanbot/internal/task/engine"
	"adzanbot/internal/task/scheduler"
	"adzanbot/internal/timetable"
	"adzanbot/internal/transport"
	"adzanbot/internal/transport/mqtt"
	"adzanbot/internal/transport/telegram"
	"adzanbot/pkg/logx"
	"adzanbot/pkg/prayertime"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tg *telegram.Adapter
	mq *mqtt.Adapter

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service

	cache   *prayercache.Cache
	locm    *location.Manager
	alerts  *alerts.Scheduler
	tt      *timetable.Service
	httpSrv *httpapi.Server
	cmdm    *CommandManager

	pollSpec string
	updates  chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorage(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	zone, err := config.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}

	engCfg, err := mapTaskEngine(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(mapScheduler(cfg), engineSvc, log.With(logx.String("comp", "scheduler")))

	ncfg, err := mapNotifier(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notifier.New(ncfg, log.With(logx.String("comp", "notifier")), bus, store)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		engine:  engineSvc,
		sched:   schedSvc,
		notif:   notifSvc,
		updates: make(chan transport.Update, 64),
	}

	if cfg.Telegram.Enabled {
		tcfg, err := mapTelegram(cfg)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		a.tg = ad
		notifSvc.Register(transport.ChannelTelegram, ad)
		logSvc.SetForwarder(a.forwardLog)
	}
	if cfg.MQTT.Enabled {
		mcfg, err := mapMQTT(cfg)
		if err != nil {
			return nil, err
		}
		ad, err := mqtt.New(mcfg, log.With(logx.String("comp", "mqtt")))
		if err != nil {
			return nil, err
		}
		a.mq = ad
		notifSvc.Register(transport.ChannelMQTT, ad)
	}

	lcfg, pollSpec, err := mapLocation(cfg)
	if err != nil {
		return nil, err
	}
	a.pollSpec = pollSpec
	hcfg, err := mapHTTP(cfg)
	if err != nil {
		return nil, err
	}

	a.cache = prayercache.New(prayercache.Options{Store: store, Log: log, Location: zone})
	tracker := completion.New(store, log.With(logx.String("comp", "completion")))

	pushed := &location.Pushed{}
	pushed.Set(lcfg.Default)
	a.locm = location.New(lcfg, pushed, store, log, bus)

	a.alerts = alerts.New(mapAlerts(cfg, zone), schedSvc, notifSvc, log, bus)
	a.tt = timetable.New(mapSettings(cfg), timetable.Options{
		Registry: prayertime.DefaultRegistry(),
		Cache:    a.cache,
		Location: a.locm,
		Alerts:   a.alerts,
		Tracker:  tracker,
		Bus:      bus,
		Log:      log,
		Zone:     zone,
	})
	a.httpSrv = httpapi.New(hcfg, a.tt, store, log.With(logx.String("comp", "http")))
	a.httpSrv.SetStatus(a.status)
	if a.tg != nil {
		a.cmdm = NewCommandManager(log.With(logx.String("comp", "commands")), a.tg, a.tt,
			cfg.Telegram.OwnerUserIDs, cfg.Alerts.Language)
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	if a.sched.Enabled() {
		a.sched.Start(run)
	}
	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	if a.mq != nil {
		if err := a.mq.Start(run); err != nil {
			// Alerts still go out on other channels; paho keeps retrying.
			a.log.Warn("mqtt connect failed", logx.Err(err))
		}
	}
	if a.tg != nil {
		if err := a.tg.Start(run, a.updates); err != nil {
			return err
		}
		if err := a.tg.UpdateMenuCommands(a.cmdm.Menu()); err != nil {
			a.log.Warn("set bot commands failed", logx.Err(err))
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmdm.DispatchLoop(c, a.updates)
		})
	}

	a.locm.Restore(run)
	a.tt.Warm(run)
	if _, err := a.tt.Today(run); err != nil {
		// Not fatal: the sync job retries.
		a.log.Warn("initial timetable failed", logx.Err(err))
	}
	if err := a.registerJobs(); err != nil {
		return err
	}

	if err := a.httpSrv.Start(run); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// forwardLog delivers a log line to the alerts chat.
func (a *App) forwardLog(ctx context.Context, text string) error {
	if a.tg == nil {
		return nil
	}
	to := alertTarget(a.cfgm.Get())
	if to.ChatID == 0 {
		return nil
	}
	_, err := a.tg.SendText(ctx, to, text, &transport.SendOptions{DisablePreview: true})
	return err
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				a.log.Warn("stop step skipped, deadline passed", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
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
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 2*time.Second, func(c context.Context) error { a.httpSrv.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.tg != nil {
			return a.tg.Stop(c)
		}
		return nil
	})
	step("mqtt", time.Second, func(c context.Context) error {
		if a.mq != nil {
			return a.mq.Stop(c)
		}
		return nil
	})
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
