package app

import (
	"context"
	"strings"
	"time"

	"adzanbot/internal/config"
	"adzanbot/pkg/logx"
)

// validate rejects a reload before it is committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngine(cfg); err != nil {
		return err
	}
	if _, err := mapNotifier(cfg); err != nil {
		return err
	}
	if _, err := mapHTTP(cfg); err != nil {
		return err
	}
	if _, _, err := mapLocation(cfg); err != nil {
		return err
	}
	return nil
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			change := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if change.Empty() {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.applyConfig(c, newCfg, change)
			fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Fields...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

// applyConfig fans a committed config out to the running services.
func (a *App) applyConfig(c context.Context, cfg *config.Config, change config.Change) {
	if change.Has("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if change.Has("telegram") && (cfg.Telegram.Enabled != (a.tg != nil)) {
		a.log.Warn("telegram enabled flag changed; restart required")
	}
	if change.Has("mqtt") {
		a.log.Warn("mqtt config changed; restart required")
	}

	if change.Has("logging") {
		a.logs.Apply(mapLogging(cfg))
	}
	if a.cmdm != nil {
		a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)
		a.cmdm.SetLanguage(cfg.Alerts.Language)
	}

	if change.Has("task_engine") || change.Has("scheduler") {
		a.applyExecution(c, cfg)
	}

	if change.Has("notifier") {
		prev := a.notif.Enabled()
		if ncfg, err := mapNotifier(cfg); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(ncfg)
			switch {
			case prev && !ncfg.Enabled:
				a.log.Info("notifier disabled via config")
				stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			case !prev && ncfg.Enabled:
				a.log.Info("notifier enabled via config")
				a.notif.Start(c)
			}
		}
	}

	zone := a.tt.Zone()
	if change.Has("scheduler") {
		if z, err := config.LoadLocation(cfg.Scheduler.Timezone); err == nil {
			zone = z
			a.tt.SetZone(zone)
		}
	}

	if change.Has("prayer") {
		if lcfg, poll, err := mapLocation(cfg); err != nil {
			a.log.Warn("invalid location config; keeping previous", logx.Err(err))
		} else {
			a.locm.Apply(lcfg)
			if poll != a.pollSpec {
				if err := a.applyPoll(poll); err != nil {
					a.log.Warn("location poll update failed", logx.Err(err))
				}
			}
		}
	}

	if change.Has("alerts") || change.Has("scheduler") || change.Has("telegram") {
		a.alerts.Apply(mapAlerts(cfg, zone))
	}

	// Settings last: this recomputes and reconciles with everything above.
	if change.Has("prayer") || change.Has("alerts") || change.Has("scheduler") {
		if _, err := a.tt.ApplySettings(c, mapSettings(cfg)); err != nil {
			a.log.Warn("timetable update failed", logx.Err(err))
		}
	}

	if change.Has("http") {
		if hcfg, err := mapHTTP(cfg); err != nil {
			a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		} else if err := a.httpSrv.Apply(c, hcfg); err != nil {
			a.log.Error("http api restart failed", logx.Err(err))
		}
	}
}

// applyExecution updates the engine and scheduler. Engine starts before the
// scheduler and stops after it.
func (a *App) applyExecution(c context.Context, cfg *config.Config) {
	prevSched := a.sched.Enabled()
	prevEng := a.engine.Enabled()

	engCfg, err := mapTaskEngine(cfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		engCfg.Enabled = prevEng
	} else {
		a.engine.Apply(c, engCfg)
	}
	a.sched.Apply(mapScheduler(cfg))

	stop := func(name string, fn func(context.Context)) {
		a.log.Info(name + " disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		fn(stopCtx)
		cancel()
	}
	if prevSched && !cfg.Scheduler.Enabled {
		stop("scheduler", a.sched.Stop)
	}
	if prevEng && !engCfg.Enabled {
		stop("task engine", a.engine.Stop)
	}
	if !prevEng && engCfg.Enabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(c)
	}
	if !prevSched && cfg.Scheduler.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}
}
