package app

import (
	"adzanbot/internal/notifier"
	rtsup "adzanbot/internal/runtime/supervisor"
	"adzanbot/internal/task/engine"
	"adzanbot/internal/task/scheduler"
)

// Status is served at GET /api/v1/status.
type Status struct {
	Tasks      engine.Snapshot      `json:"tasks"`
	Schedules  []scheduleStatus     `json:"schedules"`
	Pending    []scheduler.OnceInfo `json:"pending"`
	Deliveries []notifier.Delivery  `json:"deliveries"`
	Routines   []rtsup.Stats        `json:"routines,omitempty"`
}

type scheduleStatus struct {
	Name string `json:"name"`
	Spec string `json:"spec"`
	Next string `json:"next,omitempty"`
}

func (a *App) status() any {
	snap := a.sched.Snapshot()
	st := Status{
		Tasks:      a.engine.Snapshot(),
		Pending:    snap.Once,
		Deliveries: a.notif.History(),
	}
	for _, sc := range snap.Schedules {
		ss := scheduleStatus{Name: sc.Name, Spec: sc.Spec}
		if !sc.Next.IsZero() {
			ss.Next = sc.Next.In(a.sched.Location()).Format("2006-01-02 15:04 MST")
		}
		st.Schedules = append(st.Schedules, ss)
	}
	if a.sup != nil {
		st.Routines = a.sup.Snapshot()
	}
	return st
}
