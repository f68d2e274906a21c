package app

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"adzanbot/internal/location"
	"adzanbot/internal/timetable"
	"adzanbot/internal/transport"
	"adzanbot/pkg/logx"
	"adzanbot/pkg/prayertime"
)

const defaultCommandTimeout = 20 * time.Second

// commandBackend is what chat commands read and mutate.
type commandBackend interface {
	Today(ctx context.Context) (timetable.View, error)
	Refresh(ctx context.Context) (timetable.View, error)
	Next(ctx context.Context) (timetable.PrayerView, error)
	MarkCompleted(ctx context.Context, p prayertime.Prayer, done bool) error
	OnLocation(ctx context.Context, r location.Reading) (location.Change, timetable.View, error)
}

type replier interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

type Request struct {
	Chat   transport.ChatTarget
	FromID int64
	Args   []string
	ReqID  string
}

type HandlerFunc func(ctx context.Context, req *Request) (string, error)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration
	Handle      HandlerFunc
}

// CommandManager routes chat updates to commands. Every command is owner
// only; strangers get a single "unauthorized" reply.
type CommandManager struct {
	mu      sync.RWMutex
	log     logx.Logger
	out     replier
	backend commandBackend
	owners  map[int64]struct{}
	lang    string

	cmds  map[string]*Command
	alias map[string]*Command
	list  []*Command

	jobs chan func()
	now  func() time.Time
}

func NewCommandManager(log logx.Logger, out replier, backend commandBackend, owners []int64, lang string) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &CommandManager{
		log:     log,
		out:     out,
		backend: backend,
		lang:    lang,
		cmds:    map[string]*Command{},
		alias:   map[string]*Command{},
		jobs:    make(chan func(), 64),
		now:     time.Now,
	}
	m.SetOwners(owners)
	m.registerBuiltins()
	return m
}

func (m *CommandManager) SetOwners(ids []int64) {
	owners := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		owners[id] = struct{}{}
	}
	m.mu.Lock()
	m.owners = owners
	m.mu.Unlock()
}

func (m *CommandManager) SetLanguage(lang string) {
	m.mu.Lock()
	m.lang = lang
	m.mu.Unlock()
}

func (m *CommandManager) language() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lang
}

func (m *CommandManager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.owners[id]
	return ok
}

func (m *CommandManager) Register(c Command) error {
	name := strings.ToLower(strings.TrimSpace(c.Name))
	if name == "" || c.Handle == nil {
		return errors.New("command: name and handler are required")
	}
	c.Name = name
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.cmds[name]; dup {
		return fmt.Errorf("command %q already registered", name)
	}
	cp := &c
	m.cmds[name] = cp
	for _, a := range c.Aliases {
		m.alias[strings.ToLower(a)] = cp
	}
	m.list = append(m.list, cp)
	return nil
}

// Menu lists the commands for the platform menu.
func (m *CommandManager) Menu() []transport.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]transport.BotCommand, 0, len(m.list))
	for _, c := range m.list {
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

func (m *CommandManager) lookup(word string) (*Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cmds[word]; ok {
		return c, true
	}
	c, ok := m.alias[word]
	return c, ok
}

// DispatchLoop consumes updates until ctx ends or updates is closed.
// Handlers run on a small bounded pool.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	if workers > 4 {
		workers = 4
	}
	m.log.Info("command dispatcher started", logx.Int("workers", workers))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("panic in command worker", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-m.jobs:
					job()
				}
			}
		}()
	}
	defer func() {
		wg.Wait()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *CommandManager) route(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	to := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	if up.Kind == transport.UpdateLocation {
		if up.Location == nil {
			return
		}
		loc := *up.Location
		m.enqueue(ctx, msg, to, "location", defaultCommandTimeout, func(c context.Context, _ *Request) (string, error) {
			return m.handleLocation(c, loc)
		}, nil)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	cmd, ok := m.lookup(word)
	if !ok {
		m.reply(ctx, to, "unknown command. try /help")
		return
	}
	m.enqueue(ctx, msg, to, cmd.Name, cmd.Timeout, cmd.Handle, parts[1:])
}

func (m *CommandManager) enqueue(ctx context.Context, msg *transport.Message, to transport.ChatTarget, name string, timeout time.Duration, h HandlerFunc, args []string) {
	if !m.isOwner(msg.FromID) {
		m.log.Warn("command rejected", logx.String("cmd", name), logx.Int64("from", msg.FromID))
		m.reply(ctx, to, "unauthorized")
		return
	}
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	req := &Request{Chat: to, FromID: msg.FromID, Args: args, ReqID: uuid.NewString()[:8]}
	job := func() {
		c, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := m.now()
		out, err := h(c, req)
		log := m.log.With(logx.String("cmd", name), logx.String("req", req.ReqID), logx.Duration("took", m.now().Sub(start)))
		if err != nil {
			log.Warn("command failed", logx.Err(err))
			m.reply(ctx, to, "error: "+err.Error())
			return
		}
		log.Debug("command done")
		if out != "" {
			m.reply(ctx, to, out)
		}
	}
	select {
	case m.jobs <- job:
	case <-ctx.Done():
	default:
		m.log.Warn("command queue full", logx.String("cmd", name))
		m.reply(ctx, to, "busy, try again")
	}
}

func (m *CommandManager) reply(ctx context.Context, to transport.ChatTarget, text string) {
	if m.out == nil {
		return
	}
	if _, err := m.out.SendText(ctx, to, text, &transport.SendOptions{DisablePreview: true}); err != nil {
		m.log.Warn("reply failed", logx.Err(err))
	}
}

func (m *CommandManager) registerBuiltins() {
	for _, c := range []Command{
		{Name: "times", Aliases: []string{"jadwal", "today"}, Description: "today's prayer times", Handle: m.cmdTimes},
		{Name: "next", Aliases: []string{"berikutnya"}, Description: "next prayer", Handle: m.cmdNext},
		{Name: "done", Aliases: []string{"selesai"}, Description: "mark a prayer completed", Usage: "/done <prayer>", Handle: m.cmdDone(true)},
		{Name: "undo", Aliases: []string{"batal"}, Description: "clear a completed mark", Usage: "/undo <prayer>", Handle: m.cmdDone(false)},
		{Name: "refresh", Description: "recompute today's times", Timeout: 30 * time.Second, Handle: m.cmdRefresh},
		{Name: "help", Aliases: []string{"start"}, Description: "list commands", Handle: m.cmdHelp},
	} {
		_ = m.Register(c)
	}
}

func (m *CommandManager) cmdTimes(ctx context.Context, _ *Request) (string, error) {
	v, err := m.backend.Today(ctx)
	if err != nil {
		return "", err
	}
	return formatView(v), nil
}

func (m *CommandManager) cmdRefresh(ctx context.Context, _ *Request) (string, error) {
	v, err := m.backend.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return "refreshed\n\n" + formatView(v), nil
}

func (m *CommandManager) cmdNext(ctx context.Context, _ *Request) (string, error) {
	p, err := m.backend.Next(ctx)
	if err != nil {
		return "", err
	}
	return formatNext(p, m.now()), nil
}

func (m *CommandManager) cmdDone(done bool) HandlerFunc {
	return func(ctx context.Context, req *Request) (string, error) {
		if len(req.Args) == 0 {
			if done {
				return "usage: /done <prayer>", nil
			}
			return "usage: /undo <prayer>", nil
		}
		p, err := prayertime.ParsePrayer(req.Args[0])
		if err != nil {
			return fmt.Sprintf("unknown prayer %q", req.Args[0]), nil
		}
		if err := m.backend.MarkCompleted(ctx, p, done); err != nil {
			return "", err
		}
		if done {
			return fmt.Sprintf("%s marked completed", displayName(m.language(), p)), nil
		}
		return fmt.Sprintf("%s unmarked", displayName(m.language(), p)), nil
	}
}

func (m *CommandManager) cmdHelp(context.Context, *Request) (string, error) {
	m.mu.RLock()
	cmds := append([]*Command(nil), m.list...)
	m.mu.RUnlock()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })

	var b strings.Builder
	b.WriteString("commands:\n")
	for _, c := range cmds {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		fmt.Fprintf(&b, "%s  %s\n", usage, c.Description)
	}
	b.WriteString("\nshare a location to update it")
	return b.String(), nil
}

func (m *CommandManager) handleLocation(ctx context.Context, loc transport.Location) (string, error) {
	change, v, err := m.backend.OnLocation(ctx, location.Reading{
		Coords: prayertime.Coordinates{Latitude: loc.Latitude, Longitude: loc.Longitude},
		Source: "pushed",
	})
	if err != nil {
		return "", err
	}
	if !change.Significant {
		return fmt.Sprintf("location noted (%.1f km from current); times unchanged", change.DistanceKm), nil
	}
	return "location updated\n\n" + formatView(v), nil
}
