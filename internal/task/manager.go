package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"botkit/internal/appdata"
	"botkit/internal/eventbus"
	"botkit/internal/identity"
	"botkit/internal/record"
	"botkit/internal/registry"
	"botkit/internal/storage"
	logx "botkit/pkg/logx"
)

// Bus event types published by the scheduler.
const (
	EventExecute = "task.execute"
	EventTimeout = "task.timeout"
	EventImport  = "task.import"
)

// FireEvent is the payload for execute/timeout/import bus events.
type FireEvent struct {
	Task     string `json:"task"`
	RecordID string `json:"record_id"`
	ChatID   int64  `json:"chat_id"`
	UserID   int64  `json:"user_id"`
	Executed int    `json:"executed"`
	Resume   bool   `json:"resume,omitempty"`
}

// graceDelay gives synchronous persistence triggered by an executor a
// moment to settle before the next timer is armed.
const graceDelay = 5 * time.Millisecond

// Manager drives one live timer per active task record.
type Manager struct {
	log logx.Logger
	bus eventbus.Bus

	tasks   *registry.Registry[*Task]
	records *record.Manager[RecordInfo]
	data    *appdata.Manager

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewManager wires the scheduler onto a store. Records live in the "task"
// namespace under a fresh session identity.
func NewManager(st storage.Store, bus eventbus.Bus, data *appdata.Manager, log logx.Logger) *Manager {
	if bus == nil {
		bus = eventbus.New()
	}
	m := &Manager{
		log:    log.With(logx.String("component", "task")),
		bus:    bus,
		tasks:  registry.New(func(t *Task) string { return t.Name }),
		data:   data,
		timers: map[string]*time.Timer{},
	}
	m.records = record.NewManager[RecordInfo]("task", identity.New("TS"), st, log)
	m.records.OnImport(m.resumeImported)
	return m
}

// Records exposes the underlying record manager (lookups, FilterOwned).
func (m *Manager) Records() *record.Manager[RecordInfo] { return m.records }

// Register installs an immutable task template and queues re-adoption of
// any dormant records the template owned in a previous run.
func (m *Manager) Register(t *Task) error {
	if err := t.validate(); err != nil {
		return err
	}
	if _, err := m.tasks.Add(t); err != nil {
		return fmt.Errorf("task %q: %w", t.Name, err)
	}
	return m.records.Import(t.Name)
}

// SetReady releases the import gate. Call it once the surrounding
// application (transport, storage) is fully initialized.
func (m *Manager) SetReady() { m.records.SetReady() }

// Instantiate starts a task for a chat/user and returns the record id.
// With immediate set the first firing is due right away, otherwise one
// cadence step from now.
func (m *Manager) Instantiate(name string, chatID, userID int64, immediate bool) (string, error) {
	t, _, err := m.tasks.Get(name, true, false)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	now := time.Now().UnixMilli()
	next := now
	if !immediate {
		next = t.nextAfter(now)
	}
	rec, err := m.records.Add(name, RecordInfo{
		ChatID: chatID,
		UserID: userID,
		Start:  now,
		Next:   next,
	})
	if err != nil {
		return "", err
	}
	m.arm(rec.ID, 0)
	return rec.ID, nil
}

// Handle returns the manual control handle for a running record.
func (m *Manager) Handle(recordID string) *Handle {
	return &Handle{m: m, id: recordID}
}

// Close stops all pending timers. Records stay persisted for the next run.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id, tm := range m.timers {
		tm.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
}

func (m *Manager) resumeImported(id string) {
	rec, ok, _ := m.records.Get(id, false, false)
	if !ok {
		return
	}
	m.bus.Publish(EventImport, FireEvent{
		Task:     rec.OwnerKey,
		RecordID: id,
		ChatID:   rec.Info.ChatID,
		UserID:   rec.Info.UserID,
		Executed: rec.Info.Executed,
		Resume:   true,
	})
	m.check(id, "", true)
}

// arm stores a fresh verification token on the record and schedules
// exactly one timer for it. Any previously scheduled timer is neutralized
// by the token mismatch even if it cannot be stopped in time.
func (m *Manager) arm(id string, delay time.Duration) {
	key := uuid.NewString()
	if _, err := m.records.Update(id, func(i *RecordInfo) { i.VerifyKey = key }); err != nil {
		return // record already gone
	}
	tm := time.AfterFunc(delay, func() { m.check(id, key, false) })

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		tm.Stop()
		return
	}
	if old := m.timers[id]; old != nil {
		old.Stop()
	}
	m.timers[id] = tm
	m.mu.Unlock()
}

// check is the scheduling core. key is the firing timer's token ("" on
// resume and post-timeout paths); resume marks re-adoption checks.
func (m *Manager) check(id, key string, resume bool) {
	rec, ok, _ := m.records.Get(id, false, false)
	if !ok {
		m.clearTimer(id)
		return
	}
	if key != "" && key != rec.Info.VerifyKey {
		return // superseded by a newer arm
	}

	t, ok, _ := m.tasks.Get(rec.OwnerKey, false, false)
	if !ok {
		// The owning template was unregistered while records still
		// reference it. The record is silently orphaned: never retried,
		// never deleted. Known gap, kept deliberately.
		m.log.Debug("record orphaned, owner template missing",
			logx.String("id", id), logx.String("owner", rec.OwnerKey))
		return
	}

	if t.MaxExecutions > 0 && rec.Info.Executed >= t.MaxExecutions {
		m.remove(id)
		return
	}

	now := time.Now().UnixMilli()
	drift := now - rec.Info.Next

	if t.Timeout > 0 && drift > t.Timeout.Milliseconds() && !rec.Locked {
		_ = m.records.Lock(id)
		m.bus.Publish(EventTimeout, FireEvent{
			Task: t.Name, RecordID: id,
			ChatID: rec.Info.ChatID, UserID: rec.Info.UserID,
			Executed: rec.Info.Executed, Resume: resume,
		})
		go m.runTimeout(t, id, resume)
		return
	}

	switch {
	case drift > 0 && resume:
		m.reconcile(t, id, now)
	case drift > 0:
		m.execute(id)
	default:
		_ = m.records.Unlock(id)
		m.arm(id, time.Duration(-drift)*time.Millisecond)
	}
}

func (m *Manager) runTimeout(t *Task, id string, resume bool) {
	if t.OnTimeout != nil {
		if rec, ok, _ := m.records.Get(id, false, false); ok {
			t.OnTimeout(*rec, m.Handle(id), resume)
		}
	}
	// The handler's completion drives the next check; the record is still
	// locked, so the timeout branch cannot re-enter.
	m.check(id, "", resume)
}

// reconcile applies the catch-up policy to a resumed record whose due time
// elapsed while no scheduler was running.
func (m *Manager) reconcile(t *Task, id string, now int64) {
	timing, reposition := t.Policy.parts()

	if _, err := m.records.Update(id, func(i *RecordInfo) {
		switch reposition {
		case "restart":
			i.Next = now
		default: // ignore, redo
			i.Next = t.catchUp(i.Next, now)
		}
	}); err != nil {
		return
	}

	if timing == "next" {
		// Skip the missed occurrence, schedule one cadence step ahead.
		if _, err := m.records.Update(id, func(i *RecordInfo) {
			i.Next = t.nextAfter(i.Next)
		}); err != nil {
			return
		}
		m.arm(id, 0)
		return
	}
	m.execute(id)
}

// execute performs one firing: advance the due time, bump the counter,
// invoke the executor, then re-arm after a short grace period.
func (m *Manager) execute(id string) {
	rec, ok, _ := m.records.Get(id, false, false)
	if !ok {
		return
	}
	t, ok, _ := m.tasks.Get(rec.OwnerKey, false, false)
	if !ok {
		return
	}

	info, err := m.records.Update(id, func(i *RecordInfo) {
		i.Next = t.nextAfter(i.Next)
		i.Executed++
	})
	if err != nil {
		return
	}

	m.bus.Publish(EventExecute, FireEvent{
		Task: t.Name, RecordID: id,
		ChatID: info.ChatID, UserID: info.UserID,
		Executed: info.Executed,
	})
	snap := *rec
	snap.Info = info
	t.Execute(snap, m.Handle(id), m.data.DataMan(t.Name, appdata.Space{
		ChatID: info.ChatID,
		UserID: info.UserID,
	}))

	time.Sleep(graceDelay)
	m.arm(id, 0)
}

func (m *Manager) remove(id string) {
	m.records.Delete(id)
	m.clearTimer(id)
}

func (m *Manager) clearTimer(id string) {
	m.mu.Lock()
	if tm := m.timers[id]; tm != nil {
		tm.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
}
