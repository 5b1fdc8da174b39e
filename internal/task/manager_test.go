package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"botkit/internal/appdata"
	"botkit/internal/eventbus"
	"botkit/internal/identity"
	"botkit/internal/storage"
	logx "botkit/pkg/logx"
)

const recordsNS = "records:task"

func newTestManager(st storage.Store, bus eventbus.Bus) *Manager {
	return NewManager(st, bus, appdata.NewManager(st, logx.Nop()), logx.Nop())
}

// plantDormant writes a foreign-session task record straight into the
// store, simulating state left behind by a previous process run.
func plantDormant(t *testing.T, st storage.Store, owner string, info RecordInfo) string {
	t.Helper()
	sess := identity.New("TS")
	id := sess.Generate()
	b, err := json.Marshal(map[string]any{
		"id":      id,
		"session": sess.Tag(),
		"owner":   owner,
		"info":    info,
	})
	require.NoError(t, err)
	require.NoError(t, st.Set(context.Background(), recordsNS, id, string(b)))
	return id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterValidates(t *testing.T) {
	t.Parallel()

	m := newTestManager(storage.NewMemory(), nil)
	defer m.Close()

	err := m.Register(&Task{Name: "bad"})
	require.ErrorIs(t, err, ErrInvalidTask)

	require.NoError(t, m.Register(&Task{Name: "ok", Execute: noopExec, Interval: time.Hour}))
	err = m.Register(&Task{Name: "ok", Execute: noopExec, Interval: time.Hour})
	require.Error(t, err, "duplicate name must be rejected")
}

func TestInstantiateUnknownTask(t *testing.T) {
	t.Parallel()

	m := newTestManager(storage.NewMemory(), nil)
	defer m.Close()
	m.SetReady()

	_, err := m.Instantiate("ghost", 1, 2, false)
	require.ErrorIs(t, err, ErrUnknownTask)
}

func TestExecutesUntilCapThenRemoves(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	m := newTestManager(st, nil)
	defer m.Close()

	fired := make(chan int, 8)
	require.NoError(t, m.Register(&Task{
		Name:          "counter",
		Interval:      25 * time.Millisecond,
		MaxExecutions: 3,
		Execute: func(rec TaskRecord, h *Handle, data *appdata.DataMan) {
			if rec.Info.ChatID != 42 || rec.Info.UserID != 7 {
				t.Errorf("unexpected scope: %+v", rec.Info)
			}
			if err := data.Set(rec.Info.Executed, "last"); err != nil {
				t.Errorf("data set: %v", err)
			}
			fired <- rec.Info.Executed
		},
	}))
	m.SetReady()

	id, err := m.Instantiate("counter", 42, 7, true)
	require.NoError(t, err)
	require.True(t, m.Records().Session().IsMember(id))

	for want := 1; want <= 3; want++ {
		select {
		case got := <-fired:
			require.Equal(t, want, got)
		case <-time.After(3 * time.Second):
			t.Fatalf("execution %d never happened", want)
		}
	}

	// Cap reached: the record disappears from memory and storage, and no
	// further firings arrive.
	waitFor(t, "record removal", func() bool { return m.Records().Len() == 0 })
	entries, err := st.GetAll(context.Background(), recordsNS)
	require.NoError(t, err)
	require.Empty(t, entries)

	select {
	case n := <-fired:
		t.Fatalf("fired again after cap: %d", n)
	case <-time.After(100 * time.Millisecond):
	}

	// Executor state written through the scoped accessor is readable.
	dm := appdata.NewManager(st, logx.Nop()).DataMan("counter", appdata.Space{ChatID: 42, UserID: 7})
	require.Equal(t, float64(3), dm.Get("last"))
}

func TestSupersededTokenIsNoOp(t *testing.T) {
	t.Parallel()

	m := newTestManager(storage.NewMemory(), nil)
	defer m.Close()

	fired := make(chan struct{}, 8)
	require.NoError(t, m.Register(&Task{
		Name:     "stale",
		Interval: time.Hour,
		Execute:  func(TaskRecord, *Handle, *appdata.DataMan) { fired <- struct{}{} },
	}))
	m.SetReady()

	// Build an overdue record by hand so no timer is in flight yet.
	next := time.Now().UnixMilli() - time.Minute.Milliseconds()
	rec, err := m.records.Add("stale", RecordInfo{ChatID: 1, UserID: 1, Next: next})
	require.NoError(t, err)

	m.arm(rec.ID, time.Hour)
	snap, ok, err := m.records.Get(rec.ID, true, false)
	require.NoError(t, err)
	require.True(t, ok)
	oldKey := snap.Info.VerifyKey
	require.NotEmpty(t, oldKey)

	// A second arm supersedes the first token.
	m.arm(rec.ID, time.Hour)

	// The old token must be a pure no-op, however often it fires, even
	// though the record is overdue.
	m.check(rec.ID, oldKey, false)
	m.check(rec.ID, oldKey, false)

	select {
	case <-fired:
		t.Fatal("superseded token executed")
	default:
	}
	snap, _, err = m.records.Get(rec.ID, true, false)
	require.NoError(t, err)
	require.Equal(t, 0, snap.Info.Executed)
	require.Equal(t, next, snap.Info.Next)

	// The current token still drives the record.
	snap, _, _ = m.records.Get(rec.ID, true, false)
	m.check(rec.ID, snap.Info.VerifyKey, false)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("live token did not execute an overdue record")
	}
}

func TestResetTimerPostponesFiring(t *testing.T) {
	t.Parallel()

	m := newTestManager(storage.NewMemory(), nil)
	defer m.Close()

	fired := make(chan struct{}, 8)
	require.NoError(t, m.Register(&Task{
		Name:          "slow",
		Interval:      40 * time.Millisecond,
		MaxExecutions: 1,
		Execute:       func(TaskRecord, *Handle, *appdata.DataMan) { fired <- struct{}{} },
	}))
	m.SetReady()

	id, err := m.Instantiate("slow", 1, 1, false)
	require.NoError(t, err)
	require.NoError(t, m.Handle(id).ResetTimer(400*time.Millisecond))

	// The original 40ms timer still fires, finds the record not yet due,
	// and re-arms for the remainder instead of executing.
	select {
	case <-fired:
		t.Fatal("fired before the postponed due time")
	case <-time.After(200 * time.Millisecond):
	}
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("postponed firing never happened")
	}
}

// Application code drives handles from its own goroutines (e.g. chat
// handlers) while the timer goroutine fires; that must be safe (run with
// -race).
func TestHandleUseDuringFirings(t *testing.T) {
	t.Parallel()

	m := newTestManager(storage.NewMemory(), nil)
	defer m.Close()

	require.NoError(t, m.Register(&Task{
		Name:     "busy",
		Interval: time.Millisecond,
		Execute:  noopExec,
	}))
	m.SetReady()

	id, err := m.Instantiate("busy", 1, 1, true)
	require.NoError(t, err)
	h := m.Handle(id)

	for i := 0; i < 100; i++ {
		require.NoError(t, h.ResetTimer(time.Millisecond))
		if i%10 == 0 {
			recs := m.Records().FilterOwned("busy", nil)
			require.Len(t, recs, 1)
		}
		time.Sleep(time.Millisecond / 2)
	}

	h.Kill()
	require.Equal(t, 0, m.Records().Len())
}

func TestKillStopsRecord(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	m := newTestManager(st, nil)
	defer m.Close()

	require.NoError(t, m.Register(&Task{
		Name:     "victim",
		Interval: time.Hour,
		Execute:  noopExec,
	}))
	m.SetReady()

	id, err := m.Instantiate("victim", 1, 1, false)
	require.NoError(t, err)
	require.Equal(t, 1, m.Records().Len())

	m.Handle(id).Kill()
	require.Equal(t, 0, m.Records().Len())
	entries, err := st.GetAll(context.Background(), recordsNS)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestResumeNextIgnoreSkipsMissedFirings(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	now := time.Now().UnixMilli()
	plantDormant(t, st, "digest", RecordInfo{
		ChatID: 5, UserID: 5,
		Start:    now - 10*time.Hour.Milliseconds(),
		Next:     now - 90*time.Minute.Milliseconds(),
		Executed: 2,
	})

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	m := newTestManager(st, bus)
	defer m.Close()

	fired := make(chan struct{}, 8)
	require.NoError(t, m.Register(&Task{
		Name:     "digest",
		Interval: time.Hour,
		Policy:   NextIgnore,
		Execute:  func(TaskRecord, *Handle, *appdata.DataMan) { fired <- struct{}{} },
	}))
	m.SetReady()

	// Re-adoption and reconciliation run synchronously inside SetReady.
	select {
	case <-fired:
		t.Fatal("next-* policy must not execute the missed firing")
	default:
	}

	recs := m.Records().FilterOwned("digest", nil)
	require.Len(t, recs, 1)
	require.Equal(t, 2, recs[0].Info.Executed, "missed firings are dropped, not counted")
	require.Greater(t, recs[0].Info.Next, now, "due time must land in the future")
	require.LessOrEqual(t, recs[0].Info.Next, now+time.Hour.Milliseconds()+1000)

	// The re-adoption was announced on the bus.
	select {
	case ev := <-events:
		require.Equal(t, EventImport, ev.Type)
		fe := ev.Data.(FireEvent)
		require.Equal(t, "digest", fe.Task)
		require.True(t, fe.Resume)
	case <-time.After(time.Second):
		t.Fatal("no import event on the bus")
	}
}

func TestResumeCurrIgnoreExecutesOnce(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	now := time.Now().UnixMilli()
	plantDormant(t, st, "poll", RecordInfo{
		ChatID:   9,
		Next:     now - 90*time.Minute.Milliseconds(),
		Executed: 2,
	})

	m := newTestManager(st, nil)
	defer m.Close()

	fired := make(chan int, 8)
	require.NoError(t, m.Register(&Task{
		Name:     "poll",
		Interval: time.Hour,
		Policy:   CurrIgnore,
		Execute: func(rec TaskRecord, h *Handle, data *appdata.DataMan) {
			fired <- rec.Info.Executed
		},
	}))
	m.SetReady()

	select {
	case got := <-fired:
		require.Equal(t, 3, got, "exactly one catch-up firing, counting from persisted state")
	case <-time.After(3 * time.Second):
		t.Fatal("curr-* policy must execute the overdue firing")
	}

	recs := m.Records().FilterOwned("poll", nil)
	require.Len(t, recs, 1)
	require.Greater(t, recs[0].Info.Next, now)
}

func TestResumeCurrRestartRebasesCadence(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	now := time.Now().UnixMilli()
	plantDormant(t, st, "beat", RecordInfo{
		Next:     now - 90*time.Minute.Milliseconds(),
		Executed: 1,
	})

	m := newTestManager(st, nil)
	defer m.Close()

	fired := make(chan struct{}, 8)
	require.NoError(t, m.Register(&Task{
		Name:     "beat",
		Interval: time.Hour,
		Policy:   CurrRestart,
		Execute:  func(TaskRecord, *Handle, *appdata.DataMan) { fired <- struct{}{} },
	}))
	m.SetReady()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("restart policy must still execute the overdue firing")
	}

	// restart rebases the cadence on "now": the next due time is a full
	// interval away, not an old grid point.
	recs := m.Records().FilterOwned("beat", nil)
	require.Len(t, recs, 1)
	require.GreaterOrEqual(t, recs[0].Info.Next, now+59*time.Minute.Milliseconds())
}

func TestResumeTimeoutHandsOffToHandler(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	now := time.Now().UnixMilli()
	plantDormant(t, st, "fragile", RecordInfo{
		Next:     now - 10*time.Minute.Milliseconds(),
		Executed: 4,
	})

	m := newTestManager(st, bus)
	defer m.Close()

	fired := make(chan struct{}, 8)
	timedOut := make(chan bool, 8)
	require.NoError(t, m.Register(&Task{
		Name:     "fragile",
		Interval: time.Hour,
		Timeout:  time.Minute,
		Execute:  func(TaskRecord, *Handle, *appdata.DataMan) { fired <- struct{}{} },
		OnTimeout: func(rec TaskRecord, h *Handle, resume bool) {
			timedOut <- resume
			h.Kill()
		},
	}))
	m.SetReady()

	select {
	case resume := <-timedOut:
		require.True(t, resume)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout handler never ran")
	}

	waitFor(t, "record removal by timeout handler", func() bool {
		return m.Records().Len() == 0
	})
	select {
	case <-fired:
		t.Fatal("executor ran for a timed-out record the handler killed")
	case <-time.After(100 * time.Millisecond):
	}

	// Both the import and the timeout were announced.
	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case ev := <-events:
			seen[ev.Type] = true
		case <-time.After(time.Second):
			t.Fatalf("bus events seen: %v", seen)
		}
	}
	require.True(t, seen[EventImport])
	require.True(t, seen[EventTimeout])
}

func TestExecuteEventPublished(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	m := newTestManager(storage.NewMemory(), bus)
	defer m.Close()

	require.NoError(t, m.Register(&Task{
		Name:          "ping",
		Interval:      20 * time.Millisecond,
		MaxExecutions: 1,
		Execute:       noopExec,
	}))
	m.SetReady()

	_, err := m.Instantiate("ping", 11, 12, true)
	require.NoError(t, err)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != EventExecute {
				continue
			}
			fe := ev.Data.(FireEvent)
			require.Equal(t, "ping", fe.Task)
			require.Equal(t, int64(11), fe.ChatID)
			require.Equal(t, int64(12), fe.UserID)
			require.Equal(t, 1, fe.Executed)
			return
		case <-deadline:
			t.Fatal("no execute event on the bus")
		}
	}
}

func TestCloseStopsPendingTimers(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	m := newTestManager(st, nil)

	require.NoError(t, m.Register(&Task{
		Name:     "longterm",
		Interval: time.Hour,
		Execute:  noopExec,
	}))
	m.SetReady()

	_, err := m.Instantiate("longterm", 1, 1, false)
	require.NoError(t, err)
	m.Close()

	// Shutdown keeps the record persisted for the next run.
	entries, err := st.GetAll(context.Background(), recordsNS)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
