// Package record owns the lifecycle of persisted, owner-tagged payloads.
//
// A record is Live while it sits in the in-memory registry; every mutation
// is mirrored to the storage collaborator through registry hooks. Records
// written by a previous process run are Dormant: present in storage,
// invisible to lookups, and only brought back by an explicit Import, which
// re-keys them into the current session.
//
// Persistence is fire-and-forget relative to the caller: in-memory state
// advances before the mirror is durably committed, so a crash can lose the
// very latest write. The import path treats the store as ground truth,
// which bounds the loss window to "since last successful write".
package record

import (
	"context"
	"encoding/json"
	"sync"

	"botkit/internal/identity"
	"botkit/internal/registry"
	"botkit/internal/storage"
	logx "botkit/pkg/logx"
)

// ImportHook observes a record re-adopted from a previous session.
// It receives the record's new (current-session) id.
type ImportHook func(id string)

// Manager keeps records of one kind, mirrored into one store namespace.
//
// Accessors hand out snapshots: the *Record values returned by Get, Add and
// FilterOwned are copies, detached from the live state. All payload reads
// and writes on the live state go through dataMu, so handles may be used
// from any goroutine while timers fire.
type Manager[Info any] struct {
	ns      string
	session *identity.Session
	reg     *registry.Registry[*Record[Info]]
	store   storage.Store
	log     logx.Logger

	// dataMu guards Info and Locked of every live record. The registry
	// mutex only protects the collection itself.
	dataMu sync.Mutex

	mu       sync.Mutex
	ready    bool
	pending  []string // owner keys whose import is deferred until ready
	onImport []ImportHook
}

// NewManager wires a record manager for one record kind. The kind names
// the storage namespace ("records:<kind>") and should be stable across
// runs, or dormant records become unreachable.
func NewManager[Info any](kind string, session *identity.Session, st storage.Store, log logx.Logger) *Manager[Info] {
	m := &Manager[Info]{
		ns:      "records:" + kind,
		session: session,
		reg:     registry.New(func(r *Record[Info]) string { return r.ID }),
		store:   st,
		log:     log.With(logx.String("records", kind)),
	}
	m.reg.OnAdd(m.persist)
	m.reg.OnEdit(m.persist)
	m.reg.OnDelete(m.unpersist)
	return m
}

// Session exposes the identity generator shared with callers that need to
// mint correlated ids (e.g. scheduler verification paths).
func (m *Manager[Info]) Session() *identity.Session { return m.session }

// OnImport registers a hook fired for every re-adopted record.
func (m *Manager[Info]) OnImport(h ImportHook) {
	m.mu.Lock()
	m.onImport = append(m.onImport, h)
	m.mu.Unlock()
}

// Add creates a Live record. When id is omitted a fresh one is minted;
// passing an id is reserved for the re-import path.
func (m *Manager[Info]) Add(ownerKey string, info Info, id ...string) (*Record[Info], error) {
	recID := ""
	if len(id) > 0 {
		recID = id[0]
	}
	if recID == "" {
		recID = m.session.Generate()
	}
	rec := &Record[Info]{
		ID:       recID,
		Session:  m.session.Tag(),
		OwnerKey: ownerKey,
		Info:     info,
	}
	if _, err := m.reg.Add(rec); err != nil {
		return nil, err
	}
	return m.snapshot(rec), nil
}

// snapshot copies a live record so the caller cannot race the payload.
func (m *Manager[Info]) snapshot(rec *Record[Info]) *Record[Info] {
	m.dataMu.Lock()
	cp := *rec
	m.dataMu.Unlock()
	return &cp
}

// Get resolves id to a snapshot of a Live record. Ids minted by a foreign
// session are always reported absent, even when requireExist is set: a
// replayed or stale external id must never resolve to a record it doesn't
// own in this run. For current-session ids the registry flags apply as
// usual.
func (m *Manager[Info]) Get(id string, requireExist, requireAbsent bool) (*Record[Info], bool, error) {
	if !m.session.IsMember(id) {
		return nil, false, nil
	}
	rec, ok, err := m.reg.Get(id, requireExist, requireAbsent)
	if err != nil || rec == nil {
		return nil, ok, err
	}
	return m.snapshot(rec), ok, nil
}

// Update applies a mutation to the record's payload and mirrors it.
// The persistence effect is explicit here rather than hidden in a setter.
// apply runs under the payload lock and must not call back into the manager.
func (m *Manager[Info]) Update(id string, apply func(*Info)) (Info, error) {
	var zero Info
	if !m.session.IsMember(id) {
		return zero, registry.ErrNotFound
	}
	rec, _, err := m.reg.Get(id, true, false)
	if err != nil {
		return zero, err
	}
	m.dataMu.Lock()
	apply(&rec.Info)
	info := rec.Info
	m.dataMu.Unlock()
	m.reg.EmitEdit(id)
	return info, nil
}

// Lock sets the advisory lock flag. Not a cross-process mutex.
func (m *Manager[Info]) Lock(id string) error { return m.setLocked(id, true) }

// Unlock clears the advisory lock flag.
func (m *Manager[Info]) Unlock(id string) error { return m.setLocked(id, false) }

func (m *Manager[Info]) setLocked(id string, v bool) error {
	if !m.session.IsMember(id) {
		return registry.ErrNotFound
	}
	rec, _, err := m.reg.Get(id, true, false)
	if err != nil {
		return err
	}
	m.dataMu.Lock()
	rec.Locked = v
	m.dataMu.Unlock()
	m.reg.EmitEdit(id)
	return nil
}

// Delete removes the record from memory and storage together.
func (m *Manager[Info]) Delete(id string) bool {
	return m.reg.Delete(id)
}

// FilterOwned returns snapshots of Live records of ownerKey whose payload
// satisfies match. It never errors; nil match selects all owned records.
func (m *Manager[Info]) FilterOwned(ownerKey string, match func(Info) bool) []*Record[Info] {
	// OwnerKey is immutable, so the registry predicate may read it without
	// the payload lock; Info may not.
	owned := m.reg.Filter(func(r *Record[Info]) bool { return r.OwnerKey == ownerKey })

	out := make([]*Record[Info], 0, len(owned))
	m.dataMu.Lock()
	for _, r := range owned {
		if match == nil || match(r.Info) {
			cp := *r
			out = append(out, &cp)
		}
	}
	m.dataMu.Unlock()
	return out
}

// Len reports the number of Live records.
func (m *Manager[Info]) Len() int { return m.reg.Len() }

// SetReady releases the readiness gate and runs any deferred imports.
func (m *Manager[Info]) SetReady() {
	m.mu.Lock()
	m.ready = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, owner := range pending {
		if err := m.doImport(owner); err != nil {
			m.log.Warn("deferred import failed", logx.String("owner", owner), logx.Err(err))
		}
	}
}

// Import re-adopts dormant records of ownerKey left over from previous
// runs. Until the surrounding application signals readiness the call is
// queued instead of running against a half-initialized backend.
//
// Each matching dormant record loses its old persisted entry, gets its id
// re-keyed into the current session, becomes Live again, and is announced
// through the import hooks so dependent schedulers resume it immediately.
func (m *Manager[Info]) Import(ownerKey string) error {
	m.mu.Lock()
	if !m.ready {
		m.pending = append(m.pending, ownerKey)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.doImport(ownerKey)
}

func (m *Manager[Info]) doImport(ownerKey string) error {
	ctx := context.Background()
	entries, err := m.store.GetAll(ctx, m.ns)
	if err != nil {
		// Storage access errors propagate unmodified.
		return err
	}

	for _, e := range entries {
		var sto stored[Info]
		if err := json.Unmarshal([]byte(e.Value), &sto); err != nil || sto.ID == "" {
			// Malformed stored data is treated as absent, never raised.
			m.log.Debug("skipping malformed stored record", logx.String("id", e.ID))
			continue
		}
		if sto.OwnerKey != ownerKey {
			continue
		}
		if m.session.IsMember(sto.ID) {
			continue // already Live in this run
		}

		if err := m.store.Unset(ctx, m.ns, e.ID); err != nil {
			m.log.Warn("failed removing dormant record", logx.String("id", e.ID), logx.Err(err))
		}
		newID := m.session.Reimport(sto.ID)
		if _, err := m.Add(ownerKey, sto.Info, newID); err != nil {
			m.log.Warn("re-adding dormant record failed", logx.String("id", newID), logx.Err(err))
			continue
		}
		m.log.Debug("record re-adopted",
			logx.String("old_id", sto.ID), logx.String("id", newID))

		m.mu.Lock()
		hooks := append([]ImportHook(nil), m.onImport...)
		m.mu.Unlock()
		for _, h := range hooks {
			h(newID)
		}
	}
	return nil
}

// persist mirrors the record behind id into the store. Mirror failures are
// logged, not surfaced: callers already advanced the in-memory state.
func (m *Manager[Info]) persist(id string) {
	rec, ok, _ := m.reg.Get(id, false, false)
	if !ok {
		return
	}
	m.dataMu.Lock()
	sto := stored[Info]{
		ID:       rec.ID,
		Session:  rec.Session,
		OwnerKey: rec.OwnerKey,
		Info:     rec.Info,
	}
	m.dataMu.Unlock()
	b, err := json.Marshal(sto)
	if err != nil {
		m.log.Warn("record serialize failed", logx.String("id", id), logx.Err(err))
		return
	}
	if err := m.store.Set(context.Background(), m.ns, id, string(b)); err != nil {
		m.log.Warn("record mirror failed", logx.String("id", id), logx.Err(err))
	}
}

func (m *Manager[Info]) unpersist(id string) {
	if err := m.store.Unset(context.Background(), m.ns, id); err != nil {
		m.log.Warn("record unpersist failed", logx.String("id", id), logx.Err(err))
	}
}
