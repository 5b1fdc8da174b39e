// Package appdata stores per-application JSON documents scoped to a chat
// and/or user. Task executors and conversational handlers receive a
// DataMan bound to their record's scope so they can keep state between
// firings without touching the store directly.
package appdata

import (
	"context"
	"encoding/json"
	"strconv"

	"botkit/internal/storage"
	logx "botkit/pkg/logx"
)

const ns = "appdata"

// Public is the scope value meaning "not bound to a specific chat/user".
const Public int64 = 0

// Space identifies one data document. Zero fields mean public scope.
type Space struct {
	ChatID int64
	UserID int64
}

type Manager struct {
	store storage.Store
	log   logx.Logger
}

func NewManager(st storage.Store, log logx.Logger) *Manager {
	return &Manager{store: st, log: log}
}

// DataMan returns an accessor bound to one (app, space) document.
func (m *Manager) DataMan(app string, space Space) *DataMan {
	return &DataMan{mgr: m, app: app, space: space}
}

// DataMan reads and writes one scoped JSON document.
type DataMan struct {
	mgr   *Manager
	app   string
	space Space
}

func (d *DataMan) key() string {
	return d.app + ":" + strconv.FormatInt(d.space.ChatID, 10) + ":" + strconv.FormatInt(d.space.UserID, 10)
}

// Space returns the scope this accessor is bound to.
func (d *DataMan) Space() Space { return d.space }

// Get returns the value at path inside the document, or the whole document
// when no path is given. Absent data yields nil.
func (d *DataMan) Get(path ...string) any {
	doc := d.load()
	if doc == nil {
		return nil
	}
	if len(path) == 0 {
		return doc
	}
	var cur any = doc
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// Set writes value at path, creating intermediate objects as needed.
// With no path the whole document is replaced; a nil value with no path
// removes the document.
func (d *DataMan) Set(value any, path ...string) error {
	if len(path) == 0 {
		if value == nil {
			return d.mgr.store.Unset(context.Background(), ns, d.key())
		}
		return d.save(value)
	}

	doc := d.load()
	if doc == nil {
		doc = map[string]any{}
	}
	cur := doc
	for _, seg := range path[:len(path)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
	return d.save(doc)
}

// Clean removes the document.
func (d *DataMan) Clean() error {
	return d.mgr.store.Unset(context.Background(), ns, d.key())
}

func (d *DataMan) load() map[string]any {
	raw, ok, err := d.mgr.store.Get(context.Background(), ns, d.key())
	if err != nil {
		d.mgr.log.Warn("appdata read failed", logx.String("key", d.key()), logx.Err(err))
		return nil
	}
	if !ok {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		// Malformed stored data is treated as absent.
		return nil
	}
	return doc
}

func (d *DataMan) save(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return d.mgr.store.Set(context.Background(), ns, d.key(), string(b))
}
