package storage

import "time"

// Config configures storage.
//
// Driver values:
//   - "memory": in-process only, nothing survives a restart
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//
// An empty Driver defaults to "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one stored document: an opaque value under an id.
type Entry struct {
	ID    string
	Value string
}
