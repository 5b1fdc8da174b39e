// Package storage provides the key-path document store backing record
// persistence.
//
// The store is deliberately dumb: values are opaque strings addressed by
// (namespace, id). Record serialization, parsing, and the treatment of
// malformed stored data all live with the callers.
//
// Drivers:
//   - "memory": process-local map, for tests and ephemeral runs
//   - "file":   JSONL journal + snapshot, dependency-free
//   - "sqlite": single SQLite database file
package storage
