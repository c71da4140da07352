// Package kv defines the transactional key-value contract the rest of the
// framework is built on, plus the bundled backends (memory, Redis, Postgres).
//
// All coordination between concurrent mutators happens through Commit's
// version preconditions; there are no locks above this layer.
package kv

import (
	"context"
	"errors"
)

// ErrConflict is returned by Commit when any precondition fails. Callers are
// expected to re-read and retry.
var ErrConflict = errors.New("kv: version conflict")

// Entry is a key with its current value and versionstamp. Version 0 means the
// key is absent; Value is nil in that case.
type Entry struct {
	Key     string
	Value   []byte
	Version int64
}

// Present reports whether the entry exists in the store.
func (e Entry) Present() bool { return e.Version != 0 }

// Check is a commit precondition. Version 0 demands that the key be absent;
// any other value demands that the key's current versionstamp match exactly.
type Check struct {
	Key     string
	Version int64
}

// Write is a mutation applied by Commit. Delete true removes the key;
// otherwise Value replaces it and the key receives a fresh versionstamp.
type Write struct {
	Key    string
	Value  []byte
	Delete bool
}

// KV is the transactional ordered key-value store contract.
//
// Watch returns a channel that emits a snapshot of all watched keys once on
// subscription and again after any watched key changes. Snapshots may
// coalesce rapid changes, but versionstamps within them are monotonic. The
// channel is closed when ctx is cancelled; in-flight snapshots are dropped.
type KV interface {
	Get(ctx context.Context, key string) (Entry, error)
	BatchGet(ctx context.Context, keys []string) ([]Entry, error)

	// ListPrefix returns all present entries whose key starts with prefix,
	// in lexicographic key order.
	ListPrefix(ctx context.Context, prefix string) ([]Entry, error)

	// Commit atomically verifies every check and, only if all pass, applies
	// every write. Returns ErrConflict if any check fails.
	Commit(ctx context.Context, checks []Check, writes []Write) error

	Watch(ctx context.Context, keys ...string) <-chan []Entry

	Close() error
}
