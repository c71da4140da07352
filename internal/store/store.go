// Package store is the typed layer over the transactional KV: key families,
// record types, the commit retry loop, and the derived views the hubs watch.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/internal/kv"
)

// ErrNotFound reports that a record a mutation requires does not exist.
// Distinct from an absent optional read, it is not retryable.
var ErrNotFound = errors.New("store: not found")

// ErrUsernameTaken reports a username collision on update.
var ErrUsernameTaken = errors.New("store: username taken")

// Store wraps a KV with typed accessors.
type Store struct {
	db  kv.KV
	log *logrus.Logger
}

func New(db kv.KV, log *logrus.Logger) *Store {
	return &Store{db: db, log: log}
}

// KV exposes the underlying store for callers that assemble their own
// atomic commits (the matchmaker and the game runtime).
func (s *Store) KV() kv.KV { return s.db }

// Load reads key into v. An absent key leaves v untouched and returns
// version 0 with no error.
func (s *Store) Load(ctx context.Context, key string, v any) (int64, error) {
	e, err := s.db.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !e.Present() {
		return 0, nil
	}
	if err := json.Unmarshal(e.Value, v); err != nil {
		return 0, fmt.Errorf("decode %q: %w", key, err)
	}
	return e.Version, nil
}

// Require reads key into v, treating absence as ErrNotFound.
func (s *Store) Require(ctx context.Context, key string, v any) (int64, error) {
	ver, err := s.Load(ctx, key, v)
	if err != nil {
		return 0, err
	}
	if ver == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return ver, nil
}

// PutWrite marshals v into a kv.Write for key.
func PutWrite(key string, v any) (kv.Write, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return kv.Write{}, fmt.Errorf("encode %q: %w", key, err)
	}
	return kv.Write{Key: key, Value: data}, nil
}

// Retry runs fn until it returns something other than kv.ErrConflict.
// Progress relies on callers eventually losing contention; fn must re-read
// its preconditions on every attempt.
func (s *Store) Retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for {
		err := fn(ctx)
		if !errors.Is(err, kv.ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.WithField("op", op).Debug("commit conflict, retrying")
	}
}
