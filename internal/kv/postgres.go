// internal/kv/postgres.go
package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS parlor_kv (
	key     text PRIMARY KEY,
	value   bytea NOT NULL,
	version bigint NOT NULL
);
CREATE SEQUENCE IF NOT EXISTS parlor_kv_version;
`

const pgNotifyChannel = "parlor_kv"

// Postgres is a KV backend over a Postgres database. Commits run in
// serializable transactions; watchers are fed by LISTEN/NOTIFY with a
// snapshot re-read on every notification.
type Postgres struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	subs map[*memSub]struct{}

	stop context.CancelFunc
	done chan struct{}
}

// NewPostgres connects, ensures the schema, and starts the notification
// listener.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure kv schema: %w", err)
	}

	listenCtx, stop := context.WithCancel(context.Background())
	p := &Postgres{
		pool: pool,
		subs: make(map[*memSub]struct{}),
		stop: stop,
		done: make(chan struct{}),
	}
	go p.listen(listenCtx)
	return p, nil
}

func (p *Postgres) Get(ctx context.Context, key string) (Entry, error) {
	e := Entry{Key: key}
	err := p.pool.QueryRow(ctx,
		`SELECT value, version FROM parlor_kv WHERE key = $1`, key,
	).Scan(&e.Value, &e.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{Key: key}, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("pg get %q: %w", key, err)
	}
	return e, nil
}

func (p *Postgres) BatchGet(ctx context.Context, keys []string) ([]Entry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key, value, version FROM parlor_kv WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("pg batch get: %w", err)
	}
	defer rows.Close()

	found := make(map[string]Entry, len(keys))
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.Version); err != nil {
			return nil, fmt.Errorf("pg batch get scan: %w", err)
		}
		found[e.Key] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg batch get rows: %w", err)
	}
	out := make([]Entry, len(keys))
	for i, k := range keys {
		if e, ok := found[k]; ok {
			out[i] = e
		} else {
			out[i] = Entry{Key: k}
		}
	}
	return out, nil
}

func (p *Postgres) ListPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key, value, version FROM parlor_kv
		 WHERE key >= $1 AND key < $1 || chr(1114111)
		 ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("pg list prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.Version); err != nil {
			return nil, fmt.Errorf("pg list prefix scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) Commit(ctx context.Context, checks []Check, writes []Write) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("pg commit begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if len(checks) > 0 {
		keys := make([]string, len(checks))
		for i, c := range checks {
			keys[i] = c.Key
		}
		rows, err := tx.Query(ctx,
			`SELECT key, version FROM parlor_kv WHERE key = ANY($1)`, keys)
		if err != nil {
			return fmt.Errorf("pg commit check read: %w", err)
		}
		versions := make(map[string]int64, len(keys))
		for rows.Next() {
			var key string
			var ver int64
			if err := rows.Scan(&key, &ver); err != nil {
				rows.Close()
				return fmt.Errorf("pg commit check scan: %w", err)
			}
			versions[key] = ver
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("pg commit check rows: %w", err)
		}
		for _, c := range checks {
			if versions[c.Key] != c.Version {
				return ErrConflict
			}
		}
	}

	for _, w := range writes {
		if w.Delete {
			_, err = tx.Exec(ctx, `DELETE FROM parlor_kv WHERE key = $1`, w.Key)
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO parlor_kv (key, value, version)
				 VALUES ($1, $2, nextval('parlor_kv_version'))
				 ON CONFLICT (key) DO UPDATE
				 SET value = EXCLUDED.value, version = EXCLUDED.version`,
				w.Key, w.Value)
		}
		if err != nil {
			return pgCommitErr(err)
		}
		if _, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, pgNotifyChannel, w.Key); err != nil {
			return pgCommitErr(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return pgCommitErr(err)
	}
	return nil
}

// pgCommitErr maps serialization failures and duplicate-key races to
// ErrConflict so the retry helper treats them as ordinary contention.
func pgCommitErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "23505" {
			return ErrConflict
		}
	}
	return fmt.Errorf("pg commit: %w", err)
}

func (p *Postgres) Watch(ctx context.Context, keys ...string) <-chan []Entry {
	sub := &memSub{
		keys:   make(map[string]struct{}, len(keys)),
		notify: make(chan struct{}, 1),
	}
	for _, k := range keys {
		sub.keys[k] = struct{}{}
	}
	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	out := make(chan []Entry)
	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.subs, sub)
			p.mu.Unlock()
			close(out)
		}()
		for {
			snap, err := p.BatchGet(ctx, keys)
			if err == nil {
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-sub.notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// listen holds a dedicated connection on LISTEN and fans notifications out
// to subscribers. On connection loss it reconnects and nudges every
// subscriber once, since notifications may have been missed in between.
func (p *Postgres) listen(ctx context.Context) {
	defer close(p.done)
	for ctx.Err() == nil {
		conn, err := p.pool.Acquire(ctx)
		if err != nil {
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		if _, err := conn.Exec(ctx, `LISTEN `+pgNotifyChannel); err != nil {
			conn.Release()
			continue
		}
		p.nudgeAll()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				break
			}
			p.dispatch(n.Payload)
		}
		conn.Release()
	}
}

func (p *Postgres) dispatch(key string) {
	p.mu.Lock()
	var wake []*memSub
	for s := range p.subs {
		if _, ok := s.keys[key]; ok {
			wake = append(wake, s)
		}
	}
	p.mu.Unlock()
	for _, s := range wake {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

func (p *Postgres) nudgeAll() {
	p.mu.Lock()
	subs := make([]*memSub, 0, len(p.subs))
	for s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()
	for _, s := range subs {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

func (p *Postgres) Close() error {
	p.stop()
	<-p.done
	p.pool.Close()
	return nil
}
