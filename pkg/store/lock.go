package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockNotAcquired is returned when a lock is held elsewhere and the caller
// did not wait for it
var ErrLockNotAcquired = errors.New("advisory lock not acquired")

// Lease is a held advisory lock
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker acquires cross-process advisory locks keyed by a string
type Locker interface {
	// Acquire blocks until the lock is held or ctx is done
	Acquire(ctx context.Context, key string) (Lease, error)
	// TryAcquire returns ErrLockNotAcquired instead of waiting
	TryAcquire(ctx context.Context, key string) (Lease, error)
}

// WithLock runs fn while holding key. The lock is released on every exit
// path, including errors and panics inside fn.
func (s *Store) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (err error) {
	lease, err := s.locker.Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to acquire lock %q: %w", key, err)
	}
	defer func() {
		// release with a fresh context so a canceled caller still unlocks
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if relErr := lease.Release(releaseCtx); relErr != nil {
			s.logger.WithError(relErr).WithField("lock_key", key).Error("Failed to release advisory lock")
			if err == nil {
				err = fmt.Errorf("failed to release lock %q: %w", key, relErr)
			}
		}
	}()

	return fn(ctx)
}

// PostgresLocker uses session-level pg_advisory_lock on a dedicated connection
type PostgresLocker struct {
	db *sql.DB
}

// NewPostgresLocker creates a locker backed by PostgreSQL advisory locks
func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

// Acquire takes the advisory lock for key, waiting if necessary
func (l *PostgresLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to lock: %w", err)
	}

	return &pgLease{conn: conn, key: key}, nil
}

// TryAcquire takes the advisory lock for key only if it is free
func (l *PostgresLocker) TryAcquire(ctx context.Context, key string) (Lease, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&locked); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to try lock: %w", err)
	}
	if !locked {
		conn.Close()
		return nil, ErrLockNotAcquired
	}

	return &pgLease{conn: conn, key: key}, nil
}

type pgLease struct {
	conn *sql.Conn
	key  string
}

func (l *pgLease) Key() string {
	return l.key
}

func (l *pgLease) Release(ctx context.Context) error {
	defer l.conn.Close()

	var unlocked bool
	if err := l.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.key).Scan(&unlocked); err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if !unlocked {
		return fmt.Errorf("lock %q was not held", l.key)
	}
	return nil
}

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisLocker implements Locker with SET NX PX and token-checked release
type RedisLocker struct {
	client       *redis.Client
	prefix       string
	ttl          time.Duration
	pollInterval time.Duration
}

// NewRedisLocker creates a Redis-backed locker. ttl bounds how long a crashed
// holder can keep the lock.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:       client,
		prefix:       "lock:",
		ttl:          ttl,
		pollInterval: 50 * time.Millisecond,
	}
}

// Acquire polls until the lock is held or ctx is done
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		lease, err := l.TryAcquire(ctx, key)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryAcquire sets the lock key if absent
func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return &redisLease{client: l.client, redisKey: l.prefix + key, key: key, token: token}, nil
}

type redisLease struct {
	client   *redis.Client
	redisKey string
	key      string
	token    string
}

func (l *redisLease) Key() string {
	return l.key
}

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.redisKey}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lock %q expired before release", l.key)
	}
	return nil
}
