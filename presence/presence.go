// Package presence publishes which gateway instance holds each executor connection to
// Redis, so that other instances can route to it.
package presence

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/registry"
)

const (
	// DefaultPrefix prefixes every presence key.
	DefaultPrefix = "browsergate:presence"
	// DefaultTTL is the lifetime of a presence record without refresh.
	DefaultTTL = 30 * time.Second

	updateBuffer = 256
)

// Store is the subset of the Redis client used by the directory.
type Store interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Record is the value stored for one executor.
type Record struct {
	Instance  string    `json:"instance"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Directory mirrors registry state into Redis.
//
// Redis Data Structure:
//   - Key: "{prefix}:{executor_id}"
//   - Type: String
//   - Value: JSON(Record)
//   - TTL: refreshed every TTL/3 while the executor is live
//
// It implements registry.Observer. Observer calls only enqueue; Run does the I/O.
type Directory struct {
	store    Store
	instance string
	prefix   string
	ttl      time.Duration
	snapshot func() []registry.Info
	logger   *slog.Logger
	now      func() time.Time
	updates  chan registry.Info
}

// Option configures a Directory.
type Option func(*Directory)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(d *Directory) { d.prefix = prefix }
}

// WithTTL sets the record lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(d *Directory) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithSnapshot sets the source of live connections re-published on every refresh.
func WithSnapshot(fn func() []registry.Info) Option {
	return func(d *Directory) { d.snapshot = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Directory) { d.logger = logger }
}

// WithClock sets the clock used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// New creates a directory over store for this gateway instance.
func New(store Store, instance string, opts ...Option) *Directory {
	d := &Directory{
		store:    store,
		instance: instance,
		prefix:   DefaultPrefix,
		ttl:      DefaultTTL,
		logger:   slog.Default(),
		now:      time.Now,
		updates:  make(chan registry.Info, updateBuffer),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewFromURL connects to redisURL (e.g. redis://localhost:6379/0).
func NewFromURL(redisURL, instance string, opts ...Option) (*Directory, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	return New(redis.NewClient(redisOpts), instance, opts...), nil
}

// Key returns the Redis key of an executor.
func (d *Directory) Key(executorID string) string {
	return fmt.Sprintf("%s:%s", d.prefix, executorID)
}

// Ping checks the Redis connection.
func (d *Directory) Ping(ctx context.Context) error {
	if err := d.store.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// ConnectionChanged implements registry.Observer.
func (d *Directory) ConnectionChanged(info registry.Info) {
	select {
	case d.updates <- info:
	default:
		// The next refresh republishes live entries; a dropped eviction expires by TTL.
		d.logger.Warn("presence update dropped", "executor_id", info.ExecutorID, "state", info.StateName)
	}
}

// Publish writes or deletes the record for info immediately.
func (d *Directory) Publish(ctx context.Context, info registry.Info) error {
	key := d.Key(info.ExecutorID)

	if !info.State.Live() {
		if err := d.store.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to delete presence for %s: %w", info.ExecutorID, err)
		}
		return nil
	}

	value, err := json.Marshal(Record{
		Instance:  d.instance,
		State:     info.State.String(),
		UpdatedAt: d.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to serialize presence: %w", err)
	}
	if err := d.store.Set(ctx, key, value, d.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store presence for %s: %w", info.ExecutorID, err)
	}
	return nil
}

// Lookup returns the presence record of executorID, if one exists.
func (d *Directory) Lookup(ctx context.Context, executorID string) (*Record, bool, error) {
	value, err := d.store.Get(ctx, d.Key(executorID)).Result()
	if stderrors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read presence for %s: %w", executorID, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return nil, false, fmt.Errorf("failed to deserialize presence: %w", err)
	}
	return &rec, true, nil
}

// Refresh republishes every live connection from the snapshot source.
func (d *Directory) Refresh(ctx context.Context) error {
	if d.snapshot == nil {
		return nil
	}
	var errs []error
	for _, info := range d.snapshot() {
		if err := d.Publish(ctx, info); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Run applies queued updates and refreshes TTLs until ctx ends.
func (d *Directory) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case info := <-d.updates:
			if err := d.Publish(ctx, info); err != nil {
				d.logger.Warn("presence update failed", "executor_id", info.ExecutorID, "error", err)
			}
		case <-ticker.C:
			if err := d.Refresh(ctx); err != nil {
				d.logger.Warn("presence refresh failed", "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Close closes the Redis client.
func (d *Directory) Close() error {
	return d.store.Close()
}

var (
	_ registry.Observer = (*Directory)(nil)
	_ Store             = (*redis.Client)(nil)
)
