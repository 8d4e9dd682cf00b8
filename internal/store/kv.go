package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
)

// KV is the persistence port. The engine stores the observation log, the
// posterior-map snapshot, the pending-prediction queue, the recalibration
// tracker, and the seed-load marker under fixed keys. Get returns (nil, nil)
// when a key is absent; callers fall back to their defaults.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Keys used through the KV port.
const (
	KeyObservations  = "cascade:observation_log"
	KeyPosteriors    = "cascade:posterior_map"
	KeyPending       = "cascade:pending_predictions"
	KeyRecalibration = "cascade:recalibration_state"
	KeySeedLoaded    = "cascade:seed_loaded"
)

// SilentKV is the documented no-op port: reads return defaults, writes are
// dropped. The engine runs fully in-memory behind it.
type SilentKV struct{}

func (SilentKV) Get(ctx context.Context, key string) ([]byte, error)        { return nil, nil }
func (SilentKV) Set(ctx context.Context, key string, value []byte) error    { return nil }
func (SilentKV) Close() error                                               { return nil }

// MemoryKV is an in-memory port with an optional JSON snapshot file.
type MemoryKV struct {
	mu       sync.RWMutex
	data     map[string][]byte
	snapshot string // optional file path for persistence
}

// NewMemoryKV creates a memory-backed port, loading the snapshot if present.
func NewMemoryKV(snapshotPath string) *MemoryKV {
	kv := &MemoryKV{
		data:     make(map[string][]byte),
		snapshot: snapshotPath,
	}
	if snapshotPath != "" {
		kv.loadSnapshot()
	}
	return kv
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	m.mu.Unlock()

	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryKV) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryKV) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no snapshot yet
		}
		return err
	}

	var snap map[string][]byte
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range snap {
		m.data[k] = v
	}
	return nil
}

func (m *MemoryKV) saveSnapshot() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(m.data, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(m.snapshot, data, 0600)
}

// RedisKV is a Redis-backed persistence port.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV connects to Redis and verifies the connection.
func NewRedisKV(addr, password string, db int) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisKV{client: client}, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil // not found
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}
	return data, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}

// PostgresKV is a Postgres-backed persistence port.
//
// Schema:
//
//	CREATE TABLE cascade_kv (
//	  key VARCHAR(255) PRIMARY KEY,
//	  value JSONB NOT NULL,
//	  updated_at TIMESTAMP DEFAULT NOW()
//	);
type PostgresKV struct {
	pool *pgxpool.Pool
}

// NewPostgresKV connects to Postgres and verifies the connection.
func NewPostgresKV(connStr string) (*PostgresKV, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresKV{pool: pool}, nil
}

func (p *PostgresKV) Get(ctx context.Context, key string) ([]byte, error) {
	query := `SELECT value FROM cascade_kv WHERE key = $1`

	var value []byte
	err := p.pool.QueryRow(ctx, query, key).Scan(&value)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return nil, nil // not found
		}
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	return value, nil
}

func (p *PostgresKV) Set(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO cascade_kv (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = NOW()
	`

	if _, err := p.pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("postgres upsert failed: %w", err)
	}
	return nil
}

func (p *PostgresKV) Close() error {
	p.pool.Close()
	return nil
}
