// Package scanstatus keeps the latest progress event of the most recent scan
// so that clients that were not listening can still ask how it went.
package scanstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/namehu/PixiShelf-sub001/internal/ingest"
)

var ErrNoScan = errors.New("no scan recorded")

type Recorder interface {
	Record(ctx context.Context, ev ingest.Event) error
	Latest(ctx context.Context) (ingest.Event, error)
}

// Memory is a Recorder for a single process.
type Memory struct {
	mu sync.RWMutex
	ev *ingest.Event
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(_ context.Context, ev ingest.Event) error {
	m.mu.Lock()
	m.ev = &ev
	m.mu.Unlock()
	return nil
}

func (m *Memory) Latest(_ context.Context) (ingest.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ev == nil {
		return ingest.Event{}, ErrNoScan
	}
	return *m.ev, nil
}

const (
	latestKey = "pixishelf:scan:latest"
	scanKey   = "pixishelf:scan:"
)

// Redis stores events as JSON. Finished scans are also kept under their own
// id until the TTL expires.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

func (r *Redis) Record(ctx context.Context, ev ingest.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, latestKey, b, r.ttl)
	if ev.Terminal() {
		pipe.Set(ctx, scanKey+ev.ScanID, b, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record scan status: %w", err)
	}
	return nil
}

func (r *Redis) Latest(ctx context.Context) (ingest.Event, error) {
	return r.get(ctx, latestKey)
}

// Finished returns the final event of the scan with the given id.
func (r *Redis) Finished(ctx context.Context, scanID string) (ingest.Event, error) {
	return r.get(ctx, scanKey+scanID)
}

func (r *Redis) get(ctx context.Context, key string) (ingest.Event, error) {
	raw, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ingest.Event{}, ErrNoScan
	}
	if err != nil {
		return ingest.Event{}, fmt.Errorf("read scan status: %w", err)
	}
	var ev ingest.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ingest.Event{}, fmt.Errorf("decode scan status: %w", err)
	}
	return ev, nil
}
