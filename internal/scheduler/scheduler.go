// Package scheduler is the delayed-task queue that fires round start/end
// callbacks at their wall-clock deadline. Entries are persisted in a
// Redis sorted set keyed by deadline (score) so a process restart can
// rehydrate every pending timer, in the style the example pack reaches
// for Redis: a thin *redis.Client wrapper configured from the
// environment, not a bespoke timer library.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const zsetKey = "slotauction:timers"

// Payload is whatever the caller needs at fire time; it round-trips
// through Redis as JSON so it must stay marshalable.
type Entry struct {
	Key      string          `json:"key"`
	Deadline time.Time       `json:"deadline"`
	Payload  json.RawMessage `json:"payload"`
}

// Handler is invoked when an entry's deadline is reached. Handlers are
// called at-least-once and must be idempotent against their payload.
type Handler func(ctx context.Context, key string, payload json.RawMessage)

type Scheduler struct {
	rdb    *redis.Client
	log    *logrus.Logger
	handler Handler

	mu      sync.Mutex
	pending map[string]*time.Timer // in-process fast path; Redis is source of truth
}

// New constructs a Scheduler without a handler wired yet; call
// SetHandler before Schedule/Rehydrate fire any callbacks. Handler
// wiring is split from construction because the handler (the
// coordinator) itself depends on having a Scheduler to call back into.
func New(rdb *redis.Client, log *logrus.Logger) *Scheduler {
	return &Scheduler{rdb: rdb, log: log, pending: make(map[string]*time.Timer)}
}

func (s *Scheduler) SetHandler(h Handler) { s.handler = h }

// Schedule registers a delayed callback identified by key. Re-scheduling
// an existing key replaces it atomically (same as Reschedule).
func (s *Scheduler) Schedule(ctx context.Context, key string, deadline time.Time, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	entry := Entry{Key: key, Deadline: deadline, Payload: raw}
	blob, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, zsetKey, redis.Z{Score: float64(deadline.Unix()), Member: key})
	pipe.HSet(ctx, zsetKey+":entries", key, blob)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	s.arm(key, deadline, raw)
	return nil
}

func (s *Scheduler) Reschedule(ctx context.Context, key string, newDeadline time.Time) error {
	raw, err := s.rdb.HGet(ctx, zsetKey+":entries", key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("scheduler: unknown key %q", key)
		}
		return err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return err
	}
	return s.Schedule(ctx, key, newDeadline, entry.Payload)
}

func (s *Scheduler) Cancel(ctx context.Context, key string) error {
	s.mu.Lock()
	if t, ok := s.pending[key]; ok {
		t.Stop()
		delete(s.pending, key)
	}
	s.mu.Unlock()
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, zsetKey, key)
	pipe.HDel(ctx, zsetKey+":entries", key)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Scheduler) arm(key string, deadline time.Time, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.pending[key]; ok {
		t.Stop()
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	s.pending[key] = time.AfterFunc(d, func() {
		s.fire(key, payload)
	})
}

func (s *Scheduler) fire(key string, payload json.RawMessage) {
	ctx := context.Background()
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, zsetKey, key)
	pipe.HDel(ctx, zsetKey+":entries", key)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("scheduler: failed to clear fired timer")
	}
	s.handler(ctx, key, payload)
}

// Rehydrate re-arms every timer still pending in Redis. Call once at
// process start before serving traffic.
func (s *Scheduler) Rehydrate(ctx context.Context) error {
	keys, err := s.rdb.ZRange(ctx, zsetKey, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, key := range keys {
		raw, err := s.rdb.HGet(ctx, zsetKey+":entries", key).Bytes()
		if err != nil {
			s.log.WithError(err).WithField("key", key).Warn("scheduler: missing entry for pending key")
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("scheduler: corrupt entry")
			continue
		}
		s.arm(entry.Key, entry.Deadline, entry.Payload)
	}
	s.log.WithField("count", len(keys)).Info("scheduler: rehydrated pending timers")
	return nil
}

// RunSweeper calls sweep once immediately and then every interval, to
// catch transitions whose in-process timer was lost (a missed AfterFunc
// after a crash, a clock skew, a dropped callback). It does not read
// Redis itself: sweep is supplied by the caller because deciding "what
// is due" is a store query, not something the scheduler knows about.
func (s *Scheduler) RunSweeper(ctx context.Context, interval time.Duration, sweep func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}
