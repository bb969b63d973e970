// Package idempotency records responses of retried write requests in Redis so
// a client that repeats a borrow with the same Idempotency-Key gets the first
// answer back instead of a second loan.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	statePending = "pending"
	stateDone    = "done"
)

// DefaultPendingTTL bounds how long a crashed request can hold a key.
const DefaultPendingTTL = time.Minute

type Store struct {
	rdb        *redis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

// NewStore: pending 占位用短 TTL，完成后的记录保留 ttl
func NewStore(rdb *redis.Client, ttl, pendingTTL time.Duration) *Store {
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	return &Store{rdb: rdb, ttl: ttl, pendingTTL: pendingTTL}
}

// Record 是一次已完成请求的响应快照
type Record struct {
	State       string `json:"state"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"ct,omitempty"`
	Body        []byte `json:"body,omitempty"`
	CreatedAt   int64  `json:"at"`
}

func (r *Record) Done() bool { return r != nil && r.State == stateDone }

func key(k string) string { return fmt.Sprintf("lending:idem:%s", k) }

// Reserve claims k. false means someone already holds it (in flight or done).
func (s *Store) Reserve(ctx context.Context, k string) (bool, error) {
	b, _ := json.Marshal(Record{State: statePending, CreatedAt: time.Now().Unix()})
	return s.rdb.SetNX(ctx, key(k), b, s.pendingTTL).Result()
}

// Get returns nil, nil when the key is unknown or expired.
func (s *Store) Get(ctx context.Context, k string) (*Record, error) {
	b, err := s.rdb.Get(ctx, key(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Complete stores the final response under k for the full replay window.
func (s *Store) Complete(ctx context.Context, k string, status int, contentType string, body []byte) error {
	b, _ := json.Marshal(Record{
		State:       stateDone,
		Status:      status,
		ContentType: contentType,
		Body:        body,
		CreatedAt:   time.Now().Unix(),
	})
	return s.rdb.Set(ctx, key(k), b, s.ttl).Err()
}

// Release 放弃占位，让客户端可以用同一个 key 重试
func (s *Store) Release(ctx context.Context, k string) error {
	return s.rdb.Del(ctx, key(k)).Err()
}
