// Package draftstore persists resumable questionnaire drafts keyed by
// session id.
package draftstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ehr/wellness/internal/domain/survey"
)

const keyPrefix = "survey:draft:"

// DefaultTTL is how long an untouched draft is kept.
const DefaultTTL = 7 * 24 * time.Hour

// Key returns the storage key of a session draft.
func Key(sessionID string) string {
	return keyPrefix + sessionID
}

// RedisStore keeps drafts as JSON values with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Get returns nil, nil when no draft exists.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*survey.Draft, error) {
	data, err := s.client.Get(ctx, Key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d survey.Draft
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode draft %s: %w", sessionID, err)
	}
	return &d, nil
}

func (s *RedisStore) Set(ctx context.Context, sessionID string, d survey.Draft) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, Key(sessionID), data, s.ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, Key(sessionID)).Err()
}

// MemoryStore is a process-local store used when no Redis URL is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	drafts map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drafts: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*survey.Draft, error) {
	s.mu.RLock()
	data, ok := s.drafts[Key(sessionID)]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var d survey.Draft
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode draft %s: %w", sessionID, err)
	}
	return &d, nil
}

// Set stores an encoded copy so later mutation of d is not observed.
func (s *MemoryStore) Set(_ context.Context, sessionID string, d survey.Draft) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.drafts[Key(sessionID)] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.drafts, Key(sessionID))
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored drafts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.drafts)
}
