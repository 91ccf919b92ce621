package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"sandboxengine/model"
)

var ErrRecordNotFound = errors.New("session record not found")

const DefaultSessionTTL = time.Hour

// Store persists session records with expiry.
type Store interface {
	Save(ctx context.Context, rec model.SessionRecord) error
	Get(ctx context.Context, sessionID string) (*model.SessionRecord, error)
	Remove(ctx context.Context, sessionID string) error
	IDs(ctx context.Context) ([]string, error)
}

// RedisStore keeps one JSON value per session under sandbox:session:<id>.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// Save writes rec and resets its TTL.
func (s *RedisStore) Save(ctx context.Context, rec model.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, SessionKey(rec.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	data, err := s.rdb.Get(ctx, SessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	var rec model.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt session record %s: %w", sessionID, err)
	}
	return &rec, nil
}

func (s *RedisStore) Remove(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, SessionKey(sessionID)).Err()
}

// IDs scans for every persisted session.
func (s *RedisStore) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.rdb.Scan(ctx, 0, SessionPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), SessionPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return ids, nil
}
