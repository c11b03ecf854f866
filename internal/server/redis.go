package server

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-aware SessionRepository.
// Notes:
//   - Sessions stay in a local map; the in-process broadcast fanout needs the
//     live object.
//   - Redis marks lobby liveness so an operator (or a future cross-instance
//     router) can see which codes are active, and keeps a leaderboard sorted
//     set per lobby that survives this process.
type RedisStore struct {
	client   *redis.Client
	ttl      time.Duration
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client:   client,
		ttl:      ttl,
		sessions: make(map[string]*Session),
	}
}

func (s *RedisStore) Put(code string, session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[code] = session
	// best-effort liveness marker
	_ = s.client.Set(context.Background(), s.key(code), "1", s.ttl).Err()
}

func (s *RedisStore) Get(code string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[code]
	return session, ok
}

func (s *RedisStore) DeleteIfEmpty(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[code]
	if !ok {
		return
	}
	if session.IsEmpty() {
		delete(s.sessions, code)
		_ = s.client.Del(context.Background(), s.key(code)).Err()
		_ = s.client.Del(context.Background(), s.scoreKey(code)).Err()
	}
}

// RecordScore mirrors a player's running total into a per-lobby sorted set.
func (s *RedisStore) RecordScore(ctx context.Context, code, playerName string, score int) error {
	err := s.client.ZAdd(ctx, s.scoreKey(code), redis.Z{
		Score:  float64(score),
		Member: playerName,
	}).Err()
	if err != nil {
		return err
	}
	if s.ttl > 0 {
		_ = s.client.Expire(ctx, s.scoreKey(code), s.ttl).Err()
	}
	return nil
}

func (s *RedisStore) key(code string) string {
	return "lobby:session:" + code
}

func (s *RedisStore) scoreKey(code string) string {
	return "lobby:scores:" + code
}
