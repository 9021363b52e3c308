package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore implements SessionStore against Redis, grounded
// on the teacher's unused go-redis/v9 indirect dependency (roadmap
// item "Redis integration for session caching") — each token is a
// random hex string mapping to a playerID with a TTL-expiring key.
type RedisSessionStore struct {
	client *redis.Client
}

// NewRedisSessionStore constructs a store against addr (host:port)
// and db index.
func NewRedisSessionStore(addr string, db int) *RedisSessionStore {
	return &RedisSessionStore{client: redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})}
}

// Ping verifies connectivity at startup.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) IssueSession(playerID string, ttl time.Duration) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	ctx := context.Background()
	if err := s.client.Set(ctx, sessionKey(token), playerID, ttl).Err(); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return token, nil
}

func (s *RedisSessionStore) PlayerForToken(token string) (string, bool) {
	ctx := context.Background()
	playerID, err := s.client.Get(ctx, sessionKey(token)).Result()
	if err != nil {
		return "", false
	}
	return playerID, true
}

func (s *RedisSessionStore) RevokeSession(token string) error {
	ctx := context.Background()
	if err := s.client.Del(ctx, sessionKey(token)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func sessionKey(token string) string {
	return "session:" + token
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// InMemorySessionStore is a SessionStore for tests and local runs
// without a Redis instance.
type InMemorySessionStore struct {
	sessions map[string]memSession
}

type memSession struct {
	playerID string
	expires  time.Time
}

// NewInMemorySessionStore constructs an empty store.
func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string]memSession)}
}

func (s *InMemorySessionStore) IssueSession(playerID string, ttl time.Duration) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	s.sessions[token] = memSession{playerID: playerID, expires: time.Now().Add(ttl)}
	return token, nil
}

func (s *InMemorySessionStore) PlayerForToken(token string) (string, bool) {
	sess, ok := s.sessions[token]
	if !ok || time.Now().After(sess.expires) {
		return "", false
	}
	return sess.playerID, true
}

func (s *InMemorySessionStore) RevokeSession(token string) error {
	delete(s.sessions, token)
	return nil
}
