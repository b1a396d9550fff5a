// Package redis provides a Redis backed event inbox and a distributed lock
// for the reconciliation sweep. Compare-and-delete operations run as Lua
// scripts so they are atomic.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	stateClaimed   = "claimed"
	stateProcessed = "processed"
)

// Storage implements subsync.EventInbox and sweep.Locker using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

var _ subsync.EventInbox = (*Storage)(nil)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:")
	KeyPrefix string

	// ClaimTTL bounds how long an unprocessed claim blocks redelivery (default: 5m)
	ClaimTTL time.Duration

	// EventTTL is how long processed event ids are remembered (default: 30 days)
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "subsync:",
		ClaimTTL:  5 * time.Minute,
		EventTTL:  30 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.ClaimTTL <= 0 {
		config.ClaimTTL = defaults.ClaimTTL
	}
	if config.EventTTL <= 0 {
		config.EventTTL = defaults.EventTTL
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

func (s *Storage) loadScripts() {
	// Delete KEYS[1] only while it still holds ARGV[1]
	s.scripts["compareAndDelete"] = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) eventKey(provider, eventID string) string {
	return fmt.Sprintf("%sevent:%s:%s", s.config.KeyPrefix, provider, eventID)
}

// Claim implements subsync.EventInbox
func (s *Storage) Claim(ctx context.Context, provider, eventID, _ string) (subsync.ClaimResult, error) {
	key := s.eventKey(provider, eventID)
	ok, err := s.client.SetNX(ctx, key, stateClaimed, s.config.ClaimTTL).Result()
	if err != nil {
		return subsync.ClaimInFlight, fmt.Errorf("failed to claim event: %w", err)
	}
	if ok {
		return subsync.ClaimAcquired, nil
	}

	state, err := s.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// claim expired or was released since SETNX
		return subsync.ClaimInFlight, nil
	case err != nil:
		return subsync.ClaimInFlight, fmt.Errorf("failed to read event claim: %w", err)
	case state == stateProcessed:
		return subsync.ClaimProcessed, nil
	default:
		return subsync.ClaimInFlight, nil
	}
}

// MarkProcessed implements subsync.EventInbox
func (s *Storage) MarkProcessed(ctx context.Context, provider, eventID string) error {
	err := s.client.SetArgs(ctx, s.eventKey(provider, eventID), stateProcessed, redis.SetArgs{
		Mode: "XX",
		TTL:  s.config.EventTTL,
	}).Err()
	if errors.Is(err, redis.Nil) {
		return subsync.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// Release implements subsync.EventInbox. Processed events are kept.
func (s *Storage) Release(ctx context.Context, provider, eventID string) error {
	err := s.scripts["compareAndDelete"].Run(ctx, s.client,
		[]string{s.eventKey(provider, eventID)}, stateClaimed).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}

// TryLock acquires key with SET NX PX under a random token. The returned
// release func deletes the key only while the token still matches, so a
// holder whose lock expired cannot drop a successor's lock.
func (s *Storage) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	fullKey := s.config.KeyPrefix + key
	token := uuid.NewString()

	ok, err := s.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		err := s.scripts["compareAndDelete"].Run(ctx, s.client, []string{fullKey}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		return nil
	}
	return release, true, nil
}
