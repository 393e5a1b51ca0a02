package routing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type MemoryOverrideStore struct {
	mu   sync.Mutex
	byID map[string]Override
}

func NewMemoryOverrideStore() *MemoryOverrideStore {
	return &MemoryOverrideStore{byID: map[string]Override{}}
}

func (s *MemoryOverrideStore) Put(ctx context.Context, o Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[o.CampaignID] = o
	return nil
}

func (s *MemoryOverrideStore) Get(ctx context.Context, campaignID string) (Override, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[campaignID]
	return o, ok, nil
}

func (s *MemoryOverrideStore) Delete(ctx context.Context, campaignID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, campaignID)
	return nil
}

// RedisOverrideStore keeps overrides as JSON values whose key TTL matches
// ExpiresAt, so replicas share them and expired ones disappear on their own.
type RedisOverrideStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisOverrideStore(client *redis.Client) *RedisOverrideStore {
	return &RedisOverrideStore{client: client, now: time.Now}
}

func overrideKey(campaignID string) string { return "dialer:override:" + campaignID }

func (s *RedisOverrideStore) Put(ctx context.Context, o Override) error {
	ttl := o.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, overrideKey(o.CampaignID), b, ttl).Err()
}

func (s *RedisOverrideStore) Get(ctx context.Context, campaignID string) (Override, bool, error) {
	b, err := s.client.Get(ctx, overrideKey(campaignID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Override{}, false, nil
	}
	if err != nil {
		return Override{}, false, err
	}
	var o Override
	if err := json.Unmarshal(b, &o); err != nil {
		return Override{}, false, err
	}
	return o, true, nil
}

func (s *RedisOverrideStore) Delete(ctx context.Context, campaignID string) error {
	return s.client.Del(ctx, overrideKey(campaignID)).Err()
}
