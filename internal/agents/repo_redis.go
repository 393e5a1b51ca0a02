package agents

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRepo shares live agent state between API replicas.
//
// Layout: hash dialer:agent:{id} holds the agent; set dialer:campaign:{id}:agents
// indexes agents by campaign assignment.
type RedisRepo struct {
	client *redis.Client
}

func NewRedisRepo(client *redis.Client) *RedisRepo {
	return &RedisRepo{client: client}
}

func agentKey(id string) string { return "dialer:agent:" + id }

func campaignAgentsKey(campaignID string) string { return "dialer:campaign:" + campaignID + ":agents" }

func (r *RedisRepo) Get(ctx context.Context, id string) (Agent, error) {
	data, err := r.client.HGetAll(ctx, agentKey(id)).Result()
	if err != nil {
		return Agent{}, err
	}
	if len(data) == 0 {
		return Agent{}, ErrNotFound
	}
	return decodeAgent(id, data), nil
}

func decodeAgent(id string, data map[string]string) Agent {
	a := Agent{
		ID:         id,
		CampaignID: data["campaign_id"],
		Status:     Status(data["status"]),
	}
	if n, err := strconv.Atoi(data["capacity"]); err == nil {
		a.Capacity = n
	}
	if n, err := strconv.Atoi(data["active_calls"]); err == nil {
		a.ActiveCalls = n
	}
	if ns, err := strconv.ParseInt(data["status_since"], 10, 64); err == nil && ns > 0 {
		a.StatusSince = time.Unix(0, ns).UTC()
	}
	if ns, err := strconv.ParseInt(data["updated_at"], 10, 64); err == nil && ns > 0 {
		a.UpdatedAt = time.Unix(0, ns).UTC()
	}
	return a
}

func (r *RedisRepo) Save(ctx context.Context, a Agent) error {
	key := agentKey(a.ID)
	prev, err := r.client.HGet(ctx, key, "campaign_id").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"campaign_id", a.CampaignID,
			"status", string(a.Status),
			"capacity", a.Capacity,
			"active_calls", a.ActiveCalls,
			"status_since", a.StatusSince.UnixNano(),
			"updated_at", a.UpdatedAt.UnixNano(),
		)
		if prev != "" && prev != a.CampaignID {
			p.SRem(ctx, campaignAgentsKey(prev), a.ID)
		}
		if a.CampaignID != "" {
			p.SAdd(ctx, campaignAgentsKey(a.CampaignID), a.ID)
		}
		// Offline agents age out; everyone else is refreshed on every write.
		if a.Status == StatusOffline {
			p.Expire(ctx, key, 24*time.Hour)
		} else {
			p.Persist(ctx, key)
		}
		return nil
	})
	return err
}

func (r *RedisRepo) ListByCampaign(ctx context.Context, campaignID string) ([]Agent, error) {
	ids, err := r.client.SMembers(ctx, campaignAgentsKey(campaignID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Agent{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, agentKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Agent, 0, len(ids))
	var stale []any
	for i, id := range ids {
		data, err := cmds[i].Result()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 || data["campaign_id"] != campaignID {
			stale = append(stale, id)
			continue
		}
		out = append(out, decodeAgent(id, data))
	}
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, campaignAgentsKey(campaignID), stale...).Err()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
