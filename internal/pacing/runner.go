package pacing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"contact-center/internal/campaigns"
	"contact-center/internal/events"
	"contact-center/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Lease grants one replica the right to dial a campaign for a tick.
type Lease interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLease is a single-holder cap that expires with the tick.
type RedisLease struct {
	client *redis.Client
}

func NewRedisLease(client *redis.Client) RedisLease { return RedisLease{client: client} }

func (l RedisLease) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.client, key, 1, ttl)
}

type CampaignLister interface {
	ListCampaigns(ctx context.Context, activeOnly bool) ([]campaigns.Campaign, error)
}

type RecordSelector interface {
	SelectNext(ctx context.Context, campaignID, agentID string) (campaigns.Record, bool, error)
}

// BurstDialer places one predictive dial for a claimed record.
type BurstDialer interface {
	DialRecord(ctx context.Context, rec campaigns.Record) error
}

// ClaimSweeper hands back claims that were taken but never dialled.
type ClaimSweeper interface {
	ReleaseStaleClaims(ctx context.Context, before time.Time) (int, error)
}

// Runner ticks every active predictive campaign and places the recommended bursts.
type Runner struct {
	svc       *Service
	campaigns CampaignLister
	selector  RecordSelector
	dialer    BurstDialer
	lease     Lease
	pub       events.Publisher
	log       *slog.Logger
	interval  time.Duration

	sweeper  ClaimSweeper
	claimTTL time.Duration
	clock    func() time.Time

	mu     sync.Mutex
	bursts map[string]context.CancelFunc
}

func NewRunner(svc *Service, c CampaignLister, sel RecordSelector, d BurstDialer, lease Lease, pub events.Publisher, log *slog.Logger, interval time.Duration) *Runner {
	if pub == nil {
		pub = events.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return &Runner{
		svc:       svc,
		campaigns: c,
		selector:  sel,
		dialer:    d,
		lease:     lease,
		pub:       pub,
		log:       log,
		interval:  interval,
		clock:     time.Now,
		bursts:    map[string]context.CancelFunc{},
	}
}

// WithClaimSweeper makes every tick release undialled claims older than ttl.
func (r *Runner) WithClaimSweeper(s ClaimSweeper, ttl time.Duration) *Runner {
	r.sweeper = s
	r.claimTTL = ttl
	return r
}

// leaseTTL stays below the interval so the holder's lease has lapsed by its
// own next tick.
func (r *Runner) leaseTTL() time.Duration {
	return max(r.interval*3/4, time.Millisecond)
}

// SweepClaims releases claims older than the claim TTL and returns how many.
func (r *Runner) SweepClaims(ctx context.Context) int {
	if r.sweeper == nil || r.claimTTL <= 0 {
		return 0
	}
	n, err := r.sweeper.ReleaseStaleClaims(ctx, r.clock().Add(-r.claimTTL))
	if err != nil {
		r.log.ErrorContext(ctx, "sweep stale claims failed", "err", err)
		return 0
	}
	if n > 0 {
		r.log.InfoContext(ctx, "stale claims released", "released", n, "ttl", r.claimTTL.String())
	}
	return n
}

// Attach subscribes the runner to agent status changes.
func (r *Runner) Attach(bus *events.Bus) {
	bus.Subscribe(r.HandleEvent, events.TypeAgentStatusChanged)
}

// HandleEvent cancels the campaign's in-progress burst on any agent status change.
func (r *Runner) HandleEvent(ctx context.Context, e events.Event) {
	if e.Type != events.TypeAgentStatusChanged || e.CampaignID == "" {
		return
	}
	if r.CancelBurst(e.CampaignID) {
		r.log.InfoContext(ctx, "burst cancelled by agent status change", "campaign_id", e.CampaignID, "agent_id", e.AgentID, "status", e.Detail)
	}
}

func (r *Runner) CancelBurst(campaignID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.bursts[campaignID]
	if ok {
		cancel()
		delete(r.bursts, campaignID)
	}
	return ok
}

// Run ticks until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.log.InfoContext(ctx, "pacing runner started", "interval", r.interval.String())
	for {
		select {
		case <-ctx.Done():
			r.log.InfoContext(ctx, "pacing runner stopped")
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps stale claims and performs one tick over all active predictive campaigns.
func (r *Runner) RunOnce(ctx context.Context) {
	r.SweepClaims(ctx)
	list, err := r.campaigns.ListCampaigns(ctx, true)
	if err != nil {
		r.log.ErrorContext(ctx, "list campaigns failed", "err", err)
		return
	}
	for _, c := range list {
		if c.DialingMode != campaigns.DialingModePredictive {
			continue
		}
		if _, err := r.Tick(ctx, c.ID); err != nil {
			r.log.ErrorContext(ctx, "pacing tick failed", "campaign_id", c.ID, "err", err)
		}
	}
}

// Tick decides and dials for one campaign. It returns the number of dials placed.
func (r *Runner) Tick(ctx context.Context, campaignID string) (int, error) {
	if r.lease != nil {
		ok, err := r.lease.TryAcquire(ctx, "dialer:pacing:"+campaignID, r.leaseTTL())
		if err != nil {
			return 0, fmt.Errorf("acquire lease: %w", err)
		}
		if !ok {
			return 0, nil
		}
	}

	d, err := r.svc.ComputeDialDecision(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	r.pub.Publish(events.Event{
		Type:       events.TypeDialDecision,
		CampaignID: campaignID,
		Detail:     fmt.Sprintf("calls=%d ratio=%.2f", d.CallsToPlace, d.DialRatio),
		OccurredAt: d.ComputedAt,
	})
	r.log.DebugContext(ctx, "dial decision", "campaign_id", campaignID, "should_dial", d.ShouldDial, "calls", d.CallsToPlace, "ratio", d.DialRatio, "reasoning", d.Reasoning)
	if !d.ShouldDial {
		return 0, nil
	}

	burstCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.bursts[campaignID] = cancel
	r.mu.Unlock()
	defer func() {
		r.CancelBurst(campaignID)
		cancel()
	}()

	placed := 0
	for i := 0; i < d.CallsToPlace; i++ {
		if burstCtx.Err() != nil {
			break
		}
		rec, ok, err := r.selector.SelectNext(burstCtx, campaignID, "")
		if err != nil {
			return placed, err
		}
		if !ok {
			break
		}
		if err := r.dialer.DialRecord(burstCtx, rec); err != nil {
			r.log.WarnContext(ctx, "burst dial failed", "campaign_id", campaignID, "record_id", rec.ID, "err", err)
			continue
		}
		placed++
	}
	return placed, nil
}
