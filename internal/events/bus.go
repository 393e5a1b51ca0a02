package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies a dialer event. Keep values stable; they are published to Kafka.
type Type string

const (
	TypeAgentStatusChanged Type = "agent.status_changed"
	TypeRecordClaimed      Type = "record.claimed"
	TypeRecordReleased     Type = "record.released"
	TypeCallStarted        Type = "call.started"
	TypeCallConnected      Type = "call.connected"
	TypeCallEnded          Type = "call.ended"
	TypeDispositionApplied Type = "call.disposition_applied"
	TypeContactDNC         Type = "contact.dnc"
	TypeDialDecision       Type = "pacing.decision"
)

// Event is a typed notification emitted by one component for downstream consumers.
type Event struct {
	Type       Type   `json:"type"`
	CampaignID string `json:"campaign_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	RecordID   string `json:"record_id,omitempty"`
	ContactID  string `json:"contact_id,omitempty"`
	// Detail carries a small, type-specific value (new status, outcome, disposition code).
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Handler consumes events. Handlers run on the bus goroutine and must not block for long.
type Handler func(ctx context.Context, e Event)

// Publisher is what producing components depend on.
type Publisher interface {
	Publish(e Event)
}

// Bus is a bounded, explicitly wired event channel.
//
// Subscriptions are fixed before Run. Publish never blocks: when the buffer is
// full the event is dropped and counted.
type Bus struct {
	log *slog.Logger
	ch  chan Event

	mu       sync.RWMutex
	handlers map[Type][]Handler
	running  atomic.Bool

	dropped atomic.Int64
	now     func() time.Time
}

func NewBus(log *slog.Logger, size int) *Bus {
	if size <= 0 {
		size = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:      log,
		ch:       make(chan Event, size),
		handlers: map[Type][]Handler{},
		now:      time.Now,
	}
}

// Subscribe registers h for the listed event types. It panics if called after Run.
func (b *Bus) Subscribe(h Handler, types ...Type) {
	if b.running.Load() {
		panic("events: subscribe after Run")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], h)
	}
}

func (b *Bus) Publish(e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = b.now().UTC()
	}
	select {
	case b.ch <- e:
	default:
		n := b.dropped.Add(1)
		b.log.Warn("event dropped, bus full", "type", e.Type, "campaign_id", e.CampaignID, "dropped_total", n)
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Run dispatches events until ctx is done, then drains what is already buffered.
func (b *Bus) Run(ctx context.Context) error {
	b.running.Store(true)
	for {
		select {
		case e := <-b.ch:
			b.dispatch(ctx, e)
		case <-ctx.Done():
			b.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		}
	}
}

func (b *Bus) drain(ctx context.Context) {
	for {
		select {
		case e := <-b.ch:
			b.dispatch(ctx, e)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, e Event) {
	b.mu.RLock()
	hs := b.handlers[e.Type]
	b.mu.RUnlock()
	for _, h := range hs {
		b.safeCall(ctx, h, e)
	}
}

func (b *Bus) safeCall(ctx context.Context, h Handler, e Event) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error("event handler panicked", "type", e.Type, "panic", p)
		}
	}()
	h(ctx, e)
}

// Discard is a Publisher that drops everything. Useful when a component runs standalone.
type Discard struct{}

func (Discard) Publish(Event) {}
