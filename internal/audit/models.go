package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Every event names at least one subject: a campaign, an agent or a call.
// - actor and ip capture are best-effort; audit failures never block dialing.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event, empty for system events.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`
	AgentID    string `json:"agent_id,omitempty" db:"agent_id"`
	CallID     string `json:"call_id,omitempty" db:"call_id"`
	RecordID   string `json:"record_id,omitempty" db:"record_id"`
	ContactID  string `json:"contact_id,omitempty" db:"contact_id"`
	OverrideID string `json:"override_id,omitempty" db:"override_id"`

	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (e Event) hasSubject() bool {
	return e.CampaignID != "" || e.AgentID != "" || e.CallID != ""
}

type EventType string

const (
	EventTypeAdminAction   EventType = "admin_action"
	EventTypeOverride      EventType = "routing_override"
	EventTypeAgentStatus   EventType = "agent_status"
	EventTypeDisposition   EventType = "disposition"
	EventTypeContactDNC    EventType = "contact_dnc"
	EventTypeCallAbandoned EventType = "call_abandoned"
)
