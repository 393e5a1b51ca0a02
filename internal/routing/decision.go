package routing

// Decision is the provider-agnostic answer-time routing result.
//
// It carries only what the telephony boundary needs to execute it (TwiML
// builder, SIP bridge). No provider identity belongs here.
type Decision struct {
	CampaignID string `json:"campaign_id"`
	CallID     string `json:"call_id"`

	Action    Action `json:"action"`
	AgentID   string `json:"agent_id,omitempty"`
	ConnectTo string `json:"connect_to,omitempty"`

	// Reason is for internal logs. Override decisions leave it empty.
	Reason string `json:"reason,omitempty"`
}

type Action string

const (
	ActionConnect Action = "connect"
	ActionHangup  Action = "hangup"
)

// Reasons recorded on routed decisions.
const (
	ReasonAssigned         = "assigned_agent"
	ReasonLongestIdle      = "longest_idle"
	ReasonNoAvailableAgent = "no_available_agent"
)

// Abandoned reports whether the call is dropped for lack of an agent.
func (d Decision) Abandoned() bool {
	return d.Action == ActionHangup && d.Reason == ReasonNoAvailableAgent
}
