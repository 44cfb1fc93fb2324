// Package model defines the core domain types for hearth.
//
// Types mirror what the kernel reports (issues, jobs, events) and the
// aggregates the control panel derives from them (world builds, agents,
// refinements, recent-world summaries). Event payloads are a closed sum
// type rather than untyped maps so consumers switch on concrete variants.
package model

// Known kernel event types. Anything else is carried through as an opaque
// event with its type preserved.
const (
	EventBuildStatus      = "build_status"
	EventBuildFailed      = "build_failed"
	EventAgentStarted     = "agent_started"
	EventAgentStatus      = "agent_status"
	EventAgentFitness     = "agent_fitness"
	EventLeaderChanged    = "leader_changed"
	EventWinnerSelected   = "winner_selected"
	EventRefinementStatus = "refinement_status"

	// Plain log lines from the kernel, rendered but never interpreted.
	EventSystem        = "system"
	EventAgent         = "agent"
	EventCritic        = "critic"
	EventError         = "error"
	EventResponseChunk = "response_chunk"

	// EventUnknown is assigned when a raw payload could not be decoded at all.
	EventUnknown = "unknown"
)

// EventKey is the identity of a BuildEvent. Two events with the same key are
// the same event regardless of which source (poll or push) produced them.
//
// There is no sequence number: two distinct kernel events sharing a
// timestamp, type, and ids collapse into one. Kernel timestamp granularity
// is unspecified, so this is kept rather than guessed around.
type EventKey struct {
	Timestamp  string
	Type       string
	IssueID    string
	WorkcellID string
}

// BuildEvent is the canonical, post-normalization event.
type BuildEvent struct {
	Timestamp  string         `json:"timestamp"`
	Type       string         `json:"type"`
	IssueID    string         `json:"issue_id,omitempty"`
	WorkcellID string         `json:"workcell_id,omitempty"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Payload    Payload        `json:"-"`
}

// Key returns the event's identity key.
func (e BuildEvent) Key() EventKey {
	return EventKey{
		Timestamp:  e.Timestamp,
		Type:       e.Type,
		IssueID:    e.IssueID,
		WorkcellID: e.WorkcellID,
	}
}

// Payload is the decoded, typed body of a BuildEvent. The set of variants is
// closed; OpaquePayload covers everything the normalizer does not recognize.
type Payload interface {
	payloadKind() string
}

// StatusPayload reports a build-level status transition.
type StatusPayload struct {
	Status BuildStatus
	Error  string
}

// AgentPayload reports an agent joining a build or changing state.
type AgentPayload struct {
	AgentID    string
	Toolchain  string
	Status     AgentStatus
	Stage      string
	Error      string
	WorkcellID string
	// Speculating is set when the kernel says multiple agents race this build.
	Speculating bool
}

// FitnessPayload reports a fitness score for one agent.
type FitnessPayload struct {
	AgentID    string
	Fitness    float64
	Generation int
}

// LeaderPayload names the leading agent, or the winner when Winner is set.
type LeaderPayload struct {
	AgentID string
	Winner  bool
}

// RefinementPayload reports progress of a refinement sub-issue.
type RefinementPayload struct {
	RefinementID string
	IssueID      string
	Status       RefinementStatus
}

// LogPayload marks a plain text event (system/agent/critic/error lines).
type LogPayload struct{}

// OpaquePayload carries an event the normalizer could not interpret.
type OpaquePayload struct {
	Raw map[string]any
}

func (StatusPayload) payloadKind() string     { return "status" }
func (AgentPayload) payloadKind() string      { return "agent" }
func (FitnessPayload) payloadKind() string    { return "fitness" }
func (LeaderPayload) payloadKind() string     { return "leader" }
func (RefinementPayload) payloadKind() string { return "refinement" }
func (LogPayload) payloadKind() string        { return "log" }
func (OpaquePayload) payloadKind() string     { return "opaque" }

// PayloadKind returns a short label for the payload variant, "none" for nil.
func PayloadKind(p Payload) string {
	if p == nil {
		return "none"
	}
	return p.payloadKind()
}

// RawEvent is the loosely-typed wire shape of a kernel event, from either the
// push stream or a snapshot poll.
type RawEvent struct {
	Type       string         `json:"type"`
	Timestamp  any            `json:"timestamp"`
	IssueID    *string        `json:"issue_id,omitempty"`
	WorkcellID *string        `json:"workcell_id,omitempty"`
	Message    *string        `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}
