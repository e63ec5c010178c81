package models

import "time"

// EventType enumerates the pipeline event stream vocabulary.
type EventType string

const (
	EventPipelineStarted   EventType = "pipeline_started"
	EventPipelineCompleted EventType = "pipeline_completed"
	EventPipelineFailed    EventType = "pipeline_failed"
	EventPipelinePaused    EventType = "pipeline_paused"
	EventStageEntered      EventType = "stage_entered"
	EventStageCompleted    EventType = "stage_completed"
	EventAgentStarted      EventType = "agent_started"
	EventAgentCompleted    EventType = "agent_completed"
	EventAgentToolCall     EventType = "agent_tool_call"
	EventAgentOutput       EventType = "agent_output"
	EventAgentNudge        EventType = "agent_nudge"
	EventTestRun           EventType = "test_run"
	EventReviewFinding     EventType = "review_finding"
	EventInterventionSet   EventType = "intervention_set"
	EventCostUpdate        EventType = "cost_update"
	EventError             EventType = "error"
)

// IsTerminal reports whether an event closes a CR's stream from a consumer's
// point of view. SSE clients disconnect when they observe one.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventPipelineCompleted, EventPipelineFailed, EventPipelinePaused:
		return true
	}
	return false
}

// Event is one entry in a CR's append-only stream. Events are never mutated
// after emission; the stream id is assigned by the store.
type Event struct {
	CRID      string         `json:"cr_id"`
	Type      EventType      `json:"event_type"`
	Stage     string         `json:"stage,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(crID string, t EventType, stage string, data map[string]any) Event {
	return Event{
		CRID:      crID,
		Type:      t,
		Stage:     stage,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
