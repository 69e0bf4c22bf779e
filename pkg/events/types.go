package events

import "time"

// EventType identifies the kind of event emitted during a mission run.
type EventType string

const (
	EventPipelineStart     EventType = "pipeline.start"
	EventPipelineEnd       EventType = "pipeline.end"
	EventPipelinePaused    EventType = "pipeline.paused"
	EventPipelineAborted   EventType = "pipeline.aborted"
	EventStageStart        EventType = "stage.start"
	EventStageEnd          EventType = "stage.end"
	EventStageError        EventType = "stage.error"
	EventRoute             EventType = "route"
	EventCheckpointSave    EventType = "checkpoint.save"
	EventCheckpointRestore EventType = "checkpoint.restore"
	EventToolCall          EventType = "tool.call"
	EventGatewayRequest    EventType = "gateway.request"
)

// Event is one runtime event. SessionID is empty for events that belong
// to no mission, such as gateway requests.
type Event struct {
	Type      EventType     `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Data      any           `json:"data"`
	StepIndex int           `json:"step_index,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// NewEvent creates a new Event with the current timestamp.
func NewEvent(typ EventType, data any) Event {
	return Event{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	}
}
