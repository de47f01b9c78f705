package domain

import "time"

type EventType string

const (
	EventSubmitted      EventType = "application.submitted"
	EventStageCompleted EventType = "stage.completed"
	EventRejectedEarly  EventType = "stage.rejected"
	EventDecided        EventType = "application.decided"
	EventErrored        EventType = "application.errored"
)

// PipelineEvent is published best-effort after each durable transition.
type PipelineEvent struct {
	ApplicationID string         `json:"application_id"`
	Type          EventType      `json:"type"`
	Stage         StageName      `json:"stage"`
	CurrentStage  StageName      `json:"current_stage"`
	Status        string         `json:"status,omitempty"`
	Score         float64        `json:"score,omitempty"`
	Version       int64          `json:"version"`
	At            time.Time      `json:"at"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

type RunMode string

const (
	RunModeRun   RunMode = "run"
	RunModeRetry RunMode = "retry"
)

// RunCommand asks a worker to drive an application's pipeline.
type RunCommand struct {
	ApplicationID string    `json:"application_id"`
	Mode          RunMode   `json:"mode"`
	RequestedAt   time.Time `json:"requested_at"`
}
