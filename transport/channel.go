// Package transport defines the agent communication channel the
// coordinator speaks through. Implementations deliver task payloads to
// worker agents and surface their responses.
package transport

import (
	"context"
	"time"

	"github.com/swarmguard/taskman/model"
)

// TaskPayload is the wire form of a dispatched task.
type TaskPayload struct {
	TaskID             string         `json:"taskId"`
	Title              string         `json:"title"`
	Description        string         `json:"description,omitempty"`
	Type               model.TaskType `json:"type"`
	Priority           model.Priority `json:"priority"`
	EstimatedHours     float64        `json:"estimatedHours"`
	AcceptanceCriteria []string       `json:"acceptanceCriteria,omitempty"`
	Tags               []string       `json:"tags,omitempty"`
	ProjectID          string         `json:"projectId,omitempty"`
	Dependencies       []string       `json:"dependencies,omitempty"`
	ExecutionID        string         `json:"executionId"`
	Timestamp          time.Time      `json:"timestamp"`
}

// AgentChannel carries task payloads to agents and responses back.
type AgentChannel interface {
	// SendTask delivers the JSON payload to the agent.
	SendTask(ctx context.Context, agentID string, payload []byte) error
	// ReceiveResponse waits up to poll for one response from the agent.
	// ok is false when no response arrived within the window.
	ReceiveResponse(ctx context.Context, agentID string, poll time.Duration) (response string, ok bool, err error)
}
