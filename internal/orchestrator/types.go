package orchestrator

import "time"

// Full method names served by the clinical command orchestrator
const (
	detectCommandMethod  = "/clinical.v1.CommandService/DetectCommand"
	executeCommandMethod = "/clinical.v1.CommandService/ExecuteCommand"
)

// Command is a structured clinical action found in an utterance
type Command struct {
	Type       string         // e.g. "prescription", "follow_up", "note"
	Parameters map[string]any // command-specific arguments
	Confidence float64
}

// ExecutionResult is the outcome of an executed command; it is broadcast to clients as is
type ExecutionResult struct {
	CommandType string         `json:"commandType"`
	Success     bool           `json:"success"`
	Message     string         `json:"message,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	ExecutedAt  time.Time      `json:"executedAt"`
}
