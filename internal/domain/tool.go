package domain

import "encoding/json"

// ToolDefinition describes one function the model may invoke mid-generation.
// Parameters holds the raw JSON schema for the tool's arguments.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}
