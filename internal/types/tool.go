package types

// ToolDefinition describes a tool offered to the model.
// InputSchema is a JSON Schema object in map form.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}
