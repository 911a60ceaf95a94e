package domain

import "time"

// ToolParameter describes one parameter of a tool's typed schema.
type ToolParameter struct {
	Type     string `json:"type"` // string | number | boolean | object | array
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
	Describe string `json:"description,omitempty"`
}

// ToolDefinition is one registered tool. Adapter selects how the call is
// executed: in-process function or HTTP POST to Endpoint.
type ToolDefinition struct {
	Name       string                   `json:"name"`
	Describe   string                   `json:"description,omitempty"`
	Parameters map[string]ToolParameter `json:"parameters"`
	Adapter    string                   `json:"adapter"` // function | http
	Endpoint   string                   `json:"endpoint,omitempty"`
	TimeoutMs  int                      `json:"timeout_ms,omitempty"` // 0 means engine default
}

// ToolCall is one invocation request emitted by a council member.
type ToolCall struct {
	Name      string         `json:"name"`
	Params    map[string]any `json:"params"`
	MemberID  string         `json:"member_id"`
	RequestID string         `json:"request_id"`
}

// ToolResult is the execution outcome returned to the member.
type ToolResult struct {
	ToolName  string        `json:"tool_name"`
	Success   bool          `json:"success"`
	Result    any           `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}
