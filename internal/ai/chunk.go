package ai

// ChunkKind tags one unit of a provider stream.
type ChunkKind string

const (
	ChunkTextStart      ChunkKind = "text-start"
	ChunkTextDelta      ChunkKind = "text-delta"
	ChunkTextEnd        ChunkKind = "text-end"
	ChunkReasoningStart ChunkKind = "reasoning-start"
	ChunkReasoningDelta ChunkKind = "reasoning-delta"
	ChunkReasoningEnd   ChunkKind = "reasoning-end"
	ChunkToolCall       ChunkKind = "tool-call"
	ChunkToolInputStart ChunkKind = "tool-input-start"
	ChunkToolInputDelta ChunkKind = "tool-input-delta"
	ChunkToolInputEnd   ChunkKind = "tool-input-end"
	ChunkToolResult     ChunkKind = "tool-result"
	ChunkToolError      ChunkKind = "tool-error"
	ChunkFile           ChunkKind = "file"
	ChunkError          ChunkKind = "error"
	ChunkAbort          ChunkKind = "abort"
	ChunkFinish         ChunkKind = "finish"
)

// Finish reasons reported on ChunkFinish.
const (
	FinishToolCalls = "tool-calls"
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishError     = "error"
)

// Usage is the token accounting for one provider request.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Chunk is one tagged unit of a streaming response. Only the fields relevant
// to the kind are populated. Providers emit text, reasoning, tool-call,
// tool-input, file, error, and finish chunks; the orchestrator synthesizes
// tool-result, tool-error, and abort chunks while executing tools.
type Chunk struct {
	Kind ChunkKind `json:"kind"`

	// Text and reasoning deltas.
	Text string `json:"text,omitempty"`

	// Tool chunks.
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	InputDelta string         `json:"input_delta,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Result     string         `json:"result,omitempty"`

	// File chunks.
	MediaType string `json:"media_type,omitempty"`
	DataB64   string `json:"data_b64,omitempty"`

	// Error chunks.
	ErrorMessage string `json:"error,omitempty"`

	// Finish chunks.
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}
