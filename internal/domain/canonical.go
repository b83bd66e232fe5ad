package domain

// Canonical request/response representation. Every inbound protocol is
// normalized into these types and every outbound protocol is produced from
// them, so translation logic never pairs protocols directly.

// CanonicalRequest is the protocol-agnostic chat request.
type CanonicalRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`

	// Request context, never serialized to providers.
	RequestID string `json:"-"`
	KeyID     string `json:"-"`
	// SourceProtocol is the wire format the caller used.
	SourceProtocol Protocol `json:"-"`
}

// Message is a single turn in the conversation.
type Message struct {
	Role       string         `json:"role"` // "user", "assistant", "system", "tool"
	Content    []ContentBlock `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// Text concatenates the text blocks of the message.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == ContentText {
			out += b.Text
		}
	}
	return out
}

// ContentBlock is one piece of message content.
type ContentBlock struct {
	Type      ContentType `json:"type"`
	Text      string      `json:"text,omitempty"`
	ImageData string      `json:"image_data,omitempty"` // base64
	MediaType string      `json:"media_type,omitempty"`
}

// ContentType enumerates content block kinds.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
)

// TextBlock builds a text content block.
func TextBlock(s string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: s}
}

// Tool is a function the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a function invocation emitted by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// FinishReason indicates why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// Usage is the token accounting a provider reports.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// CanonicalResponse is the protocol-agnostic completion result.
type CanonicalResponse struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Content      string       `json:"content"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// ChunkType enumerates streaming chunk kinds.
type ChunkType string

const (
	ChunkStart     ChunkType = "start"      // stream opened, carries ID/Model
	ChunkTextDelta ChunkType = "text_delta" // incremental text
	ChunkToolCall  ChunkType = "tool_call"  // a completed tool call
	ChunkUsage     ChunkType = "usage"      // token accounting
	ChunkDone      ChunkType = "done"       // terminal, carries FinishReason
)

// StreamChunk is one logical unit of a streamed response. Translated chunks
// are emitted in arrival order; a trailing partial unit is buffered only
// until it is complete.
type StreamChunk struct {
	Type         ChunkType    `json:"type"`
	ID           string       `json:"id,omitempty"`
	Model        string       `json:"model,omitempty"`
	TextDelta    string       `json:"text_delta,omitempty"`
	ToolCall     *ToolCall    `json:"tool_call,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
}
