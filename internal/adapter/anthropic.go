package adapter

import (
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

// anthropicCodec translates the Anthropic Messages API.
type anthropicCodec struct{}

func (c *anthropicCodec) protocol() domain.Protocol { return domain.ProtocolAnthropic }

// match requires messages plus the max_tokens field the Messages API makes
// mandatory, which separates it from the OpenAI chat shape.
func (c *anthropicCodec) match(shape map[string]json.RawMessage) bool {
	return hasField(shape, "messages") && hasField(shape, "max_tokens")
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// image
	Source *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type,omitempty"`
		Data      string `json:"data,omitempty"`
	} `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	System        json.RawMessage    `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		InputSchema map[string]any `json:"input_schema,omitempty"`
	} `json:"tools,omitempty"`
}

func (c *anthropicCodec) decodeRequest(body []byte) (*domain.CanonicalRequest, error) {
	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	out := &domain.CanonicalRequest{
		Model:       req.Model,
		System:      decodeAnthropicSystem(req.System),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, domain.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	for _, m := range req.Messages {
		msg, err := decodeAnthropicMessage(m)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msg...)
	}
	return out, nil
}

// decodeAnthropicSystem accepts both the string and block-array forms.
func decodeAnthropicSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// decodeAnthropicMessage expands one wire message. A tool_result block
// becomes its own canonical tool message so round-trips keep the pairing.
func decodeAnthropicMessage(m anthropicMessage) ([]domain.Message, error) {
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []domain.Message{{Role: m.Role, Content: []domain.ContentBlock{domain.TextBlock(text)}}}, nil
	}

	var blocks []anthropicContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("message content is neither string nor block array: %w", err)
	}

	var out []domain.Message
	msg := domain.Message{Role: m.Role}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			msg.Content = append(msg.Content, domain.TextBlock(b.Text))
		case "image":
			if b.Source != nil {
				msg.Content = append(msg.Content, domain.ContentBlock{
					Type:      domain.ContentImage,
					ImageData: b.Source.Data,
					MediaType: b.Source.MediaType,
				})
			}
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		case "tool_result":
			out = append(out, domain.Message{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    []domain.ContentBlock{domain.TextBlock(decodeAnthropicToolResult(b.Content))},
			})
		}
	}
	if len(msg.Content) > 0 || len(msg.ToolCalls) > 0 {
		out = append(out, msg)
	}
	return out, nil
}

func decodeAnthropicToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

const defaultMaxTokens = 8192

func (c *anthropicCodec) encodeRequest(req *domain.CanonicalRequest) ([]byte, error) {
	out := map[string]any{
		"model":      req.Model,
		"max_tokens": defaultMaxTokens,
	}
	if req.MaxTokens > 0 {
		out["max_tokens"] = req.MaxTokens
	}
	if req.System != "" {
		out["system"] = req.System
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out["top_p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		out["stop_sequences"] = req.Stop
	}
	if req.Stream {
		out["stream"] = true
	}

	var messages []map[string]any
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			// System turns ride in the top-level field.
			if s, ok := out["system"].(string); ok {
				out["system"] = s + m.Text()
			} else {
				out["system"] = m.Text()
			}
			continue
		case "tool":
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Text(),
				}},
			})
			continue
		}

		var content []map[string]any
		for _, b := range m.Content {
			switch b.Type {
			case domain.ContentText:
				content = append(content, map[string]any{"type": "text", "text": b.Text})
			case domain.ContentImage:
				content = append(content, map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": b.MediaType,
						"data":       b.ImageData,
					},
				})
			}
		}
		for _, tc := range m.ToolCalls {
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    tc.ID,
				"name":  tc.Name,
				"input": json.RawMessage(rawOrEmptyObject(tc.Arguments)),
			})
		}
		if len(content) > 0 {
			messages = append(messages, map[string]any{"role": m.Role, "content": content})
		}
	}
	out["messages"] = messages

	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			})
		}
		out["tools"] = tools
	}

	return json.Marshal(out)
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (c *anthropicCodec) decodeResponse(body []byte) (*domain.CanonicalResponse, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	out := &domain.CanonicalResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		FinishReason: anthropicStopToFinish(resp.StopReason),
		Usage: domain.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			out.Content += b.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		}
	}
	return out, nil
}

func (c *anthropicCodec) encodeResponse(resp *domain.CanonicalResponse) ([]byte, error) {
	var content []map[string]any
	if resp.Content != "" {
		content = append(content, map[string]any{"type": "text", "text": resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": json.RawMessage(rawOrEmptyObject(tc.Arguments)),
		})
	}

	return json.Marshal(map[string]any{
		"id":          resp.ID,
		"type":        "message",
		"role":        "assistant",
		"model":       resp.Model,
		"content":     content,
		"stop_reason": finishToAnthropicStop(resp.FinishReason),
		"usage": map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
	})
}

func anthropicStopToFinish(stop string) domain.FinishReason {
	switch stop {
	case "max_tokens":
		return domain.FinishLength
	case "tool_use":
		return domain.FinishToolCalls
	default:
		return domain.FinishStop
	}
}

func finishToAnthropicStop(r domain.FinishReason) string {
	switch r {
	case domain.FinishLength:
		return "max_tokens"
	case domain.FinishToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}

// anthropicStreamEvent covers every event shape the Messages stream emits.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (c *anthropicCodec) decodeStream(r io.Reader, emit EmitFunc) error {
	sse := NewSSEReader(r)

	var inputTokens int64
	// Tool call fragments are buffered per block index until the block
	// closes; everything else is emitted as it arrives.
	pendingTools := map[int]*domain.ToolCall{}

	for {
		ev, err := sse.ReadEvent()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			inputTokens = event.Message.Usage.InputTokens
			if err := emit(&domain.StreamChunk{
				Type:  domain.ChunkStart,
				ID:    event.Message.ID,
				Model: event.Message.Model,
			}); err != nil {
				return err
			}

		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				pendingTools[event.Index] = &domain.ToolCall{
					ID:   event.ContentBlock.ID,
					Name: event.ContentBlock.Name,
				}
			}

		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					if err := emit(&domain.StreamChunk{
						Type:      domain.ChunkTextDelta,
						TextDelta: event.Delta.Text,
					}); err != nil {
						return err
					}
				}
			case "input_json_delta":
				if tc := pendingTools[event.Index]; tc != nil {
					tc.Arguments += event.Delta.PartialJSON
				}
			}

		case "content_block_stop":
			if tc, ok := pendingTools[event.Index]; ok {
				delete(pendingTools, event.Index)
				if err := emit(&domain.StreamChunk{Type: domain.ChunkToolCall, ToolCall: tc}); err != nil {
					return err
				}
			}

		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				if err := emit(&domain.StreamChunk{
					Type: domain.ChunkUsage,
					Usage: &domain.Usage{
						InputTokens:  inputTokens,
						OutputTokens: event.Usage.OutputTokens,
					},
				}); err != nil {
					return err
				}
			}
			if event.Delta.StopReason != "" {
				if err := emit(&domain.StreamChunk{
					Type:         domain.ChunkDone,
					FinishReason: anthropicStopToFinish(event.Delta.StopReason),
				}); err != nil {
					return err
				}
			}

		case "message_stop":
			return nil
		}
	}
}

// anthropicStreamEncoder renders canonical chunks as Messages stream events.
type anthropicStreamEncoder struct {
	model     string
	id        string
	nextIndex int
	textOpen  bool
	usage     *domain.Usage
}

func (c *anthropicCodec) newStreamEncoder(model string) StreamEncoder {
	return &anthropicStreamEncoder{model: model}
}

func (e *anthropicStreamEncoder) Encode(chunk *domain.StreamChunk) ([]byte, error) {
	switch chunk.Type {
	case domain.ChunkStart:
		e.id = chunk.ID
		model := chunk.Model
		if model == "" {
			model = e.model
		}
		data, err := json.Marshal(map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      chunk.ID,
				"type":    "message",
				"role":    "assistant",
				"model":   model,
				"content": []any{},
				"usage":   map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})
		if err != nil {
			return nil, err
		}
		return formatSSE("message_start", string(data)), nil

	case domain.ChunkTextDelta:
		var out []byte
		if !e.textOpen {
			e.textOpen = true
			start, err := json.Marshal(map[string]any{
				"type":          "content_block_start",
				"index":         e.nextIndex,
				"content_block": map[string]any{"type": "text", "text": ""},
			})
			if err != nil {
				return nil, err
			}
			out = append(out, formatSSE("content_block_start", string(start))...)
		}
		delta, err := json.Marshal(map[string]any{
			"type":  "content_block_delta",
			"index": e.nextIndex,
			"delta": map[string]any{"type": "text_delta", "text": chunk.TextDelta},
		})
		if err != nil {
			return nil, err
		}
		return append(out, formatSSE("content_block_delta", string(delta))...), nil

	case domain.ChunkToolCall:
		out := e.closeTextBlock()
		index := e.nextIndex
		e.nextIndex++

		start, err := json.Marshal(map[string]any{
			"type":  "content_block_start",
			"index": index,
			"content_block": map[string]any{
				"type": "tool_use",
				"id":   chunk.ToolCall.ID,
				"name": chunk.ToolCall.Name,
			},
		})
		if err != nil {
			return nil, err
		}
		delta, err := json.Marshal(map[string]any{
			"type":  "content_block_delta",
			"index": index,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": chunk.ToolCall.Arguments},
		})
		if err != nil {
			return nil, err
		}
		stop, err := json.Marshal(map[string]any{"type": "content_block_stop", "index": index})
		if err != nil {
			return nil, err
		}
		out = append(out, formatSSE("content_block_start", string(start))...)
		out = append(out, formatSSE("content_block_delta", string(delta))...)
		out = append(out, formatSSE("content_block_stop", string(stop))...)
		return out, nil

	case domain.ChunkUsage:
		// Usage rides on message_delta at stream end.
		e.usage = chunk.Usage
		return nil, nil

	case domain.ChunkDone:
		out := e.closeTextBlock()

		usage := map[string]any{"output_tokens": int64(0)}
		if e.usage != nil {
			usage["output_tokens"] = e.usage.OutputTokens
			usage["input_tokens"] = e.usage.InputTokens
		}
		delta, err := json.Marshal(map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": finishToAnthropicStop(chunk.FinishReason)},
			"usage": usage,
		})
		if err != nil {
			return nil, err
		}
		stop, err := json.Marshal(map[string]any{"type": "message_stop"})
		if err != nil {
			return nil, err
		}
		out = append(out, formatSSE("message_delta", string(delta))...)
		out = append(out, formatSSE("message_stop", string(stop))...)
		return out, nil
	}
	return nil, nil
}

func (e *anthropicStreamEncoder) closeTextBlock() []byte {
	if !e.textOpen {
		return nil
	}
	e.textOpen = false
	index := e.nextIndex
	e.nextIndex++
	stop, _ := json.Marshal(map[string]any{"type": "content_block_stop", "index": index})
	return formatSSE("content_block_stop", string(stop))
}

// rawOrEmptyObject guards raw JSON fields against empty argument strings.
func rawOrEmptyObject(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
