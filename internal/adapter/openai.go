package adapter

import (
	"fmt"
	"io"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

// openaiCodec translates the OpenAI Chat Completions API.
type openaiCodec struct{}

func (c *openaiCodec) protocol() domain.Protocol { return domain.ProtocolOpenAI }

func (c *openaiCodec) match(shape map[string]json.RawMessage) bool {
	return hasField(shape, "messages")
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []struct {
		Type     string `json:"type"`
		Function struct {
			Name        string         `json:"name"`
			Description string         `json:"description,omitempty"`
			Parameters  map[string]any `json:"parameters,omitempty"`
		} `json:"function"`
	} `json:"tools,omitempty"`
}

func (c *openaiCodec) decodeRequest(body []byte) (*domain.CanonicalRequest, error) {
	var req openaiRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	out := &domain.CanonicalRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        decodeOpenAIStop(req.Stop),
		Stream:      req.Stream,
	}
	for _, t := range req.Tools {
		if t.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, domain.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	for _, m := range req.Messages {
		if m.Role == "system" {
			out.System += textOfOpenAIContent(m.Content)
			continue
		}
		msg := domain.Message{Role: m.Role, ToolCallID: m.ToolCallID}
		msg.Content = decodeOpenAIContent(m.Content)
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		out.Messages = append(out.Messages, msg)
	}
	return out, nil
}

// decodeOpenAIStop accepts both the string and array forms.
func decodeOpenAIStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

type openaiContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

func decodeOpenAIContent(raw json.RawMessage) []domain.ContentBlock {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []domain.ContentBlock{domain.TextBlock(s)}
	}
	var parts []openaiContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	var out []domain.ContentBlock
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, domain.TextBlock(p.Text))
		case "image_url":
			if p.ImageURL != nil {
				out = append(out, domain.ContentBlock{
					Type:      domain.ContentImage,
					ImageData: p.ImageURL.URL,
				})
			}
		}
	}
	return out
}

func textOfOpenAIContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var out string
	for _, b := range decodeOpenAIContent(raw) {
		if b.Type == domain.ContentText {
			out += b.Text
		}
	}
	return out
}

func (c *openaiCodec) encodeRequest(req *domain.CanonicalRequest) ([]byte, error) {
	var messages []map[string]any
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		msg := map[string]any{"role": m.Role}
		if m.Role == "tool" {
			msg["tool_call_id"] = m.ToolCallID
			msg["content"] = m.Text()
			messages = append(messages, msg)
			continue
		}

		if onlyText(m.Content) {
			msg["content"] = m.Text()
		} else {
			var parts []map[string]any
			for _, b := range m.Content {
				switch b.Type {
				case domain.ContentText:
					parts = append(parts, map[string]any{"type": "text", "text": b.Text})
				case domain.ContentImage:
					parts = append(parts, map[string]any{
						"type":      "image_url",
						"image_url": map[string]any{"url": b.ImageData},
					})
				}
			}
			msg["content"] = parts
		}
		if len(m.ToolCalls) > 0 {
			var calls []map[string]any
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": tc.Arguments,
					},
				})
			}
			msg["tool_calls"] = calls
		}
		messages = append(messages, msg)
	}

	out := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out["top_p"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		out["max_tokens"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		out["stop"] = req.Stop
	}
	if req.Stream {
		out["stream"] = true
		out["stream_options"] = map[string]any{"include_usage": true}
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		out["tools"] = tools
	}
	return json.Marshal(out)
}

func onlyText(blocks []domain.ContentBlock) bool {
	for _, b := range blocks {
		if b.Type != domain.ContentText {
			return false
		}
	}
	return true
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *openaiCodec) decodeResponse(body []byte) (*domain.CanonicalResponse, error) {
	var resp openaiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	choice := resp.Choices[0]
	out := &domain.CanonicalResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      choice.Message.Content,
		FinishReason: openaiFinishToCanonical(choice.FinishReason),
		Usage: domain.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func (c *openaiCodec) encodeResponse(resp *domain.CanonicalResponse) ([]byte, error) {
	message := map[string]any{
		"role":    "assistant",
		"content": resp.Content,
	}
	if len(resp.ToolCalls) > 0 {
		var calls []map[string]any
		for _, tc := range resp.ToolCalls {
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": tc.Arguments,
				},
			})
		}
		message["tool_calls"] = calls
	}

	return json.Marshal(map[string]any{
		"id":     resp.ID,
		"object": "chat.completion",
		"model":  resp.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": canonicalFinishToOpenAI(resp.FinishReason),
		}},
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	})
}

func openaiFinishToCanonical(reason string) domain.FinishReason {
	switch reason {
	case "length":
		return domain.FinishLength
	case "tool_calls":
		return domain.FinishToolCalls
	default:
		return domain.FinishStop
	}
}

func canonicalFinishToOpenAI(r domain.FinishReason) string {
	switch r {
	case domain.FinishLength:
		return "length"
	case domain.FinishToolCalls:
		return "tool_calls"
	default:
		return "stop"
	}
}

type openaiStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *openaiCodec) decodeStream(r io.Reader, emit EmitFunc) error {
	sse := NewSSEReader(r)

	started := false
	finish := domain.FinishStop
	// Tool call fragments accumulate per choice index until the stream
	// signals completion.
	pendingTools := map[int]*domain.ToolCall{}
	var toolOrder []int

	flushTools := func() error {
		for _, idx := range toolOrder {
			tc := pendingTools[idx]
			if tc == nil {
				continue
			}
			delete(pendingTools, idx)
			if err := emit(&domain.StreamChunk{Type: domain.ChunkToolCall, ToolCall: tc}); err != nil {
				return err
			}
		}
		toolOrder = toolOrder[:0]
		return nil
	}

	for {
		ev, err := sse.ReadEvent()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if ev.Data == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			continue
		}

		if !started {
			started = true
			if err := emit(&domain.StreamChunk{
				Type:  domain.ChunkStart,
				ID:    chunk.ID,
				Model: chunk.Model,
			}); err != nil {
				return err
			}
		}

		if chunk.Usage != nil {
			if err := emit(&domain.StreamChunk{
				Type: domain.ChunkUsage,
				Usage: &domain.Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
				},
			}); err != nil {
				return err
			}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if err := emit(&domain.StreamChunk{
					Type:      domain.ChunkTextDelta,
					TextDelta: choice.Delta.Content,
				}); err != nil {
					return err
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				pending := pendingTools[tc.Index]
				if pending == nil {
					pending = &domain.ToolCall{}
					pendingTools[tc.Index] = pending
					toolOrder = append(toolOrder, tc.Index)
				}
				if tc.ID != "" {
					pending.ID = tc.ID
				}
				if tc.Function.Name != "" {
					pending.Name = tc.Function.Name
				}
				pending.Arguments += tc.Function.Arguments
			}
			if choice.FinishReason != "" {
				finish = openaiFinishToCanonical(choice.FinishReason)
				if err := flushTools(); err != nil {
					return err
				}
			}
		}
	}

	if !started {
		return nil
	}
	if err := flushTools(); err != nil {
		return err
	}
	return emit(&domain.StreamChunk{Type: domain.ChunkDone, FinishReason: finish})
}

// openaiStreamEncoder renders canonical chunks as chat.completion.chunk
// events terminated by [DONE].
type openaiStreamEncoder struct {
	model     string
	id        string
	toolIndex int
}

func (c *openaiCodec) newStreamEncoder(model string) StreamEncoder {
	return &openaiStreamEncoder{model: model}
}

func (e *openaiStreamEncoder) chunk(delta map[string]any, finish any) map[string]any {
	return map[string]any{
		"id":     e.id,
		"object": "chat.completion.chunk",
		"model":  e.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
}

func (e *openaiStreamEncoder) Encode(chunk *domain.StreamChunk) ([]byte, error) {
	switch chunk.Type {
	case domain.ChunkStart:
		e.id = chunk.ID
		if chunk.Model != "" {
			e.model = chunk.Model
		}
		data, err := json.Marshal(e.chunk(map[string]any{"role": "assistant", "content": ""}, nil))
		if err != nil {
			return nil, err
		}
		return formatSSE("", string(data)), nil

	case domain.ChunkTextDelta:
		data, err := json.Marshal(e.chunk(map[string]any{"content": chunk.TextDelta}, nil))
		if err != nil {
			return nil, err
		}
		return formatSSE("", string(data)), nil

	case domain.ChunkToolCall:
		index := e.toolIndex
		e.toolIndex++
		data, err := json.Marshal(e.chunk(map[string]any{
			"tool_calls": []map[string]any{{
				"index": index,
				"id":    chunk.ToolCall.ID,
				"type":  "function",
				"function": map[string]any{
					"name":      chunk.ToolCall.Name,
					"arguments": chunk.ToolCall.Arguments,
				},
			}},
		}, nil))
		if err != nil {
			return nil, err
		}
		return formatSSE("", string(data)), nil

	case domain.ChunkUsage:
		data, err := json.Marshal(map[string]any{
			"id":      e.id,
			"object":  "chat.completion.chunk",
			"model":   e.model,
			"choices": []any{},
			"usage": map[string]any{
				"prompt_tokens":     chunk.Usage.InputTokens,
				"completion_tokens": chunk.Usage.OutputTokens,
				"total_tokens":      chunk.Usage.InputTokens + chunk.Usage.OutputTokens,
			},
		})
		if err != nil {
			return nil, err
		}
		return formatSSE("", string(data)), nil

	case domain.ChunkDone:
		data, err := json.Marshal(e.chunk(map[string]any{}, canonicalFinishToOpenAI(chunk.FinishReason)))
		if err != nil {
			return nil, err
		}
		out := formatSSE("", string(data))
		out = append(out, formatSSE("", "[DONE]")...)
		return out, nil
	}
	return nil, nil
}

// nextCallID builds a synthetic tool call id for protocols that do not
// supply one.
func nextCallID(n int) string {
	return "call_" + strconv.Itoa(n)
}
