package adapter

import (
	"io"

	json "github.com/goccy/go-json"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

// responsesCodec translates the OpenAI Responses API.
type responsesCodec struct{}

func (c *responsesCodec) protocol() domain.Protocol { return domain.ProtocolResponses }

func (c *responsesCodec) match(shape map[string]json.RawMessage) bool {
	return hasField(shape, "input") && !hasField(shape, "messages")
}

type responsesInputItem struct {
	// message form
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`

	// item form
	Type      string `json:"type,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type responsesRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Tools           []struct {
		Type        string         `json:"type"`
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"tools,omitempty"`
}

func (c *responsesCodec) decodeRequest(body []byte) (*domain.CanonicalRequest, error) {
	var req responsesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	out := &domain.CanonicalRequest{
		Model:       req.Model,
		System:      req.Instructions,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	for _, t := range req.Tools {
		if t.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, domain.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	// Input is either a bare string or an item list.
	var text string
	if err := json.Unmarshal(req.Input, &text); err == nil {
		out.Messages = append(out.Messages, domain.Message{
			Role:    "user",
			Content: []domain.ContentBlock{domain.TextBlock(text)},
		})
		return out, nil
	}

	var items []responsesInputItem
	if err := json.Unmarshal(req.Input, &items); err != nil {
		return nil, err
	}
	for _, item := range items {
		switch item.Type {
		case "function_call":
			out.Messages = append(out.Messages, domain.Message{
				Role: "assistant",
				ToolCalls: []domain.ToolCall{{
					ID:        item.CallID,
					Name:      item.Name,
					Arguments: item.Arguments,
				}},
			})
		case "function_call_output":
			out.Messages = append(out.Messages, domain.Message{
				Role:       "tool",
				ToolCallID: item.CallID,
				Content:    []domain.ContentBlock{domain.TextBlock(item.Output)},
			})
		default:
			if item.Role == "system" || item.Role == "developer" {
				out.System += textOfResponsesContent(item.Content)
				continue
			}
			out.Messages = append(out.Messages, domain.Message{
				Role:    item.Role,
				Content: decodeResponsesContent(item.Content),
			})
		}
	}
	return out, nil
}

type responsesContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

func decodeResponsesContent(raw json.RawMessage) []domain.ContentBlock {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []domain.ContentBlock{domain.TextBlock(s)}
	}
	var parts []responsesContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	var out []domain.ContentBlock
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text":
			out = append(out, domain.TextBlock(p.Text))
		case "input_image":
			out = append(out, domain.ContentBlock{
				Type:      domain.ContentImage,
				ImageData: p.ImageURL,
			})
		}
	}
	return out
}

func textOfResponsesContent(raw json.RawMessage) string {
	var out string
	for _, b := range decodeResponsesContent(raw) {
		if b.Type == domain.ContentText {
			out += b.Text
		}
	}
	return out
}

func (c *responsesCodec) encodeRequest(req *domain.CanonicalRequest) ([]byte, error) {
	var input []map[string]any
	for _, m := range req.Messages {
		switch {
		case m.Role == "tool":
			input = append(input, map[string]any{
				"type":    "function_call_output",
				"call_id": m.ToolCallID,
				"output":  m.Text(),
			})
		case len(m.ToolCalls) > 0:
			for _, tc := range m.ToolCalls {
				input = append(input, map[string]any{
					"type":      "function_call",
					"call_id":   tc.ID,
					"name":      tc.Name,
					"arguments": tc.Arguments,
				})
			}
			if text := m.Text(); text != "" {
				input = append(input, map[string]any{"role": m.Role, "content": text})
			}
		default:
			var parts []map[string]any
			kind := "input_text"
			if m.Role == "assistant" {
				kind = "output_text"
			}
			for _, b := range m.Content {
				switch b.Type {
				case domain.ContentText:
					parts = append(parts, map[string]any{"type": kind, "text": b.Text})
				case domain.ContentImage:
					parts = append(parts, map[string]any{"type": "input_image", "image_url": b.ImageData})
				}
			}
			input = append(input, map[string]any{"role": m.Role, "content": parts})
		}
	}

	out := map[string]any{
		"model": req.Model,
		"input": input,
	}
	if req.System != "" {
		out["instructions"] = req.System
	}
	if req.MaxTokens > 0 {
		out["max_output_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out["top_p"] = *req.TopP
	}
	if req.Stream {
		out["stream"] = true
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			})
		}
		out["tools"] = tools
	}
	return json.Marshal(out)
}

type responsesResponse struct {
	ID     string `json:"id"`
	Model  string `json:"model"`
	Status string `json:"status"`
	Output []struct {
		Type      string                 `json:"type"`
		Role      string                 `json:"role,omitempty"`
		Content   []responsesContentPart `json:"content,omitempty"`
		CallID    string                 `json:"call_id,omitempty"`
		Name      string                 `json:"name,omitempty"`
		Arguments string                 `json:"arguments,omitempty"`
	} `json:"output"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (c *responsesCodec) decodeResponse(body []byte) (*domain.CanonicalResponse, error) {
	var resp responsesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	out := &domain.CanonicalResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		FinishReason: domain.FinishStop,
		Usage: domain.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, p := range item.Content {
				if p.Type == "output_text" {
					out.Content += p.Text
				}
			}
		case "function_call":
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				ID:        item.CallID,
				Name:      item.Name,
				Arguments: item.Arguments,
			})
		}
	}
	switch {
	case resp.Status == "incomplete" && resp.IncompleteDetails != nil && resp.IncompleteDetails.Reason == "max_output_tokens":
		out.FinishReason = domain.FinishLength
	case len(out.ToolCalls) > 0:
		out.FinishReason = domain.FinishToolCalls
	}
	return out, nil
}

func (c *responsesCodec) encodeResponse(resp *domain.CanonicalResponse) ([]byte, error) {
	var output []map[string]any
	if resp.Content != "" {
		output = append(output, map[string]any{
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{{
				"type": "output_text",
				"text": resp.Content,
			}},
		})
	}
	for _, tc := range resp.ToolCalls {
		output = append(output, map[string]any{
			"type":      "function_call",
			"call_id":   tc.ID,
			"name":      tc.Name,
			"arguments": tc.Arguments,
		})
	}

	status := "completed"
	out := map[string]any{
		"id":     resp.ID,
		"object": "response",
		"model":  resp.Model,
		"output": output,
		"usage": map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
			"total_tokens":  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	if resp.FinishReason == domain.FinishLength {
		status = "incomplete"
		out["incomplete_details"] = map[string]any{"reason": "max_output_tokens"}
	}
	out["status"] = status
	return json.Marshal(out)
}

type responsesStreamEvent struct {
	Type     string `json:"type"`
	Delta    string `json:"delta,omitempty"`
	Response *struct {
		ID     string `json:"id"`
		Model  string `json:"model"`
		Status string `json:"status"`
		Usage  *struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
		IncompleteDetails *struct {
			Reason string `json:"reason"`
		} `json:"incomplete_details"`
	} `json:"response,omitempty"`
	Item *struct {
		Type      string `json:"type"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"item,omitempty"`
}

func (c *responsesCodec) decodeStream(r io.Reader, emit EmitFunc) error {
	sse := NewSSEReader(r)

	sawToolCall := false
	for {
		ev, err := sse.ReadEvent()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var event responsesStreamEvent
		if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "response.created":
			if event.Response != nil {
				if err := emit(&domain.StreamChunk{
					Type:  domain.ChunkStart,
					ID:    event.Response.ID,
					Model: event.Response.Model,
				}); err != nil {
					return err
				}
			}

		case "response.output_text.delta":
			if event.Delta != "" {
				if err := emit(&domain.StreamChunk{
					Type:      domain.ChunkTextDelta,
					TextDelta: event.Delta,
				}); err != nil {
					return err
				}
			}

		case "response.output_item.done":
			if event.Item != nil && event.Item.Type == "function_call" {
				sawToolCall = true
				if err := emit(&domain.StreamChunk{
					Type: domain.ChunkToolCall,
					ToolCall: &domain.ToolCall{
						ID:        event.Item.CallID,
						Name:      event.Item.Name,
						Arguments: event.Item.Arguments,
					},
				}); err != nil {
					return err
				}
			}

		case "response.completed", "response.incomplete":
			finish := domain.FinishStop
			if event.Response != nil {
				if event.Response.Usage != nil {
					if err := emit(&domain.StreamChunk{
						Type: domain.ChunkUsage,
						Usage: &domain.Usage{
							InputTokens:  event.Response.Usage.InputTokens,
							OutputTokens: event.Response.Usage.OutputTokens,
						},
					}); err != nil {
						return err
					}
				}
				if event.Response.IncompleteDetails != nil && event.Response.IncompleteDetails.Reason == "max_output_tokens" {
					finish = domain.FinishLength
				}
			}
			if sawToolCall && finish == domain.FinishStop {
				finish = domain.FinishToolCalls
			}
			return emit(&domain.StreamChunk{Type: domain.ChunkDone, FinishReason: finish})
		}
	}
}

// responsesStreamEncoder renders canonical chunks as Responses API events.
type responsesStreamEncoder struct {
	model string
	id    string
	usage *domain.Usage
}

func (c *responsesCodec) newStreamEncoder(model string) StreamEncoder {
	return &responsesStreamEncoder{model: model}
}

func (e *responsesStreamEncoder) Encode(chunk *domain.StreamChunk) ([]byte, error) {
	switch chunk.Type {
	case domain.ChunkStart:
		e.id = chunk.ID
		if chunk.Model != "" {
			e.model = chunk.Model
		}
		data, err := json.Marshal(map[string]any{
			"type": "response.created",
			"response": map[string]any{
				"id":     e.id,
				"model":  e.model,
				"status": "in_progress",
			},
		})
		if err != nil {
			return nil, err
		}
		return formatSSE("response.created", string(data)), nil

	case domain.ChunkTextDelta:
		data, err := json.Marshal(map[string]any{
			"type":  "response.output_text.delta",
			"delta": chunk.TextDelta,
		})
		if err != nil {
			return nil, err
		}
		return formatSSE("response.output_text.delta", string(data)), nil

	case domain.ChunkToolCall:
		data, err := json.Marshal(map[string]any{
			"type": "response.output_item.done",
			"item": map[string]any{
				"type":      "function_call",
				"call_id":   chunk.ToolCall.ID,
				"name":      chunk.ToolCall.Name,
				"arguments": chunk.ToolCall.Arguments,
			},
		})
		if err != nil {
			return nil, err
		}
		return formatSSE("response.output_item.done", string(data)), nil

	case domain.ChunkUsage:
		e.usage = chunk.Usage
		return nil, nil

	case domain.ChunkDone:
		response := map[string]any{
			"id":     e.id,
			"model":  e.model,
			"status": "completed",
		}
		name := "response.completed"
		if chunk.FinishReason == domain.FinishLength {
			response["status"] = "incomplete"
			response["incomplete_details"] = map[string]any{"reason": "max_output_tokens"}
			name = "response.incomplete"
		}
		if e.usage != nil {
			response["usage"] = map[string]any{
				"input_tokens":  e.usage.InputTokens,
				"output_tokens": e.usage.OutputTokens,
				"total_tokens":  e.usage.InputTokens + e.usage.OutputTokens,
			}
		}
		data, err := json.Marshal(map[string]any{
			"type":     name,
			"response": response,
		})
		if err != nil {
			return nil, err
		}
		return formatSSE(name, string(data)), nil
	}
	return nil, nil
}
