package adapter

import (
	"io"

	json "github.com/goccy/go-json"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

// geminiCodec translates the Gemini GenerateContent API.
type geminiCodec struct{}

func (c *geminiCodec) protocol() domain.Protocol { return domain.ProtocolGemini }

func (c *geminiCodec) match(shape map[string]json.RawMessage) bool {
	return hasField(shape, "contents")
}

type geminiPart struct {
	Text string `json:"text,omitempty"`

	InlineData *struct {
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	} `json:"inlineData,omitempty"`

	FunctionCall *struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"functionCall,omitempty"`

	FunctionResponse *struct {
		Name     string          `json:"name"`
		Response json.RawMessage `json:"response"`
	} `json:"functionResponse,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		TopP            *float64 `json:"topP,omitempty"`
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	} `json:"generationConfig,omitempty"`
	Tools []struct {
		FunctionDeclarations []struct {
			Name        string         `json:"name"`
			Description string         `json:"description,omitempty"`
			Parameters  map[string]any `json:"parameters,omitempty"`
		} `json:"functionDeclarations"`
	} `json:"tools,omitempty"`

	// Model is carried in the URL path on the wire; the http layer
	// injects it here before decoding.
	Model  string `json:"model,omitempty"`
	Stream bool   `json:"stream,omitempty"`
}

func (c *geminiCodec) decodeRequest(body []byte) (*domain.CanonicalRequest, error) {
	var req geminiRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	out := &domain.CanonicalRequest{
		Model:  req.Model,
		Stream: req.Stream,
	}
	if req.SystemInstruction != nil {
		for _, p := range req.SystemInstruction.Parts {
			out.System += p.Text
		}
	}
	if gc := req.GenerationConfig; gc != nil {
		out.Temperature = gc.Temperature
		out.TopP = gc.TopP
		out.MaxTokens = gc.MaxOutputTokens
		out.Stop = gc.StopSequences
	}
	for _, t := range req.Tools {
		for _, fd := range t.FunctionDeclarations {
			out.Tools = append(out.Tools, domain.Tool{
				Name:        fd.Name,
				Description: fd.Description,
				Parameters:  fd.Parameters,
			})
		}
	}

	callSeq := 0
	for _, content := range req.Contents {
		role := "user"
		if content.Role == "model" {
			role = "assistant"
		}
		msg := domain.Message{Role: role}
		var toolMsgs []domain.Message
		for _, p := range content.Parts {
			switch {
			case p.FunctionCall != nil:
				msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
					ID:        nextCallID(callSeq),
					Name:      p.FunctionCall.Name,
					Arguments: string(p.FunctionCall.Args),
				})
				callSeq++
			case p.FunctionResponse != nil:
				toolMsgs = append(toolMsgs, domain.Message{
					Role:       "tool",
					ToolCallID: p.FunctionResponse.Name,
					Content:    []domain.ContentBlock{domain.TextBlock(string(p.FunctionResponse.Response))},
				})
			case p.InlineData != nil:
				msg.Content = append(msg.Content, domain.ContentBlock{
					Type:      domain.ContentImage,
					ImageData: p.InlineData.Data,
					MediaType: p.InlineData.MimeType,
				})
			case p.Text != "":
				msg.Content = append(msg.Content, domain.TextBlock(p.Text))
			}
		}
		if len(msg.Content) > 0 || len(msg.ToolCalls) > 0 {
			out.Messages = append(out.Messages, msg)
		}
		out.Messages = append(out.Messages, toolMsgs...)
	}
	return out, nil
}

func (c *geminiCodec) encodeRequest(req *domain.CanonicalRequest) ([]byte, error) {
	out := map[string]any{}

	if req.System != "" {
		out["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.System}},
		}
	}

	var contents []map[string]any
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}

		var parts []map[string]any
		if m.Role == "tool" {
			parts = append(parts, map[string]any{
				"functionResponse": map[string]any{
					"name":     m.ToolCallID,
					"response": map[string]any{"content": m.Text()},
				},
			})
		} else {
			for _, b := range m.Content {
				switch b.Type {
				case domain.ContentText:
					parts = append(parts, map[string]any{"text": b.Text})
				case domain.ContentImage:
					parts = append(parts, map[string]any{
						"inlineData": map[string]any{
							"mimeType": b.MediaType,
							"data":     b.ImageData,
						},
					})
				}
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{
						"name": tc.Name,
						"args": json.RawMessage(rawOrEmptyObject(tc.Arguments)),
					},
				})
			}
		}
		if len(parts) > 0 {
			contents = append(contents, map[string]any{"role": role, "parts": parts})
		}
	}
	out["contents"] = contents

	genConfig := map[string]any{}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		genConfig["topP"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		genConfig["stopSequences"] = req.Stop
	}
	if len(genConfig) > 0 {
		out["generationConfig"] = genConfig
	}

	if len(req.Tools) > 0 {
		var decls []map[string]any
		for _, t := range req.Tools {
			decls = append(decls, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			})
		}
		out["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	return json.Marshal(out)
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
	ResponseID   string `json:"responseId"`
}

func (c *geminiCodec) decodeResponse(body []byte) (*domain.CanonicalResponse, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	out := &domain.CanonicalResponse{
		ID:           resp.ResponseID,
		Model:        resp.ModelVersion,
		FinishReason: domain.FinishStop,
	}
	if resp.UsageMetadata != nil {
		out.Usage = domain.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	if len(resp.Candidates) == 0 {
		return out, nil
	}

	cand := resp.Candidates[0]
	out.FinishReason = geminiFinishToCanonical(cand.FinishReason)
	callSeq := 0
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				ID:        nextCallID(callSeq),
				Name:      p.FunctionCall.Name,
				Arguments: string(p.FunctionCall.Args),
			})
			callSeq++
		case p.Text != "":
			out.Content += p.Text
		}
	}
	if len(out.ToolCalls) > 0 && out.FinishReason == domain.FinishStop {
		out.FinishReason = domain.FinishToolCalls
	}
	return out, nil
}

func (c *geminiCodec) encodeResponse(resp *domain.CanonicalResponse) ([]byte, error) {
	var parts []map[string]any
	if resp.Content != "" {
		parts = append(parts, map[string]any{"text": resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{
				"name": tc.Name,
				"args": json.RawMessage(rawOrEmptyObject(tc.Arguments)),
			},
		})
	}

	return json.Marshal(map[string]any{
		"responseId":   resp.ID,
		"modelVersion": resp.Model,
		"candidates": []map[string]any{{
			"content": map[string]any{
				"role":  "model",
				"parts": parts,
			},
			"finishReason": canonicalFinishToGemini(resp.FinishReason),
			"index":        0,
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     resp.Usage.InputTokens,
			"candidatesTokenCount": resp.Usage.OutputTokens,
			"totalTokenCount":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	})
}

func geminiFinishToCanonical(reason string) domain.FinishReason {
	switch reason {
	case "MAX_TOKENS":
		return domain.FinishLength
	case "SAFETY", "RECITATION":
		return domain.FinishError
	default:
		return domain.FinishStop
	}
}

func canonicalFinishToGemini(r domain.FinishReason) string {
	switch r {
	case domain.FinishLength:
		return "MAX_TOKENS"
	case domain.FinishError:
		return "SAFETY"
	default:
		return "STOP"
	}
}

// decodeStream reads the streamGenerateContent SSE form: each event is a
// partial GenerateContentResponse; usage and finishReason ride on the last.
func (c *geminiCodec) decodeStream(r io.Reader, emit EmitFunc) error {
	sse := NewSSEReader(r)

	started := false
	callSeq := 0
	finish := domain.FinishStop
	sawFinish := false
	var usage *domain.Usage

	for {
		ev, err := sse.ReadEvent()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		var resp geminiResponse
		if err := json.Unmarshal([]byte(ev.Data), &resp); err != nil {
			continue
		}

		if !started {
			started = true
			if err := emit(&domain.StreamChunk{
				Type:  domain.ChunkStart,
				ID:    resp.ResponseID,
				Model: resp.ModelVersion,
			}); err != nil {
				return err
			}
		}

		for _, cand := range resp.Candidates {
			for _, p := range cand.Content.Parts {
				switch {
				case p.FunctionCall != nil:
					if err := emit(&domain.StreamChunk{
						Type: domain.ChunkToolCall,
						ToolCall: &domain.ToolCall{
							ID:        nextCallID(callSeq),
							Name:      p.FunctionCall.Name,
							Arguments: string(p.FunctionCall.Args),
						},
					}); err != nil {
						return err
					}
					callSeq++
				case p.Text != "":
					if err := emit(&domain.StreamChunk{
						Type:      domain.ChunkTextDelta,
						TextDelta: p.Text,
					}); err != nil {
						return err
					}
				}
			}
			if cand.FinishReason != "" {
				finish = geminiFinishToCanonical(cand.FinishReason)
				sawFinish = true
			}
		}
		if resp.UsageMetadata != nil {
			usage = &domain.Usage{
				InputTokens:  resp.UsageMetadata.PromptTokenCount,
				OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			}
		}
	}

	if !started {
		return nil
	}
	if usage != nil {
		if err := emit(&domain.StreamChunk{Type: domain.ChunkUsage, Usage: usage}); err != nil {
			return err
		}
	}
	if callSeq > 0 && !sawFinish {
		finish = domain.FinishToolCalls
	}
	return emit(&domain.StreamChunk{Type: domain.ChunkDone, FinishReason: finish})
}

// geminiStreamEncoder renders canonical chunks as partial
// GenerateContentResponse events.
type geminiStreamEncoder struct {
	model string
	id    string
	usage *domain.Usage
}

func (c *geminiCodec) newStreamEncoder(model string) StreamEncoder {
	return &geminiStreamEncoder{model: model}
}

func (e *geminiStreamEncoder) event(parts []map[string]any, finish string, usage *domain.Usage) ([]byte, error) {
	cand := map[string]any{
		"content": map[string]any{"role": "model", "parts": parts},
		"index":   0,
	}
	if finish != "" {
		cand["finishReason"] = finish
	}
	out := map[string]any{
		"responseId":   e.id,
		"modelVersion": e.model,
		"candidates":   []map[string]any{cand},
	}
	if usage != nil {
		out["usageMetadata"] = map[string]any{
			"promptTokenCount":     usage.InputTokens,
			"candidatesTokenCount": usage.OutputTokens,
			"totalTokenCount":      usage.InputTokens + usage.OutputTokens,
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return formatSSE("", string(data)), nil
}

func (e *geminiStreamEncoder) Encode(chunk *domain.StreamChunk) ([]byte, error) {
	switch chunk.Type {
	case domain.ChunkStart:
		e.id = chunk.ID
		if chunk.Model != "" {
			e.model = chunk.Model
		}
		return nil, nil

	case domain.ChunkTextDelta:
		return e.event([]map[string]any{{"text": chunk.TextDelta}}, "", nil)

	case domain.ChunkToolCall:
		return e.event([]map[string]any{{
			"functionCall": map[string]any{
				"name": chunk.ToolCall.Name,
				"args": json.RawMessage(rawOrEmptyObject(chunk.ToolCall.Arguments)),
			},
		}}, "", nil)

	case domain.ChunkUsage:
		e.usage = chunk.Usage
		return nil, nil

	case domain.ChunkDone:
		return e.event([]map[string]any{}, canonicalFinishToGemini(chunk.FinishReason), e.usage)
	}
	return nil, nil
}
