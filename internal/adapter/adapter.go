// Package adapter detects LLM wire protocols and translates requests,
// responses, and streamed chunks between each protocol and the canonical
// internal representation. Supported families: Anthropic Messages, OpenAI
// Chat Completions, OpenAI Responses, Gemini GenerateContent.
package adapter

import (
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

// ErrUnsupportedTarget means a provider is configured with a protocol this
// build cannot translate to. That is a configuration fault, not a
// per-request condition.
var ErrUnsupportedTarget = errors.New("unsupported target protocol")

// EmitFunc receives translated chunks in arrival order. Returning an error
// stops the stream.
type EmitFunc func(*domain.StreamChunk) error

// StreamEncoder renders canonical chunks into one protocol's SSE wire form.
// Encoders are stateful and good for a single stream.
type StreamEncoder interface {
	// Encode returns zero or more complete SSE events for the chunk.
	Encode(*domain.StreamChunk) ([]byte, error)
}

// codec translates one protocol family.
type codec interface {
	protocol() domain.Protocol
	// match reports whether a raw JSON body has this protocol's shape.
	match(body map[string]json.RawMessage) bool
	decodeRequest(body []byte) (*domain.CanonicalRequest, error)
	encodeRequest(req *domain.CanonicalRequest) ([]byte, error)
	decodeResponse(body []byte) (*domain.CanonicalResponse, error)
	encodeResponse(resp *domain.CanonicalResponse) ([]byte, error)
	decodeStream(r io.Reader, emit EmitFunc) error
	newStreamEncoder(model string) StreamEncoder
}

// Adapter is the protocol translation entry point. It is stateless and safe
// for concurrent use.
type Adapter struct {
	codecs []codec
	byKind map[domain.Protocol]codec
}

// New creates an adapter covering every supported protocol family.
func New() *Adapter {
	codecs := []codec{
		&geminiCodec{},
		&responsesCodec{},
		&anthropicCodec{},
		&openaiCodec{},
	}
	byKind := make(map[domain.Protocol]codec, len(codecs))
	for _, c := range codecs {
		byKind[c.protocol()] = c
	}
	return &Adapter{codecs: codecs, byKind: byKind}
}

// Detect inspects a raw request body and reports its protocol. Detection
// order is fixed: Gemini (contents), Responses (input), Anthropic (messages
// with a required max_tokens), then OpenAI (messages). Returns
// domain.ErrUnrecognizedFormat when no shape matches.
func (a *Adapter) Detect(body []byte) (domain.Protocol, error) {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(body, &shape); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnrecognizedFormat, err)
	}
	for _, c := range a.codecs {
		if c.match(shape) {
			return c.protocol(), nil
		}
	}
	return "", domain.ErrUnrecognizedFormat
}

// ToCanonical parses a raw request of a known protocol.
func (a *Adapter) ToCanonical(body []byte, kind domain.Protocol) (*domain.CanonicalRequest, error) {
	c, ok := a.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTarget, kind)
	}
	req, err := c.decodeRequest(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnrecognizedFormat, err)
	}
	req.SourceProtocol = kind
	return req, nil
}

// FromCanonical renders a canonical request in the target protocol.
func (a *Adapter) FromCanonical(req *domain.CanonicalRequest, target domain.Protocol) ([]byte, error) {
	c, ok := a.byKind[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTarget, target)
	}
	return c.encodeRequest(req)
}

// ResponseToCanonical parses a provider response body.
func (a *Adapter) ResponseToCanonical(body []byte, kind domain.Protocol) (*domain.CanonicalResponse, error) {
	c, ok := a.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTarget, kind)
	}
	return c.decodeResponse(body)
}

// ResponseFromCanonical renders a canonical response in the caller's
// protocol.
func (a *Adapter) ResponseFromCanonical(resp *domain.CanonicalResponse, target domain.Protocol) ([]byte, error) {
	c, ok := a.byKind[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTarget, target)
	}
	return c.encodeResponse(resp)
}

// DecodeStream reads a provider's SSE stream and emits canonical chunks in
// arrival order. A trailing partial unit (for example a tool call assembled
// from argument fragments) is buffered only until it is complete.
func (a *Adapter) DecodeStream(r io.Reader, kind domain.Protocol, emit EmitFunc) error {
	c, ok := a.byKind[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedTarget, kind)
	}
	return c.decodeStream(r, emit)
}

// NewStreamEncoder returns an encoder producing the target protocol's SSE
// events for one stream.
func (a *Adapter) NewStreamEncoder(target domain.Protocol, model string) (StreamEncoder, error) {
	c, ok := a.byKind[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTarget, target)
	}
	return c.newStreamEncoder(model), nil
}

// TranslateStream pipes a provider stream to w in the caller's protocol,
// chunk by chunk. observe, when non-nil, sees each canonical chunk after it
// has been written; flush, when non-nil, runs after every write so the
// first translated chunk leaves before the stream ends.
func (a *Adapter) TranslateStream(r io.Reader, from, to domain.Protocol, model string, w io.Writer, flush func(), observe EmitFunc) error {
	enc, err := a.NewStreamEncoder(to, model)
	if err != nil {
		return err
	}
	return a.DecodeStream(r, from, func(chunk *domain.StreamChunk) error {
		wire, err := enc.Encode(chunk)
		if err != nil {
			return err
		}
		if len(wire) > 0 {
			if _, err := w.Write(wire); err != nil {
				return err
			}
			if flush != nil {
				flush()
			}
		}
		if observe != nil {
			return observe(chunk)
		}
		return nil
	})
}

func hasField(shape map[string]json.RawMessage, name string) bool {
	raw, ok := shape[name]
	return ok && string(raw) != "null"
}
