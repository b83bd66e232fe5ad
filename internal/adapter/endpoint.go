package adapter

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

const anthropicAPIVersion = "2023-06-01"

// EndpointPath returns the chat endpoint path for a protocol, relative to
// the provider base URL. Gemini encodes model and streaming mode in the
// path.
func EndpointPath(kind domain.Protocol, model string, stream bool) (string, error) {
	switch kind {
	case domain.ProtocolAnthropic:
		return "/v1/messages", nil
	case domain.ProtocolOpenAI:
		return "/v1/chat/completions", nil
	case domain.ProtocolResponses:
		return "/v1/responses", nil
	case domain.ProtocolGemini:
		method := "generateContent"
		if stream {
			method = "streamGenerateContent?alt=sse"
		}
		return fmt.Sprintf("/v1beta/models/%s:%s", url.PathEscape(model), method), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedTarget, kind)
}

// Authorize sets the protocol's credential headers on an outbound request.
func Authorize(req *http.Request, kind domain.Protocol, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	switch kind {
	case domain.ProtocolAnthropic:
		req.Header.Set("x-api-key", apiKey)
		req.Header.Set("anthropic-version", anthropicAPIVersion)
	case domain.ProtocolGemini:
		req.Header.Set("x-goog-api-key", apiKey)
	default:
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}
