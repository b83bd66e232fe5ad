// Package http exposes the gateway's caller-facing and admin HTTP API.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/adapter"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/breaker"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/gateway"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/ratelimit"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/slots"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/telemetry"
)

const (
	defaultMaxBody = 10 << 20
	authCacheTTL   = time.Minute
	authCacheSweep = 5 * time.Minute
)

// Options configures the server.
type Options struct {
	AdminToken     string
	MaxRequestSize int64
}

// Server routes caller traffic into the pipeline and serves the admin API.
type Server struct {
	gateway   *gateway.Service
	adapter   *adapter.Adapter
	keys      domain.KeyRepository
	providers domain.ProviderRepository
	breakers  *breaker.Registry
	slots     *slots.Tracker
	usage     domain.UsageRepository
	limiter   *ratelimit.KeyLimiter
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	client    *http.Client

	adminToken string
	maxBody    int64
	authCache  *gocache.Cache
	mux        *http.ServeMux
}

// NewServer wires the HTTP surface.
func NewServer(
	gw *gateway.Service,
	a *adapter.Adapter,
	keys domain.KeyRepository,
	providers domain.ProviderRepository,
	breakers *breaker.Registry,
	tracker *slots.Tracker,
	usageRepo domain.UsageRepository,
	limiter *ratelimit.KeyLimiter,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
	opts Options,
) *Server {
	s := &Server{
		gateway:    gw,
		adapter:    a,
		keys:       keys,
		providers:  providers,
		breakers:   breakers,
		slots:      tracker,
		usage:      usageRepo,
		limiter:    limiter,
		metrics:    metrics,
		logger:     logger,
		client:     &http.Client{},
		adminToken: opts.AdminToken,
		maxBody:    opts.MaxRequestSize,
		authCache:  gocache.New(authCacheTTL, authCacheSweep),
		mux:        http.NewServeMux(),
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBody
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /v1/messages", s.withAuth(s.protocolHandler(domain.ProtocolAnthropic)))
	s.mux.HandleFunc("POST /v1/chat/completions", s.withAuth(s.protocolHandler(domain.ProtocolOpenAI)))
	s.mux.HandleFunc("POST /v1/responses", s.withAuth(s.protocolHandler(domain.ProtocolResponses)))
	s.mux.HandleFunc("POST /v1beta/models/{modelAction}", s.withAuth(s.handleGemini))
	s.mux.HandleFunc("POST /v1/proxy", s.withAuth(s.handleProxy))

	s.mux.HandleFunc("GET /admin/breakers", s.withAdminAuth(s.handleAdminBreakers))
	s.mux.HandleFunc("GET /admin/slots", s.withAdminAuth(s.handleAdminSlots))
	s.mux.HandleFunc("GET /admin/usage/keys/{id}", s.withAdminAuth(s.handleAdminKeyUsage))
	s.mux.HandleFunc("GET /admin/usage/providers/{id}", s.withAdminAuth(s.handleAdminProviderUsage))

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", telemetry.Handler())
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// protocolHandler serves one wire protocol's completion endpoint.
func (s *Server) protocolHandler(source domain.Protocol) func(http.ResponseWriter, *http.Request, *domain.Key) {
	return func(w http.ResponseWriter, r *http.Request, key *domain.Key) {
		body, ok := s.readBody(w, r)
		if !ok {
			return
		}
		s.dispatch(w, r, source, key, body, wantsStream(body))
	}
}

// handleGemini parses the {model}:{action} path segment and injects the
// model and stream flag into the payload, which carries neither on this
// protocol's wire form.
func (s *Server) handleGemini(w http.ResponseWriter, r *http.Request, key *domain.Key) {
	modelAction := r.PathValue("modelAction")
	model, action, found := strings.Cut(modelAction, ":")
	if !found || model == "" {
		s.writeError(w, http.StatusNotFound, "invalid_request", "expected models/{model}:generateContent")
		return
	}

	var stream bool
	switch action {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		s.writeError(w, http.StatusNotFound, "invalid_request", fmt.Sprintf("unknown action %q", action))
		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	body, err := injectGeminiParams(body, model, stream)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	s.dispatch(w, r, domain.ProtocolGemini, key, body, stream)
}

// handleProxy accepts any supported wire form and routes by shape. An
// unrecognized payload is forwarded verbatim to the key's provider group
// when one is configured.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request, key *domain.Key) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	source, err := s.adapter.Detect(body)
	if err != nil {
		if key.ProviderGroup != "" {
			s.rawForward(w, r, key, body)
			return
		}
		s.writeError(w, http.StatusBadRequest, "unrecognized_format", err.Error())
		return
	}
	s.dispatch(w, r, source, key, body, wantsStream(body))
}

// rawForward sends the payload untranslated to the first eligible provider
// in the key's group. No format translation happens in either direction;
// the caller is assumed to speak the provider's native protocol.
func (s *Server) rawForward(w http.ResponseWriter, r *http.Request, key *domain.Key, body []byte) {
	providers, err := s.providers.ListProviders(r.Context())
	if err != nil {
		s.logger.Error("list providers", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	var target *domain.Provider
	for _, p := range providers {
		if !p.Enabled || !p.InGroup(key.ProviderGroup) {
			continue
		}
		if target == nil || p.Priority < target.Priority {
			target = p
		}
	}
	if target == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no_provider_available",
			fmt.Sprintf("no provider in group %q", key.ProviderGroup))
		return
	}

	path, err := adapter.EndpointPath(target.Protocol, "", wantsStream(body))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unrecognized_format",
			fmt.Sprintf("cannot forward verbatim to protocol %s: %v", target.Protocol, err))
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		strings.TrimRight(target.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	adapter.Authorize(req, target.Protocol, target.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("raw forward failed", "provider_id", target.ID, "error", err)
		s.writeError(w, http.StatusBadGateway, "upstream_error", "upstream request failed")
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}

	// No token accounting is possible without translation, but the attempt
	// still leaves an audit record.
	s.usage.Record(context.WithoutCancel(r.Context()), &domain.UsageRecord{
		RequestID:  uuid.New().String(),
		KeyID:      key.ID,
		ProviderID: target.ID,
		Model:      modelOf(body),
		StatusCode: resp.StatusCode,
	})

	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// dispatch runs the pipeline and writes the outcome in the caller's protocol.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, source domain.Protocol, key *domain.Key, body []byte, stream bool) {
	if stream {
		s.dispatchStream(w, r, source, key, body)
		return
	}

	res, err := s.gateway.Complete(r.Context(), body, source, key)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}

func (s *Server) dispatchStream(w http.ResponseWriter, r *http.Request, source domain.Protocol, key *domain.Key, body []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "server_error", "streaming not supported")
		return
	}

	// Headers go out with the first chunk; pipeline errors raised before any
	// output still map to a proper status.
	wrote := false
	writer := &sseWriter{w: w, flusher: flusher, onFirstWrite: func() {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		wrote = true
	}}

	err := s.gateway.Stream(r.Context(), body, source, key, writer, flusher.Flush)
	if err != nil {
		if !wrote {
			s.writePipelineError(w, err)
			return
		}
		s.logger.Warn("stream ended with error", "error", err)
	}
}

// sseWriter defers header emission until the first upstream chunk.
type sseWriter struct {
	w            io.Writer
	flusher      http.Flusher
	onFirstWrite func()
	started      bool
}

func (sw *sseWriter) Write(p []byte) (int, error) {
	if !sw.started {
		sw.started = true
		sw.onFirstWrite()
	}
	return sw.w.Write(p)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		} else {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "could not read request body")
		}
		return nil, false
	}
	return body, true
}

// wantsStream inspects the payload's stream flag.
func wantsStream(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Stream
}

// modelOf extracts the model name from an otherwise opaque payload, best
// effort.
func modelOf(body []byte) string {
	var probe struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Model
}

// injectGeminiParams writes the URL-borne model and stream flag into the
// payload so the codec sees a complete request.
func injectGeminiParams(body []byte, model string, stream bool) ([]byte, error) {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(body, &shape); err != nil {
		return nil, err
	}
	modelRaw, _ := json.Marshal(model)
	streamRaw, _ := json.Marshal(stream)
	shape["model"] = modelRaw
	shape["stream"] = streamRaw
	return json.Marshal(shape)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ErrorDetail is the wire form of one error.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorResponse is the error envelope shared by every endpoint.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, errType, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Type: errType, Message: message}})
}

// writePipelineError maps the failure taxonomy onto HTTP statuses.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	var blocked *domain.BlockedError
	if errors.As(err, &blocked) {
		s.writeError(w, http.StatusForbidden, "request_blocked", blocked.Error())
		return
	}
	var quotaErr *domain.QuotaExceededError
	if errors.As(err, &quotaErr) {
		s.writeError(w, http.StatusTooManyRequests, "quota_exceeded", quotaErr.Error())
		return
	}
	var concErr *domain.ConcurrencyLimitError
	if errors.As(err, &concErr) {
		s.writeError(w, http.StatusTooManyRequests, "concurrency_limit", concErr.Error())
		return
	}
	switch {
	case errors.Is(err, domain.ErrUnrecognizedFormat):
		s.writeError(w, http.StatusBadRequest, "unrecognized_format", err.Error())
		return
	case errors.Is(err, domain.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
		return
	case errors.Is(err, domain.ErrNoProviderAvailable):
		s.writeError(w, http.StatusServiceUnavailable, "no_provider_available", err.Error())
		return
	case errors.Is(err, domain.ErrUpstreamTimeout):
		s.writeError(w, http.StatusGatewayTimeout, "upstream_timeout", err.Error())
		return
	}
	var upstream *domain.UpstreamError
	if errors.As(err, &upstream) && upstream.StatusCode >= 400 && upstream.StatusCode < 500 {
		// Terminal upstream 4xx is attributable to the caller's payload.
		s.writeError(w, upstream.StatusCode, "upstream_rejected", upstream.Error())
		return
	}
	s.logger.Error("pipeline failure", "error", err)
	s.writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
