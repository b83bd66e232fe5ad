package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/adapter"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

const (
	// maxResponseBytes bounds a non-streaming upstream body.
	maxResponseBytes = 32 << 20
	// errorSampleBytes bounds the error body kept for diagnostics.
	errorSampleBytes = 2048
)

// attempt runs one non-streaming upstream call under a slot lease.
func (s *Service) attempt(ctx context.Context, creq *domain.CanonicalRequest, key *domain.Key, prov *domain.Provider) (*domain.CanonicalResponse, error) {
	slot, err := s.slots.Acquire(ctx, prov, key, creq.RequestID)
	if err != nil {
		return nil, err
	}
	// Release must run even when the caller is gone.
	defer s.slots.Release(context.WithoutCancel(ctx), slot)

	body, err := s.adapter.FromCanonical(creq, prov.Protocol)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.timeoutFor(prov))
	defer cancel()

	resp, err := s.send(attemptCtx, prov, creq.Model, body, false)
	if err != nil {
		return nil, s.classify(ctx, attemptCtx, prov, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, upstreamFailure(prov, resp)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, s.classify(ctx, attemptCtx, prov, err)
	}

	cresp, err := s.adapter.ResponseToCanonical(raw, prov.Protocol)
	if err != nil {
		// A 2xx with an undecodable body is a provider fault.
		return nil, &domain.UpstreamError{ProviderID: prov.ID, StatusCode: 0, Body: err.Error()}
	}
	return cresp, nil
}

// send issues the upstream HTTP request in the provider's protocol.
func (s *Service) send(ctx context.Context, prov *domain.Provider, model string, body []byte, stream bool) (*http.Response, error) {
	path, err := adapter.EndpointPath(prov.Protocol, model, stream)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, prov.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	adapter.Authorize(req, prov.Protocol, prov.APIKey)

	return s.client.Do(req)
}

// classify maps a transport error to the failure taxonomy. Caller
// cancellation surfaces as the context error so dispatch stops; an attempt
// deadline becomes a retryable timeout; everything else is a retryable
// connection failure.
func (s *Service) classify(callerCtx, attemptCtx context.Context, prov *domain.Provider, err error) error {
	if callerCtx.Err() != nil {
		return callerCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: provider %s", domain.ErrUpstreamTimeout, prov.ID)
	}
	return &domain.UpstreamError{ProviderID: prov.ID, StatusCode: 0, Body: err.Error()}
}

func (s *Service) timeoutFor(prov *domain.Provider) time.Duration {
	if prov.RequestTimeout > 0 {
		return prov.RequestTimeout
	}
	return s.upstreamTimeout
}

func upstreamFailure(prov *domain.Provider, resp *http.Response) error {
	sample, _ := io.ReadAll(io.LimitReader(resp.Body, errorSampleBytes))
	return &domain.UpstreamError{
		ProviderID: prov.ID,
		StatusCode: resp.StatusCode,
		Body:       string(sample),
	}
}
