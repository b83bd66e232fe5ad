package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/telemetry"
)

// Stream runs the pipeline for a streaming request, translating chunks into
// the caller's protocol as they arrive. Failover happens only before the
// first byte reaches the caller; once output starts, an upstream failure
// terminates the stream.
func (s *Service) Stream(ctx context.Context, body []byte, source domain.Protocol, key *domain.Key, w io.Writer, flush func()) error {
	creq, err := s.decode(body, source, key)
	if err != nil {
		return err
	}
	creq.Stream = true

	rr := s.metrics.NewRequestRecorder(string(source))

	if err := s.admit(ctx, creq, key); err != nil {
		rr.Error(errorType(err))
		return err
	}

	err = s.selector.Dispatch(ctx, key, func(ctx context.Context, prov *domain.Provider) error {
		rr.SetProvider(prov.ID)
		return s.streamAttempt(ctx, creq, key, prov, source, rr, w, flush)
	})
	if err != nil {
		rr.Error(errorType(err))
	}
	return err
}

// streamAttempt runs one streaming upstream call under a slot lease.
func (s *Service) streamAttempt(ctx context.Context, creq *domain.CanonicalRequest, key *domain.Key, prov *domain.Provider, source domain.Protocol, rr *telemetry.RequestRecorder, w io.Writer, flush func()) error {
	slot, err := s.slots.Acquire(ctx, prov, key, creq.RequestID)
	if err != nil {
		return err
	}
	defer s.slots.Release(context.WithoutCancel(ctx), slot)

	body, err := s.adapter.FromCanonical(creq, prov.Protocol)
	if err != nil {
		return err
	}

	// The attempt timeout covers connection and response headers only; the
	// stream itself may run far longer.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	headerTimer := time.AfterFunc(s.timeoutFor(prov), cancel)

	resp, err := s.send(streamCtx, prov, creq.Model, body, true)
	timedOut := !headerTimer.Stop()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if timedOut {
			return fmt.Errorf("%w: provider %s", domain.ErrUpstreamTimeout, prov.ID)
		}
		return &domain.UpstreamError{ProviderID: prov.ID, StatusCode: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return upstreamFailure(prov, resp)
	}

	s.metrics.StreamConnections.Inc()
	defer s.metrics.StreamConnections.Dec()

	// The stream may outlive the slot lease; keep renewing until it ends.
	go s.slots.KeepAlive(streamCtx, slot)

	var usageSeen *domain.Usage
	observe := func(chunk *domain.StreamChunk) error {
		if chunk.Type == domain.ChunkUsage && chunk.Usage != nil {
			usageSeen = chunk.Usage
		}
		return nil
	}

	translateErr := s.adapter.TranslateStream(resp.Body, prov.Protocol, source, creq.Model, w, flush, observe)

	canceled := translateErr != nil && ctx.Err() != nil
	if translateErr == nil || usageSeen != nil {
		// A canceled stream that produced tokens still owes for them.
		rec := &domain.UsageRecord{
			RequestID:  creq.RequestID,
			KeyID:      key.ID,
			ProviderID: prov.ID,
			Model:      creq.Model,
			StatusCode: http.StatusOK,
			Canceled:   canceled,
		}
		if usageSeen != nil {
			rec.InputTokens = usageSeen.InputTokens
			rec.OutputTokens = usageSeen.OutputTokens
		}
		if price, ok := s.price(creq.Model); ok {
			rec.CostUSD = price.Cost(rec.InputTokens, rec.OutputTokens)
		}
		s.usage.Record(context.WithoutCancel(ctx), rec)
		s.quota.Commit(key.ID, rec.CostUSD)
		if translateErr == nil {
			rr.Success(creq.Model, rec.InputTokens, rec.OutputTokens, rec.CostUSD)
		}
	}

	if translateErr != nil {
		if canceled {
			return ctx.Err()
		}
		// Output already reached the caller; a retry would interleave two
		// streams. Surface a terminal error.
		return fmt.Errorf("stream from %s interrupted: %v", prov.ID, translateErr)
	}
	return nil
}
