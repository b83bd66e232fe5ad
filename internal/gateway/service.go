// Package gateway implements the request pipeline: canonical decoding,
// content admission, quota checks, provider dispatch, and usage accounting.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/adapter"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/filter"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/quota"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/scanner"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/selector"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/slots"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/telemetry"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/usage"
)

const defaultUpstreamTimeout = 2 * time.Minute

// PriceFunc resolves per-million-token pricing for a model.
type PriceFunc func(model string) (domain.ModelPrice, bool)

// ResolveFunc maps a caller-supplied model name to the canonical model ID.
type ResolveFunc func(model string) string

// Deps bundles the service's collaborators.
type Deps struct {
	Adapter  *adapter.Adapter
	Selector *selector.Selector
	Slots    *slots.Tracker
	Quota    *quota.Enforcer
	Scanner  *scanner.Scanner
	Filter   *filter.Pipeline
	Usage    *usage.Recorder
	Metrics  *telemetry.Metrics
	Price    PriceFunc
	Resolve  ResolveFunc
	Client   *http.Client
	Logger   *slog.Logger
	// UpstreamTimeout is the attempt timeout for providers without their own.
	UpstreamTimeout time.Duration
}

// Service runs the pipeline for one gateway process.
type Service struct {
	adapter         *adapter.Adapter
	selector        *selector.Selector
	slots           *slots.Tracker
	quota           *quota.Enforcer
	scanner         *scanner.Scanner
	filter          *filter.Pipeline
	usage           *usage.Recorder
	metrics         *telemetry.Metrics
	price           PriceFunc
	resolve         ResolveFunc
	client          *http.Client
	logger          *slog.Logger
	upstreamTimeout time.Duration
}

// NewService wires the pipeline.
func NewService(deps Deps) *Service {
	s := &Service{
		adapter:         deps.Adapter,
		selector:        deps.Selector,
		slots:           deps.Slots,
		quota:           deps.Quota,
		scanner:         deps.Scanner,
		filter:          deps.Filter,
		usage:           deps.Usage,
		metrics:         deps.Metrics,
		price:           deps.Price,
		resolve:         deps.Resolve,
		client:          deps.Client,
		logger:          deps.Logger,
		upstreamTimeout: deps.UpstreamTimeout,
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewMetrics(prometheus.NewRegistry())
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.upstreamTimeout <= 0 {
		s.upstreamTimeout = defaultUpstreamTimeout
	}
	if s.price == nil {
		s.price = func(string) (domain.ModelPrice, bool) { return domain.ModelPrice{}, false }
	}
	if s.resolve == nil {
		s.resolve = func(m string) string { return m }
	}
	return s
}

// Result is the terminal outcome of a non-streaming request, already encoded
// in the caller's protocol.
type Result struct {
	Body       []byte
	StatusCode int
}

// Complete runs the full pipeline for a non-streaming request.
func (s *Service) Complete(ctx context.Context, body []byte, source domain.Protocol, key *domain.Key) (*Result, error) {
	creq, err := s.decode(body, source, key)
	if err != nil {
		return nil, err
	}

	rr := s.metrics.NewRequestRecorder(string(source))

	if err := s.admit(ctx, creq, key); err != nil {
		rr.Error(errorType(err))
		return nil, err
	}

	var (
		out      *domain.CanonicalResponse
		provider *domain.Provider
	)
	err = s.selector.Dispatch(ctx, key, func(ctx context.Context, prov *domain.Provider) error {
		rr.SetProvider(prov.ID)
		resp, attemptErr := s.attempt(ctx, creq, key, prov)
		if attemptErr != nil {
			return attemptErr
		}
		out = resp
		provider = prov
		return nil
	})
	if err != nil {
		// A canceled caller may still owe for a completed attempt; without
		// a response there is nothing to account.
		rr.Error(errorType(err))
		return nil, err
	}

	rec := &domain.UsageRecord{
		RequestID:    creq.RequestID,
		KeyID:        key.ID,
		ProviderID:   provider.ID,
		Model:        creq.Model,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		StatusCode:   http.StatusOK,
	}
	if price, ok := s.price(creq.Model); ok {
		rec.CostUSD = price.Cost(rec.InputTokens, rec.OutputTokens)
	}

	// Response filters run before the fact is written so a blocked response
	// is a single record carrying both its cost and the interceptor.
	var blocked *domain.BlockedError
	if filterErr := s.filterResponse(ctx, out); filterErr != nil {
		if !errors.As(filterErr, &blocked) {
			rr.Error(errorType(filterErr))
			return nil, filterErr
		}
		rec.BlockedBy = blocked.By
	}

	s.usage.Record(context.WithoutCancel(ctx), rec)
	s.quota.Commit(key.ID, rec.CostUSD)
	rr.Success(creq.Model, rec.InputTokens, rec.OutputTokens, rec.CostUSD)

	if blocked != nil {
		s.metrics.Blocked.WithLabelValues("filter").Inc()
		return nil, blocked
	}

	encoded, err := s.adapter.ResponseFromCanonical(out, source)
	if err != nil {
		return nil, err
	}
	return &Result{Body: encoded, StatusCode: http.StatusOK}, nil
}

// decode parses the caller payload into canonical form and stamps identity.
func (s *Service) decode(body []byte, source domain.Protocol, key *domain.Key) (*domain.CanonicalRequest, error) {
	creq, err := s.adapter.ToCanonical(body, source)
	if err != nil {
		return nil, err
	}
	creq.RequestID = uuid.New().String()
	creq.KeyID = key.ID
	creq.Model = s.resolve(creq.Model)
	return creq, nil
}

// admit runs the pre-dispatch gate: sensitive word scan, request filters,
// then cost quota. A blocked request is recorded as an audit fact and never
// consumes a slot or quota.
func (s *Service) admit(ctx context.Context, creq *domain.CanonicalRequest, key *domain.Key) error {
	if err := s.scanRequest(ctx, creq); err != nil {
		var blocked *domain.BlockedError
		if errors.As(err, &blocked) {
			s.usage.RecordBlocked(context.WithoutCancel(ctx), creq.RequestID, key.ID, creq.Model, blocked.By)
			s.metrics.Blocked.WithLabelValues("scanner").Inc()
		}
		return err
	}

	if err := s.filterRequest(ctx, creq); err != nil {
		var blocked *domain.BlockedError
		if errors.As(err, &blocked) {
			s.usage.RecordBlocked(context.WithoutCancel(ctx), creq.RequestID, key.ID, creq.Model, blocked.By)
			s.metrics.Blocked.WithLabelValues("filter").Inc()
		}
		return err
	}

	if err := s.quota.Check(ctx, key); err != nil {
		var qe *domain.QuotaExceededError
		if errors.As(err, &qe) {
			s.metrics.QuotaDenials.WithLabelValues(key.ID, string(qe.Window)).Inc()
		}
		return err
	}
	return nil
}

// scanRequest checks the system prompt and every text block.
func (s *Service) scanRequest(ctx context.Context, creq *domain.CanonicalRequest) error {
	if s.scanner == nil {
		return nil
	}
	if creq.System != "" {
		if err := s.scanner.Scan(ctx, creq.System); err != nil {
			return err
		}
	}
	for _, msg := range creq.Messages {
		for _, block := range msg.Content {
			if block.Type == domain.ContentText && block.Text != "" {
				if err := s.scanner.Scan(ctx, block.Text); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// filterRequest applies request-scope rules in place. Replace rules rewrite
// block text; a block rule aborts.
func (s *Service) filterRequest(ctx context.Context, creq *domain.CanonicalRequest) error {
	if s.filter == nil {
		return nil
	}
	if creq.System != "" {
		rewritten, err := s.filter.ApplyRequest(ctx, creq.System)
		if err != nil {
			return err
		}
		creq.System = rewritten
	}
	for mi := range creq.Messages {
		for bi := range creq.Messages[mi].Content {
			block := &creq.Messages[mi].Content[bi]
			if block.Type != domain.ContentText || block.Text == "" {
				continue
			}
			rewritten, err := s.filter.ApplyRequest(ctx, block.Text)
			if err != nil {
				return err
			}
			block.Text = rewritten
		}
	}
	return nil
}

// filterResponse applies response-scope rules to the completed response.
func (s *Service) filterResponse(ctx context.Context, resp *domain.CanonicalResponse) error {
	if s.filter == nil || resp.Content == "" {
		return nil
	}
	rewritten, err := s.filter.ApplyResponse(ctx, resp.Content)
	if err != nil {
		return err
	}
	resp.Content = rewritten
	return nil
}

// errorType buckets pipeline failures for the error metrics.
func errorType(err error) string {
	var blocked *domain.BlockedError
	var quotaErr *domain.QuotaExceededError
	var concErr *domain.ConcurrencyLimitError
	var upstream *domain.UpstreamError
	switch {
	case errors.As(err, &blocked):
		return "blocked"
	case errors.As(err, &quotaErr):
		return "quota_exceeded"
	case errors.As(err, &concErr):
		return "concurrency_limit"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrNoProviderAvailable):
		return "no_provider"
	case errors.Is(err, domain.ErrUnrecognizedFormat):
		return "unrecognized_format"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &upstream):
		return "upstream"
	}
	return "internal"
}
