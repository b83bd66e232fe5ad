// Package healthprobe actively tests providers with synthetic requests and
// maintains a weighted health score per provider. Probe failures never flip
// the circuit breaker, which reacts to live traffic; they demote a
// provider's effective priority in selection.
package healthprobe

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/adapter"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 10 * time.Second
	defaultProbeModel    = "health-probe"

	// scoreDecay is the EWMA weight of history; a pass pulls the score
	// toward 1, a fail toward 0.
	scoreDecay = 0.7
)

// Config controls probing behavior.
type Config struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
}

// Prober runs the probe loop and serves scores to the selector.
type Prober struct {
	cfg       Config
	providers domain.ProviderRepository
	adapter   *adapter.Adapter
	client    *http.Client
	logger    *slog.Logger
	started   atomic.Bool

	mu     sync.RWMutex
	scores map[string]float64
}

// NewProber creates a prober over the given provider repository.
func NewProber(cfg Config, providers domain.ProviderRepository, a *adapter.Adapter, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		cfg:       cfg,
		providers: providers,
		adapter:   a,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger,
		scores:    make(map[string]float64),
	}
}

// Score returns the provider's weighted health score in [0,1]. Unknown
// providers score 1 so a cold start treats everyone as healthy.
func (p *Prober) Score(providerID string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.scores[providerID]; ok {
		return s
	}
	return 1.0
}

// Scores returns a copy of every tracked score for dashboards.
func (p *Prober) Scores() map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]float64, len(p.scores))
	for k, v := range p.scores {
		out[k] = v
	}
	return out
}

// Start begins the probe loop until ctx is canceled.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-ctx.Done():
			p.logger.Info("health prober stopped")
			return
		}
	}
}

// RunOnce probes every enabled provider.
func (p *Prober) RunOnce(ctx context.Context) {
	providers, err := p.providers.ListProviders(ctx)
	if err != nil {
		p.logger.Warn("health probe provider list failed", "error", err)
		return
	}

	for _, prov := range providers {
		if ctx.Err() != nil {
			return
		}
		if !prov.Enabled {
			continue
		}
		if err := p.probe(ctx, prov); err != nil {
			p.record(prov.ID, false)
			p.logger.Warn("health probe failed",
				"provider_id", prov.ID,
				"score", p.Score(prov.ID),
				"error", err,
			)
			continue
		}
		p.record(prov.ID, true)
	}
}

// probe issues one synthetic request. Classification is two-tier: the HTTP
// status, then an optional response content containment check.
func (p *Prober) probe(ctx context.Context, prov *domain.Provider) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	model := prov.ProbeModel
	if model == "" {
		model = defaultProbeModel
	}
	body, err := p.adapter.FromCanonical(&domain.CanonicalRequest{
		Model:     model,
		MaxTokens: 1,
		Messages: []domain.Message{{
			Role:    "user",
			Content: []domain.ContentBlock{domain.TextBlock("ping")},
		}},
	}, prov.Protocol)
	if err != nil {
		return err
	}

	path, err := adapter.EndpointPath(prov.Protocol, model, false)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost,
		strings.TrimRight(prov.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	adapter.Authorize(req, prov.Protocol, prov.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &domain.UpstreamError{
			ProviderID: prov.ID,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
		}
	}

	if prov.ProbeExpect != "" {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err != nil {
			return err
		}
		if !strings.Contains(string(raw), prov.ProbeExpect) {
			return &domain.UpstreamError{
				ProviderID: prov.ID,
				StatusCode: resp.StatusCode,
				Body:       "probe content check failed",
			}
		}
		return nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (p *Prober) record(providerID string, pass bool) {
	outcome := 0.0
	if pass {
		outcome = 1.0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.scores[providerID]
	if !ok {
		prev = 1.0
	}
	p.scores[providerID] = prev*scoreDecay + outcome*(1-scoreDecay)
}
