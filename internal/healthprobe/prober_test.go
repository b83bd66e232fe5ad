package healthprobe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/adapter"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

type providerRepo struct {
	providers []*domain.Provider
}

func (r *providerRepo) ListProviders(ctx context.Context) ([]*domain.Provider, error) {
	return r.providers, nil
}

func (r *providerRepo) GetProvider(ctx context.Context, id string) (*domain.Provider, error) {
	for _, p := range r.providers {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, nil
}

func newProber(providers ...*domain.Provider) *Prober {
	return NewProber(Config{Enabled: true}, &providerRepo{providers: providers}, adapter.New(), nil)
}

func TestRunOnceFailureLowersScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "fail", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := newProber(&domain.Provider{
		ID: "p1", Enabled: true,
		Protocol: domain.ProtocolOpenAI, BaseURL: server.URL,
	})
	require.Equal(t, 1.0, p.Score("p1"))

	p.RunOnce(context.Background())
	assert.Less(t, p.Score("p1"), 1.0)

	for i := 0; i < 5; i++ {
		p.RunOnce(context.Background())
	}
	assert.Less(t, p.Score("p1"), 0.5, "repeated failures drive the score down")
}

func TestRunOnceSuccessRecoversScore(t *testing.T) {
	status := http.StatusServiceUnavailable
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	p := newProber(&domain.Provider{
		ID: "p1", Enabled: true,
		Protocol: domain.ProtocolOpenAI, BaseURL: server.URL,
	})

	for i := 0; i < 6; i++ {
		p.RunOnce(context.Background())
	}
	require.Less(t, p.Score("p1"), 0.5)

	status = http.StatusOK
	for i := 0; i < 6; i++ {
		p.RunOnce(context.Background())
	}
	assert.Greater(t, p.Score("p1"), 0.5, "passes pull the score back up")
}

func TestProbeUsesProviderProtocolPath(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("x-api-key")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := newProber(&domain.Provider{
		ID: "p1", Enabled: true,
		Protocol: domain.ProtocolAnthropic, BaseURL: server.URL,
		APIKey: "sk-test", ProbeModel: "probe-model",
	})
	p.RunOnce(context.Background())

	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "sk-test", gotAuth)
	assert.Equal(t, 1.0, p.Score("p1"), "a 200 keeps the score at 1")
}

func TestContentTierFailsOnMissingMarker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"content":"pong"}`))
	}))
	defer server.Close()

	p := newProber(&domain.Provider{
		ID: "p1", Enabled: true,
		Protocol: domain.ProtocolOpenAI, BaseURL: server.URL,
		ProbeExpect: "expected-marker",
	})
	p.RunOnce(context.Background())
	assert.Less(t, p.Score("p1"), 1.0, "status passed but content tier failed")

	p2 := newProber(&domain.Provider{
		ID: "p2", Enabled: true,
		Protocol: domain.ProtocolOpenAI, BaseURL: server.URL,
		ProbeExpect: "pong",
	})
	p2.RunOnce(context.Background())
	assert.Equal(t, 1.0, p2.Score("p2"))
}

func TestDisabledProviderSkipped(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := newProber(&domain.Provider{
		ID: "off", Enabled: false,
		Protocol: domain.ProtocolOpenAI, BaseURL: server.URL,
	})
	p.RunOnce(context.Background())
	assert.Zero(t, hits)
}
