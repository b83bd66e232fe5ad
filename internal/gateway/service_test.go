package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/adapter"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/breaker"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/filter"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/quota"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/scanner"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/selector"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/slots"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/storage"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/usage"
)

const anthropicBody = `{
	"model": "claude-sonnet-4",
	"max_tokens": 256,
	"messages": [{"role": "user", "content": "hello there"}]
}`

// openaiOK answers any chat completion with a fixed response.
func openaiOK(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "claude-sonnet-4",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi from upstream"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5}
		}`))
	}
}

type fixture struct {
	service *Service
	store   *storage.ConfigStore
	usage   *usage.MemoryRepository
	quota   *quota.Enforcer
	tracker *slots.Tracker
}

func newFixture(t *testing.T, providers []*domain.Provider) *fixture {
	t.Helper()

	store := storage.NewConfigStore()
	store.ReplaceProviders(providers)

	usageRepo := usage.NewMemoryRepository()
	enforcer := quota.NewEnforcer(usageRepo)
	tracker := slots.NewTracker(slots.NewMemoryStore(), 0)

	breakers := breaker.NewRegistry()
	sel := selector.NewSelector(store, breakers,
		selector.WithSlotCounter(tracker),
		selector.WithSeed(1),
	)

	svc := NewService(Deps{
		Adapter:  adapter.New(),
		Selector: sel,
		Slots:    tracker,
		Quota:    enforcer,
		Scanner:  scanner.NewScanner(store),
		Filter:   filter.NewPipeline(store),
		Usage:    usage.NewRecorder(usageRepo, slog.Default()),
		Price: func(model string) (domain.ModelPrice, bool) {
			if model == "claude-sonnet-4" {
				return domain.ModelPrice{InputCostPer1M: 3, OutputCostPer1M: 15}, true
			}
			return domain.ModelPrice{}, false
		},
	})

	return &fixture{service: svc, store: store, usage: usageRepo, quota: enforcer, tracker: tracker}
}

func prov(id, baseURL string, protocol domain.Protocol, priority int) *domain.Provider {
	return &domain.Provider{
		ID:       id,
		Protocol: protocol,
		BaseURL:  baseURL,
		APIKey:   "sk-upstream",
		Enabled:  true,
		Priority: priority,
		Weight:   1,
	}
}

func testKey() *domain.Key {
	return &domain.Key{ID: "key-1", Hash: "h", Enabled: true}
}

func TestCompleteTranslatesAcrossProtocols(t *testing.T) {
	upstream := httptest.NewServer(openaiOK(t))
	defer upstream.Close()

	f := newFixture(t, []*domain.Provider{prov("p1", upstream.URL, domain.ProtocolOpenAI, 1)})

	res, err := f.service.Complete(context.Background(), []byte(anthropicBody), domain.ProtocolAnthropic, testKey())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(res.Body, &decoded))
	assert.Equal(t, "message", decoded["type"], "caller receives anthropic form")
	assert.Equal(t, "end_turn", decoded["stop_reason"])

	records := f.usage.All()
	require.Len(t, records, 1)
	assert.Equal(t, int64(10), records[0].InputTokens)
	assert.Equal(t, int64(5), records[0].OutputTokens)
	assert.InDelta(t, 10.0/1e6*3+5.0/1e6*15, records[0].CostUSD, 1e-12)
}

func TestBlockedRequestNeverReachesUpstream(t *testing.T) {
	hits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer upstream.Close()

	f := newFixture(t, []*domain.Provider{prov("p1", upstream.URL, domain.ProtocolOpenAI, 1)})
	f.store.ReplaceWords([]string{"hello there"})

	_, err := f.service.Complete(context.Background(), []byte(anthropicBody), domain.ProtocolAnthropic, testKey())
	var blocked *domain.BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Contains(t, blocked.By, "scanner:")

	assert.Zero(t, hits, "no upstream attempt")

	count, err := f.tracker.CountForProvider(context.Background(), "p1")
	require.NoError(t, err)
	assert.Zero(t, count, "no slot consumed")

	records := f.usage.All()
	require.Len(t, records, 1, "blocked audit fact recorded")
	assert.Equal(t, blocked.By, records[0].BlockedBy)
	assert.Zero(t, records[0].CostUSD)
}

func TestFilterBlockRecordsAuditFact(t *testing.T) {
	upstream := httptest.NewServer(openaiOK(t))
	defer upstream.Close()

	f := newFixture(t, []*domain.Provider{prov("p1", upstream.URL, domain.ProtocolOpenAI, 1)})
	f.store.ReplaceFilterRules([]*domain.FilterRule{{
		ID: "no-hello", Scope: domain.FilterScopeRequest,
		Action: domain.FilterActionBlock, Pattern: "hello", Enabled: true,
	}})

	_, err := f.service.Complete(context.Background(), []byte(anthropicBody), domain.ProtocolAnthropic, testKey())
	var blocked *domain.BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "filter:no-hello", blocked.By)
}

func TestFilterReplaceRewritesRequest(t *testing.T) {
	var seen string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) > 0 {
			seen = req.Messages[len(req.Messages)-1].Content
		}
		openaiOK(t)(w, r)
	}))
	defer upstream.Close()

	f := newFixture(t, []*domain.Provider{prov("p1", upstream.URL, domain.ProtocolOpenAI, 1)})
	f.store.ReplaceFilterRules([]*domain.FilterRule{{
		ID: "redact", Scope: domain.FilterScopeRequest,
		Action: domain.FilterActionReplace, Pattern: "hello", Replacement: "[HI]", Enabled: true,
	}})

	_, err := f.service.Complete(context.Background(), []byte(anthropicBody), domain.ProtocolAnthropic, testKey())
	require.NoError(t, err)
	assert.Equal(t, "[HI] there", seen)
}

func TestQuotaDenialBeforeDispatch(t *testing.T) {
	hits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		openaiOK(t)(w, r)
	}))
	defer upstream.Close()

	f := newFixture(t, []*domain.Provider{prov("p1", upstream.URL, domain.ProtocolOpenAI, 1)})
	key := testKey()
	key.TotalLimit = 0.000001

	// First request lands under the ceiling and commits cost.
	_, err := f.service.Complete(context.Background(), []byte(anthropicBody), domain.ProtocolAnthropic, key)
	require.NoError(t, err)
	require.Equal(t, 1, hits)

	_, err = f.service.Complete(context.Background(), []byte(anthropicBody), domain.ProtocolAnthropic, key)
	var qe *domain.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, domain.WindowTotal, qe.Window)
	assert.Equal(t, 1, hits, "denied request never dispatched")
}

func TestFailoverToSecondaryOnServerError(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(openaiOK(t))
	defer good.Close()

	f := newFixture(t, []*domain.Provider{
		prov("primary", bad.URL, domain.ProtocolOpenAI, 1),
		prov("secondary", good.URL, domain.ProtocolOpenAI, 2),
	})

	res, err := f.service.Complete(context.Background(), []byte(anthropicBody), domain.ProtocolAnthropic, testKey())
	require.NoError(t, err)
	assert.NotEmpty(t, res.Body)

	records := f.usage.All()
	require.Len(t, records, 1)
	assert.Equal(t, "secondary", records[0].ProviderID)
}

func TestTerminalClientErrorDoesNotFailOver(t *testing.T) {
	secondaryHits := 0
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondaryHits++
	}))
	defer good.Close()

	f := newFixture(t, []*domain.Provider{
		prov("primary", bad.URL, domain.ProtocolOpenAI, 1),
		prov("secondary", good.URL, domain.ProtocolOpenAI, 2),
	})

	_, err := f.service.Complete(context.Background(), []byte(anthropicBody), domain.ProtocolAnthropic, testKey())
	var ue *domain.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusBadRequest, ue.StatusCode)
	assert.Zero(t, secondaryHits)
}

func TestAllProvidersDownYieldsNoProviderAvailable(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	f := newFixture(t, []*domain.Provider{
		prov("p1", bad.URL, domain.ProtocolOpenAI, 1),
		prov("p2", bad.URL, domain.ProtocolOpenAI, 2),
	})

	_, err := f.service.Complete(context.Background(), []byte(anthropicBody), domain.ProtocolAnthropic, testKey())
	assert.True(t, errors.Is(err, domain.ErrNoProviderAvailable))
}

func TestResponseFilterRewrites(t *testing.T) {
	upstream := httptest.NewServer(openaiOK(t))
	defer upstream.Close()

	f := newFixture(t, []*domain.Provider{prov("p1", upstream.URL, domain.ProtocolOpenAI, 1)})
	f.store.ReplaceFilterRules([]*domain.FilterRule{{
		ID: "resp", Scope: domain.FilterScopeResponse,
		Action: domain.FilterActionReplace, Pattern: "upstream", Replacement: "gateway", Enabled: true,
	}})

	res, err := f.service.Complete(context.Background(), []byte(anthropicBody), domain.ProtocolAnthropic, testKey())
	require.NoError(t, err)
	assert.Contains(t, string(res.Body), "hi from gateway")
}

func TestResponseFilterBlockStillAccountsCost(t *testing.T) {
	upstream := httptest.NewServer(openaiOK(t))
	defer upstream.Close()

	f := newFixture(t, []*domain.Provider{prov("p1", upstream.URL, domain.ProtocolOpenAI, 1)})
	f.store.ReplaceFilterRules([]*domain.FilterRule{{
		ID: "resp-block", Scope: domain.FilterScopeResponse,
		Action: domain.FilterActionBlock, Pattern: "upstream", Enabled: true,
	}})

	_, err := f.service.Complete(context.Background(), []byte(anthropicBody), domain.ProtocolAnthropic, testKey())
	var blocked *domain.BlockedError
	require.ErrorAs(t, err, &blocked)

	records := f.usage.All()
	require.Len(t, records, 1)
	assert.Equal(t, "filter:resp-block", records[0].BlockedBy)
	assert.Greater(t, records[0].CostUSD, 0.0, "cost incurred before the block")
}

func TestUnrecognizedPayloadRejected(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.service.Complete(context.Background(), []byte(`{"weird": true}`), domain.ProtocolAnthropic, testKey())
	assert.Error(t, err)
}
