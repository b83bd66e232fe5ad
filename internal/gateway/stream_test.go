package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

func openaiSSE(t *testing.T, deltas []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"model\":\"claude-sonnet-4\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"model\":\"claude-sonnet-4\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":3}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func TestStreamTranslatesToCallerProtocol(t *testing.T) {
	deltas := []string{"Once", " upon", " a", " time"}
	upstream := httptest.NewServer(openaiSSE(t, deltas))
	defer upstream.Close()

	f := newFixture(t, []*domain.Provider{prov("p1", upstream.URL, domain.ProtocolOpenAI, 1)})

	var buf bytes.Buffer
	flushes := 0
	err := f.service.Stream(context.Background(), []byte(anthropicBody), domain.ProtocolAnthropic, testKey(), &buf, func() { flushes++ })
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "event: message_start")
	assert.Contains(t, out, "event: message_stop")
	for _, d := range deltas {
		assert.Contains(t, out, d)
	}
	// Deltas arrive in order, not buffered to the end.
	assert.Less(t, strings.Index(out, "Once"), strings.Index(out, " time"))
	assert.Greater(t, flushes, 1)

	records := f.usage.All()
	require.Len(t, records, 1)
	assert.Equal(t, int64(7), records[0].InputTokens)
	assert.Equal(t, int64(3), records[0].OutputTokens)
	assert.Greater(t, records[0].CostUSD, 0.0)
}

func TestStreamFailsOverBeforeFirstByte(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(openaiSSE(t, []string{"ok"}))
	defer good.Close()

	f := newFixture(t, []*domain.Provider{
		prov("primary", bad.URL, domain.ProtocolOpenAI, 1),
		prov("secondary", good.URL, domain.ProtocolOpenAI, 2),
	})

	var buf bytes.Buffer
	err := f.service.Stream(context.Background(), []byte(anthropicBody), domain.ProtocolAnthropic, testKey(), &buf, func() {})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "ok")

	records := f.usage.All()
	require.Len(t, records, 1)
	assert.Equal(t, "secondary", records[0].ProviderID)
}

func TestStreamBlockedRequestProducesNoOutput(t *testing.T) {
	upstream := httptest.NewServer(openaiSSE(t, []string{"never"}))
	defer upstream.Close()

	f := newFixture(t, []*domain.Provider{prov("p1", upstream.URL, domain.ProtocolOpenAI, 1)})
	f.store.ReplaceWords([]string{"hello there"})

	var buf bytes.Buffer
	err := f.service.Stream(context.Background(), []byte(anthropicBody), domain.ProtocolAnthropic, testKey(), &buf, func() {})
	var blocked *domain.BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Zero(t, buf.Len())
}
