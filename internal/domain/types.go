// Package domain defines the core types shared across the gateway:
// providers, API keys, quota windows, usage facts, filter rules, and the
// repository interfaces the storage layer implements.
package domain

import (
	"time"
)

// Protocol identifies a wire-format family a caller or provider speaks.
type Protocol string

const (
	ProtocolAnthropic Protocol = "anthropic"        // Claude Messages API
	ProtocolOpenAI    Protocol = "openai"           // OpenAI Chat Completions
	ProtocolResponses Protocol = "openai-responses" // OpenAI Responses (Codex)
	ProtocolGemini    Protocol = "gemini"           // Gemini generateContent
)

// ParseProtocol converts a string to a Protocol.
func ParseProtocol(s string) (Protocol, bool) {
	switch Protocol(s) {
	case ProtocolAnthropic, ProtocolOpenAI, ProtocolResponses, ProtocolGemini:
		return Protocol(s), true
	}
	return "", false
}

// Provider is an upstream endpoint definition. Owned by configuration,
// read-mostly by the pipeline.
type Provider struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Protocol Protocol `json:"protocol"`
	BaseURL  string   `json:"base_url"`
	// APIKey holds the upstream credential. In durable storage it is
	// AES-GCM encrypted; the snapshot loader decrypts it.
	APIKey  string `json:"-"`
	Enabled bool   `json:"enabled"`

	// Routing parameters. Lower priority is preferred; weight breaks ties
	// among equal priority (higher gets more traffic).
	Priority int      `json:"priority"`
	Weight   int      `json:"weight"`
	Groups   []string `json:"groups"`

	// Admission parameters.
	MaxConcurrency int `json:"max_concurrency"` // 0 = unlimited

	// Circuit breaker tuning.
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryWindow   time.Duration `json:"recovery_window"`

	// Upstream attempt timeout. Zero means the gateway default.
	RequestTimeout time.Duration `json:"request_timeout"`

	// Health probe content check: when non-empty the probe response body
	// must contain this substring to count as healthy.
	ProbeExpect string `json:"probe_expect,omitempty"`
	ProbeModel  string `json:"probe_model,omitempty"`
}

// InGroup reports whether the provider carries the given group tag.
// An empty group matches every provider.
func (p *Provider) InGroup(group string) bool {
	if group == "" {
		return true
	}
	for _, g := range p.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// DailyResetMode controls how a key's daily quota window resets.
type DailyResetMode string

const (
	// DailyResetFixed resets the accumulator at a configured wall-clock time.
	DailyResetFixed DailyResetMode = "fixed"
	// DailyResetRolling computes the window over the trailing 24 hours.
	DailyResetRolling DailyResetMode = "rolling"
)

// Key identifies a caller for authentication, quota, and concurrency
// accounting. The raw key material is never stored; only its SHA-256 hash.
type Key struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Hash      string     `json:"-"`
	Enabled   bool       `json:"enabled"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Cost ceilings in USD per window; zero means unlimited.
	FiveHourLimit float64 `json:"five_hour_limit"`
	DailyLimit    float64 `json:"daily_limit"`
	WeeklyLimit   float64 `json:"weekly_limit"`
	MonthlyLimit  float64 `json:"monthly_limit"`
	TotalLimit    float64 `json:"total_limit"`

	DailyResetMode DailyResetMode `json:"daily_reset_mode"`
	// DailyResetAt is the local wall-clock reset time ("HH:MM") used in
	// fixed mode. Empty means midnight.
	DailyResetAt string `json:"daily_reset_at,omitempty"`

	MaxConcurrency int `json:"max_concurrency"` // 0 = unlimited
	RPMLimit       int `json:"rpm_limit"`       // 0 = unlimited

	// ProviderGroup restricts routing to providers carrying this tag.
	ProviderGroup string `json:"provider_group,omitempty"`
}

// Expired reports whether the key has passed its expiry.
func (k *Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// LimitFor returns the configured ceiling for a window kind (0 = unlimited).
func (k *Key) LimitFor(w Window) float64 {
	switch w {
	case WindowFiveHour:
		return k.FiveHourLimit
	case WindowDaily:
		return k.DailyLimit
	case WindowWeekly:
		return k.WeeklyLimit
	case WindowMonthly:
		return k.MonthlyLimit
	case WindowTotal:
		return k.TotalLimit
	}
	return 0
}

// Window is a quota accounting interval.
type Window string

const (
	WindowFiveHour Window = "five_hour"
	WindowDaily    Window = "daily"
	WindowWeekly   Window = "weekly"
	WindowMonthly  Window = "monthly"
	WindowTotal    Window = "total"
)

// Windows lists every window kind in checking order.
var Windows = []Window{WindowFiveHour, WindowDaily, WindowWeekly, WindowMonthly, WindowTotal}

// Span returns the rolling length of the window, or 0 for the lifetime window.
func (w Window) Span() time.Duration {
	switch w {
	case WindowFiveHour:
		return 5 * time.Hour
	case WindowDaily:
		return 24 * time.Hour
	case WindowWeekly:
		return 7 * 24 * time.Hour
	case WindowMonthly:
		return 30 * 24 * time.Hour
	}
	return 0
}

// FilterScope selects which direction a filter rule applies to.
type FilterScope string

const (
	FilterScopeRequest  FilterScope = "request"
	FilterScopeResponse FilterScope = "response"
)

// FilterAction is what a matching rule does.
type FilterAction string

const (
	FilterActionBlock   FilterAction = "block"
	FilterActionReplace FilterAction = "replace"
)

// FilterRule is a pattern-based rewrite/redaction rule. Rules are validated
// at configuration time; invalid patterns never enter the active set.
type FilterRule struct {
	ID          string       `json:"id"`
	Scope       FilterScope  `json:"scope"`
	Action      FilterAction `json:"action"`
	Pattern     string       `json:"pattern"`
	Replacement string       `json:"replacement,omitempty"`
	Priority    int          `json:"priority"` // lower runs first
	Enabled     bool         `json:"enabled"`
}

// UsageRecord is an immutable append-only fact recorded once per completed
// attempt. Never mutated after write.
type UsageRecord struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"request_id"`
	KeyID        string    `json:"key_id"`
	ProviderID   string    `json:"provider_id"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	StatusCode   int       `json:"status_code"`
	// BlockedBy marks requests intercepted before dispatch
	// ("filter:<rule-id>" or "scanner:<term>"), empty otherwise.
	BlockedBy string    `json:"blocked_by,omitempty"`
	Canceled  bool      `json:"canceled,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BreakerState is the circuit state of a provider.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is the dashboard-facing view of one provider's circuit.
type BreakerSnapshot struct {
	ProviderID      string       `json:"provider_id"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	LastFailureAt   time.Time    `json:"last_failure_at,omitempty"`
	OpenUntil       time.Time    `json:"open_until,omitempty"`
	ProbeInFlight   bool         `json:"probe_in_flight"`
	RecoveryETASecs int          `json:"recovery_eta_seconds,omitempty"`
}

// SlotSnapshot is the dashboard-facing concurrency view.
type SlotSnapshot struct {
	ProviderID string `json:"provider_id,omitempty"`
	KeyID      string `json:"key_id,omitempty"`
	UsedSlots  int    `json:"used_slots"`
	TotalSlots int    `json:"total_slots"` // 0 = unlimited
}

// UsageTotals is an aggregation over usage facts for dashboards.
type UsageTotals struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Blocked      int64   `json:"blocked"`
}

// ModelPrice holds per-million-token pricing used at cost resolution.
type ModelPrice struct {
	InputCostPer1M  float64 `json:"input_cost_per_1m" toml:"input_cost_per_1m"`
	OutputCostPer1M float64 `json:"output_cost_per_1m" toml:"output_cost_per_1m"`
}

// Cost computes the USD cost for a token count pair.
func (m ModelPrice) Cost(inputTokens, outputTokens int64) float64 {
	return (float64(inputTokens)/1_000_000)*m.InputCostPer1M +
		(float64(outputTokens)/1_000_000)*m.OutputCostPer1M
}
