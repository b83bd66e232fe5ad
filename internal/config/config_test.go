package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/crypto"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

const sampleConfig = `
[server]
listen = ":9000"
upstream_timeout = "90s"

[logging]
level = "debug"

[[providers]]
id = "anthropic-primary"
name = "Anthropic"
protocol = "anthropic"
base_url = "https://api.anthropic.com/"
api_key = "sk-ant-test"
enabled = true
priority = 1
weight = 10
groups = ["premium"]
max_concurrency = 8
failure_threshold = 3
recovery_window = "60s"
request_timeout = "2m"

[[providers]]
id = "openai-backup"
protocol = "openai"
base_url = "https://api.openai.com"
api_key = "sk-oai-test"
enabled = true
priority = 2

[[keys]]
id = "key-1"
user_id = "user-1"
key = "sk-caller-raw"
enabled = true
five_hour_limit = 10.0
daily_reset_mode = "fixed"
daily_reset_at = "08:00"
provider_group = "premium"

[[filter_rules]]
id = "ssn"
scope = "request"
action = "replace"
pattern = '\d{3}-\d{2}-\d{4}'
replacement = "[REDACTED]"
enabled = true

[models."claude-sonnet-4"]
input_cost_per_1m = 3.0
output_cost_per_1m = 15.0

[aliases]
sonnet = "claude-sonnet-4"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadParsesFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, 90*time.Second, cfg.Server.UpstreamTimeout.Std())
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, 60*time.Second, cfg.Providers[0].RecoveryWindow.Std())

	providers, err := cfg.DomainProviders(nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolAnthropic, providers[0].Protocol)
	assert.Equal(t, "https://api.anthropic.com", providers[0].BaseURL, "trailing slash trimmed")
	assert.Equal(t, []string{"premium"}, providers[0].Groups)
	assert.Equal(t, 2*time.Minute, providers[0].RequestTimeout)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, 60, cfg.RateLimit.DefaultRPM)
}

func TestValidateAcceptsOmittedSections(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[server]\nlisten = \":9090\"\n"))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.NoError(t, Default().Validate())
}

func TestDomainKeysHashesRawKey(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	keys, err := cfg.DomainKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, HashKey("sk-caller-raw"), keys[0].Hash)
	assert.Equal(t, domain.DailyResetFixed, keys[0].DailyResetMode)
	assert.Equal(t, "premium", keys[0].ProviderGroup)
}

func TestDomainKeysRequireKeyOrHash(t *testing.T) {
	cfg := Default()
	cfg.Keys = []KeyConfig{{ID: "key-1", Enabled: true}}
	_, err := cfg.DomainKeys()
	assert.ErrorContains(t, err, "either key or hash")
}

func TestValidateRejectsUnknownProtocol(t *testing.T) {
	body := `
[[providers]]
id = "bad"
protocol = "cohere"
base_url = "https://example.com"
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestValidateRejectsDuplicateProviderIDs(t *testing.T) {
	body := `
[[providers]]
id = "dup"
protocol = "openai"
base_url = "https://a.example.com"

[[providers]]
id = "dup"
protocol = "openai"
base_url = "https://b.example.com"
`
	_, err := Load(writeConfig(t, body))
	assert.ErrorContains(t, err, "duplicate provider id")
}

func TestValidateRejectsBadFilterPattern(t *testing.T) {
	body := `
[[filter_rules]]
id = "broken"
scope = "request"
action = "block"
pattern = "([unclosed"
`
	_, err := Load(writeConfig(t, body))
	assert.ErrorContains(t, err, "filter rule broken")
}

func TestEnvExpansionAndOverrides(t *testing.T) {
	t.Setenv("TEST_UPSTREAM_KEY", "sk-from-env")
	t.Setenv("GATEWAY_LISTEN", ":7070")

	body := `
[server]
listen = ":9000"

[[providers]]
id = "p1"
protocol = "openai"
base_url = "https://api.openai.com"
api_key = "${TEST_UPSTREAM_KEY}"
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Providers[0].APIKey)
	assert.Equal(t, ":7070", cfg.Server.Listen, "env override wins over file")
}

func TestSealedCredentialOpened(t *testing.T) {
	keyB64, err := crypto.GenerateKey()
	require.NoError(t, err)
	sealer, err := crypto.NewSealerFromString(keyB64)
	require.NoError(t, err)
	sealed, err := sealer.Seal("sk-real-upstream")
	require.NoError(t, err)

	cfg := Default()
	cfg.Security.SealingKey = keyB64
	cfg.Providers = []ProviderConfig{{
		ID: "p1", Protocol: "openai", BaseURL: "https://api.openai.com",
		APIKey: "enc:" + sealed,
	}}

	s, err := cfg.Sealer()
	require.NoError(t, err)
	providers, err := cfg.DomainProviders(s)
	require.NoError(t, err)
	assert.Equal(t, "sk-real-upstream", providers[0].APIKey)
}

func TestSealedCredentialWithoutSealerFails(t *testing.T) {
	cfg := Default()
	cfg.Providers = []ProviderConfig{{
		ID: "p1", Protocol: "openai", BaseURL: "https://api.openai.com",
		APIKey: "enc:abc",
	}}
	_, err := cfg.DomainProviders(nil)
	assert.ErrorContains(t, err, "no sealing key")
}

func TestPriceForResolvesAliases(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	price, ok := cfg.PriceFor("sonnet")
	require.True(t, ok)
	assert.Equal(t, 3.0, price.InputCostPer1M)

	_, ok = cfg.PriceFor("unknown-model")
	assert.False(t, ok)
}
