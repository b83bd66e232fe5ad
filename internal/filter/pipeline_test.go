package filter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

type ruleRepo struct {
	rules []*domain.FilterRule
	err   error
	calls int
}

func (r *ruleRepo) ListFilterRules(ctx context.Context) ([]*domain.FilterRule, error) {
	r.calls++
	return r.rules, r.err
}

func blockRule(id, pattern string, priority int) *domain.FilterRule {
	return &domain.FilterRule{
		ID: id, Scope: domain.FilterScopeRequest,
		Action: domain.FilterActionBlock, Pattern: pattern,
		Priority: priority, Enabled: true,
	}
}

func replaceRule(id, pattern, replacement string, priority int) *domain.FilterRule {
	return &domain.FilterRule{
		ID: id, Scope: domain.FilterScopeRequest,
		Action: domain.FilterActionReplace, Pattern: pattern,
		Replacement: replacement, Priority: priority, Enabled: true,
	}
}

func TestBlockRuleRejects(t *testing.T) {
	p := NewPipeline(&ruleRepo{rules: []*domain.FilterRule{
		blockRule("r1", `internal-hostname`, 10),
	}})

	_, err := p.ApplyRequest(context.Background(), "please reach internal-hostname now")
	var be *domain.BlockedError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "filter:r1", be.By)
}

func TestReplaceRewrites(t *testing.T) {
	p := NewPipeline(&ruleRepo{rules: []*domain.FilterRule{
		replaceRule("r1", `\b\d{3}-\d{2}-\d{4}\b`, "[redacted]", 10),
	}})

	out, err := p.ApplyRequest(context.Background(), "ssn is 123-45-6789 ok")
	require.NoError(t, err)
	assert.Equal(t, "ssn is [redacted] ok", out)
}

func TestPriorityOrderFirstBlockWins(t *testing.T) {
	p := NewPipeline(&ruleRepo{rules: []*domain.FilterRule{
		blockRule("late", `secret`, 20),
		blockRule("early", `secret`, 5),
	}})

	_, err := p.ApplyRequest(context.Background(), "a secret value")
	var be *domain.BlockedError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "filter:early", be.By)
}

func TestReplaceRunsBeforeLowerPriorityBlock(t *testing.T) {
	// A redaction at priority 5 removes the text a block at priority 10
	// would have matched.
	p := NewPipeline(&ruleRepo{rules: []*domain.FilterRule{
		blockRule("b", `token-\w+`, 10),
		replaceRule("r", `token-\w+`, "[redacted]", 5),
	}})

	out, err := p.ApplyRequest(context.Background(), "auth token-abc123 here")
	require.NoError(t, err)
	assert.Equal(t, "auth [redacted] here", out)
}

func TestScopeSeparation(t *testing.T) {
	respRule := &domain.FilterRule{
		ID: "resp", Scope: domain.FilterScopeResponse,
		Action: domain.FilterActionBlock, Pattern: `leak`,
		Priority: 1, Enabled: true,
	}
	p := NewPipeline(&ruleRepo{rules: []*domain.FilterRule{respRule}})

	out, err := p.ApplyRequest(context.Background(), "leak in request is fine")
	require.NoError(t, err)
	assert.Equal(t, "leak in request is fine", out)

	_, err = p.ApplyResponse(context.Background(), "leak in response is not")
	var be *domain.BlockedError
	require.True(t, errors.As(err, &be))
}

func TestInvalidPatternRejectedAtLoad(t *testing.T) {
	p := NewPipeline(&ruleRepo{rules: []*domain.FilterRule{
		blockRule("bad", `([`, 1),
		blockRule("good", `secret`, 2),
	}})

	out, err := p.ApplyRequest(context.Background(), "nothing to see")
	require.NoError(t, err)
	assert.Equal(t, "nothing to see", out)

	_, err = p.ApplyRequest(context.Background(), "a secret value")
	var be *domain.BlockedError
	require.True(t, errors.As(err, &be), "valid rules survive a bad sibling")
	assert.Equal(t, "filter:good", be.By)
}

func TestDisabledRuleSkipped(t *testing.T) {
	rule := blockRule("off", `secret`, 1)
	rule.Enabled = false
	p := NewPipeline(&ruleRepo{rules: []*domain.FilterRule{rule}})

	out, err := p.ApplyRequest(context.Background(), "a secret value")
	require.NoError(t, err)
	assert.Equal(t, "a secret value", out)
}

func TestRulesCachedAcrossCalls(t *testing.T) {
	repo := &ruleRepo{rules: []*domain.FilterRule{blockRule("r1", `x`, 1)}}
	p := NewPipeline(repo)

	_, _ = p.ApplyRequest(context.Background(), "aaa")
	_, _ = p.ApplyRequest(context.Background(), "bbb")
	assert.Equal(t, 1, repo.calls)

	p.Reload()
	_, _ = p.ApplyRequest(context.Background(), "ccc")
	assert.Equal(t, 2, repo.calls)
}

func TestRepoFailureFailsOpen(t *testing.T) {
	p := NewPipeline(&ruleRepo{err: errors.New("store down")})
	out, err := p.ApplyRequest(context.Background(), "pass through")
	require.NoError(t, err)
	assert.Equal(t, "pass through", out)
}

func TestRepoFailureKeepsStaleRules(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := &ruleRepo{rules: []*domain.FilterRule{blockRule("r1", `secret`, 1)}}
	p := NewPipeline(repo, WithClock(func() time.Time { return now }))

	_, err := p.ApplyRequest(context.Background(), "my secret text")
	var be *domain.BlockedError
	require.True(t, errors.As(err, &be))

	now = now.Add(DefaultTTL + time.Second)
	repo.err = errors.New("store down")

	_, err = p.ApplyRequest(context.Background(), "my secret text")
	require.True(t, errors.As(err, &be), "stale rule set keeps blocking through an outage")
	assert.Equal(t, "filter:r1", be.By)
}
