// Package filter applies ordered pattern rules to request and response
// bodies. A block rule short-circuits with a caller-visible rejection; a
// replace rule substitutes matched text in place.
package filter

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

// DefaultTTL bounds rule set staleness.
const DefaultTTL = 5 * time.Minute

// compiledRule pairs a rule with its compiled pattern. Rules whose patterns
// fail to compile are rejected at load time and never reach evaluation.
type compiledRule struct {
	rule *domain.FilterRule
	re   *regexp.Regexp
}

type ruleSet struct {
	request  []compiledRule
	response []compiledRule
}

// Pipeline evaluates filter rules in priority order, lowest first. The
// first matching block rule wins; replace rules accumulate. The compiled
// set is rebuilt when the TTL expires or Reload is called; a refresh
// failure keeps serving the last compiled set.
type Pipeline struct {
	repo   domain.FilterRuleRepository
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	compiled *ruleSet
	builtAt  time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTTL overrides the rule set rebuild interval.
func WithTTL(ttl time.Duration) Option {
	return func(p *Pipeline) { p.ttl = ttl }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline backed by the given rule repository.
func NewPipeline(repo domain.FilterRuleRepository, opts ...Option) *Pipeline {
	p := &Pipeline{
		repo:   repo,
		logger: slog.Default(),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ApplyRequest runs request-scoped rules over text. It returns the possibly
// rewritten text, or a *domain.BlockedError if a block rule matched.
func (p *Pipeline) ApplyRequest(ctx context.Context, text string) (string, error) {
	rs, err := p.rules(ctx)
	if err != nil {
		p.logger.Warn("filter rules unavailable, pipeline skipped", "error", err)
		return text, nil
	}
	return apply(rs.request, text)
}

// ApplyResponse runs response-scoped rules over text.
func (p *Pipeline) ApplyResponse(ctx context.Context, text string) (string, error) {
	rs, err := p.rules(ctx)
	if err != nil {
		p.logger.Warn("filter rules unavailable, pipeline skipped", "error", err)
		return text, nil
	}
	return apply(rs.response, text)
}

// Reload discards the compiled rule set so the next call re-reads it.
func (p *Pipeline) Reload() {
	p.mu.Lock()
	p.compiled = nil
	p.mu.Unlock()
}

func apply(rules []compiledRule, text string) (string, error) {
	for _, cr := range rules {
		switch cr.rule.Action {
		case domain.FilterActionBlock:
			if cr.re.MatchString(text) {
				return "", &domain.BlockedError{
					By:     "filter:" + cr.rule.ID,
					Reason: fmt.Sprintf("request matched filter rule %s", cr.rule.ID),
				}
			}
		case domain.FilterActionReplace:
			text = cr.re.ReplaceAllString(text, cr.rule.Replacement)
		}
	}
	return text, nil
}

func (p *Pipeline) rules(ctx context.Context) (*ruleSet, error) {
	p.mu.RLock()
	rs, builtAt := p.compiled, p.builtAt
	p.mu.RUnlock()
	if rs != nil && p.now().Sub(builtAt) < p.ttl {
		return rs, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.compiled != nil && p.now().Sub(p.builtAt) < p.ttl {
		return p.compiled, nil
	}

	list, err := p.repo.ListFilterRules(ctx)
	if err != nil {
		// Keep serving the stale rule set if we have one.
		if p.compiled != nil {
			return p.compiled, nil
		}
		return nil, err
	}

	rs = &ruleSet{}
	for _, rule := range list {
		if !rule.Enabled {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			p.logger.Warn("filter rule rejected, pattern does not compile",
				"rule_id", rule.ID,
				"error", err,
			)
			continue
		}
		cr := compiledRule{rule: rule, re: re}
		switch rule.Scope {
		case domain.FilterScopeRequest:
			rs.request = append(rs.request, cr)
		case domain.FilterScopeResponse:
			rs.response = append(rs.response, cr)
		}
	}
	byPriority := func(rules []compiledRule) {
		sort.SliceStable(rules, func(i, j int) bool {
			return rules[i].rule.Priority < rules[j].rule.Priority
		})
	}
	byPriority(rs.request)
	byPriority(rs.response)

	p.compiled = rs
	p.builtAt = p.now()
	return rs, nil
}
