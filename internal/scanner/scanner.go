// Package scanner blocks requests containing banned terms. Matching is
// case-insensitive and layered: exact substring, exact substring on
// normalized text (homoglyphs, l33t speak, zero-width stripping), then
// sliding-window Levenshtein for near-miss spellings.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/unicode/norm"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

const (
	// DefaultTTL bounds how stale the compiled matcher may get before the
	// word list is re-read.
	DefaultTTL = 5 * time.Minute

	// DefaultFuzzyThreshold is the minimum similarity for a fuzzy hit.
	DefaultFuzzyThreshold = 0.85

	// fuzzyMinLength disables fuzzy matching for very short terms, where a
	// one-edit window produces too many false positives.
	fuzzyMinLength = 5
)

// Scanner evaluates text against a sensitive word list. The compiled matcher
// is rebuilt when the TTL expires or Reload is called.
type Scanner struct {
	words  domain.WordListRepository
	logger *slog.Logger

	ttl            time.Duration
	fuzzyEnabled   bool
	fuzzyThreshold float64
	now            func() time.Time

	mu       sync.RWMutex
	compiled *matcher
	builtAt  time.Time
}

type matcher struct {
	terms []term
}

type term struct {
	original   string
	normalized string
	threshold  float64
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithTTL overrides the matcher rebuild interval.
func WithTTL(ttl time.Duration) Option {
	return func(s *Scanner) { s.ttl = ttl }
}

// WithFuzzy toggles the Levenshtein matching tier.
func WithFuzzy(enabled bool) Option {
	return func(s *Scanner) { s.fuzzyEnabled = enabled }
}

// WithFuzzyThreshold overrides the fuzzy similarity threshold.
func WithFuzzyThreshold(t float64) Option {
	return func(s *Scanner) { s.fuzzyThreshold = t }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) { s.logger = l }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// NewScanner creates a scanner backed by the given word list repository.
func NewScanner(words domain.WordListRepository, opts ...Option) *Scanner {
	s := &Scanner{
		words:          words,
		logger:         slog.Default(),
		ttl:            DefaultTTL,
		fuzzyEnabled:   true,
		fuzzyThreshold: DefaultFuzzyThreshold,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan checks text against the active word list. On a hit it returns a
// *domain.BlockedError naming the triggering term; the caller must not
// forward the request. A word list read failure fails open with a warning.
func (s *Scanner) Scan(ctx context.Context, text string) error {
	m, err := s.matcher(ctx)
	if err != nil {
		s.logger.Warn("word list unavailable, scan skipped", "error", err)
		return nil
	}
	if m == nil || len(m.terms) == 0 {
		return nil
	}

	lower := strings.ToLower(text)
	normalized := normalizeText(text)

	for _, t := range m.terms {
		if strings.Contains(lower, t.normalized) || strings.Contains(normalized, t.normalized) {
			return &domain.BlockedError{
				By:     "scanner:" + t.original,
				Reason: fmt.Sprintf("content contains banned term %q", t.original),
			}
		}
	}

	if s.fuzzyEnabled {
		for _, t := range m.terms {
			if len(t.normalized) < fuzzyMinLength {
				continue
			}
			if ok, sim, window := fuzzyContains(normalized, t.normalized, t.threshold); ok {
				s.logger.Info("fuzzy scanner match",
					"term", t.original,
					"window", window,
					"similarity", sim,
				)
				return &domain.BlockedError{
					By:     "scanner:" + t.original,
					Reason: fmt.Sprintf("content resembles banned term %q", t.original),
				}
			}
		}
	}

	return nil
}

// Reload discards the compiled matcher so the next Scan re-reads the list.
func (s *Scanner) Reload() {
	s.mu.Lock()
	s.compiled = nil
	s.mu.Unlock()
}

func (s *Scanner) matcher(ctx context.Context) (*matcher, error) {
	s.mu.RLock()
	m, builtAt := s.compiled, s.builtAt
	s.mu.RUnlock()
	if m != nil && s.now().Sub(builtAt) < s.ttl {
		return m, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compiled != nil && s.now().Sub(s.builtAt) < s.ttl {
		return s.compiled, nil
	}

	words, err := s.words.ListSensitiveWords(ctx)
	if err != nil {
		// Keep serving the stale matcher if we have one.
		if s.compiled != nil {
			return s.compiled, nil
		}
		return nil, err
	}

	terms := make([]term, 0, len(words))
	for _, w := range words {
		n := normalizeText(w)
		if n == "" {
			continue
		}
		terms = append(terms, term{
			original:   w,
			normalized: n,
			threshold:  adaptiveThreshold(s.fuzzyThreshold, len(n)),
		})
	}
	s.compiled = &matcher{terms: terms}
	s.builtAt = s.now()
	return s.compiled, nil
}

// adaptiveThreshold loosens the similarity bar for short terms so a single
// typo still matches, and tightens it for long ones.
func adaptiveThreshold(base float64, length int) float64 {
	switch {
	case length < 10:
		base -= 0.10
	case length < 15:
		base -= 0.05
	case length >= 30:
		base += 0.05
	}
	if base < 0.65 {
		base = 0.65
	}
	if base > 0.98 {
		base = 0.98
	}
	return base
}

// homoglyphMap maps common lookalike characters to their ASCII equivalents.
var homoglyphMap = map[rune]rune{
	'а': 'a', 'А': 'a',
	'е': 'e', 'Е': 'e',
	'о': 'o', 'О': 'o',
	'р': 'p', 'Р': 'p',
	'с': 'c', 'С': 'c',
	'у': 'y', 'У': 'y',
	'х': 'x', 'Х': 'x',
	'і': 'i', 'І': 'i',
	'α': 'a', 'ε': 'e', 'ο': 'o', 'ρ': 'p', 'τ': 't', 'υ': 'u',
	'ı': 'i', 'ł': 'l', 'ø': 'o', 'ß': 's',
}

// l33tMap maps digit/symbol substitutions to letters.
var l33tMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
	'+': 't',
	'|': 'l',
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// normalizeText lowercases and folds evasion tricks: NFKC compatibility
// forms, homoglyphs, l33t speak, zero-width characters, whitespace runs.
func normalizeText(input string) string {
	result := norm.NFKC.String(input)
	result = strings.ToLower(result)

	var b strings.Builder
	b.Grow(len(result))
	for _, r := range result {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u200e', '\u200f',
			'\u2060', '\ufeff':
			continue
		}
		if unicode.IsControl(r) && r != ' ' && r != '\t' && r != '\n' {
			continue
		}
		if rep, ok := homoglyphMap[r]; ok {
			b.WriteRune(rep)
		} else if rep, ok := l33tMap[r]; ok {
			b.WriteRune(rep)
		} else {
			b.WriteRune(r)
		}
	}
	result = whitespaceRe.ReplaceAllString(b.String(), " ")
	return strings.TrimSpace(result)
}

func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

// fuzzyContains slides windows of pattern length ±20% across text and
// reports the best Levenshtein similarity against the pattern.
func fuzzyContains(text, pattern string, threshold float64) (bool, float64, string) {
	if len(pattern) == 0 {
		return false, 0, ""
	}
	if len(text) < len(pattern) {
		sim := similarity(text, pattern)
		if sim >= threshold {
			return true, sim, text
		}
		return false, sim, ""
	}

	minWindow := int(float64(len(pattern)) * 0.8)
	if minWindow < 1 {
		minWindow = 1
	}
	maxWindow := int(float64(len(pattern)) * 1.2)
	if maxWindow > len(text) {
		maxWindow = len(text)
	}

	best := 0.0
	bestWindow := ""
	for size := minWindow; size <= maxWindow; size++ {
		for i := 0; i+size <= len(text); i++ {
			window := text[i : i+size]
			sim := similarity(pattern, window)
			if sim > best {
				best = sim
				bestWindow = window
			}
			if sim >= 0.95 {
				return true, sim, window
			}
		}
	}
	if best >= threshold {
		return true, best, bestWindow
	}
	return false, best, ""
}
