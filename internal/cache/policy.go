package cache

import (
	"fmt"
	"regexp"
)

// Policy decides whether a conversation may use the cache. Only odd turn
// counts up to the context window qualify: such conversations end with a
// user question.
type Policy struct {
	window     int
	eligible   map[int]struct{}
	exclusions *ExclusionList
}

// NewPolicy precomputes the eligible turn counts. A window below 1 means 1.
// exclusions may be nil.
func NewPolicy(contextWindow int, exclusions *ExclusionList) *Policy {
	if contextWindow < 1 {
		contextWindow = 1
	}
	p := &Policy{
		window:     contextWindow,
		eligible:   make(map[int]struct{}, (contextWindow+1)/2),
		exclusions: exclusions,
	}
	for n := 1; n <= contextWindow; n += 2 {
		p.eligible[n] = struct{}{}
	}
	return p
}

// Eligible reports whether a conversation of turnCount turns is cacheable.
func (p *Policy) Eligible(turnCount int) bool {
	if p == nil {
		return false
	}
	_, ok := p.eligible[turnCount]
	return ok
}

// EligibleFor is Eligible plus the per-model exclusion rules.
func (p *Policy) EligibleFor(model string, turnCount int) bool {
	return p.Eligible(turnCount) && !p.exclusions.Matches(model)
}

// ContextWindow returns the effective window size.
func (p *Policy) ContextWindow() int {
	if p == nil {
		return 0
	}
	return p.window
}

// ExclusionList names models whose answers are never cached, either by exact
// name (case-sensitive) or by regular expression. A nil list matches nothing.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles the rules. A bad pattern is a startup error.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{exact: make(map[string]struct{}, len(exact))}

	for _, e := range exact {
		if e != "" {
			el.exact[e] = struct{}{}
		}
	}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache: exclusion pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

// Matches reports whether model is excluded.
func (el *ExclusionList) Matches(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the number of rules.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
