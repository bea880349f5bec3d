package bus

import (
	"sync"

	"github.com/billm/m2mipc/pkg/topic"
)

// Patterns is an ordered set of subscription patterns. Brokers that deliver
// one copy of a message per matching subscription use Owner to keep only the
// copy that arrived for the first matching pattern.
type Patterns struct {
	mu       sync.RWMutex
	order    []string
	matchers map[string]*topic.Matcher
}

// NewPatterns creates an empty set
func NewPatterns() *Patterns {
	return &Patterns{matchers: make(map[string]*topic.Matcher)}
}

// Add inserts pattern and reports whether it was new
func (p *Patterns) Add(pattern string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.matchers[pattern]; ok {
		return false
	}
	p.matchers[pattern] = topic.NewMatcher(pattern)
	p.order = append(p.order, pattern)
	return true
}

// Remove deletes pattern and reports whether it was present
func (p *Patterns) Remove(pattern string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.matchers[pattern]; !ok {
		return false
	}
	delete(p.matchers, pattern)
	for i, existing := range p.order {
		if existing == pattern {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

// Has reports whether pattern is in the set
func (p *Patterns) Has(pattern string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.matchers[pattern]
	return ok
}

// Owner returns the first pattern matching t, or "" if none does
func (p *Patterns) Owner(t string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, pattern := range p.order {
		if p.matchers[pattern].Matches(t) {
			return pattern
		}
	}
	return ""
}

// List returns the patterns in insertion order
func (p *Patterns) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}

// Len returns the number of patterns
func (p *Patterns) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}
