// Package banword holds keyword caches consulted on every submission:
// banned prompt words and domain-tag routing keywords. Both are rebuilt on
// admin edit rather than on each lookup.
package banword

import (
	"strings"
	"sync"
)

// Violation reports which banned word matched a prompt.
type Violation struct {
	Word string
}

// DomainTag is a topical vertical with the keywords that route to it.
type DomainTag struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Keywords []string `json:"keywords" yaml:"keywords"`
}

// Cache is a read-mostly keyword store. Lookups take an RLock; Reload swaps
// the whole set under the write lock.
type Cache struct {
	mu      sync.RWMutex
	banned  []string
	domains []DomainTag
}

// NewCache builds a cache from the initial word and tag sets.
func NewCache(banned []string, domains []DomainTag) *Cache {
	c := &Cache{}
	c.Reload(banned, domains)
	return c
}

// Reload replaces both keyword sets. Called when an admin edits the lists.
func (c *Cache) Reload(banned []string, domains []DomainTag) {
	normalized := make([]string, 0, len(banned))
	for _, w := range banned {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			normalized = append(normalized, w)
		}
	}
	c.mu.Lock()
	c.banned = normalized
	c.domains = domains
	c.mu.Unlock()
}

// CheckPrompt returns the first banned word found in prompt, or nil.
// Matching is case-insensitive substring containment.
func (c *Cache) CheckPrompt(prompt string) *Violation {
	lower := strings.ToLower(prompt)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, w := range c.banned {
		if strings.Contains(lower, w) {
			return &Violation{Word: w}
		}
	}
	return nil
}

// MatchDomains returns the ids of enabled domain tags whose keywords appear
// in the prompt. Used for the soft-preference routing phase.
func (c *Cache) MatchDomains(prompt string) []string {
	lower := strings.ToLower(prompt)
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for _, d := range c.domains {
		if !d.Enabled {
			continue
		}
		for _, kw := range d.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(lower, kw) {
				ids = append(ids, d.ID)
				break
			}
		}
	}
	return ids
}

// Domains returns a copy of the configured domain tags.
func (c *Cache) Domains() []DomainTag {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]DomainTag, len(c.domains))
	copy(out, c.domains)
	return out
}
