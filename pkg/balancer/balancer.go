// Package balancer maintains the live executor set and selects the account
// a new job lands on: capability and mode predicates first, then a
// pluggable rule over the surviving candidates.
package balancer

import (
	"sort"
	"sync"
	"time"

	"github.com/promptmux/promptmux/pkg/executor"
	"github.com/promptmux/promptmux/pkg/models"
)

// Criteria is everything one selection call needs to know about the job.
type Criteria struct {
	Filter   *models.AccountFilter
	NewTask  bool // a fresh submission, not a derived action on an existing result
	BotType  models.BotType
	Blend    bool
	Describe bool
	Shorten  bool
	// Matched domain tag ids; empty means no domain restriction.
	Domains []string
}

// LoadBalancer owns the live executor set. It only adds and removes
// executors; their internals stay with the executor itself.
type LoadBalancer struct {
	mu        sync.RWMutex
	executors map[string]*executor.Executor
	rule      Rule
}

// New builds a balancer with the given selection rule.
func New(rule Rule) *LoadBalancer {
	if rule == nil {
		rule = BestIdleRule{}
	}
	return &LoadBalancer{
		executors: make(map[string]*executor.Executor),
		rule:      rule,
	}
}

// Add registers an executor under its channel id, replacing any previous
// registration.
func (b *LoadBalancer) Add(e *executor.Executor) {
	b.mu.Lock()
	b.executors[e.ChannelID()] = e
	b.mu.Unlock()
}

// Remove unregisters and returns the executor for the channel id, or nil.
// The caller disposes it.
func (b *LoadBalancer) Remove(channelID string) *executor.Executor {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.executors[channelID]
	delete(b.executors, channelID)
	return e
}

// Get returns the executor for a channel id, resolving sub-channel ids
// through each account's sub-channel map.
func (b *LoadBalancer) Get(channelID string) *executor.Executor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e, ok := b.executors[channelID]; ok {
		return e
	}
	for _, e := range b.executors {
		if e.Account().ResolveChannel(channelID) == e.ChannelID() {
			return e
		}
	}
	return nil
}

// All returns every registered executor sorted by channel id.
func (b *LoadBalancer) All() []*executor.Executor {
	b.mu.RLock()
	out := make([]*executor.Executor, 0, len(b.executors))
	for _, e := range b.executors {
		out = append(out, e)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID() < out[j].ChannelID() })
	return out
}

// ChooseInstance selects one executor for the criteria, or nil when no
// account qualifies. With Filter.InstanceID set the named account is an
// all-or-nothing gate; otherwise the rule runs over every eligible
// candidate.
func (b *LoadBalancer) ChooseInstance(c Criteria) *executor.Executor {
	if c.Filter != nil && c.Filter.InstanceID != "" {
		e := b.Get(c.Filter.InstanceID)
		if e != nil && e.Alive() && b.eligible(e, c) {
			return e
		}
		return nil
	}

	var candidates []*executor.Executor
	for _, e := range b.All() {
		if e.Alive() && b.eligible(e, c) && hasRoom(e) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return b.rule.Choose(candidates)
}

// eligible applies every capability and mode predicate from the criteria to
// one account.
func (b *LoadBalancer) eligible(e *executor.Executor, c Criteria) bool {
	a := e.Account()

	if c.BotType != "" && !a.BotEnabled(c.BotType) {
		return false
	}
	if c.Blend && !a.CanBlend {
		return false
	}
	if c.Describe && !a.CanDescribe {
		return false
	}
	if c.Shorten && !a.CanShorten {
		return false
	}

	if c.Filter != nil {
		if len(c.Filter.InstanceIDs) > 0 && !containsString(c.Filter.InstanceIDs, a.ChannelID) {
			return false
		}
		if len(c.Filter.Modes) > 0 {
			ok := false
			for _, m := range c.Filter.Modes {
				if a.AllowsMode(m) && !(m != models.ModeRelax && a.FastExhausted) {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		}
		// Remix preference only binds accounts that need a manual modal
		// round trip; auto-submit makes the toggle invisible to the job.
		if c.Filter.Remix != nil && !a.RemixAutoSubmit && a.RemixEnabled(c.BotType) != *c.Filter.Remix {
			return false
		}
	}

	if len(c.Domains) > 0 {
		if !a.IsDomain {
			return false
		}
		if !intersects(a.Domains, c.Domains) {
			return false
		}
	} else if a.IsDomain && !pinned(c.Filter) {
		// Domain-reserved accounts only serve matching traffic or
		// callers that name them outright.
		return false
	}

	if c.NewTask {
		if a.DayDrawExceeded() {
			return false
		}
		if !a.InWorkTime(time.Now()) {
			return false
		}
	}
	return true
}

// hasRoom filters out accounts whose submission queue is already at its
// cap; picking one would only bounce the job with a queue-full error while
// a sibling still had headroom.
func hasRoom(e *executor.Executor) bool {
	limit := e.Account().MaxQueueSize
	return limit <= 0 || e.PendingCount() < limit
}

// pinned reports whether the filter names specific accounts, which
// overrides the domain-reservation exclusion.
func pinned(f *models.AccountFilter) bool {
	return f != nil && (f.InstanceID != "" || len(f.InstanceIDs) > 0)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
