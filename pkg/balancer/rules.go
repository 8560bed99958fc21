package balancer

import (
	"math/rand"
	"sync"

	"github.com/promptmux/promptmux/pkg/executor"
)

// Rule picks one executor from a non-empty candidate list. Implementations
// must return nil on an empty list and must not mutate executor state.
type Rule interface {
	Choose(candidates []*executor.Executor) *executor.Executor
}

// Rule names accepted in configuration.
const (
	RuleBestIdle   = "BestWaitIdle"
	RuleRoundRobin = "RoundRobin"
	RuleRandom     = "Random"
	RuleWeighted   = "Weight"
)

// NewRule maps a configured rule name to a strategy; unknown names fall
// back to best-idle.
func NewRule(name string) Rule {
	switch name {
	case RuleRoundRobin:
		return &RoundRobinRule{}
	case RuleRandom:
		return RandomRule{}
	case RuleWeighted:
		return WeightedRule{}
	default:
		return BestIdleRule{}
	}
}

// BestIdleRule picks the executor with the fewest queued plus running jobs.
// Candidates arrive sorted by channel id, so ties break deterministically
// toward the first candidate.
type BestIdleRule struct{}

func (BestIdleRule) Choose(candidates []*executor.Executor) *executor.Executor {
	var best *executor.Executor
	bestLoad := 0
	for _, c := range candidates {
		load := c.Load()
		if best == nil || load < bestLoad {
			best = c
			bestLoad = load
		}
	}
	return best
}

// RoundRobinRule rotates a cursor over the candidate list.
type RoundRobinRule struct {
	mu     sync.Mutex
	cursor int
}

func (r *RoundRobinRule) Choose(candidates []*executor.Executor) *executor.Executor {
	if len(candidates) == 0 {
		return nil
	}
	r.mu.Lock()
	idx := r.cursor % len(candidates)
	r.cursor++
	r.mu.Unlock()
	return candidates[idx]
}

// RandomRule picks uniformly.
type RandomRule struct{}

func (RandomRule) Choose(candidates []*executor.Executor) *executor.Executor {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// WeightedRule picks with probability proportional to the account weight;
// non-positive weights count as 1 so every candidate stays reachable.
type WeightedRule struct{}

func (WeightedRule) Choose(candidates []*executor.Executor) *executor.Executor {
	if len(candidates) == 0 {
		return nil
	}
	total := 0
	weights := make([]int, len(candidates))
	for i, c := range candidates {
		w := c.Account().Weight
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		total += w
	}
	pick := rand.Intn(total)
	for i, w := range weights {
		if pick < w {
			return candidates[i]
		}
		pick -= w
	}
	return candidates[len(candidates)-1]
}
