package genrouter

import (
	"sort"
	"time"
)

// Strategy names a routing policy. Strategies are a closed set dispatched
// through a lookup table of pure ordering functions; each produces the
// full ranked list, which doubles as the fallback chain.
type Strategy string

const (
	StrategyPriority   Strategy = "priority"    // ascending priority field
	StrategyCost       Strategy = "cost"        // cheapest for the requested mode/resolution
	StrategyQuality    Strategy = "quality"     // highest static quality score
	StrategySpeed      Strategy = "speed"       // lowest observed decaying latency
	StrategyRoundRobin Strategy = "round_robin" // shared cursor over id-sorted providers

	// StrategyUserSpecified is reported on decisions where the request
	// named an explicit provider. It is not selectable as a strategy.
	StrategyUserSpecified Strategy = "user_specified"
)

// Candidate is one eligible provider considered by a strategy, carrying
// the live latency average alongside the static descriptor.
type Candidate struct {
	Descriptor
	AvgLatency time.Duration
}

// RankedCandidate is a candidate with its strategy-specific score. Score
// semantics depend on the strategy (cost in dollars, latency in
// milliseconds, etc.); ordering, not magnitude, is the contract.
type RankedCandidate struct {
	Provider string  `json:"provider"`
	Score    float64 `json:"score"`
}

// RoutingDecision is the immutable output of strategy selection: the
// chosen provider plus the ordered fallback chain behind it.
type RoutingDecision struct {
	Provider  string            `json:"provider"`
	Fallbacks []string          `json:"fallbacks"`
	Strategy  Strategy          `json:"strategy"`
	Ranked    []RankedCandidate `json:"ranked"`
}

// rankFunc orders candidates for a request. Implementations must be pure:
// same inputs, same order. Candidates arrive sorted by id.
type rankFunc func(req *GenerationRequest, cands []Candidate, cursor uint64) []RankedCandidate

var strategies = map[Strategy]rankFunc{
	StrategyPriority:   rankByPriority,
	StrategyCost:       rankByCost,
	StrategyQuality:    rankByQuality,
	StrategySpeed:      rankBySpeed,
	StrategyRoundRobin: rankRoundRobin,
}

// Decide ranks the eligible candidates under the given strategy. cursor
// is the shared round-robin position for this admitted request; other
// strategies ignore it. Unknown strategies are a ConfigurationError.
func Decide(strategy Strategy, req *GenerationRequest, cands []Candidate, cursor uint64) (RoutingDecision, error) {
	rank, ok := strategies[strategy]
	if !ok {
		return RoutingDecision{}, &ConfigurationError{Field: "strategy", Detail: "unknown strategy " + string(strategy)}
	}
	if len(cands) == 0 {
		return RoutingDecision{}, ErrNoEligibleProvider
	}

	ranked := rank(req, cands, cursor)
	return newDecision(strategy, ranked), nil
}

func newDecision(strategy Strategy, ranked []RankedCandidate) RoutingDecision {
	d := RoutingDecision{
		Provider: ranked[0].Provider,
		Strategy: strategy,
		Ranked:   ranked,
	}
	for _, rc := range ranked[1:] {
		d.Fallbacks = append(d.Fallbacks, rc.Provider)
	}
	return d
}

// sortCandidates stable-sorts a copy of cands and maps each to its score.
// The incoming id order makes every ordering deterministic.
func sortCandidates(cands []Candidate, less func(a, b Candidate) bool, score func(c Candidate) float64) []RankedCandidate {
	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })

	ranked := make([]RankedCandidate, len(sorted))
	for i, c := range sorted {
		ranked[i] = RankedCandidate{Provider: c.ID, Score: score(c)}
	}
	return ranked
}

func rankByPriority(_ *GenerationRequest, cands []Candidate, _ uint64) []RankedCandidate {
	return sortCandidates(cands,
		func(a, b Candidate) bool {
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return a.ID < b.ID
		},
		func(c Candidate) float64 { return float64(c.Priority) },
	)
}

func rankByCost(req *GenerationRequest, cands []Candidate, _ uint64) []RankedCandidate {
	cost := func(c Candidate) float64 { return c.Cost(req.Mode, req.Resolution) }
	return sortCandidates(cands,
		func(a, b Candidate) bool {
			ca, cb := cost(a), cost(b)
			if ca != cb {
				return ca < cb
			}
			return a.Priority < b.Priority
		},
		cost,
	)
}

func rankByQuality(_ *GenerationRequest, cands []Candidate, _ uint64) []RankedCandidate {
	return sortCandidates(cands,
		func(a, b Candidate) bool {
			if a.QualityScore != b.QualityScore {
				return a.QualityScore > b.QualityScore
			}
			return a.Priority < b.Priority
		},
		func(c Candidate) float64 { return c.QualityScore },
	)
}

func rankBySpeed(_ *GenerationRequest, cands []Candidate, _ uint64) []RankedCandidate {
	return sortCandidates(cands,
		func(a, b Candidate) bool {
			if a.AvgLatency != b.AvgLatency {
				return a.AvgLatency < b.AvgLatency
			}
			return a.Priority < b.Priority
		},
		func(c Candidate) float64 { return float64(c.AvgLatency.Milliseconds()) },
	)
}

// rankRoundRobin rotates the id-sorted candidate list by the shared
// cursor, so N healthy providers serve sorted_ids[i % N] on the i-th
// admitted request.
func rankRoundRobin(_ *GenerationRequest, cands []Candidate, cursor uint64) []RankedCandidate {
	n := uint64(len(cands))
	ranked := make([]RankedCandidate, len(cands))
	for i := range cands {
		c := cands[(cursor+uint64(i))%n]
		ranked[i] = RankedCandidate{Provider: c.ID, Score: float64(i)}
	}
	return ranked
}

// userSpecifiedDecision builds a decision for an explicit provider
// override: the named provider first, the remaining candidates (ranked by
// the fallback strategy) behind it.
func userSpecifiedDecision(req *GenerationRequest, provider string, rest []Candidate, fallbackStrategy Strategy, cursor uint64) RoutingDecision {
	ranked := []RankedCandidate{{Provider: provider, Score: 0}}
	if len(rest) > 0 {
		if rank, ok := strategies[fallbackStrategy]; ok {
			ranked = append(ranked, rank(req, rest, cursor)...)
		}
	}
	d := newDecision(StrategyUserSpecified, ranked)
	return d
}
