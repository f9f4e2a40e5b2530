// ABOUTME: Routing strategy catalog and pool status values for session pooling
// ABOUTME: Includes the pure recommendation function used by the optimization loop

package pool

import "fmt"

// RoutingStrategy names how sessions inside a pool are handed out.
type RoutingStrategy string

// Routing strategies
const (
	StrategyRoundRobin       RoutingStrategy = "round_robin"
	StrategyLeastConnections RoutingStrategy = "least_connections"
	StrategySticky           RoutingStrategy = "sticky"
	StrategyWeighted         RoutingStrategy = "weighted"
	StrategyNone             RoutingStrategy = "none"
)

// Recommendation thresholds. Both comparisons are strict.
const (
	failureRateThreshold  = 0.1
	responseTimeThreshold = 1.0 // seconds
)

var strategyDescriptions = map[RoutingStrategy]string{
	StrategyRoundRobin:       "Distributes sessions evenly across all pool slots in circular order. Best for balanced workloads.",
	StrategyLeastConnections: "Routes to the slot with fewest active connections. Best for varying request durations.",
	StrategySticky:           "Maintains user affinity to specific pool slots. Best for stateful sessions.",
	StrategyWeighted:         "Routes based on server performance metrics and health. Best for heterogeneous servers.",
	StrategyNone:             "No pooling, creates direct connections. Use when pooling overhead exceeds benefits.",
}

// Strategies returns every known routing strategy in a stable order.
func Strategies() []RoutingStrategy {
	return []RoutingStrategy{
		StrategyRoundRobin,
		StrategyLeastConnections,
		StrategySticky,
		StrategyWeighted,
		StrategyNone,
	}
}

// ParseStrategy converts a stored or configured name into a RoutingStrategy.
func ParseStrategy(s string) (RoutingStrategy, error) {
	st := RoutingStrategy(s)
	if _, ok := strategyDescriptions[st]; !ok {
		return "", fmt.Errorf("unknown routing strategy %q", s)
	}
	return st, nil
}

// Describe returns a human-readable description of the strategy.
func Describe(s RoutingStrategy) string {
	if d, ok := strategyDescriptions[s]; ok {
		return d
	}
	return "Unknown strategy"
}

// Description is a convenience wrapper around Describe.
func (s RoutingStrategy) Description() string {
	return Describe(s)
}

// Recommend maps observed pool behavior to a routing strategy.
// The first matching rule wins:
//
//  1. stateful sessions always get sticky routing
//  2. failure rate above 10% gets weighted routing
//  3. average response time above one second gets least-connections
//  4. everything else gets round-robin
//
// Out-of-range inputs are accepted; the function never fails.
func Recommend(avgResponseTimeSeconds, failureRate float64, isStateful bool) RoutingStrategy {
	if isStateful {
		return StrategySticky
	}
	if failureRate > failureRateThreshold {
		return StrategyWeighted
	}
	if avgResponseTimeSeconds > responseTimeThreshold {
		return StrategyLeastConnections
	}
	return StrategyRoundRobin
}

// PoolStatus describes the health of a pool as a whole.
//
// Typical progression: initializing → warming → active ⇄ degraded → draining → inactive.
// error can be reached from any state.
type PoolStatus string

// Pool statuses
const (
	StatusIdle         PoolStatus = "idle"
	StatusWarming      PoolStatus = "warming"
	StatusActive       PoolStatus = "active"
	StatusDegraded     PoolStatus = "degraded"
	StatusInactive     PoolStatus = "inactive"
	StatusInitializing PoolStatus = "initializing"
	StatusDraining     PoolStatus = "draining"
	StatusError        PoolStatus = "error"
)
