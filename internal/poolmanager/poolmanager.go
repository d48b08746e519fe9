// Package poolmanager distributes a pool-wide target capacity across the
// resource groups that make up one (cluster, pool), honoring pool-wide and
// per-group bounds, and prunes excess idle capacity back down after a
// scale-down (spec.md §4.2).
package poolmanager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Knetic/govaluate"

	"github.com/openarun/clusterman/internal/cluster"
	"github.com/openarun/clusterman/internal/market"
	"github.com/openarun/clusterman/internal/resourcegroup"
)

// PoolConfig bounds how a pool's target capacity may move.
type PoolConfig struct {
	MinCapacity       int64
	MaxCapacity       int64
	MaxWeightToAdd    int64 // 0 means unlimited churn on scale-up
	MaxWeightToRemove int64 // 0 means unlimited churn on scale-down

	// MaxWeightToAddExpr and MaxWeightToRemoveExpr, when set, override their
	// static counterparts with a govaluate expression evaluated against the
	// pool's current total weight each tick (variable "available"), letting
	// an operator tune churn caps as a function of pool size instead of a
	// fixed number (e.g. "min(available*0.1, 50)").
	MaxWeightToAddExpr    string
	MaxWeightToRemoveExpr string
}

// resolveChurnCap evaluates an optional override expression against the
// pool's current total weight, falling back to the static cap if no
// expression is configured or evaluation fails. A failed expression is
// logged and does not abort the tick: the static cap still applies.
func (p *PoolManager) resolveChurnCap(expr string, static int64, available float64) int64 {
	if expr == "" {
		return static
	}
	evaluable, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		p.logger.Error("invalid churn cap expression, using static cap", "expr", expr, "error", err)
		return static
	}
	result, err := evaluable.Evaluate(map[string]interface{}{"available": available})
	if err != nil {
		p.logger.Error("churn cap expression failed, using static cap", "expr", expr, "error", err)
		return static
	}
	v, ok := result.(float64)
	if !ok {
		p.logger.Error("churn cap expression did not return a number, using static cap", "expr", expr, "result", result)
		return static
	}
	return int64(v)
}

// Error is a pool-wide failure: no resource groups available, or a
// provider call failed for the pool as a whole. It is fatal for the tick
// (spec.md §7: PoolManagerError).
type Error struct {
	Cluster string
	Pool    string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pool manager %s/%s: %v", e.Cluster, e.Pool, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// PoolManager holds the ordered list of resource groups backing one
// (cluster, pool) and the agent source used to classify idle instances
// during pruning.
type PoolManager struct {
	Cluster string
	Pool    string

	config PoolConfig
	groups []resourcegroup.ResourceGroup
	agents cluster.AgentSource
	logger *slog.Logger
}

// New constructs a PoolManager over an already-discovered group list. Use
// Reload to refresh group membership from backend discovery.
func New(clusterName, pool string, config PoolConfig, groups []resourcegroup.ResourceGroup, agents cluster.AgentSource, logger *slog.Logger) *PoolManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PoolManager{
		Cluster: clusterName,
		Pool:    pool,
		config:  config,
		groups:  groups,
		agents:  agents,
		logger:  logger,
	}
}

// Groups returns the pool's current resource groups, in list order.
func (p *PoolManager) Groups() []resourcegroup.ResourceGroup { return p.groups }

// SetGroups replaces the pool's group list, e.g. after a Reload.
func (p *PoolManager) SetGroups(groups []resourcegroup.ResourceGroup) { p.groups = groups }

// TotalFulfilledCapacity sums FulfilledCapacity across all groups.
func (p *PoolManager) TotalFulfilledCapacity() float64 {
	var total float64
	for _, g := range p.groups {
		total += g.FulfilledCapacity()
	}
	return total
}

// TotalTargetCapacity sums TargetCapacity across non-stale groups.
func (p *PoolManager) TotalTargetCapacity() float64 {
	var total float64
	for _, g := range p.groups {
		if g.IsStale() {
			continue
		}
		total += g.TargetCapacity()
	}
	return total
}

// nonStaleGroups returns the subset of groups that are not flagged stale,
// in list order.
func (p *PoolManager) nonStaleGroups() []resourcegroup.ResourceGroup {
	var out []resourcegroup.ResourceGroup
	for _, g := range p.groups {
		if !g.IsStale() {
			out = append(out, g)
		}
	}
	return out
}

// ModifyTargetCapacity constrains desired to the pool's bounds, splits it
// across non-stale groups per the rebalancing algorithm, applies each
// group's new target in list order, then prunes excess idle capacity if the
// constrained target fell below current fulfilled capacity. It returns the
// constrained target actually applied.
func (p *PoolManager) ModifyTargetCapacity(ctx context.Context, desired float64, terminateExcess, dryRun bool) (float64, error) {
	active := p.nonStaleGroups()
	if len(active) == 0 {
		return 0, &Error{Cluster: p.Cluster, Pool: p.Pool, Err: fmt.Errorf("no non-stale resource groups")}
	}

	constrained := p.constrain(desired, int64(len(active)))

	states := make([]groupState, len(active))
	for i, g := range active {
		states[i] = groupState{ID: g.ID(), Current: int64(g.TargetCapacity())}
	}
	idealTargets := rebalance(states, constrained)

	scaleUp := constrained >= p.currentTotal(states)
	applyTargets := p.applyChurnCap(states, idealTargets, scaleUp)

	for i, g := range active {
		opts := resourcegroup.ModifyOptions{TerminateExcess: terminateExcess, DryRun: dryRun}
		if err := g.ModifyTargetCapacity(ctx, float64(applyTargets[i]), opts); err != nil {
			p.logger.Error("failed to modify resource group target capacity", "group", g.ID(), "error", err)
		}
	}

	if !dryRun && float64(constrained) < p.TotalFulfilledCapacity() {
		terminated, err := p.prune(ctx, float64(constrained))
		if err != nil {
			p.logger.Error("pruning failed", "cluster", p.Cluster, "pool", p.Pool, "error", err)
		} else if len(terminated) > 0 {
			p.logger.Info("pruned idle agents", "cluster", p.Cluster, "pool", p.Pool, "terminated", terminated)
		}
	}

	return float64(constrained), nil
}

// constrain clamps desired to [MinCapacity, MaxCapacity] and to a per-group
// floor of 1 per active group, logging whichever clamp binds.
func (p *PoolManager) constrain(desired float64, activeGroups int64) int64 {
	v := int64(desired)

	groupFloor := activeGroups
	if groupFloor > p.config.MinCapacity {
		if v < groupFloor {
			p.logger.Warn("clamping target to per-group floor", "cluster", p.Cluster, "pool", p.Pool, "requested", v, "floor", groupFloor)
			v = groupFloor
		}
	}
	if v < p.config.MinCapacity {
		p.logger.Warn("clamping target to pool minimum", "cluster", p.Cluster, "pool", p.Pool, "requested", v, "min", p.config.MinCapacity)
		v = p.config.MinCapacity
	}
	if v > p.config.MaxCapacity {
		p.logger.Warn("clamping target to pool maximum", "cluster", p.Cluster, "pool", p.Pool, "requested", v, "max", p.config.MaxCapacity)
		v = p.config.MaxCapacity
	}
	return v
}

func (p *PoolManager) currentTotal(states []groupState) int64 {
	var total int64
	for _, s := range states {
		total += s.Current
	}
	return total
}

// applyChurnCap enforces the per-tick churn bound from spec §4.2.1: when the
// ideal rebalance would move more total weight than MaxWeightToAdd (scale-up)
// or MaxWeightToRemove (scale-down) allows, later groups in list order keep
// their current target this tick; the rest of their move is deferred.
func (p *PoolManager) applyChurnCap(states []groupState, ideal []int64, scaleUp bool) []int64 {
	available := float64(p.currentTotal(states))
	var churnCap int64
	if scaleUp {
		churnCap = p.resolveChurnCap(p.config.MaxWeightToAddExpr, p.config.MaxWeightToAdd, available)
	} else {
		churnCap = p.resolveChurnCap(p.config.MaxWeightToRemoveExpr, p.config.MaxWeightToRemove, available)
	}
	if churnCap <= 0 {
		return ideal
	}

	out := make([]int64, len(states))
	var used int64
	for i, s := range states {
		delta := ideal[i] - s.Current
		abs := delta
		if abs < 0 {
			abs = -abs
		}
		if used+abs <= churnCap {
			out[i] = ideal[i]
			used += abs
			continue
		}
		remaining := churnCap - used
		if remaining <= 0 {
			out[i] = s.Current
			continue
		}
		if delta > 0 {
			out[i] = s.Current + remaining
		} else {
			out[i] = s.Current - remaining
		}
		used = churnCap
	}
	return out
}

// poolMarketCapacities sums market_capacities across every group in the pool.
func (p *PoolManager) poolMarketCapacities() map[market.Market]float64 {
	totals := make(map[market.Market]float64)
	for _, g := range p.groups {
		for m, w := range g.MarketCapacities() {
			totals[m] += w
		}
	}
	return totals
}
