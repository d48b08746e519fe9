package poolmanager

import (
	"context"
	"fmt"

	"github.com/openarun/clusterman/internal/cluster"
	"github.com/openarun/clusterman/internal/market"
	"github.com/openarun/clusterman/internal/resourcegroup"
)

// idleCandidate is one idle agent awaiting possible termination, with enough
// context to find its owning group and compute its weight.
type idleCandidate struct {
	instanceID string
	group      resourcegroup.ResourceGroup
	weight     float64
}

// prune terminates idle agents, preferring the heaviest markets first, until
// fulfilled capacity reaches target or no idle candidates remain (spec.md
// §4.2.2). Instances not owned by any group are never considered.
func (p *PoolManager) prune(ctx context.Context, target float64) ([]string, error) {
	if p.agents == nil {
		return nil, nil
	}
	agents, err := p.agents.Agents()
	if err != nil {
		return nil, fmt.Errorf("fetching agent roster: %w", err)
	}

	idleByMarket := p.buildIdleByMarket(agents)
	if len(idleByMarket) == 0 {
		return nil, nil
	}

	marketCapacities := p.poolMarketCapacities()
	fulfilled := p.TotalFulfilledCapacity()

	toTerminate := make(map[string][]string) // group id -> instance ids
	groupByID := make(map[string]resourcegroup.ResourceGroup, len(p.groups))
	groupFulfilled := make(map[string]float64, len(p.groups))
	for _, g := range p.groups {
		groupByID[g.ID()] = g
		groupFulfilled[g.ID()] = g.FulfilledCapacity()
	}

	for fulfilled > target && len(idleByMarket) > 0 {
		chosenMarket := heaviestMarketWithCandidates(idleByMarket, marketCapacities)

		candidates := idleByMarket[chosenMarket]
		candidate := candidates[0]
		idleByMarket[chosenMarket] = candidates[1:]
		if len(idleByMarket[chosenMarket]) == 0 {
			delete(idleByMarket, chosenMarket)
		}

		groupID := candidate.group.ID()
		wouldViolateGroupFloor := groupFulfilled[groupID]-candidate.weight < 1
		wouldViolatePoolFloor := fulfilled-candidate.weight < float64(p.config.MinCapacity)
		if wouldViolateGroupFloor || wouldViolatePoolFloor {
			continue
		}

		toTerminate[groupID] = append(toTerminate[groupID], candidate.instanceID)
		groupFulfilled[groupID] -= candidate.weight
		marketCapacities[chosenMarket] -= candidate.weight
		fulfilled -= candidate.weight
	}

	var allTerminated []string
	for groupID, ids := range toTerminate {
		g, ok := groupByID[groupID]
		if !ok {
			continue
		}
		terminated, err := g.TerminateInstancesByID(ctx, ids)
		if err != nil {
			p.logger.Error("failed to terminate pruned instances", "group", groupID, "error", err)
			continue
		}
		allTerminated = append(allTerminated, terminated...)
	}
	return allTerminated, nil
}

// heaviestMarketWithCandidates picks the market with the largest total
// weight among those that still have idle candidates, ties broken by market
// lexicographic order (spec.md §4.2.2 step 3a).
func heaviestMarketWithCandidates(idleByMarket map[market.Market][]idleCandidate, marketCapacities map[market.Market]float64) market.Market {
	var best market.Market
	bestWeight := -1.0
	first := true
	for m := range idleByMarket {
		w := marketCapacities[m]
		if first || w > bestWeight || (w == bestWeight && m.Less(best)) {
			best = m
			bestWeight = w
			first = false
		}
	}
	return best
}

// buildIdleByMarket groups idle, cluster-manager-known agents by the market
// of the cloud instance they run on. An agent whose instance isn't owned by
// any group in the pool is excluded entirely.
func (p *PoolManager) buildIdleByMarket(agents map[string]cluster.Agent) map[market.Market][]idleCandidate {
	out := make(map[market.Market][]idleCandidate)
	for _, g := range p.groups {
		weight := g.MarketWeight
		for m, instanceIDs := range g.InstancesByMarket() {
			for _, instanceID := range instanceIDs {
				agent, ok := agents[instanceID]
				if !ok || !agent.IsIdle() {
					continue
				}
				out[m] = append(out[m], idleCandidate{instanceID: instanceID, group: g, weight: weight(m)})
			}
		}
	}
	return out
}
