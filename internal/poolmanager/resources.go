package poolmanager

import (
	"fmt"
)

// NonOrphanFulfilledCapacity sums fulfilled capacity across every group,
// excluding instances with no corresponding registered agent (orphaned,
// per GLOSSARY). The autoscaling loop scales off this total rather than
// target_capacity so that a resource-group roll doesn't overshoot: a
// replacement group's newly-launched, not-yet-orphaned instances count
// immediately, but instances the cluster manager hasn't heard about yet do
// not.
func (p *PoolManager) NonOrphanFulfilledCapacity() (float64, error) {
	if p.agents == nil {
		return p.TotalFulfilledCapacity(), nil
	}
	agents, err := p.agents.Agents()
	if err != nil {
		return 0, fmt.Errorf("fetching agent roster: %w", err)
	}

	var total float64
	for _, g := range p.groups {
		weight := g.MarketWeight
		for m, instanceIDs := range g.InstancesByMarket() {
			for _, instanceID := range instanceIDs {
				if _, ok := agents[instanceID]; ok {
					total += weight(m)
				}
			}
		}
	}
	return total, nil
}
