package poolmanager

import (
	"context"

	"github.com/openarun/clusterman/internal/cluster"
	"github.com/openarun/clusterman/internal/market"
	"github.com/openarun/clusterman/internal/resourcegroup"
)

// fakeGroup is a hand-rolled in-memory ResourceGroup used across poolmanager
// tests, standing in for a real cloud backend.
type fakeGroup struct {
	id                 string
	status             resourcegroup.Status
	stale              bool
	target             float64
	fulfilled          float64
	instances          []string
	marketByInstance   map[string]market.Market
	weight             map[market.Market]float64
	modifyCalls        []modifyCall
	terminateCalls     [][]string
	minSize            float64
}

type modifyCall struct {
	target float64
	opts   resourcegroup.ModifyOptions
}

func (g *fakeGroup) ID() string                 { return g.id }
func (g *fakeGroup) Status() resourcegroup.Status { return g.status }
func (g *fakeGroup) IsStale() bool              { return g.stale }
func (g *fakeGroup) TargetCapacity() float64    { return g.target }
func (g *fakeGroup) FulfilledCapacity() float64 { return g.fulfilled }
func (g *fakeGroup) InstanceIDs() []string      { return g.instances }

func (g *fakeGroup) MarketWeight(m market.Market) float64 { return g.weight[m] }

func (g *fakeGroup) MarketCapacities() map[market.Market]float64 {
	totals := make(map[market.Market]float64)
	for _, id := range g.instances {
		m, ok := g.marketByInstance[id]
		if !ok {
			continue
		}
		totals[m] += g.weight[m]
	}
	return totals
}

func (g *fakeGroup) InstancesByMarket() map[market.Market][]string {
	grouped := make(map[market.Market][]string)
	for _, id := range g.instances {
		m, ok := g.marketByInstance[id]
		if !ok {
			continue
		}
		grouped[m] = append(grouped[m], id)
	}
	return grouped
}

func (g *fakeGroup) ModifyTargetCapacity(ctx context.Context, newTarget float64, opts resourcegroup.ModifyOptions) error {
	g.modifyCalls = append(g.modifyCalls, modifyCall{target: newTarget, opts: opts})
	if opts.DryRun {
		return nil
	}
	if newTarget < g.minSize {
		newTarget = g.minSize
	}
	g.target = newTarget
	return nil
}

func (g *fakeGroup) TerminateInstancesByID(ctx context.Context, ids []string) ([]string, error) {
	owned := make(map[string]bool, len(g.instances))
	for _, id := range g.instances {
		owned[id] = true
	}
	var terminated []string
	var remaining []string
	removedWeight := 0.0
	for _, id := range g.instances {
		shouldTerminate := false
		for _, target := range ids {
			if target == id {
				shouldTerminate = true
				break
			}
		}
		if shouldTerminate {
			terminated = append(terminated, id)
			if m, ok := g.marketByInstance[id]; ok {
				removedWeight += g.weight[m]
			}
		} else {
			remaining = append(remaining, id)
		}
	}
	g.instances = remaining
	g.fulfilled -= removedWeight
	g.terminateCalls = append(g.terminateCalls, terminated)
	return terminated, nil
}

var _ resourcegroup.ResourceGroup = (*fakeGroup)(nil)

// fakeAgentSource is a hand-rolled cluster.AgentSource backed by a fixed map.
type fakeAgentSource struct {
	agents map[string]cluster.Agent
}

func (f *fakeAgentSource) Agents() (map[string]cluster.Agent, error) {
	return f.agents, nil
}

var _ cluster.AgentSource = (*fakeAgentSource)(nil)
