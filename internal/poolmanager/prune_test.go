package poolmanager

import (
	"context"
	"testing"

	"github.com/openarun/clusterman/internal/cluster"
	"github.com/openarun/clusterman/internal/market"
	"github.com/openarun/clusterman/internal/resourcegroup"
)

func TestPrune_TerminatesIdleAgentsPreferringHeavierMarkets(t *testing.T) {
	heavy := market.New("c5.4xlarge", "us-east-1a") // weight 4
	light := market.New("t3.micro", "us-east-1a")   // weight 1

	g := &fakeGroup{
		id:        "g1",
		status:    resourcegroup.StatusActive,
		target:    5,
		fulfilled: 5,
		instances: []string{"i-heavy-1", "i-light-1"},
		marketByInstance: map[string]market.Market{
			"i-heavy-1": heavy,
			"i-light-1": light,
		},
		weight:  map[market.Market]float64{heavy: 4, light: 1},
		minSize: 1,
	}
	agents := &fakeAgentSource{agents: map[string]cluster.Agent{
		"i-heavy-1": {InstanceID: "i-heavy-1", AllocatedCPUs: 0},
		"i-light-1": {InstanceID: "i-light-1", AllocatedCPUs: 0},
	}}
	pm := New("prod", "general", PoolConfig{MinCapacity: 1, MaxCapacity: 100}, []resourcegroup.ResourceGroup{g}, agents, nil)

	terminated, err := pm.prune(context.Background(), 2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(terminated) != 1 || terminated[0] != "i-heavy-1" {
		t.Errorf("terminated = %v, want [i-heavy-1] (heaviest market first)", terminated)
	}
}

func TestPrune_NeverTerminatesNonIdleAgent(t *testing.T) {
	m := market.New("m5.large", "us-east-1a")
	g := &fakeGroup{
		id:        "g1",
		status:    resourcegroup.StatusActive,
		target:    1,
		fulfilled: 2,
		instances: []string{"i-busy", "i-idle"},
		marketByInstance: map[string]market.Market{
			"i-busy": m,
			"i-idle": m,
		},
		weight:  map[market.Market]float64{m: 1},
		minSize: 0,
	}
	agents := &fakeAgentSource{agents: map[string]cluster.Agent{
		"i-busy": {InstanceID: "i-busy", AllocatedCPUs: 4},
		"i-idle": {InstanceID: "i-idle", AllocatedCPUs: 0},
	}}
	pm := New("prod", "general", PoolConfig{MinCapacity: 0, MaxCapacity: 100}, []resourcegroup.ResourceGroup{g}, agents, nil)

	terminated, err := pm.prune(context.Background(), 1)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(terminated) != 1 || terminated[0] != "i-idle" {
		t.Errorf("terminated = %v, want [i-idle]", terminated)
	}
}

func TestPrune_NeverTerminatesUnownedInstance(t *testing.T) {
	m := market.New("m5.large", "us-east-1a")
	g := &fakeGroup{
		id:               "g1",
		status:           resourcegroup.StatusActive,
		target:           5,
		fulfilled:        1,
		instances:        []string{"i-owned"},
		marketByInstance: map[string]market.Market{"i-owned": m},
		weight:           map[market.Market]float64{m: 1},
		minSize:          0,
	}
	// i-unowned is known to the cluster manager but not part of any group.
	agents := &fakeAgentSource{agents: map[string]cluster.Agent{
		"i-owned":   {InstanceID: "i-owned", AllocatedCPUs: 0},
		"i-unowned": {InstanceID: "i-unowned", AllocatedCPUs: 0},
	}}
	pm := New("prod", "general", PoolConfig{MinCapacity: 0, MaxCapacity: 100}, []resourcegroup.ResourceGroup{g}, agents, nil)

	terminated, err := pm.prune(context.Background(), 0)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	for _, id := range terminated {
		if id == "i-unowned" {
			t.Fatalf("pruned an instance not owned by any group: %v", terminated)
		}
	}
}

func TestPrune_RespectsPoolFloor(t *testing.T) {
	m := market.New("m5.large", "us-east-1a")
	g := &fakeGroup{
		id:        "g1",
		status:    resourcegroup.StatusActive,
		target:    5,
		fulfilled: 2,
		instances: []string{"i-1", "i-2"},
		marketByInstance: map[string]market.Market{
			"i-1": m, "i-2": m,
		},
		weight:  map[market.Market]float64{m: 1},
		minSize: 0,
	}
	agents := &fakeAgentSource{agents: map[string]cluster.Agent{
		"i-1": {InstanceID: "i-1", AllocatedCPUs: 0},
		"i-2": {InstanceID: "i-2", AllocatedCPUs: 0},
	}}
	// pool min_capacity=2 equals current fulfilled capacity, so pruning must
	// not remove any instance even though target is lower.
	pm := New("prod", "general", PoolConfig{MinCapacity: 2, MaxCapacity: 100}, []resourcegroup.ResourceGroup{g}, agents, nil)

	terminated, err := pm.prune(context.Background(), 0)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(terminated) != 0 {
		t.Errorf("terminated = %v, want none (pool floor binds)", terminated)
	}
}
