// Package cluster defines the core's only contract with the cluster manager
// that agents register with. The cluster manager itself — its scheduler,
// its API, its health checks — is an external collaborator (spec.md §1) and
// out of scope; this package exposes just enough surface for the pool
// manager to classify instances as idle, orphaned, or running.
package cluster

// AgentState classifies a cloud instance relative to the cluster manager's
// view of the world.
type AgentState string

const (
	// AgentIdle is a registered agent reporting zero allocated CPU.
	AgentIdle AgentState = "idle"
	// AgentOrphaned is a cloud instance with no corresponding registered agent.
	AgentOrphaned AgentState = "orphaned"
	// AgentRunning is a registered agent with non-zero allocated CPU.
	AgentRunning AgentState = "running"
	// AgentUnknown covers instances the cluster manager can't classify, e.g.
	// because they have no known private IP yet.
	AgentUnknown AgentState = "unknown"
)

// Agent is a single cluster-manager-known agent, keyed by the instance ID of
// the cloud instance it runs on.
type Agent struct {
	InstanceID    string
	AllocatedCPUs float64
}

// IsIdle reports whether this agent is currently unallocated.
func (a Agent) IsIdle() bool {
	return a.AllocatedCPUs == 0
}

// AgentSource is the read-only interface the core needs from the cluster
// manager: the current set of known agents, keyed by the EC2/cloud instance
// ID they run on. Implementations talk to whatever scheduler API the
// deployment uses; none is specified here.
type AgentSource interface {
	// Agents returns the current agent roster, keyed by instance ID.
	Agents() (map[string]Agent, error)
}

// StateForInstance classifies an instance ID against the known agent
// roster: orphaned if absent, idle if present with zero allocated CPU,
// running otherwise.
func StateForInstance(instanceID string, agents map[string]Agent) AgentState {
	agent, ok := agents[instanceID]
	if !ok {
		return AgentOrphaned
	}
	if agent.IsIdle() {
		return AgentIdle
	}
	return AgentRunning
}
