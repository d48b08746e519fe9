// Package market defines the (instance type, availability zone) unit that
// resource-group capacity is accounted in, and the static instance-type
// metadata needed to convert between weight units and CPUs.
package market

import "fmt"

// Market is an immutable pair identifying a machine class in a specific
// availability zone. Two markets are equal iff both fields match.
type Market struct {
	InstanceType string
	Zone         string
}

// New returns a Market for the given instance type and zone.
func New(instanceType, zone string) Market {
	return Market{InstanceType: instanceType, Zone: zone}
}

// String renders the market the way clusterman log lines do:
// "<instance_type>,<zone>".
func (m Market) String() string {
	return fmt.Sprintf("%s,%s", m.InstanceType, m.Zone)
}

// Less provides a deterministic total order over markets, used to break ties
// in the pruning algorithm (§4.2.2) and in tests that compare sorted output.
func (m Market) Less(other Market) bool {
	if m.InstanceType != other.InstanceType {
		return m.InstanceType < other.InstanceType
	}
	return m.Zone < other.Zone
}

// instanceCPUs is a static table of well-known EC2 instance type vCPU
// counts, the Go equivalent of clusterman's EC2_INSTANCE_TYPES table. It is
// intentionally small: only instance families that show up in fixtures and
// tests are listed. Unknown instance types report 0 CPUs and callers should
// treat that as "unknown," not "free."
var instanceCPUs = map[string]int{
	"t3.micro":    2,
	"t3.small":    2,
	"t3.medium":   2,
	"t3.large":    2,
	"t3.xlarge":   4,
	"m5.large":    2,
	"m5.xlarge":   4,
	"m5.2xlarge":  8,
	"m5.4xlarge":  16,
	"m5.8xlarge":  32,
	"c5.large":    2,
	"c5.xlarge":   4,
	"c5.2xlarge":  8,
	"c5.4xlarge":  16,
	"c5.9xlarge":  36,
	"r5.large":    2,
	"r5.xlarge":   4,
	"r5.2xlarge":  8,
	"r5.4xlarge":  16,
}

// CPUs returns the known vCPU count for an instance type, and whether the
// type was found in the static table.
func CPUs(instanceType string) (int, bool) {
	cpus, ok := instanceCPUs[instanceType]
	return cpus, ok
}

// WeightToCPUs converts a weight expressed in abstract units into a CPU
// count using the pool's cpus_per_weight legacy conversion factor
// (AutoscalingConfig.CPUsPerWeight). This only matters for signals that
// express requested resources in raw CPUs while a pool's resource groups
// report capacity in fleet-specific weight units.
func WeightToCPUs(weight float64, cpusPerWeight int) float64 {
	if cpusPerWeight <= 0 {
		cpusPerWeight = 1
	}
	return weight * float64(cpusPerWeight)
}

// CPUsToWeight is the inverse of WeightToCPUs.
func CPUsToWeight(cpus float64, cpusPerWeight int) float64 {
	if cpusPerWeight <= 0 {
		cpusPerWeight = 1
	}
	return cpus / float64(cpusPerWeight)
}
