// Package resourcegroup defines the uniform contract over heterogeneous
// cloud fleet types (spot fleets, auto scaling groups) that the pool
// manager balances capacity across, per spec.md §4.1.
package resourcegroup

import (
	"context"
	"errors"
	"fmt"

	"github.com/openarun/clusterman/internal/market"
)

// Status mirrors the lifecycle states a backend can report for itself.
type Status string

const (
	StatusActive               Status = "active"
	StatusModifying            Status = "modifying"
	StatusSubmitted            Status = "submitted"
	StatusCancelled            Status = "cancelled"
	StatusCancelledRunning     Status = "cancelled_running"
	StatusCancelledTerminating Status = "cancelled_terminating"
	StatusFailed               Status = "failed"
)

// Error is a per-group provider failure (spec.md §7: ResourceGroupError).
// It is always local: the pool manager logs it and continues with the
// remaining groups.
type Error struct {
	GroupID string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("resource group %s: %v", e.GroupID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrMarketProtected and ErrGroupProtected name the two reasons a
// termination candidate is skipped (spec.md §7). The pool manager's pruning
// pass skips such candidates directly and does not return these values.
var (
	ErrMarketProtected = errors.New("resourcegroup: market protected from further termination this pass")
	ErrGroupProtected  = errors.New("resourcegroup: group protected by its per-group minimum")
)

// ModifyOptions controls a single modify_target_capacity call.
type ModifyOptions struct {
	// TerminateExcess asks the backend to apply its excess-capacity
	// termination policy when scaling down, instead of merely lowering the
	// advertised target and waiting for natural attrition.
	TerminateExcess bool
	// DryRun, when true, makes the call a no-op: no backend state changes.
	DryRun bool
}

// ResourceGroup is the contract every cloud fleet backend implements.
// Backends are created by Load (registry.go) once at startup and are kept by
// the pool manager across every control loop tick; the core never mutates a
// group except through ModifyTargetCapacity and TerminateInstancesByID.
type ResourceGroup interface {
	// ID returns the backend's opaque identifier.
	ID() string

	// Status reports the backend's current lifecycle state.
	Status() Status

	// IsStale reports whether the group has been marked for decommissioning.
	// A stale group's target is always treated as 0 and it is excluded from
	// rebalancing.
	IsStale() bool

	// TargetCapacity returns the currently requested weighted size.
	TargetCapacity() float64

	// FulfilledCapacity returns the currently delivered weighted size.
	FulfilledCapacity() float64

	// InstanceIDs returns a snapshot of current membership.
	InstanceIDs() []string

	// MarketWeight returns the weight one instance in the given market
	// contributes to this group's capacity. Zero means the group cannot
	// host that market at all.
	MarketWeight(m market.Market) float64

	// MarketCapacities returns the total weight currently held in each
	// market this group has instances in.
	MarketCapacities() map[market.Market]float64

	// InstancesByMarket groups this group's current member instance ids by
	// the market each instance belongs to. Used by the pool manager's
	// pruning pass to classify idle instances by market (spec.md §4.2.2).
	InstancesByMarket() map[market.Market][]string

	// ModifyTargetCapacity sets the backend's desired size. The ASG backend
	// clamps it to the group's (MinSize, MaxSize) and logs the clamping; the
	// spot-fleet backend applies the target as given, without clamping.
	// DryRun causes no side effects.
	ModifyTargetCapacity(ctx context.Context, newTarget float64, opts ModifyOptions) error

	// TerminateInstancesByID terminates only ids this group currently owns
	// and returns the subset actually terminated. Implementations must
	// filter out any id not present in InstanceIDs(); callers may rely on
	// that filtering instead of re-checking ownership themselves.
	TerminateInstancesByID(ctx context.Context, ids []string) ([]string, error)
}

// ownedSubset filters ids down to those present in owned, logging the ones
// that were dropped. Shared by every backend's TerminateInstancesByID so the
// ownership guard in spec.md §4.1 is enforced uniformly.
func ownedSubset(ids []string, owned []string) (kept []string, dropped []string) {
	ownedSet := make(map[string]struct{}, len(owned))
	for _, id := range owned {
		ownedSet[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := ownedSet[id]; ok {
			kept = append(kept, id)
		} else {
			dropped = append(dropped, id)
		}
	}
	return kept, dropped
}
