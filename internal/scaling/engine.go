package scaling

import (
	"context"
	"fmt"
	"strings"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
)

// Size is the observed scale of one compute group.
type Size struct {
	Min     int32 `json:"min"`
	Max     int32 `json:"max"`
	Desired int32 `json:"desired"`
	Current int32 `json:"current"`
	Ready   int32 `json:"ready"`
	// Settled is false while the group is still converging on Desired.
	Settled bool `json:"settled"`
}

// Reached reports whether the group has converged on target.
func (s Size) Reached(target int32) bool {
	return s.Desired == target && s.Settled
}

// Scaler reads and changes the size of compute groups of one kind.
type Scaler interface {
	Describe(ctx context.Context, group opsv1.ComputeGroupRef) (Size, error)
	Scale(ctx context.Context, group opsv1.ComputeGroupRef, desired int32) error
}

// Engine dispatches compute groups to the scaler for their kind.
type Engine struct {
	Workloads  Scaler
	Nodegroups Scaler
}

// For returns the scaler handling group.
func (e *Engine) For(group opsv1.ComputeGroupRef) (Scaler, error) {
	switch group.Kind {
	case opsv1.ComputeKindDeployment, opsv1.ComputeKindStatefulSet:
		if e.Workloads != nil {
			return e.Workloads, nil
		}
	case opsv1.ComputeKindNodegroup:
		if e.Nodegroups != nil {
			return e.Nodegroups, nil
		}
	default:
		return nil, fmt.Errorf("unknown compute kind %q", group.Kind)
	}
	return nil, fmt.Errorf("no scaler configured for %s", group.Kind)
}

// Describe looks up the scaler for group and describes it.
func (e *Engine) Describe(ctx context.Context, group opsv1.ComputeGroupRef) (Size, error) {
	s, err := e.For(group)
	if err != nil {
		return Size{}, err
	}
	return s.Describe(ctx, group)
}

// Scale looks up the scaler for group and scales it.
func (e *Engine) Scale(ctx context.Context, group opsv1.ComputeGroupRef, desired int32) error {
	s, err := e.For(group)
	if err != nil {
		return err
	}
	return s.Scale(ctx, group, desired)
}

// ComputePhase summarises compute group sizes as one of:
// ScaledUp, ScalingUp, ScaledDown, ScalingDown, PartlyScaled
func ComputePhase(sizes []Size, targetActive bool) string {
	if len(sizes) == 0 {
		if targetActive {
			return "ScaledUp"
		}
		return "ScaledDown"
	}

	runningCount := 0 // desired > 0
	zeroCount := 0    // desired == 0 and nothing left running
	readyCount := 0   // desired > 0 and settled

	for _, s := range sizes {
		if s.Desired == 0 {
			if s.Current == 0 {
				zeroCount++
			}
			continue
		}
		runningCount++
		if s.Settled {
			readyCount++
		}
	}

	total := len(sizes)
	if zeroCount == total {
		return "ScaledDown"
	}
	if runningCount == total && readyCount == total {
		return "ScaledUp"
	}
	if targetActive {
		return "ScalingUp"
	}
	if runningCount > 0 && zeroCount > 0 {
		return "ScalingDown"
	}
	if runningCount > 0 && zeroCount == 0 {
		return "PartlyScaled"
	}
	return "ScalingDown"
}

// IsExcluded matches name against exact names and trailing-* prefixes.
func IsExcluded(name string, exclusions []string) bool {
	name = strings.TrimSpace(name)
	for _, ex := range exclusions {
		ex = strings.TrimSpace(ex)
		if ex == "" {
			continue
		}
		if ex == "*" {
			return true
		}
		if strings.HasSuffix(ex, "*") {
			if strings.HasPrefix(name, strings.TrimSuffix(ex, "*")) {
				return true
			}
		}
		if ex == name {
			return true
		}
	}
	return false
}
