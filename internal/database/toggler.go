// Package database stops and starts database instances without ever deleting them.
package database

import (
	"context"
	"errors"
	"fmt"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
)

// State is the normalised run state of a database instance.
type State string

const (
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateStopping State = "stopping"
	StateUnknown  State = "unknown"
)

// ErrTransitioning is returned when an instance is moving in the opposite
// direction of the requested toggle and cannot accept it yet.
var ErrTransitioning = errors.New("instance is transitioning")

// Toggler stops and starts database instances of one engine.
type Toggler interface {
	State(ctx context.Context, ref opsv1.DatabaseRef) (State, error)
	Stop(ctx context.Context, ref opsv1.DatabaseRef) error
	Start(ctx context.Context, ref opsv1.DatabaseRef) error
}

// Router dispatches to the toggler registered for a ref's engine.
type Router struct {
	RDS          Toggler
	StatefulSets Toggler
}

func (r *Router) For(ref opsv1.DatabaseRef) (Toggler, error) {
	var t Toggler
	switch ref.Engine {
	case opsv1.DatabaseEngineRDS:
		t = r.RDS
	case opsv1.DatabaseEngineStatefulSet:
		t = r.StatefulSets
	default:
		return nil, fmt.Errorf("unknown database engine %q", ref.Engine)
	}
	if t == nil {
		return nil, fmt.Errorf("no toggler configured for engine %s", ref.Engine)
	}
	return t, nil
}

func (r *Router) State(ctx context.Context, ref opsv1.DatabaseRef) (State, error) {
	t, err := r.For(ref)
	if err != nil {
		return StateUnknown, err
	}
	return t.State(ctx, ref)
}

func (r *Router) Stop(ctx context.Context, ref opsv1.DatabaseRef) error {
	t, err := r.For(ref)
	if err != nil {
		return err
	}
	return t.Stop(ctx, ref)
}

func (r *Router) Start(ctx context.Context, ref opsv1.DatabaseRef) error {
	t, err := r.For(ref)
	if err != nil {
		return err
	}
	return t.Start(ctx, ref)
}
