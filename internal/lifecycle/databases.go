package lifecycle

import (
	"context"
	"errors"
	"fmt"

	logf "sigs.k8s.io/controller-runtime/pkg/log"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
	"github.com/migalsp/kubex-appswitch/internal/lease"
	"github.com/migalsp/kubex-appswitch/internal/registry"
	"github.com/migalsp/kubex-appswitch/internal/sharing"
)

// StopDatabase stops one database instance directly. It is refused with
// ErrSharedResourceProtected while more than one application references it.
func (c *Controller) StopDatabase(ctx context.Context, authz Authorization, engine opsv1.DatabaseEngine, id string) (*DatabaseResult, error) {
	return c.toggleOne(ctx, authz, engine, id, ActionStop)
}

// StartDatabase starts one database instance directly. Starting a shared
// instance is allowed since it cannot take anything away from its dependents.
func (c *Controller) StartDatabase(ctx context.Context, authz Authorization, engine opsv1.DatabaseEngine, id string) (*DatabaseResult, error) {
	return c.toggleOne(ctx, authz, engine, id, ActionStart)
}

func (c *Controller) toggleOne(ctx context.Context, authz Authorization, engine opsv1.DatabaseEngine, id string, action Action) (*DatabaseResult, error) {
	key := string(engine) + "/" + id
	l := logf.FromContext(ctx).WithValues("database", key, "action", action)

	if !authz.Granted {
		return nil, fmt.Errorf("%w: %q may not %s database %s", ErrUnauthorized, authz.Subject, action, key)
	}

	m, err := c.membership(ctx, engine, id)
	if err != nil {
		return nil, err
	}
	if action == ActionStop && m.IsShared() {
		c.Metrics.SharedSkip()
		return nil, &SharedResourceError{Key: key, Apps: m.Apps}
	}

	opID := c.newID()
	release, err := c.Locker.Acquire(ctx, registry.ObjectName("db-"+string(engine)+"-"+id), opID)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			c.Metrics.LeaseConflict()
			return nil, fmt.Errorf("%w: database %s", ErrAlreadyInProgress, key)
		}
		return nil, fmt.Errorf("failed to acquire lease for database %s: %w", key, err)
	}
	defer release()

	// Membership may have changed while waiting for the lease.
	if action == ActionStop {
		if m, err = c.membership(ctx, engine, id); err != nil {
			return nil, err
		}
		if m.IsShared() {
			c.Metrics.SharedSkip()
			return nil, &SharedResourceError{Key: key, Apps: m.Apps}
		}
	}

	res := &DatabaseResult{ID: id, Engine: engine, Type: m.Ref.Type}
	c.toggle(logf.IntoContext(ctx, l), m.Ref, action, res)
	c.observeDatabases([]DatabaseResult{*res})
	l.Info("Database operation finished", "status", res.Status, "appsUsing", m.Apps)
	return res, nil
}

func (c *Controller) membership(ctx context.Context, engine opsv1.DatabaseEngine, id string) (sharing.Membership, error) {
	snapshot, err := c.Registry.Snapshot(ctx)
	if err != nil {
		return sharing.Membership{}, err
	}
	m, ok := sharing.Build(snapshot)[opsv1.DatabaseRef{ID: id, Engine: engine}.Key()]
	if !ok {
		return m, fmt.Errorf("%w: database %s/%s is not referenced by any application", ErrNotFound, engine, id)
	}
	return m, nil
}
