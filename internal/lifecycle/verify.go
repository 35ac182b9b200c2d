package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
	"github.com/migalsp/kubex-appswitch/internal/database"
)

// verify polls the resources started by this operation until they are running
// or the timeout elapses. A timeout adds a warning; issued calls are never undone.
func (c *Controller) verify(ctx context.Context, app *opsv1.Application, out *Outcome) {
	groups := map[string]opsv1.ComputeGroupRef{}
	for _, g := range app.Spec.ComputeGroups {
		groups[g.Name] = g
	}
	refs := map[string]opsv1.DatabaseRef{}
	for _, r := range app.Spec.DatabaseRefs {
		refs[r.Key()] = r
	}

	type pendingCompute struct {
		group  opsv1.ComputeGroupRef
		target int32
	}
	var compute []pendingCompute
	for _, r := range out.ComputeResults {
		if r.Status == StepSucceeded {
			compute = append(compute, pendingCompute{group: groups[r.Group], target: r.To})
		}
	}
	var dbs []opsv1.DatabaseRef
	for _, r := range out.DatabaseResults {
		if r.Status == StepStarted {
			dbs = append(dbs, refs[string(r.Engine)+"/"+r.ID])
		}
	}
	if len(compute) == 0 && len(dbs) == 0 {
		return
	}

	timeout := c.Options.VerifyTimeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	if c.Options.VerifyInterval > 0 {
		b.InitialInterval = c.Options.VerifyInterval
	}
	if c.Options.VerifyMaxInterval > 0 {
		b.MaxInterval = c.Options.VerifyMaxInterval
	}
	// The context deadline bounds polling.
	b.MaxElapsedTime = 0

	var waiting []string
	check := func() error {
		waiting = waiting[:0]
		for _, p := range compute {
			size, err := c.Compute.Describe(ctx, p.group)
			if err != nil || !size.Reached(p.target) {
				waiting = append(waiting, "compute group "+p.group.Name)
			}
		}
		for _, ref := range dbs {
			state, err := c.Databases.State(ctx, ref)
			if err != nil || state != database.StateRunning {
				waiting = append(waiting, "database "+ref.ID)
			}
		}
		if len(waiting) > 0 {
			return fmt.Errorf("waiting for %s", strings.Join(waiting, ", "))
		}
		return nil
	}

	if err := backoff.Retry(check, backoff.WithContext(b, ctx)); err != nil {
		logf.FromContext(ctx).Info("Verification did not converge", "waiting", waiting, "timeout", timeout)
		out.converging = true
		out.warn(fmt.Sprintf("%v: %s", ErrPartialTimeout, strings.Join(waiting, ", ")))
	}
}
