// Package lifecycle starts and stops applications. A stop scales every compute
// group to zero and stops the databases the application owns exclusively;
// databases that other applications still reference are never touched.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
	"github.com/migalsp/kubex-appswitch/internal/database"
	"github.com/migalsp/kubex-appswitch/internal/lease"
	"github.com/migalsp/kubex-appswitch/internal/metrics"
	"github.com/migalsp/kubex-appswitch/internal/registry"
	"github.com/migalsp/kubex-appswitch/internal/scaling"
	"github.com/migalsp/kubex-appswitch/internal/sharing"
)

// maxParallel bounds concurrent calls to the cloud and Kubernetes APIs per operation.
const maxParallel = 8

// Authorization is the assertion established by the identity layer in front of
// the controller.
type Authorization struct {
	Subject string
	Granted bool
}

// Authorized returns a granted assertion for subject.
func Authorized(subject string) Authorization {
	return Authorization{Subject: subject, Granted: true}
}

// Locker takes a per-key lease.
type Locker interface {
	Acquire(ctx context.Context, key, holder string) (lease.Release, error)
}

// Options tunes an operation.
type Options struct {
	// DefaultRestoreSize is used on start when a group has neither a saved
	// size nor a configured default.
	DefaultRestoreSize int32
	Verify             bool
	VerifyTimeout      time.Duration
	VerifyInterval     time.Duration
	VerifyMaxInterval  time.Duration
	History            int
}

// Controller executes start and stop operations.
type Controller struct {
	Registry  *registry.Registry
	Compute   scaling.Scaler
	Databases database.Toggler
	Locker    Locker
	Metrics   *metrics.Recorder
	Options   Options

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string

	once    sync.Once
	history *history
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}

func (c *Controller) outcomes() *history {
	c.once.Do(func() { c.history = newHistory(c.Options.History) })
	return c.history
}

// Outcome returns a recent outcome by ID.
func (c *Controller) Outcome(id string) (*Outcome, bool) {
	return c.outcomes().get(id)
}

// Start brings an application up: exclusive databases first, then compute.
func (c *Controller) Start(ctx context.Context, authz Authorization, appName string) (*Outcome, error) {
	return c.run(ctx, authz, appName, ActionStart)
}

// Stop brings an application down: compute first, then exclusive databases.
func (c *Controller) Stop(ctx context.Context, authz Authorization, appName string) (*Outcome, error) {
	return c.run(ctx, authz, appName, ActionStop)
}

func (c *Controller) run(ctx context.Context, authz Authorization, appName string, action Action) (*Outcome, error) {
	l := logf.FromContext(ctx).WithValues("app", appName, "action", action)

	// VALIDATING
	if !authz.Granted {
		return nil, fmt.Errorf("%w: %q may not %s %s", ErrUnauthorized, authz.Subject, action, appName)
	}
	record, err := c.lookup(ctx, appName)
	if err != nil {
		return nil, err
	}

	// Keyed by record name, which stays unique when app names normalise alike.
	id := c.newID()
	release, err := c.Locker.Acquire(ctx, record.Name, id)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			c.Metrics.LeaseConflict()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyInProgress, appName)
		}
		return nil, fmt.Errorf("failed to acquire lease for %s: %w", appName, err)
	}
	defer release()

	// Re-read under the lease so saved scales written by a previous holder are seen.
	app, err := c.lookup(ctx, appName)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		ID:              id,
		AppName:         app.Spec.AppName,
		Action:          action,
		ComputeResults:  []ComputeResult{},
		DatabaseResults: []DatabaseResult{},
		StartedAt:       c.now(),
	}
	ctx = logf.IntoContext(ctx, l.WithValues("operation", id))
	l.Info("Starting operation", "operation", id, "computeGroups", len(app.Spec.ComputeGroups), "databases", len(app.Spec.DatabaseRefs))

	switch action {
	case ActionStop:
		out.ComputeResults = c.stopCompute(ctx, app)
		out.DatabaseResults = c.toggleDatabases(ctx, app, action, out)
	case ActionStart:
		out.DatabaseResults = c.toggleDatabases(ctx, app, action, out)
		out.ComputeResults = c.startCompute(ctx, app)
		if c.Options.Verify {
			c.verify(ctx, app, out)
		}
	}

	out.finish(c.now())
	c.record(ctx, l, out)
	return out, nil
}

func (c *Controller) lookup(ctx context.Context, appName string) (*opsv1.Application, error) {
	app, err := c.Registry.Get(ctx, appName)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("%w: application %s", ErrNotFound, appName)
		}
		return nil, err
	}
	return app, nil
}

// stopCompute records each group's desired and minimum size and scales it to zero.
// Groups already at zero are skipped and their saved size is left intact.
func (c *Controller) stopCompute(ctx context.Context, app *opsv1.Application) []ComputeResult {
	groups := app.Spec.ComputeGroups
	results := make([]ComputeResult, len(groups))
	sizes := c.describeAll(ctx, groups, results)

	saved := map[string]int32{}
	minimums := map[string]int32{}
	for i, g := range groups {
		if results[i].Status == "" && sizes[i].Desired > 0 {
			saved[g.Name] = sizes[i].Desired
			minimums[g.Name] = sizes[i].Min
		}
	}
	if err := c.Registry.SaveScales(ctx, app.Spec.AppName, saved, minimums); err != nil {
		// Without a saved size the group could not be restored; leave it running.
		for i, g := range groups {
			if _, ok := saved[g.Name]; ok {
				results[i].Status = StepFailed
				results[i].Error = (&ComputeScaleError{Group: g.Name, Err: fmt.Errorf("failed to save previous size: %w", err)}).Error()
			}
		}
	}

	c.fanOut(len(groups), func(i int) {
		if results[i].Status != "" {
			return
		}
		g := groups[i]
		results[i].From = sizes[i].Desired
		if sizes[i].Desired == 0 {
			results[i].Status = StepSkipped
			return
		}
		c.scale(ctx, g, 0, &results[i])
	})
	c.observeCompute(results)
	return results
}

// startCompute restores groups that are at zero. Running groups are skipped.
func (c *Controller) startCompute(ctx context.Context, app *opsv1.Application) []ComputeResult {
	groups := app.Spec.ComputeGroups
	results := make([]ComputeResult, len(groups))
	sizes := c.describeAll(ctx, groups, results)

	c.fanOut(len(groups), func(i int) {
		if results[i].Status != "" {
			return
		}
		g := groups[i]
		results[i].From = sizes[i].Desired
		if sizes[i].Desired > 0 {
			results[i].To = sizes[i].Desired
			results[i].Status = StepSkipped
			return
		}
		// Discovery observes a stopped group's minimum as zero
		if n, ok := app.Status.SavedMinSizes[g.Name]; ok {
			g.MinSize = n
		}
		c.scale(ctx, g, c.restoreSize(g, app.Status.SavedScales), &results[i])
	})
	c.observeCompute(results)
	return results
}

// restoreSize picks the saved size, then the group default, then the configured default.
func (c *Controller) restoreSize(g opsv1.ComputeGroupRef, saved map[string]int32) int32 {
	if n, ok := saved[g.Name]; ok && n > 0 {
		return n
	}
	if g.DefaultSize != nil && *g.DefaultSize > 0 {
		return *g.DefaultSize
	}
	if c.Options.DefaultRestoreSize > 0 {
		return c.Options.DefaultRestoreSize
	}
	return 1
}

func (c *Controller) describeAll(ctx context.Context, groups []opsv1.ComputeGroupRef, results []ComputeResult) []scaling.Size {
	sizes := make([]scaling.Size, len(groups))
	c.fanOut(len(groups), func(i int) {
		g := groups[i]
		results[i].Group = g.Name
		results[i].Kind = g.Kind
		size, err := c.Compute.Describe(ctx, g)
		if err != nil {
			results[i].Status = StepFailed
			results[i].Error = (&ComputeScaleError{Group: g.Name, Err: err}).Error()
			return
		}
		sizes[i] = size
	})
	return sizes
}

func (c *Controller) scale(ctx context.Context, g opsv1.ComputeGroupRef, to int32, res *ComputeResult) {
	res.To = to
	if err := c.Compute.Scale(ctx, g, to); err != nil {
		logf.FromContext(ctx).Error(err, "Failed to scale compute group", "group", g.Name, "to", to)
		res.Status = StepFailed
		res.Error = (&ComputeScaleError{Group: g.Name, Err: err}).Error()
		return
	}
	res.Status = StepSucceeded
}

// toggleDatabases evaluates sharing against a fresh registry snapshot and
// toggles only the instances this application owns exclusively.
func (c *Controller) toggleDatabases(ctx context.Context, app *opsv1.Application, action Action, out *Outcome) []DatabaseResult {
	refs := app.Spec.DatabaseRefs
	results := make([]DatabaseResult, len(refs))
	if len(refs) == 0 {
		return results
	}
	l := logf.FromContext(ctx)

	// EVALUATING_DATABASES
	snapshot, err := c.Registry.Snapshot(ctx)
	if err != nil {
		// Membership is unknown, so no instance can be proven exclusive.
		for i, ref := range refs {
			results[i] = DatabaseResult{ID: ref.ID, Engine: ref.Engine, Type: ref.Type, Status: StepFailed,
				Error: (&DatabaseToggleError{Key: ref.Key(), Err: fmt.Errorf("failed to evaluate sharing: %w", err)}).Error()}
		}
		c.observeDatabases(results)
		return results
	}

	eligible := make([]bool, len(refs))
	seen := map[string]bool{}
	for i, ref := range refs {
		results[i] = DatabaseResult{ID: ref.ID, Engine: ref.Engine, Type: ref.Type}
		if seen[ref.Key()] {
			results[i].Status = StepUnchanged
			continue
		}
		seen[ref.Key()] = true

		m := sharing.Dependents(snapshot, ref)
		if m.IsShared() {
			others := m.Others(app.Spec.AppName)
			results[i].Status = StepSkippedShared
			results[i].SharedWith = others
			out.warn(fmt.Sprintf("database %s was not %s: still used by %s",
				ref.ID, pastTense(action), strings.Join(others, ", ")))
			c.Metrics.SharedSkip()
			l.Info("Skipping shared database", "database", ref.Key(), "sharedWith", others)
			continue
		}
		eligible[i] = true
	}

	// TOGGLING_DATABASES
	c.fanOut(len(refs), func(i int) {
		if !eligible[i] {
			return
		}
		c.toggle(ctx, refs[i], action, &results[i])
	})
	c.observeDatabases(results)
	return results
}

func (c *Controller) toggle(ctx context.Context, ref opsv1.DatabaseRef, action Action, res *DatabaseResult) {
	l := logf.FromContext(ctx).WithValues("database", ref.Key())
	fail := func(err error) {
		l.Error(err, "Failed to toggle database", "action", action)
		res.Status = StepFailed
		res.Error = (&DatabaseToggleError{Key: ref.Key(), Err: err}).Error()
	}

	state, err := c.Databases.State(ctx, ref)
	if err != nil {
		fail(err)
		return
	}

	switch action {
	case ActionStop:
		if state == database.StateStopped || state == database.StateStopping {
			res.Status = StepUnchanged
			return
		}
		if err := c.Databases.Stop(ctx, ref); err != nil {
			fail(err)
			return
		}
		res.Status = StepStopped
	case ActionStart:
		if state == database.StateRunning || state == database.StateStarting {
			res.Status = StepUnchanged
			return
		}
		if err := c.Databases.Start(ctx, ref); err != nil {
			fail(err)
			return
		}
		res.Status = StepStarted
	}
}

// fanOut runs fn for every index and waits for all of them. Step errors are
// recorded in results, never returned, so one failure cannot cancel siblings.
func (c *Controller) fanOut(n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(maxParallel)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Controller) record(ctx context.Context, l logr.Logger, out *Outcome) {
	c.outcomes().add(out)
	c.Metrics.ObserveOperation(string(out.Action), string(out.OverallStatus), out.FinishedAt.Sub(out.StartedAt))

	if err := c.Registry.RecordOperation(ctx, out.AppName, out.Summary()); err != nil {
		l.Error(err, "Failed to record operation", "operation", out.ID)
	}
	l.Info("Operation finished", "operation", out.ID, "status", out.OverallStatus,
		"warnings", out.Warnings, "failures", out.Failures())
}

func (c *Controller) observeCompute(results []ComputeResult) {
	for _, r := range results {
		c.Metrics.ObserveStep("compute", string(r.Status))
	}
}

func (c *Controller) observeDatabases(results []DatabaseResult) {
	for _, r := range results {
		c.Metrics.ObserveStep("database", string(r.Status))
	}
}

func pastTense(a Action) string {
	if a == ActionStop {
		return "stopped"
	}
	return "started"
}
