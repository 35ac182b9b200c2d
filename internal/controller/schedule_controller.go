/*
Copyright 2026 migalsp.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"errors"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
	"github.com/migalsp/kubex-appswitch/internal/database"
	"github.com/migalsp/kubex-appswitch/internal/lifecycle"
	"github.com/migalsp/kubex-appswitch/internal/scaling"
)

// Switcher starts and stops applications.
type Switcher interface {
	Start(ctx context.Context, authz lifecycle.Authorization, appName string) (*lifecycle.Outcome, error)
	Stop(ctx context.Context, authz lifecycle.Authorization, appName string) (*lifecycle.Outcome, error)
}

// SchedulerSubject is the identity used for schedule driven operations.
const SchedulerSubject = "system:scheduler"

// ScheduleReconciler starts and stops Applications according to their
// schedule windows and manual override.
type ScheduleReconciler struct {
	client.Client
	Scheme  *runtime.Scheme
	Compute scaling.Scaler
	// Databases, when set, gives apps without compute groups a phase.
	Databases database.Toggler
	Switcher  Switcher
	Recorder  record.EventRecorder
	// Now is overridable for tests.
	Now func() time.Time
}

// +kubebuilder:rbac:groups=ops.kubex.io,resources=applications,verbs=get;list;watch
// +kubebuilder:rbac:groups=ops.kubex.io,resources=applications/status,verbs=get;update;patch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch
// +kubebuilder:rbac:groups=coordination.k8s.io,resources=leases,verbs=get;list;create;update;delete

func (r *ScheduleReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	l := logf.FromContext(ctx)

	// 1. Fetch the Application
	app := &opsv1.Application{}
	if err := r.Get(ctx, req.NamespacedName, app); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	// Nothing to enforce without a schedule or override
	if !scaling.HasSchedule(app.Spec.Schedules) && app.Spec.Active == nil {
		return ctrl.Result{}, nil
	}

	// 2. Determine desired state
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	targetActive := scaling.IsActiveAt(app.Spec.Schedules, app.Spec.Active, now)

	// 3. Observe the current phase
	sizes := make([]scaling.Size, 0, len(app.Spec.ComputeGroups))
	for _, g := range app.Spec.ComputeGroups {
		size, err := r.Compute.Describe(ctx, g)
		if err != nil {
			l.Error(err, "failed to describe compute group", "group", g.Name)
			return ctrl.Result{RequeueAfter: time.Minute}, nil
		}
		sizes = append(sizes, size)
	}
	dbOnly := len(app.Spec.ComputeGroups) == 0 && len(app.Spec.DatabaseRefs) > 0 && r.Databases != nil
	if dbOnly {
		for _, ref := range app.Spec.DatabaseRefs {
			state, err := r.Databases.State(ctx, ref)
			size, known := databaseSize(state)
			if err != nil || !known {
				l.Info("Database state unknown, retrying later", "database", ref.Key(), "error", err)
				return ctrl.Result{RequeueAfter: time.Minute}, nil
			}
			sizes = append(sizes, size)
		}
	}
	phase := scaling.ComputePhase(sizes, targetActive)

	l.V(1).Info("Reconciling schedule", "app", app.Spec.AppName, "targetActive", targetActive, "phase", phase)

	// 4. Act only on a settled mismatch; transitions in flight are left alone.
	var action lifecycle.Action
	switch {
	case targetActive && phase == "ScaledDown":
		action = lifecycle.ActionStart
	case !targetActive && (phase == "ScaledUp" || phase == "PartlyScaled"):
		action = lifecycle.ActionStop
	default:
		return ctrl.Result{RequeueAfter: time.Minute}, nil
	}
	// Shared databases are never toggled, so repeating a clean run changes nothing.
	if dbOnly && repeatsLastOperation(app, action) {
		l.V(1).Info("Databases unchanged since last clean run", "app", app.Spec.AppName, "action", action)
		return ctrl.Result{RequeueAfter: time.Minute}, nil
	}

	authz := lifecycle.Authorized(SchedulerSubject)
	var out *lifecycle.Outcome
	var err error
	if action == lifecycle.ActionStart {
		out, err = r.Switcher.Start(ctx, authz, app.Spec.AppName)
	} else {
		out, err = r.Switcher.Stop(ctx, authz, app.Spec.AppName)
	}
	if err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyInProgress) {
			l.Info("Operation already in progress, retrying later", "app", app.Spec.AppName)
			return ctrl.Result{RequeueAfter: 30 * time.Second}, nil
		}
		return ctrl.Result{}, err
	}

	eventType := corev1.EventTypeNormal
	if out.OverallStatus != lifecycle.StatusSucceeded {
		eventType = corev1.EventTypeWarning
	}
	if r.Recorder != nil {
		reason := "ScheduledStop"
		if action == lifecycle.ActionStart {
			reason = "ScheduledStart"
		}
		r.Recorder.Eventf(app, eventType, reason, "scheduled %s finished %s (operation %s)", action, out.OverallStatus, out.ID)
	}

	// Back off after an unclean outcome
	if out.OverallStatus != lifecycle.StatusSucceeded {
		return ctrl.Result{RequeueAfter: 5 * time.Minute}, nil
	}

	// Check again in 1 minute for schedule changes
	return ctrl.Result{RequeueAfter: time.Minute}, nil
}

// databaseSize maps a database state onto a one-unit size so ComputePhase can rate it.
func databaseSize(state database.State) (scaling.Size, bool) {
	switch state {
	case database.StateRunning:
		return scaling.Size{Desired: 1, Current: 1, Ready: 1, Settled: true}, true
	case database.StateStarting:
		return scaling.Size{Desired: 1}, true
	case database.StateStopped:
		return scaling.Size{Settled: true}, true
	case database.StateStopping:
		return scaling.Size{Current: 1}, true
	}
	return scaling.Size{}, false
}

func repeatsLastOperation(app *opsv1.Application, action lifecycle.Action) bool {
	last := app.Status.LastOperation
	return last != nil && last.Action == string(action) && last.OverallStatus == string(lifecycle.StatusSucceeded)
}

// SetupWithManager sets up the controller with the Manager.
func (r *ScheduleReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&opsv1.Application{}, builder.WithPredicates(predicate.GenerationChangedPredicate{})).
		Named("schedule").
		Complete(r)
}
