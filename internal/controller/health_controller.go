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
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
	"github.com/migalsp/kubex-appswitch/internal/database"
	"github.com/migalsp/kubex-appswitch/internal/registry"
	"github.com/migalsp/kubex-appswitch/internal/scaling"
)

// HealthReconciler derives Application health from compute and database state.
// It only ever writes the health fields of the status.
type HealthReconciler struct {
	client.Client
	Scheme    *runtime.Scheme
	Registry  *registry.Registry
	Compute   scaling.Scaler
	Databases database.Toggler
	Interval  time.Duration
	Now       func() time.Time
}

// +kubebuilder:rbac:groups=ops.kubex.io,resources=applications,verbs=get;list;watch
// +kubebuilder:rbac:groups=ops.kubex.io,resources=applications/status,verbs=get;update;patch

func (r *HealthReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	l := logf.FromContext(ctx)

	app := &opsv1.Application{}
	if err := r.Get(ctx, req.NamespacedName, app); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	health, details := r.evaluate(ctx, app)
	if health != app.Status.Health {
		l.Info("Health changed", "app", app.Spec.AppName, "from", app.Status.Health, "to", health, "details", details)
	}

	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	if err := r.Registry.PatchHealth(ctx, app.Spec.AppName, health, details, now); err != nil {
		return ctrl.Result{}, err
	}
	return ctrl.Result{RequeueAfter: r.interval()}, nil
}

func (r *HealthReconciler) interval() time.Duration {
	if r.Interval > 0 {
		return r.Interval
	}
	return time.Minute
}

// evaluate returns UP when every group is ready and every database running,
// DOWN when no group is serving, DEGRADED in between and UNKNOWN when nothing
// could be observed.
func (r *HealthReconciler) evaluate(ctx context.Context, app *opsv1.Application) (opsv1.HealthStatus, []string) {
	var details []string
	total := len(app.Spec.ComputeGroups) + len(app.Spec.DatabaseRefs)
	if total == 0 {
		return opsv1.HealthUnknown, []string{"no compute groups or databases registered"}
	}

	var observed, serving, notReady, stoppedDB int
	for _, g := range app.Spec.ComputeGroups {
		size, err := r.Compute.Describe(ctx, g)
		if err != nil {
			details = append(details, fmt.Sprintf("compute group %s: %v", g.Name, err))
			continue
		}
		observed++
		switch {
		case size.Desired > 0 && size.Ready >= size.Desired:
			serving++
		case size.Desired == 0:
			notReady++
			details = append(details, fmt.Sprintf("compute group %s is scaled to zero", g.Name))
		default:
			notReady++
			details = append(details, fmt.Sprintf("compute group %s has %d/%d ready", g.Name, size.Ready, size.Desired))
		}
	}
	for _, ref := range app.Spec.DatabaseRefs {
		state, err := r.Databases.State(ctx, ref)
		if err != nil {
			details = append(details, fmt.Sprintf("database %s: %v", ref.ID, err))
			continue
		}
		observed++
		if state != database.StateRunning {
			stoppedDB++
			details = append(details, fmt.Sprintf("database %s is %s", ref.ID, state))
		}
	}

	switch {
	case observed == 0:
		return opsv1.HealthUnknown, details
	case len(app.Spec.ComputeGroups) > 0 && serving == 0:
		return opsv1.HealthDown, details
	case len(app.Spec.ComputeGroups) == 0 && stoppedDB == len(app.Spec.DatabaseRefs):
		return opsv1.HealthDown, details
	case observed == total && notReady == 0 && stoppedDB == 0:
		return opsv1.HealthUp, nil
	}
	return opsv1.HealthDegraded, details
}

// SetupWithManager ignores status-only updates; the periodic requeue drives polling.
func (r *HealthReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&opsv1.Application{}, builder.WithPredicates(predicate.GenerationChangedPredicate{})).
		Named("health").
		Complete(r)
}
