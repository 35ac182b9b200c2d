// Package registry is the access layer for Application records. Discovery
// upserts whole specs; every other writer patches only its own status fields
// so concurrent writers never clobber each other.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
)

// ErrNotFound is returned when no record exists for an app name.
var ErrNotFound = errors.New("application not found")

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// ObjectName maps an app name (usually a hostname) to a DNS-1123 label.
func ObjectName(appName string) string {
	n := strings.ToLower(strings.TrimSpace(appName))
	n = strings.ReplaceAll(n, ".", "-")
	n = invalidNameChars.ReplaceAllString(n, "-")
	n = strings.Trim(n, "-")
	if len(n) > 63 {
		n = strings.TrimRight(n[:63], "-")
	}
	return n
}

// Registry reads and writes Application records in one namespace.
type Registry struct {
	Client    client.Client
	Namespace string
}

// New returns a Registry bound to namespace.
func New(c client.Client, namespace string) *Registry {
	return &Registry{Client: c, Namespace: namespace}
}

// hashedName is the record name used when ObjectName(appName) is already
// taken by a different app, e.g. "shop.example.com" and "shop-example.com".
func hashedName(appName string) string {
	sum := sha256.Sum256([]byte(appName))
	suffix := hex.EncodeToString(sum[:])[:10]
	base := ObjectName(appName)
	if len(base) > 52 {
		base = strings.TrimRight(base[:52], "-")
	}
	if base == "" {
		return "app-" + suffix
	}
	return base + "-" + suffix
}

// recordNames lists the record names an app may live under, in order of preference.
func recordNames(appName string) []string {
	names := make([]string, 0, 2)
	if n := ObjectName(appName); n != "" {
		names = append(names, n)
	}
	return append(names, hashedName(appName))
}

// locate returns the record owned by appName, or nil and the first free
// candidate name when none exists yet.
func (r *Registry) locate(ctx context.Context, appName string) (*opsv1.Application, string, error) {
	free := ""
	for _, name := range recordNames(appName) {
		app := &opsv1.Application{}
		err := r.Client.Get(ctx, client.ObjectKey{Name: name, Namespace: r.Namespace}, app)
		switch {
		case apierrors.IsNotFound(err):
			if free == "" {
				free = name
			}
		case err != nil:
			return nil, "", fmt.Errorf("failed to get application %s: %w", appName, err)
		case app.Spec.AppName == appName:
			return app, name, nil
		}
	}
	if free == "" {
		return nil, "", fmt.Errorf("no free record name for application %s", appName)
	}
	return nil, free, nil
}

// Get looks up an application by app name.
func (r *Registry) Get(ctx context.Context, appName string) (*opsv1.Application, error) {
	app, _, err := r.find(ctx, appName)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, appName)
	}
	return app, nil
}

// find is locate with a fallback to records created by hand under any name.
func (r *Registry) find(ctx context.Context, appName string) (*opsv1.Application, string, error) {
	app, free, err := r.locate(ctx, appName)
	if err != nil || app != nil {
		return app, free, err
	}
	apps, err := r.Snapshot(ctx)
	if err != nil {
		return nil, "", err
	}
	for i := range apps {
		if apps[i].Spec.AppName == appName {
			return &apps[i], apps[i].Name, nil
		}
	}
	return nil, free, nil
}

// Snapshot lists every Application currently in the registry.
func (r *Registry) Snapshot(ctx context.Context) ([]opsv1.Application, error) {
	list := &opsv1.ApplicationList{}
	if err := r.Client.List(ctx, list, client.InNamespace(r.Namespace)); err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	return list.Items, nil
}

// Upsert creates the record for spec.AppName or replaces its spec. Status is
// left untouched.
func (r *Registry) Upsert(ctx context.Context, spec opsv1.ApplicationSpec) (*opsv1.Application, error) {
	l := logf.FromContext(ctx).WithValues("app", spec.AppName)
	if strings.TrimSpace(spec.AppName) == "" {
		return nil, fmt.Errorf("invalid app name %q", spec.AppName)
	}

	var result *opsv1.Application
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		current, name, err := r.find(ctx, spec.AppName)
		if err != nil {
			return err
		}
		if current == nil {
			app := &opsv1.Application{
				ObjectMeta: metav1.ObjectMeta{
					Name:      name,
					Namespace: r.Namespace,
					Labels:    map[string]string{"app.kubernetes.io/managed-by": "kubex-appswitch"},
				},
				Spec: spec,
			}
			if err := r.Client.Create(ctx, app); err != nil {
				return err
			}
			l.Info("Registered application", "record", name)
			result = app
			return nil
		}

		// Schedules and the manual override are user owned, discovery never resets them.
		if len(spec.Schedules) == 0 {
			spec.Schedules = current.Spec.Schedules
		}
		if spec.Active == nil {
			spec.Active = current.Spec.Active
		}
		current.Spec = spec
		if err := r.Client.Update(ctx, current); err != nil {
			return err
		}
		result = current
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert application %s: %w", spec.AppName, err)
	}
	return result, nil
}

// UpdateSchedule replaces the schedule fields of an application spec.
func (r *Registry) UpdateSchedule(ctx context.Context, appName string, schedules []opsv1.ScalingSchedule, active *bool) (*opsv1.Application, error) {
	var result *opsv1.Application
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		app, err := r.Get(ctx, appName)
		if err != nil {
			return err
		}
		app.Spec.Schedules = schedules
		app.Spec.Active = active
		if err := r.Client.Update(ctx, app); err != nil {
			return err
		}
		result = app
		return nil
	})
	return result, err
}

// PatchHealth writes the health fields only.
func (r *Registry) PatchHealth(ctx context.Context, appName string, health opsv1.HealthStatus, details []string, at time.Time) error {
	return r.patchStatus(ctx, appName, func(app *opsv1.Application) {
		app.Status.Health = health
		app.Status.HealthDetails = details
		app.Status.LastHealthCheck = metav1.NewTime(at)
	})
}

// SaveScales merges desired sizes into status.savedScales and minimum sizes
// into status.savedMinSizes. Existing entries for other groups are preserved.
func (r *Registry) SaveScales(ctx context.Context, appName string, desired, minimums map[string]int32) error {
	if len(desired) == 0 && len(minimums) == 0 {
		return nil
	}
	return r.patchStatus(ctx, appName, func(app *opsv1.Application) {
		app.Status.SavedScales = merge(app.Status.SavedScales, desired)
		app.Status.SavedMinSizes = merge(app.Status.SavedMinSizes, minimums)
	})
}

func merge(dst, src map[string]int32) map[string]int32 {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]int32, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// RecordOperation stores the summary of the latest start/stop.
func (r *Registry) RecordOperation(ctx context.Context, appName string, summary opsv1.OperationSummary) error {
	return r.patchStatus(ctx, appName, func(app *opsv1.Application) {
		app.Status.LastOperation = &summary
	})
}

func (r *Registry) patchStatus(ctx context.Context, appName string, mutate func(*opsv1.Application)) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		app, err := r.Get(ctx, appName)
		if err != nil {
			return err
		}
		base := app.DeepCopy()
		mutate(app)
		// Optimistic lock so a racing patch of the same field is retried, not lost.
		patch := client.MergeFromWithOptions(base, client.MergeFromWithOptimisticLock{})
		return r.Client.Status().Patch(ctx, app, patch)
	})
}
