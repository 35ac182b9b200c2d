// Package lease provides a per-key mutual exclusion marker backed by
// coordination.k8s.io Lease objects. A lease expires after its duration, so
// a crashed holder cannot lock a key out forever.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

// ErrHeld is returned when another holder owns an unexpired lease.
var ErrHeld = errors.New("lease is held")

const namePrefix = "appswitch-"

// Locker acquires and releases leases in one namespace.
type Locker struct {
	Client    client.Client
	Namespace string
	Duration  time.Duration

	// Now is overridable for tests.
	Now func() time.Time
}

// Release frees a lease previously acquired.
type Release func()

func (l *Locker) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Acquire takes the lease for key on behalf of holder.
func (l *Locker) Acquire(ctx context.Context, key, holder string) (Release, error) {
	name := namePrefix + key
	now := metav1.NewMicroTime(l.now())
	seconds := int32(l.Duration / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: l.Namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "kubex-appswitch"},
		},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       ptr.To(holder),
			LeaseDurationSeconds: ptr.To(seconds),
			AcquireTime:          &now,
			RenewTime:            &now,
		},
	}

	err := l.Client.Create(ctx, lease)
	if err == nil {
		return l.releaser(name, holder), nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return nil, fmt.Errorf("failed to create lease %s: %w", name, err)
	}

	existing := &coordinationv1.Lease{}
	if err := l.Client.Get(ctx, client.ObjectKey{Name: name, Namespace: l.Namespace}, existing); err != nil {
		if apierrors.IsNotFound(err) {
			// Released between our create and get; the caller can retry.
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("failed to get lease %s: %w", name, err)
	}

	if !l.expired(existing) {
		return nil, fmt.Errorf("%w by %s", ErrHeld, ptr.Deref(existing.Spec.HolderIdentity, "unknown"))
	}

	logf.FromContext(ctx).Info("Taking over expired lease", "lease", name, "previousHolder", ptr.Deref(existing.Spec.HolderIdentity, ""))
	existing.Spec.HolderIdentity = ptr.To(holder)
	existing.Spec.LeaseDurationSeconds = ptr.To(seconds)
	existing.Spec.AcquireTime = &now
	existing.Spec.RenewTime = &now
	existing.Spec.LeaseTransitions = ptr.To(ptr.Deref(existing.Spec.LeaseTransitions, 0) + 1)
	if err := l.Client.Update(ctx, existing); err != nil {
		if apierrors.IsConflict(err) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("failed to take over lease %s: %w", name, err)
	}
	return l.releaser(name, holder), nil
}

func (l *Locker) expired(lease *coordinationv1.Lease) bool {
	if ptr.Deref(lease.Spec.HolderIdentity, "") == "" {
		return true
	}
	if lease.Spec.RenewTime == nil {
		return true
	}
	d := time.Duration(ptr.Deref(lease.Spec.LeaseDurationSeconds, 0)) * time.Second
	return lease.Spec.RenewTime.Add(d).Before(l.now())
}

func (l *Locker) releaser(name, holder string) Release {
	return func() {
		// Released after the caller's context may be gone.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		existing := &coordinationv1.Lease{}
		if err := l.Client.Get(ctx, client.ObjectKey{Name: name, Namespace: l.Namespace}, existing); err != nil {
			return
		}
		if ptr.Deref(existing.Spec.HolderIdentity, "") != holder {
			return
		}
		// A takeover after the Get changes the resource version and fails the delete.
		err := l.Client.Delete(ctx, existing, client.Preconditions{UID: &existing.UID, ResourceVersion: &existing.ResourceVersion})
		switch {
		case err == nil, apierrors.IsNotFound(err):
		case apierrors.IsConflict(err):
			logf.Log.V(1).Info("Lease changed hands before release", "lease", name, "holder", holder)
		default:
			logf.Log.Error(err, "failed to release lease", "lease", name)
		}
	}
}
