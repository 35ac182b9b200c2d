package database

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
)

// RestoreReplicasAnnotation remembers the replica count of a stopped database.
const RestoreReplicasAnnotation = "kubex.io/restore-replicas"

// StatefulSetToggler runs in-cluster databases (e.g. Neo4j) by scaling their
// StatefulSet between zero and its previous replica count.
type StatefulSetToggler struct {
	Client client.Client
}

func parseID(id string) (client.ObjectKey, error) {
	ns, name, ok := strings.Cut(id, "/")
	if !ok || ns == "" || name == "" {
		return client.ObjectKey{}, fmt.Errorf("statefulset database id %q must be namespace/name", id)
	}
	return client.ObjectKey{Namespace: ns, Name: name}, nil
}

func (t *StatefulSetToggler) get(ctx context.Context, ref opsv1.DatabaseRef) (*appsv1.StatefulSet, error) {
	key, err := parseID(ref.ID)
	if err != nil {
		return nil, err
	}
	sts := &appsv1.StatefulSet{}
	if err := t.Client.Get(ctx, key, sts); err != nil {
		return nil, err
	}
	return sts, nil
}

func statefulSetState(sts *appsv1.StatefulSet) State {
	desired := int32(1)
	if sts.Spec.Replicas != nil {
		desired = *sts.Spec.Replicas
	}
	if desired == 0 {
		if sts.Status.Replicas == 0 {
			return StateStopped
		}
		return StateStopping
	}
	if sts.Status.ReadyReplicas >= desired {
		return StateRunning
	}
	return StateStarting
}

func (t *StatefulSetToggler) State(ctx context.Context, ref opsv1.DatabaseRef) (State, error) {
	sts, err := t.get(ctx, ref)
	if err != nil {
		return StateUnknown, err
	}
	return statefulSetState(sts), nil
}

// Stop saves the replica count in an annotation and scales to zero.
func (t *StatefulSetToggler) Stop(ctx context.Context, ref opsv1.DatabaseRef) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		sts, err := t.get(ctx, ref)
		if err != nil {
			return err
		}
		if sts.Spec.Replicas != nil && *sts.Spec.Replicas == 0 {
			return nil
		}
		current := int32(1)
		if sts.Spec.Replicas != nil {
			current = *sts.Spec.Replicas
		}
		base := sts.DeepCopy()
		if sts.Annotations == nil {
			sts.Annotations = map[string]string{}
		}
		sts.Annotations[RestoreReplicasAnnotation] = strconv.Itoa(int(current))
		zero := int32(0)
		sts.Spec.Replicas = &zero

		log.FromContext(ctx).Info("Stopping statefulset database", "id", ref.ID, "replicas", current)
		return t.Client.Patch(ctx, sts, client.MergeFromWithOptions(base, client.MergeFromWithOptimisticLock{}))
	})
}

// Start restores the annotated replica count, or one replica.
func (t *StatefulSetToggler) Start(ctx context.Context, ref opsv1.DatabaseRef) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		sts, err := t.get(ctx, ref)
		if err != nil {
			return err
		}
		if sts.Spec.Replicas == nil || *sts.Spec.Replicas > 0 {
			return nil
		}
		restore := int32(1)
		if v, ok := sts.Annotations[RestoreReplicasAnnotation]; ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				restore = int32(n)
			}
		}
		base := sts.DeepCopy()
		sts.Spec.Replicas = &restore
		delete(sts.Annotations, RestoreReplicasAnnotation)

		log.FromContext(ctx).Info("Starting statefulset database", "id", ref.ID, "replicas", restore)
		return t.Client.Patch(ctx, sts, client.MergeFromWithOptions(base, client.MergeFromWithOptimisticLock{}))
	})
}
