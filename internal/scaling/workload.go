package scaling

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
)

// WorkloadScaler scales Deployments and StatefulSets through their replica count.
type WorkloadScaler struct {
	Client client.Client
}

func (s *WorkloadScaler) get(ctx context.Context, group opsv1.ComputeGroupRef) (client.Object, error) {
	var obj client.Object
	switch group.Kind {
	case opsv1.ComputeKindDeployment:
		obj = &appsv1.Deployment{}
	case opsv1.ComputeKindStatefulSet:
		obj = &appsv1.StatefulSet{}
	default:
		return nil, fmt.Errorf("workload scaler cannot handle kind %q", group.Kind)
	}
	key := client.ObjectKey{Name: group.Name, Namespace: group.Namespace}
	if err := s.Client.Get(ctx, key, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Describe reports replica counts of the workload.
func (s *WorkloadScaler) Describe(ctx context.Context, group opsv1.ComputeGroupRef) (Size, error) {
	obj, err := s.get(ctx, group)
	if err != nil {
		return Size{}, err
	}
	return workloadSize(obj), nil
}

// Scale sets spec.replicas to desired.
func (s *WorkloadScaler) Scale(ctx context.Context, group opsv1.ComputeGroupRef, desired int32) error {
	l := log.FromContext(ctx).WithValues("kind", group.Kind, "namespace", group.Namespace, "name", group.Name)

	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		obj, err := s.get(ctx, group)
		if err != nil {
			return err
		}
		current := getReplicas(obj)
		if current == desired {
			return nil
		}
		base := obj.DeepCopyObject().(client.Object)
		setReplicas(obj, desired)

		l.Info("Setting replicas", "from", current, "to", desired)
		return s.Client.Patch(ctx, obj, client.MergeFromWithOptions(base, client.MergeFromWithOptimisticLock{}))
	})
}

func workloadSize(obj client.Object) Size {
	size := Size{Desired: getReplicas(obj)}
	switch v := obj.(type) {
	case *appsv1.Deployment:
		size.Current = v.Status.Replicas
		size.Ready = v.Status.ReadyReplicas
	case *appsv1.StatefulSet:
		size.Current = v.Status.Replicas
		size.Ready = v.Status.ReadyReplicas
	}
	size.Max = size.Desired
	if size.Desired == 0 {
		size.Settled = size.Current == 0 && size.Ready == 0
	} else {
		size.Settled = size.Ready >= size.Desired
	}
	return size
}

func getReplicas(obj client.Object) int32 {
	switch v := obj.(type) {
	case *appsv1.Deployment:
		if v.Spec.Replicas == nil {
			return 1
		}
		return *v.Spec.Replicas
	case *appsv1.StatefulSet:
		if v.Spec.Replicas == nil {
			return 1
		}
		return *v.Spec.Replicas
	}
	return 0
}

func setReplicas(obj client.Object, count int32) {
	switch v := obj.(type) {
	case *appsv1.Deployment:
		v.Spec.Replicas = &count
	case *appsv1.StatefulSet:
		v.Spec.Replicas = &count
	}
}
