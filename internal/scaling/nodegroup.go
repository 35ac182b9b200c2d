package scaling

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"sigs.k8s.io/controller-runtime/pkg/log"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
)

// EKSAPI is the subset of the EKS client used for node groups.
type EKSAPI interface {
	DescribeNodegroup(ctx context.Context, params *eks.DescribeNodegroupInput, optFns ...func(*eks.Options)) (*eks.DescribeNodegroupOutput, error)
	UpdateNodegroupConfig(ctx context.Context, params *eks.UpdateNodegroupConfigInput, optFns ...func(*eks.Options)) (*eks.UpdateNodegroupConfigOutput, error)
}

// NodegroupScaler scales EKS managed node groups.
type NodegroupScaler struct {
	EKS EKSAPI
}

// NewNodegroupScaler builds a scaler from an AWS config.
func NewNodegroupScaler(cfg aws.Config) *NodegroupScaler {
	return &NodegroupScaler{EKS: eks.NewFromConfig(cfg)}
}

func (s *NodegroupScaler) describe(ctx context.Context, group opsv1.ComputeGroupRef) (*ekstypes.Nodegroup, error) {
	if group.Cluster == "" {
		return nil, fmt.Errorf("node group %s has no cluster", group.Name)
	}
	out, err := s.EKS.DescribeNodegroup(ctx, &eks.DescribeNodegroupInput{
		ClusterName:   aws.String(group.Cluster),
		NodegroupName: aws.String(group.Name),
	})
	if err != nil {
		return nil, err
	}
	if out.Nodegroup == nil {
		return nil, fmt.Errorf("node group %s/%s not returned", group.Cluster, group.Name)
	}
	return out.Nodegroup, nil
}

// Describe reports the scaling config of the node group.
func (s *NodegroupScaler) Describe(ctx context.Context, group opsv1.ComputeGroupRef) (Size, error) {
	ng, err := s.describe(ctx, group)
	if err != nil {
		return Size{}, err
	}
	size := Size{}
	if sc := ng.ScalingConfig; sc != nil {
		size.Min = aws.ToInt32(sc.MinSize)
		size.Max = aws.ToInt32(sc.MaxSize)
		size.Desired = aws.ToInt32(sc.DesiredSize)
	}
	size.Settled = ng.Status == ekstypes.NodegroupStatusActive
	if size.Settled {
		size.Current = size.Desired
		size.Ready = size.Desired
	}
	return size, nil
}

// Scale sets the desired size. Scaling to zero also drops the minimum to zero;
// scaling up raises the maximum when needed and restores the discovered minimum.
func (s *NodegroupScaler) Scale(ctx context.Context, group opsv1.ComputeGroupRef, desired int32) error {
	l := log.FromContext(ctx).WithValues("cluster", group.Cluster, "nodegroup", group.Name)

	ng, err := s.describe(ctx, group)
	if err != nil {
		return err
	}
	var minSize, maxSize, current int32
	if sc := ng.ScalingConfig; sc != nil {
		minSize = aws.ToInt32(sc.MinSize)
		maxSize = aws.ToInt32(sc.MaxSize)
		current = aws.ToInt32(sc.DesiredSize)
	}

	currentMin := minSize
	if desired == 0 {
		minSize = 0
	} else {
		minSize = group.MinSize
		if minSize > desired {
			minSize = desired
		}
		if minSize < 0 {
			minSize = 0
		}
	}
	if maxSize < desired {
		maxSize = desired
	}
	// EKS rejects a max size of zero
	if maxSize < 1 {
		maxSize = 1
	}

	if current == desired && currentMin == minSize {
		return nil
	}

	l.Info("Updating node group scaling config", "from", current, "to", desired, "min", minSize, "max", maxSize)
	_, err = s.EKS.UpdateNodegroupConfig(ctx, &eks.UpdateNodegroupConfigInput{
		ClusterName:   aws.String(group.Cluster),
		NodegroupName: aws.String(group.Name),
		ScalingConfig: &ekstypes.NodegroupScalingConfig{
			MinSize:     aws.Int32(minSize),
			MaxSize:     aws.Int32(maxSize),
			DesiredSize: aws.Int32(desired),
		},
	})
	return err
}
