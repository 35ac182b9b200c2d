package scaling

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
)

type fakeEKS struct {
	nodegroup *ekstypes.Nodegroup
	updates   []*eks.UpdateNodegroupConfigInput
	updateErr error
}

func (f *fakeEKS) DescribeNodegroup(_ context.Context, _ *eks.DescribeNodegroupInput, _ ...func(*eks.Options)) (*eks.DescribeNodegroupOutput, error) {
	return &eks.DescribeNodegroupOutput{Nodegroup: f.nodegroup}, nil
}

func (f *fakeEKS) UpdateNodegroupConfig(_ context.Context, in *eks.UpdateNodegroupConfigInput, _ ...func(*eks.Options)) (*eks.UpdateNodegroupConfigOutput, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updates = append(f.updates, in)
	f.nodegroup.ScalingConfig = in.ScalingConfig
	f.nodegroup.Status = ekstypes.NodegroupStatusUpdating
	return &eks.UpdateNodegroupConfigOutput{}, nil
}

func newFakeEKS(minSize, maxSize, desired int32) *fakeEKS {
	return &fakeEKS{nodegroup: &ekstypes.Nodegroup{
		Status: ekstypes.NodegroupStatusActive,
		ScalingConfig: &ekstypes.NodegroupScalingConfig{
			MinSize:     aws.Int32(minSize),
			MaxSize:     aws.Int32(maxSize),
			DesiredSize: aws.Int32(desired),
		},
	}}
}

func TestNodegroupScaleToZeroAndBack(t *testing.T) {
	ctx := context.Background()
	api := newFakeEKS(1, 2, 2)
	s := &NodegroupScaler{EKS: api}
	group := opsv1.ComputeGroupRef{Name: "solo-ng", Cluster: "main", Kind: opsv1.ComputeKindNodegroup, MinSize: 1, MaxSize: 2}

	size, err := s.Describe(ctx, group)
	if err != nil {
		t.Fatal(err)
	}
	if size.Desired != 2 || !size.Settled {
		t.Errorf("unexpected size %+v", size)
	}

	if err := s.Scale(ctx, group, 0); err != nil {
		t.Fatal(err)
	}
	sc := api.updates[0].ScalingConfig
	if aws.ToInt32(sc.DesiredSize) != 0 || aws.ToInt32(sc.MinSize) != 0 || aws.ToInt32(sc.MaxSize) != 2 {
		t.Errorf("unexpected scale-down config %+v", sc)
	}

	api.nodegroup.Status = ekstypes.NodegroupStatusActive
	if err := s.Scale(ctx, group, 2); err != nil {
		t.Fatal(err)
	}
	sc = api.updates[1].ScalingConfig
	if aws.ToInt32(sc.DesiredSize) != 2 || aws.ToInt32(sc.MinSize) != 1 {
		t.Errorf("unexpected scale-up config %+v", sc)
	}
}

func TestNodegroupScaleNoop(t *testing.T) {
	api := newFakeEKS(0, 2, 0)
	s := &NodegroupScaler{EKS: api}
	group := opsv1.ComputeGroupRef{Name: "ng", Cluster: "main", Kind: opsv1.ComputeKindNodegroup}

	if err := s.Scale(context.Background(), group, 0); err != nil {
		t.Fatal(err)
	}
	if len(api.updates) != 0 {
		t.Errorf("expected no update for an already stopped node group")
	}
}

func TestNodegroupScaleError(t *testing.T) {
	api := newFakeEKS(1, 2, 2)
	api.updateErr = errors.New("throttled")
	s := &NodegroupScaler{EKS: api}
	group := opsv1.ComputeGroupRef{Name: "ng", Cluster: "main", Kind: opsv1.ComputeKindNodegroup}

	if err := s.Scale(context.Background(), group, 0); err == nil {
		t.Errorf("expected update error to propagate")
	}
	if _, err := s.Describe(context.Background(), opsv1.ComputeGroupRef{Name: "ng"}); err == nil {
		t.Errorf("expected error for node group without cluster")
	}
}
