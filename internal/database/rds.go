package database

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"sigs.k8s.io/controller-runtime/pkg/log"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
)

// RDSAPI is the subset of the RDS client used to toggle instances.
type RDSAPI interface {
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	StopDBInstance(ctx context.Context, params *rds.StopDBInstanceInput, optFns ...func(*rds.Options)) (*rds.StopDBInstanceOutput, error)
	StartDBInstance(ctx context.Context, params *rds.StartDBInstanceInput, optFns ...func(*rds.Options)) (*rds.StartDBInstanceOutput, error)
}

// RDSToggler stops and starts Amazon RDS DB instances.
type RDSToggler struct {
	RDS RDSAPI
}

func NewRDSToggler(cfg aws.Config) *RDSToggler {
	return &RDSToggler{RDS: rds.NewFromConfig(cfg)}
}

// rdsState maps DBInstanceStatus values onto State.
func rdsState(status string) State {
	switch status {
	case "available":
		return StateRunning
	case "stopped":
		return StateStopped
	case "stopping":
		return StateStopping
	case "starting", "rebooting", "configuring-enhanced-monitoring", "backing-up", "modifying":
		return StateStarting
	}
	return StateUnknown
}

func (t *RDSToggler) State(ctx context.Context, ref opsv1.DatabaseRef) (State, error) {
	out, err := t.RDS.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(ref.ID),
	})
	if err != nil {
		return StateUnknown, err
	}
	if len(out.DBInstances) == 0 {
		return StateUnknown, fmt.Errorf("db instance %s not found", ref.ID)
	}
	return rdsState(aws.ToString(out.DBInstances[0].DBInstanceStatus)), nil
}

// Stop requests an instance stop. Instances already stopped or stopping are left alone.
func (t *RDSToggler) Stop(ctx context.Context, ref opsv1.DatabaseRef) error {
	state, err := t.State(ctx, ref)
	if err != nil {
		return err
	}
	switch state {
	case StateStopped, StateStopping:
		return nil
	case StateStarting:
		return fmt.Errorf("%w: db instance %s is %s, stop it once available", ErrTransitioning, ref.ID, state)
	}
	log.FromContext(ctx).Info("Stopping RDS instance", "id", ref.ID, "state", state)
	_, err = t.RDS.StopDBInstance(ctx, &rds.StopDBInstanceInput{DBInstanceIdentifier: aws.String(ref.ID)})
	return t.rejected(ctx, ref, err, StateStopped, StateStopping)
}

// Start requests an instance start. Instances already running or starting are left alone.
func (t *RDSToggler) Start(ctx context.Context, ref opsv1.DatabaseRef) error {
	state, err := t.State(ctx, ref)
	if err != nil {
		return err
	}
	switch state {
	case StateRunning, StateStarting:
		return nil
	case StateStopping:
		return fmt.Errorf("%w: db instance %s is stopping, start it once stopped", ErrTransitioning, ref.ID)
	}
	log.FromContext(ctx).Info("Starting RDS instance", "id", ref.ID, "state", state)
	_, err = t.RDS.StartDBInstance(ctx, &rds.StartDBInstanceInput{DBInstanceIdentifier: aws.String(ref.ID)})
	return t.rejected(ctx, ref, err, StateRunning, StateStarting)
}

// rejected accepts an InvalidDBInstanceStateFault only when a fresh describe
// shows the instance already heading to one of the wanted states.
func (t *RDSToggler) rejected(ctx context.Context, ref opsv1.DatabaseRef, err error, want ...State) error {
	var invalid *rdstypes.InvalidDBInstanceStateFault
	if !errors.As(err, &invalid) {
		return err
	}
	state, derr := t.State(ctx, ref)
	if derr == nil && slices.Contains(want, state) {
		return nil
	}
	return fmt.Errorf("db instance %s rejected the request in state %s: %w", ref.ID, state, err)
}
