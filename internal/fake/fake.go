// Package fake provides in-memory compute scalers and database togglers that
// record every call, for tests of code built on the lifecycle controller.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
	"github.com/migalsp/kubex-appswitch/internal/database"
	"github.com/migalsp/kubex-appswitch/internal/scaling"
)

// ScaleCall is one recorded Scale invocation.
type ScaleCall struct {
	Group   string
	Desired int32
}

// Compute is a scaling.Scaler keyed by group name.
type Compute struct {
	mu     sync.Mutex
	sizes  map[string]scaling.Size
	fail   map[string]error
	calls  []ScaleCall
	pinned map[string]bool

	// Block, when set, makes Scale signal Entered and wait until Block is closed.
	Block   chan struct{}
	Entered chan struct{}
}

var _ scaling.Scaler = &Compute{}

func NewCompute() *Compute {
	return &Compute{sizes: map[string]scaling.Size{}, fail: map[string]error{}, pinned: map[string]bool{}}
}

// Set registers a settled group at desired.
func (c *Compute) Set(group string, desired int32) *Compute {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sizes[group] = settled(desired)
	return c
}

// Fail makes every call for group return err.
func (c *Compute) Fail(group string, err error) *Compute {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[group] = err
	return c
}

// Pin keeps group unsettled after scaling, so verification never converges.
func (c *Compute) Pin(group string) *Compute {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[group] = true
	return c
}

// SetMin sets the minimum size of a registered group.
func (c *Compute) SetMin(group string, n int32) *Compute {
	c.mu.Lock()
	defer c.mu.Unlock()
	size := c.sizes[group]
	size.Min = n
	c.sizes[group] = size
	return c
}

func (c *Compute) Min(group string) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizes[group].Min
}

func (c *Compute) Desired(group string) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizes[group].Desired
}

func (c *Compute) Calls() []ScaleCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ScaleCall(nil), c.calls...)
}

func (c *Compute) Describe(_ context.Context, group opsv1.ComputeGroupRef) (scaling.Size, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	size, ok := c.sizes[group.Name]
	if !ok {
		return scaling.Size{}, fmt.Errorf("compute group %s not found", group.Name)
	}
	return size, nil
}

func (c *Compute) Scale(_ context.Context, group opsv1.ComputeGroupRef, desired int32) error {
	c.mu.Lock()
	c.calls = append(c.calls, ScaleCall{Group: group.Name, Desired: desired})
	block, entered := c.Block, c.Entered
	c.mu.Unlock()

	if block != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-block
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[group.Name]; err != nil {
		return err
	}
	// Minimum follows the node group scaler: zero when stopped, the ref's bound otherwise.
	size := settled(desired)
	if desired > 0 {
		size.Min = min(group.MinSize, desired)
	}
	if c.pinned[group.Name] {
		size.Settled = false
	}
	c.sizes[group.Name] = size
	return nil
}

func settled(desired int32) scaling.Size {
	return scaling.Size{Max: desired, Desired: desired, Current: desired, Ready: desired, Settled: true}
}

// ToggleCall is one recorded Stop or Start invocation.
type ToggleCall struct {
	Key    string
	Action string
}

// Databases is a database.Toggler keyed by DatabaseRef.Key().
type Databases struct {
	mu     sync.Mutex
	states map[string]database.State
	fail   map[string]error
	calls  []ToggleCall
}

var _ database.Toggler = &Databases{}

func NewDatabases() *Databases {
	return &Databases{states: map[string]database.State{}, fail: map[string]error{}}
}

func (d *Databases) Set(key string, state database.State) *Databases {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[key] = state
	return d
}

func (d *Databases) Fail(key string, err error) *Databases {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[key] = err
	return d
}

func (d *Databases) Get(key string) database.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.states[key]
}

func (d *Databases) Calls() []ToggleCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ToggleCall(nil), d.calls...)
}

func (d *Databases) State(_ context.Context, ref opsv1.DatabaseRef) (database.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[ref.Key()]
	if !ok {
		return database.StateUnknown, errors.New("instance " + ref.Key() + " not found")
	}
	return st, nil
}

func (d *Databases) Stop(_ context.Context, ref opsv1.DatabaseRef) error {
	return d.toggle(ref, "stop", database.StateStopped, database.StateStarting)
}

func (d *Databases) Start(_ context.Context, ref opsv1.DatabaseRef) error {
	return d.toggle(ref, "start", database.StateRunning, database.StateStopping)
}

// toggle moves ref to state to, refusing while it is in the opposite transition.
func (d *Databases) toggle(ref opsv1.DatabaseRef, action string, to, opposite database.State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, ToggleCall{Key: ref.Key(), Action: action})
	if err := d.fail[ref.Key()]; err != nil {
		return err
	}
	if d.states[ref.Key()] == opposite {
		return fmt.Errorf("%w: %s is %s", database.ErrTransitioning, ref.Key(), opposite)
	}
	d.states[ref.Key()] = to
	return nil
}
