// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package executor runs compiled artifacts on a device: inputs are bound by name, the computation is
// run, and the outputs read back by index.
//
// Example:
//
//	exec, err := executor.New(art, dev)
//	if err != nil { ... }
//	defer exec.Finalize()
//	if err := exec.SetInput("data", data); err != nil { ... }
//	if err := exec.Run(); err != nil { ... }
//	probabilities, err := exec.Output(0)
package executor

import (
	"fmt"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/quickstart/pkg/artifact"
	"github.com/gomlx/quickstart/pkg/device"
	"github.com/gomlx/quickstart/pkg/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrNotReady is returned (wrapped) when running with unbound inputs, or reading outputs before a run.
	ErrNotReady = errors.New("executor not ready")

	// ErrFinalized is returned (wrapped) when using an executor after Finalize.
	ErrFinalized = errors.New("executor finalized")
)

// Executor runs one artifact on one device.
//
// It is not safe for concurrent use.
type Executor struct {
	art       *artifact.Artifact
	dev       *device.Device
	deviceNum backends.DeviceNum
	ctx       *context.Context
	exec      *graph.Exec

	inputs  []*tensors.Tensor
	outputs []*tensors.Tensor
	elapsed time.Duration
}

// New creates an executor of the artifact on the device. The artifact target must match the device.
func New(art *artifact.Artifact, dev *device.Device) (*Executor, error) {
	if art == nil {
		return nil, errors.New("executor: no artifact given")
	}
	if dev == nil {
		return nil, errors.New("executor: no device given")
	}
	if err := art.Validate(); err != nil {
		return nil, errors.WithMessage(err, "executor")
	}
	if err := dev.Compatible(art.Target); err != nil {
		return nil, errors.WithMessage(err, "executor")
	}
	e := &Executor{
		art:       art,
		dev:       dev,
		deviceNum: backends.DeviceNum(dev.Num()),
		ctx:       context.New(),
		inputs:    make([]*tensors.Tensor, len(art.Module.Inputs)),
	}
	if err := art.LoadVariables(e.ctx); err != nil {
		return nil, errors.WithMessagef(err, "executor of %q", art.Module.Name)
	}
	var err error
	e.exec, err = graph.NewExec(dev.Backend(), func(inputs []*graph.Node) []*graph.Node {
		return art.Lower(e.ctx, inputs)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "executor of %q", art.Module.Name)
	}
	e.exec.WithName(art.Module.Name).SetSideParamsHook(e.feedVariables)
	return e, nil
}

// feedVariables places the parameters read by g on the executor's device.
func (e *Executor) feedVariables(g *graph.Graph, inputBuffers []backends.Buffer, donate []bool) error {
	for v := range e.ctx.IterVariables() {
		if !v.InUseByGraph(g) {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return err
		}
		handle := v.ValueGraph(g).GetParameterHandle()
		inputBuffers[handle], err = value.Buffer(e.dev.Backend(), e.deviceNum)
		if err != nil {
			return errors.WithMessagef(err, "placing %q on %s", v.ScopeAndName(), e.dev)
		}
		donate[handle] = false
	}
	return nil
}

// Artifact being executed.
func (e *Executor) Artifact() *artifact.Artifact { return e.art }

// Device the executor runs on.
func (e *Executor) Device() *device.Device { return e.dev }

// DeviceNum is the number of the device, within its backend, the computation runs on.
func (e *Executor) DeviceNum() backends.DeviceNum { return e.deviceNum }

// SetInput binds the named input. The tensor must match the input spec exactly, otherwise it fails
// with an error wrapping model.ErrShapeMismatch and the previous binding is kept.
func (e *Executor) SetInput(name string, t *tensors.Tensor) error {
	if e.exec == nil {
		return errors.Wrapf(ErrFinalized, "binding input %q", name)
	}
	idx := -1
	for ii, spec := range e.art.Module.Inputs {
		if spec.Name == name {
			idx = ii
			break
		}
	}
	if idx < 0 {
		return errors.Errorf("%q has no input named %q, inputs are %v", e.art.Module.Name, name, e.art.InputNames())
	}
	if t == nil {
		return errors.Errorf("nil tensor given for input %q", name)
	}
	if err := e.art.Module.Inputs[idx].Check(t); err != nil {
		return errors.WithMessagef(err, "binding input of %q", e.art.Module.Name)
	}
	e.inputs[idx] = t
	return nil
}

// SetInputs binds all the given inputs, in the order of the artifact inputs, stopping at the first error.
func (e *Executor) SetInputs(inputs map[string]*tensors.Tensor) error {
	for name := range inputs {
		if _, found := e.art.InputSpec(name); !found {
			return errors.Errorf("%q has no input named %q, inputs are %v", e.art.Module.Name, name, e.art.InputNames())
		}
	}
	for _, name := range e.art.InputNames() {
		if t, found := inputs[name]; found {
			if err := e.SetInput(name, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run executes the computation with the bound inputs. Inputs stay bound after the run.
func (e *Executor) Run() error {
	if e.exec == nil {
		return errors.Wrap(ErrFinalized, "running")
	}
	args := make([]any, len(e.inputs))
	for ii, t := range e.inputs {
		if t == nil {
			return errors.Wrapf(ErrNotReady, "input %q of %q is not bound", e.art.Module.Inputs[ii].Name, e.art.Module.Name)
		}
		args[ii] = t
	}
	start := time.Now()
	outputs, _, err := e.exec.ExecWithGraphOnDevice(e.deviceNum, args...)
	if err != nil {
		return errors.WithMessagef(err, "running %q on %s", e.art.Module.Name, e.dev)
	}
	e.elapsed = time.Since(start)
	if len(outputs) != len(e.art.Outputs) {
		return errors.Errorf("running %q produced %d outputs, %d expected", e.art.Module.Name, len(outputs), len(e.art.Outputs))
	}
	for ii, output := range outputs {
		if err := e.art.Outputs[ii].Check(output); err != nil {
			return errors.WithMessagef(err, "running %q", e.art.Module.Name)
		}
	}
	e.outputs = outputs
	klog.V(1).Infof("ran %q on %s in %s", e.art.Module.Name, e.dev, e.elapsed)
	return nil
}

// RunWith binds the given inputs and runs.
func (e *Executor) RunWith(inputs map[string]*tensors.Tensor) error {
	if err := e.SetInputs(inputs); err != nil {
		return err
	}
	return e.Run()
}

// NumOutputs returns the number of outputs of the computation.
func (e *Executor) NumOutputs() int {
	return len(e.art.Outputs)
}

// Output returns the i-th output of the last run.
func (e *Executor) Output(i int) (*tensors.Tensor, error) {
	if e.exec == nil {
		return nil, errors.Wrapf(ErrFinalized, "reading output %d", i)
	}
	if e.outputs == nil {
		return nil, errors.Wrapf(ErrNotReady, "reading output %d before running", i)
	}
	if i < 0 || i >= len(e.outputs) {
		return nil, errors.Errorf("output index %d out of range, %q has %d outputs", i, e.art.Module.Name, len(e.outputs))
	}
	return e.outputs[i], nil
}

// LastRunDuration returns the duration of the last run, or 0 before the first run.
func (e *Executor) LastRunDuration() time.Duration {
	return e.elapsed
}

// String implements fmt.Stringer.
func (e *Executor) String() string {
	return fmt.Sprintf("executor(%s@%s on %s)", e.art.Module.Name, e.art.Target, e.dev)
}

// Finalize releases the compiled computation. Outputs already read remain valid.
// The device is not closed.
func (e *Executor) Finalize() {
	if e.exec == nil {
		return
	}
	e.exec.Finalize()
	e.exec = nil
	e.outputs = nil
	e.inputs = nil
}

// InputSpecs returns the specs of the inputs, in order.
func (e *Executor) InputSpecs() []model.TensorSpec {
	return e.art.Inputs()
}
