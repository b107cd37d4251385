// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline drives the model compilation and execution flow: obtain a model, compile it for a
// target, run it on a device, export and re-import the compiled artifact, and verify the outputs.
//
// The Driver enforces the order of the steps with a linear state machine:
//
//	Uninitialized -> ModelLoaded -> Compiled -> Executed -> Exported -> Reloaded -> Verified
//
// Any error moves it to the terminal state Failed, and every later call returns that same error.
// Verify can also be called directly from Executed, when the artifact is not exported.
//
// QuickStart runs the whole flow for the reference network.
package pipeline

import (
	"fmt"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quickstart/pkg/artifact"
	"github.com/gomlx/quickstart/pkg/compiler"
	"github.com/gomlx/quickstart/pkg/device"
	"github.com/gomlx/quickstart/pkg/executor"
	"github.com/gomlx/quickstart/pkg/model"
	"github.com/gomlx/quickstart/pkg/passes"
	"github.com/gomlx/quickstart/pkg/target"
	"github.com/gomlx/quickstart/pkg/verify"
	"github.com/gomlx/quickstart/pkg/zoo/onnxmodel"
	"github.com/gomlx/quickstart/pkg/zoo/resnet"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of the Driver.
type State int

const (
	Uninitialized State = iota
	ModelLoaded
	Compiled
	Executed
	Exported
	Reloaded
	Verified
	Failed
)

var stateNames = [...]string{"Uninitialized", "ModelLoaded", "Compiled", "Executed", "Exported", "Reloaded", "Verified", "Failed"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Driver sequences the steps of one run. It is not safe for concurrent use.
type Driver struct {
	compiler  compiler.Compiler
	tolerance verify.Tolerance

	state State
	err   error

	mod    *model.Module
	params model.Params
	art    *artifact.Artifact
	dev    *device.Device
	exec   *executor.Executor

	// ran is set once the current executor ran.
	ran bool
}

// Option configures a Driver.
type Option func(d *Driver)

// WithCompiler sets the compiler used. The default is compiler.New().
func WithCompiler(c compiler.Compiler) Option {
	return func(d *Driver) { d.compiler = c }
}

// WithTolerance sets the tolerance of Verify. The default is verify.DefaultTolerance.
func WithTolerance(tol verify.Tolerance) Option {
	return func(d *Driver) { d.tolerance = tol }
}

// New creates a Driver in the Uninitialized state.
func New(opts ...Option) *Driver {
	d := &Driver{tolerance: verify.DefaultTolerance}
	for _, opt := range opts {
		opt(d)
	}
	if d.compiler == nil {
		d.compiler = compiler.New()
	}
	return d
}

// State returns the current state.
func (d *Driver) State() State { return d.state }

// Err returns the error that moved the driver to Failed, or nil.
func (d *Driver) Err() error { return d.err }

// Module returns the model loaded, or nil.
func (d *Driver) Module() *model.Module { return d.mod }

// Artifact returns the current artifact: the compiled one, or the imported one after Import.
func (d *Driver) Artifact() *artifact.Artifact { return d.art }

// Executor returns the current executor, or nil.
func (d *Driver) Executor() *executor.Executor { return d.exec }

// fail moves the driver to Failed with the given error.
func (d *Driver) fail(step string, kind, err error) error {
	e := newError(step, kind, err)
	d.state = Failed
	d.err = e
	klog.V(1).Infof("pipeline failed: %v", e)
	return e
}

// enter checks the driver is in one of the allowed states for the step.
func (d *Driver) enter(step string, allowed ...State) error {
	if d.state == Failed {
		return d.err
	}
	for _, s := range allowed {
		if d.state == s {
			return nil
		}
	}
	return d.fail(step, ErrConfig, errors.Wrapf(ErrInvalidState, "%s can't be called in state %s (allowed: %v)",
		step, d.state, allowed))
}

func (d *Driver) moveTo(s State) {
	klog.V(1).Infof("pipeline: %s -> %s", d.state, s)
	d.state = s
}

// LoadReference builds the reference network.
func (d *Driver) LoadReference(cfg resnet.Config) error {
	const step = "LoadReference"
	if err := d.enter(step, Uninitialized); err != nil {
		return err
	}
	mod, params, err := resnet.Build(cfg)
	if err != nil {
		return d.fail(step, ErrConfig, err)
	}
	return d.loaded(mod, params)
}

// LoadONNX imports an ONNX model, see onnxmodel.Load.
func (d *Driver) LoadONNX(path string, inputShapes map[string][]int) error {
	const step = "LoadONNX"
	if err := d.enter(step, Uninitialized); err != nil {
		return err
	}
	mod, err := onnxmodel.Load(path, inputShapes)
	if err != nil {
		return d.fail(step, ErrConfig, err)
	}
	return d.loaded(mod, nil)
}

// LoadModel uses a model obtained elsewhere.
func (d *Driver) LoadModel(mod *model.Module, params model.Params) error {
	const step = "LoadModel"
	if err := d.enter(step, Uninitialized); err != nil {
		return err
	}
	if mod == nil {
		return d.fail(step, ErrConfig, errors.New("no module given"))
	}
	if err := mod.Validate(); err != nil {
		return d.fail(step, ErrConfig, err)
	}
	return d.loaded(mod, params)
}

func (d *Driver) loaded(mod *model.Module, params model.Params) error {
	d.mod = mod
	d.params = params
	klog.Infof("model %q loaded: inputs %v, %d parameters", mod.Name, mod.Inputs, len(params))
	d.moveTo(ModelLoaded)
	return nil
}

// Compile the loaded model for the target at the optimization level.
func (d *Driver) Compile(tgt target.Target, optLevel int) (*artifact.Artifact, error) {
	const step = "Compile"
	if err := d.enter(step, ModelLoaded); err != nil {
		return nil, err
	}
	start := time.Now()
	art, err := d.compiler.Compile(d.mod, tgt, d.params, optLevel)
	if err != nil {
		kind := ErrCompile
		if errors.Is(err, passes.ErrInvalidOptLevel) || errors.Is(err, compiler.ErrInvalidTarget) ||
			errors.Is(err, compiler.ErrInvalidModule) {
			kind = ErrConfig
		}
		return nil, d.fail(step, kind, err)
	}
	d.art = art
	klog.Infof("compiled %q for %q at level %d in %s", d.mod.Name, tgt, optLevel, time.Since(start))
	d.moveTo(Compiled)
	return art, nil
}

// Instantiate creates the executor of the compiled artifact on the device. The device is not
// closed by the driver.
func (d *Driver) Instantiate(dev *device.Device) error {
	const step = "Instantiate"
	if err := d.enter(step, Compiled); err != nil {
		return err
	}
	return d.instantiate(step, dev)
}

func (d *Driver) instantiate(step string, dev *device.Device) error {
	if dev == nil {
		return d.fail(step, ErrRuntime, errors.New("no device given"))
	}
	if err := dev.Compatible(d.art.Target); err != nil {
		return d.fail(step, ErrConfig, err)
	}
	exec, err := executor.New(d.art, dev)
	if err != nil {
		return d.fail(step, ErrRuntime, err)
	}
	if d.exec != nil {
		d.exec.Finalize()
	}
	d.dev = dev
	d.exec = exec
	d.ran = false
	return nil
}

// BindInput binds the named input of the executor. The tensor must match exactly the input spec
// used at compile time.
func (d *Driver) BindInput(name string, t *tensors.Tensor) error {
	const step = "BindInput"
	if err := d.enter(step, Compiled, Reloaded); err != nil {
		return err
	}
	if d.exec == nil {
		return d.fail(step, ErrRuntime, errors.Wrap(executor.ErrNotReady, "no executor instantiated"))
	}
	if err := d.exec.SetInput(name, t); err != nil {
		return d.fail(step, ErrConfig, err)
	}
	return nil
}

// Run the executor with the bound inputs. From Compiled it moves to Executed. From Reloaded it runs
// the imported artifact and stays in Reloaded.
func (d *Driver) Run() error {
	const step = "Run"
	if err := d.enter(step, Compiled, Reloaded); err != nil {
		return err
	}
	if d.exec == nil {
		return d.fail(step, ErrRuntime, errors.Wrap(executor.ErrNotReady, "no executor instantiated"))
	}
	if err := d.exec.Run(); err != nil {
		return d.fail(step, ErrRuntime, err)
	}
	d.ran = true
	klog.Infof("ran %q in %s", d.art.Module.Name, d.exec.LastRunDuration())
	if d.state == Compiled {
		d.moveTo(Executed)
	}
	return nil
}

// Output returns the i-th output of the last run.
func (d *Driver) Output(i int) (*tensors.Tensor, error) {
	const step = "Output"
	if err := d.enter(step, Executed, Exported, Reloaded); err != nil {
		return nil, err
	}
	if !d.ran {
		return nil, d.fail(step, ErrRuntime, errors.Wrap(executor.ErrNotReady, "the reloaded artifact was not run"))
	}
	t, err := d.exec.Output(i)
	if err != nil {
		return nil, d.fail(step, ErrRuntime, err)
	}
	return t, nil
}

// Export writes the compiled artifact to the archive at path.
func (d *Driver) Export(path string) error {
	const step = "Export"
	if err := d.enter(step, Executed); err != nil {
		return err
	}
	if err := d.art.Export(path); err != nil {
		return d.fail(step, ErrRuntime, err)
	}
	klog.Infof("exported %q to %q", d.art.Module.Name, path)
	d.moveTo(Exported)
	return nil
}

// Import reads the archive at path and instantiates it on the device of the current executor.
// Inputs must be bound again before running.
func (d *Driver) Import(path string) (*artifact.Artifact, error) {
	const step = "Import"
	if err := d.enter(step, Exported); err != nil {
		return nil, err
	}
	art, err := artifact.Import(path)
	if err != nil {
		kind := ErrRuntime
		if errors.Is(err, artifact.ErrCorrupted) {
			kind = ErrConfig
		}
		return nil, d.fail(step, kind, err)
	}
	d.art = art
	if err := d.instantiate(step, d.dev); err != nil {
		return nil, err
	}
	klog.Infof("imported %q from %q", art.Module.Name, path)
	d.moveTo(Reloaded)
	return art, nil
}

// Verify checks actual is within the tolerance of desired. A mismatch moves the driver to Failed
// with an ErrVerify error wrapping the *verify.MismatchError.
func (d *Driver) Verify(actual, desired *tensors.Tensor) error {
	const step = "Verify"
	if err := d.enter(step, Executed, Reloaded); err != nil {
		return err
	}
	if err := verify.AllClose(actual, desired, d.tolerance); err != nil {
		return d.fail(step, ErrVerify, err)
	}
	klog.Infof("outputs verified (atol=%g, rtol=%g)", d.tolerance.Atol, d.tolerance.Rtol)
	d.moveTo(Verified)
	return nil
}

// Close releases the executor. The device is owned by the caller.
func (d *Driver) Close() {
	if d.exec != nil {
		d.exec.Finalize()
		d.exec = nil
	}
}
