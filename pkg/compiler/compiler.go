// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compiler turns a model definition into an Artifact for a target.
//
// Compilation of execution graph modules runs the graph passes selected by the optimization level
// (see package passes), then builds and compiles the resulting computation with the GoMLX backend of
// the target, to validate it and to capture its output specs and program text. ONNX modules are
// converted with onnx-gomlx and built the same way.
package compiler

import (
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/quickstart/pkg/artifact"
	"github.com/gomlx/quickstart/pkg/device"
	"github.com/gomlx/quickstart/pkg/model"
	"github.com/gomlx/quickstart/pkg/passes"
	"github.com/gomlx/quickstart/pkg/target"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Compiler compiles a model definition with its parameters for a target.
type Compiler interface {
	Compile(mod *model.Module, tgt target.Target, params model.Params, optLevel int) (*artifact.Artifact, error)
}

var (
	// ErrInvalidTarget is returned (wrapped) when the target is missing or can't be served.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrInvalidModule is returned (wrapped) for invalid model definitions or parameters.
	ErrInvalidModule = errors.New("invalid module")
)

// GoMLX is the Compiler backed by GoMLX.
type GoMLX struct {
	dev      *device.Device
	disabled []string
}

var _ Compiler = (*GoMLX)(nil)

// Option configures a GoMLX compiler.
type Option func(c *GoMLX)

// WithDevice makes the compiler build with the backend of the given device, instead of opening
// device 0 of the target at each compilation. The device is not closed by the compiler.
func WithDevice(d *device.Device) Option {
	return func(c *GoMLX) { c.dev = d }
}

// WithDisabledPasses disables the named graph passes, regardless of the optimization level.
func WithDisabledPasses(names ...string) Option {
	return func(c *GoMLX) { c.disabled = append(c.disabled, names...) }
}

// New creates a GoMLX compiler.
func New(opts ...Option) *GoMLX {
	c := &GoMLX{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile implements Compiler. The inputs are not modified.
//
// For ONNX modules params must be empty: the weights are part of the model.
func (c *GoMLX) Compile(mod *model.Module, tgt target.Target, params model.Params, optLevel int) (*artifact.Artifact, error) {
	start := time.Now()
	if tgt.IsZero() {
		return nil, errors.Wrap(ErrInvalidTarget, "no target given")
	}
	if err := passes.ValidateOptLevel(optLevel); err != nil {
		return nil, err
	}
	if mod == nil {
		return nil, errors.Wrap(ErrInvalidModule, "no module given")
	}
	if err := mod.Validate(); err != nil {
		return nil, errors.Wrapf(ErrInvalidModule, "%v", err)
	}

	var art *artifact.Artifact
	switch mod.Format {
	case model.FormatIR:
		st, err := passes.Run(mod.Graph, params, passes.Config{OptLevel: optLevel, Disabled: c.disabled})
		if err != nil {
			if errors.Is(err, passes.ErrInvalidOptLevel) {
				return nil, err
			}
			return nil, errors.Wrapf(ErrInvalidModule, "%v", err)
		}
		art = artifact.New(tgt, optLevel, mod.WithGraph(st.Graph), st.Params)
		art.Passes = st.Applied
		art.BindParams = st.BindParams
	case model.FormatONNX:
		if len(params) > 0 {
			return nil, errors.Wrapf(ErrInvalidModule, "ONNX model %q carries its own weights, %d parameters given",
				mod.Name, len(params))
		}
		art = artifact.New(tgt, optLevel, mod, model.Params{})
	}

	dev := c.dev
	if dev == nil {
		var err error
		dev, err = device.Open(tgt, 0)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidTarget, "%v", err)
		}
		defer dev.Close()
	} else if err := dev.Compatible(tgt); err != nil {
		return nil, errors.Wrapf(ErrInvalidTarget, "%v", err)
	}
	if err := build(dev.Backend(), art); err != nil {
		return nil, err
	}
	art.CreatedAt = time.Now().UTC()
	if err := art.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "compiling %q", mod.Name)
	}
	klog.V(1).Infof("compiled %q for %q at level %d with %s in %s: passes %v, outputs %v",
		mod.Name, tgt, optLevel, art.Backend, time.Since(start), art.Passes, art.Outputs)
	return art, nil
}

// build lowers and compiles the computation of the artifact, filling its outputs, backend name and
// program text.
func build(backend backends.Backend, art *artifact.Artifact) error {
	ctx := context.New()
	if err := art.LoadVariables(ctx); err != nil {
		return errors.WithMessagef(err, "compiling %q", art.Module.Name)
	}
	err := exceptions.TryCatch[error](func() {
		g := graph.NewGraph(backend, art.Module.Name)
		defer g.Finalize()
		inputs := make([]*graph.Node, len(art.Module.Inputs))
		for ii, spec := range art.Module.Inputs {
			inputs[ii] = graph.Parameter(g, spec.Name, spec.Shape())
		}
		outputs := art.Lower(ctx, inputs)
		if len(outputs) != len(art.Module.OutputNames) {
			exceptions.Panicf("%d outputs built, %d declared (%v)", len(outputs), len(art.Module.OutputNames),
				art.Module.OutputNames)
		}
		art.Outputs = make([]model.TensorSpec, len(outputs))
		for ii, output := range outputs {
			shape := output.Shape()
			art.Outputs[ii] = model.TensorSpec{
				Name:       art.Module.OutputNames[ii],
				DType:      shape.DType,
				Dimensions: slices.Clone(shape.Dimensions),
			}
		}
		g.Compile(outputs...)
		art.Lowered = g.String()
	})
	if err != nil {
		return errors.WithMessagef(err, "building %q with backend %s", art.Module.Name, backend.Name())
	}
	art.Backend = backend.Name()
	return nil
}
