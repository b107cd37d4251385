// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package artifact holds the compiled form of a model, and its single-file archive format.
//
// An Artifact is produced whole by the compiler and is read-only afterwards. It contains everything
// needed to instantiate an executor on a device of its target: the optimized model definition, the
// bound parameters, the input and output specs and the program text produced by the backend.
//
// The archive is a tar file with the entries:
//
//	manifest.json   metadata, specs and the SHA-256 of every other entry
//	graph.json      execution graph, for execution graph models
//	model.onnx      the ONNX model, for ONNX models
//	params.bin      the parameters
//	lib.txt         the program text produced by the backend
package artifact

import (
	"slices"
	"time"

	"github.com/gomlx/quickstart/pkg/model"
	"github.com/gomlx/quickstart/pkg/target"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Artifact is a model compiled for a target.
type Artifact struct {
	// ID uniquely identifies the compilation.
	ID uuid.UUID

	// CreatedAt is when the compilation finished.
	CreatedAt time.Time

	// Target the model was compiled for.
	Target target.Target

	// OptLevel used in the compilation.
	OptLevel int

	// Backend is the name of the backend that compiled it.
	Backend string

	// Passes lists the graph passes applied, in order.
	Passes []string

	// Module is the optimized model definition.
	Module *model.Module

	// Params are the parameters bound to the module.
	Params model.Params

	// BindParams indicates the parameters are lowered as constants of the computation.
	BindParams bool

	// Outputs are the specs of the outputs, in order.
	Outputs []model.TensorSpec

	// Lowered is the program text produced by the backend for the target.
	Lowered string
}

// New creates an Artifact with a new ID, stamped with the current time.
func New(tgt target.Target, optLevel int, mod *model.Module, params model.Params) *Artifact {
	return &Artifact{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		Target:    tgt,
		OptLevel:  optLevel,
		Module:    mod,
		Params:    params,
	}
}

// Inputs returns the specs of the inputs, in order.
func (a *Artifact) Inputs() []model.TensorSpec {
	return a.Module.Inputs
}

// InputSpec returns the spec of the named input, and whether it was found.
func (a *Artifact) InputSpec(name string) (model.TensorSpec, bool) {
	return a.Module.InputSpec(name)
}

// InputNames returns the names of the inputs, in order.
func (a *Artifact) InputNames() []string {
	names := make([]string, len(a.Module.Inputs))
	for ii, spec := range a.Module.Inputs {
		names[ii] = spec.Name
	}
	return names
}

// Validate checks the artifact is complete and consistent.
func (a *Artifact) Validate() error {
	if a.Target.IsZero() {
		return errors.New("artifact has no target")
	}
	if a.Module == nil {
		return errors.New("artifact has no module")
	}
	if err := a.Module.Validate(); err != nil {
		return errors.WithMessage(err, "artifact module")
	}
	if len(a.Outputs) == 0 {
		return errors.Errorf("artifact of %q has no outputs", a.Module.Name)
	}
	if a.Module.Format == model.FormatIR {
		for _, name := range a.Module.Graph.ParamNames() {
			if _, found := a.Params[name]; !found {
				return errors.Errorf("artifact of %q is missing parameter %q", a.Module.Name, name)
			}
		}
	}
	return nil
}

// Equal returns whether both artifacts describe the same compilation: same ID, target, level,
// module and parameter values. Used to check archives round trip.
func (a *Artifact) Equal(b *Artifact) bool {
	if a.ID != b.ID || !a.Target.Equal(b.Target) || a.OptLevel != b.OptLevel || a.Backend != b.Backend ||
		a.BindParams != b.BindParams || a.Lowered != b.Lowered || !slices.Equal(a.Passes, b.Passes) ||
		!a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	if len(a.Params) != len(b.Params) {
		return false
	}
	for name, t := range a.Params {
		other, found := b.Params[name]
		if !found || !t.Equal(other) {
			return false
		}
	}
	return slices.EqualFunc(a.Outputs, b.Outputs, model.TensorSpec.Equal) &&
		slices.EqualFunc(a.Module.Inputs, b.Module.Inputs, model.TensorSpec.Equal)
}
