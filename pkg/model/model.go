// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model holds the target-independent model definition handed to the compiler:
// a Module, its input TensorSpecs and its Params.
//
// A Module comes in one of two formats: an execution graph (see package ir), which the compiler can
// transform, or an ONNX model, which is kept as the original serialized bytes (weights included)
// and converted by github.com/gomlx/onnx-gomlx when lowered.
package model

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/gomlx/quickstart/pkg/ir"
	"github.com/pkg/errors"
)

// Format of a Module.
type Format string

const (
	FormatIR   Format = "ir"
	FormatONNX Format = "onnx"
)

// Module is a model definition, independent of any target.
type Module struct {
	// Name of the model.
	Name string

	// Format tells whether the definition is in Graph or in ONNX.
	Format Format

	// Graph is set for FormatIR.
	Graph *ir.Graph

	// ONNX holds the serialized ONNX model for FormatONNX.
	ONNX []byte

	// Inputs are the input specs, in order. For ONNX models they are the shapes the model
	// is expected to be fed with, all dynamic axes resolved.
	Inputs []TensorSpec

	// OutputNames are the names of the outputs, in order.
	OutputNames []string

	onnxModel *onnx.Model
}

// NewIR creates a Module from an execution graph, after validating it.
// Graph inputs are float32.
func NewIR(g *ir.Graph) (*Module, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	m := &Module{
		Name:        g.Name,
		Format:      FormatIR,
		Graph:       g,
		OutputNames: slices.Clone(g.Outputs),
	}
	for _, input := range g.Inputs {
		m.Inputs = append(m.Inputs, Float32Spec(input.Name, slices.Clone(input.Dimensions)...))
	}
	return m, nil
}

// NewONNX creates a Module from a serialized ONNX model.
//
// inputShapes gives the expected dimensions of each model input. They must have the rank declared
// by the model and agree with every fixed axis; dynamic axes take the given value.
// An input not listed must have only fixed axes.
func NewONNX(name string, contents []byte, inputShapes map[string][]int) (*Module, error) {
	onnxModel, err := onnx.Parse(contents)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse ONNX model %q", name)
	}
	m := &Module{
		Name:      name,
		Format:    FormatONNX,
		ONNX:      contents,
		onnxModel: onnxModel,
	}
	names, dynShapes := onnxModel.Inputs()
	for given := range inputShapes {
		if !slices.Contains(names, given) {
			return nil, errors.Wrapf(ErrShapeMismatch, "ONNX model %q has no input named %q (inputs: %v)", name, given, names)
		}
	}
	for ii, inputName := range names {
		dynShape := dynShapes[ii]
		dims, found := inputShapes[inputName]
		if !found {
			dims = dynShape.Dimensions
		}
		if len(dims) != len(dynShape.Dimensions) {
			return nil, errors.Wrapf(ErrShapeMismatch, "ONNX model %q input %q: expected rank %d (%v), got dimensions %v",
				name, inputName, len(dynShape.Dimensions), dynShape.Dimensions, dims)
		}
		for axis, dim := range dims {
			declared := dynShape.Dimensions[axis]
			if dim <= 0 {
				return nil, errors.Wrapf(ErrShapeMismatch, "ONNX model %q input %q: axis %d is dynamic, a value must be given",
					name, inputName, axis)
			}
			if declared > 0 && declared != dim {
				return nil, errors.Wrapf(ErrShapeMismatch, "ONNX model %q input %q: expected dimensions %v, got %v",
					name, inputName, dynShape.Dimensions, dims)
			}
		}
		m.Inputs = append(m.Inputs, TensorSpec{Name: inputName, DType: dynShape.DType, Dimensions: slices.Clone(dims)})
	}
	m.OutputNames, _ = onnxModel.Outputs()
	return m, nil
}

// ONNXModel returns the parsed ONNX model, parsing it on first use. Only valid for FormatONNX.
func (m *Module) ONNXModel() (*onnx.Model, error) {
	if m.Format != FormatONNX {
		return nil, errors.Errorf("module %q is not an ONNX model (format %q)", m.Name, m.Format)
	}
	if m.onnxModel == nil {
		onnxModel, err := onnx.Parse(m.ONNX)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse ONNX model %q", m.Name)
		}
		m.onnxModel = onnxModel
	}
	return m.onnxModel, nil
}

// Validate checks the module is self-consistent.
func (m *Module) Validate() error {
	if len(m.Inputs) == 0 {
		return errors.Errorf("module %q has no inputs", m.Name)
	}
	for _, spec := range m.Inputs {
		if err := spec.Validate(); err != nil {
			return errors.WithMessagef(err, "module %q", m.Name)
		}
	}
	switch m.Format {
	case FormatIR:
		if m.Graph == nil {
			return errors.Errorf("module %q has no graph", m.Name)
		}
		if err := m.Graph.Validate(); err != nil {
			return err
		}
		for ii, input := range m.Graph.Inputs {
			if ii >= len(m.Inputs) || m.Inputs[ii].Name != input.Name || m.Inputs[ii].DType != dtypes.Float32 ||
				!slices.Equal(m.Inputs[ii].Dimensions, input.Dimensions) {
				return errors.Errorf("module %q: input specs %v don't match graph inputs", m.Name, m.Inputs)
			}
		}
	case FormatONNX:
		if len(m.ONNX) == 0 {
			return errors.Errorf("module %q has no ONNX contents", m.Name)
		}
	default:
		return errors.Errorf("module %q has unknown format %q", m.Name, m.Format)
	}
	return nil
}

// InputSpec returns the spec of the named input, and whether it was found.
func (m *Module) InputSpec(name string) (TensorSpec, bool) {
	idx := slices.IndexFunc(m.Inputs, func(s TensorSpec) bool { return s.Name == name })
	if idx < 0 {
		return TensorSpec{}, false
	}
	return m.Inputs[idx], true
}

// WithGraph returns a shallow copy of the module using the given graph.
func (m *Module) WithGraph(g *ir.Graph) *Module {
	c := *m
	c.Graph = g
	c.OutputNames = slices.Clone(g.Outputs)
	return &c
}

// Text renders a human-readable listing of the module.
func (m *Module) Text() string {
	if m.Format == FormatIR && m.Graph != nil {
		return m.Graph.Text()
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "onnx %s (%s) {\n", m.Name, humanize.Bytes(uint64(len(m.ONNX))))
	for _, spec := range m.Inputs {
		_, _ = fmt.Fprintf(&sb, "  input %s\n", spec)
	}
	for _, name := range m.OutputNames {
		_, _ = fmt.Fprintf(&sb, "  output %s\n", name)
	}
	sb.WriteString("}\n")
	return sb.String()
}
