// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/quickstart/pkg/model"
	"github.com/pkg/errors"
)

// ParamsScope is the context scope holding the parameters of execution graph modules,
// when they are not bound as constants.
const ParamsScope = "params"

// LoadVariables creates in ctx the variables the computation reads its parameters from.
//
// For execution graph modules with BindParams set there is nothing to load. ONNX modules load their
// own weights.
func (a *Artifact) LoadVariables(ctx *context.Context) error {
	switch a.Module.Format {
	case model.FormatONNX:
		onnxModel, err := a.Module.ONNXModel()
		if err != nil {
			return err
		}
		return errors.WithMessagef(onnxModel.VariablesToContext(ctx), "loading weights of ONNX model %q", a.Module.Name)
	case model.FormatIR:
		if a.BindParams {
			return nil
		}
		return exceptions.TryCatch[error](func() {
			paramsCtx := ctx.In(ParamsScope)
			for _, name := range a.Module.Graph.ParamNames() {
				paramsCtx.VariableWithValue(name, a.Params[name])
			}
		})
	}
	return errors.Errorf("module %q has unknown format %q", a.Module.Name, a.Module.Format)
}

// Lower builds the computation of the artifact into the graph of inputs, and returns its outputs.
// The inputs are given in the order of Inputs. LoadVariables must have been called on ctx.
//
// It is a graph building function, and panics on errors.
func (a *Artifact) Lower(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
	if len(inputs) != len(a.Module.Inputs) {
		exceptions.Panicf("%q takes %d inputs, %d given", a.Module.Name, len(a.Module.Inputs), len(inputs))
	}
	g := inputs[0].Graph()
	switch a.Module.Format {
	case model.FormatONNX:
		onnxModel, err := a.Module.ONNXModel()
		if err != nil {
			panic(err)
		}
		feeds := make(map[string]*graph.Node, len(inputs))
		for ii, spec := range a.Module.Inputs {
			feeds[spec.Name] = inputs[ii]
		}
		return onnxModel.CallGraph(ctx, g, feeds, a.Module.OutputNames...)
	case model.FormatIR:
		paramsCtx := ctx.In(ParamsScope)
		return a.Module.Graph.Lower(inputs, func(name string) *graph.Node {
			if a.BindParams {
				t, found := a.Params[name]
				if !found {
					exceptions.Panicf("parameter %q missing", name)
				}
				return graph.ConstTensor(g, t)
			}
			v := paramsCtx.GetVariable(name)
			if v == nil {
				exceptions.Panicf("parameter %q not loaded in scope %q", name, paramsCtx.Scope())
			}
			return v.ValueGraph(g)
		})
	}
	exceptions.Panicf("module %q has unknown format %q", a.Module.Name, a.Module.Format)
	return nil
}
