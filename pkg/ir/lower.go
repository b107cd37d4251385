// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
)

// ParamFn returns the graph node holding the value of the named parameter.
type ParamFn func(name string) *graph.Node

// Lower builds the computation described by the graph into the GoMLX graph of the given inputs,
// and returns the output nodes, in the order of Graph.Outputs.
//
// Inputs must be given in the order of Graph.Inputs, with the declared NCHW dimensions. Internally
// the computation runs channels-last, the default of GoMLX convolutions, and rank-4 outputs
// are converted back to NCHW.
//
// Like every graph building function, it panics on errors. Use exceptions.TryCatch to convert them.
func (g *Graph) Lower(inputs []*graph.Node, param ParamFn) []*graph.Node {
	if len(inputs) != len(g.Inputs) {
		exceptions.Panicf("graph %q has %d inputs, %d were given", g.Name, len(g.Inputs), len(inputs))
	}
	values := make(map[string]*graph.Node, len(g.Inputs)+len(g.Nodes))
	for ii, input := range inputs {
		decl := g.Inputs[ii]
		if !slices.Equal(input.Shape().Dimensions, decl.Dimensions) {
			exceptions.Panicf("graph %q input %q: expected dimensions %v, got shape %s",
				g.Name, decl.Name, decl.Dimensions, input.Shape())
		}
		values[decl.Name] = graph.TransposeAllAxes(input, 0, 2, 3, 1)
	}
	for _, node := range g.Nodes {
		x := values[node.Inputs[0]]
		if x == nil {
			exceptions.Panicf("graph %q node %q: input %q not defined", g.Name, node.Name, node.Inputs[0])
		}
		var y *graph.Node
		switch node.Op {
		case OpConv2D:
			y = lowerConv2D(node, x, param)
		case OpBatchNorm:
			y = lowerBatchNorm(node, x, param)
		case OpScaleShift:
			y = graph.Add(
				graph.Mul(x, channelsParam(param, node.Params[0], x)),
				channelsParam(param, node.Params[1], x))
		case OpRelu:
			y = relu(x)
		case OpAdd:
			y = graph.Add(x, values[node.Inputs[1]])
		case OpMaxPool2D:
			y = lowerMaxPool2D(node, x)
		case OpGlobalAvgPool2D:
			requireRank(node, x, 4)
			dims := x.Shape().Dimensions
			y = graph.Reshape(graph.ReduceMean(x, 1, 2), dims[0], 1, 1, dims[3])
		case OpFlatten:
			y = flatten(x)
		case OpDense:
			y = lowerDense(node, x, param)
		case OpSoftmax:
			y = graph.Softmax(x)
		default:
			exceptions.Panicf("graph %q node %q: unsupported op %q", g.Name, node.Name, node.Op)
		}
		if node.Attrs.Activation == ActivationRelu {
			y = relu(y)
		}
		values[node.Name] = y
	}
	outputs := make([]*graph.Node, len(g.Outputs))
	for ii, name := range g.Outputs {
		out := values[name]
		if out == nil {
			exceptions.Panicf("graph %q: output %q not defined", g.Name, name)
		}
		if out.Rank() == 4 {
			out = graph.TransposeAllAxes(out, 0, 3, 1, 2)
		}
		outputs[ii] = out
	}
	return outputs
}

func requireRank(node *Node, x *graph.Node, rank int) {
	if x.Rank() != rank {
		exceptions.Panicf("node %q (%s): expected input of rank %d, got shape %s", node.Name, node.Op, rank, x.Shape())
	}
}

func relu(x *graph.Node) *graph.Node {
	return graph.Max(x, graph.ZerosLike(x))
}

// channelsParam returns the per-channel parameter broadcastable to x, channels-last.
func channelsParam(param ParamFn, name string, x *graph.Node) *graph.Node {
	return graph.ExpandLeftToRank(param(name), x.Rank())
}

func lowerConv2D(node *Node, x *graph.Node, param ParamFn) *graph.Node {
	requireRank(node, x, 4)
	kernel := param(node.Params[0])
	if node.Attrs.KernelLayout != LayoutHWIO {
		kernel = graph.TransposeAllAxes(kernel, 2, 3, 1, 0)
	}
	conv := graph.Convolve(x, kernel)
	if len(node.Attrs.Strides) > 0 {
		conv = conv.StridePerAxis(node.Attrs.Strides...)
	} else {
		conv = conv.Strides(1)
	}
	if p := node.Attrs.Padding; len(p) > 0 {
		conv = conv.PaddingPerDim([][2]int{{p[0], p[0]}, {p[1], p[1]}})
	}
	y := conv.Done()
	if len(node.Params) > 1 {
		y = graph.Add(y, channelsParam(param, node.Params[1], y))
	}
	return y
}

func lowerBatchNorm(node *Node, x *graph.Node, param ParamFn) *graph.Node {
	requireRank(node, x, 4)
	mean := channelsParam(param, node.Params[2], x)
	variance := channelsParam(param, node.Params[3], x)
	y := graph.Div(graph.Sub(x, mean), graph.Sqrt(graph.AddScalar(variance, node.Attrs.Epsilon)))
	if !node.Attrs.NoScale {
		y = graph.Mul(y, channelsParam(param, node.Params[0], x))
	}
	return graph.Add(y, channelsParam(param, node.Params[1], x))
}

func lowerMaxPool2D(node *Node, x *graph.Node) *graph.Node {
	requireRank(node, x, 4)
	pool := graph.MaxPool(x).WindowPerAxis(node.Attrs.PoolSize...)
	if len(node.Attrs.Strides) > 0 {
		pool = pool.StridePerAxis(node.Attrs.Strides...)
	}
	if p := node.Attrs.Padding; len(p) > 0 {
		pool = pool.PaddingPerDim([][2]int{{p[0], p[0]}, {p[1], p[1]}})
	} else {
		pool = pool.NoPadding()
	}
	return pool.Done()
}

func lowerDense(node *Node, x *graph.Node, param ParamFn) *graph.Node {
	requireRank(node, x, 2)
	weight := param(node.Params[0])
	var y *graph.Node
	if node.Attrs.WeightLayout == LayoutIO {
		y = graph.Einsum("bi,io->bo", x, weight)
	} else {
		y = graph.Einsum("bi,oi->bo", x, weight)
	}
	if len(node.Params) > 1 {
		y = graph.Add(y, channelsParam(param, node.Params[1], y))
	}
	return y
}

// flatten to [batch, -1] in NCHW element order.
func flatten(x *graph.Node) *graph.Node {
	if x.Rank() == 4 {
		x = graph.TransposeAllAxes(x, 0, 3, 1, 2)
	}
	batch := x.Shape().Dimensions[0]
	return graph.Reshape(x, batch, x.Shape().Size()/batch)
}
