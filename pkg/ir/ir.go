// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir defines the execution graph a model definition is expressed in, before it is lowered
// to a GoMLX computation.
//
// A Graph is a flat list of Nodes in topological order: every node only refers to graph inputs or to
// nodes listed before it. Trainable values are not stored in the graph, nodes refer to them by name
// (see Node.Params), and they are provided separately at lowering time.
//
// The graph is serializable to JSON, and it is the execution graph description stored in the
// compiled artifacts.
package ir

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// Layout of the declared graph inputs.
const (
	// LayoutNCHW is the only supported input layout: [batch, channels, height, width].
	LayoutNCHW = "NCHW"
)

// Input declares one input of the graph.
type Input struct {
	Name       string `json:"name"`
	Dimensions []int  `json:"dimensions"`
}

// Node is one operation of the graph.
type Node struct {
	// Name of the node, which is also the name of its output.
	Name string `json:"name"`

	// Op is the operation type.
	Op Op `json:"op"`

	// Inputs are names of graph inputs or of previous nodes.
	Inputs []string `json:"inputs"`

	// Params are the names of the parameters used by the op, in the order defined by the op.
	Params []string `json:"params,omitempty"`

	// Attrs configure the op.
	Attrs Attrs `json:"attrs"`
}

// Attrs holds the attributes of all ops. Each op only uses a subset of them.
type Attrs struct {
	// Strides for conv2d and max_pool2d, one per spatial axis.
	Strides []int `json:"strides,omitempty"`

	// Padding for conv2d and max_pool2d, symmetric, one per spatial axis.
	Padding []int `json:"padding,omitempty"`

	// PoolSize for max_pool2d, one per spatial axis.
	PoolSize []int `json:"pool_size,omitempty"`

	// Epsilon for batch_norm.
	Epsilon float64 `json:"epsilon,omitempty"`

	// NoScale for batch_norm makes it ignore gamma (it is still listed in the params).
	NoScale bool `json:"no_scale,omitempty"`

	// KernelLayout of conv2d weights: LayoutOIHW (the default if empty) or LayoutHWIO.
	KernelLayout string `json:"kernel_layout,omitempty"`

	// WeightLayout of dense weights: LayoutOI (the default if empty) or LayoutIO.
	WeightLayout string `json:"weight_layout,omitempty"`

	// Activation fused at the end of the op: "" or ActivationRelu.
	Activation string `json:"activation,omitempty"`
}

// Kernel and weight layouts.
const (
	LayoutOIHW = "OIHW"
	LayoutHWIO = "HWIO"
	LayoutOI   = "OI"
	LayoutIO   = "IO"
)

// ActivationRelu is the only activation that can be fused into other ops.
const ActivationRelu = "relu"

// Graph is a model definition in execution graph form.
type Graph struct {
	Name    string   `json:"name"`
	Layout  string   `json:"layout"`
	Inputs  []Input  `json:"inputs"`
	Nodes   []*Node  `json:"nodes"`
	Outputs []string `json:"outputs"`
}

// Clone returns a deep copy of the graph, so it can be transformed without affecting the original.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Name:    g.Name,
		Layout:  g.Layout,
		Inputs:  make([]Input, len(g.Inputs)),
		Nodes:   make([]*Node, len(g.Nodes)),
		Outputs: slices.Clone(g.Outputs),
	}
	for i, input := range g.Inputs {
		c.Inputs[i] = Input{Name: input.Name, Dimensions: slices.Clone(input.Dimensions)}
	}
	for i, node := range g.Nodes {
		c.Nodes[i] = node.Clone()
	}
	return c
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	c.Inputs = slices.Clone(n.Inputs)
	c.Params = slices.Clone(n.Params)
	c.Attrs.Strides = slices.Clone(n.Attrs.Strides)
	c.Attrs.Padding = slices.Clone(n.Attrs.Padding)
	c.Attrs.PoolSize = slices.Clone(n.Attrs.PoolSize)
	return &c
}

// Node returns the node with the given name, or nil if not found.
func (g *Graph) Node(name string) *Node {
	for _, node := range g.Nodes {
		if node.Name == name {
			return node
		}
	}
	return nil
}

// Input returns the index of the input with the given name, or -1 if not found.
func (g *Graph) Input(name string) int {
	return slices.IndexFunc(g.Inputs, func(input Input) bool { return input.Name == name })
}

// Consumers maps each name (input or node) to the nodes that use it as an input.
// Graph outputs are not counted as consumers, see IsOutput.
func (g *Graph) Consumers() map[string][]*Node {
	consumers := make(map[string][]*Node)
	for _, node := range g.Nodes {
		for _, in := range node.Inputs {
			consumers[in] = append(consumers[in], node)
		}
	}
	return consumers
}

// IsOutput returns whether name is one of the graph outputs.
func (g *Graph) IsOutput(name string) bool {
	return slices.Contains(g.Outputs, name)
}

// ParamNames returns the names of all parameters used by the graph, in order of first use.
func (g *Graph) ParamNames() []string {
	var names []string
	seen := make(map[string]bool)
	for _, node := range g.Nodes {
		for _, p := range node.Params {
			if !seen[p] {
				seen[p] = true
				names = append(names, p)
			}
		}
	}
	return names
}

// ReplaceUses makes every node input and graph output that refers to from refer to to instead.
func (g *Graph) ReplaceUses(from, to string) {
	for _, node := range g.Nodes {
		for i, in := range node.Inputs {
			if in == from {
				node.Inputs[i] = to
			}
		}
	}
	for i, out := range g.Outputs {
		if out == from {
			g.Outputs[i] = to
		}
	}
}

// RemoveNodes removes the nodes for which drop returns true.
func (g *Graph) RemoveNodes(drop func(node *Node) bool) {
	g.Nodes = slices.DeleteFunc(g.Nodes, drop)
}

// Validate checks the graph is well-formed: known ops with the right number of inputs and params,
// unique names, every reference defined before it is used and every output defined.
func (g *Graph) Validate() error {
	if g.Layout != "" && g.Layout != LayoutNCHW {
		return errors.Errorf("graph %q: unsupported input layout %q", g.Name, g.Layout)
	}
	if len(g.Inputs) == 0 {
		return errors.Errorf("graph %q has no inputs", g.Name)
	}
	if len(g.Outputs) == 0 {
		return errors.Errorf("graph %q has no outputs", g.Name)
	}
	defined := make(map[string]bool)
	for _, input := range g.Inputs {
		if input.Name == "" {
			return errors.Errorf("graph %q: input with empty name", g.Name)
		}
		if defined[input.Name] {
			return errors.Errorf("graph %q: input %q defined more than once", g.Name, input.Name)
		}
		if len(input.Dimensions) != 4 {
			return errors.Errorf("graph %q: input %q must have rank 4 (%s), got dimensions %v",
				g.Name, input.Name, LayoutNCHW, input.Dimensions)
		}
		for _, dim := range input.Dimensions {
			if dim <= 0 {
				return errors.Errorf("graph %q: input %q has non-positive dimensions %v", g.Name, input.Name, input.Dimensions)
			}
		}
		defined[input.Name] = true
	}
	for ii, node := range g.Nodes {
		if node.Name == "" {
			return errors.Errorf("graph %q: node #%d has no name", g.Name, ii)
		}
		if defined[node.Name] {
			return errors.Errorf("graph %q: name %q defined more than once", g.Name, node.Name)
		}
		if err := node.validate(); err != nil {
			return errors.WithMessagef(err, "graph %q", g.Name)
		}
		for _, in := range node.Inputs {
			if !defined[in] {
				return errors.Errorf("graph %q: node %q uses %q before it is defined", g.Name, node.Name, in)
			}
		}
		defined[node.Name] = true
	}
	for _, out := range g.Outputs {
		if !defined[out] {
			return errors.Errorf("graph %q: output %q is not defined", g.Name, out)
		}
	}
	return nil
}

func (n *Node) validate() error {
	def, found := opDefs[n.Op]
	if !found {
		return errors.Errorf("node %q: unsupported op %q", n.Name, n.Op)
	}
	if len(n.Inputs) != def.numInputs {
		return errors.Errorf("node %q (%s): expected %d inputs, got %d", n.Name, n.Op, def.numInputs, len(n.Inputs))
	}
	if len(n.Params) < def.minParams || len(n.Params) > def.maxParams {
		return errors.Errorf("node %q (%s): expected between %d and %d params, got %d",
			n.Name, n.Op, def.minParams, def.maxParams, len(n.Params))
	}
	if n.Attrs.Activation != "" && n.Attrs.Activation != ActivationRelu {
		return errors.Errorf("node %q (%s): unsupported activation %q", n.Name, n.Op, n.Attrs.Activation)
	}
	if n.Attrs.Activation != "" && !def.fusable {
		return errors.Errorf("node %q (%s): op cannot have a fused activation", n.Name, n.Op)
	}
	for _, list := range []struct {
		name   string
		values []int
		min    int
	}{
		{"strides", n.Attrs.Strides, 1},
		{"padding", n.Attrs.Padding, 0},
		{"pool_size", n.Attrs.PoolSize, 1},
	} {
		if len(list.values) != 0 && len(list.values) != 2 {
			return errors.Errorf("node %q (%s): %s must have 2 values (height, width), got %v",
				n.Name, n.Op, list.name, list.values)
		}
		for _, v := range list.values {
			if v < list.min {
				return errors.Errorf("node %q (%s): invalid %s %v", n.Name, n.Op, list.name, list.values)
			}
		}
	}
	switch n.Op {
	case OpConv2D:
		if l := n.Attrs.KernelLayout; l != "" && l != LayoutOIHW && l != LayoutHWIO {
			return errors.Errorf("node %q (%s): invalid kernel layout %q", n.Name, n.Op, l)
		}
	case OpDense:
		if l := n.Attrs.WeightLayout; l != "" && l != LayoutOI && l != LayoutIO {
			return errors.Errorf("node %q (%s): invalid weight layout %q", n.Name, n.Op, l)
		}
	case OpMaxPool2D:
		if len(n.Attrs.PoolSize) == 0 {
			return errors.Errorf("node %q (%s): pool_size is required", n.Name, n.Op)
		}
	case OpBatchNorm:
		if n.Attrs.Epsilon <= 0 {
			return errors.Errorf("node %q (%s): epsilon must be > 0, got %g", n.Name, n.Op, n.Attrs.Epsilon)
		}
	}
	return nil
}

// Marshal the graph to indented JSON.
func (g *Graph) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal graph %q", g.Name)
	}
	return data, nil
}

// Unmarshal a graph from JSON and validate it.
func Unmarshal(data []byte) (*Graph, error) {
	g := &Graph{}
	if err := json.Unmarshal(data, g); err != nil {
		return nil, errors.Wrap(err, "failed to parse graph JSON")
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// String implements fmt.Stringer with a one-line summary.
func (g *Graph) String() string {
	return fmt.Sprintf("graph %q (%d inputs, %d nodes, %d params, %d outputs)",
		g.Name, len(g.Inputs), len(g.Nodes), len(g.ParamNames()), len(g.Outputs))
}
