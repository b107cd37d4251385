// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package passes implements the graph-level transformations applied to an execution graph
// before it is lowered, selected by the optimization level.
//
// Passes restructure the graph (and precompute parameters) but never change its results beyond
// float rounding. Everything below the execution graph (fusion of elementwise ops, scheduling,
// code generation) is left to the backend.
package passes

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/quickstart/pkg/ir"
	"github.com/gomlx/quickstart/pkg/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaxOptLevel is the highest optimization level.
const MaxOptLevel = 3

// ErrInvalidOptLevel is returned (wrapped) for optimization levels out of the 0 to MaxOptLevel range.
var ErrInvalidOptLevel = errors.New("invalid optimization level")

// State is transformed by the passes.
type State struct {
	Graph  *ir.Graph
	Params model.Params

	// BindParams indicates parameters should be lowered as constants of the computation.
	BindParams bool

	// Applied lists the names of the passes applied so far.
	Applied []string
}

// Pass is one transformation.
type Pass struct {
	Name string

	// MinLevel is the lowest optimization level the pass is enabled at.
	MinLevel int

	Apply func(st *State) error
}

// Pipeline is the ordered list of all passes.
var Pipeline = []Pass{
	{Name: "FoldBatchNorm", MinLevel: 1, Apply: FoldBatchNorm},
	{Name: "SimplifyInference", MinLevel: 1, Apply: SimplifyInference},
	{Name: "FuseActivation", MinLevel: 2, Apply: FuseActivation},
	{Name: "AlterLayout", MinLevel: 3, Apply: AlterLayout},
	{Name: "EliminateDeadNodes", MinLevel: 1, Apply: EliminateDeadNodes},
	{Name: "BindParams", MinLevel: 3, Apply: BindParams},
}

// Config selects the passes to run.
type Config struct {
	OptLevel int

	// Disabled lists the names of passes not to run, regardless of the level.
	Disabled []string
}

// ValidateOptLevel returns an error if level is out of range.
func ValidateOptLevel(level int) error {
	if level < 0 || level > MaxOptLevel {
		return errors.Wrapf(ErrInvalidOptLevel, "optimization level %d is not in the range 0 to %d", level, MaxOptLevel)
	}
	return nil
}

// Names returns the names of the passes enabled by cfg, in the order they run.
func (cfg Config) Names() []string {
	var names []string
	for _, pass := range Pipeline {
		if pass.MinLevel <= cfg.OptLevel && !slices.Contains(cfg.Disabled, pass.Name) {
			names = append(names, pass.Name)
		}
	}
	return names
}

// Run the passes enabled by cfg on a copy of graph and params. The inputs are not modified.
func Run(g *ir.Graph, params model.Params, cfg Config) (*State, error) {
	if err := ValidateOptLevel(cfg.OptLevel); err != nil {
		return nil, err
	}
	for _, name := range cfg.Disabled {
		if !slices.ContainsFunc(Pipeline, func(p Pass) bool { return p.Name == name }) {
			return nil, errors.Errorf("unknown pass %q can't be disabled", name)
		}
	}
	if err := checkParams(g, params); err != nil {
		return nil, err
	}
	st := &State{Graph: g.Clone(), Params: params.Clone()}
	enabled := cfg.Names()
	for _, pass := range Pipeline {
		if !slices.Contains(enabled, pass.Name) {
			continue
		}
		numNodes := len(st.Graph.Nodes)
		if err := pass.Apply(st); err != nil {
			return nil, errors.WithMessagef(err, "pass %s", pass.Name)
		}
		if err := st.Graph.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "pass %s produced an invalid graph", pass.Name)
		}
		st.Applied = append(st.Applied, pass.Name)
		klog.V(1).Infof("pass %s: %d -> %d nodes", pass.Name, numNodes, len(st.Graph.Nodes))
	}
	return st, nil
}

// checkParams verifies every parameter used by the graph is provided, as float32.
func checkParams(g *ir.Graph, params model.Params) error {
	for _, name := range g.ParamNames() {
		t, found := params[name]
		if !found {
			return errors.Errorf("graph %q uses parameter %q, which was not provided", g.Name, name)
		}
		if t.DType() != dtypes.Float32 {
			return errors.Errorf("parameter %q has dtype %s, only Float32 is supported", name, t.DType())
		}
	}
	return nil
}

// BindParams marks parameters to be lowered as constants, which lets the backend fold
// computations that only depend on them.
func BindParams(st *State) error {
	st.BindParams = true
	return nil
}

// EliminateDeadNodes removes nodes that don't contribute to any output, and the parameters no
// longer used.
func EliminateDeadNodes(st *State) error {
	g := st.Graph
	live := make(map[string]bool)
	for _, out := range g.Outputs {
		live[out] = true
	}
	for ii := len(g.Nodes) - 1; ii >= 0; ii-- {
		node := g.Nodes[ii]
		if !live[node.Name] {
			continue
		}
		for _, in := range node.Inputs {
			live[in] = true
		}
	}
	g.RemoveNodes(func(node *ir.Node) bool { return !live[node.Name] })
	st.Params.Prune(g.ParamNames())
	return nil
}

// FuseActivation fuses a relu into the op producing its input, if the relu is the only consumer.
func FuseActivation(st *State) error {
	g := st.Graph
	fused := make(map[string]bool)
	for {
		consumers := g.Consumers()
		var relu *ir.Node
		for _, node := range g.Nodes {
			if node.Op != ir.OpRelu || fused[node.Name] {
				continue
			}
			producer := g.Node(node.Inputs[0])
			if producer == nil || !producer.Op.IsFusable() || producer.Attrs.Activation != "" ||
				g.IsOutput(producer.Name) || len(consumers[producer.Name]) != 1 {
				continue
			}
			producer.Attrs.Activation = ir.ActivationRelu
			relu = node
			break
		}
		if relu == nil {
			return nil
		}
		fused[relu.Name] = true
		g.ReplaceUses(relu.Name, relu.Inputs[0])
		g.RemoveNodes(func(node *ir.Node) bool { return node == relu })
	}
}
