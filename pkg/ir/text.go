// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"strings"
)

// Text renders the graph as a human-readable listing, one node per line:
//
//	fn resnet18(%data: Tensor[(1, 3, 224, 224), float32]) {
//	  %conv0 = conv2d(%bn_data, @conv0_weight) /* strides=[2 2] padding=[3 3] */
//	  ...
//	  return %softmax
//	}
func (g *Graph) Text() string {
	var sb strings.Builder
	w := func(format string, args ...any) {
		_, _ = fmt.Fprintf(&sb, format, args...)
	}
	inputs := make([]string, len(g.Inputs))
	for ii, input := range g.Inputs {
		dims := make([]string, len(input.Dimensions))
		for jj, dim := range input.Dimensions {
			dims[jj] = fmt.Sprint(dim)
		}
		inputs[ii] = fmt.Sprintf("%%%s: Tensor[(%s), float32]", input.Name, strings.Join(dims, ", "))
	}
	w("fn %s(%s) {\n", g.Name, strings.Join(inputs, ", "))
	for _, node := range g.Nodes {
		args := make([]string, 0, len(node.Inputs)+len(node.Params))
		for _, in := range node.Inputs {
			args = append(args, "%"+in)
		}
		for _, p := range node.Params {
			args = append(args, "@"+p)
		}
		w("  %%%s = %s(%s)", node.Name, node.Op, strings.Join(args, ", "))
		if attrs := node.Attrs.text(); attrs != "" {
			w(" /* %s */", attrs)
		}
		w("\n")
	}
	outputs := make([]string, len(g.Outputs))
	for ii, out := range g.Outputs {
		outputs[ii] = "%" + out
	}
	if len(outputs) == 1 {
		w("  return %s\n", outputs[0])
	} else {
		w("  return (%s)\n", strings.Join(outputs, ", "))
	}
	w("}\n")
	return sb.String()
}

func (a Attrs) text() string {
	var parts []string
	if len(a.PoolSize) > 0 {
		parts = append(parts, fmt.Sprintf("pool_size=%v", a.PoolSize))
	}
	if len(a.Strides) > 0 {
		parts = append(parts, fmt.Sprintf("strides=%v", a.Strides))
	}
	if len(a.Padding) > 0 {
		parts = append(parts, fmt.Sprintf("padding=%v", a.Padding))
	}
	if a.Epsilon != 0 {
		parts = append(parts, fmt.Sprintf("epsilon=%g", a.Epsilon))
	}
	if a.NoScale {
		parts = append(parts, "scale=false")
	}
	if a.KernelLayout != "" {
		parts = append(parts, "kernel_layout="+a.KernelLayout)
	}
	if a.WeightLayout != "" {
		parts = append(parts, "weight_layout="+a.WeightLayout)
	}
	if a.Activation != "" {
		parts = append(parts, "activation="+a.Activation)
	}
	return strings.Join(parts, " ")
}
