// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quickstart/pkg/ir"
	"github.com/gomlx/quickstart/pkg/model"
	"github.com/pkg/errors"
)

// FoldBatchNorm folds a batch_norm into the conv2d producing its input, when the batch_norm is
// its only consumer: the conv2d weights are rescaled per output channel and a bias is added.
func FoldBatchNorm(st *State) error {
	g := st.Graph
	consumers := g.Consumers()
	var folded []*ir.Node
	for _, bn := range g.Nodes {
		if bn.Op != ir.OpBatchNorm {
			continue
		}
		conv := g.Node(bn.Inputs[0])
		if conv == nil || conv.Op != ir.OpConv2D || conv.Attrs.Activation != "" ||
			g.IsOutput(conv.Name) || len(consumers[conv.Name]) != 1 {
			continue
		}
		scale, shift, err := batchNormScaleShift(st.Params, bn)
		if err != nil {
			return err
		}
		weight, dims, err := float32Param(st.Params, conv.Params[0])
		if err != nil {
			return err
		}
		outAxis := 0
		if conv.Attrs.KernelLayout == ir.LayoutHWIO {
			outAxis = 3
		}
		numOut := dims[outAxis]
		if len(scale) != numOut {
			return errors.Errorf("batch_norm %q has %d channels, but conv2d %q has %d output channels",
				bn.Name, len(scale), conv.Name, numOut)
		}
		newWeight := make([]float32, len(weight))
		perOut := len(weight) / numOut
		for ii, w := range weight {
			var o int
			if outAxis == 0 {
				o = ii / perOut
			} else {
				o = ii % numOut
			}
			newWeight[ii] = float32(float64(w) * scale[o])
		}
		bias := make([]float64, numOut)
		if len(conv.Params) > 1 {
			convBias, _, err := float32Param(st.Params, conv.Params[1])
			if err != nil {
				return err
			}
			for o, b := range convBias {
				bias[o] = float64(b)
			}
		}
		newBias := make([]float32, numOut)
		for o := range newBias {
			newBias[o] = float32(bias[o]*scale[o] + shift[o])
		}
		weightName := uniqueParamName(st.Params, bn.Name+"_folded_weight")
		st.Params[weightName] = tensors.FromFlatDataAndDimensions(newWeight, dims...)
		biasName := uniqueParamName(st.Params, bn.Name+"_folded_bias")
		st.Params[biasName] = tensors.FromFlatDataAndDimensions(newBias, numOut)
		conv.Params = []string{weightName, biasName}
		folded = append(folded, bn)
	}
	for _, bn := range folded {
		g.ReplaceUses(bn.Name, bn.Inputs[0])
	}
	g.RemoveNodes(func(node *ir.Node) bool {
		for _, bn := range folded {
			if node == bn {
				return true
			}
		}
		return false
	})
	return nil
}

// SimplifyInference converts each batch_norm into a scale_shift with precomputed parameters.
func SimplifyInference(st *State) error {
	for _, node := range st.Graph.Nodes {
		if node.Op != ir.OpBatchNorm {
			continue
		}
		scale, shift, err := batchNormScaleShift(st.Params, node)
		if err != nil {
			return err
		}
		scaleName := uniqueParamName(st.Params, node.Name+"_scale")
		st.Params[scaleName] = tensors.FromFlatDataAndDimensions(toFloat32(scale), len(scale))
		shiftName := uniqueParamName(st.Params, node.Name+"_shift")
		st.Params[shiftName] = tensors.FromFlatDataAndDimensions(toFloat32(shift), len(shift))
		node.Op = ir.OpScaleShift
		node.Params = []string{scaleName, shiftName}
		node.Attrs = ir.Attrs{}
	}
	return nil
}

// AlterLayout transposes conv2d kernels to HWIO and dense weights to IO ahead of time, so the
// lowered computation uses them as they are.
func AlterLayout(st *State) error {
	for _, node := range st.Graph.Nodes {
		switch {
		case node.Op == ir.OpConv2D && node.Attrs.KernelLayout != ir.LayoutHWIO:
			weight, dims, err := float32Param(st.Params, node.Params[0])
			if err != nil {
				return err
			}
			o, i, h, w := dims[0], dims[1], dims[2], dims[3]
			transposed := make([]float32, len(weight))
			for oo := range o {
				for ii := range i {
					for hh := range h {
						for ww := range w {
							transposed[((hh*w+ww)*i+ii)*o+oo] = weight[((oo*i+ii)*h+hh)*w+ww]
						}
					}
				}
			}
			name := uniqueParamName(st.Params, node.Params[0]+"_hwio")
			st.Params[name] = tensors.FromFlatDataAndDimensions(transposed, h, w, i, o)
			node.Params[0] = name
			node.Attrs.KernelLayout = ir.LayoutHWIO

		case node.Op == ir.OpDense && node.Attrs.WeightLayout != ir.LayoutIO:
			weight, dims, err := float32Param(st.Params, node.Params[0])
			if err != nil {
				return err
			}
			o, i := dims[0], dims[1]
			transposed := make([]float32, len(weight))
			for oo := range o {
				for ii := range i {
					transposed[ii*o+oo] = weight[oo*i+ii]
				}
			}
			name := uniqueParamName(st.Params, node.Params[0]+"_io")
			st.Params[name] = tensors.FromFlatDataAndDimensions(transposed, i, o)
			node.Params[0] = name
			node.Attrs.WeightLayout = ir.LayoutIO
		}
	}
	return nil
}

// batchNormScaleShift returns the per-channel scale and shift equivalent to the batch_norm node.
func batchNormScaleShift(params model.Params, bn *ir.Node) (scale, shift []float64, err error) {
	values := make([][]float32, 4)
	for ii, name := range bn.Params {
		values[ii], _, err = float32Param(params, name)
		if err != nil {
			return nil, nil, err
		}
		if len(values[ii]) != len(values[0]) {
			return nil, nil, errors.Errorf("batch_norm %q: parameter %q has %d values, expected %d",
				bn.Name, name, len(values[ii]), len(values[0]))
		}
	}
	gamma, beta, mean, variance := values[0], values[1], values[2], values[3]
	scale = make([]float64, len(gamma))
	shift = make([]float64, len(gamma))
	for c := range gamma {
		s := 1.0 / math.Sqrt(float64(variance[c])+bn.Attrs.Epsilon)
		if !bn.Attrs.NoScale {
			s *= float64(gamma[c])
		}
		scale[c] = s
		shift[c] = float64(beta[c]) - float64(mean[c])*s
	}
	return scale, shift, nil
}

func float32Param(params model.Params, name string) ([]float32, []int, error) {
	t, found := params[name]
	if !found {
		return nil, nil, errors.Errorf("parameter %q not found", name)
	}
	var data []float32
	err := tensors.ConstFlatData(t, func(flat []float32) {
		data = make([]float32, len(flat))
		copy(data, flat)
	})
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "parameter %q", name)
	}
	return data, t.Shape().Dimensions, nil
}

func toFloat32(values []float64) []float32 {
	out := make([]float32, len(values))
	for ii, v := range values {
		out[ii] = float32(v)
	}
	return out
}

// uniqueParamName returns base, or base with a numeric suffix if base is already taken.
func uniqueParamName(params model.Params, base string) string {
	name := base
	for ii := 1; ; ii++ {
		if _, found := params[name]; !found {
			return name
		}
		name = fmt.Sprintf("%s_%d", base, ii)
	}
}
