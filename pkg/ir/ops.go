// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

// Op is the type of operation of a Node.
type Op string

const (
	// OpConv2D is a 2D convolution. Params: weight and optionally bias.
	OpConv2D Op = "conv2d"

	// OpBatchNorm is an inference batch normalization over the channels axis.
	// Params: gamma, beta, moving mean and moving variance.
	OpBatchNorm Op = "batch_norm"

	// OpScaleShift multiplies by a per-channel scale and adds a per-channel shift. Params: scale and shift.
	OpScaleShift Op = "scale_shift"

	// OpRelu is max(x, 0).
	OpRelu Op = "relu"

	// OpAdd is the elementwise sum of its two inputs.
	OpAdd Op = "add"

	// OpMaxPool2D is a 2D max pooling.
	OpMaxPool2D Op = "max_pool2d"

	// OpGlobalAvgPool2D averages over the spatial axes, keeping them with dimension 1.
	OpGlobalAvgPool2D Op = "global_avg_pool2d"

	// OpFlatten reshapes to [batch, -1], following the NCHW element order.
	OpFlatten Op = "flatten"

	// OpDense is a fully connected layer. Params: weight and optionally bias.
	OpDense Op = "dense"

	// OpSoftmax normalizes the last axis into probabilities.
	OpSoftmax Op = "softmax"
)

type opDef struct {
	numInputs            int
	minParams, maxParams int

	// fusable indicates an activation can be fused at the end of the op.
	fusable bool
}

var opDefs = map[Op]opDef{
	OpConv2D:          {numInputs: 1, minParams: 1, maxParams: 2, fusable: true},
	OpBatchNorm:       {numInputs: 1, minParams: 4, maxParams: 4},
	OpScaleShift:      {numInputs: 1, minParams: 2, maxParams: 2, fusable: true},
	OpRelu:            {numInputs: 1},
	OpAdd:             {numInputs: 2, fusable: true},
	OpMaxPool2D:       {numInputs: 1},
	OpGlobalAvgPool2D: {numInputs: 1},
	OpFlatten:         {numInputs: 1},
	OpDense:           {numInputs: 1, minParams: 1, maxParams: 2, fusable: true},
	OpSoftmax:         {numInputs: 1},
}

// IsSupported returns whether op is known.
func (op Op) IsSupported() bool {
	_, found := opDefs[op]
	return found
}

// IsFusable returns whether an activation can be fused at the end of op.
func (op Op) IsFusable() bool {
	return opDefs[op].fusable
}
