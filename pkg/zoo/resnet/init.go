// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	"math"
	"math/rand/v2"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quickstart/internal/workerspool"
	"github.com/gomlx/quickstart/pkg/model"
)

// XavierMagnitude is the magnitude of the uniform Xavier initialization of the weights.
const XavierMagnitude = 3.0

// initParams creates the parameters in parallel. Each parameter has its own random stream, seeded
// by seed and its position, so the values only depend on the configuration and the seed.
//
// Weights are initialized with a uniform Xavier distribution (averaging fan-in and fan-out), biases
// and betas with 0, gammas with 1 and the batch normalization statistics with mean 0 and variance 1.
func initParams(paramShapes []paramShape, seed uint64) model.Params {
	values := make([]*tensors.Tensor, len(paramShapes))
	pool := workerspool.New()
	for idx, ps := range paramShapes {
		pool.Go(func() {
			values[idx] = initParam(ps, rand.New(rand.NewPCG(seed, 0x5eed+uint64(idx))))
		})
	}
	pool.Wait()
	params := make(model.Params, len(paramShapes))
	for idx, ps := range paramShapes {
		params[ps.name] = values[idx]
	}
	return params
}

func initParam(ps paramShape, rng *rand.Rand) *tensors.Tensor {
	size := 1
	for _, dim := range ps.dimensions {
		size *= dim
	}
	data := make([]float32, size)
	switch {
	case strings.HasSuffix(ps.name, "_weight"):
		xavierUniform(rng, data, ps.dimensions)
	case strings.HasSuffix(ps.name, "_gamma"), strings.HasSuffix(ps.name, "_moving_var"):
		for ii := range data {
			data[ii] = 1
		}
	default:
		// Biases, betas and moving means are zero.
	}
	return tensors.FromFlatDataAndDimensions(data, ps.dimensions...)
}

func xavierUniform(rng *rand.Rand, data []float32, dims []int) {
	receptive := 1
	for _, dim := range dims[2:] {
		receptive *= dim
	}
	fanIn := float64(dims[1] * receptive)
	fanOut := float64(dims[0] * receptive)
	scale := math.Sqrt(XavierMagnitude / ((fanIn + fanOut) / 2))
	for ii := range data {
		data[ii] = float32((2*rng.Float64() - 1) * scale)
	}
}
