// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package resnet builds the reference residual network (pre-activation ResNet, "v2") as an
// execution graph, with deterministically initialized parameters.
//
// Networks of 18, 34, 50, 101, 152, 200 and 269 layers are supported for ImageNet-like images, and
// 6n+2 (basic blocks) or 9n+2 (bottleneck, n >= 18) layers for small images (height <= 28), as in
// the original "Identity Mappings in Deep Residual Networks" paper.
//
// Parameter names follow the common model zoo convention: "conv0_weight",
// "stage1_unit1_bn1_gamma", "fc1_bias", etc.
//
// Example:
//
//	cfg := resnet.DefaultConfig()
//	mod, params, err := resnet.Build(cfg)
package resnet

import (
	"fmt"

	"github.com/gomlx/quickstart/pkg/ir"
	"github.com/gomlx/quickstart/pkg/model"
	"github.com/pkg/errors"
)

// Epsilon used by all batch normalizations.
const Epsilon = 2e-5

// Config of the network.
type Config struct {
	// NumLayers is the depth of the network.
	NumLayers int

	// BatchSize is the leading dimension of the input.
	BatchSize int

	// ImageShape is the input image shape as channels, height and width.
	ImageShape [3]int

	// NumClasses is the size of the output.
	NumClasses int

	// Filters optionally overrides the number of filters of the stem and of each stage.
	// It must have one value more than the number of stages. If empty, the standard values are used.
	Filters []int

	// Seed of the parameters initialization.
	Seed uint64
}

// DefaultConfig is the 18-layers network for one 3x224x224 image and 1000 classes.
func DefaultConfig() Config {
	return Config{
		NumLayers:  18,
		BatchSize:  1,
		ImageShape: [3]int{3, 224, 224},
		NumClasses: 1000,
	}
}

// InputShape returns the NCHW shape of the input.
func (cfg Config) InputShape() []int {
	return []int{cfg.BatchSize, cfg.ImageShape[0], cfg.ImageShape[1], cfg.ImageShape[2]}
}

// OutputShape returns the shape of the output probabilities.
func (cfg Config) OutputShape() []int {
	return []int{cfg.BatchSize, cfg.NumClasses}
}

// architecture is the layout derived from the Config.
type architecture struct {
	units      []int
	filters    []int
	bottleneck bool
}

var imageNetUnits = map[int][]int{
	18:  {2, 2, 2, 2},
	34:  {3, 4, 6, 3},
	50:  {3, 4, 6, 3},
	101: {3, 4, 23, 3},
	152: {3, 8, 36, 3},
	200: {3, 24, 36, 3},
	269: {3, 30, 48, 8},
}

func (cfg Config) architecture() (arch architecture, err error) {
	if cfg.BatchSize <= 0 || cfg.NumClasses <= 0 {
		return arch, errors.Errorf("resnet: batch size (%d) and number of classes (%d) must be > 0",
			cfg.BatchSize, cfg.NumClasses)
	}
	for _, dim := range cfg.ImageShape {
		if dim <= 0 {
			return arch, errors.Errorf("resnet: invalid image shape %v", cfg.ImageShape)
		}
	}
	height := cfg.ImageShape[1]
	if height <= 28 {
		var perStage int
		switch {
		case (cfg.NumLayers-2)%9 == 0 && cfg.NumLayers >= 164:
			perStage = (cfg.NumLayers - 2) / 9
			arch.filters = []int{16, 64, 128, 256}
			arch.bottleneck = true
		case (cfg.NumLayers-2)%6 == 0 && cfg.NumLayers < 164 && cfg.NumLayers >= 8:
			perStage = (cfg.NumLayers - 2) / 6
			arch.filters = []int{16, 16, 32, 64}
		default:
			return arch, errors.Errorf("resnet: %d layers is not supported for images of height %d", cfg.NumLayers, height)
		}
		arch.units = []int{perStage, perStage, perStage}
	} else {
		units, found := imageNetUnits[cfg.NumLayers]
		if !found {
			return arch, errors.Errorf("resnet: %d layers is not supported, valid values are 18, 34, 50, 101, 152, 200 and 269",
				cfg.NumLayers)
		}
		arch.units = units
		if cfg.NumLayers >= 50 {
			arch.filters = []int{64, 256, 512, 1024, 2048}
			arch.bottleneck = true
		} else {
			arch.filters = []int{64, 64, 128, 256, 512}
		}
	}
	if len(cfg.Filters) > 0 {
		if len(cfg.Filters) != len(arch.filters) {
			return arch, errors.Errorf("resnet: %d filters given, %d expected (stem plus one per stage)",
				len(cfg.Filters), len(arch.filters))
		}
		for _, f := range cfg.Filters {
			if f <= 0 || (arch.bottleneck && f%4 != 0) {
				return arch, errors.Errorf("resnet: invalid filters %v", cfg.Filters)
			}
		}
		arch.filters = cfg.Filters
	}
	return arch, nil
}

// Build returns the network for the configuration and its initialized parameters.
func Build(cfg Config) (*model.Module, model.Params, error) {
	g, paramShapes, err := buildGraph(cfg)
	if err != nil {
		return nil, nil, err
	}
	mod, err := model.NewIR(g)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "resnet: built an invalid graph")
	}
	return mod, initParams(paramShapes, cfg.Seed), nil
}

// BuildGraph returns only the execution graph of the network.
func BuildGraph(cfg Config) (*ir.Graph, error) {
	g, _, err := buildGraph(cfg)
	return g, err
}

// builder accumulates the nodes and parameter shapes of the network.
type builder struct {
	g           *ir.Graph
	channels    map[string]int
	paramShapes []paramShape
	numPools    int
}

type paramShape struct {
	name       string
	dimensions []int
}

func buildGraph(cfg Config) (*ir.Graph, []paramShape, error) {
	arch, err := cfg.architecture()
	if err != nil {
		return nil, nil, err
	}
	b := &builder{
		g: &ir.Graph{
			Name:   fmt.Sprintf("resnet%d", cfg.NumLayers),
			Layout: ir.LayoutNCHW,
			Inputs: []ir.Input{{Name: "data", Dimensions: cfg.InputShape()}},
		},
		channels: map[string]int{"data": cfg.ImageShape[0]},
	}
	body := b.batchNorm("data", "bn_data", false)
	if cfg.ImageShape[1] <= 32 {
		body = b.conv2d(body, "conv0", arch.filters[0], 3, 1, 1)
	} else {
		body = b.conv2d(body, "conv0", arch.filters[0], 7, 2, 3)
		body = b.batchNorm(body, "bn0", true)
		body = b.relu(body, "relu0")
		body = b.maxPool(body, 3, 2, 1)
	}
	for stage := range len(arch.units) {
		stride := 2
		if stage == 0 {
			stride = 1
		}
		for unit := range arch.units[stage] {
			name := fmt.Sprintf("stage%d_unit%d", stage+1, unit+1)
			if unit == 0 {
				body = b.residualUnit(body, name, arch.filters[stage+1], stride, false, arch.bottleneck)
			} else {
				body = b.residualUnit(body, name, arch.filters[stage+1], 1, true, arch.bottleneck)
			}
		}
	}
	body = b.batchNorm(body, "bn1", true)
	body = b.relu(body, "relu1")
	body = b.add(ir.OpGlobalAvgPool2D, "pool1", nil, ir.Attrs{}, body)
	body = b.add(ir.OpFlatten, "flatten", nil, ir.Attrs{}, body)
	body = b.dense(body, "fc1", cfg.NumClasses)
	body = b.add(ir.OpSoftmax, "softmax", nil, ir.Attrs{}, body)
	b.g.Outputs = []string{body}
	return b.g, b.paramShapes, nil
}

// residualUnit adds a pre-activation residual unit and returns the name of its output.
// If dimMatch is false the shortcut is a strided 1x1 convolution.
func (b *builder) residualUnit(data, name string, numFilters, stride int, dimMatch, bottleneck bool) string {
	act1 := b.relu(b.batchNorm(data, name+"_bn1", true), name+"_relu1")
	var body string
	if bottleneck {
		inner := numFilters / 4
		body = b.conv2d(act1, name+"_conv1", inner, 1, stride, 0)
		body = b.relu(b.batchNorm(body, name+"_bn2", true), name+"_relu2")
		body = b.conv2d(body, name+"_conv2", inner, 3, 1, 1)
		body = b.relu(b.batchNorm(body, name+"_bn3", true), name+"_relu3")
		body = b.conv2d(body, name+"_conv3", numFilters, 1, 1, 0)
	} else {
		body = b.conv2d(act1, name+"_conv1", numFilters, 3, stride, 1)
		body = b.relu(b.batchNorm(body, name+"_bn2", true), name+"_relu2")
		body = b.conv2d(body, name+"_conv2", numFilters, 3, 1, 1)
	}
	shortcut := data
	if !dimMatch {
		shortcut = b.conv2d(act1, name+"_sc", numFilters, 1, stride, 0)
	}
	return b.add(ir.OpAdd, name+"_plus", nil, ir.Attrs{}, body, shortcut)
}

func (b *builder) add(op ir.Op, name string, params []string, attrs ir.Attrs, inputs ...string) string {
	b.g.Nodes = append(b.g.Nodes, &ir.Node{Name: name, Op: op, Inputs: inputs, Params: params, Attrs: attrs})
	b.channels[name] = b.channels[inputs[0]]
	return name
}

func (b *builder) param(name string, dimensions ...int) string {
	b.paramShapes = append(b.paramShapes, paramShape{name: name, dimensions: dimensions})
	return name
}

func (b *builder) batchNorm(data, name string, scale bool) string {
	c := b.channels[data]
	params := []string{
		b.param(name+"_gamma", c),
		b.param(name+"_beta", c),
		b.param(name+"_moving_mean", c),
		b.param(name+"_moving_var", c),
	}
	return b.add(ir.OpBatchNorm, name, params, ir.Attrs{Epsilon: Epsilon, NoScale: !scale}, data)
}

func (b *builder) relu(data, name string) string {
	return b.add(ir.OpRelu, name, nil, ir.Attrs{}, data)
}

func (b *builder) conv2d(data, name string, channels, kernel, stride, padding int) string {
	weight := b.param(name+"_weight", channels, b.channels[data], kernel, kernel)
	out := b.add(ir.OpConv2D, name, []string{weight}, ir.Attrs{
		Strides: []int{stride, stride},
		Padding: []int{padding, padding},
	}, data)
	b.channels[out] = channels
	return out
}

func (b *builder) maxPool(data string, size, stride, padding int) string {
	b.numPools++
	return b.add(ir.OpMaxPool2D, fmt.Sprintf("max_pool%d", b.numPools-1), nil, ir.Attrs{
		PoolSize: []int{size, size},
		Strides:  []int{stride, stride},
		Padding:  []int{padding, padding},
	}, data)
}

func (b *builder) dense(data, name string, units int) string {
	weight := b.param(name+"_weight", units, b.channels[data])
	bias := b.param(name+"_bias", units)
	out := b.add(ir.OpDense, name, []string{weight, bias}, ir.Attrs{}, data)
	b.channels[out] = units
	return out
}
