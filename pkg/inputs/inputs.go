// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package inputs creates the input tensors fed to the models: seeded random data, or images
// normalized the way ImageNet classifiers expect.
package inputs

import (
	"image"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ImageNet per channel (RGB) normalization.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Uniform returns a float32 tensor with the given dimensions, filled with values uniformly
// distributed in [lo, hi). The values only depend on the seed.
func Uniform(dimensions []int, lo, hi float64, seed uint64) (*tensors.Tensor, error) {
	size := 1
	for _, dim := range dimensions {
		if dim <= 0 {
			return nil, errors.Errorf("invalid dimensions %v", dimensions)
		}
		size *= dim
	}
	if !(lo < hi) {
		return nil, errors.Errorf("invalid range [%g, %g)", lo, hi)
	}
	rng := rand.New(rand.NewPCG(seed, 0xda7a))
	data := make([]float32, size)
	for ii := range data {
		data[ii] = float32(lo + rng.Float64()*(hi-lo))
	}
	return tensors.FromFlatDataAndDimensions(data, dimensions...), nil
}

// Random returns a float32 tensor with the given dimensions, uniformly distributed in [-1, 1).
// It is the input the command line tools feed when no image is given.
func Random(dimensions []int, seed uint64) (*tensors.Tensor, error) {
	return Uniform(dimensions, -1, 1, seed)
}

// FromImageFile reads an image, and converts it with FromImage.
func FromImageFile(path string, height, width int) (*tensors.Tensor, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %q", path)
	}
	return FromImage(img, height, width)
}

// FromImage resizes the image to fill height x width (cropping the center to preserve the aspect
// ratio), normalizes it with the ImageNet mean and standard deviation, and returns it as a float32
// tensor shaped [1, 3, height, width].
func FromImage(img image.Image, height, width int) (*tensors.Tensor, error) {
	if height <= 0 || width <= 0 {
		return nil, errors.Errorf("invalid image size %dx%d", height, width)
	}
	nrgba := imaging.Fill(img, width, height, imaging.Center, imaging.Linear)
	plane := height * width
	data := make([]float32, 3*plane)
	for y := range height {
		for x := range width {
			offset := nrgba.PixOffset(x, y)
			for c := range 3 {
				v := float32(nrgba.Pix[offset+c]) / 255
				data[c*plane+y*width+x] = (v - ImageNetMean[c]) / ImageNetStd[c]
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(data, 1, 3, height, width), nil
}
