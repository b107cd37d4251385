// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inputs

import (
	"image"
	"image/color"
	"path/filepath"
	"slices"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

func TestUniform(t *testing.T) {
	a, err := Uniform([]int{2, 3, 4}, -1, 1, 42)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 4}, a.Shape().Dimensions)
	for _, v := range tensors.MustCopyFlatData[float32](a) {
		require.GreaterOrEqual(t, v, float32(-1))
		require.Less(t, v, float32(1))
	}
	b, err := Uniform([]int{2, 3, 4}, -1, 1, 42)
	require.NoError(t, err)
	require.True(t, a.Equal(b))
	c, err := Uniform([]int{2, 3, 4}, -1, 1, 43)
	require.NoError(t, err)
	require.False(t, a.Equal(c))

	_, err = Uniform([]int{2, 0}, 0, 1, 0)
	require.Error(t, err)
	_, err = Uniform([]int{2}, 1, 1, 0)
	require.Error(t, err)
}

func TestRandom(t *testing.T) {
	r, err := Random([]int{1, 3, 16, 16}, 7)
	require.NoError(t, err)
	flat := tensors.MustCopyFlatData[float32](r)
	require.GreaterOrEqual(t, slices.Min(flat), float32(-1))
	require.Less(t, slices.Min(flat), float32(0), "random inputs must include negative values")
	require.Greater(t, slices.Max(flat), float32(0))
	require.Less(t, slices.Max(flat), float32(1))
	u, err := Uniform([]int{1, 3, 16, 16}, -1, 1, 7)
	require.NoError(t, err)
	require.True(t, r.Equal(u))
}

func TestFromImage(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 4))
	for y := range 4 {
		for x := range 8 {
			img.Set(x, y, color.NRGBA{R: 255, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "img.png")
	require.NoError(t, imaging.Save(img, path))

	tensor, err := FromImageFile(path, 2, 2)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3, 2, 2}, tensor.Shape().Dimensions)
	flat := tensors.MustCopyFlatData[float32](tensor)
	red := (1 - ImageNetMean[0]) / ImageNetStd[0]
	noGreen := -ImageNetMean[1] / ImageNetStd[1]
	for ii := range 4 {
		require.InDelta(t, red, flat[ii], 1e-5)
		require.InDelta(t, noGreen, flat[4+ii], 1e-5)
	}

	_, err = FromImageFile(filepath.Join(t.TempDir(), "missing.png"), 2, 2)
	require.Error(t, err)
	_, err = FromImage(img, 0, 2)
	require.Error(t, err)
}
