// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package verify

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestAllClose(t *testing.T) {
	desired := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	{
		actual := tensors.FromFlatDataAndDimensions([]float32{1, 2.000001, 3, 4, 5, 6.000009}, 2, 3)
		require.NoError(t, AllClose(actual, desired, DefaultTolerance))
	}
	{
		actual := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4.5, 5, 7}, 2, 3)
		err := AllClose(actual, desired, DefaultTolerance)
		var mismatch *MismatchError
		require.ErrorAs(t, err, &mismatch)
		require.Equal(t, 3, mismatch.Index)
		require.Equal(t, []int{1, 0}, mismatch.MultiIndex)
		require.Equal(t, 4.5, mismatch.Actual)
		require.Equal(t, 4.0, mismatch.Desired)
		require.InDelta(t, 0.5, mismatch.Diff, 1e-9)
		require.Equal(t, 2, mismatch.Count)
		require.Equal(t, 6, mismatch.Size)
		require.InDelta(t, 1.0, mismatch.MaxDiff, 1e-9)
		require.Contains(t, err.Error(), "index 3 [1 0]")

		// With a relative tolerance of 25% it passes.
		require.NoError(t, AllClose(actual, desired, Tolerance{Atol: 1e-5, Rtol: 0.25}))
	}
}

func TestAllCloseShapes(t *testing.T) {
	a := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	b := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 4)
	require.ErrorIs(t, AllClose(a, b, DefaultTolerance), ErrShape)
	c := tensors.FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2)
	require.ErrorIs(t, AllClose(a, c, DefaultTolerance), ErrShape)

	ints := tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4}, 2, 2)
	require.Error(t, AllClose(ints, ints, DefaultTolerance))
	require.Error(t, AllClose(nil, a, DefaultTolerance))
	require.Error(t, AllClose(a, a, Tolerance{Atol: -1}))
}

func TestAllCloseSpecialValues(t *testing.T) {
	nan := math.NaN()
	inf := math.Inf(1)
	a := tensors.FromFlatDataAndDimensions([]float64{nan, inf, -inf, 0}, 4)
	require.NoError(t, AllClose(a, a, DefaultTolerance))

	b := tensors.FromFlatDataAndDimensions([]float64{0, inf, -inf, 0}, 4)
	var mismatch *MismatchError
	require.ErrorAs(t, AllClose(a, b, DefaultTolerance), &mismatch)
	require.Equal(t, 0, mismatch.Index)
	require.Equal(t, 1, mismatch.Count)

	c := tensors.FromFlatDataAndDimensions([]float64{nan, -inf, -inf, 0}, 4)
	require.ErrorAs(t, AllClose(a, c, DefaultTolerance), &mismatch)
	require.Equal(t, 1, mismatch.Index)
}

func TestAllCloseFloat16(t *testing.T) {
	a := tensors.FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(0.5)}, 2)
	b := tensors.FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(0.25)}, 2)
	require.NoError(t, AllClose(a, a, DefaultTolerance))
	var mismatch *MismatchError
	require.ErrorAs(t, AllClose(a, b, DefaultTolerance), &mismatch)
	require.Equal(t, 0.5, mismatch.Actual)
	require.Equal(t, 0.25, mismatch.Desired)
}
