// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package verify compares tensors elementwise within a tolerance.
package verify

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tolerance of the comparison: actual and desired values match if |actual-desired| <= Atol + Rtol*|desired|.
type Tolerance struct {
	Atol, Rtol float64
}

// DefaultTolerance is an absolute tolerance of 1e-5.
var DefaultTolerance = Tolerance{Atol: 1e-5}

// ErrShape is returned (wrapped) when the tensors compared don't have the same shape.
var ErrShape = errors.New("shapes differ")

// MismatchError reports the values out of tolerance. Index and values refer to the first mismatch.
type MismatchError struct {
	// Index is the flat index of the first mismatch.
	Index int

	// MultiIndex is the index of the first mismatch per axis.
	MultiIndex []int

	Actual, Desired float64

	// Diff is |Actual-Desired|.
	Diff float64

	// Count is the total number of mismatches, out of Size elements.
	Count, Size int

	// MaxDiff is the largest difference found.
	MaxDiff float64

	Tolerance Tolerance
}

// Error implements error.
func (e *MismatchError) Error() string {
	return fmt.Sprintf("not close (atol=%g, rtol=%g): %d of %d elements mismatch (max difference %g); first at index %d %v: actual %g, desired %g, difference %g",
		e.Tolerance.Atol, e.Tolerance.Rtol, e.Count, e.Size, e.MaxDiff, e.Index, e.MultiIndex, e.Actual, e.Desired, e.Diff)
}

// AllClose returns nil if actual and desired have the same shape and all their values are within
// the tolerance. NaNs are considered equal to NaNs, infinities only to infinities of the same sign.
//
// Values out of tolerance are reported with a *MismatchError.
func AllClose(actual, desired *tensors.Tensor, tol Tolerance) error {
	if actual == nil || desired == nil {
		return errors.New("can't compare nil tensors")
	}
	if tol.Atol < 0 || tol.Rtol < 0 || math.IsNaN(tol.Atol) || math.IsNaN(tol.Rtol) {
		return errors.Errorf("invalid tolerance %+v", tol)
	}
	if !actual.Shape().Equal(desired.Shape()) {
		return errors.Wrapf(ErrShape, "actual shape %s, desired shape %s", actual.Shape(), desired.Shape())
	}
	a, err := toFloat64(actual)
	if err != nil {
		return err
	}
	d, err := toFloat64(desired)
	if err != nil {
		return err
	}
	var mismatch *MismatchError
	for ii := range a {
		diff, ok := within(a[ii], d[ii], tol)
		if ok {
			continue
		}
		if mismatch == nil {
			mismatch = &MismatchError{
				Index:      ii,
				MultiIndex: multiIndex(ii, desired.Shape().Dimensions),
				Actual:     a[ii],
				Desired:    d[ii],
				Diff:       diff,
				Size:       len(a),
				Tolerance:  tol,
			}
		}
		mismatch.Count++
		if diff > mismatch.MaxDiff || math.IsNaN(diff) {
			mismatch.MaxDiff = diff
		}
	}
	if mismatch != nil {
		return mismatch
	}
	return nil
}

// within returns the difference of the values and whether they are within tolerance.
func within(actual, desired float64, tol Tolerance) (float64, bool) {
	switch {
	case math.IsNaN(actual) || math.IsNaN(desired):
		return math.NaN(), math.IsNaN(actual) && math.IsNaN(desired)
	case math.IsInf(actual, 0) || math.IsInf(desired, 0):
		if actual == desired {
			return 0, true
		}
		return math.Inf(1), false
	}
	diff := math.Abs(actual - desired)
	return diff, diff <= tol.Atol+tol.Rtol*math.Abs(desired)
}

func multiIndex(flat int, dims []int) []int {
	idx := make([]int, len(dims))
	for axis := len(dims) - 1; axis >= 0; axis-- {
		if dims[axis] == 0 {
			continue
		}
		idx[axis] = flat % dims[axis]
		flat /= dims[axis]
	}
	return idx
}

// toFloat64 copies the values of a floating point tensor.
func toFloat64(t *tensors.Tensor) ([]float64, error) {
	switch t.DType() {
	case dtypes.Float32:
		return convert(tensors.MustCopyFlatData[float32](t), func(v float32) float64 { return float64(v) }), nil
	case dtypes.Float64:
		return tensors.MustCopyFlatData[float64](t), nil
	case dtypes.Float16:
		return convert(tensors.MustCopyFlatData[float16.Float16](t), func(v float16.Float16) float64 {
			return float64(v.Float32())
		}), nil
	}
	return nil, errors.Errorf("can't compare tensors of dtype %s, only floating point", t.DType())
}

func convert[T any](values []T, fn func(T) float64) []float64 {
	out := make([]float64, len(values))
	for ii, v := range values {
		out[ii] = fn(v)
	}
	return out
}
