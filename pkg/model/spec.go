// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ErrShapeMismatch is returned (wrapped) when a tensor doesn't conform to a TensorSpec.
var ErrShapeMismatch = errors.New("shape mismatch")

// TensorSpec describes a named tensor: its dtype and its (static) dimensions.
type TensorSpec struct {
	Name       string
	DType      dtypes.DType
	Dimensions []int
}

// Float32Spec is a shortcut to create a float32 TensorSpec.
func Float32Spec(name string, dimensions ...int) TensorSpec {
	return TensorSpec{Name: name, DType: dtypes.Float32, Dimensions: dimensions}
}

// Shape returns the spec as a GoMLX shape.
func (s TensorSpec) Shape() shapes.Shape {
	return shapes.Make(s.DType, s.Dimensions...)
}

// String implements fmt.Stringer.
func (s TensorSpec) String() string {
	return fmt.Sprintf("%s: %s", s.Name, s.Shape())
}

// Validate that the dtype is supported and the dimensions are positive.
func (s TensorSpec) Validate() error {
	if s.Name == "" {
		return errors.New("tensor spec with empty name")
	}
	if !s.DType.IsSupported() {
		return errors.Errorf("tensor %q has unsupported dtype %s", s.Name, s.DType)
	}
	for _, dim := range s.Dimensions {
		if dim <= 0 {
			return errors.Errorf("tensor %q has non-positive dimensions %v", s.Name, s.Dimensions)
		}
	}
	return nil
}

// Check that the tensor conforms exactly to the spec. It never attempts to reshape or convert.
func (s TensorSpec) Check(t *tensors.Tensor) error {
	if t == nil {
		return errors.Wrapf(ErrShapeMismatch, "tensor %q is nil", s.Name)
	}
	if t.DType() != s.DType || !slices.Equal(t.Shape().Dimensions, s.Dimensions) {
		return errors.Wrapf(ErrShapeMismatch, "tensor %q: expected shape %s, got %s", s.Name, s.Shape(), t.Shape())
	}
	return nil
}

// Equal returns whether both specs are the same.
func (s TensorSpec) Equal(other TensorSpec) bool {
	return s.Name == other.Name && s.DType == other.DType && slices.Equal(s.Dimensions, other.Dimensions)
}

type tensorSpecJSON struct {
	Name       string `json:"name"`
	DType      string `json:"dtype"`
	Dimensions []int  `json:"dimensions"`
}

// MarshalJSON implements json.Marshaler, with the dtype written by name.
func (s TensorSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(tensorSpecJSON{Name: s.Name, DType: s.DType.String(), Dimensions: s.Dimensions})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *TensorSpec) UnmarshalJSON(data []byte) error {
	var decoded tensorSpecJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	dtype, found := dtypes.MapOfNames[decoded.DType]
	if !found {
		return errors.Errorf("tensor %q: unknown dtype %q", decoded.Name, decoded.DType)
	}
	*s = TensorSpec{Name: decoded.Name, DType: dtype, Dimensions: decoded.Dimensions}
	return nil
}
