// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"maps"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Params maps parameter names to their values.
type Params map[string]*tensors.Tensor

// Names returns the sorted parameter names.
func (p Params) Names() []string {
	return slices.Sorted(maps.Keys(p))
}

// Clone returns a shallow copy: a new map referring to the same tensors.
// Tensors are treated as immutable, transformations create new ones.
func (p Params) Clone() Params {
	return maps.Clone(p)
}

// NumElements returns the total number of scalar values held.
func (p Params) NumElements() int {
	var total int
	for _, t := range p {
		total += t.Size()
	}
	return total
}

// Memory returns the total number of bytes held.
func (p Params) Memory() uintptr {
	var total uintptr
	for _, t := range p {
		total += t.Memory()
	}
	return total
}

// Prune removes the parameters not in keep.
func (p Params) Prune(keep []string) {
	for name := range p {
		if !slices.Contains(keep, name) {
			delete(p, name)
		}
	}
}
