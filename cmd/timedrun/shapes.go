// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// parseShapes parses input shapes in the form "name=d0,d1,...;name2=...".
func parseShapes(s string) (map[string][]int, error) {
	shapes := make(map[string][]int)
	for part := range strings.SplitSeq(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, dims, found := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			return nil, errors.Errorf("invalid input shape %q, expected name=d0,d1,...", part)
		}
		if _, dup := shapes[name]; dup {
			return nil, errors.Errorf("input %q given more than once", name)
		}
		var dimensions []int
		for dim := range strings.SplitSeq(dims, ",") {
			v, err := strconv.Atoi(strings.TrimSpace(dim))
			if err != nil || v <= 0 {
				return nil, errors.Errorf("invalid dimension %q for input %q", dim, name)
			}
			dimensions = append(dimensions, v)
		}
		shapes[name] = dimensions
	}
	return shapes, nil
}
