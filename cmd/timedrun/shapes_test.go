// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseShapes(t *testing.T) {
	shapes, err := parseShapes("data=1,3,224,224; mask = 1,7 ;")
	require.NoError(t, err)
	require.Equal(t, map[string][]int{"data": {1, 3, 224, 224}, "mask": {1, 7}}, shapes)

	shapes, err = parseShapes("")
	require.NoError(t, err)
	require.Empty(t, shapes)

	for _, bad := range []string{"data", "=1,2", "data=1,x", "data=0", "x=1;x=2"} {
		_, err = parseShapes(bad)
		require.Errorf(t, err, "%q should fail", bad)
	}
}
