// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"testing"

	"github.com/gomlx/quickstart/internal/testbackend"
	"github.com/gomlx/quickstart/pkg/target"
	"github.com/stretchr/testify/require"
)

func TestOpenGo(t *testing.T) {
	d, err := Go()
	require.NoError(t, err)
	require.Equal(t, target.KindGo, d.Kind())
	require.Equal(t, "go(0)", d.String())
	require.NotNil(t, d.Backend())
	require.NoError(t, d.Compatible(target.Go()))
	require.Error(t, d.Compatible(target.LLVM()))
	d.Close()
	require.Nil(t, d.Backend())
	require.Error(t, d.Compatible(target.Go()))
	d.Close()
}

func TestUnavailable(t *testing.T) {
	saved := HasGPU
	defer func() { HasGPU = saved }()
	HasGPU = func() bool { return false }

	_, err := CUDA(0)
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = Open(target.Go(), -1)
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = Open(target.Go(), 1000)
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = Open(target.Target{}, 0)
	require.Error(t, err)
}

func TestFromBackend(t *testing.T) {
	backend := testbackend.Build()
	d := FromBackend(testbackend.Target().Kind(), backend)
	require.NoError(t, d.Compatible(testbackend.Target()))
	d.Close()
	// The shared backend is still usable.
	require.NotEmpty(t, backend.Name())
}

func TestFromBackendNum(t *testing.T) {
	backend := testbackend.Build()
	kind := testbackend.Target().Kind()
	d, err := FromBackendNum(kind, backend, 0)
	require.NoError(t, err)
	require.Equal(t, 0, d.Num())
	d.Close()
	require.NotEmpty(t, backend.Name())

	_, err = FromBackendNum(kind, backend, backend.NumDevices())
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = FromBackendNum(kind, backend, -1)
	require.ErrorIs(t, err, ErrUnavailable)
}
