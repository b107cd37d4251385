// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package executor

import (
	"sync"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quickstart/internal/onnxtest"
	"github.com/gomlx/quickstart/internal/testbackend"
	"github.com/gomlx/quickstart/pkg/artifact"
	"github.com/gomlx/quickstart/pkg/compiler"
	"github.com/gomlx/quickstart/pkg/device"
	"github.com/gomlx/quickstart/pkg/inputs"
	"github.com/gomlx/quickstart/pkg/model"
	"github.com/gomlx/quickstart/pkg/target"
	"github.com/gomlx/quickstart/pkg/verify"
	"github.com/gomlx/quickstart/pkg/zoo/resnet"
	"github.com/stretchr/testify/require"
)

var testConfig = resnet.Config{
	NumLayers:  18,
	BatchSize:  1,
	ImageShape: [3]int{3, 32, 32},
	NumClasses: 10,
	Filters:    []int{8, 8, 16, 32, 64},
}

func testDevice() *device.Device {
	return device.FromBackend(testbackend.Target().Kind(), testbackend.Build())
}

func compile(t *testing.T, optLevel int) *artifact.Artifact {
	mod, params, err := resnet.Build(testConfig)
	require.NoError(t, err)
	art, err := compiler.New(compiler.WithDevice(testDevice())).Compile(mod, testbackend.Target(), params, optLevel)
	require.NoError(t, err)
	return art
}

func testInput(t *testing.T, seed uint64) *tensors.Tensor {
	data, err := inputs.Uniform(testConfig.InputShape(), 0, 1, seed)
	require.NoError(t, err)
	return data
}

func TestRun(t *testing.T) {
	art := compile(t, 3)
	exec, err := New(art, testDevice())
	require.NoError(t, err)
	defer exec.Finalize()
	require.Equal(t, 1, exec.NumOutputs())
	require.Zero(t, exec.LastRunDuration())

	_, err = exec.Output(0)
	require.ErrorIs(t, err, ErrNotReady)
	require.ErrorIs(t, exec.Run(), ErrNotReady)

	require.NoError(t, exec.SetInput("data", testInput(t, 1)))
	require.NoError(t, exec.Run())
	require.Positive(t, exec.LastRunDuration())
	out1, err := exec.Output(0)
	require.NoError(t, err)
	require.Equal(t, []int{1, 10}, out1.Shape().Dimensions)
	var sum float64
	for _, p := range tensors.MustCopyFlatData[float32](out1) {
		sum += float64(p)
	}
	require.InDelta(t, 1.0, sum, 1e-5)

	// Inputs stay bound: running again gives the same result.
	require.NoError(t, exec.Run())
	out2, err := exec.Output(0)
	require.NoError(t, err)
	require.NoError(t, verify.AllClose(out2, out1, verify.DefaultTolerance))

	_, err = exec.Output(1)
	require.Error(t, err)

	// RunWith rebinds.
	require.NoError(t, exec.RunWith(map[string]*tensors.Tensor{"data": testInput(t, 2)}))
	out3, err := exec.Output(0)
	require.NoError(t, err)
	require.Error(t, verify.AllClose(out3, out1, verify.DefaultTolerance))

	exec.Finalize()
	require.ErrorIs(t, exec.Run(), ErrFinalized)
	_, err = exec.Output(0)
	require.ErrorIs(t, err, ErrFinalized)
	require.ErrorIs(t, exec.SetInput("data", testInput(t, 1)), ErrFinalized)
	// Outputs read before remain valid.
	require.Equal(t, []int{1, 10}, out3.Shape().Dimensions)
}

func TestBindErrors(t *testing.T) {
	art := compile(t, 1)
	exec, err := New(art, testDevice())
	require.NoError(t, err)
	defer exec.Finalize()

	wrong, err := inputs.Uniform([]int{1, 3, 28, 28}, 0, 1, 0)
	require.NoError(t, err)
	require.ErrorIs(t, exec.SetInput("data", wrong), model.ErrShapeMismatch)
	require.Error(t, exec.SetInput("image", testInput(t, 1)))
	require.Error(t, exec.SetInput("data", nil))
	ints := tensors.FromFlatDataAndDimensions(make([]int32, 3*32*32), 1, 3, 32, 32)
	require.ErrorIs(t, exec.SetInput("data", ints), model.ErrShapeMismatch)
	require.Error(t, exec.SetInputs(map[string]*tensors.Tensor{"image": testInput(t, 1)}))

	// Failed bindings keep nothing bound.
	require.ErrorIs(t, exec.Run(), ErrNotReady)
}

func TestOptLevelsAgree(t *testing.T) {
	data := testInput(t, 7)
	var reference *tensors.Tensor
	for level := range 4 {
		exec, err := New(compile(t, level), testDevice())
		require.NoError(t, err)
		require.NoError(t, exec.RunWith(map[string]*tensors.Tensor{"data": data}))
		out, err := exec.Output(0)
		require.NoError(t, err)
		exec.Finalize()
		if reference == nil {
			reference = out
			continue
		}
		require.NoErrorf(t, verify.AllClose(out, reference, verify.DefaultTolerance), "level %d", level)
	}
}

func TestIncompatibleDevice(t *testing.T) {
	art := compile(t, 1)
	kind := target.KindGo
	if art.Target.Kind() == target.KindGo {
		kind = target.KindLLVM
	}
	_, err := New(art, device.FromBackend(kind, testbackend.Build()))
	require.Error(t, err)
	_, err = New(nil, testDevice())
	require.Error(t, err)
	_, err = New(art, nil)
	require.Error(t, err)
}

func TestONNX(t *testing.T) {
	mod, err := model.NewONNX("add_relu", onnxtest.AddRelu(), map[string][]int{"x": {2, 4}})
	require.NoError(t, err)
	c := compiler.New(compiler.WithDevice(testDevice()))
	_, err = c.Compile(mod, testbackend.Target(), model.Params{"w": tensors.FromValue([]float32{1})}, 3)
	require.Error(t, err)
	art, err := c.Compile(mod, testbackend.Target(), nil, 3)
	require.NoError(t, err)
	require.Empty(t, art.Passes)
	require.Equal(t, []int{2, 4}, art.Outputs[0].Dimensions)

	exec, err := New(art, testDevice())
	require.NoError(t, err)
	defer exec.Finalize()
	x := tensors.FromValue([][]float32{{1, 1, 1, 1}, {-1, 0, 2, 3}})
	require.NoError(t, exec.RunWith(map[string]*tensors.Tensor{"x": x}))
	y, err := exec.Output(0)
	require.NoError(t, err)
	want := tensors.FromValue([][]float32{{1.5, 0.5, 2, 0}, {0, 0, 3, 2}})
	require.NoError(t, verify.AllClose(y, want, verify.DefaultTolerance))

	// Batch size is fixed at compilation.
	require.ErrorIs(t, exec.SetInput("x", tensors.FromValue([][]float32{{1, 1, 1, 1}})), model.ErrShapeMismatch)
}

// twoDevices presents a single device backend as having two devices, mapping every buffer to the
// real device 0 and recording which device was requested.
type twoDevices struct {
	backends.Backend

	mu        sync.Mutex
	requested map[backends.DeviceNum]int
}

func (b *twoDevices) NumDevices() int { return 2 }

func (b *twoDevices) record(deviceNum backends.DeviceNum) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requested[deviceNum]++
}

func (b *twoDevices) BufferFromFlatData(deviceNum backends.DeviceNum, flat any, shape shapes.Shape) (backends.Buffer, error) {
	b.record(deviceNum)
	return b.Backend.BufferFromFlatData(0, flat, shape)
}

func (b *twoDevices) NewSharedBuffer(deviceNum backends.DeviceNum, shape shapes.Shape) (backends.Buffer, any, error) {
	b.record(deviceNum)
	return b.Backend.NewSharedBuffer(0, shape)
}

func (b *twoDevices) BufferCopyToDevice(source backends.Buffer, deviceNum backends.DeviceNum) (backends.Buffer, error) {
	b.record(deviceNum)
	return source, nil
}

func TestRunsOnDeviceNum(t *testing.T) {
	backend := &twoDevices{Backend: testbackend.Build(), requested: make(map[backends.DeviceNum]int)}
	dev, err := device.FromBackendNum(testbackend.Target().Kind(), backend, 1)
	require.NoError(t, err)
	mod, params, err := resnet.Build(testConfig)
	require.NoError(t, err)
	// Level 0 keeps the parameters as variables, fed on every run.
	art, err := compiler.New(compiler.WithDevice(dev)).Compile(mod, testbackend.Target(), params, 0)
	require.NoError(t, err)
	require.False(t, art.BindParams)

	exec, err := New(art, dev)
	require.NoError(t, err)
	defer exec.Finalize()
	require.Equal(t, backends.DeviceNum(1), exec.DeviceNum())
	require.NoError(t, exec.RunWith(map[string]*tensors.Tensor{"data": testInput(t, 1)}))
	out, err := exec.Output(0)
	require.NoError(t, err)
	require.Equal(t, []int{1, 10}, out.Shape().Dimensions)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Positive(t, backend.requested[1])
	require.Zero(t, backend.requested[0], "nothing should be placed on device 0")
}
