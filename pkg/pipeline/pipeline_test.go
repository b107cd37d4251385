// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quickstart/internal/onnxtest"
	"github.com/gomlx/quickstart/internal/testbackend"
	"github.com/gomlx/quickstart/pkg/artifact"
	"github.com/gomlx/quickstart/pkg/compiler"
	"github.com/gomlx/quickstart/pkg/device"
	"github.com/gomlx/quickstart/pkg/inputs"
	"github.com/gomlx/quickstart/pkg/model"
	"github.com/gomlx/quickstart/pkg/verify"
	"github.com/gomlx/quickstart/pkg/zoo/resnet"
	"github.com/stretchr/testify/require"
)

func smallConfig(height, width int) resnet.Config {
	return resnet.Config{
		NumLayers:  18,
		BatchSize:  1,
		ImageShape: [3]int{3, height, width},
		NumClasses: 10,
		Filters:    []int{8, 8, 16, 32, 64},
	}
}

func testDevice() *device.Device {
	return device.FromBackend(testbackend.Target().Kind(), testbackend.Build())
}

func testDriver() *Driver {
	return New(WithCompiler(compiler.New(compiler.WithDevice(testDevice()))))
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Model = smallConfig(64, 64)
	cfg.Target = testbackend.Target().String()
	cfg.Device = testDevice()
	cfg.OutDir = t.TempDir()
	return cfg
}

func TestStateString(t *testing.T) {
	require.Equal(t, "Uninitialized", Uninitialized.String())
	require.Equal(t, "Reloaded", Reloaded.String())
	require.Equal(t, "Failed", Failed.String())
	require.Equal(t, "State(42)", State(42).String())
}

func TestQuickStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.ModuleText = true
	report, err := QuickStart(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, []int{1, 10}, report.Output.Shape().Dimensions)
	require.NoError(t, verify.AllClose(report.ReloadedOutput, report.Output, verify.DefaultTolerance))
	require.Len(t, Head(report.Output, 10), 10)
	require.Len(t, Head(report.Output, 100), 10)
	require.Empty(t, Head(report.Output, -1))
	require.Empty(t, Head(report.Output, 0))
	require.Contains(t, report.ModuleText, "conv0")
	require.Equal(t, filepath.Join(cfg.OutDir, ArchiveName), report.ArchivePath)
	require.Len(t, report.Files, 1)
	require.Equal(t, ArchiveName, report.Files[0].Name)
	require.Positive(t, report.Files[0].Size)
	require.Equal(t, []string{"FoldBatchNorm", "SimplifyInference", "FuseActivation", "AlterLayout",
		"EliminateDeadNodes", "BindParams"}, report.Passes)

	// The archive is left in place when an output directory is given.
	art, err := artifact.Import(report.ArchivePath)
	require.NoError(t, err)
	require.Equal(t, report.ArtifactID, art.ID)
}

func TestQuickStartErrors(t *testing.T) {
	{
		cfg := testConfig(t)
		cfg.Target = "vulkan"
		_, err := QuickStart(context.Background(), cfg)
		require.ErrorIs(t, err, ErrConfig)
	}
	{
		cfg := testConfig(t)
		cfg.OptLevel = 4
		_, err := QuickStart(context.Background(), cfg)
		require.ErrorIs(t, err, ErrConfig)
	}
	{
		cfg := testConfig(t)
		cfg.Model.NumLayers = 17
		_, err := QuickStart(context.Background(), cfg)
		require.ErrorIs(t, err, ErrConfig)
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := QuickStart(ctx, testConfig(t))
		require.ErrorIs(t, err, ErrRuntime)
		require.ErrorIs(t, err, context.Canceled)
	}
}

// TestShapeMismatch binds a 224x224 image to a network compiled for 299x299.
func TestShapeMismatch(t *testing.T) {
	d := testDriver()
	defer d.Close()
	require.NoError(t, d.LoadReference(smallConfig(299, 299)))
	_, err := d.Compile(testbackend.Target(), 0)
	require.NoError(t, err)
	require.NoError(t, d.Instantiate(testDevice()))

	data, err := inputs.Uniform([]int{1, 3, 224, 224}, 0, 1, 0)
	require.NoError(t, err)
	err = d.BindInput("data", data)
	require.ErrorIs(t, err, ErrConfig)
	require.ErrorIs(t, err, model.ErrShapeMismatch)
	require.Contains(t, err.Error(), "299")
	require.Equal(t, Failed, d.State())

	// Every later call fails with the same error.
	require.Equal(t, err, d.Run())
	require.Equal(t, err, d.Err())
}

func TestStateOrdering(t *testing.T) {
	{
		d := testDriver()
		_, err := d.Compile(testbackend.Target(), 1)
		require.ErrorIs(t, err, ErrInvalidState)
		require.ErrorIs(t, err, ErrConfig)
		require.Equal(t, Failed, d.State())
	}
	{
		d := testDriver()
		require.NoError(t, d.LoadReference(smallConfig(32, 32)))
		require.Equal(t, ModelLoaded, d.State())
		require.ErrorIs(t, d.LoadReference(smallConfig(32, 32)), ErrInvalidState)
	}
	{
		d := testDriver()
		defer d.Close()
		require.NoError(t, d.LoadReference(smallConfig(32, 32)))
		_, err := d.Compile(testbackend.Target(), 1)
		require.NoError(t, err)
		require.Equal(t, Compiled, d.State())
		require.ErrorIs(t, d.Export(filepath.Join(t.TempDir(), ArchiveName)), ErrInvalidState)
	}
	{
		// Running without binding is a runtime error.
		d := testDriver()
		defer d.Close()
		require.NoError(t, d.LoadReference(smallConfig(32, 32)))
		_, err := d.Compile(testbackend.Target(), 1)
		require.NoError(t, err)
		require.ErrorIs(t, d.Run(), ErrRuntime)
	}
	{
		d := testDriver()
		defer d.Close()
		require.NoError(t, d.LoadReference(smallConfig(32, 32)))
		_, err := d.Compile(testbackend.Target(), 1)
		require.NoError(t, err)
		require.NoError(t, d.Instantiate(testDevice()))
		require.ErrorIs(t, d.Run(), ErrRuntime)
	}
}

// runOnce loads, compiles and runs the small network, returning the driver in Executed state.
func runOnce(t *testing.T, optLevel int, data *tensors.Tensor) (*Driver, *tensors.Tensor) {
	d := testDriver()
	require.NoError(t, d.LoadReference(smallConfig(32, 32)))
	_, err := d.Compile(testbackend.Target(), optLevel)
	require.NoError(t, err)
	require.NoError(t, d.Instantiate(testDevice()))
	require.NoError(t, d.BindInput("data", data))
	require.NoError(t, d.Run())
	require.Equal(t, Executed, d.State())
	out, err := d.Output(0)
	require.NoError(t, err)
	return d, out
}

func TestRoundTrip(t *testing.T) {
	data, err := inputs.Uniform([]int{1, 3, 32, 32}, 0, 1, 3)
	require.NoError(t, err)
	for level := range 4 {
		t.Run(fmt.Sprintf("level=%d", level), func(t *testing.T) {
			d, _ := runOnce(t, level, data)
			defer d.Close()
			path := filepath.Join(t.TempDir(), ArchiveName)
			require.NoError(t, d.Export(path))
			require.Equal(t, Exported, d.State())
			art, err := d.Import(path)
			require.NoError(t, err)
			require.Equal(t, level, art.OptLevel)
			require.Equal(t, Reloaded, d.State())

			_, err = d.Output(0)
			require.Error(t, err, "reloaded artifact must run before reading outputs")
		})
	}
	for level := range 4 {
		d, out := runOnce(t, level, data)
		path := filepath.Join(t.TempDir(), ArchiveName)
		require.NoError(t, d.Export(path))
		_, err := d.Import(path)
		require.NoError(t, err)
		require.NoError(t, d.BindInput("data", data))
		require.NoError(t, d.Run())
		require.Equal(t, Reloaded, d.State())
		reloaded, err := d.Output(0)
		require.NoError(t, err)
		require.NoError(t, d.Verify(reloaded, out))
		require.Equal(t, Verified, d.State())
		d.Close()
	}
}

func TestDeterminismAndOptLevels(t *testing.T) {
	data, err := inputs.Uniform([]int{1, 3, 32, 32}, 0, 1, 5)
	require.NoError(t, err)
	d0, reference := runOnce(t, 0, data)
	d0.Close()
	for _, level := range []int{0, 1, 2, 3} {
		d, out := runOnce(t, level, data)
		require.NoErrorf(t, d.Verify(out, reference), "level %d", level)
		d.Close()
	}
}

func TestVerifyFailure(t *testing.T) {
	data, err := inputs.Uniform([]int{1, 3, 32, 32}, 0, 1, 5)
	require.NoError(t, err)
	d, out := runOnce(t, 1, data)
	defer d.Close()
	flat := tensors.MustCopyFlatData[float32](out)
	flat[3] += 0.01
	other := tensors.FromFlatDataAndDimensions(flat, out.Shape().Dimensions...)

	err = d.Verify(other, out)
	require.ErrorIs(t, err, ErrVerify)
	var mismatch *verify.MismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, 3, mismatch.Index)
	require.InDelta(t, 0.01, mismatch.Diff, 1e-4)
	require.Equal(t, Failed, d.State())
	require.Contains(t, fmt.Sprintf("%+v", err), "Verify")
}

func TestCorruptedImport(t *testing.T) {
	data, err := inputs.Uniform([]int{1, 3, 32, 32}, 0, 1, 5)
	require.NoError(t, err)
	d, _ := runOnce(t, 2, data)
	defer d.Close()
	path := filepath.Join(t.TempDir(), ArchiveName)
	require.NoError(t, d.Export(path))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, contents[:len(contents)/2], 0644))
	_, err = d.Import(path)
	require.ErrorIs(t, err, ErrConfig)
	require.ErrorIs(t, err, artifact.ErrCorrupted)
}

func TestONNX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "add_relu.onnx")
	require.NoError(t, os.WriteFile(path, onnxtest.AddRelu(), 0644))
	d := testDriver()
	defer d.Close()
	require.NoError(t, d.LoadONNX(path, map[string][]int{"x": {1, 4}}))
	_, err := d.Compile(testbackend.Target(), 3)
	require.NoError(t, err)
	require.NoError(t, d.Instantiate(testDevice()))
	require.NoError(t, d.BindInput("x", tensors.FromValue([][]float32{{-1, 1, -1, 1}})))
	require.NoError(t, d.Run())
	out, err := d.Output(0)
	require.NoError(t, err)

	exportPath := filepath.Join(t.TempDir(), ArchiveName)
	require.NoError(t, d.Export(exportPath))
	_, err = d.Import(exportPath)
	require.NoError(t, err)
	require.NoError(t, d.BindInput("x", tensors.FromValue([][]float32{{-1, 1, -1, 1}})))
	require.NoError(t, d.Run())
	reloaded, err := d.Output(0)
	require.NoError(t, err)
	require.NoError(t, d.Verify(reloaded, out))
	require.Equal(t, []float32{0, 0.5, 0, 0}, tensors.MustCopyFlatData[float32](reloaded))

	{
		bad := testDriver()
		require.ErrorIs(t, bad.LoadONNX(path, nil), ErrConfig)
	}
}

// TestQuickStartGPU runs the reference flow on the first NVIDIA GPU, when there is one.
func TestQuickStartGPU(t *testing.T) {
	if testing.Short() {
		t.Skip("full ResNet-18 flow skipped in short mode")
	}
	if !device.HasGPU() {
		t.Skip("no NVIDIA GPU available")
	}
	cfg := DefaultConfig()
	cfg.OutDir = t.TempDir()
	report, err := QuickStart(context.Background(), cfg)
	if errors.Is(err, device.ErrUnavailable) {
		t.Skipf("CUDA backend unavailable: %v", err)
	}
	require.NoError(t, err)
	require.Equal(t, "sm_75", report.Arch)
	require.Equal(t, []int{1, 1000}, report.Output.Shape().Dimensions)
}

func TestQuickStartInput(t *testing.T) {
	cfg := testConfig(t)
	data, err := quickStartInput(cfg)
	require.NoError(t, err)
	require.Equal(t, cfg.Model.InputShape(), data.Shape().Dimensions)
	flat := tensors.MustCopyFlatData[float32](data)
	require.GreaterOrEqual(t, slices.Min(flat), float32(-1))
	require.Negative(t, slices.Min(flat))
	require.Less(t, slices.Max(flat), float32(1))
}

// TestQuickStart224 runs the reference flow, ResNet-18 on 224x224 images with 1000 classes, on the
// test backend.
func TestQuickStart224(t *testing.T) {
	if testing.Short() {
		t.Skip("full ResNet-18 flow skipped in short mode")
	}
	cfg := DefaultConfig()
	cfg.Target = testbackend.Target().String()
	cfg.Device = testDevice()
	cfg.OutDir = t.TempDir()
	report, err := QuickStart(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3, 224, 224}, cfg.Model.InputShape())
	require.Equal(t, []int{1, 1000}, report.Output.Shape().Dimensions)
	require.NoError(t, verify.AllClose(report.ReloadedOutput, report.Output, verify.Tolerance{Atol: 1e-5}))
}
