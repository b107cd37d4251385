// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quickstart/pkg/compiler"
	"github.com/gomlx/quickstart/pkg/device"
	"github.com/gomlx/quickstart/pkg/inputs"
	"github.com/gomlx/quickstart/pkg/target"
	"github.com/gomlx/quickstart/pkg/verify"
	"github.com/gomlx/quickstart/pkg/zoo/resnet"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ArchiveName is the file name of the exported artifact.
const ArchiveName = "deploy_lib.tar"

// Config of the QuickStart flow.
type Config struct {
	// Model is the reference network configuration.
	Model resnet.Config

	// Target descriptor, e.g. "cuda -model=gtx1650 -arch=sm_75".
	Target string

	// OptLevel from 0 to 3.
	OptLevel int

	// DeviceNum is the number of the device to run on.
	DeviceNum int

	// Device, if set, is used instead of opening DeviceNum of the target. It is not closed.
	Device *device.Device

	// Tolerance of the verification of the reloaded outputs.
	Tolerance verify.Tolerance

	// OutDir is where the archive is exported. If empty, a temporary directory is used, removed
	// at the end unless Keep is set.
	OutDir string
	Keep   bool

	// ImageFile, if set, is used as input (resized to the model image shape) instead of random data.
	ImageFile string

	// InputSeed seeds the random input.
	InputSeed uint64

	// ModuleText requests the listing of the model in the report.
	ModuleText bool
}

// DefaultConfig is the reference flow: ResNet-18 on one 3x224x224 image, level 3, on the first GPU.
func DefaultConfig() Config {
	return Config{
		Model:     resnet.DefaultConfig(),
		Target:    "cuda -model=gtx1650 -arch=sm_75",
		OptLevel:  3,
		Tolerance: verify.DefaultTolerance,
	}
}

// FileInfo describes a file of the export directory.
type FileInfo struct {
	Name string
	Size int64
}

// Report of a QuickStart run.
type Report struct {
	// Target used, and its architecture qualifier.
	Target target.Target
	Arch   string

	// ModuleText is the listing of the model, if requested.
	ModuleText string

	ArtifactID  uuid.UUID
	Passes      []string
	Backend     string
	ArchivePath string

	// Files lists the export directory after the export.
	Files []FileInfo

	// Output and ReloadedOutput are the outputs of the compiled and of the reloaded artifact.
	Output, ReloadedOutput *tensors.Tensor

	CompileTime, RunTime, ReloadedRunTime time.Duration
}

// Head returns the first n values of a float32 tensor. A negative n returns none.
func Head(t *tensors.Tensor, n int) []float32 {
	if t == nil {
		return nil
	}
	flat := tensors.MustCopyFlatData[float32](t)
	return flat[:max(0, min(n, len(flat)))]
}

// QuickStart runs the complete flow: build the reference network, compile it, run it on the input,
// export the artifact, import it back, run it again and verify both outputs agree.
//
// The context is checked for cancellation between steps. Each step itself runs to completion.
func QuickStart(ctx context.Context, cfg Config) (*Report, error) {
	report := &Report{}
	tgt, err := target.Parse(cfg.Target)
	if err != nil {
		return nil, newError("Target", ErrConfig, err)
	}
	report.Target = tgt
	report.Arch = tgt.Arch()
	klog.Infof("target %q (arch %q)", tgt, tgt.Arch())

	dev := cfg.Device
	if dev == nil {
		dev, err = device.Open(tgt, cfg.DeviceNum)
		if err != nil {
			return nil, newError("Device", ErrRuntime, err)
		}
		defer dev.Close()
	}

	outDir := cfg.OutDir
	if outDir == "" {
		outDir, err = os.MkdirTemp("", "quickstart-")
		if err != nil {
			return nil, newError("Export", ErrRuntime, errors.Wrap(err, "failed to create temporary directory"))
		}
		if !cfg.Keep {
			defer func() { _ = os.RemoveAll(outDir) }()
		}
	}
	report.ArchivePath = filepath.Join(outDir, ArchiveName)

	d := New(WithCompiler(compiler.New(compiler.WithDevice(dev))), WithTolerance(cfg.Tolerance))
	defer d.Close()
	checkCtx := func(step string) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return d.fail(step, ErrRuntime, errors.Wrap(ctxErr, "quick start interrupted"))
		}
		return nil
	}

	if err := d.LoadReference(cfg.Model); err != nil {
		return nil, err
	}
	if cfg.ModuleText {
		report.ModuleText = d.Module().Text()
	}
	data, err := quickStartInput(cfg)
	if err != nil {
		return nil, d.fail("Input", ErrConfig, err)
	}
	inputName := d.Module().Inputs[0].Name

	if err := checkCtx("Compile"); err != nil {
		return nil, err
	}
	start := time.Now()
	art, err := d.Compile(tgt, cfg.OptLevel)
	if err != nil {
		return nil, err
	}
	report.CompileTime = time.Since(start)
	report.ArtifactID = art.ID
	report.Passes = art.Passes
	report.Backend = art.Backend

	if err := checkCtx("Run"); err != nil {
		return nil, err
	}
	if err := d.Instantiate(dev); err != nil {
		return nil, err
	}
	if err := d.BindInput(inputName, data); err != nil {
		return nil, err
	}
	if err := d.Run(); err != nil {
		return nil, err
	}
	report.RunTime = d.Executor().LastRunDuration()
	if report.Output, err = d.Output(0); err != nil {
		return nil, err
	}

	if err := checkCtx("Export"); err != nil {
		return nil, err
	}
	if err := d.Export(report.ArchivePath); err != nil {
		return nil, err
	}
	if report.Files, err = listDir(outDir); err != nil {
		return nil, d.fail("Export", ErrRuntime, err)
	}

	if err := checkCtx("Import"); err != nil {
		return nil, err
	}
	if _, err := d.Import(report.ArchivePath); err != nil {
		return nil, err
	}
	if err := d.BindInput(inputName, data); err != nil {
		return nil, err
	}
	if err := d.Run(); err != nil {
		return nil, err
	}
	report.ReloadedRunTime = d.Executor().LastRunDuration()
	if report.ReloadedOutput, err = d.Output(0); err != nil {
		return nil, err
	}

	if err := d.Verify(report.ReloadedOutput, report.Output); err != nil {
		return report, err
	}
	return report, nil
}

func quickStartInput(cfg Config) (*tensors.Tensor, error) {
	shape := cfg.Model.InputShape()
	if cfg.ImageFile == "" {
		return inputs.Random(shape, cfg.InputSeed)
	}
	if shape[0] != 1 || shape[1] != 3 {
		return nil, errors.Errorf("an image file can only be used with batch size 1 and 3 channels, model input is %v", shape)
	}
	return inputs.FromImageFile(cfg.ImageFile, shape[2], shape[3])
}

func listDir(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %q", dir)
	}
	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stat %q", entry.Name())
		}
		files = append(files, FileInfo{Name: entry.Name(), Size: info.Size()})
	}
	return files, nil
}
