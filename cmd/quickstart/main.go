// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// quickstart builds the reference ResNet, compiles it for a target, runs it, exports the compiled
// artifact to a single-file archive, imports it back, runs it again and verifies both outputs agree.
//
// Example:
//
//	quickstart -target="cuda -model=gtx1650 -arch=sm_75" -opt=3
//	quickstart -target=go -image=64 -layers=18 -outdir=/tmp/deploy -keep
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/quickstart/pkg/pipeline"
	"github.com/gomlx/quickstart/pkg/verify"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	defaults = pipeline.DefaultConfig()

	flagLayers    = flag.Int("layers", defaults.Model.NumLayers, "Number of layers of the ResNet.")
	flagBatch     = flag.Int("batch", defaults.Model.BatchSize, "Batch size of the input.")
	flagImage     = flag.Int("image", defaults.Model.ImageShape[1], "Height and width of the input images.")
	flagClasses   = flag.Int("classes", defaults.Model.NumClasses, "Number of output classes.")
	flagSeed      = flag.Uint64("seed", 0, "Seed of the parameters and of the random input.")
	flagOpt       = flag.Int("opt", defaults.OptLevel, "Optimization level, from 0 to 3.")
	flagTarget    = flag.String("target", defaults.Target, "Compilation target, e.g. \"cuda -arch=sm_75\", \"llvm\" or \"go\".")
	flagDevice    = flag.Int("device", 0, "Device number to run on.")
	flagAtol      = flag.Float64("atol", defaults.Tolerance.Atol, "Absolute tolerance of the verification.")
	flagOutDir    = flag.String("outdir", "", "Directory to export the archive to. If empty a temporary one is used.")
	flagKeep      = flag.Bool("keep", false, "Keep the temporary export directory.")
	flagPrint     = flag.Bool("print_module", false, "Print the model definition.")
	flagImageFile = flag.String("image_file", "", "Image to use as input instead of random data. Requires -batch=1.")
	flagHead      = flag.Int("head", 10, "Number of output values to print.")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 0, 0, 0)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := defaults
	cfg.Model.NumLayers = *flagLayers
	cfg.Model.BatchSize = *flagBatch
	cfg.Model.ImageShape = [3]int{3, *flagImage, *flagImage}
	cfg.Model.NumClasses = *flagClasses
	cfg.Model.Seed = *flagSeed
	cfg.InputSeed = *flagSeed
	cfg.OptLevel = *flagOpt
	cfg.Target = *flagTarget
	cfg.DeviceNum = *flagDevice
	cfg.Tolerance = verify.Tolerance{Atol: *flagAtol}
	cfg.OutDir = *flagOutDir
	cfg.Keep = *flagKeep
	cfg.ImageFile = *flagImageFile
	cfg.ModuleText = *flagPrint

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	report, err := pipeline.QuickStart(ctx, cfg)
	if report != nil {
		printReport(report)
	}
	if err != nil {
		var mismatch *verify.MismatchError
		if errors.As(err, &mismatch) {
			fmt.Printf("\nfirst mismatch at %v: got %g, want %g\n", mismatch.MultiIndex, mismatch.Actual, mismatch.Desired)
		}
		klog.Fatalf("quickstart failed: %+v", err)
	}
	fmt.Println(titleStyle.Render("Verified"))
	fmt.Printf("reloaded output within atol=%g of the original output\n", cfg.Tolerance.Atol)
}

func printReport(r *pipeline.Report) {
	if r.ModuleText != "" {
		fmt.Println(titleStyle.Render("Module"))
		fmt.Println(r.ModuleText)
	}
	fmt.Println(titleStyle.Render("Compilation"))
	fmt.Printf("target:   %s\n", r.Target)
	fmt.Printf("arch:     %s\n", r.Arch)
	fmt.Printf("backend:  %s\n", r.Backend)
	fmt.Printf("passes:   %s\n", strings.Join(r.Passes, ", "))
	fmt.Printf("artifact: %s (compiled in %s)\n", r.ArtifactID, r.CompileTime)

	if len(r.Files) > 0 {
		fmt.Println(titleStyle.Render("Export"))
		for _, f := range r.Files {
			fmt.Printf("%-20s %10s\n", f.Name, humanize.Bytes(uint64(f.Size)))
		}
	}

	if r.Output != nil {
		fmt.Println(titleStyle.Render("Outputs"))
		fmt.Printf("original (%s): %v\n", r.RunTime, pipeline.Head(r.Output, *flagHead))
	}
	if r.ReloadedOutput != nil {
		fmt.Printf("reloaded (%s): %v\n", r.ReloadedRunTime, pipeline.Head(r.ReloadedOutput, *flagHead))
	}
}
