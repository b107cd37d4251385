// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// timedrun compiles a model for a target and times repeated executions on random inputs.
//
// The model is an ONNX file (-model), an ONNX file from the HuggingFace hub (-hf_repo and -hf_file)
// or, if neither is given, the reference ResNet-18.
//
// Example:
//
//	timedrun -hf_repo=onnxmodelzoo/resnet18-v2-7 -hf_file=resnet18-v2-7.onnx -shapes="data=1,3,224,224" -target=cpu
package main

import (
	"flag"
	"fmt"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quickstart/pkg/compiler"
	"github.com/gomlx/quickstart/pkg/device"
	"github.com/gomlx/quickstart/pkg/executor"
	"github.com/gomlx/quickstart/pkg/inputs"
	"github.com/gomlx/quickstart/pkg/model"
	"github.com/gomlx/quickstart/pkg/target"
	"github.com/gomlx/quickstart/pkg/zoo/onnxmodel"
	"github.com/gomlx/quickstart/pkg/zoo/resnet"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagModel  = flag.String("model", "", "Path to an ONNX model.")
	flagRepo   = flag.String("hf_repo", "", "HuggingFace repository of the ONNX model.")
	flagFile   = flag.String("hf_file", "", "File of the ONNX model within -hf_repo.")
	flagShapes = flag.String("shapes", "", "Input shapes of the ONNX model, \"name=d0,d1,...;name2=...\". "+
		"Required for inputs with dynamic axes.")
	flagTarget = flag.String("target", "cuda", "Compilation target, e.g. \"cuda -arch=sm_75\", \"llvm\" or \"go\".")
	flagOpt    = flag.Int("opt", 3, "Optimization level, from 0 to 3.")
	flagDevice = flag.Int("device", 0, "Device number to run on.")
	flagRepeat = flag.Int("repeat", 1, "Number of timed executions.")
	flagWarmup = flag.Int("warmup", 0, "Number of executions before timing.")
	flagSeed   = flag.Uint64("seed", 0, "Seed of the random inputs.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	tgt := must.M1(target.Parse(*flagTarget))
	mod, params := loadModel()
	dev := must.M1(device.Open(tgt, *flagDevice))
	defer dev.Close()

	start := time.Now()
	art := must.M1(compiler.New(compiler.WithDevice(dev)).Compile(mod, tgt, params, *flagOpt))
	fmt.Printf("compiled %q for %q at level %d in %s (backend %s, passes %v)\n",
		mod.Name, tgt, *flagOpt, time.Since(start), art.Backend, art.Passes)

	exec := must.M1(executor.New(art, dev))
	defer exec.Finalize()
	feeds := make(map[string]*tensors.Tensor, len(art.Inputs()))
	var inputBytes uintptr
	for ii, spec := range art.Inputs() {
		feeds[spec.Name] = must.M1(inputs.Random(spec.Dimensions, *flagSeed+uint64(ii)))
		inputBytes += spec.Shape().Memory()
	}
	must.M(exec.SetInputs(feeds))
	fmt.Printf("inputs: %v (%s)\n", art.Inputs(), humanize.Bytes(uint64(inputBytes)))

	for range *flagWarmup {
		must.M(exec.Run())
	}
	durations := make([]time.Duration, 0, *flagRepeat)
	bar := progressbar.NewOptions(*flagRepeat,
		progressbar.OptionSetDescription("running"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("runs"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
	for range *flagRepeat {
		must.M(exec.Run())
		durations = append(durations, exec.LastRunDuration())
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	printStats(durations)
}

func loadModel() (*model.Module, model.Params) {
	shapes := must.M1(parseShapes(*flagShapes))
	switch {
	case *flagModel != "":
		return must.M1(onnxmodel.Load(*flagModel, shapes)), nil
	case *flagRepo != "":
		cfg := onnxmodel.HubConfig{Repo: *flagRepo, File: *flagFile, ProgressBar: true}
		return must.M1(onnxmodel.Download(cfg, shapes)), nil
	}
	mod, params, err := resnet.Build(resnet.DefaultConfig())
	must.M(err)
	return mod, params
}

func printStats(durations []time.Duration) {
	if len(durations) == 0 {
		return
	}
	slices.Sort(durations)
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	percentile := func(p float64) time.Duration {
		return durations[min(len(durations)-1, int(p*float64(len(durations))))]
	}
	fmt.Printf("%d runs: mean %s, min %s, p50 %s, p90 %s, max %s\n", len(durations),
		total/time.Duration(len(durations)), durations[0], percentile(0.5), percentile(0.9),
		durations[len(durations)-1])
}
