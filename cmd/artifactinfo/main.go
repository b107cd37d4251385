// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// artifactinfo prints the contents of compiled artifact archives.
//
// Example:
//
//	artifactinfo -params -graph /tmp/deploy/deploy_lib.tar
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/quickstart/pkg/artifact"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.Bool("summary", true, "Display a summary of the artifact: target, level, passes and sizes.")
	flagSpecs   = flag.Bool("specs", true, "List the inputs and outputs.")
	flagParams  = flag.Bool("params", false, "List the parameters.")
	flagGraph   = flag.Bool("graph", false, "Print the model definition.")
	flagLib     = flag.Bool("lib", false, "Print the program text produced by the backend.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() == 0 {
		klog.Errorf("Missing archive to read. See 'artifactinfo -help'")
		os.Exit(1)
	}
	for _, path := range flag.Args() {
		report(path)
	}
}

func report(path string) {
	art := must.M1(artifact.Import(path))
	info := must.M1(os.Stat(path))

	if *flagSummary {
		fmt.Println(render(path, nil, summaryRows(art, info.Size()), lipgloss.Right, lipgloss.Left))
	}
	if *flagSpecs {
		rows := append(specRows("input", art.Inputs()), specRows("output", art.Outputs)...)
		fmt.Println(render("Inputs and outputs", []string{"Kind", "Name", "Shape", "Bytes"}, rows))
	}
	if *flagParams {
		fmt.Println(render("Parameters", []string{"Name", "Shape", "Size", "Bytes"}, paramRows(art.Params),
			lipgloss.Left, lipgloss.Left, lipgloss.Right))
	}
	if *flagGraph {
		fmt.Println(titleStyle.Render("Model"))
		fmt.Println(art.Module.Text())
	}
	if *flagLib {
		fmt.Println(titleStyle.Render("Program"))
		fmt.Println(art.Lowered)
	}
}
