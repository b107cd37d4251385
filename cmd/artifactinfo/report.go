// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/quickstart/pkg/artifact"
	"github.com/gomlx/quickstart/pkg/model"
)

func summaryRows(art *artifact.Artifact, archiveSize int64) [][]string {
	rows := [][]string{
		{"id", art.ID.String()},
		{"created", art.CreatedAt.Format("2006-01-02 15:04:05 MST")},
		{"model", art.Module.Name},
		{"format", string(art.Module.Format)},
		{"target", art.Target.String()},
		{"opt level", fmt.Sprintf("%d", art.OptLevel)},
		{"backend", art.Backend},
		{"passes", strings.Join(art.Passes, ", ")},
		{"bound params", fmt.Sprintf("%v", art.BindParams)},
	}
	if art.Module.Graph != nil {
		rows = append(rows, []string{"# nodes", humanize.Comma(int64(len(art.Module.Graph.Nodes)))})
	}
	rows = append(rows,
		[]string{"# parameters", humanize.Comma(int64(len(art.Params)))},
		[]string{"# values", humanize.Comma(int64(art.Params.NumElements()))},
		[]string{"params memory", humanize.Bytes(uint64(art.Params.Memory()))},
	)
	if archiveSize > 0 {
		rows = append(rows, []string{"archive size", humanize.Bytes(uint64(archiveSize))})
	}
	return rows
}

func specRows(kind string, specs []model.TensorSpec) [][]string {
	rows := make([][]string, 0, len(specs))
	for _, spec := range specs {
		rows = append(rows, []string{kind, spec.Name, spec.Shape().String(),
			humanize.Bytes(uint64(spec.Shape().Memory()))})
	}
	return rows
}

func paramRows(params model.Params) [][]string {
	rows := make([][]string, 0, len(params))
	for _, name := range params.Names() {
		shape := params[name].Shape()
		rows = append(rows, []string{name, shape.String(), humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory()))})
	}
	return rows
}
