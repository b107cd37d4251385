// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quickstart/pkg/ir"
	"github.com/gomlx/quickstart/pkg/model"
	"github.com/gomlx/quickstart/pkg/target"
	"github.com/stretchr/testify/require"
)

func testArtifact(t *testing.T) *Artifact {
	g := &ir.Graph{
		Name:   "tiny",
		Layout: ir.LayoutNCHW,
		Inputs: []ir.Input{{Name: "data", Dimensions: []int{1, 2, 2, 2}}},
		Nodes: []*ir.Node{
			{Name: "conv", Op: ir.OpConv2D, Inputs: []string{"data"}, Params: []string{"conv_weight"}},
			{Name: "pool", Op: ir.OpGlobalAvgPool2D, Inputs: []string{"conv"}},
			{Name: "flat", Op: ir.OpFlatten, Inputs: []string{"pool"}},
		},
		Outputs: []string{"flat"},
	}
	mod, err := model.NewIR(g)
	require.NoError(t, err)
	params := model.Params{
		"conv_weight": tensors.FromFlatDataAndDimensions([]float32{0, 1, 1, 0}, 2, 2, 1, 1),
	}
	a := New(target.LLVM(), 2, mod, params)
	a.Backend = "go"
	a.Passes = []string{"FoldBatchNorm", "SimplifyInference", "FuseActivation", "EliminateDeadNodes"}
	a.Outputs = []model.TensorSpec{model.Float32Spec("flat", 1, 2)}
	a.Lowered = "HloModule tiny\n"
	return a
}

// readEntries returns the names and contents of the archive entries, in order.
func readEntries(t *testing.T, data []byte) ([]string, map[string][]byte) {
	var names []string
	contents := make(map[string][]byte)
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		contents[hdr.Name], err = io.ReadAll(tr)
		require.NoError(t, err)
	}
	return names, contents
}

// writeEntries creates an archive with the given entries, in order.
func writeEntries(t *testing.T, names []string, contents map[string][]byte) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(contents[name]))}))
		_, err := tw.Write(contents[name])
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestSaveLoad(t *testing.T) {
	a := testArtifact(t)
	var buf bytes.Buffer
	require.NoError(t, a.Save(&buf))

	names, _ := readEntries(t, buf.Bytes())
	require.Equal(t, []string{ManifestEntry, GraphEntry, LibEntry, ParamsEntry}, names)

	loaded, err := Load(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.True(t, a.Equal(loaded))
	require.Equal(t, a.Module.Graph, loaded.Module.Graph)
	require.Equal(t, []string{"data"}, loaded.InputNames())
	spec, found := loaded.InputSpec("data")
	require.True(t, found)
	require.Equal(t, []int{1, 2, 2, 2}, spec.Dimensions)

	// Saving twice gives the same bytes.
	var buf2 bytes.Buffer
	require.NoError(t, loaded.Save(&buf2))
	require.Equal(t, buf.Bytes(), buf2.Bytes())
}

func TestExportImport(t *testing.T) {
	a := testArtifact(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "tiny.tar")
	require.NoError(t, a.Export(path))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files should be left behind")

	loaded, err := Import(path)
	require.NoError(t, err)
	require.True(t, a.Equal(loaded))

	_, err = Import(filepath.Join(dir, "missing.tar"))
	require.Error(t, err)

	// Exporting into a missing directory fails without creating anything.
	require.Error(t, a.Export(filepath.Join(dir, "nope", "tiny.tar")))
}

func TestCorrupted(t *testing.T) {
	a := testArtifact(t)
	var buf bytes.Buffer
	require.NoError(t, a.Save(&buf))
	names, contents := readEntries(t, buf.Bytes())

	{
		// Tampered parameters.
		tampered := make(map[string][]byte)
		for name, data := range contents {
			tampered[name] = bytes.Clone(data)
		}
		params := tampered[ParamsEntry]
		params[len(params)-1] ^= 0xFF
		_, err := Load(bytes.NewReader(writeEntries(t, names, tampered)))
		require.ErrorIs(t, err, ErrCorrupted)
		require.ErrorContains(t, err, ParamsEntry)
	}
	{
		// Missing entry.
		_, err := Load(bytes.NewReader(writeEntries(t, names[:len(names)-1], contents)))
		require.ErrorIs(t, err, ErrCorrupted)
	}
	{
		// Missing manifest.
		_, err := Load(bytes.NewReader(writeEntries(t, names[1:], contents)))
		require.ErrorIs(t, err, ErrCorrupted)
	}
	{
		// Extra entry.
		extra := make(map[string][]byte)
		for name, data := range contents {
			extra[name] = data
		}
		extra["extra.txt"] = []byte("hello")
		_, err := Load(bytes.NewReader(writeEntries(t, append(names, "extra.txt"), extra)))
		require.ErrorIs(t, err, ErrCorrupted)
	}
	{
		// Truncated archive.
		_, err := Load(bytes.NewReader(buf.Bytes()[:buf.Len()/2]))
		require.ErrorIs(t, err, ErrCorrupted)
	}
	{
		// Not an archive.
		_, err := Load(bytes.NewReader([]byte("definitely not a tar file, but long enough to be read")))
		require.ErrorIs(t, err, ErrCorrupted)
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, testArtifact(t).Validate())
	{
		a := testArtifact(t)
		a.Target = target.Target{}
		require.Error(t, a.Validate())
		require.Error(t, a.Save(io.Discard))
	}
	{
		a := testArtifact(t)
		a.Outputs = nil
		require.Error(t, a.Validate())
	}
	{
		a := testArtifact(t)
		delete(a.Params, "conv_weight")
		require.Error(t, a.Validate())
	}
}
