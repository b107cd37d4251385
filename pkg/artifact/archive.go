// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quickstart/pkg/ir"
	"github.com/gomlx/quickstart/pkg/model"
	"github.com/gomlx/quickstart/pkg/target"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FormatVersion of the archives written by this package.
const FormatVersion = 1

// Names of the archive entries.
const (
	ManifestEntry = "manifest.json"
	GraphEntry    = "graph.json"
	ONNXEntry     = "model.onnx"
	ParamsEntry   = "params.bin"
	LibEntry      = "lib.txt"
)

// MaxEntrySize is the largest archive entry accepted by Load.
const MaxEntrySize = 4 << 30

// ErrCorrupted is returned (wrapped) when an archive can't be loaded.
var ErrCorrupted = errors.New("corrupted artifact archive")

// Manifest is the metadata entry of the archive.
type Manifest struct {
	FormatVersion int                  `json:"format_version"`
	ID            uuid.UUID            `json:"id"`
	CreatedAt     time.Time            `json:"created_at"`
	Target        target.Target        `json:"target"`
	Backend       string               `json:"backend"`
	OptLevel      int                  `json:"opt_level"`
	Passes        []string             `json:"passes"`
	BindParams    bool                 `json:"bind_params"`
	ModuleName    string               `json:"module_name"`
	ModuleFormat  model.Format         `json:"module_format"`
	Inputs        []model.TensorSpec   `json:"inputs"`
	Outputs       []model.TensorSpec   `json:"outputs"`
	OutputNames   []string             `json:"output_names"`
	Entries       map[string]EntryInfo `json:"entries"`
}

// EntryInfo describes one archive entry in the manifest.
type EntryInfo struct {
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Save writes the archive of the artifact to w.
func (a *Artifact) Save(w io.Writer) error {
	if err := a.Validate(); err != nil {
		return errors.WithMessage(err, "cannot save invalid artifact")
	}
	entries := make(map[string][]byte)
	switch a.Module.Format {
	case model.FormatIR:
		data, err := a.Module.Graph.Marshal()
		if err != nil {
			return err
		}
		entries[GraphEntry] = data
	case model.FormatONNX:
		entries[ONNXEntry] = a.Module.ONNX
	}
	paramsData, err := encodeParams(a.Params)
	if err != nil {
		return err
	}
	entries[ParamsEntry] = paramsData
	entries[LibEntry] = []byte(a.Lowered)

	manifest := Manifest{
		FormatVersion: FormatVersion,
		ID:            a.ID,
		CreatedAt:     a.CreatedAt,
		Target:        a.Target,
		Backend:       a.Backend,
		OptLevel:      a.OptLevel,
		Passes:        a.Passes,
		BindParams:    a.BindParams,
		ModuleName:    a.Module.Name,
		ModuleFormat:  a.Module.Format,
		Inputs:        a.Module.Inputs,
		Outputs:       a.Outputs,
		OutputNames:   a.Module.OutputNames,
		Entries:       make(map[string]EntryInfo, len(entries)),
	}
	for name, data := range entries {
		manifest.Entries[name] = EntryInfo{Size: int64(len(data)), SHA256: checksum(data)}
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal artifact manifest")
	}

	tw := tar.NewWriter(w)
	writeEntry := func(name string, data []byte) error {
		hdr := &tar.Header{
			Name:    name,
			Mode:    0644,
			Size:    int64(len(data)),
			ModTime: a.CreatedAt,
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return errors.Wrapf(err, "failed to write header of %q", name)
		}
		if _, err := tw.Write(data); err != nil {
			return errors.Wrapf(err, "failed to write %q", name)
		}
		return nil
	}
	if err := writeEntry(ManifestEntry, manifestData); err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := writeEntry(name, entries[name]); err != nil {
			return err
		}
	}
	return errors.Wrap(tw.Close(), "failed to finish artifact archive")
}

// Export writes the archive to path. The file is written to a temporary file in the same directory
// first, and renamed at the end, so path is never left half-written.
func (a *Artifact) Export(path string) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file to export artifact to %q", path)
	}
	tmpPath := f.Name()
	defer func() {
		if f != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if err := a.Save(f); err != nil {
		return errors.WithMessagef(err, "exporting artifact to %q", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	f = nil
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to move exported artifact to %q", path)
	}
	klog.V(1).Infof("exported artifact %s to %q", a.ID, path)
	return nil
}

// Load reads an archive written by Save. Every entry is verified against the checksums of the
// manifest: any discrepancy returns an error wrapping ErrCorrupted.
func Load(r io.Reader) (*Artifact, error) {
	entries := make(map[string][]byte)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(ErrCorrupted, "reading archive: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil, errors.Wrapf(ErrCorrupted, "unexpected entry %q of type %q", hdr.Name, hdr.Typeflag)
		}
		if hdr.Size > MaxEntrySize {
			return nil, errors.Wrapf(ErrCorrupted, "entry %q too large (%d bytes)", hdr.Name, hdr.Size)
		}
		if _, found := entries[hdr.Name]; found {
			return nil, errors.Wrapf(ErrCorrupted, "duplicate entry %q", hdr.Name)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.Wrapf(ErrCorrupted, "reading entry %q: %v", hdr.Name, err)
		}
		entries[hdr.Name] = data
	}

	manifestData, found := entries[ManifestEntry]
	if !found {
		return nil, errors.Wrapf(ErrCorrupted, "missing %q", ManifestEntry)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, errors.Wrapf(ErrCorrupted, "invalid manifest: %v", err)
	}
	if manifest.FormatVersion != FormatVersion {
		return nil, errors.Wrapf(ErrCorrupted, "unsupported format version %d (expected %d)",
			manifest.FormatVersion, FormatVersion)
	}
	for name, info := range manifest.Entries {
		data, found := entries[name]
		if !found {
			return nil, errors.Wrapf(ErrCorrupted, "missing entry %q", name)
		}
		if int64(len(data)) != info.Size || checksum(data) != info.SHA256 {
			return nil, errors.Wrapf(ErrCorrupted, "checksum mismatch for entry %q", name)
		}
	}
	for name := range entries {
		if _, found := manifest.Entries[name]; !found && name != ManifestEntry {
			return nil, errors.Wrapf(ErrCorrupted, "unexpected entry %q", name)
		}
	}

	a := &Artifact{
		ID:         manifest.ID,
		CreatedAt:  manifest.CreatedAt,
		Target:     manifest.Target,
		OptLevel:   manifest.OptLevel,
		Backend:    manifest.Backend,
		Passes:     manifest.Passes,
		BindParams: manifest.BindParams,
		Outputs:    manifest.Outputs,
		Lowered:    string(entries[LibEntry]),
	}
	switch manifest.ModuleFormat {
	case model.FormatIR:
		g, err := ir.Unmarshal(entries[GraphEntry])
		if err != nil {
			return nil, errors.Wrapf(ErrCorrupted, "invalid execution graph: %v", err)
		}
		mod, err := model.NewIR(g)
		if err != nil {
			return nil, errors.Wrapf(ErrCorrupted, "invalid module: %v", err)
		}
		a.Module = mod
	case model.FormatONNX:
		a.Module = &model.Module{
			Name:        manifest.ModuleName,
			Format:      model.FormatONNX,
			ONNX:        entries[ONNXEntry],
			Inputs:      manifest.Inputs,
			OutputNames: manifest.OutputNames,
		}
	default:
		return nil, errors.Wrapf(ErrCorrupted, "unknown module format %q", manifest.ModuleFormat)
	}
	a.Module.Name = manifest.ModuleName
	if !slices.EqualFunc(a.Module.Inputs, manifest.Inputs, model.TensorSpec.Equal) {
		return nil, errors.Wrapf(ErrCorrupted, "manifest inputs %v don't match the module inputs %v",
			manifest.Inputs, a.Module.Inputs)
	}
	var err error
	a.Params, err = decodeParams(entries[ParamsEntry])
	if err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, errors.Wrapf(ErrCorrupted, "%v", err)
	}
	return a, nil
}

// Import reads the archive at path, see Load.
func Import(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open artifact %q", path)
	}
	defer func() { _ = f.Close() }()
	a, err := Load(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "importing artifact %q", path)
	}
	klog.V(1).Infof("imported artifact %s from %q", a.ID, path)
	return a, nil
}

// encodeParams as a gob stream: the number of parameters, then name and tensor pairs sorted by name.
func encodeParams(params model.Params) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	names := params.Names()
	if err := enc.Encode(len(names)); err != nil {
		return nil, errors.Wrap(err, "failed to encode parameters")
	}
	for _, name := range names {
		if err := enc.Encode(name); err != nil {
			return nil, errors.Wrapf(err, "failed to encode parameter name %q", name)
		}
		if err := params[name].GobSerialize(enc); err != nil {
			return nil, errors.WithMessagef(err, "failed to encode parameter %q", name)
		}
	}
	return buf.Bytes(), nil
}

func decodeParams(data []byte) (model.Params, error) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var count int
	if err := dec.Decode(&count); err != nil {
		return nil, errors.Wrapf(ErrCorrupted, "decoding parameters: %v", err)
	}
	params := make(model.Params, count)
	for range count {
		var name string
		if err := dec.Decode(&name); err != nil {
			return nil, errors.Wrapf(ErrCorrupted, "decoding parameter name: %v", err)
		}
		t, err := tensors.GobDeserialize(dec)
		if err != nil {
			return nil, errors.Wrapf(ErrCorrupted, "decoding parameter %q: %v", name, err)
		}
		params[name] = t
	}
	return params, nil
}
