// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package target describes the hardware a model is compiled for.
//
// A Target is parsed from a string in the usual compiler notation, a device family followed by
// optional "-key=value" qualifiers:
//
//	cuda -model=gtx1650 -arch=sm_75
//	llvm -mcpu=skylake
//	go
//
// Targets are immutable values: every method returns a copy, and they can be freely shared.
package target

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the device family of a Target.
type Kind string

const (
	// KindCUDA targets NVIDIA GPUs, compiled by the XLA CUDA PJRT plugin.
	KindCUDA Kind = "cuda"

	// KindLLVM targets the host CPU, compiled by the XLA CPU PJRT plugin.
	KindLLVM Kind = "llvm"

	// KindGo targets the host CPU using the pure Go backend. No code generation is involved,
	// which makes it the portable choice for tests.
	KindGo Kind = "go"
)

// ErrUnsupported is returned (wrapped) for target strings that cannot be served by any backend.
var ErrUnsupported = errors.New("unsupported target")

var aliases = map[string]Kind{
	"cuda":     KindCUDA,
	"nvidia":   KindCUDA,
	"gpu":      KindCUDA,
	"llvm":     KindLLVM,
	"cpu":      KindLLVM,
	"go":       KindGo,
	"simplego": KindGo,
}

var archRegexp = regexp.MustCompile(`^sm_(\d)(\d+)$`)

// Target is an immutable description of a compilation target.
type Target struct {
	kind  Kind
	model string
	arch  string
	mcpu  string
}

// Parse a target string, e.g. "cuda -model=gtx1650 -arch=sm_75".
//
// The device family is case-insensitive and accepts a few aliases ("gpu", "cpu").
// Unknown qualifiers or malformed values are rejected.
func Parse(s string) (Target, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Target{}, errors.Wrap(ErrUnsupported, "empty target string")
	}
	kind, found := aliases[strings.ToLower(fields[0])]
	if !found {
		return Target{}, errors.Wrapf(ErrUnsupported, "unknown device family %q in target %q", fields[0], s)
	}
	t := Target{kind: kind}
	for _, field := range fields[1:] {
		if !strings.HasPrefix(field, "-") {
			return Target{}, errors.Wrapf(ErrUnsupported, "invalid qualifier %q in target %q, expected -key=value", field, s)
		}
		key, value, found := strings.Cut(strings.TrimLeft(field, "-"), "=")
		if !found || value == "" {
			return Target{}, errors.Wrapf(ErrUnsupported, "qualifier %q in target %q has no value", field, s)
		}
		switch key {
		case "model":
			t.model = value
		case "arch":
			t.arch = value
		case "mcpu":
			t.mcpu = value
		default:
			return Target{}, errors.Wrapf(ErrUnsupported, "unknown qualifier %q in target %q", key, s)
		}
	}
	if err := t.validate(); err != nil {
		return Target{}, errors.WithMessagef(err, "target %q", s)
	}
	return t, nil
}

// MustParse is like Parse, but panics on error.
func MustParse(s string) Target {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// CUDA returns a GPU target. model and arch are optional (empty), arch must be of the form "sm_XX".
func CUDA(model, arch string) (Target, error) {
	t := Target{kind: KindCUDA, model: model, arch: arch}
	if err := t.validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}

// LLVM returns the host CPU target.
func LLVM() Target { return Target{kind: KindLLVM} }

// Go returns the pure Go target.
func Go() Target { return Target{kind: KindGo} }

func (t Target) validate() error {
	if t.arch != "" {
		if t.kind != KindCUDA {
			return errors.Wrapf(ErrUnsupported, "-arch is only valid for %q targets", KindCUDA)
		}
		if !archRegexp.MatchString(t.arch) {
			return errors.Wrapf(ErrUnsupported, "invalid -arch=%q, expected something like \"sm_75\"", t.arch)
		}
	}
	if t.model != "" && t.kind != KindCUDA {
		return errors.Wrapf(ErrUnsupported, "-model is only valid for %q targets", KindCUDA)
	}
	if t.mcpu != "" && t.kind != KindLLVM {
		return errors.Wrapf(ErrUnsupported, "-mcpu is only valid for %q targets", KindLLVM)
	}
	return nil
}

// IsZero returns whether t is the zero value, which is not a valid target.
func (t Target) IsZero() bool { return t.kind == "" }

// Kind returns the device family.
func (t Target) Kind() Kind { return t.kind }

// Model returns the device model qualifier (e.g. "gtx1650"), or "" if not set.
func (t Target) Model() string { return t.model }

// Arch returns the architecture qualifier (e.g. "sm_75"), or "" if not set.
func (t Target) Arch() string { return t.arch }

// MCPU returns the CPU qualifier of llvm targets, or "" if not set.
func (t Target) MCPU() string { return t.mcpu }

// IsGPU returns whether the target runs on a GPU.
func (t Target) IsGPU() bool { return t.kind == KindCUDA }

// Keys returns the generic device keys of the target ("gpu" or "cpu" plus the family).
func (t Target) Keys() []string {
	switch t.kind {
	case KindCUDA:
		return []string{"cuda", "gpu"}
	case KindLLVM:
		return []string{"llvm", "cpu"}
	case KindGo:
		return []string{"go", "cpu"}
	}
	return nil
}

// HasKey returns whether key is one of Keys.
func (t Target) HasKey(key string) bool {
	return slices.Contains(t.Keys(), key)
}

// ComputeCapability returns the major and minor CUDA compute capability encoded in Arch.
// ok is false if there is no arch qualifier.
func (t Target) ComputeCapability() (major, minor int, ok bool) {
	m := archRegexp.FindStringSubmatch(t.arch)
	if m == nil {
		return 0, 0, false
	}
	major, _ = strconv.Atoi(m[1])
	minor, _ = strconv.Atoi(m[2])
	return major, minor, true
}

// BackendConfig returns the GoMLX backend configuration string that compiles and runs this target.
func (t Target) BackendConfig() string {
	switch t.kind {
	case KindCUDA:
		return "xla:cuda"
	case KindLLVM:
		return "xla:cpu"
	case KindGo:
		return "go"
	}
	return ""
}

// String returns the canonical form of the target, which Parse accepts.
func (t Target) String() string {
	if t.IsZero() {
		return "<invalid target>"
	}
	var sb strings.Builder
	sb.WriteString(string(t.kind))
	if t.model != "" {
		_, _ = fmt.Fprintf(&sb, " -model=%s", t.model)
	}
	if t.arch != "" {
		_, _ = fmt.Fprintf(&sb, " -arch=%s", t.arch)
	}
	if t.mcpu != "" {
		_, _ = fmt.Fprintf(&sb, " -mcpu=%s", t.mcpu)
	}
	return sb.String()
}

// Equal returns whether both targets have the same family and qualifiers.
func (t Target) Equal(other Target) bool {
	return t == other
}

// MarshalText implements encoding.TextMarshaler.
func (t Target) MarshalText() ([]byte, error) {
	if t.IsZero() {
		return nil, errors.New("cannot marshal an invalid target")
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Target) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
