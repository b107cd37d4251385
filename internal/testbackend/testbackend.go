// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package testbackend holds the backend and target used by the tests of this module.
//
// Tests run on the pure Go backend by default, which needs no installation. Set GOMLX_BACKEND to
// "xla:cpu" or "xla:cuda" to run them with XLA instead.
package testbackend

import (
	"os"
	"sync"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/quickstart/pkg/target"
	"k8s.io/klog/v2"
)

// DefaultConfig is the backend used when GOMLX_BACKEND is not set.
const DefaultConfig = "go"

var (
	backendOnce   sync.Once
	cachedBackend backends.Backend
)

// Config returns the backend configuration selected for tests.
func Config() string {
	if config := os.Getenv(backends.ConfigEnvVar); config != "" {
		return config
	}
	return DefaultConfig
}

// Build returns the backend shared by all tests of the package. It is never finalized.
func Build() backends.Backend {
	backendOnce.Do(func() {
		var err error
		cachedBackend, err = backends.NewWithConfig(Config())
		if err != nil {
			klog.Fatalf("Failed to create test backend %q: %+v", Config(), err)
		}
	})
	return cachedBackend
}

// Target returns the compilation target matching the test backend.
func Target() target.Target {
	switch Config() {
	case "xla:cuda", "cuda":
		return target.MustParse("cuda")
	case "xla:cpu", "xla", "cpu":
		return target.LLVM()
	}
	return target.Go()
}
