// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device opens the execution device of a target: a GoMLX backend instance plus the number
// of the device within it.
package device

import (
	"fmt"

	"github.com/gomlx/go-xla/pkg/installer"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/quickstart/pkg/target"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUnavailable is returned (wrapped) when the requested device can't be opened.
var ErrUnavailable = errors.New("device unavailable")

// Device is an opened device. It must be closed after use.
type Device struct {
	kind    target.Kind
	num     int
	backend backends.Backend

	// borrowed backends are not finalized by Close.
	borrowed bool
}

// HasGPU reports whether an NVIDIA GPU is present in the host.
var HasGPU = installer.HasNvidiaGPU

// Open the device number deviceNum for the target.
func Open(tgt target.Target, deviceNum int) (*Device, error) {
	if tgt.IsZero() {
		return nil, errors.New("can't open a device for an empty target")
	}
	if deviceNum < 0 {
		return nil, errors.Wrapf(ErrUnavailable, "invalid device number %d", deviceNum)
	}
	if tgt.IsGPU() && !HasGPU() {
		return nil, errors.Wrapf(ErrUnavailable, "%s(%d): no NVIDIA GPU found", tgt.Kind(), deviceNum)
	}
	config := tgt.BackendConfig()
	backend, err := backends.NewWithConfig(config)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "%s(%d): backend %q failed to initialize: %v",
			tgt.Kind(), deviceNum, config, err)
	}
	if numDevices := int(backend.NumDevices()); deviceNum >= numDevices {
		backend.Finalize()
		return nil, errors.Wrapf(ErrUnavailable, "%s(%d): backend %q has only %d device(s)",
			tgt.Kind(), deviceNum, config, numDevices)
	}
	klog.V(1).Infof("opened device %s(%d) on backend %s", tgt.Kind(), deviceNum, backend.Name())
	return &Device{kind: tgt.Kind(), num: deviceNum, backend: backend}, nil
}

// CUDA opens the n-th GPU.
func CUDA(n int) (*Device, error) {
	return Open(target.MustParse("cuda"), n)
}

// CPU opens the host, with the XLA CPU backend.
func CPU() (*Device, error) {
	return Open(target.LLVM(), 0)
}

// Go opens the host, with the pure Go backend.
func Go() (*Device, error) {
	return Open(target.Go(), 0)
}

// FromBackend wraps an already created backend, without taking ownership: Close won't finalize it.
func FromBackend(kind target.Kind, backend backends.Backend) *Device {
	return &Device{kind: kind, backend: backend, borrowed: true}
}

// FromBackendNum is like FromBackend, for the device number deviceNum of the backend.
func FromBackendNum(kind target.Kind, backend backends.Backend, deviceNum int) (*Device, error) {
	if deviceNum < 0 || deviceNum >= int(backend.NumDevices()) {
		return nil, errors.Wrapf(ErrUnavailable, "%s(%d): backend %s has only %d device(s)",
			kind, deviceNum, backend.Name(), backend.NumDevices())
	}
	return &Device{kind: kind, num: deviceNum, backend: backend, borrowed: true}, nil
}

// Kind of target the device runs.
func (d *Device) Kind() target.Kind { return d.kind }

// Num is the number of the device.
func (d *Device) Num() int { return d.num }

// Backend returns the backend of the device, or nil if closed.
func (d *Device) Backend() backends.Backend { return d.backend }

// Compatible returns an error if an artifact compiled for tgt can't run on the device.
func (d *Device) Compatible(tgt target.Target) error {
	if d.backend == nil {
		return errors.Errorf("device %s is closed", d)
	}
	if tgt.Kind() != d.kind {
		return errors.Errorf("artifact compiled for target %q can't run on device %s", tgt, d)
	}
	return nil
}

// String implements fmt.Stringer, in the form "cuda(0)".
func (d *Device) String() string {
	return fmt.Sprintf("%s(%d)", d.kind, d.num)
}

// Close finalizes the backend. It is safe to call more than once.
func (d *Device) Close() {
	if d.backend == nil {
		return
	}
	if !d.borrowed {
		d.backend.Finalize()
	}
	d.backend = nil
}
