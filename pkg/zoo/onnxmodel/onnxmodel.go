// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package onnxmodel imports ONNX models, from a local file or from a HuggingFace repository.
//
// Only self-contained models are supported: weights stored in external data files are not loaded.
package onnxmodel

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/quickstart/pkg/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Load reads the ONNX model at path. See model.NewONNX for the inputShapes semantics.
// The module is named after the file.
func Load(path string, inputShapes map[string][]int) (*model.Module, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model %q", path)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	mod, err := model.NewONNX(name, contents, inputShapes)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %q", path)
	}
	klog.V(1).Infof("loaded ONNX model %q: inputs %v, outputs %v", path, mod.Inputs, mod.OutputNames)
	return mod, nil
}

// HubConfig selects a model file in a HuggingFace repository.
type HubConfig struct {
	// Repo is the repository ID, e.g. "onnxmodelzoo/resnet18-v2-7".
	Repo string

	// File is the path of the model within the repository.
	File string

	// AuthToken for private repositories. If empty, HF_TOKEN is used.
	AuthToken string

	// ProgressBar shows the download progress on the terminal.
	ProgressBar bool
}

// Download fetches (or reuses from the cache) the model file from the HuggingFace hub and loads it.
func Download(cfg HubConfig, inputShapes map[string][]int) (*model.Module, error) {
	if cfg.Repo == "" || cfg.File == "" {
		return nil, errors.New("both the repository and the file of the model must be given")
	}
	token := cfg.AuthToken
	if token == "" {
		token = os.Getenv("HF_TOKEN")
	}
	repo := hub.New(cfg.Repo).WithProgressBar(cfg.ProgressBar)
	if token != "" {
		repo = repo.WithAuth(token)
	}
	path, err := repo.DownloadFile(cfg.File)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %q from %q", cfg.File, cfg.Repo)
	}
	return Load(path, inputShapes)
}
