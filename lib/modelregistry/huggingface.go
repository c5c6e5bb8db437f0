// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package modelregistry downloads ONNX image models from HuggingFace Hub.
package modelregistry

import (
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
)

// ProgressHandler receives per-file progress. total is 0 while a file is
// still downloading.
type ProgressHandler func(downloaded, total int64, filename string)

// Repository is the part of a HuggingFace repo the client uses.
type Repository interface {
	IterFileNames() iter.Seq2[string, error]
	DownloadFile(fileName string) (string, error)
}

// HuggingFaceClient downloads ONNX image models from the HuggingFace Hub.
type HuggingFaceClient struct {
	token           string
	progressHandler ProgressHandler
	openRepo        func(repoID, token string) Repository
}

// HFClientOption customizes a HuggingFaceClient.
type HFClientOption func(*HuggingFaceClient)

// NewHuggingFaceClient returns an anonymous client unless WithHFToken is given.
func NewHuggingFaceClient(opts ...HFClientOption) *HuggingFaceClient {
	c := &HuggingFaceClient{openRepo: openHubRepo}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHFToken authenticates requests, needed for gated repos.
func WithHFToken(token string) HFClientOption {
	return func(c *HuggingFaceClient) { c.token = token }
}

// WithHFProgressHandler reports each downloaded file to h.
func WithHFProgressHandler(h ProgressHandler) HFClientOption {
	return func(c *HuggingFaceClient) { c.progressHandler = h }
}

// WithRepositoryOpener replaces how repos are opened, for mirrors and tests.
func WithRepositoryOpener(open func(repoID, token string) Repository) HFClientOption {
	return func(c *HuggingFaceClient) { c.openRepo = open }
}

func openHubRepo(repoID, token string) Repository {
	repo := hub.New(repoID)
	if token != "" {
		repo = repo.WithAuth(token)
	}
	return hubRepo{repo: repo}
}

type hubRepo struct {
	repo *hub.Repo
}

func (r hubRepo) IterFileNames() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for name, err := range r.repo.IterFileNames() {
			if !yield(name, err) {
				return
			}
		}
	}
}

func (r hubRepo) DownloadFile(fileName string) (string, error) {
	return r.repo.DownloadFile(fileName)
}

// PullOptions selects what to download from a repo.
type PullOptions struct {
	// File is the repo path of the model, e.g. "onnx/model.onnx". When empty
	// the file is chosen by Variant.
	File string
	// Variant is one of ValidVariants.
	Variant string
}

// Pull downloads one ONNX model and its external data file, if any, into
// destDir/owner/name/ and returns the local path of the model file.
func (c *HuggingFaceClient) Pull(ctx context.Context, repoID, destDir string, opts PullOptions) (string, error) {
	dirPath, err := repoDirPath(repoID)
	if err != nil {
		return "", err
	}
	if !IsValidVariant(opts.Variant) {
		return "", fmt.Errorf("unknown variant %q (valid: %s)", opts.Variant, strings.Join(ValidVariants()[1:], ", "))
	}

	files, err := c.ListRepoFiles(ctx, repoID)
	if err != nil {
		return "", err
	}

	toDownload := selectONNXFiles(files, opts)
	if len(toDownload) == 0 {
		if opts.File != "" {
			return "", fmt.Errorf("file %s not found in %s", opts.File, repoID)
		}
		return "", fmt.Errorf("no model files found in %s", repoID)
	}

	modelDir := filepath.Join(destDir, dirPath)
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}

	repo := c.openRepo(repoID, c.token)
	var modelPath string
	for _, fileName := range toDownload {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		localPath, err := repo.DownloadFile(fileName)
		if err != nil {
			return "", fmt.Errorf("downloading %s: %w", fileName, err)
		}

		// onnx/model.onnx is stored as model.onnx.
		destName := filepath.Base(fileName)
		destPath := filepath.Join(modelDir, destName)

		if c.progressHandler != nil {
			c.progressHandler(0, 0, destName)
		}

		if err := copyFile(localPath, destPath); err != nil {
			return "", fmt.Errorf("copying %s: %w", fileName, err)
		}

		if c.progressHandler != nil {
			if info, err := os.Stat(destPath); err == nil {
				c.progressHandler(info.Size(), info.Size(), destName)
			}
		}

		if strings.HasSuffix(destName, ".onnx") {
			modelPath = destPath
		}
	}

	return modelPath, nil
}

// repoDirPath returns owner/name for a repo ID.
func repoDirPath(repoID string) (string, error) {
	owner, name, ok := strings.Cut(repoID, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid repo ID %q: expected owner/name", repoID)
	}
	if owner == ".." || name == ".." || owner == "." || name == "." {
		return "", fmt.Errorf("invalid repo ID %q", repoID)
	}
	return filepath.Join(owner, name), nil
}

// variantBase returns the model file name stem for a variant.
func variantBase(variant string) string {
	switch variant {
	case "fp16":
		return "model_fp16"
	case "q4":
		return "model_q4"
	case "q4f16":
		return "model_q4f16"
	case "quantized":
		return "model_quantized"
	default:
		return "model"
	}
}

// selectONNXFiles returns the model file to download followed by its
// external data file when the repo has one. An explicit file wins; without
// one the variant's model file is used, or the only .onnx file in a repo
// that has exactly one.
func selectONNXFiles(files []string, opts PullOptions) []string {
	var model string
	switch {
	case opts.File != "":
		for _, f := range files {
			if f == opts.File {
				model = f
				break
			}
		}
	default:
		want := variantBase(opts.Variant) + ".onnx"
		var onnx []string
		for _, f := range files {
			if !strings.HasSuffix(f, ".onnx") {
				continue
			}
			onnx = append(onnx, f)
			if model == "" && filepath.Base(f) == want {
				model = f
			}
		}
		if model == "" && opts.Variant == "" && len(onnx) == 1 {
			model = onnx[0]
		}
	}
	if model == "" {
		return nil
	}

	result := []string{model}
	if data := model + "_data"; slices.Contains(files, data) {
		result = append(result, data)
	}
	return result
}

// copyFile copies src out of the hub cache into the models directory.
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = srcFile.Close() }()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("copying: %w", err)
	}

	return dstFile.Close()
}

// ValidVariants lists the variant suffixes understood by Pull. The empty
// string selects model.onnx.
func ValidVariants() []string {
	return []string{"", "fp16", "q4", "q4f16", "quantized"}
}

// IsValidVariant reports whether variant is one of ValidVariants.
func IsValidVariant(variant string) bool {
	return slices.Contains(ValidVariants(), variant)
}

// ListRepoFiles returns all files in a HuggingFace repo
func (c *HuggingFaceClient) ListRepoFiles(ctx context.Context, repoID string) ([]string, error) {
	repo := c.openRepo(repoID, c.token)

	var files []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, fmt.Errorf("listing files: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		files = append(files, fileName)
	}
	return files, nil
}

// DetectAvailableVariants lists the variants present in repoID, with
// "default" standing for model.onnx.
func (c *HuggingFaceClient) DetectAvailableVariants(ctx context.Context, repoID string) ([]string, error) {
	files, err := c.ListRepoFiles(ctx, repoID)
	if err != nil {
		return nil, err
	}

	var variants []string
	for _, variant := range ValidVariants() {
		want := variantBase(variant) + ".onnx"
		for _, f := range files {
			if filepath.Base(f) == want {
				if variant == "" {
					variants = append(variants, "default")
				} else {
					variants = append(variants, variant)
				}
				break
			}
		}
	}
	return variants, nil
}

// ParseHuggingFaceRef strips the "hf:" prefix from ref, reporting whether it was present.
func ParseHuggingFaceRef(ref string) (repoID string, isHF bool) {
	if after, ok := strings.CutPrefix(ref, "hf:"); ok {
		return after, true
	}
	return "", false
}
