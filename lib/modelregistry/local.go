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

package modelregistry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// LocalModel is an ONNX file found under a models directory.
type LocalModel struct {
	// Name is owner/name for pulled models, otherwise the path relative to
	// the models directory.
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// ListLocalModels walks dir for .onnx files, sorted by path. A missing
// directory has no models.
func ListLocalModels(dir string) ([]LocalModel, error) {
	var models []LocalModel
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".onnx") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(filepath.Dir(rel))
		if name == "." || strings.Count(name, "/") != 1 {
			name = filepath.ToSlash(rel)
		}
		models = append(models, LocalModel{Name: name, Path: path, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing models in %s: %w", dir, err)
	}
	slices.SortFunc(models, func(a, b LocalModel) int { return strings.Compare(a.Path, b.Path) })
	return models, nil
}

// DefaultModelsDir returns ~/.onnxop/models, or a relative models
// directory when the home directory is unknown.
func DefaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models"
	}
	return filepath.Join(home, ".onnxop", "models")
}
