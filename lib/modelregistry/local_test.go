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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListLocalModels(t *testing.T) {
	dir := t.TempDir()
	write := func(rel string) {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))
	}
	write("depth/anything/model.onnx")
	write("depth/anything/model.onnx_data")
	write("loose.onnx")
	write("notes.txt")

	models, err := ListLocalModels(dir)
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "depth/anything", models[0].Name)
	assert.Equal(t, int64(3), models[0].Size)
	assert.Equal(t, "loose.onnx", models[1].Name)

	models, err = ListLocalModels(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, models)
}
