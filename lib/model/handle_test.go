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

package model

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/onnxop/lib/backends"
	"github.com/antflydb/onnxop/lib/backends/backendstest"
	"github.com/antflydb/onnxop/lib/errdefs"
)

func writeModelFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, []byte("onnx"), 0o600))
	return path
}

func twoInputFactory() *backendstest.Factory {
	return &backendstest.Factory{
		New: func(string) (*backendstest.Session, error) {
			return &backendstest.Session{
				Inputs: []backends.TensorInfo{
					{Name: "img", Shape: []int64{1, 3, -1, -1}, DataType: backends.DataTypeFloat32},
					{Name: "aux", Shape: []int64{1, 1, -1, -1}, DataType: backends.DataTypeFloat32},
				},
				Outputs: []backends.TensorInfo{
					{Name: "out", Shape: []int64{1, 1, -1, -1}, DataType: backends.DataTypeFloat32},
					{Name: "extra", Shape: []int64{1}, DataType: backends.DataTypeFloat32},
				},
				Meta: backends.ModelMetadata{Producer: "pytorch", GraphName: "main_graph"},
			}, nil
		},
	}
}

func TestLoadPopulatesMetadata(t *testing.T) {
	f := twoInputFactory()
	h := NewHandle(f, zaptest.NewLogger(t))
	path := writeModelFile(t)

	require.NoError(t, h.Load(path, false))
	assert.True(t, h.IsLoaded())
	assert.Equal(t, path, h.Path())
	assert.Equal(t, 2, h.InputCount())
	assert.Equal(t, 2, h.OutputCount())
	assert.Equal(t, []string{"img", "aux"}, h.InputNames())
	assert.Equal(t, []string{"out", "extra"}, h.OutputNames())
	assert.Equal(t, [][]int64{{1, 3, -1, -1}, {1, 1, -1, -1}}, h.InputShapes())
	assert.Equal(t, uint64(1), h.Generation())
	assert.Equal(t, backends.ExecutionCPU, h.ExecutionMode())

	md, ok := h.Metadata()
	require.True(t, ok)
	assert.Equal(t, "pytorch", md.Producer)

	// Accessors return copies.
	shapes := h.InputShapes()
	shapes[0][2] = 99
	assert.Equal(t, int64(-1), h.InputShapes()[0][2])
}

func TestLoadFailuresLeaveUnloaded(t *testing.T) {
	path := writeModelFile(t)

	tests := []struct {
		name    string
		factory backends.SessionFactory
		path    string
	}{
		{"empty path", twoInputFactory(), ""},
		{"missing file", twoInputFactory(), filepath.Join(t.TempDir(), "nope.onnx")},
		{"engine failure", &backendstest.Factory{New: func(string) (*backendstest.Session, error) {
			return nil, errors.New("protobuf parse error")
		}}, path},
		{"no inputs", &backendstest.Factory{New: func(string) (*backendstest.Session, error) {
			return &backendstest.Session{Outputs: []backends.TensorInfo{{Name: "out"}}}, nil
		}}, path},
		{"no outputs", &backendstest.Factory{New: func(string) (*backendstest.Session, error) {
			return &backendstest.Session{Inputs: []backends.TensorInfo{{Name: "in"}}}, nil
		}}, path},
		{"no factory", nil, path},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandle(tt.factory, nil)
			err := h.Load(tt.path, false)
			require.Error(t, err)
			assert.ErrorIs(t, err, errdefs.ErrModelLoad)
			assert.False(t, h.IsLoaded())
			assert.Zero(t, h.InputCount())
			assert.Empty(t, h.Path())
			assert.Equal(t, "No model loaded", h.InfoString())
		})
	}
}

func TestFailedReloadUnloadsPreviousModel(t *testing.T) {
	f := twoInputFactory()
	h := NewHandle(f, nil)
	require.NoError(t, h.Load(writeModelFile(t), false))
	first := f.Last()

	err := h.Load(filepath.Join(t.TempDir(), "missing.onnx"), false)
	require.ErrorIs(t, err, errdefs.ErrModelLoad)
	assert.False(t, h.IsLoaded())
	assert.True(t, first.Closed())
}

func TestUnloadIdempotent(t *testing.T) {
	f := twoInputFactory()
	h := NewHandle(f, nil)
	h.Unload()

	require.NoError(t, h.Load(writeModelFile(t), false))
	h.Unload()
	h.Unload()
	assert.False(t, h.IsLoaded())
	assert.Nil(t, h.InputNames())
	assert.Nil(t, h.OutputShapes())
	_, ok := h.Metadata()
	assert.False(t, ok)
	assert.True(t, f.Last().Closed())
}

func TestLoadRequestsGPUOption(t *testing.T) {
	f := twoInputFactory()
	h := NewHandle(f, zaptest.NewLogger(t))
	require.NoError(t, h.Load(writeModelFile(t), true))
	require.NotNil(t, f.LastOptions())
	assert.True(t, f.LastOptions().UseGPU)
	assert.Equal(t, backends.ExecutionCPU, h.ExecutionMode())
}

func TestRunInferenceNotLoaded(t *testing.T) {
	h := NewHandle(twoInputFactory(), nil)

	_, err := h.RunInference([]float32{1}, []int64{1})
	assert.ErrorIs(t, err, errdefs.ErrInference)

	_, err = h.RunInferenceMultiInput([][]float32{{1}}, [][]int64{{1}}, []string{""})
	assert.ErrorIs(t, err, errdefs.ErrInference)
}

func TestRunInferenceSingleInput(t *testing.T) {
	f := twoInputFactory()
	h := NewHandle(f, nil)
	require.NoError(t, h.Load(writeModelFile(t), false))

	f.Last().OnRun = func(inputs []backends.NamedTensor, outputNames []string) ([]backends.NamedTensor, error) {
		return []backends.NamedTensor{{
			Name:  outputNames[0],
			Shape: []int64{1, 1, 2, 3},
			Data:  []float32{1, 2, 3, 4, 5, 6},
		}}, nil
	}

	out, err := h.RunInference([]float32{0, 1, 2, 3, 4, 5}, []int64{1, 3, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, out)

	in, outNames := f.Last().LastRun()
	require.Len(t, in, 1)
	assert.Equal(t, "img", in[0].Name)
	assert.Equal(t, []string{"out"}, outNames)

	// The actual output shape replaces the declared one.
	assert.Equal(t, []int64{1, 1, 2, 3}, h.OutputShapes()[0])
	w, hh, c, ok := h.StaticOutputDimensions()
	require.True(t, ok)
	assert.Equal(t, []int{3, 2, 1}, []int{w, hh, c})
}

func TestRunInferenceEngineErrors(t *testing.T) {
	f := twoInputFactory()
	h := NewHandle(f, nil)
	require.NoError(t, h.Load(writeModelFile(t), false))
	s := f.Last()

	s.OnRun = func([]backends.NamedTensor, []string) ([]backends.NamedTensor, error) {
		return nil, errors.New("shape mismatch")
	}
	_, err := h.RunInference([]float32{1, 2, 3}, []int64{1, 3, 1, 1})
	require.ErrorIs(t, err, errdefs.ErrInference)
	assert.Contains(t, err.Error(), "shape mismatch")

	s.OnRun = func([]backends.NamedTensor, []string) ([]backends.NamedTensor, error) {
		return nil, nil
	}
	_, err = h.RunInference([]float32{1, 2, 3}, []int64{1, 3, 1, 1})
	assert.ErrorIs(t, err, errdefs.ErrInference)

	s.OnRun = func(_ []backends.NamedTensor, names []string) ([]backends.NamedTensor, error) {
		return []backends.NamedTensor{{Name: names[0], Shape: []int64{1}, Data: []int64{1}}}, nil
	}
	_, err = h.RunInference([]float32{1, 2, 3}, []int64{1, 3, 1, 1})
	assert.ErrorIs(t, err, errdefs.ErrInference)

	_, err = h.RunInference([]float32{1, 2}, []int64{1, 3, 1, 1})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestRunInferenceMultiInputBinding(t *testing.T) {
	f := twoInputFactory()
	h := NewHandle(f, nil)
	require.NoError(t, h.Load(writeModelFile(t), false))

	bufs := [][]float32{{1, 2, 3}, {4}}
	shapes := [][]int64{{1, 3, 1, 1}, {1, 1, 1, 1}}

	_, err := h.RunInferenceMultiInput(bufs, shapes, []string{"", "aux"})
	require.NoError(t, err)
	in, outNames := f.Last().LastRun()
	require.Len(t, in, 2)
	assert.Equal(t, "img", in[0].Name, "empty name binds positionally")
	assert.Equal(t, "aux", in[1].Name, "exact name match")
	assert.Equal(t, []string{"out"}, outNames, "only the first output is collected")

	// Exact matches win over position.
	_, err = h.RunInferenceMultiInput(bufs, shapes, []string{"aux", "img"})
	require.NoError(t, err)
	in, _ = f.Last().LastRun()
	assert.Equal(t, "aux", in[0].Name)
	assert.Equal(t, "img", in[1].Name)

	// Unknown names fall back to position.
	_, err = h.RunInferenceMultiInput(bufs, shapes, []string{"mask", "other"})
	require.NoError(t, err)
	in, _ = f.Last().LastRun()
	assert.Equal(t, "img", in[0].Name)
	assert.Equal(t, "aux", in[1].Name)
}

func TestRunInferenceMultiInputArguments(t *testing.T) {
	f := twoInputFactory()
	h := NewHandle(f, nil)
	require.NoError(t, h.Load(writeModelFile(t), false))

	tests := []struct {
		name   string
		bufs   [][]float32
		shapes [][]int64
		names  []string
	}{
		{"no buffers", nil, nil, nil},
		{"count mismatch", [][]float32{{1}}, [][]int64{{1}, {1}}, []string{""}},
		{"too many names", [][]float32{{1}}, [][]int64{{1}}, []string{"a", "b", "c"}},
		{"too many buffers", [][]float32{{1}, {1}, {1}}, [][]int64{{1}, {1}, {1}}, nil},
		{"empty buffer", [][]float32{{}}, [][]int64{{1}}, []string{""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.RunInferenceMultiInput(tt.bufs, tt.shapes, tt.names)
			assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
		})
	}
	assert.Zero(t, f.Last().Runs())
}

func TestStaticOutputDimensions(t *testing.T) {
	tests := []struct {
		name  string
		shape []int64
		want  []int
		ok    bool
	}{
		{"nchw", []int64{1, 3, 32, 64}, []int{64, 32, 3}, true},
		{"chw", []int64{3, 32, 64}, []int{64, 32, 3}, true},
		{"dynamic", []int64{1, 3, -1, -1}, nil, false},
		{"hw", []int64{32, 64}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &backendstest.Factory{New: func(string) (*backendstest.Session, error) {
				return &backendstest.Session{
					Inputs:  []backends.TensorInfo{{Name: "in", Shape: []int64{1, 3, -1, -1}}},
					Outputs: []backends.TensorInfo{{Name: "out", Shape: tt.shape}},
				}, nil
			}}
			h := NewHandle(f, nil)
			require.NoError(t, h.Load(writeModelFile(t), false))
			w, hh, c, ok := h.StaticOutputDimensions()
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, []int{w, hh, c})
			}
		})
	}
}

func TestInfoString(t *testing.T) {
	h := NewHandle(twoInputFactory(), nil)
	assert.Equal(t, "No model loaded", h.InfoString())

	require.NoError(t, h.Load(writeModelFile(t), false))
	want := "\nONNX Model Information:\n" +
		"---------------------\n" +
		"Inputs: 2\n" +
		"  [0] img: [1, 3, -1, -1]\n" +
		"  [1] aux: [1, 1, -1, -1]\n" +
		"\n" +
		"Outputs: 2\n" +
		"  [0] out: [1, 1, -1, -1]\n" +
		"  [1] extra: [1]\n" +
		"\n" +
		"Model Metadata:\n" +
		"  Producer: pytorch\n" +
		"  Graph name: main_graph\n"
	assert.Equal(t, want, h.InfoString())

	info := h.Info()
	assert.True(t, info.Loaded)
	assert.Equal(t, "go", info.Backend)
	require.NotNil(t, info.Metadata)
	assert.Empty(t, info.Metadata.Description)
}
