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

package onnxop

import (
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/onnxop/lib/backends"
	"github.com/antflydb/onnxop/lib/backends/backendstest"
	"github.com/antflydb/onnxop/lib/errdefs"
	"github.com/antflydb/onnxop/lib/imaging"
	"github.com/antflydb/onnxop/lib/onnxtest"
)

type recordingSink struct {
	mu       sync.Mutex
	errors   []string
	warnings []string
	messages []string
}

func (s *recordingSink) Error(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, msg)
}

func (s *recordingSink) Warning(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, msg)
}

func (s *recordingSink) Message(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *recordingSink) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.errors...)
}

func writeModelFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, []byte("onnx"), 0o600))
	return path
}

// echoModel declares one dynamic RGB input and echoes it back.
func echoModel() *backendstest.Session {
	return &backendstest.Session{
		Inputs:  []backends.TensorInfo{{Name: "img", Shape: []int64{1, 3, -1, -1}}},
		Outputs: []backends.TensorInfo{{Name: "out", Shape: []int64{1, 3, -1, -1}}},
	}
}

// redModel returns only the red plane of its first input.
func redModel() *backendstest.Session {
	s := echoModel()
	s.Outputs = []backends.TensorInfo{{Name: "mask", Shape: []int64{1, 1, -1, -1}}}
	s.OnRun = func(in []backends.NamedTensor, names []string) ([]backends.NamedTensor, error) {
		src, _ := in[0].Float32Data()
		h, w := in[0].Shape[2], in[0].Shape[3]
		data := append([]float32(nil), src[:h*w]...)
		return []backends.NamedTensor{{Name: names[0], Shape: []int64{1, 1, h, w}, Data: data}}, nil
	}
	return s
}

// twoInputModel declares img and aux and echoes img.
func twoInputModel() *backendstest.Session {
	s := echoModel()
	s.Inputs = append(s.Inputs, backends.TensorInfo{Name: "aux", Shape: []int64{1, 3, -1, -1}})
	return s
}

type testOperator struct {
	*Operator
	factory *backendstest.Factory
	sink    *recordingSink
	path    string
}

func newTestOperator(t *testing.T, cfg Config, model func() *backendstest.Session, opts ...Option) *testOperator {
	t.Helper()
	if cfg.ModelPath == "" {
		cfg.ModelPath = writeModelFile(t)
	}
	f := &backendstest.Factory{New: func(string) (*backendstest.Session, error) {
		return model(), nil
	}}
	sink := &recordingSink{}
	op, err := New(cfg, f, zaptest.NewLogger(t), append([]Option{WithSink(sink)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = op.Close() })
	return &testOperator{Operator: op, factory: f, sink: sink, path: cfg.ModelPath}
}

// testImage returns a w×h RGBA image whose channel c at (x, y) is
// c*100 + y*10 + x.
func testImage(w, h int) *imaging.Image {
	img := imaging.NewImage(image.Rect(0, 0, w, h), imaging.RGBA)
	for ci, c := range imaging.RGBA {
		for y := range h {
			for x := range w {
				img.Set(c, x, y, float32(ci*100+y*10+x))
			}
		}
	}
	return img
}

func readRow(src imaging.Source, y int, channels imaging.ChannelSet) *imaging.Row {
	b := src.Bounds()
	row := imaging.NewRow(b.Min.X, b.Max.X)
	src.ReadRow(y, b.Min.X, b.Max.X, channels, row)
	return row
}

func TestEngineConcurrentRowsRunModelOnce(t *testing.T) {
	op := newTestOperator(t, Config{}, echoModel)
	src := testImage(4, 3)
	require.NoError(t, op.SetInput(0, src))
	require.NoError(t, op.Validate())
	op.Open()

	rows := make([]*imaging.Row, 2)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range rows {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			row := imaging.NewRow(0, 4)
			op.Engine(1, 0, 4, imaging.RGBA, row)
			rows[i] = row
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, op.factory.Sessions(), 1)
	assert.Equal(t, 1, op.factory.Last().Runs())
	for _, c := range imaging.RGBA {
		assert.Equal(t, rows[0].Get(c), rows[1].Get(c), string(c))
		assert.Equal(t, src.Row(c, 1), rows[0].Get(c), string(c))
	}

	// Further rows in the cycle reuse the output.
	for y := range 3 {
		readRow(op, y, imaging.RGB)
	}
	assert.Equal(t, 1, op.factory.Last().Runs())

	op.Open()
	readRow(op, 0, imaging.RGB)
	assert.Equal(t, 2, op.factory.Last().Runs())
}

func TestEnginePassesThroughWithoutModel(t *testing.T) {
	op := newTestOperator(t, Config{}, echoModel)
	require.NoError(t, op.SetModelPath(""))

	src := testImage(3, 2)
	require.NoError(t, op.SetInput(0, src))
	require.NoError(t, op.Validate())
	assert.False(t, op.Model().IsLoaded())
	assert.Equal(t, src.Bounds(), op.Bounds())

	row := readRow(op, 1, imaging.RGBA)
	assert.Equal(t, src.Row(imaging.Alpha, 1), row.Get(imaging.Alpha))
	assert.Empty(t, op.factory.Sessions())

	// Without an input the row is erased.
	require.NoError(t, op.SetInput(0, nil))
	row = imaging.NewRow(0, 2)
	row.Set(imaging.Red, 0, 5)
	op.Engine(0, 0, 2, imaging.ChannelSet{imaging.Red}, row)
	assert.Equal(t, []float32{0, 0}, row.Get(imaging.Red))
}

func TestEngineAbortedPassesThrough(t *testing.T) {
	var aborted atomic.Bool
	aborted.Store(true)
	op := newTestOperator(t, Config{}, redModel, WithAbortCheck(aborted.Load))
	src := testImage(3, 2)
	require.NoError(t, op.SetInput(0, src))
	require.NoError(t, op.Validate())

	row := readRow(op, 0, imaging.RGB)
	assert.Equal(t, src.Row(imaging.Green, 0), row.Get(imaging.Green))
	assert.Zero(t, op.factory.Last().Runs())

	aborted.Store(false)
	row = readRow(op, 0, imaging.RGB)
	assert.Equal(t, []float32{0, 0, 0}, row.Get(imaging.Green), "single channel output clears green")
	assert.Equal(t, 1, op.factory.Last().Runs())
}

func TestEngineFailureReportsOncePerFill(t *testing.T) {
	op := newTestOperator(t, Config{}, func() *backendstest.Session {
		s := echoModel()
		s.OnRun = func([]backends.NamedTensor, []string) ([]backends.NamedTensor, error) {
			return nil, errors.New("kernel launch failed")
		}
		return s
	})
	src := testImage(3, 2)
	require.NoError(t, op.SetInput(0, src))
	require.NoError(t, op.Validate())

	for y := range 2 {
		row := readRow(op, y, imaging.RGBA)
		assert.Equal(t, src.Row(imaging.Red, y), row.Get(imaging.Red), "failed fill passes input through")
	}
	errs := op.sink.Errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "Processing failed: Inference Error")
	assert.Contains(t, errs[0], "kernel launch failed")
	assert.Equal(t, 1, op.factory.Last().Runs())

	op.Open()
	readRow(op, 0, imaging.RGBA)
	assert.Len(t, op.sink.Errors(), 2)
	assert.Equal(t, 2, op.factory.Last().Runs())
}

func TestEngineSingleChannelNormalized(t *testing.T) {
	op := newTestOperator(t, Config{Normalize: true}, redModel)
	src := testImage(4, 3)
	require.NoError(t, op.SetInput(0, src))
	require.NoError(t, op.Validate())

	// Red spans 0..23.
	row := readRow(op, 2, imaging.RGBA)
	assert.InDeltaSlice(t, []float32{20.0 / 23, 21.0 / 23, 22.0 / 23, 1}, row.Get(imaging.Red), 1e-6)
	assert.Equal(t, []float32{0, 0, 0, 0}, row.Get(imaging.Blue))
	assert.Equal(t, src.Row(imaging.Alpha, 2), row.Get(imaging.Alpha), "alpha preserved")

	out, ok := op.cache.Peek()
	require.True(t, ok)
	assert.Equal(t, float32(0), out.Bounds.Min)
	assert.Equal(t, float32(23), out.Bounds.Max)

	// Toggling normalization starts a new cycle.
	op.SetNormalize(false)
	row = readRow(op, 2, imaging.ChannelSet{imaging.Red})
	assert.Equal(t, []float32{20, 21, 22, 23}, row.Get(imaging.Red))
	assert.Equal(t, 2, op.factory.Last().Runs())
}

func TestValidateOutputFormat(t *testing.T) {
	op := newTestOperator(t, Config{}, func() *backendstest.Session {
		s := echoModel()
		s.Outputs = []backends.TensorInfo{{Name: "out", Shape: []int64{1, 1, 8, 6}}}
		s.OnRun = func(_ []backends.NamedTensor, names []string) ([]backends.NamedTensor, error) {
			data := make([]float32, 48)
			for i := range data {
				data[i] = float32(i)
			}
			return []backends.NamedTensor{{Name: names[0], Shape: []int64{1, 1, 8, 6}, Data: data}}, nil
		}
		return s
	})
	src := testImage(4, 3)
	require.NoError(t, op.SetInput(0, src))
	require.NoError(t, op.Validate())
	assert.Equal(t, image.Rect(0, 0, 6, 8), op.Bounds())

	row := readRow(op, 5, imaging.ChannelSet{imaging.Red})
	assert.Equal(t, []float32{30, 31, 32, 33, 34, 35}, row.Get(imaging.Red))

	// Past the output height the input is passed through.
	row = readRow(op, 8, imaging.ChannelSet{imaging.Red})
	assert.Equal(t, make([]float32, 6), row.Get(imaging.Red))
}

func TestValidateRequiresPrimaryInput(t *testing.T) {
	op := newTestOperator(t, Config{}, echoModel)
	err := op.Validate()
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.True(t, op.Model().IsLoaded())
	assert.NotEmpty(t, op.sink.Errors())
}

func TestValidateLoadFailure(t *testing.T) {
	op := newTestOperator(t, Config{ModelPath: filepath.Join(t.TempDir(), "missing.onnx")}, echoModel)
	src := testImage(2, 2)
	require.NoError(t, op.SetInput(0, src))

	err := op.Validate()
	assert.ErrorIs(t, err, errdefs.ErrModelLoad)
	require.NotEmpty(t, op.sink.Errors())
	assert.Contains(t, op.sink.Errors()[0], "Failed to load model")

	row := readRow(op, 0, imaging.RGB)
	assert.Equal(t, src.Row(imaging.Blue, 0), row.Get(imaging.Blue))

	assert.ErrorIs(t, op.ReloadModel(), errdefs.ErrModelLoad)
}

func TestActiveInputs(t *testing.T) {
	op := newTestOperator(t, Config{}, twoInputModel)
	assert.Equal(t, 1, op.ActiveInputs())
	assert.Equal(t, "Input 1", op.InputLabel(1))

	require.NoError(t, op.SetInput(0, testImage(3, 2)))
	require.NoError(t, op.Validate())
	assert.Equal(t, 2, op.ActiveInputs())
	assert.Equal(t, "Input 0 (img)", op.InputLabel(0))
	assert.Equal(t, "Input 1 (aux)", op.InputLabel(1))
	assert.Equal(t, "Input 2", op.InputLabel(2))

	limited := newTestOperator(t, Config{MaxInputs: 1}, twoInputModel)
	require.NoError(t, limited.SetInput(0, testImage(3, 2)))
	require.NoError(t, limited.Validate())
	assert.Equal(t, 1, limited.ActiveInputs())
	assert.ErrorIs(t, limited.SetInput(1, testImage(3, 2)), errdefs.ErrInvalidArgument)
}

func TestMultiInputBinding(t *testing.T) {
	op := newTestOperator(t, Config{}, twoInputModel)
	require.NoError(t, op.SetInput(0, testImage(3, 2)))
	require.NoError(t, op.Validate())

	// aux disconnected: single input path.
	readRow(op, 0, imaging.RGB)
	in, _ := op.factory.Last().LastRun()
	require.Len(t, in, 1)
	assert.Equal(t, "img", in[0].Name)
	assert.Equal(t, []int64{1, 3, 2, 3}, in[0].Shape)

	aux := imaging.NewImage(image.Rect(0, 0, 3, 2), imaging.RGB)
	require.NoError(t, op.SetInput(1, aux))
	readRow(op, 0, imaging.RGB)
	in, _ = op.factory.Last().LastRun()
	require.Len(t, in, 2)
	assert.Equal(t, "img", in[0].Name)
	assert.Equal(t, "aux", in[1].Name)
	data, ok := in[1].Float32Data()
	require.True(t, ok)
	assert.Equal(t, make([]float32, 18), data)
}

func TestResultCacheSkipsUnchangedInputs(t *testing.T) {
	op := newTestOperator(t, Config{ResultCacheTTL: time.Minute}, echoModel)
	src := testImage(3, 2)
	require.NoError(t, op.SetInput(0, src))
	require.NoError(t, op.Validate())

	first := readRow(op, 1, imaging.RGB)
	op.Open()
	second := readRow(op, 1, imaging.RGB)
	assert.Equal(t, first.Get(imaging.Red), second.Get(imaging.Red))
	assert.Equal(t, 1, op.factory.Last().Runs())

	// A changed input misses.
	src.Set(imaging.Red, 0, 0, 99)
	op.Open()
	readRow(op, 0, imaging.RGB)
	assert.Equal(t, 2, op.factory.Last().Runs())

	// A reload never reuses results of the previous model.
	require.NoError(t, op.ReloadModel())
	readRow(op, 0, imaging.RGB)
	require.Len(t, op.factory.Sessions(), 2)
	assert.Equal(t, 1, op.factory.Last().Runs())
}

func TestSharedResultCache(t *testing.T) {
	rc := NewResultCache(time.Minute, zaptest.NewLogger(t))
	defer rc.Close()

	path := writeModelFile(t)
	src := testImage(3, 2)
	var ops []*testOperator
	for range 2 {
		op := newTestOperator(t, Config{ModelPath: path}, echoModel, WithResultCache(rc))
		require.NoError(t, op.SetInput(0, src))
		require.NoError(t, op.Validate())
		readRow(op, 0, imaging.RGB)
		ops = append(ops, op)
	}
	assert.Equal(t, 1, ops[0].factory.Last().Runs())
	assert.Zero(t, ops[1].factory.Last().Runs())
	assert.Equal(t, uint64(1), rc.Stats().Hits)
}

func TestSharedResultCacheModelFileChanged(t *testing.T) {
	rc := NewResultCache(time.Minute, zaptest.NewLogger(t))
	defer rc.Close()

	path := writeModelFile(t)
	src := testImage(3, 2)

	first := newTestOperator(t, Config{ModelPath: path}, echoModel, WithResultCache(rc))
	require.NoError(t, first.SetInput(0, src))
	require.NoError(t, first.Validate())
	readRow(first, 0, imaging.RGB)

	// Same path and generation, different file.
	require.NoError(t, os.WriteFile(path, []byte("onnx model v2"), 0o600))

	second := newTestOperator(t, Config{ModelPath: path}, echoModel, WithResultCache(rc))
	require.NoError(t, second.SetInput(0, src))
	require.NoError(t, second.Validate())
	readRow(second, 0, imaging.RGB)

	assert.Equal(t, first.Model().Generation(), second.Model().Generation())
	assert.Equal(t, 1, first.factory.Last().Runs())
	assert.Equal(t, 1, second.factory.Last().Runs())
	assert.Zero(t, rc.Stats().Hits)
}

func TestGoBackendOperator(t *testing.T) {
	path := onnxtest.Unary("Neg", onnxtest.Dims(1, 3, "h", "w")).Write(t, t.TempDir(), "neg.onnx")
	op, err := New(Config{ModelPath: path, Backend: "go"}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer op.Close()

	src := testImage(4, 3)
	require.NoError(t, op.SetInput(0, src))
	require.NoError(t, op.Validate())
	assert.Equal(t, backends.BackendGo, op.Model().Backend())
	assert.Equal(t, src.Bounds(), op.Bounds())

	row := readRow(op, 1, imaging.RGBA)
	assert.InDeltaSlice(t, []float32{-10, -11, -12, -13}, row.Get(imaging.Red), 1e-6)
	assert.InDeltaSlice(t, []float32{-110, -111, -112, -113}, row.Get(imaging.Green), 1e-6)
	assert.InDeltaSlice(t, []float32{-210, -211, -212, -213}, row.Get(imaging.Blue), 1e-6)
	assert.Equal(t, [][]int64{{1, 3, 3, 4}}, op.Model().OutputShapes())
}

func TestSetUseGPUReloadsOnCPU(t *testing.T) {
	op := newTestOperator(t, Config{}, echoModel)
	require.NoError(t, op.SetInput(0, testImage(2, 2)))
	require.NoError(t, op.Validate())

	require.NoError(t, op.SetUseGPU(true))
	assert.True(t, op.Config().UseGPU)
	require.Len(t, op.factory.Sessions(), 2)
	assert.True(t, op.factory.LastOptions().UseGPU)
	assert.Equal(t, backends.ExecutionCPU, op.Model().ExecutionMode())
}

func TestChainedOperators(t *testing.T) {
	first := newTestOperator(t, Config{}, redModel)
	src := testImage(3, 2)
	require.NoError(t, first.SetInput(0, src))
	require.NoError(t, first.Validate())

	second := newTestOperator(t, Config{}, echoModel)
	require.NoError(t, second.SetInput(0, first))
	require.NoError(t, second.Validate())

	row := readRow(second, 1, imaging.RGB)
	assert.Equal(t, src.Row(imaging.Red, 1), row.Get(imaging.Red))
	assert.Equal(t, []float32{0, 0, 0}, row.Get(imaging.Green))
}

func TestModelInfo(t *testing.T) {
	op := newTestOperator(t, Config{Normalize: true}, redModel)
	require.NoError(t, op.SetInput(0, testImage(4, 3)))
	require.NoError(t, op.Validate())
	readRow(op, 0, imaging.RGB)

	info := op.ModelInfo()
	assert.Contains(t, info, "\nONNX Model Information:\n")
	assert.Contains(t, info, `
Node Configuration:
-------------------
Execution: CPU
Processing mode: Single channel
Output channels: 1
Input dimensions: 4x3
Output dimensions: 4x3

Active Inputs: 1 of 1 required
  Input 0: img - Connected
Normalization: Enabled (min=0, max=23)
`)

	op.ShowModelInfo()
	require.Len(t, op.sink.messages, 1)
	assert.Equal(t, info, op.sink.messages[0])

	op.SetNormalize(false)
	assert.Contains(t, op.ModelInfo(), "Normalization: Disabled\n")
}
