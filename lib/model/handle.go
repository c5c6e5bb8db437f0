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

// Package model owns the lifecycle of a loaded inference model.
//
// A Handle is either Unloaded or Loaded. Load is atomic: metadata is gathered
// from a fresh session and committed only once the whole load succeeded, so a
// failed load always leaves the handle Unloaded.
//
// Load and Unload must not overlap a running inference. The accessors are
// safe to call from any goroutine.
package model

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/onnxop/lib/backends"
	"github.com/antflydb/onnxop/lib/errdefs"
	"github.com/antflydb/onnxop/lib/tensor"
)

// Handle owns one engine session and the metadata of the loaded model.
type Handle struct {
	factory backends.SessionFactory
	logger  *zap.Logger

	mu           sync.RWMutex
	session      backends.Session
	path         string
	useGPU       bool
	inputNames   []string
	inputShapes  [][]int64
	outputNames  []string
	outputShapes [][]int64
	metadata     backends.ModelMetadata
	hasMetadata  bool
	generation   uint64
	stamp        FileStamp
}

// FileStamp identifies the on-disk contents a model was loaded from.
type FileStamp struct {
	Size    int64
	ModTime time.Time
}

// NewHandle returns an unloaded handle that creates sessions with factory.
func NewHandle(factory backends.SessionFactory, logger *zap.Logger) *Handle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handle{
		factory: factory,
		logger:  logger.Named("model"),
	}
}

// Load replaces any loaded model with the one at path. On failure the handle
// is left Unloaded and the error is an errdefs.ErrModelLoad.
func (h *Handle) Load(path string, useGPU bool) error {
	h.Unload()

	if path == "" {
		return errdefs.ModelLoad("model path is empty")
	}
	if h.factory == nil {
		return errdefs.ModelLoad("no inference backend configured")
	}
	fi, err := os.Stat(path)
	if err != nil {
		return errdefs.Wrap(errdefs.KindModelLoad, "reading model file", err)
	}

	if useGPU {
		h.logger.Warn("GPU execution is disabled, running on CPU", zap.String("path", path))
	}

	session, err := h.factory.CreateSession(path, backends.WithSessionGPU(useGPU))
	if err != nil {
		return errdefs.Wrap(errdefs.KindModelLoad, "creating session", err)
	}

	inputs := session.InputInfo()
	outputs := session.OutputInfo()
	if len(inputs) == 0 {
		_ = session.Close()
		return errdefs.ModelLoad("model %s declares no inputs", path)
	}
	if len(outputs) == 0 {
		_ = session.Close()
		return errdefs.ModelLoad("model %s declares no outputs", path)
	}

	inputNames, inputShapes := splitInfo(inputs)
	outputNames, outputShapes := splitInfo(outputs)

	var (
		md    backends.ModelMetadata
		hasMD bool
	)
	if mp, ok := session.(backends.MetadataProvider); ok {
		md, hasMD = mp.Metadata()
	}

	h.mu.Lock()
	h.session = session
	h.path = path
	h.useGPU = useGPU
	h.inputNames = inputNames
	h.inputShapes = inputShapes
	h.outputNames = outputNames
	h.outputShapes = outputShapes
	h.metadata = md
	h.hasMetadata = hasMD
	h.generation++
	h.stamp = FileStamp{Size: fi.Size(), ModTime: fi.ModTime()}
	h.mu.Unlock()

	h.logger.Info("Loaded model",
		zap.String("path", path),
		zap.String("backend", string(h.factory.Backend())),
		zap.Strings("inputs", inputNames),
		zap.Strings("outputs", outputNames))
	return nil
}

func splitInfo(info []backends.TensorInfo) ([]string, [][]int64) {
	names := make([]string, len(info))
	shapes := make([][]int64, len(info))
	for i, ti := range info {
		names[i] = ti.Name
		shapes[i] = backends.Shape(ti.Shape).Clone()
	}
	return names, shapes
}

// Unload drops the session and clears all metadata. It always succeeds.
func (h *Handle) Unload() {
	h.mu.Lock()
	session := h.session
	h.session = nil
	h.path = ""
	h.useGPU = false
	h.inputNames = nil
	h.inputShapes = nil
	h.outputNames = nil
	h.outputShapes = nil
	h.metadata = backends.ModelMetadata{}
	h.hasMetadata = false
	h.stamp = FileStamp{}
	h.mu.Unlock()

	if session != nil {
		if err := session.Close(); err != nil {
			h.logger.Warn("Closing session", zap.Error(err))
		}
	}
}

// RunInference binds buf to the first declared input and returns the first
// declared output. The stored output shape is replaced by the actual one.
func (h *Handle) RunInference(buf []float32, shape []int64) ([]float32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.session == nil {
		return nil, errdefs.Inference("model not loaded")
	}
	if err := checkTensor(buf, shape); err != nil {
		return nil, err
	}

	inputs := []backends.NamedTensor{{Name: h.inputNames[0], Shape: shape, Data: buf}}
	return h.run(inputs)
}

// RunInferenceMultiInput binds each buffer to a declared input. A supplied
// name that matches a declared input exactly binds to it; an empty or
// unknown name binds to the declared input at the same position. Only the
// first declared output is collected.
func (h *Handle) RunInferenceMultiInput(bufs [][]float32, shapes [][]int64, names []string) ([]float32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.session == nil {
		return nil, errdefs.Inference("model not loaded")
	}
	if len(bufs) == 0 || len(bufs) != len(shapes) {
		return nil, errdefs.InvalidArgument("mismatch between input tensors (%d) and shapes (%d)", len(bufs), len(shapes))
	}
	if len(names) > len(h.inputNames) || len(bufs) > len(h.inputNames) {
		return nil, errdefs.InvalidArgument("too many inputs provided for the model: %d > %d",
			max(len(names), len(bufs)), len(h.inputNames))
	}

	inputs := make([]backends.NamedTensor, len(bufs))
	for i := range bufs {
		if err := checkTensor(bufs[i], shapes[i]); err != nil {
			return nil, err
		}
		name := ""
		if i < len(names) {
			name = names[i]
		}
		inputs[i] = backends.NamedTensor{
			Name:  h.resolveInputName(i, name),
			Shape: shapes[i],
			Data:  bufs[i],
		}
	}
	return h.run(inputs)
}

// resolveInputName must be called with h.mu held.
func (h *Handle) resolveInputName(slot int, name string) string {
	if name != "" {
		for _, declared := range h.inputNames {
			if declared == name {
				return declared
			}
		}
	}
	return h.inputNames[slot]
}

func checkTensor(buf []float32, shape []int64) error {
	if len(buf) == 0 || len(shape) == 0 {
		return errdefs.InvalidArgument("input tensor or shape is empty")
	}
	if n, ok := tensor.ShapeSize(shape); ok && n != int64(len(buf)) {
		return errdefs.InvalidArgument("input tensor has %d elements, shape %s needs %d",
			len(buf), tensor.FormatShape(shape), n)
	}
	return nil
}

// run must be called with h.mu held.
func (h *Handle) run(inputs []backends.NamedTensor) ([]float32, error) {
	outputName := h.outputNames[0]
	outputs, err := h.session.Run(inputs, []string{outputName})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInference, "engine run failed", err)
	}
	if len(outputs) == 0 {
		return nil, errdefs.Inference("invalid output tensor from engine")
	}
	data, ok := outputs[0].Float32Data()
	if !ok || len(data) == 0 {
		return nil, errdefs.Inference("invalid output tensor from engine")
	}
	h.outputShapes[0] = backends.Shape(outputs[0].Shape).Clone()
	return data, nil
}

// IsLoaded reports whether a model is loaded.
func (h *Handle) IsLoaded() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session != nil
}

// Path returns the path of the loaded model, or "".
func (h *Handle) Path() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.path
}

// Backend returns the backend sessions are created with.
func (h *Handle) Backend() backends.BackendType {
	if h.factory == nil {
		return ""
	}
	return h.factory.Backend()
}

// ExecutionMode reports where inference runs. GPU providers are disabled, so
// this is always CPU.
func (h *Handle) ExecutionMode() backends.ExecutionMode {
	return backends.ExecutionCPU
}

// Generation increases on every successful Load.
func (h *Handle) Generation() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.generation
}

// Stamp returns the size and modification time the loaded model file had
// when it was loaded.
func (h *Handle) Stamp() FileStamp {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stamp
}

func (h *Handle) InputCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.inputNames)
}

func (h *Handle) OutputCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.outputNames)
}

func (h *Handle) InputNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.inputNames...)
}

func (h *Handle) OutputNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.outputNames...)
}

func (h *Handle) InputShapes() [][]int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return cloneShapes(h.inputShapes)
}

// OutputShapes returns the declared output shapes, with the first one
// replaced by the actual shape of the most recent run.
func (h *Handle) OutputShapes() [][]int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return cloneShapes(h.outputShapes)
}

func cloneShapes(shapes [][]int64) [][]int64 {
	if shapes == nil {
		return nil
	}
	out := make([][]int64, len(shapes))
	for i, s := range shapes {
		out[i] = backends.Shape(s).Clone()
	}
	return out
}

// Metadata returns the model's producer/graph/description strings when the
// engine provides them.
func (h *Handle) Metadata() (backends.ModelMetadata, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.metadata, h.hasMetadata
}

// StaticOutputDimensions reads width, height and channels from the first
// output shape when it is rank 4 (NCHW) or rank 3 (CHW) with positive
// dimensions.
func (h *Handle) StaticOutputDimensions() (width, height, channels int, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.outputShapes) == 0 {
		return 0, 0, 0, false
	}
	s := h.outputShapes[0]
	switch len(s) {
	case 4:
		channels, height, width = int(s[1]), int(s[2]), int(s[3])
	case 3:
		channels, height, width = int(s[0]), int(s[1]), int(s[2])
	default:
		return 0, 0, 0, false
	}
	if width <= 0 || height <= 0 || channels <= 0 {
		return 0, 0, 0, false
	}
	return width, height, channels, true
}
