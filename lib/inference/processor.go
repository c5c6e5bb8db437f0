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

// Package inference assembles input tensors for a loaded model, runs it, and
// derives the output image geometry from the returned tensor shape.
package inference

import (
	"errors"

	"github.com/antflydb/onnxop/lib/backends"
	"github.com/antflydb/onnxop/lib/errdefs"
	"github.com/antflydb/onnxop/lib/model"
)

// State tracks how far the processor got in the current invocation.
type State int

const (
	StateIdle State = iota
	StateInputsPrepared
	StateRan
)

func (s State) String() string {
	switch s {
	case StateInputsPrepared:
		return "inputs-prepared"
	case StateRan:
		return "ran"
	default:
		return "idle"
	}
}

// InputTensor is one model input slot.
type InputTensor struct {
	Name  string
	Shape []int64
	Data  []float32
	Valid bool
}

// Processor runs a model handle against prepared input slots. It is not safe
// for concurrent use; callers serialize invocations.
type Processor struct {
	handle *model.Handle
	state  State
	inputs []InputTensor

	width    int
	height   int
	channels int

	geometry Geometry
}

// NewProcessor returns a processor bound to handle, which may be nil.
func NewProcessor(handle *model.Handle) *Processor {
	return &Processor{handle: handle}
}

// SetModel attaches a model handle.
func (p *Processor) SetModel(handle *model.Handle) {
	p.handle = handle
	p.state = StateIdle
}

// State returns the current invocation state.
func (p *Processor) State() State {
	return p.state
}

// SetInputDimensions records the actual image size and channel count used to
// shape input tensors.
func (p *Processor) SetInputDimensions(width, height, channels int) error {
	if width <= 0 || height <= 0 || channels <= 0 {
		return errdefs.Configuration("invalid input dimensions: %dx%d with %d channels", width, height, channels)
	}
	p.width = width
	p.height = height
	p.channels = channels
	return nil
}

func (p *Processor) checkModel() error {
	if p.handle == nil {
		return errdefs.Configuration("model handle is not set")
	}
	if !p.handle.IsLoaded() {
		return errdefs.Configuration("no model has been loaded")
	}
	return nil
}

// PrepareInputs allocates n fresh, invalid input slots. A slot whose model
// input declares a shape uses it as a template, with height and width
// overridden when the rank is at least 4. Other slots get [1, C, H, W].
func (p *Processor) PrepareInputs(n int) error {
	if err := p.checkModel(); err != nil {
		return err
	}
	if n <= 0 {
		return errdefs.InvalidArgument("input count must be positive: %d", n)
	}

	names := p.handle.InputNames()
	shapes := p.handle.InputShapes()

	p.inputs = make([]InputTensor, n)
	for i := range p.inputs {
		slot := &p.inputs[i]
		if i < len(names) {
			slot.Name = names[i]
		}
		if i < len(shapes) && len(shapes[i]) > 0 {
			slot.Shape = backends.Shape(shapes[i]).Clone()
			if len(slot.Shape) >= 4 {
				slot.Shape[2] = int64(p.height)
				slot.Shape[3] = int64(p.width)
			}
		} else {
			slot.Shape = []int64{1, int64(p.channels), int64(p.height), int64(p.width)}
		}
	}
	p.state = StateInputsPrepared
	return nil
}

// SetInputTensorData fills slot i and marks it valid.
func (p *Processor) SetInputTensorData(i int, data []float32) error {
	if i < 0 || i >= len(p.inputs) {
		return errdefs.InvalidArgument("input index %d out of range (size: %d)", i, len(p.inputs))
	}
	if len(data) == 0 {
		return errdefs.InvalidArgument("input tensor data for index %d is empty", i)
	}
	p.inputs[i].Data = data
	p.inputs[i].Valid = true
	return nil
}

// InvalidateInput marks slot i as not connected.
func (p *Processor) InvalidateInput(i int) error {
	if i < 0 || i >= len(p.inputs) {
		return errdefs.InvalidArgument("input index %d out of range (size: %d)", i, len(p.inputs))
	}
	p.inputs[i].Data = nil
	p.inputs[i].Valid = false
	return nil
}

// Inputs returns the prepared slots. The slice must not be modified.
func (p *Processor) Inputs() []InputTensor {
	return p.inputs
}

// RunInference runs the model over the valid slots in index order. One
// valid slot uses the single-input path, more use the multi-input path.
// Configuration and inference errors propagate unchanged; anything else
// from the model handle is reported as an inference error.
func (p *Processor) RunInference() ([]float32, error) {
	if err := p.checkModel(); err != nil {
		return nil, err
	}

	var (
		bufs   [][]float32
		shapes [][]int64
		names  []string
	)
	for i, in := range p.inputs {
		if !in.Valid {
			continue
		}
		if len(in.Data) == 0 {
			return nil, errdefs.Configuration("input tensor %d has empty data despite being marked valid", i)
		}
		if len(in.Shape) == 0 {
			return nil, errdefs.Configuration("input tensor %d has empty shape despite being marked valid", i)
		}
		bufs = append(bufs, in.Data)
		shapes = append(shapes, in.Shape)
		names = append(names, in.Name)
	}
	if len(bufs) == 0 {
		return nil, errdefs.Configuration("no valid input tensors available for inference")
	}

	var (
		out []float32
		err error
	)
	if len(bufs) == 1 {
		out, err = p.handle.RunInference(bufs[0], shapes[0])
		err = rewrap(err, "single-input inference failed")
	} else {
		out, err = p.handle.RunInferenceMultiInput(bufs, shapes, names)
		err = rewrap(err, "multi-input inference failed")
	}
	if err != nil {
		return nil, err
	}

	p.updateGeometry()
	p.state = StateRan
	return out, nil
}

func rewrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errdefs.ErrConfiguration) || errors.Is(err, errdefs.ErrInference) {
		return err
	}
	return errdefs.Wrap(errdefs.KindInference, msg, err)
}

func (p *Processor) updateGeometry() {
	var shape []int64
	if shapes := p.handle.OutputShapes(); len(shapes) > 0 {
		shape = shapes[0]
	}
	if g, ok := GeometryFromShape(shape); ok {
		p.geometry = g
		return
	}
	if p.geometry.IsZero() {
		p.geometry = Geometry{Width: p.width, Height: p.height, Channels: 1}
	}
}

// OutputGeometry returns the geometry derived by the last successful run.
func (p *Processor) OutputGeometry() Geometry {
	return p.geometry
}

// OutputDimensions returns width, height and channels, reporting whether all
// three are positive.
func (p *Processor) OutputDimensions() (width, height, channels int, ok bool) {
	g := p.geometry
	return g.Width, g.Height, g.Channels, g.Width > 0 && g.Height > 0 && g.Channels > 0
}
