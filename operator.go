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
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antflydb/onnxop/lib/backends"
	"github.com/antflydb/onnxop/lib/errdefs"
	"github.com/antflydb/onnxop/lib/imaging"
	"github.com/antflydb/onnxop/lib/inference"
	"github.com/antflydb/onnxop/lib/model"
	"github.com/antflydb/onnxop/lib/tensor"
)

// Operator runs a model over its inputs and serves the output row by row.
//
// Engine and ReadRow may be called from many goroutines at once. All other
// methods are control operations: they must be called from one goroutine
// and never while rows are being fetched.
type Operator struct {
	logger  *zap.Logger
	sink    Sink
	aborted func() bool
	memo    *ResultCache
	ownMemo bool

	handle *model.Handle
	proc   *inference.Processor
	cache  *ProcessedCache
	cmaps  sync.Map // channel set string -> imaging.ChannelMap

	mu           sync.RWMutex
	cfg          Config
	inputs       []imaging.Source
	activeInputs int
	imgWidth     int
	imgHeight    int
	geometry     inference.Geometry
	format       image.Rectangle
	validated    bool
}

// Option configures an Operator.
type Option func(*Operator)

// WithSink sends diagnostics to s instead of the operator's logger.
func WithSink(s Sink) Option {
	return func(o *Operator) {
		o.sink = s
	}
}

// WithAbortCheck makes row fetches pass the input through whenever fn
// reports true. It does not interrupt a model run in progress.
func WithAbortCheck(fn func() bool) Option {
	return func(o *Operator) {
		o.aborted = fn
	}
}

// WithResultCache shares rc between operators. The caller closes it.
func WithResultCache(rc *ResultCache) Option {
	return func(o *Operator) {
		o.memo = rc
	}
}

// New returns an operator with no inputs. When factory is nil the backend
// named by cfg.Backend is used. The model is loaded by the first Validate.
func New(cfg Config, factory backends.SessionFactory, logger *zap.Logger, opts ...Option) (*Operator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	if factory == nil {
		f, err := backends.NewSessionFactory(cfg.Backend)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindConfiguration, "selecting inference backend", err)
		}
		factory = f
	}

	o := &Operator{
		logger:       logger.Named("onnxop"),
		cfg:          cfg,
		inputs:       make([]imaging.Source, cfg.MaxInputs),
		activeInputs: 1,
		geometry:     inference.Geometry{Channels: 1},
	}
	o.handle = model.NewHandle(factory, o.logger)
	o.proc = inference.NewProcessor(o.handle)
	o.cache = NewProcessedCache(o.reportFillError)

	for _, opt := range opts {
		opt(o)
	}
	if o.sink == nil {
		o.sink = NewZapSink(o.logger)
	}
	if o.memo == nil && cfg.ResultCacheTTL > 0 {
		o.memo = NewResultCache(cfg.ResultCacheTTL, o.logger.Named("result_cache"))
		o.ownMemo = true
	}
	return o, nil
}

// Config returns the current configuration.
func (o *Operator) Config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// Model returns the operator's model handle.
func (o *Operator) Model() *model.Handle {
	return o.handle
}

// SetInput connects src to input i. A nil src disconnects it.
func (o *Operator) SetInput(i int, src imaging.Source) error {
	if i < 0 || i >= len(o.inputs) {
		return errdefs.InvalidArgument("input index %d out of range [0, %d)", i, len(o.inputs))
	}
	o.mu.Lock()
	o.inputs[i] = src
	o.mu.Unlock()
	o.cache.Invalidate()
	return nil
}

func (o *Operator) input(i int) imaging.Source {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.inputs[i]
}

// InputLabel names input i, adding the model's input name once a model is
// loaded.
func (o *Operator) InputLabel(i int) string {
	label := "Input " + strconv.Itoa(i)
	if !o.handle.IsLoaded() {
		return label
	}
	if names := o.handle.InputNames(); i >= 0 && i < len(names) {
		return label + " (" + names[i] + ")"
	}
	return label
}

// ActiveInputs returns how many inputs the loaded model consumes.
func (o *Operator) ActiveInputs() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeInputs
}

func (o *Operator) updateActiveInputsLocked() {
	if !o.handle.IsLoaded() {
		o.activeInputs = 1
		return
	}
	o.activeInputs = max(1, min(o.handle.InputCount(), len(o.inputs)))
}

// Validate loads the configured model when none is loaded, checks that the
// primary input is connected and computes the output format. Errors are
// also reported to the sink; the operator keeps passing rows through.
func (o *Operator) Validate() error {
	var errs []error

	if path := o.Config().ModelPath; path != "" && !o.handle.IsLoaded() {
		if err := o.loadModel(); err != nil {
			errs = append(errs, err)
		}
	}

	o.mu.Lock()
	src0 := o.inputs[0]
	var (
		format   image.Rectangle
		warning  string
		inputErr error
	)
	if src0 != nil {
		format = src0.Bounds()
	}
	if o.handle.IsLoaded() {
		o.updateActiveInputsLocked()
		if src0 == nil {
			inputErr = errdefs.Configuration("primary input (input 0) must be connected")
		} else {
			format, warning = o.outputFormatLocked(format)
		}
	}
	changed := o.validated && format != o.format
	o.format = format
	o.validated = true
	o.mu.Unlock()

	if warning != "" {
		o.sink.Warning(warning)
	}
	if inputErr != nil {
		o.sink.Error(inputErr.Error())
		errs = append(errs, inputErr)
	}
	if changed {
		o.cache.Invalidate()
	}
	return errors.Join(errs...)
}

// outputFormatLocked returns the rectangle rows are served over: the
// input format unless the model output has a different size. A non-empty
// warning explains why the output size could not be used.
func (o *Operator) outputFormatLocked(input image.Rectangle) (image.Rectangle, string) {
	g := o.geometry
	if g.Width <= 0 || g.Height <= 0 {
		return input, "Invalid output dimensions: " + strconv.Itoa(g.Width) + "x" + strconv.Itoa(g.Height)
	}
	if g.Width == input.Dx() && g.Height == input.Dy() {
		return input, ""
	}
	return image.Rect(0, 0, g.Width, g.Height), ""
}

// Bounds returns the output format computed by the last Validate, or the
// primary input's format before that.
func (o *Operator) Bounds() image.Rectangle {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.validated {
		return o.format
	}
	if src := o.inputs[0]; src != nil {
		return src.Bounds()
	}
	return image.Rectangle{}
}

// Open starts a new recompute cycle.
func (o *Operator) Open() {
	o.cache.Invalidate()
}

// SetModelPath loads the model at path. An empty path unloads the model and
// the operator passes its input through.
func (o *Operator) SetModelPath(path string) error {
	o.mu.Lock()
	o.cfg.ModelPath = path
	o.mu.Unlock()

	if path == "" {
		o.handle.Unload()
		o.mu.Lock()
		o.updateActiveInputsLocked()
		o.mu.Unlock()
		o.cache.Invalidate()
		return nil
	}
	return o.loadModel()
}

// ReloadModel loads the configured model again from disk.
func (o *Operator) ReloadModel() error {
	return o.loadModel()
}

// SetUseGPU records the GPU preference and reloads the model.
func (o *Operator) SetUseGPU(useGPU bool) error {
	o.mu.Lock()
	o.cfg.UseGPU = useGPU
	path := o.cfg.ModelPath
	o.mu.Unlock()

	if path == "" {
		return nil
	}
	return o.loadModel()
}

// SetNormalize toggles output normalization.
func (o *Operator) SetNormalize(normalize bool) {
	o.mu.Lock()
	o.cfg.Normalize = normalize
	o.mu.Unlock()
	o.cache.Invalidate()
}

// loadModel (re)loads the configured model. Failures are reported to the
// sink and returned.
func (o *Operator) loadModel() error {
	defer o.cache.Invalidate()

	o.mu.RLock()
	path, useGPU := o.cfg.ModelPath, o.cfg.UseGPU
	o.mu.RUnlock()

	if path == "" {
		err := errdefs.Configuration("model path is empty")
		o.sink.Error("Failed to load model: " + err.Error())
		return err
	}

	start := time.Now()
	if err := o.handle.Load(path, useGPU); err != nil {
		RecordModelLoadFailure()
		o.sink.Error("Failed to load model: " + err.Error())
		o.mu.Lock()
		o.updateActiveInputsLocked()
		o.mu.Unlock()
		return err
	}
	RecordModelLoadDuration(string(o.handle.Backend()), time.Since(start).Seconds())

	o.mu.Lock()
	w, h, c, static := o.handle.StaticOutputDimensions()
	if !static {
		w, h, c = o.imgWidth, o.imgHeight, 1
		if (w <= 0 || h <= 0) && o.inputs[0] != nil {
			b := o.inputs[0].Bounds()
			w, h = b.Dx(), b.Dy()
		}
	}
	o.geometry = inference.Geometry{Width: max(w, 0), Height: max(h, 0), Channels: c}
	o.updateActiveInputsLocked()
	geometry, active := o.geometry, o.activeInputs
	o.mu.Unlock()

	if !static {
		o.sink.Warning("Could not retrieve fixed output dimensions from model. Output size might adapt to input.")
	}
	o.logger.Info("Model ready",
		zap.String("path", path),
		zap.Int("active_inputs", active),
		zap.Int("output_width", geometry.Width),
		zap.Int("output_height", geometry.Height),
		zap.Int("output_channels", geometry.Channels))
	return nil
}

// ReadRow serves row y of the output. It makes the operator a Source so
// operators can be chained.
func (o *Operator) ReadRow(y, x, r int, channels imaging.ChannelSet, row *imaging.Row) {
	o.Engine(y, x, r, channels, row)
}

// Engine fills channels of row over [x, r) for scanline y. The first call
// of a cycle runs the model; concurrent calls wait for it. Rows fall back to
// the primary input when no model is loaded, the host aborted, processing
// failed or y is outside the output.
func (o *Operator) Engine(y, x, r int, channels imaging.ChannelSet, row *imaging.Row) {
	if !o.handle.IsLoaded() {
		o.passThrough("unloaded", y, x, r, channels, row)
		return
	}
	if o.aborted != nil && o.aborted() {
		o.passThrough("aborted", y, x, r, channels, row)
		return
	}

	out, err := o.cache.GetOrCompute(o.process)
	if err != nil {
		o.passThrough("failed", y, x, r, channels, row)
		return
	}
	if y < 0 || y >= out.Geometry.Height {
		o.passThrough("out_of_range", y, x, r, channels, row)
		return
	}

	input := imaging.NewRow(x, r)
	if src := o.input(0); src != nil {
		src.ReadRow(y, x, r, imaging.RGBA, input)
	} else {
		input.Erase(imaging.RGBA)
	}
	imaging.TensorToRow(out.View(), y, x, r, o.channelMap(channels), row, input)
}

func (o *Operator) passThrough(reason string, y, x, r int, channels imaging.ChannelSet, row *imaging.Row) {
	RecordPassthroughRow(reason)
	if src := o.input(0); src != nil {
		src.ReadRow(y, x, r, channels, row)
		return
	}
	row.Erase(channels)
}

func (o *Operator) channelMap(channels imaging.ChannelSet) imaging.ChannelMap {
	key := channels.String()
	if m, ok := o.cmaps.Load(key); ok {
		return m.(imaging.ChannelMap)
	}
	m, _ := o.cmaps.LoadOrStore(key, imaging.NewChannelMap(channels))
	return m.(imaging.ChannelMap)
}

func (o *Operator) reportFillError(err error) {
	if errdefs.KindOf(err) == errdefs.KindUnknown {
		o.sink.Error("Unexpected error during processing: " + err.Error())
		return
	}
	o.sink.Error("Processing failed: " + err.Error())
}

// process is the cache fill: it converts every connected input, runs the
// model and computes the normalization bounds.
func (o *Operator) process() (*Output, error) {
	if !o.handle.IsLoaded() {
		return nil, errdefs.Configuration("attempted to process image but no model is loaded")
	}

	o.mu.Lock()
	src0 := o.inputs[0]
	sources := slices.Clone(o.inputs[:o.activeInputs])
	normalize := o.cfg.Normalize
	if src0 == nil {
		o.mu.Unlock()
		return nil, errdefs.Configuration("primary input (input 0) is not connected")
	}
	b := src0.Bounds()
	width, height := b.Dx(), b.Dy()
	if width <= 0 || height <= 0 {
		o.mu.Unlock()
		return nil, errdefs.Configuration("invalid input dimensions: %dx%d", width, height)
	}
	o.imgWidth, o.imgHeight = width, height
	o.mu.Unlock()

	if err := o.proc.SetInputDimensions(width, height, DefaultInputChannels); err != nil {
		return nil, err
	}
	if err := o.proc.PrepareInputs(len(sources)); err != nil {
		return nil, err
	}

	tensors, err := prepareTensors(sources, width, height)
	if err != nil {
		return nil, err
	}
	for i, t := range tensors {
		if t == nil {
			err = o.proc.InvalidateInput(i)
		} else {
			err = o.proc.SetInputTensorData(i, t)
		}
		if err != nil {
			return nil, err
		}
	}

	res, err := o.infer()
	if err != nil {
		return nil, err
	}
	if len(res.Data) == 0 {
		return nil, errdefs.Inference("inference completed but resulted in empty output data")
	}

	out := &Output{
		Data:       res.Data,
		Geometry:   res.Geometry,
		Normalized: normalize,
		Bounds:     tensor.DefaultBounds,
	}
	if normalize {
		out.Bounds = normalizationBounds(res.Data, res.Geometry)
	}

	o.mu.Lock()
	o.geometry = res.Geometry
	o.mu.Unlock()

	o.logger.Debug("Processed image",
		zap.Int("width", res.Geometry.Width),
		zap.Int("height", res.Geometry.Height),
		zap.Int("channels", res.Geometry.Channels),
		zap.Bool("normalize", normalize))
	return out, nil
}

// prepareTensors converts the connected sources concurrently. Disconnected
// inputs get a nil tensor.
func prepareTensors(sources []imaging.Source, width, height int) ([][]float32, error) {
	tensors := make([][]float32, len(sources))
	var g errgroup.Group
	for i, src := range sources {
		if src == nil {
			continue
		}
		g.Go(func() error {
			t, err := preprocess(src, width, height)
			if err != nil {
				return err
			}
			tensors[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tensors, nil
}

func preprocess(src imaging.Source, width, height int) (t []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			t = nil
			err = errdefs.Preprocess("error during image preprocessing: %v", r)
		}
	}()
	tile := imaging.Tile(src, imaging.RGB)
	return imaging.RegionToTensor(tile, width, height, DefaultInputChannels)
}

// infer runs the processor, going through the result cache when one is
// configured.
func (o *Operator) infer() (*inferenceResult, error) {
	run := func() (*inferenceResult, error) {
		mode := "single"
		if countValid(o.proc.Inputs()) > 1 {
			mode = "multi"
		}
		start := time.Now()
		data, err := o.proc.RunInference()
		if err != nil {
			RecordInference(mode, "error", 0)
			return nil, err
		}
		RecordInference(mode, "ok", time.Since(start).Seconds())
		return &inferenceResult{Data: data, Geometry: o.proc.OutputGeometry()}, nil
	}

	if o.memo == nil {
		return run()
	}
	key := resultKey(o.handle.Path(), o.handle.Stamp(), o.handle.Generation(), o.proc.Inputs())
	return o.memo.do(key, run)
}

func countValid(inputs []inference.InputTensor) int {
	n := 0
	for _, in := range inputs {
		if in.Valid {
			n++
		}
	}
	return n
}

func normalizationBounds(data []float32, g inference.Geometry) tensor.Bounds {
	if g.SingleChannel() {
		return tensor.FindMinMax(data)
	}
	return tensor.FindMinMaxMultiChannel(data, g.Channels, g.Width, g.Height)
}

// Close unloads the model and stops a result cache the operator created.
func (o *Operator) Close() error {
	o.handle.Unload()
	o.cache.Invalidate()
	if o.ownMemo {
		o.memo.Close()
	}
	return nil
}
