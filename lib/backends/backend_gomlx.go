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

package backends

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	gomlxbackends "github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"

	// Pure Go engine, registered with GoMLX as "go".
	_ "github.com/gomlx/gomlx/backends/simplego"
)

func init() {
	RegisterBackend(&gomlxBackend{engineType: "go"})
}

// gomlxBackend converts ONNX graphs with onnx-gomlx and executes them on
// the pure Go engine. It needs no CGO and is the fallback backend.
type gomlxBackend struct {
	engineType string

	once      sync.Once
	engine    gomlxbackends.Backend
	engineErr error
}

func (*gomlxBackend) Type() BackendType { return BackendGo }
func (*gomlxBackend) Name() string      { return "GoMLX (Go)" }
func (*gomlxBackend) Priority() int     { return 100 }

func (b *gomlxBackend) Available() bool {
	_, err := b.getEngine()
	return err == nil
}

func (b *gomlxBackend) SessionFactory() SessionFactory {
	return &gomlxSessionFactory{backend: b}
}

// getEngine creates the shared engine once. Engine constructors may panic
// when a native dependency is missing; that becomes the engine error.
func (b *gomlxBackend) getEngine() (gomlxbackends.Backend, error) {
	b.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				b.engine, b.engineErr = nil, fmt.Errorf("GoMLX engine %q: %v", b.engineType, r)
			}
		}()
		b.engine, b.engineErr = gomlxbackends.NewWithConfig(b.engineType)
	})
	return b.engine, b.engineErr
}

type gomlxSessionFactory struct {
	backend *gomlxBackend
}

func (*gomlxSessionFactory) Backend() BackendType { return BackendGo }

func (f *gomlxSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	// Thread count and GPU requests have no meaning for the Go engine.
	_ = ApplySessionOptions(opts...)

	engine, err := f.backend.getEngine()
	if err != nil {
		return nil, err
	}
	om, err := onnx.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("loading ONNX model: %w", err)
	}
	ctx := mlctx.New()
	if err := om.VariablesToContext(ctx); err != nil {
		return nil, fmt.Errorf("loading ONNX variables: %w", err)
	}

	s := &gomlxSession{model: om, ctx: ctx, engine: engine}
	names, shapes := om.Inputs()
	for i, name := range names {
		s.inputInfo = append(s.inputInfo, TensorInfo{Name: name, Shape: dynamicDims(shapes[i].Dimensions), DataType: gomlxDataType(shapes[i].DType)})
	}
	names, shapes = om.Outputs()
	for i, name := range names {
		s.outputInfo = append(s.outputInfo, TensorInfo{Name: name, Shape: dynamicDims(shapes[i].Dimensions), DataType: gomlxDataType(shapes[i].DType)})
	}
	p := &om.Proto
	s.metadata = ModelMetadata{
		Producer:    p.GetProducerName(),
		GraphName:   p.GetGraph().GetName(),
		Description: p.GetDocString(),
	}
	return s, nil
}

// gomlxSession builds and runs the graph on every call. Runs are
// serialized because the variable context is shared.
type gomlxSession struct {
	mu         sync.Mutex
	model      *onnx.Model
	ctx        *mlctx.Context
	engine     gomlxbackends.Backend
	inputInfo  []TensorInfo
	outputInfo []TensorInfo
	metadata   ModelMetadata
}

func (s *gomlxSession) Run(inputs []NamedTensor, outputNames []string) ([]NamedTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.model == nil {
		return nil, errors.New("session is closed")
	}
	if len(inputs) == 0 {
		return nil, errors.New("no input tensors")
	}
	outputNames = resolveOutputNames(outputNames, s.outputInfo)

	args := make([]any, len(inputs))
	for i, in := range inputs {
		data, ok := in.Float32Data()
		if !ok {
			return nil, fmt.Errorf("input %s: unsupported data type %T", in.Name, in.Data)
		}
		dims := make([]int, len(in.Shape))
		for j, d := range in.Shape {
			dims[j] = int(d)
		}
		args[i] = tensors.FromFlatDataAndDimensions(data, dims...)
	}

	build := func(c *mlctx.Context, nodes []*graph.Node) []*graph.Node {
		byName := make(map[string]*graph.Node, len(nodes))
		for i, n := range nodes {
			byName[inputs[i].Name] = n
		}
		return s.model.CallGraph(c.Reuse(), nodes[0].Graph(), byName, outputNames...)
	}
	results, err := execGraph(s.engine, s.ctx, build, args)
	if err != nil {
		return nil, fmt.Errorf("executing ONNX graph: %w", err)
	}

	outputs := make([]NamedTensor, len(results))
	for i, t := range results {
		out, err := fromGoMLX(t)
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		if i < len(outputNames) {
			out.Name = outputNames[i]
		}
		outputs[i] = out
	}
	return outputs, nil
}

// execGraph turns panics raised while building the graph, such as unknown
// input names or unsupported ops, into errors.
func execGraph(engine gomlxbackends.Backend, ctx *mlctx.Context, build func(*mlctx.Context, []*graph.Node) []*graph.Node, args []any) (results []*tensors.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			results, err = nil, fmt.Errorf("graph execution panicked: %v", r)
		}
	}()
	return mlctx.ExecOnceN(engine, ctx, build, args...)
}

func (s *gomlxSession) InputInfo() []TensorInfo  { return s.inputInfo }
func (s *gomlxSession) OutputInfo() []TensorInfo { return s.outputInfo }

func (s *gomlxSession) Metadata() (ModelMetadata, bool) {
	return s.metadata, !s.metadata.IsZero()
}

func (s *gomlxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model, s.ctx = nil, nil
	return nil
}

// dynamicDims maps symbolic (negative) dimensions to -1.
func dynamicDims(dims []int) []int64 {
	out := make([]int64, len(dims))
	for i, d := range dims {
		out[i] = int64(max(d, -1))
	}
	return out
}

func gomlxDataType(dt dtypes.DType) DataType {
	switch dt {
	case dtypes.Float32, dtypes.Float64:
		return DataTypeFloat32
	case dtypes.Float16, dtypes.BFloat16:
		return DataTypeFloat16
	case dtypes.Int64:
		return DataTypeInt64
	case dtypes.Int32:
		return DataTypeInt32
	case dtypes.Bool:
		return DataTypeBool
	}
	return DataTypeUnknown
}

// fromGoMLX copies a float32 or float64 tensor into a float32 NamedTensor.
func fromGoMLX(t *tensors.Tensor) (NamedTensor, error) {
	shape := t.Shape()
	dims := make([]int64, shape.Rank())
	for i, d := range shape.Dimensions {
		dims[i] = int64(d)
	}

	var data []float32
	switch shape.DType {
	case dtypes.Float32:
		data = flattenFloat32(t.Value())
	case dtypes.Float64:
		for _, v := range flatten[float64](t.Value()) {
			data = append(data, float32(v))
		}
	default:
		return NamedTensor{}, fmt.Errorf("unsupported output dtype %s", shape.DType)
	}
	return NamedTensor{Shape: dims, Data: data}, nil
}

func flattenFloat32(val any) []float32 {
	return flatten[float32](val)
}

// flatten concatenates a scalar or nested slice of T in row-major order.
// Anything else returns nil.
func flatten[T float32 | float64](val any) []T {
	if x, ok := val.(T); ok {
		return []T{x}
	}
	leaf := reflect.TypeFor[[]T]()
	var out []T
	var walk func(v reflect.Value) bool
	walk = func(v reflect.Value) bool {
		if v.Type() == leaf {
			out = append(out, v.Interface().([]T)...)
			return true
		}
		if v.Kind() != reflect.Slice {
			return false
		}
		for i := range v.Len() {
			if !walk(v.Index(i)) {
				return false
			}
		}
		return true
	}
	if val == nil || !walk(reflect.ValueOf(val)) {
		return nil
	}
	return out
}
