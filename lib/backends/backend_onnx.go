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

//go:build onnx && ORT

package backends

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

func init() {
	RegisterBackend(&onnxBackend{})
}

// onnxBackend runs models through ONNX Runtime. It needs CGO and the
// onnxruntime shared library, found through ONNXRUNTIME_ROOT or the dynamic
// loader path.
type onnxBackend struct {
	once    sync.Once
	initErr error
}

func (*onnxBackend) Type() BackendType { return BackendONNX }
func (*onnxBackend) Name() string      { return "ONNX Runtime (CPU)" }
func (*onnxBackend) Priority() int     { return 10 }

// Available is always true: this file only builds with the runtime linked.
func (*onnxBackend) Available() bool { return true }

func (b *onnxBackend) SessionFactory() SessionFactory {
	return &onnxSessionFactory{backend: b}
}

func (b *onnxBackend) environment() error {
	b.once.Do(func() {
		if lib := findOnnxLibrary(); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		b.initErr = ort.InitializeEnvironment()
	})
	return b.initErr
}

// findOnnxLibrary returns the path of the onnxruntime shared library, or ""
// to let the runtime use its default lookup.
func findOnnxLibrary() string {
	name := "libonnxruntime.so"
	loaderVar := "LD_LIBRARY_PATH"
	switch runtime.GOOS {
	case "windows":
		name = "onnxruntime.dll"
	case "darwin":
		name, loaderVar = "libonnxruntime.dylib", "DYLD_LIBRARY_PATH"
	}

	var dirs []string
	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		dirs = append(dirs,
			filepath.Join(root, runtime.GOOS+"-"+runtime.GOARCH, "lib"),
			filepath.Join(root, "lib"))
	}
	dirs = append(dirs, filepath.SplitList(os.Getenv(loaderVar))...)
	if loaderVar != "LD_LIBRARY_PATH" {
		dirs = append(dirs, filepath.SplitList(os.Getenv("LD_LIBRARY_PATH"))...)
	}

	for _, dir := range dirs {
		lib := filepath.Join(dir, name)
		if _, err := os.Stat(lib); err == nil {
			return lib
		}
	}
	return ""
}

type onnxSessionFactory struct {
	backend *onnxBackend
}

func (f *onnxSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	if err := f.backend.environment(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}
	cfg := ApplySessionOptions(opts...)

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("reading model inputs and outputs: %w", err)
	}
	inputInfo, outputInfo := ortTensorInfo(inputs), ortTensorInfo(outputs)

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	if cfg.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			sessionOpts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}
	// GPU execution providers are not appended; cfg.UseGPU runs on CPU.

	s := &onnxSession{
		modelPath:   modelPath,
		sessionOpts: sessionOpts,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
		sessions:    make(map[string]*ort.DynamicAdvancedSession),
	}
	s.metadata, s.hasMetadata = readOnnxMetadata(modelPath)

	// The default binding surfaces graph errors at load time.
	if len(inputInfo) > 0 && len(outputInfo) > 0 {
		if _, err := s.session(infoNames(inputInfo), infoNames(outputInfo[:1])); err != nil {
			sessionOpts.Destroy()
			return nil, err
		}
	}
	return s, nil
}

func infoNames(info []TensorInfo) []string {
	names := make([]string, len(info))
	for i, ti := range info {
		names[i] = ti.Name
	}
	return names
}

func (*onnxSessionFactory) Backend() BackendType { return BackendONNX }

// readOnnxMetadata reads the descriptive strings of the model. Models
// without metadata report false.
func readOnnxMetadata(modelPath string) (ModelMetadata, bool) {
	md, err := ort.GetModelMetadata(modelPath)
	if err != nil {
		return ModelMetadata{}, false
	}
	defer md.Destroy()

	var out ModelMetadata
	if v, err := md.GetProducerName(); err == nil {
		out.Producer = v
	}
	if v, err := md.GetGraphName(); err == nil {
		out.GraphName = v
	}
	if v, err := md.GetDescription(); err == nil {
		out.Description = v
	}
	return out, !out.IsZero()
}

func ortTensorInfo(infos []ort.InputOutputInfo) []TensorInfo {
	out := make([]TensorInfo, len(infos))
	for i, info := range infos {
		out[i] = TensorInfo{Name: info.Name, Shape: info.Dimensions, DataType: ortDataTypes[info.DataType]}
		if out[i].DataType == "" {
			out[i].DataType = DataTypeUnknown
		}
	}
	return out
}

var ortDataTypes = map[ort.TensorElementDataType]DataType{
	ort.TensorElementDataTypeFloat:   DataTypeFloat32,
	ort.TensorElementDataTypeFloat16: DataTypeFloat16,
	ort.TensorElementDataTypeInt64:   DataTypeInt64,
	ort.TensorElementDataTypeInt32:   DataTypeInt32,
	ort.TensorElementDataTypeBool:    DataTypeBool,
}

// onnxSession wraps one DynamicAdvancedSession per input/output name
// binding. The binding of all inputs to the first output is created with the
// session and others on first use, since callers may bind only some of the
// declared inputs.
type onnxSession struct {
	modelPath   string
	sessionOpts *ort.SessionOptions
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
	metadata    ModelMetadata
	hasMetadata bool

	mu       sync.Mutex
	sessions map[string]*ort.DynamicAdvancedSession
	closed   bool
}

func bindingKey(inputNames, outputNames []string) string {
	return strings.Join(inputNames, "\x00") + "\x01" + strings.Join(outputNames, "\x00")
}

func (s *onnxSession) session(inputNames, outputNames []string) (*ort.DynamicAdvancedSession, error) {
	key := bindingKey(inputNames, outputNames)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("session is closed")
	}
	if sess, ok := s.sessions[key]; ok {
		return sess, nil
	}
	sess, err := ort.NewDynamicAdvancedSession(s.modelPath, inputNames, outputNames, s.sessionOpts)
	if err != nil {
		return nil, fmt.Errorf("creating ONNX session: %w", err)
	}
	s.sessions[key] = sess
	return sess, nil
}

func (s *onnxSession) Run(inputs []NamedTensor, outputNames []string) ([]NamedTensor, error) {
	outputNames = resolveOutputNames(outputNames, s.outputInfo)

	inputNames := make([]string, len(inputs))
	ortInputs := make([]ort.Value, 0, len(inputs))
	defer func() {
		for _, t := range ortInputs {
			t.Destroy()
		}
	}()
	for i, input := range inputs {
		inputNames[i] = input.Name
		tensor, err := createOrtTensor(input)
		if err != nil {
			return nil, fmt.Errorf("creating input tensor %s: %w", input.Name, err)
		}
		ortInputs = append(ortInputs, tensor)
	}

	sess, err := s.session(inputNames, outputNames)
	if err != nil {
		return nil, err
	}

	// nil outputs are allocated by the runtime with the actual shape.
	ortOutputs := make([]ort.Value, len(outputNames))
	if err := sess.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("running ONNX session: %w", err)
	}
	defer func() {
		for _, t := range ortOutputs {
			if t != nil {
				t.Destroy()
			}
		}
	}()

	outputs := make([]NamedTensor, len(ortOutputs))
	for i, ortOutput := range ortOutputs {
		if ortOutput == nil {
			return nil, fmt.Errorf("output %s was not produced", outputNames[i])
		}
		output, err := extractOrtTensor(ortOutput, outputNames[i])
		if err != nil {
			return nil, fmt.Errorf("extracting output tensor %s: %w", outputNames[i], err)
		}
		outputs[i] = output
	}
	return outputs, nil
}

func (s *onnxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *onnxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *onnxSession) Metadata() (ModelMetadata, bool) {
	return s.metadata, s.hasMetadata
}

func (s *onnxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for key, sess := range s.sessions {
		sess.Destroy()
		delete(s.sessions, key)
	}
	if s.sessionOpts != nil {
		s.sessionOpts.Destroy()
		s.sessionOpts = nil
	}
	return nil
}

// createOrtTensor wraps float input data without copying.
func createOrtTensor(input NamedTensor) (ort.Value, error) {
	data, ok := input.Float32Data()
	if !ok {
		return nil, fmt.Errorf("unsupported data type: %T", input.Data)
	}
	return ort.NewTensor(ort.NewShape(input.Shape...), data)
}

// extractOrtTensor copies the output out of runtime memory, which is freed
// after Run returns.
func extractOrtTensor(ortTensor ort.Value, name string) (NamedTensor, error) {
	floatTensor, ok := ortTensor.(*ort.Tensor[float32])
	if !ok {
		return NamedTensor{}, fmt.Errorf("unsupported tensor type %T", ortTensor)
	}
	data := floatTensor.GetData()
	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)
	return NamedTensor{
		Name:  name,
		Shape: []int64(ortTensor.GetShape()),
		Data:  dataCopy,
	}, nil
}
