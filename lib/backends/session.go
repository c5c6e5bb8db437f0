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

// Session runs a loaded model on raw tensors. It knows nothing about images.
type Session interface {
	// Run feeds inputs and returns the outputs named by outputNames, in
	// that order. Nil outputNames returns every declared output.
	Run(inputs []NamedTensor, outputNames []string) ([]NamedTensor, error)

	// InputInfo describes the model inputs in declaration order.
	InputInfo() []TensorInfo

	// OutputInfo describes the model outputs in declaration order.
	OutputInfo() []TensorInfo

	Close() error
}

// MetadataProvider is implemented by sessions that can read the producer,
// graph name and description stored in the model file.
type MetadataProvider interface {
	Metadata() (ModelMetadata, bool)
}

// NamedTensor is a named, shaped tensor. Data holds a flat slice such as
// []float32 or []int64.
type NamedTensor struct {
	Name  string
	Shape []int64
	Data  any
}

// Float32Data returns Data when it is a []float32.
func (t NamedTensor) Float32Data() ([]float32, bool) {
	data, ok := t.Data.([]float32)
	return data, ok
}

// TensorInfo is the declared name, shape and element type of a model input
// or output. Dynamic dimensions are negative.
type TensorInfo struct {
	Name     string
	Shape    []int64
	DataType DataType
}

// SessionFactory opens model files on one backend.
type SessionFactory interface {
	CreateSession(modelPath string, opts ...SessionOption) (Session, error)
	Backend() BackendType
}

type SessionOption func(*SessionConfig)

// SessionConfig collects the options of one CreateSession call.
type SessionConfig struct {
	// NumThreads caps intra-op threads. Zero lets the engine decide.
	NumThreads int

	// UseGPU records a GPU request. No GPU provider is attached, so
	// sessions log it and run on CPU.
	UseGPU bool
}

func WithSessionThreads(n int) SessionOption {
	return func(c *SessionConfig) { c.NumThreads = n }
}

func WithSessionGPU(useGPU bool) SessionOption {
	return func(c *SessionConfig) { c.UseGPU = useGPU }
}

// ApplySessionOptions returns the config produced by opts.
func ApplySessionOptions(opts ...SessionOption) *SessionConfig {
	cfg := &SessionConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// resolveOutputNames returns requested, or every name in info when nothing
// was requested.
func resolveOutputNames(requested []string, info []TensorInfo) []string {
	if len(requested) > 0 {
		return requested
	}
	names := make([]string, len(info))
	for i, o := range info {
		names[i] = o.Name
	}
	return names
}
