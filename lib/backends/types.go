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

// Package backends provides the inference engine capability used by the
// model handle: load an ONNX file, report input/output tensor metadata, and
// execute named float tensors.
//
// Available backends:
//   - Go: GoMLX with the pure Go engine (simplego) via onnx-gomlx. Always
//     available, no CGO.
//   - ONNX Runtime: fastest CPU inference, requires -tags="onnx,ORT"
//
// Build example:
//
//	go build -tags="onnx,ORT" ./cmd/onnxop
//
// Backend selection follows a configurable priority order (default: ONNX,
// then Go).
package backends

// BackendType identifies the inference backend
type BackendType string

const (
	// BackendONNX is the ONNX Runtime backend - fast CPU inference
	BackendONNX BackendType = "onnx"

	// BackendGo is the GoMLX backend with pure Go engine (no CGO)
	// Always available, slower than ONNX Runtime but no external dependencies.
	BackendGo BackendType = "go"
)

// ExecutionMode reports where a session executes.
type ExecutionMode string

const (
	ExecutionCPU ExecutionMode = "CPU"
)

// DataType represents tensor element types.
type DataType string

const (
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat16 DataType = "float16"
	DataTypeInt64   DataType = "int64"
	DataTypeInt32   DataType = "int32"
	DataTypeBool    DataType = "bool"
	DataTypeUnknown DataType = "unknown"
)

// Shape represents tensor dimensions. Dynamic dimensions are negative.
type Shape []int64

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// ModelMetadata is the descriptive metadata embedded in a model file.
type ModelMetadata struct {
	Producer    string `json:"producer,omitempty"`
	GraphName   string `json:"graph_name,omitempty"`
	Description string `json:"description,omitempty"`
}

// IsZero reports whether no metadata field is set.
func (m ModelMetadata) IsZero() bool {
	return m.Producer == "" && m.GraphName == "" && m.Description == ""
}
