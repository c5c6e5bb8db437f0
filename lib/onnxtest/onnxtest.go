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

// Package onnxtest writes small ONNX models for tests. Models are encoded
// directly in the protobuf wire format, so tests need no exporter.
package onnxtest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

// Dim is one tensor dimension: a fixed size, or a named symbolic size when
// Param is set.
type Dim struct {
	Value int64
	Param string
}

// Dims builds a shape from ints and strings, e.g. Dims(1, 3, "h", "w").
func Dims(dims ...any) []Dim {
	out := make([]Dim, len(dims))
	for i, d := range dims {
		switch v := d.(type) {
		case int:
			out[i] = Dim{Value: int64(v)}
		case int64:
			out[i] = Dim{Value: v}
		case string:
			out[i] = Dim{Param: v}
		default:
			panic(fmt.Sprintf("onnxtest: unsupported dim %T", d))
		}
	}
	return out
}

// Value is a float32 graph input or output.
type Value struct {
	Name  string
	Shape []Dim
}

// Node is one operator in the graph.
type Node struct {
	Op      string
	Inputs  []string
	Outputs []string
}

// Model is a single-graph ONNX model in the default domain.
type Model struct {
	Producer    string
	GraphName   string
	Description string
	Opset       int64
	Inputs      []Value
	Outputs     []Value
	Nodes       []Node
}

const (
	irVersion     = 8
	defaultOpset  = 13
	elemTypeFloat = 1
)

// Marshal encodes m as an ONNX ModelProto.
func (m Model) Marshal() []byte {
	opset := m.Opset
	if opset == 0 {
		opset = defaultOpset
	}

	var graph []byte
	for i, n := range m.Nodes {
		var node []byte
		for _, in := range n.Inputs {
			node = appendString(node, 1, in)
		}
		for _, out := range n.Outputs {
			node = appendString(node, 2, out)
		}
		node = appendString(node, 3, fmt.Sprintf("%s_%d", n.Op, i))
		node = appendString(node, 4, n.Op)
		graph = appendMessage(graph, 1, node)
	}
	graph = appendString(graph, 2, m.GraphName)
	for _, v := range m.Inputs {
		graph = appendMessage(graph, 11, valueInfo(v))
	}
	for _, v := range m.Outputs {
		graph = appendMessage(graph, 12, valueInfo(v))
	}

	var opsetID []byte
	opsetID = appendString(opsetID, 1, "")
	opsetID = appendVarint(opsetID, 2, uint64(opset))

	var b []byte
	b = appendVarint(b, 1, irVersion)
	b = appendString(b, 2, m.Producer)
	b = appendString(b, 6, m.Description)
	b = appendMessage(b, 7, graph)
	b = appendMessage(b, 8, opsetID)
	return b
}

// Write encodes m into dir/name and returns the path.
func (m Model) Write(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, m.Marshal(), 0o600); err != nil {
		t.Fatalf("writing model: %v", err)
	}
	return path
}

func valueInfo(v Value) []byte {
	var shape []byte
	for _, d := range v.Shape {
		var dim []byte
		if d.Param != "" {
			dim = appendString(dim, 2, d.Param)
		} else {
			dim = appendVarint(dim, 1, uint64(d.Value))
		}
		shape = appendMessage(shape, 1, dim)
	}

	var tensorType []byte
	tensorType = appendVarint(tensorType, 1, elemTypeFloat)
	tensorType = appendMessage(tensorType, 2, shape)

	var typ []byte
	typ = appendMessage(typ, 1, tensorType)

	var b []byte
	b = appendString(b, 1, v.Name)
	b = appendMessage(b, 2, typ)
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendMessage writes msg even when empty, so an empty shape still marks
// the tensor as ranked.
func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// Unary returns a model applying op to input x of the given shape,
// producing y with the same shape.
func Unary(op string, shape []Dim) Model {
	return Model{
		Producer:  "onnxtest",
		GraphName: op + "_graph",
		Inputs:    []Value{{Name: "x", Shape: shape}},
		Outputs:   []Value{{Name: "y", Shape: shape}},
		Nodes:     []Node{{Op: op, Inputs: []string{"x"}, Outputs: []string{"y"}}},
	}
}

// Binary returns a model applying op to inputs a and b, producing y.
func Binary(op string, shape []Dim) Model {
	return Model{
		Producer:  "onnxtest",
		GraphName: op + "_graph",
		Inputs:    []Value{{Name: "a", Shape: shape}, {Name: "b", Shape: shape}},
		Outputs:   []Value{{Name: "y", Shape: shape}},
		Nodes:     []Node{{Op: op, Inputs: []string{"a", "b"}, Outputs: []string{"y"}}},
	}
}
