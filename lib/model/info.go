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
	"fmt"
	"strings"

	"github.com/antflydb/onnxop/lib/backends"
	"github.com/antflydb/onnxop/lib/tensor"
)

// TensorDesc is a name and shape pair in an Info report.
type TensorDesc struct {
	Name  string  `json:"name"`
	Shape []int64 `json:"shape"`
}

// Info is a snapshot of the loaded model's metadata.
type Info struct {
	Loaded   bool                    `json:"loaded"`
	Path     string                  `json:"path,omitempty"`
	Backend  string                  `json:"backend,omitempty"`
	Inputs   []TensorDesc            `json:"inputs,omitempty"`
	Outputs  []TensorDesc            `json:"outputs,omitempty"`
	Metadata *backends.ModelMetadata `json:"metadata,omitempty"`
}

// Info returns a snapshot of the model metadata.
func (h *Handle) Info() Info {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.session == nil {
		return Info{}
	}
	info := Info{
		Loaded:  true,
		Path:    h.path,
		Backend: string(h.factory.Backend()),
		Inputs:  describe(h.inputNames, h.inputShapes),
		Outputs: describe(h.outputNames, h.outputShapes),
	}
	if h.hasMetadata {
		md := h.metadata
		info.Metadata = &md
	}
	return info
}

func describe(names []string, shapes [][]int64) []TensorDesc {
	out := make([]TensorDesc, len(names))
	for i, name := range names {
		out[i] = TensorDesc{Name: name, Shape: backends.Shape(shapes[i]).Clone()}
	}
	return out
}

// InfoString renders the model metadata for the diagnostic console.
func (h *Handle) InfoString() string {
	info := h.Info()
	if !info.Loaded {
		return "No model loaded"
	}

	var b strings.Builder
	b.WriteString("\nONNX Model Information:\n")
	b.WriteString("---------------------\n")

	writeTensors(&b, "Inputs", info.Inputs)
	writeTensors(&b, "Outputs", info.Outputs)

	if md := info.Metadata; md != nil {
		b.WriteString("Model Metadata:\n")
		if md.Producer != "" {
			fmt.Fprintf(&b, "  Producer: %s\n", md.Producer)
		}
		if md.GraphName != "" {
			fmt.Fprintf(&b, "  Graph name: %s\n", md.GraphName)
		}
		if md.Description != "" {
			fmt.Fprintf(&b, "  Description: %s\n", md.Description)
		}
	}
	return b.String()
}

func writeTensors(b *strings.Builder, label string, tensors []TensorDesc) {
	fmt.Fprintf(b, "%s: %d\n", label, len(tensors))
	for i, t := range tensors {
		fmt.Fprintf(b, "  [%d] %s: ", i, t.Name)
		if len(t.Shape) > 0 {
			b.WriteString(tensor.FormatShape(t.Shape))
		}
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
}
