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
	"fmt"
	"strconv"
	"strings"

	"github.com/antflydb/onnxop/lib/tensor"
)

// ModelInfo describes the loaded model and the operator's current state for
// the diagnostic console.
func (o *Operator) ModelInfo() string {
	o.mu.RLock()
	g := o.geometry
	imgW, imgH := o.imgWidth, o.imgHeight
	active := o.activeInputs
	normalize := o.cfg.Normalize
	connected := make([]bool, active)
	for i := range connected {
		connected[i] = o.inputs[i] != nil
	}
	o.mu.RUnlock()

	bounds := tensor.DefaultBounds
	if out, ok := o.cache.Peek(); ok && out.Normalized {
		bounds = out.Bounds
	}
	names := o.handle.InputNames()

	var b strings.Builder
	b.WriteString(o.handle.InfoString())

	b.WriteString("\nNode Configuration:\n")
	b.WriteString("-------------------\n")
	fmt.Fprintf(&b, "Execution: %s\n", o.handle.ExecutionMode())
	if g.SingleChannel() {
		b.WriteString("Processing mode: Single channel\n")
	} else {
		b.WriteString("Processing mode: Multi-channel\n")
	}
	fmt.Fprintf(&b, "Output channels: %d\n", g.Channels)
	fmt.Fprintf(&b, "Input dimensions: %dx%d\n", imgW, imgH)
	fmt.Fprintf(&b, "Output dimensions: %dx%d\n", g.Width, g.Height)

	fmt.Fprintf(&b, "\nActive Inputs: %d of %d required\n", active, o.handle.InputCount())
	for i, ok := range connected {
		name := "(unnamed)"
		if i < len(names) {
			name = names[i]
		}
		status := "Not connected"
		if ok {
			status = "Connected"
		}
		fmt.Fprintf(&b, "  Input %d: %s - %s\n", i, name, status)
	}

	if normalize {
		fmt.Fprintf(&b, "Normalization: Enabled (min=%s, max=%s)\n", formatBound(bounds.Min), formatBound(bounds.Max))
	} else {
		b.WriteString("Normalization: Disabled\n")
	}
	return b.String()
}

func formatBound(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', 6, 32)
}

// ShowModelInfo sends ModelInfo to the sink.
func (o *Operator) ShowModelInfo() {
	o.sink.Message(o.ModelInfo())
}
