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

// Package tensor holds stateless helpers over flat float32 buffers laid out
// in NCHW order (channel planes contiguous, each plane row-major H×W).
package tensor

import (
	"math"
	"strconv"
	"strings"
)

// Bounds is a min/max pair used for output normalization.
type Bounds struct {
	Min float32
	Max float32
}

// DefaultBounds is the fallback used when no usable range exists.
var DefaultBounds = Bounds{Min: 0, Max: 1}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// FindMinMax scans the whole buffer, skipping NaN and Inf. An empty buffer,
// a buffer without finite values, or a constant buffer yields DefaultBounds.
func FindMinMax(data []float32) Bounds {
	if len(data) == 0 {
		return DefaultBounds
	}

	minV := float32(math.MaxFloat32)
	maxV := float32(-math.MaxFloat32)
	found := false
	for _, v := range data {
		if !isFinite(v) {
			continue
		}
		found = true
		minV = min(minV, v)
		maxV = max(maxV, v)
	}

	if !found || minV == maxV {
		return DefaultBounds
	}
	return Bounds{Min: minV, Max: maxV}
}

// FindMinMaxMultiChannel scans each channel plane separately and combines
// the planes that held at least one finite sample. Planes starting past the
// end of the buffer are skipped. Without any finite sample the result is
// DefaultBounds; a constant result is widened to [min, min+1].
func FindMinMaxMultiChannel(data []float32, channels, width, height int) Bounds {
	if len(data) == 0 || width <= 0 || height <= 0 || channels <= 0 {
		return DefaultBounds
	}

	plane := width * height
	minV := float32(math.MaxFloat32)
	maxV := float32(-math.MaxFloat32)
	found := false

	for c := 0; c < channels; c++ {
		start := c * plane
		if start >= len(data) {
			continue
		}
		end := min(start+plane, len(data))

		planeFound := false
		planeMin := float32(math.MaxFloat32)
		planeMax := float32(-math.MaxFloat32)
		for _, v := range data[start:end] {
			if !isFinite(v) {
				continue
			}
			planeFound = true
			planeMin = min(planeMin, v)
			planeMax = max(planeMax, v)
		}
		if planeFound {
			found = true
			minV = min(minV, planeMin)
			maxV = max(maxV, planeMax)
		}
	}

	if !found {
		return DefaultBounds
	}
	if minV == maxV {
		return Bounds{Min: minV, Max: minV + 1}
	}
	return Bounds{Min: minV, Max: maxV}
}

// Normalize clamps v into [lo, hi] and rescales it to [0, 1]. Non-finite
// input or an unusable range (lo >= hi, non-finite bounds) returns 0.5.
func Normalize(v, lo, hi float32) float32 {
	if !isFinite(v) {
		return 0.5
	}
	if lo >= hi || !isFinite(lo) || !isFinite(hi) {
		return 0.5
	}
	clamped := max(lo, min(hi, v))
	return (clamped - lo) / (hi - lo)
}

// Sample describes how ValueAt addresses and post-processes a buffer.
type Sample struct {
	Width         int
	Height        int
	SingleChannel bool
	Normalize     bool
	Bounds        Bounds
}

// ValueAt reads the value at (x, y) of the given channel plane. Out-of-range
// coordinates, negative channels, and planes past the end of the buffer read
// as 0. Stored NaN or Inf always reads as 0. In single-channel mode the
// channel index is ignored.
func ValueAt(data []float32, x, y, channel int, s Sample) float32 {
	if len(data) == 0 || s.Width <= 0 || s.Height <= 0 {
		return 0
	}
	if x < 0 || x >= s.Width || y < 0 || y >= s.Height || channel < 0 {
		return 0
	}

	var idx int
	if s.SingleChannel {
		idx = y*s.Width + x
	} else {
		offset := channel * s.Height * s.Width
		if offset >= len(data) {
			return 0
		}
		idx = offset + y*s.Width + x
	}
	if idx >= len(data) {
		return 0
	}

	v := data[idx]
	if !isFinite(v) {
		return 0
	}
	if s.Normalize {
		return Normalize(v, s.Bounds.Min, s.Bounds.Max)
	}
	return v
}

// ShapeSize returns the element count of a fully static shape. It reports
// false when any dimension is dynamic (negative) or the shape is empty.
func ShapeSize(shape []int64) (int64, bool) {
	if len(shape) == 0 {
		return 0, false
	}
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// FormatShape renders a shape as "[1, 3, 32, 64]".
func FormatShape(shape []int64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, d := range shape {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.FormatInt(d, 10))
	}
	b.WriteByte(']')
	return b.String()
}
