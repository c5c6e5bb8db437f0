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

package imaging

import (
	"github.com/antflydb/onnxop/lib/errdefs"
	"github.com/antflydb/onnxop/lib/tensor"
)

// RegionToTensor copies region into a zeroed 1×C×H×W tensor. Plane c takes
// the semantic channel for index c (red, green, blue, alpha) starting at the
// region origin; planes 4 and up stay zero, as do planes whose channel the
// region lacks and rows the region cannot supply. Values are copied as is.
func RegionToTensor(region Region, width, height, channels int) ([]float32, error) {
	if width <= 0 || height <= 0 || channels <= 0 {
		return nil, errdefs.Preprocess("invalid dimensions for tensor conversion: %dx%d C:%d", width, height, channels)
	}

	plane := width * height
	out := make([]float32, channels*plane)
	origin := region.Bounds().Min

	for c := 0; c < min(channels, len(standardChannels)); c++ {
		ch := standardChannels[c]
		if !region.Has(ch) {
			continue
		}
		for h := 0; h < height; h++ {
			src := region.Row(ch, h+origin.Y)
			if src == nil {
				continue
			}
			dst := out[c*plane+h*width : c*plane+(h+1)*width]
			copy(dst, src)
		}
	}
	return out, nil
}

// OutputView is a read-only view of one inference result.
type OutputView struct {
	Data      []float32
	Width     int
	Height    int
	Channels  int
	Normalize bool
	Bounds    tensor.Bounds
}

// SingleChannel reports whether the output has exactly one channel.
func (v OutputView) SingleChannel() bool {
	return v.Channels == 1
}

func (v OutputView) sample() tensor.Sample {
	return tensor.Sample{
		Width:         v.Width,
		Height:        v.Height,
		SingleChannel: v.SingleChannel(),
		Normalize:     v.Normalize,
		Bounds:        v.Bounds,
	}
}

// TensorToRow writes scanline y of the output into row over [x, r), clipped
// to the output width, for every channel in cmap.
//
// A y outside the output copies the whole requested span from input.
// Custom channels read the plane their component resolves to (plane 0 in
// single-channel mode) when it exists and are cleared otherwise. In
// single-channel mode red carries the output, green and blue are cleared and
// anything else is copied from input. In multi-channel mode a standard
// channel reads its plane when the output has it and is copied from input
// otherwise.
func TensorToRow(out OutputView, y, x, r int, cmap ChannelMap, row, input *Row) {
	if y < 0 || y >= out.Height {
		row.Copy(input, cmap.Channels(), x, r)
		return
	}

	endX := min(r, out.Width)
	s := out.sample()
	single := out.SingleChannel()

	fill := func(c Channel, plane int) {
		for i := x; i < endX; i++ {
			row.Set(c, i, tensor.ValueAt(out.Data, i, y, plane, s))
		}
	}

	for _, m := range cmap {
		switch {
		case m.Custom():
			if m.Plane >= 0 && m.Plane < out.Channels {
				plane := m.Plane
				if single {
					plane = 0
				}
				fill(m.Channel, plane)
			} else {
				row.ClearChannel(m.Channel, x, endX)
			}
		case single:
			switch m.Channel {
			case Red:
				fill(m.Channel, 0)
			case Green, Blue:
				row.ClearChannel(m.Channel, x, endX)
			default:
				row.CopyChannel(input, m.Channel, x, endX)
			}
		default:
			if m.Plane < out.Channels {
				fill(m.Channel, m.Plane)
			} else {
				row.CopyChannel(input, m.Channel, x, endX)
			}
		}
	}
}
