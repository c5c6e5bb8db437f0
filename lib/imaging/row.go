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

import "image"

// Row holds per-channel samples for the span [X, R) of one scanline.
type Row struct {
	X, R int
	bufs map[Channel][]float32
}

// NewRow returns an empty row for [x, r).
func NewRow(x, r int) *Row {
	if r < x {
		r = x
	}
	return &Row{X: x, R: r, bufs: make(map[Channel][]float32)}
}

// Len returns the span width.
func (row *Row) Len() int {
	return row.R - row.X
}

// Get returns the buffer for c, or nil when the row has no data for it.
// Index 0 corresponds to x == row.X.
func (row *Row) Get(c Channel) []float32 {
	return row.bufs[c]
}

// Writable returns the buffer for c, allocating a zeroed one when needed.
func (row *Row) Writable(c Channel) []float32 {
	buf, ok := row.bufs[c]
	if !ok {
		buf = make([]float32, row.Len())
		row.bufs[c] = buf
	}
	return buf
}

// At returns the sample of c at absolute x, or 0 when absent.
func (row *Row) At(c Channel, x int) float32 {
	buf := row.bufs[c]
	i := x - row.X
	if buf == nil || i < 0 || i >= len(buf) {
		return 0
	}
	return buf[i]
}

// Set writes the sample of c at absolute x. Writes outside the span are
// ignored.
func (row *Row) Set(c Channel, x int, v float32) {
	i := x - row.X
	if i < 0 || i >= row.Len() {
		return
	}
	row.Writable(c)[i] = v
}

// Erase zeroes the given channels over the whole span.
func (row *Row) Erase(channels ChannelSet) {
	for _, c := range channels {
		clear(row.Writable(c))
	}
}

// Copy copies channels over [x, r) from src. Channels src has no data for
// are zeroed.
func (row *Row) Copy(src *Row, channels ChannelSet, x, r int) {
	for _, c := range channels {
		row.CopyChannel(src, c, x, r)
	}
}

// CopyChannel copies one channel over [x, r) from src, zeroing it when src
// has no data for it.
func (row *Row) CopyChannel(src *Row, c Channel, x, r int) {
	x = max(x, row.X)
	r = min(r, row.R)
	for i := x; i < r; i++ {
		var v float32
		if src != nil {
			v = src.At(c, i)
		}
		row.Set(c, i, v)
	}
}

// ClearChannel zeroes one channel over [x, r).
func (row *Row) ClearChannel(c Channel, x, r int) {
	x = max(x, row.X)
	r = min(r, row.R)
	for i := x; i < r; i++ {
		row.Set(c, i, 0)
	}
}

// Source is a pull-based image: rows are produced on demand, possibly from
// several goroutines at once.
type Source interface {
	// Bounds returns the image format rectangle.
	Bounds() image.Rectangle
	// ReadRow fills channels of row over [x, r) for scanline y. Samples
	// outside the image or of channels the source lacks read as 0.
	ReadRow(y, x, r int, channels ChannelSet, row *Row)
}

// Region is a fully materialized rectangle of an image.
type Region interface {
	Bounds() image.Rectangle
	// Has reports whether the region carries data for c.
	Has(c Channel) bool
	// Row returns the samples of c on scanline y starting at Bounds().Min.X,
	// or nil when y is outside the region or c is missing.
	Row(c Channel, y int) []float32
}
