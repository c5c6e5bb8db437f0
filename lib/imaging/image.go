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
	"image"
	"image/color"
)

// Image is an in-memory planar float image. It is both a Source and a
// Region. Concurrent reads are safe; writes must not overlap reads.
type Image struct {
	rect     image.Rectangle
	channels ChannelSet
	planes   map[Channel][]float32
}

// NewImage returns a zeroed image covering rect with the given channels.
func NewImage(rect image.Rectangle, channels ChannelSet) *Image {
	rect = rect.Canon()
	img := &Image{
		rect:     rect,
		channels: NewChannelSet(channels...),
		planes:   make(map[Channel][]float32, len(channels)),
	}
	for _, c := range img.channels {
		img.planes[c] = make([]float32, rect.Dx()*rect.Dy())
	}
	return img
}

func (img *Image) Bounds() image.Rectangle {
	return img.rect
}

// Channels returns the channels the image carries.
func (img *Image) Channels() ChannelSet {
	return img.channels
}

func (img *Image) Has(c Channel) bool {
	_, ok := img.planes[c]
	return ok
}

func (img *Image) offset(x, y int) (int, bool) {
	if !(image.Point{X: x, Y: y}).In(img.rect) {
		return 0, false
	}
	return (y-img.rect.Min.Y)*img.rect.Dx() + (x - img.rect.Min.X), true
}

// At returns the sample of c at (x, y), or 0 outside the image.
func (img *Image) At(c Channel, x, y int) float32 {
	plane, ok := img.planes[c]
	if !ok {
		return 0
	}
	i, ok := img.offset(x, y)
	if !ok {
		return 0
	}
	return plane[i]
}

// Set writes the sample of c at (x, y). Writes outside the image or to a
// channel the image lacks are ignored.
func (img *Image) Set(c Channel, x, y int, v float32) {
	plane, ok := img.planes[c]
	if !ok {
		return
	}
	if i, ok := img.offset(x, y); ok {
		plane[i] = v
	}
}

func (img *Image) Row(c Channel, y int) []float32 {
	plane, ok := img.planes[c]
	if !ok || y < img.rect.Min.Y || y >= img.rect.Max.Y {
		return nil
	}
	start := (y - img.rect.Min.Y) * img.rect.Dx()
	return plane[start : start+img.rect.Dx()]
}

func (img *Image) ReadRow(y, x, r int, channels ChannelSet, row *Row) {
	for _, c := range channels {
		src := img.Row(c, y)
		for i := max(x, row.X); i < min(r, row.R); i++ {
			var v float32
			if src != nil && i >= img.rect.Min.X && i < img.rect.Max.X {
				v = src[i-img.rect.Min.X]
			}
			row.Set(c, i, v)
		}
	}
}

// WriteRow stores the given channels of row at scanline y.
func (img *Image) WriteRow(y int, channels ChannelSet, row *Row) {
	for _, c := range channels {
		for x := row.X; x < row.R; x++ {
			img.Set(c, x, y, row.At(c, x))
		}
	}
}

// Tile materializes the whole format rectangle of src for the given
// channels.
func Tile(src Source, channels ChannelSet) *Image {
	b := src.Bounds()
	img := NewImage(b, channels)
	row := NewRow(b.Min.X, b.Max.X)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		src.ReadRow(y, b.Min.X, b.Max.X, img.channels, row)
		img.WriteRow(y, img.channels, row)
	}
	return img
}

// FromImage converts a decoded image to RGBA float planes in [0, 1]. Values
// are the stored samples scaled from 16 bits; no color space conversion is
// applied.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	img := NewImage(image.Rect(0, 0, b.Dx(), b.Dy()), RGBA)
	red, green, blue, alpha := img.planes[Red], img.planes[Green], img.planes[Blue], img.planes[Alpha]
	w := b.Dx()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA64Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
			i := y*w + x
			red[i] = float32(c.R) / 0xffff
			green[i] = float32(c.G) / 0xffff
			blue[i] = float32(c.B) / 0xffff
			alpha[i] = float32(c.A) / 0xffff
		}
	}
	return img
}

// ToNRGBA64 renders the standard channels clamped to [0, 1]. A missing alpha
// channel renders opaque; other missing channels render black.
func (img *Image) ToNRGBA64() *image.NRGBA64 {
	b := img.rect
	out := image.NewNRGBA64(image.Rect(0, 0, b.Dx(), b.Dy()))
	hasAlpha := img.Has(Alpha)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			a := uint16(0xffff)
			if hasAlpha {
				a = to16(img.At(Alpha, x, y))
			}
			out.SetNRGBA64(x-b.Min.X, y-b.Min.Y, color.NRGBA64{
				R: to16(img.At(Red, x, y)),
				G: to16(img.At(Green, x, y)),
				B: to16(img.At(Blue, x, y)),
				A: a,
			})
		}
	}
	return out
}

func to16(v float32) uint16 {
	if !(v > 0) {
		return 0
	}
	if v >= 1 {
		return 0xffff
	}
	return uint16(v*0xffff + 0.5)
}
