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

// Package imaging models the host's row-oriented image data and converts
// between image regions and NCHW float tensors.
//
// Images are planar: every channel is a separate float32 plane holding raw
// linear values. Rows cover the half-open span [X, R) and are indexed with
// absolute x coordinates through Row.At and Row.Set.
package imaging

import "strings"

// Channel names an image channel as "layer.component", e.g. "rgba.red" or
// "depth.z".
type Channel string

// Standard semantic channels.
const (
	Red   Channel = "rgba.red"
	Green Channel = "rgba.green"
	Blue  Channel = "rgba.blue"
	Alpha Channel = "rgba.alpha"
)

// standardChannels maps tensor plane index to semantic channel.
var standardChannels = [4]Channel{Red, Green, Blue, Alpha}

// StandardChannel returns the semantic channel for tensor plane i (0=red,
// 1=green, 2=blue, 3=alpha).
func StandardChannel(i int) (Channel, bool) {
	if i < 0 || i >= len(standardChannels) {
		return "", false
	}
	return standardChannels[i], true
}

// IsStandard reports whether c is one of red, green, blue or alpha.
func (c Channel) IsStandard() bool {
	return c == Red || c == Green || c == Blue || c == Alpha
}

// Layer returns the part before the last dot, or "" when there is none.
func (c Channel) Layer() string {
	if i := strings.LastIndexByte(string(c), '.'); i >= 0 {
		return string(c[:i])
	}
	return ""
}

// Component returns the part after the last dot, or "" when there is none.
func (c Channel) Component() string {
	if i := strings.LastIndexByte(string(c), '.'); i >= 0 {
		return string(c[i+1:])
	}
	return ""
}

// componentSynonyms resolves a channel's trailing component to a plane index.
var componentSynonyms = map[string]int{
	"red": 0, "r": 0, "x": 0,
	"green": 1, "g": 1, "y": 1,
	"blue": 2, "b": 2, "z": 2,
	"alpha": 3, "a": 3, "w": 3,
}

// ComponentIndex resolves c by its trailing component: red/r/x to 0,
// green/g/y to 1, blue/b/z to 2 and alpha/a/w to 3. Unknown components and
// names without a dot return -1.
func ComponentIndex(c Channel) int {
	comp := c.Component()
	if comp == "" {
		return -1
	}
	if i, ok := componentSynonyms[comp]; ok {
		return i
	}
	return -1
}

// ChannelSet is an ordered set of channels.
type ChannelSet []Channel

var (
	RGB  = ChannelSet{Red, Green, Blue}
	RGBA = ChannelSet{Red, Green, Blue, Alpha}
)

// NewChannelSet returns the channels in order with duplicates removed.
func NewChannelSet(channels ...Channel) ChannelSet {
	out := make(ChannelSet, 0, len(channels))
	for _, c := range channels {
		if !out.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Has reports whether c is in the set.
func (s ChannelSet) Has(c Channel) bool {
	for _, x := range s {
		if x == c {
			return true
		}
	}
	return false
}

// String joins the channel names with commas.
func (s ChannelSet) String() string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = string(c)
	}
	return strings.Join(names, ",")
}

// Union returns s followed by the channels of o not already in s.
func (s ChannelSet) Union(o ChannelSet) ChannelSet {
	return NewChannelSet(append(append(ChannelSet(nil), s...), o...)...)
}

// ParseChannelSet parses a comma separated channel list. The shorthands
// "rgb" and "rgba" expand to the standard channels, and a bare component
// such as "red" refers to the rgba layer.
func ParseChannelSet(spec string) ChannelSet {
	var out ChannelSet
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		switch strings.ToLower(part) {
		case "":
			continue
		case "rgb":
			out = out.Union(RGB)
		case "rgba":
			out = out.Union(RGBA)
		default:
			c := Channel(part)
			if !strings.Contains(part, ".") {
				c = Channel("rgba." + part)
			}
			out = out.Union(ChannelSet{c})
		}
	}
	return out
}

// planeSource says how an output channel is produced from the tensor.
type planeSource int

const (
	// A standard channel mapped by fixed index.
	planeStandard planeSource = iota
	// A custom channel mapped by component synonym.
	planeCustom
)

// ChannelMapping is the resolved plane for one requested channel.
type ChannelMapping struct {
	Channel Channel
	// Plane is the tensor plane index, or -1 when the channel has none.
	Plane  int
	source planeSource
}

// Custom reports whether the channel is not one of the standard four.
func (m ChannelMapping) Custom() bool {
	return m.source == planeCustom
}

// ChannelMap resolves requested output channels to tensor planes. It is
// built once per channel set and reused for every row.
type ChannelMap []ChannelMapping

// NewChannelMap resolves each channel: standard channels by their fixed
// index, custom channels through ComponentIndex.
func NewChannelMap(channels ChannelSet) ChannelMap {
	m := make(ChannelMap, len(channels))
	for i, c := range channels {
		if c.IsStandard() {
			plane := 0
			for j, s := range standardChannels {
				if s == c {
					plane = j
				}
			}
			m[i] = ChannelMapping{Channel: c, Plane: plane, source: planeStandard}
			continue
		}
		m[i] = ChannelMapping{Channel: c, Plane: ComponentIndex(c), source: planeCustom}
	}
	return m
}

// Channels returns the channels of the map in order.
func (m ChannelMap) Channels() ChannelSet {
	out := make(ChannelSet, len(m))
	for i, e := range m {
		out[i] = e.Channel
	}
	return out
}
