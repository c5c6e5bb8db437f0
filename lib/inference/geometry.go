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

package inference

// Geometry is the image layout of a model output.
type Geometry struct {
	Width    int `json:"width"`
	Height   int `json:"height"`
	Channels int `json:"channels"`
}

// SingleChannel reports whether the output has exactly one channel.
func (g Geometry) SingleChannel() bool {
	return g.Channels == 1
}

// IsZero reports whether no geometry has been derived yet.
func (g Geometry) IsZero() bool {
	return g == Geometry{}
}

// GeometryFromShape interprets an output tensor shape:
//
//	rank 4: NCHW  channels=dim[1] height=dim[2] width=dim[3]
//	rank 3: CHW   channels=dim[0] height=dim[1] width=dim[2]
//	rank 2: HW    channels=1      height=dim[0] width=dim[1]
//
// Other ranks are not interpreted.
func GeometryFromShape(shape []int64) (Geometry, bool) {
	switch len(shape) {
	case 4:
		return Geometry{Channels: int(shape[1]), Height: int(shape[2]), Width: int(shape[3])}, true
	case 3:
		return Geometry{Channels: int(shape[0]), Height: int(shape[1]), Width: int(shape[2])}, true
	case 2:
		return Geometry{Channels: 1, Height: int(shape[0]), Width: int(shape[1])}, true
	default:
		return Geometry{}, false
	}
}
