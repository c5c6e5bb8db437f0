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

package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFactory struct{ typ BackendType }

func (f stubFactory) CreateSession(string, ...SessionOption) (Session, error) { return nil, nil }
func (f stubFactory) Backend() BackendType                                   { return f.typ }

type stubBackend struct {
	typ       BackendType
	available bool
	priority  int
}

func (b *stubBackend) Type() BackendType              { return b.typ }
func (b *stubBackend) Name() string                   { return "stub " + string(b.typ) }
func (b *stubBackend) Available() bool                { return b.available }
func (b *stubBackend) Priority() int                  { return b.priority }
func (b *stubBackend) SessionFactory() SessionFactory { return stubFactory{b.typ} }

// withRegistry swaps the global registry for the duration of a test.
func withRegistry(t *testing.T, backends ...Backend) {
	t.Helper()
	registryMu.Lock()
	saved, savedOrder := registry, order
	registry, order = map[BackendType]Backend{}, nil
	registryMu.Unlock()

	for _, b := range backends {
		RegisterBackend(b)
	}

	t.Cleanup(func() {
		registryMu.Lock()
		registry, order = saved, savedOrder
		registryMu.Unlock()
	})
}

func TestParseBackendType(t *testing.T) {
	tests := []struct {
		in      string
		want    BackendType
		wantErr bool
	}{
		{"onnx", BackendONNX, false},
		{"ORT", BackendONNX, false},
		{"go", BackendGo, false},
		{"GoMLX", BackendGo, false},
		{"xla", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBackendType(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	order, err := ParseBackendPriority([]string{"go", "onnx"})
	require.NoError(t, err)
	assert.Equal(t, []BackendType{BackendGo, BackendONNX}, order)

	_, err = ParseBackendPriority([]string{"go", "tpu"})
	require.Error(t, err)
}

func TestSelectFollowsPriority(t *testing.T) {
	onnx := &stubBackend{typ: BackendONNX, available: true, priority: 10}
	goB := &stubBackend{typ: BackendGo, available: true, priority: 100}
	withRegistry(t, goB, onnx)

	b, err := Select()
	require.NoError(t, err)
	assert.Same(t, onnx, b)

	b, err = Select(BackendGo)
	require.NoError(t, err)
	assert.Same(t, goB, b)

	SetPriority([]BackendType{BackendGo})
	b, err = Select()
	require.NoError(t, err)
	assert.Same(t, goB, b)
}

func TestSelectFallsBack(t *testing.T) {
	onnx := &stubBackend{typ: BackendONNX, available: false, priority: 10}
	goB := &stubBackend{typ: BackendGo, available: true, priority: 100}
	withRegistry(t, onnx, goB)

	b, err := Select(BackendONNX)
	require.NoError(t, err)
	assert.Same(t, goB, b)

	f, err := NewSessionFactory("onnx, go")
	require.NoError(t, err)
	assert.Equal(t, BackendGo, f.Backend())

	_, err = NewSessionFactory("nope")
	require.Error(t, err)
}

func TestNoBackendsAvailable(t *testing.T) {
	withRegistry(t, &stubBackend{typ: BackendONNX, available: false})

	_, err := Select()
	require.Error(t, err)
	_, err = NewSessionFactory("onnx")
	require.Error(t, err)

	_, ok := GetBackend(BackendGo)
	assert.False(t, ok)
}

func TestResolveOutputNames(t *testing.T) {
	info := []TensorInfo{{Name: "out"}, {Name: "aux"}}
	assert.Equal(t, []string{"out", "aux"}, resolveOutputNames(nil, info))
	assert.Equal(t, []string{"aux"}, resolveOutputNames([]string{"aux"}, info))
}

func TestSessionOptions(t *testing.T) {
	cfg := ApplySessionOptions(WithSessionThreads(4), WithSessionGPU(true))
	assert.Equal(t, 4, cfg.NumThreads)
	assert.True(t, cfg.UseGPU)
	assert.Zero(t, ApplySessionOptions().NumThreads)
}

func TestShapeClone(t *testing.T) {
	s := Shape{1, 3, -1, -1}
	c := s.Clone()
	c[2] = 32
	assert.Equal(t, int64(-1), s[2])
	assert.Nil(t, Shape(nil).Clone())

	assert.True(t, ModelMetadata{}.IsZero())
	assert.False(t, ModelMetadata{Producer: "pytorch"}.IsZero())
}

func TestFlattenFloat32(t *testing.T) {
	assert.Equal(t, []float32{1, 2, 3, 4}, flattenFloat32([][][][]float32{{{{1, 2}}, {{3, 4}}}}))
	assert.Equal(t, []float32{5}, flattenFloat32(float32(5)))
	assert.Nil(t, flattenFloat32("nope"))
	assert.Equal(t, []int64{1, -1, 4}, dynamicDims([]int{1, -7, 4}))
}
