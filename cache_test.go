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
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/onnxop/lib/errdefs"
	"github.com/antflydb/onnxop/lib/inference"
)

func TestProcessedCacheFillsOncePerCycle(t *testing.T) {
	c := NewProcessedCache(nil)
	assert.False(t, c.Valid())

	var fills atomic.Int32
	fill := func() (*Output, error) {
		fills.Add(1)
		return &Output{Data: []float32{1, 2}, Geometry: inference.Geometry{Width: 2, Height: 1, Channels: 1}}, nil
	}

	const workers = 16
	var wg sync.WaitGroup
	results := make([]*Output, workers)
	start := make(chan struct{})
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			out, err := c.GetOrCompute(fill)
			assert.NoError(t, err)
			results[i] = out
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), fills.Load())
	for _, out := range results {
		assert.Same(t, results[0], out)
	}
	assert.True(t, c.Valid())
	assert.True(t, c.Succeeded())

	c.Invalidate()
	assert.False(t, c.Valid())
	_, err := c.GetOrCompute(fill)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fills.Load())
}

func TestProcessedCacheSharesFailure(t *testing.T) {
	var reported []error
	c := NewProcessedCache(func(err error) { reported = append(reported, err) })

	boom := errdefs.Inference("boom")
	var fills int
	fill := func() (*Output, error) {
		fills++
		return nil, boom
	}

	for range 3 {
		out, err := c.GetOrCompute(fill)
		assert.Nil(t, out)
		assert.ErrorIs(t, err, errdefs.ErrInference)
	}
	assert.Equal(t, 1, fills)
	assert.Len(t, reported, 1)
	assert.True(t, c.Valid())
	assert.False(t, c.Succeeded())

	_, ok := c.Peek()
	assert.False(t, ok)
}

func TestProcessedCacheRecoversPanic(t *testing.T) {
	var reported []error
	c := NewProcessedCache(func(err error) { reported = append(reported, err) })

	_, err := c.GetOrCompute(func() (*Output, error) {
		panic("tensor exploded")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tensor exploded")
	require.Len(t, reported, 1)

	// The lock was released.
	c.Invalidate()
	out, err := c.GetOrCompute(func() (*Output, error) { return &Output{Data: []float32{1}}, nil })
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, out.Data)
}

func TestProcessedCacheNilOutputIsFailure(t *testing.T) {
	c := NewProcessedCache(nil)
	_, err := c.GetOrCompute(func() (*Output, error) { return nil, nil })
	assert.ErrorIs(t, err, errdefs.ErrInference)
	assert.False(t, errors.Is(err, errdefs.ErrConfiguration))
}
