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
	"sync"
	"sync/atomic"

	"github.com/antflydb/onnxop/lib/errdefs"
	"github.com/antflydb/onnxop/lib/imaging"
	"github.com/antflydb/onnxop/lib/inference"
	"github.com/antflydb/onnxop/lib/tensor"
)

// Output is the result of one cache fill. It is never modified after the
// fill returns, so any number of row fetches may read it concurrently.
type Output struct {
	Data     []float32
	Geometry inference.Geometry

	// Normalized reports whether rows are rescaled with Bounds.
	Normalized bool
	Bounds     tensor.Bounds
}

// View returns the output as seen by the row adapter.
func (o *Output) View() imaging.OutputView {
	return imaging.OutputView{
		Data:      o.Data,
		Width:     o.Geometry.Width,
		Height:    o.Geometry.Height,
		Channels:  o.Geometry.Channels,
		Normalize: o.Normalized,
		Bounds:    o.Bounds,
	}
}

type cacheEntry struct {
	out *Output
	err error
}

// ProcessedCache holds the output of the current recompute cycle. The first
// GetOrCompute after an Invalidate runs the fill function; every other
// caller in the cycle waits for it and shares its result, including a
// failure.
type ProcessedCache struct {
	mu    sync.Mutex
	entry atomic.Pointer[cacheEntry]

	onError func(error)
}

// NewProcessedCache returns an invalid cache. onError, if set, is called
// once for every failed fill.
func NewProcessedCache(onError func(error)) *ProcessedCache {
	return &ProcessedCache{onError: onError}
}

// GetOrCompute returns the output of the current cycle, running fill when
// the cache is invalid. A panic in fill is recovered and reported as a
// failed fill.
func (c *ProcessedCache) GetOrCompute(fill func() (*Output, error)) (*Output, error) {
	if e := c.entry.Load(); e != nil {
		return e.out, e.err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.entry.Load(); e != nil {
		return e.out, e.err
	}

	out, err := safeFill(fill)
	if err == nil && out == nil {
		err = errdefs.Inference("processing produced no output")
	}
	if err != nil {
		out = nil
		RecordCacheFill("failed")
		if c.onError != nil {
			c.onError(err)
		}
	} else {
		RecordCacheFill("ok")
	}

	c.entry.Store(&cacheEntry{out: out, err: err})
	return out, err
}

func safeFill(fill func() (*Output, error)) (out *Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("unexpected error during processing: %v", r)
		}
	}()
	return fill()
}

// Invalidate starts a new cycle. It waits for a fill in progress.
func (c *ProcessedCache) Invalidate() {
	c.mu.Lock()
	c.entry.Store(nil)
	c.mu.Unlock()
}

// Valid reports whether the current cycle has been filled, successfully or
// not.
func (c *ProcessedCache) Valid() bool {
	return c.entry.Load() != nil
}

// Succeeded reports whether the current cycle holds an output.
func (c *ProcessedCache) Succeeded() bool {
	e := c.entry.Load()
	return e != nil && e.err == nil
}

// Peek returns the output of the current cycle without filling it.
func (c *ProcessedCache) Peek() (*Output, bool) {
	e := c.entry.Load()
	if e == nil || e.err != nil {
		return nil, false
	}
	return e.out, true
}
