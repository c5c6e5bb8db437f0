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
	"context"
	"encoding/binary"
	"math"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/antflydb/onnxop/lib/inference"
	"github.com/antflydb/onnxop/lib/model"
)

// DefaultResultCacheTTL is the default TTL for memoized inference results
const DefaultResultCacheTTL = 2 * time.Minute

// inferenceResult is a raw model output and the geometry derived from it.
type inferenceResult struct {
	Data     []float32
	Geometry inference.Geometry
}

// ResultCache memoizes model outputs by model and input content so a
// recompute cycle with unchanged inputs skips the model run. One cache may
// be shared by several operators; concurrent identical runs are collapsed.
type ResultCache struct {
	cache   *ttlcache.Cache[string, *inferenceResult]
	sfGroup *singleflight.Group
	logger  *zap.Logger
	cancel  context.CancelFunc

	// Metrics
	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewResultCache creates a result cache. A non-positive ttl uses
// DefaultResultCacheTTL.
func NewResultCache(ttl time.Duration, logger *zap.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultResultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, *inferenceResult](ttl),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	rc := &ResultCache{
		cache:   cache,
		sfGroup: &singleflight.Group{},
		logger:  logger,
		cancel:  cancel,
	}

	// Log cache stats periodically
	go rc.logStats(ctx)

	return rc
}

// do returns the result stored under key, computing and storing it when
// absent.
func (c *ResultCache) do(key string, compute func() (*inferenceResult, error)) (*inferenceResult, error) {
	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("result")
		c.logger.Debug("Inference result cache hit",
			zap.Int("values", len(item.Value().Data)))
		return item.Value(), nil
	}

	// Use singleflight to deduplicate concurrent identical runs
	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss("result")

		res, err := compute()
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, res, ttlcache.DefaultTTL)
		return res, nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		c.sfHits.Add(1)
		c.logger.Debug("Singleflight hit for inference run")
	}

	return result.(*inferenceResult), nil
}

// resultKey hashes the model identity and every valid input slot. The file
// stamp keeps operators sharing a cache apart when the file at path changes.
func resultKey(path string, stamp model.FileStamp, generation uint64, inputs []inference.InputTensor) string {
	h := xxhash.New()

	_, _ = h.WriteString(path)
	_, _ = h.WriteString("|")

	var buf [4096]byte
	b := binary.BigEndian.AppendUint64(buf[:0], generation)
	b = binary.BigEndian.AppendUint64(b, uint64(stamp.Size))
	b = binary.BigEndian.AppendUint64(b, uint64(stamp.ModTime.UnixNano()))
	flush := func() {
		_, _ = h.Write(b)
		b = buf[:0]
	}
	for i, in := range inputs {
		if !in.Valid {
			continue
		}
		b = binary.BigEndian.AppendUint32(b, uint32(i))
		b = append(b, in.Name...)
		b = append(b, '|')
		for _, d := range in.Shape {
			b = binary.BigEndian.AppendUint64(b, uint64(d))
		}
		for _, v := range in.Data {
			if len(b)+4 > len(buf) {
				flush()
			}
			b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
		}
		b = append(b, '|', '|')
	}
	flush()

	var key [8]byte
	binary.BigEndian.PutUint64(key[:], h.Sum64())
	return string(key[:])
}

// Close stops the cache
func (c *ResultCache) Close() {
	c.cancel()
	c.cache.Stop()
}

// logStats logs cache statistics periodically
func (c *ResultCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := c.cache.Metrics()
			if metrics.Hits > 0 || metrics.Misses > 0 {
				total := metrics.Hits + metrics.Misses
				hitRate := float64(metrics.Hits) / float64(total) * 100
				c.logger.Info("Inference result cache stats",
					zap.Uint64("hits", metrics.Hits),
					zap.Uint64("misses", metrics.Misses),
					zap.Float64("hit_rate_pct", hitRate),
					zap.Int("items", c.cache.Len()))
			}
		}
	}
}

// Stats returns cache statistics
func (c *ResultCache) Stats() ResultCacheStats {
	return ResultCacheStats{
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
		Items:            c.cache.Len(),
	}
}

// ResultCacheStats holds result cache statistics
type ResultCacheStats struct {
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
	Items            int    `json:"items"`
}
