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
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Render pulls every row of src from workers concurrent goroutines and
// returns the materialized image. A non-positive workers uses GOMAXPROCS.
func Render(ctx context.Context, src Source, channels ChannelSet, workers int) (*Image, error) {
	b := src.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("source has an empty format %v", b)
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	img := NewImage(b, channels)
	rows := make(chan int)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(rows)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			select {
			case rows <- y:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for range workers {
		g.Go(func() error {
			row := NewRow(b.Min.X, b.Max.X)
			for y := range rows {
				src.ReadRow(y, b.Min.X, b.Max.X, img.channels, row)
				img.WriteRow(y, img.channels, row)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return img, nil
}
