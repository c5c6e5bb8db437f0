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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/antflydb/onnxop"
	"github.com/antflydb/onnxop/lib/imaging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a model over one or more input images",
	Long: `Run an ONNX model over image files and write the result.

The first --input is the primary image: it sets the output size and supplies
the channels the model does not produce. Further inputs are bound to the
model's extra inputs in order.

Examples:
  # Depth estimation, normalized to [0, 1]
  onnxop run --model depth.onnx --input photo.png --output depth.png --normalize

  # Two input model
  onnxop run --model blend.onnx --input a.png --input b.png --output out.tiff

  # Print the model and node configuration after processing
  onnxop run --model depth.onnx --input photo.png --output out.png --info`,
	RunE: runModel,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("model", "", "path to the .onnx model")
	runCmd.Flags().StringArray("input", nil, "input image (repeatable, first is primary)")
	runCmd.Flags().String("output", "", "output image path; the extension picks the format (png, jpeg, tiff, bmp)")
	runCmd.Flags().String("channels", "rgba", "channels to produce")
	runCmd.Flags().Bool("normalize", false, "rescale the output into [0, 1]")
	runCmd.Flags().Bool("use-gpu", false, "request GPU execution (runs on CPU with a warning)")
	runCmd.Flags().Int("workers", 0, "row workers (0 = GOMAXPROCS)")
	runCmd.Flags().Int("max-inputs", onnxop.DefaultMaxInputs, "maximum number of inputs")
	runCmd.Flags().Duration("result-cache-ttl", 0, "keep inference results for unchanged inputs (0 disables)")
	runCmd.Flags().Int("health-port", 0, "health/metrics server port (0 disables)")
	runCmd.Flags().Bool("info", false, "print model information after processing")

	mustBindPFlag("model", runCmd.Flags().Lookup("model"))
	mustBindPFlag("normalize", runCmd.Flags().Lookup("normalize"))
	mustBindPFlag("use_gpu", runCmd.Flags().Lookup("use-gpu"))
	mustBindPFlag("max_inputs", runCmd.Flags().Lookup("max-inputs"))
	mustBindPFlag("result_cache_ttl", runCmd.Flags().Lookup("result-cache-ttl"))
	mustBindPFlag("workers", runCmd.Flags().Lookup("workers"))
	mustBindPFlag("health_port", runCmd.Flags().Lookup("health-port"))
}

func runModel(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	inputs, _ := cmd.Flags().GetStringArray("input")
	output, _ := cmd.Flags().GetString("output")
	channelSpec, _ := cmd.Flags().GetString("channels")
	showInfo, _ := cmd.Flags().GetBool("info")
	if len(inputs) == 0 {
		return errors.New("at least one --input is required")
	}
	if output == "" {
		return errors.New("--output is required")
	}
	channels := imaging.ParseChannelSet(channelSpec)
	if len(channels) == 0 {
		return fmt.Errorf("no channels in %q", channelSpec)
	}

	cfg := onnxop.DefaultConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if len(inputs) > cfg.MaxInputs {
		return fmt.Errorf("%d inputs given, at most %d allowed", len(inputs), cfg.MaxInputs)
	}

	if cfg.ResultCacheTTL <= 0 {
		// Lets the second pass of renderOutput reuse the model output.
		cfg.ResultCacheTTL = time.Minute
	}

	ready := &atomic.Bool{}
	if port := viper.GetInt("health_port"); port > 0 {
		healthserver.Start(logger, port, ready.Load)
	}

	images, err := decodeInputs(ctx, inputs)
	if err != nil {
		return err
	}

	op, err := onnxop.New(cfg, nil, logger, onnxop.WithAbortCheck(func() bool {
		return ctx.Err() != nil
	}))
	if err != nil {
		return err
	}
	defer func() {
		_ = op.Close()
	}()

	for i, img := range images {
		if err := op.SetInput(i, img); err != nil {
			return err
		}
	}
	if err := op.Validate(); err != nil {
		return err
	}
	op.Open()
	ready.Store(true)

	start := time.Now()
	result, err := renderOutput(ctx, op, channels, viper.GetInt("workers"))
	if err != nil {
		return err
	}
	if err := imaging.EncodeFile(output, result); err != nil {
		return err
	}
	logger.Info("Wrote output",
		zap.String("path", output),
		zap.Stringer("bounds", result.Bounds()),
		zap.Stringer("channels", channels),
		zap.Duration("elapsed", time.Since(start)))

	if showInfo {
		fmt.Fprint(os.Stdout, op.ModelInfo())
	}
	return nil
}

// renderOutput renders op and renders it again when the first model run
// reveals an output size other than the one validated up front.
func renderOutput(ctx context.Context, op *onnxop.Operator, channels imaging.ChannelSet, workers int) (*imaging.Image, error) {
	result, err := imaging.Render(ctx, op, channels, workers)
	if err != nil {
		return nil, fmt.Errorf("rendering: %w", err)
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if op.Bounds() == result.Bounds() {
		return result, nil
	}
	op.Open()
	if result, err = imaging.Render(ctx, op, channels, workers); err != nil {
		return nil, fmt.Errorf("rendering: %w", err)
	}
	return result, nil
}

// decodeInputs reads every input image concurrently, keeping their order.
func decodeInputs(ctx context.Context, paths []string) ([]*imaging.Image, error) {
	images := make([]*imaging.Image, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := imaging.DecodeFile(path)
			if err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}
