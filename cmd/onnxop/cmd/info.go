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
	"errors"
	"fmt"
	"os"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/antflydb/onnxop/lib/backends"
	"github.com/antflydb/onnxop/lib/model"
	"github.com/bytedance/sonic/encoder"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var infoCmd = &cobra.Command{
	Use:   "info --model <path>",
	Short: "Show a model's inputs, outputs and metadata",
	Long: `Load an ONNX model and print its input and output tensors.

Examples:
  onnxop info --model depth.onnx
  onnxop info --model depth.onnx --json`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().String("model", "", "path to the .onnx model")
	infoCmd.Flags().Bool("json", false, "print as JSON")
}

func runInfo(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("model")
	asJSON, _ := cmd.Flags().GetBool("json")
	if path == "" {
		return errors.New("--model is required")
	}

	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	factory, err := backends.NewSessionFactory(viper.GetString("backend"))
	if err != nil {
		return err
	}
	handle := model.NewHandle(factory, logger)
	if err := handle.Load(path, false); err != nil {
		return err
	}
	defer handle.Unload()

	if asJSON {
		return encoder.NewStreamEncoder(os.Stdout).Encode(handle.Info())
	}
	fmt.Fprint(os.Stdout, handle.InfoString())
	return nil
}
