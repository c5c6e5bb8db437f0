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
	"fmt"
	"os"

	"github.com/antflydb/onnxop/lib/modelregistry"
	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:   "pull <repo-id> [repo-id...]",
	Short: "Pull ONNX model(s) from HuggingFace",
	Long: `Download ONNX models from HuggingFace into the models directory.

Models are saved under <models-dir>/<owner>/<name>/ together with their
external data file, if any. The "hf:" prefix is optional.

Variants:
  (default) - model.onnx
  fp16      - model_fp16.onnx
  q4        - model_q4.onnx
  q4f16     - model_q4f16.onnx
  quantized - model_quantized.onnx

Examples:
  # Pull the default variant
  onnxop pull onnx-community/depth-anything-v2-small

  # Pull the FP16 variant
  onnxop pull --variant fp16 hf:onnx-community/depth-anything-v2-small

  # Pull a specific file
  onnxop pull --file onnx/model.onnx Xenova/modnet

  # Pull a gated model
  onnxop pull --hf-token $HF_TOKEN owner/private-model`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().String("file", "", "repo path of the model file to download")
	pullCmd.Flags().String("variant", "", "ONNX variant (fp16, q4, q4f16, quantized)")
	pullCmd.Flags().String("hf-token", "", "HuggingFace API token for gated models (or use HF_TOKEN env var)")
}

func runPull(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	variant, _ := cmd.Flags().GetString("variant")
	token, _ := cmd.Flags().GetString("hf-token")
	if token == "" {
		token = os.Getenv("HF_TOKEN")
	}

	client := modelregistry.NewHuggingFaceClient(
		modelregistry.WithHFToken(token),
		modelregistry.WithHFProgressHandler(printProgress),
	)

	for _, ref := range args {
		repoID := ref
		if id, isHF := modelregistry.ParseHuggingFaceRef(ref); isHF {
			repoID = id
		}
		fmt.Printf("\n=== Pulling %s ===\n", repoID)

		path, err := client.Pull(cmd.Context(), repoID, modelsDir, modelregistry.PullOptions{
			File:    file,
			Variant: variant,
		})
		if err != nil {
			return fmt.Errorf("failed to pull %s: %w", ref, err)
		}
		fmt.Printf("Saved %s\n", path)
	}
	return nil
}

func printProgress(downloaded, total int64, filename string) {
	if total > 0 {
		fmt.Printf("  %s: %.1f%%\n", filename, float64(downloaded)*100/float64(total))
		return
	}
	fmt.Printf("  %s\n", filename)
}
