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
	"text/tabwriter"

	"github.com/antflydb/onnxop/lib/modelregistry"
	"github.com/bytedance/sonic/encoder"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List local ONNX models",
	Long: `List ONNX models under the models directory.

Examples:
  onnxop list
  onnxop list --models-dir /opt/models --json`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().Bool("json", false, "print as JSON")
}

func runList(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	models, err := modelregistry.ListLocalModels(modelsDir)
	if err != nil {
		return err
	}
	if asJSON {
		return encoder.NewStreamEncoder(os.Stdout).Encode(models)
	}
	if len(models) == 0 {
		fmt.Printf("No models in %s\n", modelsDir)
		fmt.Println("Pull one with: onnxop pull <owner>/<repo>")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tPATH")
	for _, m := range models {
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.Name, humanize.Bytes(uint64(m.Size)), m.Path)
	}
	return w.Flush()
}
