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

// Command onnxop runs ONNX image models over image files.
//
// Usage:
//
//	onnxop run --model m.onnx --input in.png --output out.png
//	onnxop info --model m.onnx      # Show model inputs and outputs
//	onnxop pull hf:<owner>/<repo>   # Download a model from HuggingFace
//	onnxop list                     # List local models
package main

import (
	"runtime"

	"github.com/antflydb/onnxop/cmd/onnxop/cmd"
)

// https://goreleaser.com/cookbooks/using-main.version/
//
// main.version: Current Git tag (the v prefix is stripped) or the name of the snapshot
var version = "dev"

func main() {
	runtime.SetMutexProfileFraction(1)
	runtime.SetBlockProfileRate(1)
	cmd.Version = version
	cmd.Execute()
}
