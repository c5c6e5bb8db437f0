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

// Package onnxop is a pull-based image operator that runs a neural network
// over its inputs once per recompute cycle and serves the result row by row.
package onnxop

import "time"

const (
	// DefaultMaxInputs is the most image inputs an operator accepts.
	DefaultMaxInputs = 10

	// DefaultInputChannels is the channel count fed to the model: RGB.
	DefaultInputChannels = 3
)

// Config is the persistent configuration of an operator.
type Config struct {
	// ModelPath is the model file to load. Empty means pass-through.
	ModelPath string `json:"model_path,omitempty" mapstructure:"model"`

	// Normalize rescales every output sample into [0, 1] using the min and
	// max of the output.
	Normalize bool `json:"normalize,omitempty" mapstructure:"normalize"`

	// UseGPU is accepted for compatibility. GPU execution is disabled, so a
	// warning is logged and the model runs on CPU.
	UseGPU bool `json:"use_gpu,omitempty" mapstructure:"use_gpu"`

	// Backend selects the inference backend ("onnx" or "go"). Empty picks
	// the highest priority available one.
	Backend string `json:"backend,omitempty" mapstructure:"backend"`

	// ResultCacheTTL keeps raw inference results across recompute cycles
	// when the inputs did not change. Zero disables it.
	ResultCacheTTL time.Duration `json:"result_cache_ttl,omitempty" mapstructure:"result_cache_ttl"`

	// MaxInputs bounds the number of connected inputs. Zero means
	// DefaultMaxInputs.
	MaxInputs int `json:"max_inputs,omitempty" mapstructure:"max_inputs"`
}

// DefaultConfig returns a config without a model.
func DefaultConfig() Config {
	return Config{MaxInputs: DefaultMaxInputs}
}

func (c Config) withDefaults() Config {
	if c.MaxInputs <= 0 {
		c.MaxInputs = DefaultMaxInputs
	}
	return c
}
