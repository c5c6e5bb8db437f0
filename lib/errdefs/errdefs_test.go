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

package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"model load", ModelLoad("file %q not found", "m.onnx"), `Model Load Error: file "m.onnx" not found`},
		{"inference", Inference("Model not loaded"), "Inference Error: Model not loaded"},
		{"configuration", Configuration("no inputs"), "Configuration Error: no inputs"},
		{"preprocess", Preprocess("bad dims"), "Preprocessing Error: bad dims"},
		{"invalid argument", InvalidArgument("index 3"), "Invalid Argument: index 3"},
		{"wrapped", Wrap(KindInference, "Single-input inference failed", errors.New("boom")), "Inference Error: Single-input inference failed: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestSentinelMatching(t *testing.T) {
	err := Configuration("model manager is not set")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.NotErrorIs(t, err, ErrInference)

	wrapped := fmt.Errorf("validate: %w", err)
	assert.ErrorIs(t, wrapped, ErrConfiguration)
	assert.Equal(t, KindConfiguration, KindOf(wrapped))

	cause := errors.New("engine exploded")
	inf := Wrap(KindInference, "run", cause)
	assert.ErrorIs(t, inf, cause)
	assert.ErrorIs(t, inf, ErrInference)
}

func TestWrapNil(t *testing.T) {
	require.NoError(t, Wrap(KindModelLoad, "x", nil))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}
