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

import "go.uber.org/zap"

// Sink receives diagnostic text meant for the user of the host
// application, as opposed to the operator's own logs.
type Sink interface {
	Error(msg string)
	Warning(msg string)
	Message(msg string)
}

// ZapSink writes diagnostics to a zap logger.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink returns a sink logging to logger, which may be nil.
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger}
}

func (s *ZapSink) Error(msg string) {
	s.logger.Error(msg)
}

func (s *ZapSink) Warning(msg string) {
	s.logger.Warn(msg)
}

func (s *ZapSink) Message(msg string) {
	s.logger.Info(msg)
}
