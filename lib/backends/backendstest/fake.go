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

// Package backendstest provides an in-memory backends.Session for tests that
// exercise the model handle and operator without a real inference engine.
package backendstest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/antflydb/onnxop/lib/backends"
)

// RunFunc computes outputs for a Run call.
type RunFunc func(inputs []backends.NamedTensor, outputNames []string) ([]backends.NamedTensor, error)

// Session is a scripted backends.Session.
type Session struct {
	Inputs  []backends.TensorInfo
	Outputs []backends.TensorInfo
	Meta    backends.ModelMetadata
	OnRun   RunFunc

	runs   atomic.Int64
	closed atomic.Bool

	mu      sync.Mutex
	lastIn  []backends.NamedTensor
	lastOut []string
}

// Run records the call and delegates to OnRun. Without OnRun it returns a
// copy of the first input under each requested output name.
func (s *Session) Run(inputs []backends.NamedTensor, outputNames []string) ([]backends.NamedTensor, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("session is closed")
	}
	s.runs.Add(1)

	s.mu.Lock()
	s.lastIn = append([]backends.NamedTensor(nil), inputs...)
	s.lastOut = append([]string(nil), outputNames...)
	s.mu.Unlock()

	if s.OnRun != nil {
		return s.OnRun(inputs, outputNames)
	}
	return Identity(inputs, outputNames)
}

func (s *Session) InputInfo() []backends.TensorInfo  { return s.Inputs }
func (s *Session) OutputInfo() []backends.TensorInfo { return s.Outputs }

// Metadata reports Meta when any field is set.
func (s *Session) Metadata() (backends.ModelMetadata, bool) {
	return s.Meta, !s.Meta.IsZero()
}

func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}

// Runs returns how many times Run was called.
func (s *Session) Runs() int {
	return int(s.runs.Load())
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// LastRun returns the inputs and output names of the most recent Run.
func (s *Session) LastRun() ([]backends.NamedTensor, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIn, s.lastOut
}

// Identity echoes the first input under each requested output name.
func Identity(inputs []backends.NamedTensor, outputNames []string) ([]backends.NamedTensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no inputs")
	}
	src, ok := inputs[0].Float32Data()
	if !ok {
		return nil, fmt.Errorf("unsupported data type %T", inputs[0].Data)
	}
	out := make([]backends.NamedTensor, len(outputNames))
	for i, name := range outputNames {
		data := make([]float32, len(src))
		copy(data, src)
		out[i] = backends.NamedTensor{
			Name:  name,
			Shape: append([]int64(nil), inputs[0].Shape...),
			Data:  data,
		}
	}
	return out, nil
}

// Factory hands out sessions built by New. Each CreateSession call gets a
// fresh session so reloads can be observed.
type Factory struct {
	New func(modelPath string) (*Session, error)

	mu       sync.Mutex
	sessions []*Session
	opts     []*backends.SessionConfig
}

func (f *Factory) CreateSession(modelPath string, opts ...backends.SessionOption) (backends.Session, error) {
	if f.New == nil {
		return nil, fmt.Errorf("no session configured for %s", modelPath)
	}
	s, err := f.New(modelPath)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.opts = append(f.opts, backends.ApplySessionOptions(opts...))
	f.mu.Unlock()
	return s, nil
}

func (f *Factory) Backend() backends.BackendType {
	return backends.BackendGo
}

// Sessions returns every session created so far, oldest first.
func (f *Factory) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Session(nil), f.sessions...)
}

// LastOptions returns the session config of the most recent CreateSession.
func (f *Factory) LastOptions() *backends.SessionConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opts) == 0 {
		return nil
	}
	return f.opts[len(f.opts)-1]
}

// Last returns the most recently created session, or nil.
func (f *Factory) Last() *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}
