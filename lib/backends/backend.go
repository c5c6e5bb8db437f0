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

package backends

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Backend is an inference engine that can open model files. Implementations
// register themselves from init, guarded by their build tags.
type Backend interface {
	Type() BackendType

	// Name is shown in logs, e.g. "ONNX Runtime (CPU)".
	Name() string

	// Available reports whether the engine can run in this build and
	// environment.
	Available() bool

	// Priority orders backends when none is requested. Lower wins.
	Priority() int

	SessionFactory() SessionFactory
}

var (
	registryMu sync.RWMutex
	registry   = map[BackendType]Backend{}
	// order overrides Priority() when set.
	order []BackendType
)

// RegisterBackend adds b, replacing any backend of the same type.
func RegisterBackend(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Type()] = b
}

// GetBackend returns the registered backend of type t.
func GetBackend(t BackendType) (Backend, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[t]
	return b, ok
}

// SetPriority replaces the default selection order. Types missing from
// order are tried afterwards by their own Priority.
func SetPriority(o []BackendType) {
	registryMu.Lock()
	defer registryMu.Unlock()
	order = slices.Clone(o)
}

// candidatesLocked lists backends in selection order: preferred first, then
// the configured order, then everything else by Priority.
func candidatesLocked(preferred []BackendType) []Backend {
	rest := make([]Backend, 0, len(registry))
	for _, b := range registry {
		rest = append(rest, b)
	}
	slices.SortFunc(rest, func(a, b Backend) int { return a.Priority() - b.Priority() })

	var out []Backend
	seen := make(map[BackendType]bool, len(registry))
	add := func(b Backend) {
		if !seen[b.Type()] {
			seen[b.Type()] = true
			out = append(out, b)
		}
	}
	for _, list := range [][]BackendType{preferred, order} {
		for _, t := range list {
			if b, ok := registry[t]; ok {
				add(b)
			}
		}
	}
	for _, b := range rest {
		add(b)
	}
	return out
}

// Select returns the first available backend, trying preferred in order
// before falling back.
func Select(preferred ...BackendType) (Backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, b := range candidatesLocked(preferred) {
		if b.Available() {
			return b, nil
		}
	}
	if len(preferred) > 0 {
		return nil, fmt.Errorf("no available backends (preferred: %v)", preferred)
	}
	return nil, errors.New("no available backends")
}

// NewSessionFactory selects a backend from spec, a comma separated priority
// list such as "onnx,go", and returns its session factory. An empty spec
// selects the default.
func NewSessionFactory(spec string) (SessionFactory, error) {
	var preferred []BackendType
	if spec = strings.TrimSpace(spec); spec != "" {
		var err error
		if preferred, err = ParseBackendPriority(strings.Split(spec, ",")); err != nil {
			return nil, err
		}
	}
	b, err := Select(preferred...)
	if err != nil {
		return nil, err
	}
	return b.SessionFactory(), nil
}

// ParseBackendType accepts "onnx"/"ort" and "go"/"gomlx", case-insensitively.
func ParseBackendType(s string) (BackendType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "onnx", "ort":
		return BackendONNX, nil
	case "go", "gomlx":
		return BackendGo, nil
	}
	return "", fmt.Errorf("unknown backend type: %q (valid: onnx, go)", s)
}

// ParseBackendPriority parses each entry with ParseBackendType.
func ParseBackendPriority(priority []string) ([]BackendType, error) {
	out := make([]BackendType, 0, len(priority))
	for _, s := range priority {
		t, err := ParseBackendType(s)
		if err != nil {
			return nil, fmt.Errorf("invalid backend priority %q: %w", s, err)
		}
		out = append(out, t)
	}
	return out, nil
}
