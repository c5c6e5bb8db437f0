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

// Package errdefs defines the error kinds shared by the inference pipeline.
//
// Every error produced by the pipeline is an *Error carrying one Kind. Callers
// test the kind with errors.Is against the exported sentinels:
//
//	if errors.Is(err, errdefs.ErrConfiguration) {
//	    // component used before it was set up
//	}
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	// KindUnknown is never produced by the pipeline; it is the zero value.
	KindUnknown Kind = iota
	// KindModelLoad covers missing or invalid model files and engine init failures.
	KindModelLoad
	// KindInference covers engine execution failures and invalid engine output.
	KindInference
	// KindConfiguration covers components used before their required state is set.
	KindConfiguration
	// KindPreprocess covers invalid image or tensor dimensions during conversion.
	KindPreprocess
	// KindInvalidArgument covers out-of-range indexes, empty data and count mismatches.
	KindInvalidArgument
)

// String returns the message prefix used for the kind.
func (k Kind) String() string {
	switch k {
	case KindModelLoad:
		return "Model Load Error"
	case KindInference:
		return "Inference Error"
	case KindConfiguration:
		return "Configuration Error"
	case KindPreprocess:
		return "Preprocessing Error"
	case KindInvalidArgument:
		return "Invalid Argument"
	default:
		return "Error"
	}
}

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return e.Kind.String() + ": " + e.Msg
	case e.Msg == "":
		return e.Kind.String() + ": " + e.Err.Error()
	default:
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. This lets the
// sentinels below match any error of their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrModelLoad       = &Error{Kind: KindModelLoad}
	ErrInference       = &Error{Kind: KindInference}
	ErrConfiguration   = &Error{Kind: KindConfiguration}
	ErrPreprocess      = &Error{Kind: KindPreprocess}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
)

// New returns an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it reachable through errors.Unwrap.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Convenience constructors, one per kind.

func ModelLoad(format string, args ...any) error {
	return Newf(KindModelLoad, format, args...)
}

func Inference(format string, args ...any) error {
	return Newf(KindInference, format, args...)
}

func Configuration(format string, args ...any) error {
	return Newf(KindConfiguration, format, args...)
}

func Preprocess(format string, args ...any) error {
	return Newf(KindPreprocess, format, args...)
}

func InvalidArgument(format string, args ...any) error {
	return Newf(KindInvalidArgument, format, args...)
}
