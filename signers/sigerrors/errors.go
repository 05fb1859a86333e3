//
// Copyright (c) SAS Institute Inc.
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
//

// Package sigerrors holds the error kinds shared by the signing packages.
package sigerrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProtocol matches any ProtocolError via errors.Is
	ErrProtocol = errors.New("signing protocol violation")
	// ErrAlgorithm matches any AlgorithmError via errors.Is
	ErrAlgorithm = errors.New("signature algorithm error")
	// ErrFormat matches any FormatError via errors.Is
	ErrFormat = errors.New("malformed signature data")
)

// ProtocolError reports a caller that drove the signing engine out of order,
// for example finalizing before a request was fulfilled or using a closed
// engine.
type ProtocolError struct {
	Op    string
	Entry string
	Msg   string
}

func (e ProtocolError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Entry != "" {
		fmt.Fprintf(&b, " %q", e.Entry)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	return b.String()
}

func (ProtocolError) Is(target error) bool { return target == ErrProtocol }

// AlgorithmError reports a failure to produce or check a signature: an
// unsupported key type, no algorithm covering the requested platform range, or
// a signature that failed verification with the signer's own certificate.
type AlgorithmError struct {
	Scheme    string
	Signer    string
	Algorithm string
	MinSdk    int
	MaxSdk    int
	Msg       string
	Err       error
}

func (e AlgorithmError) Error() string {
	var b strings.Builder
	if e.Scheme != "" {
		b.WriteString(e.Scheme)
		b.WriteString(": ")
	}
	if e.Signer != "" {
		fmt.Fprintf(&b, "signer %q: ", e.Signer)
	}
	b.WriteString(e.Msg)
	if e.Algorithm != "" {
		fmt.Fprintf(&b, " (algorithm %s)", e.Algorithm)
	}
	if e.MinSdk != 0 || e.MaxSdk != 0 {
		fmt.Fprintf(&b, " (sdk %d-%d)", e.MinSdk, e.MaxSdk)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e AlgorithmError) Unwrap() error { return e.Err }

func (AlgorithmError) Is(target error) bool { return target == ErrAlgorithm }

// FormatError reports malformed binary signature data. Index is the 1-based
// entry number when the problem is inside a sequence, Offset the byte offset
// into the buffer being parsed.
type FormatError struct {
	Field  string
	Index  int
	Offset int64
	Msg    string
}

func (e FormatError) Error() string {
	var b strings.Builder
	b.WriteString(e.Field)
	if e.Index > 0 {
		fmt.Fprintf(&b, " entry #%d", e.Index)
	}
	if e.Offset > 0 {
		fmt.Fprintf(&b, " at offset %d", e.Offset)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	return b.String()
}

func (FormatError) Is(target error) bool { return target == ErrFormat }

// NotSignedError is returned when verifying a file that carries no signature
// of the requested kind.
type NotSignedError struct {
	Type string
}

func (e NotSignedError) Error() string {
	return e.Type + " contains no signatures"
}
