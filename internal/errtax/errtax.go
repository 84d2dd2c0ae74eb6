// Copyright 2025 Archiver Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errtax classifies every error the pipeline can produce into the
// taxonomy from the design (Configuration, Source-Store Transient/Fatal,
// Object-Store Transient/Fatal, Verification, Checksum, LockBusy, LockLost,
// PolicyGate, SchemaDrift, Cancellation) and carries the classification
// through to the CLI exit path, replacing exception-based control flow with
// explicit typed errors.
package errtax

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Class is the error taxonomy used throughout the pipeline.
type Class string

const (
	ClassConfiguration       Class = "configuration"
	ClassSourceTransient     Class = "source_store_transient"
	ClassSourceFatal         Class = "source_store_fatal"
	ClassObjectTransient     Class = "object_store_transient"
	ClassObjectFatal         Class = "object_store_fatal"
	ClassVerification        Class = "verification"
	ClassChecksum            Class = "checksum"
	ClassLockBusy            Class = "lock_busy"
	ClassLockLost            Class = "lock_lost"
	ClassPolicyGate          Class = "policy_gate"
	ClassSchemaDrift         Class = "schema_drift"
	ClassCancellation        Class = "cancellation"
	ClassInternal            Class = "internal"
)

// Error wraps an underlying error with a taxonomy Class and optional
// structured context (database, table, batch number) used by the audit
// trail and the final run summary.
type Error struct {
	Class   Class
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %v %v", e.Class, e.Err, e.Context)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with the given context fields (passed as
// alternating key, value pairs, e.g. New(ClassVerification, err, "database",
// db, "table", tbl)).
func New(class Class, err error, kv ...any) *Error {
	ctx := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		ctx[key] = kv[i+1]
	}
	return &Error{Class: class, Context: ctx, Err: err}
}

// ClassOf extracts the Class of err, walking the Unwrap chain. Returns
// ClassInternal if err does not carry a taxonomy classification.
func ClassOf(err error) Class {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}
	return ClassInternal
}

// IsTransient reports whether err's class is one of the two transient
// classes that the retry policy should act on.
func IsTransient(err error) bool {
	switch ClassOf(err) {
	case ClassSourceTransient, ClassObjectTransient:
		return true
	default:
		return false
	}
}

// ExitCode maps a run outcome to the process exit code used by both
// binaries: 0 success, 1 failure, 130 on cancellation (matching POSIX's
// 128+SIGINT convention).
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case ClassOf(err) == ClassCancellation:
		return 130
	default:
		return 1
	}
}

// summary is the JSON shape emitted by FatalError in --log-format json mode.
type summary struct {
	Error string `json:"error"`
	Class Class  `json:"class"`
}

// FatalError reports err to stderr (plain text or JSON depending on
// jsonMode) and terminates the process with the taxonomy-derived exit code.
// Every CLI entrypoint funnels unrecoverable errors through this single
// function so exit-code behavior never drifts between the two binaries.
func FatalError(err error, jsonMode bool) {
	if err == nil {
		os.Exit(0)
	}
	if jsonMode {
		b, _ := json.Marshal(summary{Error: err.Error(), Class: ClassOf(err)})
		fmt.Fprintln(os.Stderr, string(b))
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(ExitCode(err))
}
