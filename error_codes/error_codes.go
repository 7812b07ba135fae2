/***************************************************************
 *
 * Copyright (C) 2025, PresQT Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package error_codes defines the error taxonomy shared by the transfer
// engine, the target adapters, and the HTTP agent.  Every failure that can
// terminate a transfer job is classified as one of the kinds below so the
// job's process info record carries a stable HTTP-style status code.
package error_codes

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindValidation   Kind = iota // Malformed request; the job is never created
	KindUnauthorized             // Credential rejected by the target
	KindForbidden                // Credential valid but access denied
	KindNotFound                 // Resource does not exist at the target
	KindGone                     // Resource permanently removed upstream
	KindUpstream                 // Target backend returned a 5xx
	KindFormat                   // Bundle is structurally invalid
	KindCancelled                // Job cancelled by the user
)

// StatusCodeCancelled is the non-standard code recorded when a user cancels
// a job, following the nginx convention for client-closed requests.
const StatusCodeCancelled = 499

// TransferError is the error type used across package boundaries inside the
// engine.  It carries the taxonomy kind plus the HTTP-style code written to
// the job's process info record.
type TransferError struct {
	Kind    Kind
	Code    int
	Message string
	cause   error
}

func (e *TransferError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *TransferError) Unwrap() error {
	return e.cause
}

func NewValidation(format string, args ...interface{}) *TransferError {
	return &TransferError{Kind: KindValidation, Code: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func NewUnauthorized(message string) *TransferError {
	return &TransferError{Kind: KindUnauthorized, Code: http.StatusUnauthorized, Message: message}
}

func NewForbidden(message string) *TransferError {
	return &TransferError{Kind: KindForbidden, Code: http.StatusForbidden, Message: message}
}

func NewNotFound(message string) *TransferError {
	return &TransferError{Kind: KindNotFound, Code: http.StatusNotFound, Message: message}
}

func NewGone(message string) *TransferError {
	return &TransferError{Kind: KindGone, Code: http.StatusGone, Message: message}
}

// NewUpstream records a 5xx from a target backend.  The upstream status is
// embedded in the message since the job record only exposes our own 500.
func NewUpstream(upstreamStatus int, message string) *TransferError {
	return &TransferError{
		Kind:    KindUpstream,
		Code:    http.StatusInternalServerError,
		Message: fmt.Sprintf("%s (upstream status %d)", message, upstreamStatus),
	}
}

func NewFormat(message string) *TransferError {
	return &TransferError{Kind: KindFormat, Code: http.StatusBadRequest, Message: message}
}

func NewCancelled(action string) *TransferError {
	return &TransferError{
		Kind:    KindCancelled,
		Code:    StatusCodeCancelled,
		Message: fmt.Sprintf("%s was cancelled by the user", action),
	}
}

// Wrap attaches a cause to a TransferError while keeping its classification.
func (e *TransferError) Wrap(cause error) *TransferError {
	out := *e
	out.cause = cause
	return &out
}

// AsTransferError unwraps err looking for a TransferError anywhere in the
// chain.
func AsTransferError(err error) (*TransferError, bool) {
	var te *TransferError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// StatusCode maps any error to the HTTP-style code stored in a process info
// record.  Unclassified errors are treated as internal server errors.
func StatusCode(err error) int {
	if te, ok := AsTransferError(err); ok {
		return te.Code
	}
	return http.StatusInternalServerError
}

// IsKind reports whether err is a TransferError of the given kind.
func IsKind(err error, kind Kind) bool {
	te, ok := AsTransferError(err)
	return ok && te.Kind == kind
}
