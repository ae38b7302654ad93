// Copyright 2025 The Maestro Authors
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

package errors

import (
	"context"
	"errors"
	"net"
)

// KindOf extracts the Kind from an error chain. Unclassified errors map to
// KindNetwork when they look like transport failures, otherwise the zero
// Kind is returned.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	if isTransport(err) {
		return KindNetwork
	}
	return ""
}

// HasKind reports whether err carries the given kind anywhere in its chain.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retriable implements the fixed retriability policy: network resets,
// timeouts and DNS failures, HTTP 5xx/408/429 and circuit-open are
// retriable; everything else propagates immediately.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindHTTP5xx, KindHTTP429, KindHTTP408, KindCircuitOpen:
		return true
	default:
		return false
	}
}

// FromHTTPStatus maps an HTTP status code to an error kind. Codes below 400
// map to the zero Kind.
func FromHTTPStatus(status int) Kind {
	switch {
	case status >= 500:
		return KindHTTP5xx
	case status == 429:
		return KindHTTP429
	case status == 408:
		return KindHTTP408
	case status >= 400:
		return KindHTTP4xxOther
	default:
		return ""
	}
}

// isTransport reports whether err is a raw transport failure that should be
// classified as NETWORK at the core boundary.
func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// AsExecutionError normalizes any error into an *ExecutionError with the
// given fallback kind. Errors already carrying a kind pass through.
func AsExecutionError(err error, fallback Kind) *ExecutionError {
	if err == nil {
		return nil
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee
	}
	kind := fallback
	if isTransport(err) {
		kind = KindNetwork
	}
	return &ExecutionError{Kind: kind, Message: err.Error(), Cause: err}
}
