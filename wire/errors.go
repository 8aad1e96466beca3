////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package wire

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
)

// ResponseType is the outcome carried by every response on the control
// channel.
type ResponseType uint32

const (
	Ok ResponseType = iota
	Failed
	AccessDenied
	InvalidOperation
	PathNotFound
	WaveComplete
)

// String returns a human-readable name for the ResponseType. This functions
// adheres to the fmt.Stringer interface.
func (rt ResponseType) String() string {
	switch rt {
	case Ok:
		return "Ok"
	case Failed:
		return "Failed"
	case AccessDenied:
		return "AccessDenied"
	case InvalidOperation:
		return "InvalidOperation"
	case PathNotFound:
		return "PathNotFound"
	case WaveComplete:
		return "WaveComplete"
	default:
		return "INVALID RESPONSE TYPE: " + strconv.Itoa(int(rt))
	}
}

// IsSuccess returns true for Ok and WaveComplete.
func (rt ResponseType) IsSuccess() bool {
	return rt == Ok || rt == WaveComplete
}

// ResponseError is the error for a failed response, either received from the
// peer or raised locally to be sent to the peer.
type ResponseError struct {
	Type    ResponseType
	Message string
}

// Error returns the error string. This functions adheres to the error
// interface.
func (e *ResponseError) Error() string {
	if e.Message == "" {
		return e.Type.String()
	}
	return e.Type.String() + ": " + e.Message
}

// NewResponseError returns a ResponseError of the given type with a formatted
// message and a stack trace.
func NewResponseError(rt ResponseType, format string, a ...interface{}) error {
	return errors.WithStack(&ResponseError{
		Type:    rt,
		Message: errors.Errorf(format, a...).Error(),
	})
}

// ResponseTypeOf returns the type of the ResponseError in err's chain or
// Failed when there is none.
func ResponseTypeOf(err error) ResponseType {
	var re *ResponseError
	if errors.As(err, &re) {
		return re.Type
	}
	return Failed
}

// IsAccessDenied returns true if err is an AccessDenied response error.
func IsAccessDenied(err error) bool {
	return err != nil && ResponseTypeOf(err) == AccessDenied
}

// IsPathNotFound returns true if err is a PathNotFound response error.
func IsPathNotFound(err error) bool {
	return err != nil && ResponseTypeOf(err) == PathNotFound
}

// IsInvalidOperation returns true if err is an InvalidOperation response
// error.
func IsInvalidOperation(err error) bool {
	return err != nil && ResponseTypeOf(err) == InvalidOperation
}

// SessionAbortedError wraps any unexpected failure during an active transfer.
type SessionAbortedError struct {
	cause error
}

// Error returns the error string. This functions adheres to the error
// interface.
func (e *SessionAbortedError) Error() string {
	return "session aborted: " + e.cause.Error()
}

// Cause returns the underlying error. Adheres to the pkg/errors causer
// interface.
func (e *SessionAbortedError) Cause() error { return e.cause }

// Unwrap returns the underlying error.
func (e *SessionAbortedError) Unwrap() error { return e.cause }

// NewSessionAborted wraps err in a SessionAbortedError. Nil, cancellation and
// errors that are already a SessionAbortedError are returned unchanged.
func NewSessionAborted(err error) error {
	if err == nil || IsCancellation(err) {
		return err
	}
	var sa *SessionAbortedError
	if errors.As(err, &sa) {
		return err
	}
	return &SessionAbortedError{cause: err}
}

// IsSessionAborted returns true if err is a SessionAbortedError.
func IsSessionAborted(err error) bool {
	var sa *SessionAbortedError
	return errors.As(err, &sa)
}

// IsCancellation returns true if err is a context cancellation or deadline.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
