/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package rsp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/go-logr/logr"
)

var (
	// ErrMalformed is returned when a frame is missing delimiters or carries an invalid escape or run-length sequence.
	ErrMalformed = errors.New("malformed packet")

	// ErrChecksumMismatch is returned when the checksum computed over a frame payload does not match the transmitted one.
	ErrChecksumMismatch = errors.New("packet checksum mismatch")

	// ErrAckExhausted is returned when a packet was negatively acknowledged (or not acknowledged at all)
	// more times than the configured retransmission budget allows. The session is terminated.
	ErrAckExhausted = errors.New("acknowledgment retries exhausted")

	// ErrReplyTimeout is returned when the peer does not answer a request within the reply timeout.
	// The session must be drained before another request can be issued.
	ErrReplyTimeout = errors.New("reply timeout")

	// ErrFeatureNotNegotiated is returned when a command depends on a feature that was not negotiated.
	// Nothing is written to the transport in that case.
	ErrFeatureNotNegotiated = errors.New("feature not negotiated")

	// ErrUnsupported is returned when the peer answers a request with an empty reply.
	ErrUnsupported = errors.New("command not supported by peer")

	// ErrRequestOutstanding is returned when a request is issued while another one is awaiting its reply.
	ErrRequestOutstanding = errors.New("another request is awaiting its reply")

	// ErrDrainRequired is returned when a previous request was abandoned (timeout or cancellation)
	// and its reply has not been drained yet.
	ErrDrainRequired = errors.New("abandoned reply must be drained first")

	// ErrSessionTerminated is returned for any operation on a terminated session.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrNotRunning is returned by Interrupt when no execution request is in flight.
	ErrNotRunning = errors.New("no execution request is in flight")

	// ErrTooManyMalformed is returned when the peer keeps sending malformed frames.
	ErrTooManyMalformed = errors.New("too many consecutive malformed packets")

	// ErrUnexpectedReply is returned when a reply does not have the shape the request expects.
	ErrUnexpectedReply = errors.New("unexpected reply")

	// ErrStopQueueOverflow is returned when the peer reports more stop events than the stop queue can hold.
	ErrStopQueueOverflow = errors.New("stop event queue overflow")
)

// CodecError describes a frame that could not be decoded.
type CodecError struct {
	// Kind is ErrMalformed or ErrChecksumMismatch.
	Kind error
	// Detail is a short human readable description.
	Detail string
	// Frame holds the offending bytes, truncated for logging.
	Frame []byte
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s: %s (frame %q)", e.Kind.Error(), e.Detail, e.Frame)
}

func (e *CodecError) Unwrap() error {
	return e.Kind
}

const maxFrameInError = 64

func newCodecError(kind error, frame []byte, format string, args ...any) *CodecError {
	shown := frame
	if len(shown) > maxFrameInError {
		shown = shown[:maxFrameInError]
	}
	return &CodecError{
		Kind:   kind,
		Detail: fmt.Sprintf(format, args...),
		Frame:  append([]byte(nil), shown...),
	}
}

// ProtocolError is an "Exx" error reply sent by the peer.
type ProtocolError struct {
	Code    uint8
	Command string
}

func (e *ProtocolError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("remote error E%02x", e.Code)
	}
	return fmt.Sprintf("remote error E%02x in response to %s", e.Code, e.Command)
}

// Fault is returned by target implementations to make the server answer with a specific "Exx" error code.
// Any other error is reported as E01.
type Fault struct {
	Code uint8
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("target fault E%02x", f.Code)
	}
	return fmt.Sprintf("target fault E%02x: %v", f.Code, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// NewFault creates a Fault with the given error code.
func NewFault(code uint8, err error) *Fault {
	return &Fault{Code: code, Err: err}
}

// IsCodecError returns true if the error is a framing failure (malformed frame or checksum mismatch).
func IsCodecError(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrChecksumMismatch)
}

// IsProtocolError returns true if the peer answered with an error reply.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsFatal returns true if the error terminated the session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAckExhausted) ||
		errors.Is(err, ErrTooManyMalformed) ||
		errors.Is(err, ErrSessionTerminated)
}

// IsRecoverable returns true if the session survived the error but needs attention before the next request,
// for example because a reply was abandoned.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrReplyTimeout) ||
		errors.Is(err, ErrDrainRequired) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// isClosedError reports errors that simply mean the peer went away.
func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

// filterContextError filters out redundant context errors during shutdown.
// If the error is a context error and the context is already done, the error is logged
// at debug level and nil is returned. Connection teardown errors are filtered the same way.
func filterContextError(err error, ctx context.Context, log logr.Logger) error {
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || isClosedError(err) {
			log.V(1).Info("Filtering redundant shutdown error", "error", err)
			return nil
		}
	}

	return err
}
