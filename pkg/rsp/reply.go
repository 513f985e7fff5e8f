// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"fmt"
)

// ReplyKind classifies a reply payload.
type ReplyKind int

const (
	// ReplyEmpty is the empty payload: the command is not supported.
	ReplyEmpty ReplyKind = iota
	// ReplyOK is "OK".
	ReplyOK
	// ReplyError is "Exx".
	ReplyError
	// ReplyData is any other command specific payload (hex memory, thread lists, ...).
	ReplyData
	// ReplyStop is a stop reply.
	ReplyStop
	// ReplyOutput is console output ("O" followed by hex text).
	ReplyOutput
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyEmpty:
		return "empty"
	case ReplyOK:
		return "ok"
	case ReplyError:
		return "error"
	case ReplyData:
		return "data"
	case ReplyStop:
		return "stop"
	case ReplyOutput:
		return "output"
	default:
		return fmt.Sprintf("ReplyKind(%d)", int(k))
	}
}

// Reply is a decoded response to a Command.
type Reply struct {
	Kind ReplyKind
	// Code is the error code of a ReplyError.
	Code uint8
	// Data is the raw payload of a ReplyData, or the decoded text of a ReplyOutput.
	Data []byte
	// Stop is the event carried by a ReplyStop.
	Stop StopEvent

	// Set by server handlers: called once the reply has been delivered (and acknowledged).
	afterSend func()
	// Set by server handlers: the reply is produced later, when the target stops.
	deferred bool
	// Set by server handlers: the session ends after this reply.
	endSession bool
}

func OKReply() Reply {
	return Reply{Kind: ReplyOK}
}

func EmptyReply() Reply {
	return Reply{Kind: ReplyEmpty}
}

func ErrorReply(code uint8) Reply {
	return Reply{Kind: ReplyError, Code: code}
}

// DataReply carries a command specific payload verbatim.
func DataReply(data []byte) Reply {
	return Reply{Kind: ReplyData, Data: data}
}

// HexReply hex encodes data, as memory and register reads do.
func HexReply(data []byte) Reply {
	return Reply{Kind: ReplyData, Data: HexEncode(data)}
}

func StopReply(ev StopEvent) Reply {
	return Reply{Kind: ReplyStop, Stop: ev}
}

func OutputReply(text []byte) Reply {
	return Reply{Kind: ReplyOutput, Data: text}
}

// Payload formats the reply for the wire.
func (r Reply) Payload(multiprocess bool) []byte {
	switch r.Kind {
	case ReplyOK:
		return []byte("OK")
	case ReplyError:
		return []byte(fmt.Sprintf("E%02x", r.Code))
	case ReplyData:
		return r.Data
	case ReplyStop:
		return r.Stop.Payload(multiprocess)
	case ReplyOutput:
		return append([]byte{'O'}, HexEncode(r.Data)...)
	default:
		return []byte{}
	}
}

// Err converts error and empty replies into errors. Other replies yield nil.
func (r Reply) Err(command string) error {
	switch r.Kind {
	case ReplyError:
		return &ProtocolError{Code: r.Code, Command: command}
	case ReplyEmpty:
		return fmt.Errorf("%w: %s", ErrUnsupported, command)
	default:
		return nil
	}
}

// replyShape is what a command expects back.
type replyShape int

const (
	// OK, Exx or empty.
	shapeStatus replyShape = iota
	// Arbitrary data, Exx or empty.
	shapeData
	// A stop reply, Exx or empty. Console output may precede it.
	shapeStop
	// Console output followed by OK or data.
	shapeMonitor
)

func (s replyShape) acceptsOutput() bool {
	return s == shapeStop || s == shapeMonitor
}

func isErrorReply(payload []byte) (uint8, bool) {
	if len(payload) != 3 || payload[0] != 'E' {
		return 0, false
	}
	hi, okHi := hexValue(payload[1])
	lo, okLo := hexValue(payload[2])
	return hi<<4 | lo, okHi && okLo
}

func hexValue(c byte) (uint8, bool) {
	if c >= 'A' && c <= 'F' {
		return c - 'A' + 10, true
	}
	return lowerHexValue(c)
}

func isOutputReply(payload []byte) bool {
	if len(payload) < 3 || payload[0] != 'O' || len(payload)%2 == 0 {
		return false
	}
	for _, c := range payload[1:] {
		if _, ok := hexValue(c); !ok {
			return false
		}
	}
	return true
}

// parseReply classifies a reply payload into the shape the command expects.
func parseReply(payload []byte, shape replyShape) (Reply, error) {
	if len(payload) == 0 {
		return EmptyReply(), nil
	}
	if code, isErr := isErrorReply(payload); isErr {
		return ErrorReply(code), nil
	}
	if string(payload) == "OK" {
		return OKReply(), nil
	}

	if shape.acceptsOutput() && isOutputReply(payload) {
		text, err := HexDecode(payload[1:])
		if err != nil {
			return Reply{}, err
		}
		return OutputReply(text), nil
	}

	switch shape {
	case shapeStatus:
		return Reply{}, fmt.Errorf("%w: expected OK, got %q", ErrUnexpectedReply, truncate(payload))
	case shapeStop:
		ev, err := ParseStopEvent(payload)
		if err != nil {
			return Reply{}, err
		}
		return StopReply(ev), nil
	default:
		return DataReply(append([]byte(nil), payload...)), nil
	}
}

func truncate(payload []byte) []byte {
	if len(payload) > maxFrameInError {
		return payload[:maxFrameInError]
	}
	return payload
}
