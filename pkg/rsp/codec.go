/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package rsp

import (
	"bytes"
)

const (
	packetStart       = '$'
	notificationStart = '%'
	packetEnd         = '#'
	escapeByte        = '}'
	runLengthByte     = '*'
	escapeXor         = 0x20

	ackByte  = '+'
	nackByte = '-'

	// InterruptByte is sent outside of any frame to interrupt a running target.
	InterruptByte = 0x03

	runLengthBias = 29
	minRunLength  = 3
	maxRunLength  = 97

	// "$" + "#hh"
	frameOverhead = 4
)

// Frame is a decoded packet or notification.
type Frame struct {
	Notification bool
	Payload      []byte
}

// Checksum returns the modulo-256 sum of the given bytes.
func Checksum(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return sum
}

// Encode frames a payload as "$<payload>#hh", escaping the bytes that cannot appear literally.
func Encode(payload []byte) []byte {
	return encodeFrame(packetStart, payload, false)
}

// EncodeCompressed is like Encode, but also run-length encodes repeated bytes.
func EncodeCompressed(payload []byte) []byte {
	return encodeFrame(packetStart, payload, true)
}

// EncodeNotification frames an asynchronous notification as "%<payload>#hh".
func EncodeNotification(payload []byte) []byte {
	return encodeFrame(notificationStart, payload, false)
}

func encodeFrame(start byte, payload []byte, compress bool) []byte {
	buf := make([]byte, 0, len(payload)+frameOverhead+len(payload)/8)
	buf = append(buf, start)
	buf = appendBody(buf, payload, compress)
	sum := Checksum(buf[1:])
	buf = append(buf, packetEnd, hexDigits[sum>>4], hexDigits[sum&0x0f])
	return buf
}

func needsEscape(b byte) bool {
	switch b {
	case packetStart, packetEnd, escapeByte, runLengthByte:
		return true
	default:
		return false
	}
}

// A run-length count byte must not be mistaken for framing or acknowledgment bytes.
func forbiddenRunCount(c byte) bool {
	switch c {
	case packetStart, packetEnd, escapeByte, runLengthByte, ackByte, nackByte:
		return true
	default:
		return false
	}
}

func appendBody(buf []byte, payload []byte, compress bool) []byte {
	for i := 0; i < len(payload); {
		b := payload[i]
		if needsEscape(b) {
			buf = append(buf, escapeByte, b^escapeXor)
			i++
			continue
		}

		buf = append(buf, b)
		i++
		if !compress {
			continue
		}

		repeats := 0
		for i+repeats < len(payload) && payload[i+repeats] == b && repeats < maxRunLength {
			repeats++
		}
		for repeats >= minRunLength && forbiddenRunCount(byte(repeats+runLengthBias)) {
			repeats--
		}
		if repeats >= minRunLength {
			buf = append(buf, runLengthByte, byte(repeats+runLengthBias))
			i += repeats
		}
	}
	return buf
}

// Decode validates a "$...#hh" or "%...#hh" frame and returns its unescaped, expanded payload.
func Decode(frame []byte) ([]byte, error) {
	f, err := DecodeFrame(frame)
	if err != nil {
		return nil, err
	}
	return f.Payload, nil
}

// DecodeFrame is like Decode, but also reports whether the frame was a notification.
func DecodeFrame(frame []byte) (Frame, error) {
	if len(frame) < frameOverhead {
		return Frame{}, newCodecError(ErrMalformed, frame, "frame too short")
	}
	if frame[0] != packetStart && frame[0] != notificationStart {
		return Frame{}, newCodecError(ErrMalformed, frame, "missing start delimiter")
	}
	end := len(frame) - 3
	if frame[end] != packetEnd {
		return Frame{}, newCodecError(ErrMalformed, frame, "missing checksum delimiter")
	}

	body := frame[1:end]
	received, ok := parseChecksum(frame[end+1:])
	if !ok {
		return Frame{}, newCodecError(ErrChecksumMismatch, frame, "checksum %q is not two lowercase hex digits", frame[end+1:])
	}
	if computed := Checksum(body); computed != received {
		return Frame{}, newCodecError(ErrChecksumMismatch, frame, "computed %02x, received %02x", computed, received)
	}

	payload, err := expandBody(frame, body)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Notification: frame[0] == notificationStart, Payload: payload}, nil
}

func parseChecksum(digits []byte) (uint8, bool) {
	hi, okHi := lowerHexValue(digits[0])
	lo, okLo := lowerHexValue(digits[1])
	return hi<<4 | lo, okHi && okLo
}

func lowerHexValue(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}

func expandBody(frame, body []byte) ([]byte, error) {
	if bytes.IndexByte(body, packetStart) >= 0 || bytes.IndexByte(body, packetEnd) >= 0 {
		return nil, newCodecError(ErrMalformed, frame, "unescaped delimiter inside payload")
	}

	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case escapeByte:
			if i+1 >= len(body) {
				return nil, newCodecError(ErrMalformed, frame, "escape at end of payload")
			}
			i++
			out = append(out, body[i]^escapeXor)

		case runLengthByte:
			if len(out) == 0 {
				return nil, newCodecError(ErrMalformed, frame, "run-length marker without preceding byte")
			}
			if i+1 >= len(body) {
				return nil, newCodecError(ErrMalformed, frame, "run-length marker at end of payload")
			}
			i++
			repeats := int(body[i]) - runLengthBias
			if repeats < minRunLength || repeats > maxRunLength {
				return nil, newCodecError(ErrMalformed, frame, "run-length count %d out of range", repeats)
			}
			prev := out[len(out)-1]
			for range repeats {
				out = append(out, prev)
			}

		default:
			out = append(out, body[i])
		}
	}
	return out, nil
}
