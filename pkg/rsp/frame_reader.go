// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"bufio"
	"io"
)

type eventKind int

const (
	eventAck eventKind = iota
	eventNack
	eventInterrupt
	eventPacket
	eventNotification
	// A frame that failed to decode. It has already been negatively acknowledged.
	eventInvalid
	// The transport failed or was closed. Always the last event.
	eventClosed
)

func (k eventKind) String() string {
	switch k {
	case eventAck:
		return "ack"
	case eventNack:
		return "nack"
	case eventInterrupt:
		return "interrupt"
	case eventPacket:
		return "packet"
	case eventNotification:
		return "notification"
	case eventInvalid:
		return "invalid"
	default:
		return "closed"
	}
}

// inboundEvent is one unit read off the transport.
type inboundEvent struct {
	kind    eventKind
	payload []byte
	err     error
}

// frameReader splits the inbound byte stream into acknowledgments, interrupts and frames.
type frameReader struct {
	r        *bufio.Reader
	maxFrame int
}

func newFrameReader(r io.Reader, maxFrame int) *frameReader {
	return &frameReader{
		r:        bufio.NewReader(r),
		maxFrame: maxFrame,
	}
}

// next blocks until the next event is available. Bytes outside of frames that are not
// acknowledgments or interrupts are skipped.
func (fr *frameReader) next() (inboundEvent, error) {
	for {
		b, readErr := fr.r.ReadByte()
		if readErr != nil {
			return inboundEvent{}, readErr
		}

		switch b {
		case ackByte:
			return inboundEvent{kind: eventAck}, nil
		case nackByte:
			return inboundEvent{kind: eventNack}, nil
		case InterruptByte:
			return inboundEvent{kind: eventInterrupt}, nil
		case packetStart, notificationStart:
			return fr.readFrame(b)
		}
	}
}

func (fr *frameReader) readFrame(start byte) (inboundEvent, error) {
	frame := []byte{start}
	oversized := false
	for {
		b, readErr := fr.r.ReadByte()
		if readErr != nil {
			return inboundEvent{}, readErr
		}

		switch {
		case b == packetStart && start == packetStart:
			// The previous frame was cut short; resynchronize on the new one.
			frame = frame[:1]
			oversized = false
			continue
		case b == packetEnd:
			frame = append(frame, b)
			var sum [2]byte
			if _, readErr = io.ReadFull(fr.r, sum[:]); readErr != nil {
				return inboundEvent{}, readErr
			}
			if oversized {
				return inboundEvent{
					kind: eventInvalid,
					err:  newCodecError(ErrMalformed, frame, "frame exceeds %d bytes", fr.maxFrame),
				}, nil
			}
			frame = append(frame, sum[:]...)
			return decodeEvent(frame), nil
		}

		if fr.maxFrame > 0 && len(frame) >= fr.maxFrame {
			// Keep consuming up to the checksum so the remainder is not mistaken for acknowledgments.
			oversized = true
			continue
		}
		frame = append(frame, b)
	}
}

func decodeEvent(frame []byte) inboundEvent {
	f, err := DecodeFrame(frame)
	switch {
	case err != nil:
		return inboundEvent{kind: eventInvalid, err: err}
	case f.Notification:
		return inboundEvent{kind: eventNotification, payload: f.Payload}
	default:
		return inboundEvent{kind: eventPacket, payload: f.Payload}
	}
}
