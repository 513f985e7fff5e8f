// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"

	"github.com/microsoft/gdbrsp/pkg/resiliency"
)

var (
	errNack        = errors.New("packet was negatively acknowledged")
	errAckTimeout  = errors.New("packet was not acknowledged in time")
	errWaitExpired = errors.New("wait expired")
)

const (
	initialEventCapacity = 16
	minInboundFrameLimit = 1 << 20
)

// link owns the transport of a session. A single reader goroutine (the pump) turns inbound bytes
// into events, acknowledging frames as they are decoded. Everything else happens on the goroutine
// that currently reads events: sending packets, waiting for acknowledgments and replies.
type link struct {
	transport Transport
	reader    *frameReader
	log       logr.Logger

	ackTimeout    time.Duration
	maxAckRetries int
	maxMalformed  int
	compress      bool

	// ackInbound: frames we receive are acknowledged. ackOutbound: frames we send wait for an acknowledgment.
	// The two flip at slightly different moments while switching to no-ack mode.
	ackInbound  atomic.Bool
	ackOutbound atomic.Bool

	events *chanx.UnboundedChan[inboundEvent]

	// readMu serializes consumers of events. stash holds events set aside while waiting for an acknowledgment.
	readMu sync.Mutex
	stash  []inboundEvent

	closeErr  atomic.Pointer[error]
	closeOnce sync.Once
	pumpDone  chan struct{}
}

func newLink(t Transport, cfg Config) *link {
	l := &link{
		transport:     t,
		reader:        newFrameReader(t, max(cfg.PacketSize*4, minInboundFrameLimit)),
		log:           cfg.Logger,
		ackTimeout:    cfg.AckTimeout,
		maxAckRetries: cfg.MaxAckRetries,
		maxMalformed:  cfg.MaxMalformedFrames,
		compress:      cfg.RunLengthEncode,
		// The event channel is closed by the pump when the transport fails, not by a context,
		// so that the pump never blocks on a channel nobody drains.
		events:   chanx.NewUnboundedChan[inboundEvent](context.Background(), initialEventCapacity),
		pumpDone: make(chan struct{}),
	}
	l.ackInbound.Store(true)
	l.ackOutbound.Store(true)
	go l.pump()
	return l
}

func (l *link) pump() {
	defer close(l.pumpDone)
	defer close(l.events.In)

	malformed := 0
	for {
		ev, readErr := l.reader.next()
		if readErr != nil {
			l.log.V(1).Info("Transport read ended", "error", readErr)
			l.events.In <- inboundEvent{kind: eventClosed, err: readErr}
			return
		}

		switch ev.kind {
		case eventPacket:
			malformed = 0
			if l.ackInbound.Load() {
				l.writeControl(ackByte)
			}
			l.log.V(1).Info("Received packet", "Payload", printable(ev.payload))

		case eventNotification:
			malformed = 0
			l.log.V(1).Info("Received notification", "Payload", printable(ev.payload))

		case eventInvalid:
			malformed++
			l.log.Info("Discarding undecodable packet", "error", ev.err, "Consecutive", malformed)
			if l.ackInbound.Load() {
				l.writeControl(nackByte)
			}
			if l.maxMalformed > 0 && malformed > l.maxMalformed {
				l.events.In <- inboundEvent{
					kind: eventClosed,
					err:  fmt.Errorf("%w: %d in a row, last: %w", ErrTooManyMalformed, malformed, ev.err),
				}
				return
			}
		}

		l.events.In <- ev
	}
}

func (l *link) writeControl(b byte) {
	if writeErr := l.write([]byte{b}); writeErr != nil {
		l.log.V(1).Info("Failed to write control byte", "Byte", string(b), "error", writeErr)
	}
}

func (l *link) write(data []byte) error {
	l.log.V(2).Info("Writing bytes", "Bytes", printable(data))
	_, writeErr := l.transport.Write(data)
	return writeErr
}

// sendPacket frames and sends a payload. In acknowledgment mode the frame is retransmitted
// on "-" or when no acknowledgment arrives in time, at most maxAckRetries times.
// Packets and other events that arrive meanwhile are kept for the next reader.
func (l *link) sendPacket(ctx context.Context, payload []byte) error {
	var frame []byte
	if l.compress {
		frame = EncodeCompressed(payload)
	} else {
		frame = Encode(payload)
	}
	l.log.V(1).Info("Sending packet", "Payload", printable(payload))

	if !l.ackOutbound.Load() {
		return l.write(frame)
	}

	l.readMu.Lock()
	defer l.readMu.Unlock()

	attempts := 0
	sendErr := resiliency.Retry(ctx, resiliency.AttemptsBackoff(uint64(l.maxAckRetries)), func() error {
		attempts++
		if writeErr := l.write(frame); writeErr != nil {
			return resiliency.Permanent(writeErr)
		}
		return l.awaitAck(ctx)
	}, func(err error) {
		l.log.V(1).Info("Retransmitting packet", "Reason", err.Error(), "Attempt", attempts+1)
	})

	switch {
	case sendErr == nil:
		return nil
	case errors.Is(sendErr, errNack), errors.Is(sendErr, errAckTimeout):
		return fmt.Errorf("%w: packet sent %d times: %w", ErrAckExhausted, attempts, sendErr)
	default:
		return sendErr
	}
}

// awaitAck waits for "+" or "-". The caller holds readMu.
func (l *link) awaitAck(ctx context.Context) error {
	timer := time.NewTimer(l.ackTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return resiliency.Permanent(ctx.Err())

		case <-timer.C:
			return errAckTimeout

		case ev, ok := <-l.events.Out:
			if !ok {
				return resiliency.Permanent(l.terminalError())
			}
			switch ev.kind {
			case eventAck:
				return nil
			case eventNack:
				return errNack
			case eventClosed:
				l.setClosed(ev.err)
				return resiliency.Permanent(ev.err)
			case eventInvalid:
				// Already answered by the pump.
			default:
				l.stash = append(l.stash, ev)
			}
		}
	}
}

// sendNotification sends an asynchronous notification. Notifications are never acknowledged.
func (l *link) sendNotification(payload []byte) error {
	l.log.V(1).Info("Sending notification", "Payload", printable(payload))
	return l.write(EncodeNotification(payload))
}

func (l *link) sendInterrupt() error {
	l.log.V(1).Info("Sending interrupt")
	return l.write([]byte{InterruptByte})
}

// next returns the next event. A zero timeout waits until the context is done.
// Returns errWaitExpired when the timeout elapses.
func (l *link) next(ctx context.Context, timeout time.Duration) (inboundEvent, error) {
	l.readMu.Lock()
	defer l.readMu.Unlock()

	if ev, found := l.popStash(); found {
		return ev, nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ctx.Done():
		return inboundEvent{}, ctx.Err()
	case <-expired:
		return inboundEvent{}, errWaitExpired
	case ev, ok := <-l.events.Out:
		return l.received(ev, ok)
	}
}

// poll returns an event if one is immediately available.
func (l *link) poll() (inboundEvent, bool, error) {
	l.readMu.Lock()
	defer l.readMu.Unlock()

	if ev, found := l.popStash(); found {
		return ev, true, nil
	}
	select {
	case ev, ok := <-l.events.Out:
		ev, err := l.received(ev, ok)
		return ev, err == nil, err
	default:
		return inboundEvent{}, false, nil
	}
}

func (l *link) received(ev inboundEvent, ok bool) (inboundEvent, error) {
	if !ok {
		return inboundEvent{}, l.terminalError()
	}
	if ev.kind == eventClosed {
		l.setClosed(ev.err)
		return inboundEvent{}, ev.err
	}
	return ev, nil
}

// takeStashed hands stashed events to a reader that selects on events directly (the server loop).
func (l *link) takeStashed() (inboundEvent, bool) {
	l.readMu.Lock()
	defer l.readMu.Unlock()
	return l.popStash()
}

func (l *link) popStash() (inboundEvent, bool) {
	if len(l.stash) == 0 {
		return inboundEvent{}, false
	}
	ev := l.stash[0]
	l.stash = l.stash[1:]
	return ev, true
}

func (l *link) inbound() <-chan inboundEvent {
	return l.events.Out
}

func (l *link) setClosed(err error) {
	l.closeErr.CompareAndSwap(nil, &err)
}

func (l *link) terminalError() error {
	if p := l.closeErr.Load(); p != nil {
		return *p
	}
	return errTransportClosed
}

// Switching to no-ack mode happens in two steps: inbound frames stop being acknowledged
// as soon as the switch is agreed, outbound frames once the final acknowledgment was seen.
func (l *link) disableInboundAcks() {
	l.ackInbound.Store(false)
}

func (l *link) disableOutboundAcks() {
	l.ackOutbound.Store(false)
}

func (l *link) close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		closeErr = l.transport.Close()
	})
	return closeErr
}

// printable renders a payload for logs.
func printable(payload []byte) string {
	const maxLogged = 256
	if len(payload) > maxLogged {
		return fmt.Sprintf("%q...(%d bytes)", payload[:maxLogged], len(payload))
	}
	return fmt.Sprintf("%q", payload)
}
