/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package rsp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// State is the lifecycle state of a session.
type State int32

const (
	// StateDisconnected: the transport is up but nothing has been exchanged yet.
	StateDisconnected State = iota
	// StateNegotiating: qSupported is in progress.
	StateNegotiating
	// StateIdle: no request is outstanding.
	StateIdle
	// StateAwaitingReply: exactly one request is outstanding.
	StateAwaitingReply
	// StateInterrupted: an interrupt was sent while an execution request was outstanding.
	StateInterrupted
	// StateTerminated: the session is over. Terminal.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateNegotiating:
		return "Negotiating"
	case StateIdle:
		return "Idle"
	case StateAwaitingReply:
		return "AwaitingReply"
	case StateInterrupted:
		return "Interrupted"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// transaction tracks the outstanding request of a client session.
type transaction struct {
	cmd     Command
	shape   replyShape
	resumes bool

	// abandoned is set when the caller gave up waiting; the reply is still owed by the peer.
	abandoned bool
	// returnTo is the state the session goes back to when the reply arrives.
	returnTo State
	// output collects console output received while waiting.
	output bytes.Buffer
}

// Session is one RSP connection: the transport, the acknowledgment engine, the negotiated features
// and the state machine. Client and Server build on it.
type Session struct {
	id   string
	role Role
	cfg  Config
	log  logr.Logger
	link *link

	mu       sync.Mutex
	state    State
	features FeatureSet
	extended bool
	noAck    bool
	nonStop  bool
	inflight *transaction
	termErr  error
	done     chan struct{}

	// Stop events reported by %Stop notifications (client side, non-stop mode).
	stops        *stopQueue
	stopNotified bool
	stopOverflow error
}

func newSession(t Transport, cfg Config, role Role) *Session {
	cfg = cfg.withDefaults(role)
	id := uuid.NewString()
	log := cfg.Logger.WithValues("Session", id, "Role", string(role))
	cfg.Logger = log

	return &Session{
		id:    id,
		role:  role,
		cfg:   cfg,
		log:   log,
		link:  newLink(t, cfg),
		state: StateDisconnected,
		done:  make(chan struct{}),
		stops: newStopQueue(cfg.StopQueueSize),
	}
}

// ID returns the unique identifier of the session, used to correlate log entries.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) Role() Role {
	return s.role
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Features returns the negotiated feature set.
func (s *Session) Features() FeatureSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.features
}

func (s *Session) NoAck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noAck
}

func (s *Session) NonStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonStop
}

func (s *Session) Extended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extended
}

// Done is closed when the session terminates.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session terminated, or nil while it is alive.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTerminated {
		return nil
	}
	return s.terminatedErrorLocked()
}

// Close terminates the session and closes the transport.
func (s *Session) Close() error {
	s.terminate(errors.New("session closed"))
	return nil
}

func (s *Session) terminatedErrorLocked() error {
	if s.termErr == nil || errors.Is(s.termErr, ErrSessionTerminated) {
		return ErrSessionTerminated
	}
	return fmt.Errorf("%w: %w", ErrSessionTerminated, s.termErr)
}

func (s *Session) terminate(cause error) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateTerminated
	s.termErr = cause
	s.inflight = nil
	close(s.done)
	s.mu.Unlock()

	if isClosedError(cause) {
		s.log.V(1).Info("Session terminated", "From", from.String(), "Reason", cause.Error())
	} else {
		s.log.Info("Session terminated", "From", from.String(), "Reason", cause.Error())
	}
	if closeErr := s.link.close(); closeErr != nil {
		s.log.V(1).Info("Failed to close transport", "error", closeErr)
	}
}

// setStateLocked changes the state. The caller holds mu.
func (s *Session) setStateLocked(to State) {
	if s.state == to || s.state == StateTerminated {
		return
	}
	s.log.V(1).Info("Session state changed", "From", s.state.String(), "To", to.String())
	s.state = to
}

func (s *Session) multiprocess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.features.Has(FeatureMultiprocess)
}

// freezeFeatures records the negotiation result. Features never change afterwards.
func (s *Session) freezeFeatures(fs FeatureSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features = fs
	s.log.V(1).Info("Features negotiated", "Features", fs.String())
}

func (s *Session) enterNoAck() {
	s.mu.Lock()
	s.noAck = true
	s.mu.Unlock()
	s.link.disableInboundAcks()
	s.link.disableOutboundAcks()
	s.log.V(1).Info("Switched to no-acknowledgment mode")
}

// begin reserves the session for a request. Nothing is written when it fails.
func (s *Session) begin(cmd Command) (*transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateTerminated:
		return nil, s.terminatedErrorLocked()
	case StateAwaitingReply, StateInterrupted:
		if s.inflight != nil && s.inflight.abandoned {
			return nil, fmt.Errorf("%w: %s is still owed a reply", ErrDrainRequired, s.inflight.cmd.Tag)
		}
		return nil, ErrRequestOutstanding
	}

	if required := cmd.requiredFeature(); required != "" {
		if !s.features.Negotiated() {
			return nil, fmt.Errorf("%w: %s requires %s, but features have not been negotiated", ErrFeatureNotNegotiated, cmd.Tag, required)
		}
		if !s.features.Has(required) {
			return nil, fmt.Errorf("%w: %s requires %s", ErrFeatureNotNegotiated, cmd.Tag, required)
		}
	}

	tx := &transaction{
		cmd:      cmd,
		shape:    cmd.replyShape(),
		resumes:  cmd.resumes() && !s.nonStop,
		returnTo: StateIdle,
	}
	if s.state == StateNegotiating {
		tx.returnTo = StateNegotiating
	}
	s.inflight = tx
	s.setStateLocked(StateAwaitingReply)
	return tx, nil
}

// finish releases the session after the reply of tx arrived.
func (s *Session) finish(tx *transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight != tx {
		return
	}
	s.inflight = nil
	s.setStateLocked(tx.returnTo)
}

// fail classifies a failure that happened while tx was outstanding. Timeouts and cancellation
// leave the reply owed (the request must be drained); anything else terminates the session.
func (s *Session) fail(ctx context.Context, tx *transaction, err error) error {
	switch {
	case errors.Is(err, errWaitExpired):
		s.abandon(tx)
		return fmt.Errorf("%w: no reply to %s within %s", ErrReplyTimeout, tx.cmd.Tag, s.cfg.ReplyTimeout)

	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		s.abandon(tx)
		return fmt.Errorf("waiting for reply to %s: %w", tx.cmd.Tag, err)

	case errors.Is(err, ErrAckExhausted), errors.Is(err, ErrTooManyMalformed):
		s.terminate(err)
		return err

	default:
		s.terminate(err)
		return fmt.Errorf("%w: %w", ErrSessionTerminated, err)
	}
}

func (s *Session) abandon(tx *transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == tx {
		tx.abandoned = true
		s.log.Info("Abandoned reply must be drained before the next request", "Command", tx.cmd.Tag)
	}
}

// roundTrip sends a request and waits for its reply. This is the single path all client requests take.
func (s *Session) roundTrip(ctx context.Context, cmd Command) (Reply, error) {
	tx, beginErr := s.begin(cmd)
	if beginErr != nil {
		return Reply{}, beginErr
	}

	if sendErr := s.link.sendPacket(ctx, cmd.Payload(s.multiprocess())); sendErr != nil {
		return Reply{}, s.fail(ctx, tx, sendErr)
	}

	timeout := s.cfg.ReplyTimeout
	if tx.resumes {
		timeout = 0
	}
	return s.await(ctx, tx, timeout)
}

// await reads events until the reply of tx arrives. Console output and notifications are handled
// on the way. A zero timeout waits until the context is done.
func (s *Session) await(ctx context.Context, tx *transaction, timeout time.Duration) (Reply, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		var remaining time.Duration
		if !deadline.IsZero() {
			remaining = max(time.Until(deadline), time.Nanosecond)
		}

		ev, nextErr := s.link.next(ctx, remaining)
		if nextErr != nil {
			return Reply{}, s.fail(ctx, tx, nextErr)
		}

		switch ev.kind {
		case eventNotification:
			s.handleNotification(ev.payload)
			continue
		case eventPacket:
		default:
			continue
		}

		reply, parseErr := parseReply(ev.payload, tx.shape)
		if parseErr != nil {
			s.finish(tx)
			return Reply{}, fmt.Errorf("reply to %s: %w", tx.cmd.Tag, parseErr)
		}

		if reply.Kind == ReplyOutput {
			s.consoleOutput(tx, reply.Data)
			if !deadline.IsZero() {
				deadline = time.Now().Add(timeout)
			}
			continue
		}

		s.finish(tx)
		return reply, nil
	}
}

func (s *Session) consoleOutput(tx *transaction, text []byte) {
	tx.output.Write(text)
	if s.cfg.Output == nil {
		return
	}
	if _, writeErr := s.cfg.Output.Write(text); writeErr != nil {
		s.log.V(1).Info("Failed to forward console output", "error", writeErr)
	}
}

// Drain waits for the reply of an abandoned request and returns it. It returns an empty reply and no
// error if nothing needs draining. The wait is bounded only by the context.
func (s *Session) Drain(ctx context.Context) (Reply, error) {
	s.mu.Lock()
	if s.state == StateTerminated {
		defer s.mu.Unlock()
		return Reply{}, s.terminatedErrorLocked()
	}
	tx := s.inflight
	if tx == nil || !tx.abandoned {
		s.mu.Unlock()
		return Reply{}, nil
	}
	tx.abandoned = false
	s.mu.Unlock()

	s.log.V(1).Info("Draining abandoned reply", "Command", tx.cmd.Tag)
	return s.await(ctx, tx, 0)
}

// Interrupt asks a running target to stop. In all-stop mode it sends the interrupt byte while the
// execution request stays outstanding; the stop reply completes that request. In non-stop mode it sends vCtrlC.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state == StateTerminated:
		defer s.mu.Unlock()
		return s.terminatedErrorLocked()

	case s.nonStop:
		s.mu.Unlock()
		reply, err := s.roundTrip(ctx, Command{Tag: TagVCtrlC})
		if err != nil {
			return err
		}
		return reply.Err(TagVCtrlC)

	case s.inflight == nil || !s.inflight.resumes:
		s.mu.Unlock()
		return ErrNotRunning

	case s.state == StateInterrupted:
		// Repeated interrupts resend the byte in case the first one was lost.
		s.log.V(1).Info("Resending interrupt", "Command", s.inflight.cmd.Tag)
		s.mu.Unlock()

	case s.state != StateAwaitingReply:
		s.mu.Unlock()
		return ErrNotRunning

	default:
		s.setStateLocked(StateInterrupted)
		s.mu.Unlock()
	}

	if sendErr := s.link.sendInterrupt(); sendErr != nil {
		s.terminate(sendErr)
		return fmt.Errorf("%w: %w", ErrSessionTerminated, sendErr)
	}
	return nil
}

// handleNotification queues %Stop notifications. Other notifications are logged and dropped.
func (s *Session) handleNotification(payload []byte) {
	name, body, _ := bytes.Cut(payload, []byte(":"))
	if string(name) != "Stop" {
		s.log.Info("Ignoring unknown notification", "Notification", string(name))
		return
	}

	ev, parseErr := ParseStopEvent(body)
	if parseErr != nil {
		s.log.Error(parseErr, "Invalid stop notification", "Payload", printable(payload))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopNotified = true
	if !s.stops.push(ev) {
		s.stopOverflow = fmt.Errorf("%w: dropped %s", ErrStopQueueOverflow, ev.String())
		s.log.Error(s.stopOverflow, "Stop queue is full")
	}
}
