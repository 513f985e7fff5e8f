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
	"strings"
	"sync"
)

const (
	// Bytes of a reply or request that are not data: "$", "#hh" and some slack for headers.
	packetHeaderReserve = 32
)

// Client drives a remote stub. All requests go through the session's single-outstanding-request engine,
// so at most one request is in flight at any time.
type Client struct {
	*Session

	vContMu sync.Mutex
	// vContKnown is set once the stub gave a definitive answer to vCont?.
	vContKnown   bool
	vContActions string
}

// NewClient starts a client session over the transport. No bytes are exchanged until the first request.
func NewClient(t Transport, cfg Config) (*Client, error) {
	if validationErr := cfg.Validate(RoleClient); validationErr != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", validationErr)
	}
	return &Client{Session: newSession(t, cfg, RoleClient)}, nil
}

// Connect establishes a client session: it negotiates features and, when configured and supported,
// switches to no-acknowledgment mode.
func Connect(ctx context.Context, t Transport, cfg Config) (*Client, error) {
	c, clientErr := NewClient(t, cfg)
	if clientErr != nil {
		return nil, clientErr
	}

	if _, negotiateErr := c.Negotiate(ctx); negotiateErr != nil {
		_ = c.Close()
		return nil, negotiateErr
	}
	if c.cfg.NoAck && c.Features().Has(FeatureNoAckMode) {
		if noAckErr := c.EnableNoAck(ctx); noAckErr != nil {
			_ = c.Close()
			return nil, noAckErr
		}
	}
	return c, nil
}

func (c *Client) advertisedFeatures() []Feature {
	if c.cfg.Features != nil {
		return c.cfg.Features
	}
	return DefaultClientFeatures()
}

// Negotiate exchanges qSupported. An empty reply means the stub predates qSupported; negotiation is then
// considered bypassed and no optional feature is enabled. Features are frozen afterwards.
func (c *Client) Negotiate(ctx context.Context) (FeatureSet, error) {
	c.mu.Lock()
	switch {
	case c.state == StateTerminated:
		defer c.mu.Unlock()
		return FeatureSet{}, c.terminatedErrorLocked()
	case c.features.Negotiated():
		defer c.mu.Unlock()
		return c.features, nil
	case c.state != StateDisconnected && c.state != StateIdle && c.state != StateNegotiating:
		c.mu.Unlock()
		return FeatureSet{}, ErrRequestOutstanding
	}
	c.setStateLocked(StateNegotiating)
	c.mu.Unlock()

	advertised := c.advertisedFeatures()
	reply, err := c.roundTrip(ctx, Command{Tag: TagSupported, Features: advertised})
	if err != nil {
		return FeatureSet{}, err
	}

	var fs FeatureSet
	switch reply.Kind {
	case ReplyEmpty:
		c.log.Info("Stub does not support qSupported, continuing without optional features")
		fs = bypassedFeatureSet()
	case ReplyError:
		c.backToIdle()
		return FeatureSet{}, reply.Err(TagSupported)
	default:
		fs = negotiateClient(advertised, ParseFeatureList(string(reply.Data)))
	}

	c.freezeFeatures(fs)
	c.backToIdle()
	return fs, nil
}

func (c *Client) backToIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateNegotiating {
		c.setStateLocked(StateIdle)
	}
}

// EnableNoAck switches to no-acknowledgment mode. Once enabled it stays enabled.
func (c *Client) EnableNoAck(ctx context.Context) error {
	if c.NoAck() {
		return nil
	}
	if err := c.status(ctx, Command{Tag: TagStartNoAckMode}); err != nil {
		return err
	}
	// The stub's OK was acknowledged by the reader before we got here; that was the last acknowledgment.
	c.enterNoAck()
	return nil
}

// ExtendedMode enables extended-remote mode ("!"). Once enabled it stays enabled.
func (c *Client) ExtendedMode(ctx context.Context) error {
	if c.Extended() {
		return nil
	}
	if err := c.status(ctx, Command{Tag: TagExtendedMode}); err != nil {
		return err
	}
	c.mu.Lock()
	c.extended = true
	c.mu.Unlock()
	return nil
}

// SetNonStop enables or disables non-stop mode. Requires the QNonStop feature.
func (c *Client) SetNonStop(ctx context.Context, enable bool) error {
	if err := c.status(ctx, Command{Tag: TagNonStop, Flag: enable}); err != nil {
		return err
	}
	c.mu.Lock()
	c.nonStop = enable
	c.mu.Unlock()
	return nil
}

// status issues a command that answers OK, Exx or nothing.
func (c *Client) status(ctx context.Context, cmd Command) error {
	reply, err := c.roundTrip(ctx, cmd)
	if err != nil {
		return err
	}
	if reply.Kind == ReplyData {
		return fmt.Errorf("%w: %s answered %q instead of OK", ErrUnexpectedReply, cmd.Tag, truncate(reply.Data))
	}
	return reply.Err(cmd.Tag)
}

// data issues a command that answers with data.
func (c *Client) data(ctx context.Context, cmd Command) ([]byte, error) {
	reply, err := c.roundTrip(ctx, cmd)
	if err != nil {
		return nil, err
	}
	switch reply.Kind {
	case ReplyData:
		return reply.Data, nil
	case ReplyOK:
		return nil, fmt.Errorf("%w: %s answered OK instead of data", ErrUnexpectedReply, cmd.Tag)
	default:
		return nil, reply.Err(cmd.Tag)
	}
}

// maxPayload is the largest payload this side may send or ask for.
func (c *Client) maxPayload() int {
	if size, found := c.Features().PacketSize(); found {
		return size
	}
	return c.cfg.PacketSize
}

// ReadMemory reads length bytes at addr, splitting the request to fit the packet size.
// A stub may return fewer bytes than requested (for example at the end of mapped memory);
// the bytes read so far are returned in that case.
func (c *Client) ReadMemory(ctx context.Context, addr uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("invalid memory read length %d", length)
	}
	chunk := max((c.maxPayload()-packetHeaderReserve)/2, 1)
	result := make([]byte, 0, length)

	for len(result) < length {
		want := min(chunk, length-len(result))
		hexData, err := c.data(ctx, Command{Tag: TagReadMemory, Addr: addr + uint64(len(result)), Length: uint64(want)})
		if err != nil {
			return result, err
		}
		data, decodeErr := HexDecode(hexData)
		if decodeErr != nil {
			return result, fmt.Errorf("%w: memory read: %w", ErrUnexpectedReply, decodeErr)
		}
		result = append(result, data...)
		if len(data) < want {
			break
		}
	}
	return result, nil
}

// WriteMemory writes data at addr using hex encoded M packets.
func (c *Client) WriteMemory(ctx context.Context, addr uint64, data []byte) error {
	chunk := max((c.maxPayload()-packetHeaderReserve)/2, 1)
	for offset := 0; offset < len(data) || offset == 0; offset += chunk {
		end := min(offset+chunk, len(data))
		if err := c.status(ctx, Command{Tag: TagWriteMemory, Addr: addr + uint64(offset), Data: data[offset:end]}); err != nil {
			return err
		}
		if end == len(data) {
			break
		}
	}
	return nil
}

// WriteMemoryBinary writes data at addr using binary X packets.
// Returns ErrUnsupported if the stub does not implement X.
func (c *Client) WriteMemoryBinary(ctx context.Context, addr uint64, data []byte) error {
	// Escaping may double the size of the data.
	chunk := max((c.maxPayload()-packetHeaderReserve)/2, 1)
	for offset := 0; offset < len(data) || offset == 0; offset += chunk {
		end := min(offset+chunk, len(data))
		if err := c.status(ctx, Command{Tag: TagWriteBinary, Addr: addr + uint64(offset), Data: data[offset:end]}); err != nil {
			return err
		}
		if end == len(data) {
			break
		}
	}
	return nil
}

// ReadRegisters reads all registers of the current general thread, in target order.
func (c *Client) ReadRegisters(ctx context.Context) ([]byte, error) {
	hexData, err := c.data(ctx, Command{Tag: TagReadRegisters})
	if err != nil {
		return nil, err
	}
	return HexDecode(hexData)
}

// WriteRegisters writes all registers of the current general thread.
func (c *Client) WriteRegisters(ctx context.Context, data []byte) error {
	return c.status(ctx, Command{Tag: TagWriteRegisters, Data: data})
}

// ReadRegister reads a single register.
func (c *Client) ReadRegister(ctx context.Context, reg int) ([]byte, error) {
	hexData, err := c.data(ctx, Command{Tag: TagReadRegister, Register: reg})
	if err != nil {
		return nil, err
	}
	return HexDecode(hexData)
}

// WriteRegister writes a single register.
func (c *Client) WriteRegister(ctx context.Context, reg int, value []byte) error {
	return c.status(ctx, Command{Tag: TagWriteRegister, Register: reg, Data: value})
}

// SetBreakpoint inserts a breakpoint or watchpoint. length is the breakpoint kind for software
// breakpoints (usually the instruction size) and the watched length for watchpoints.
func (c *Client) SetBreakpoint(ctx context.Context, kind BreakpointKind, addr uint64, length int) error {
	return c.status(ctx, Command{Tag: TagInsertPoint, Kind: kind, Addr: addr, Length: uint64(length)})
}

// ClearBreakpoint removes a breakpoint or watchpoint.
func (c *Client) ClearBreakpoint(ctx context.Context, kind BreakpointKind, addr uint64, length int) error {
	return c.status(ctx, Command{Tag: TagRemovePoint, Kind: kind, Addr: addr, Length: uint64(length)})
}

// supportedResumeActions asks the stub for its vCont actions. Data and empty replies are remembered;
// errors are not, so a later resume asks again.
func (c *Client) supportedResumeActions(ctx context.Context) (string, error) {
	c.vContMu.Lock()
	defer c.vContMu.Unlock()
	if c.vContKnown {
		return c.vContActions, nil
	}

	reply, err := c.roundTrip(ctx, Command{Tag: TagVContQuery})
	if err != nil {
		return "", err
	}
	switch reply.Kind {
	case ReplyData:
		c.vContActions, c.vContKnown = strings.TrimPrefix(string(reply.Data), "vCont"), true
	case ReplyEmpty:
		c.vContKnown = true
	default:
		c.log.V(1).Info("Stub failed to report vCont actions", "error", reply.Err(TagVContQuery))
	}
	return c.vContActions, nil
}

func (c *Client) resume(ctx context.Context, action byte, thread ThreadID) (StopEvent, error) {
	var cmd Command
	switch {
	case c.NonStop():
		cmd = Command{Tag: TagVCont, Actions: []ResumeAction{{Action: action, Thread: thread}}}
	case thread.IsAll() || thread.IsAny():
		cmd = Command{Tag: string(action)}
	default:
		actions, probeErr := c.supportedResumeActions(ctx)
		if probeErr != nil {
			return StopEvent{}, probeErr
		}
		if strings.Contains(actions, ";"+string(action)) {
			cmd = Command{Tag: TagVCont, Actions: []ResumeAction{{Action: action, Thread: thread}}}
			break
		}
		if err := c.SetThread(ctx, 'c', thread); err != nil {
			return StopEvent{}, err
		}
		cmd = Command{Tag: string(action)}
	}

	reply, err := c.roundTrip(ctx, cmd)
	if err != nil {
		return StopEvent{}, err
	}
	switch reply.Kind {
	case ReplyStop:
		return reply.Stop, nil
	case ReplyOK:
		// Non-stop: the stop will be reported by a notification.
		return StopEvent{}, nil
	default:
		return StopEvent{}, reply.Err(cmd.Tag)
	}
}

// Continue resumes the given thread (or AllThreads) and, in all-stop mode, waits for the target to stop.
// The wait is bounded only by the context; if the context ends first, the stop reply must be drained.
// In non-stop mode Continue returns as soon as the stub accepted the request, with a zero StopEvent;
// stops are then delivered through WaitStopEvent and DrainStopEvents.
func (c *Client) Continue(ctx context.Context, thread ThreadID) (StopEvent, error) {
	return c.resume(ctx, 'c', thread)
}

// Step single-steps the given thread. See Continue.
func (c *Client) Step(ctx context.Context, thread ThreadID) (StopEvent, error) {
	return c.resume(ctx, 's', thread)
}

// StopReason asks why the target last stopped ("?").
func (c *Client) StopReason(ctx context.Context) (StopEvent, error) {
	reply, err := c.roundTrip(ctx, Command{Tag: TagStopReason})
	if err != nil {
		return StopEvent{}, err
	}
	if reply.Kind == ReplyStop {
		return reply.Stop, nil
	}
	if reply.Kind == ReplyOK {
		// Non-stop mode with nothing stopped.
		return StopEvent{}, nil
	}
	return StopEvent{}, reply.Err(TagStopReason)
}

// Threads lists the live threads with qfThreadInfo/qsThreadInfo.
func (c *Client) Threads(ctx context.Context) ([]ThreadID, error) {
	var threads []ThreadID
	cmd := Command{Tag: TagFirstThreadInfo}
	for {
		payload, err := c.data(ctx, cmd)
		if err != nil {
			return nil, err
		}
		switch {
		case bytes.Equal(payload, []byte("l")):
			return threads, nil
		case len(payload) > 0 && payload[0] == 'm':
			for _, text := range strings.Split(string(payload[1:]), ",") {
				tid, parseErr := ParseThreadID(text)
				if parseErr != nil {
					return nil, fmt.Errorf("%w: thread list: %w", ErrUnexpectedReply, parseErr)
				}
				threads = append(threads, tid)
			}
		default:
			return nil, fmt.Errorf("%w: thread list %q", ErrUnexpectedReply, truncate(payload))
		}
		cmd = Command{Tag: TagNextThreadInfo}
	}
}

// CurrentThread asks for the current thread (qC). AnyThread is returned if the stub does not say.
func (c *Client) CurrentThread(ctx context.Context) (ThreadID, error) {
	reply, err := c.roundTrip(ctx, Command{Tag: TagCurrentThread})
	if err != nil {
		return ThreadID{}, err
	}
	if reply.Kind == ReplyEmpty {
		return AnyThread, nil
	}
	if reply.Kind != ReplyData || !bytes.HasPrefix(reply.Data, []byte("QC")) {
		if replyErr := reply.Err(TagCurrentThread); replyErr != nil {
			return ThreadID{}, replyErr
		}
		return ThreadID{}, fmt.Errorf("%w: qC answered %q", ErrUnexpectedReply, truncate(reply.Data))
	}
	return ParseThreadID(string(reply.Data[2:]))
}

// SetThread selects the thread for subsequent operations: op 'g' for register and memory access, 'c' for resumption.
func (c *Client) SetThread(ctx context.Context, op byte, thread ThreadID) error {
	if op != 'g' && op != 'c' {
		return fmt.Errorf("invalid thread operation %q", op)
	}
	return c.status(ctx, Command{Tag: TagSetThread, Op: op, Thread: thread})
}

// ThreadAlive reports whether a thread is still alive.
func (c *Client) ThreadAlive(ctx context.Context, thread ThreadID) (bool, error) {
	err := c.status(ctx, Command{Tag: TagThreadAlive, Thread: thread})
	if err == nil {
		return true, nil
	}
	if IsProtocolError(err) {
		return false, nil
	}
	return false, err
}

// Detach detaches from the target and ends the session.
func (c *Client) Detach(ctx context.Context) error {
	err := c.status(ctx, Command{Tag: TagDetach})
	c.terminate(errors.New("detached from target"))
	return err
}

// Kill kills the target. In extended mode vKill is used and the session survives;
// otherwise the session ends, because stubs may drop the connection without answering.
func (c *Client) Kill(ctx context.Context, pid int64) error {
	if c.Extended() && pid > 0 {
		return c.status(ctx, Command{Tag: TagVKill, Pid: pid})
	}

	_, err := c.roundTrip(ctx, Command{Tag: TagKill})
	c.terminate(errors.New("target killed"))
	if err != nil && !IsFatal(err) && !IsRecoverable(err) {
		return err
	}
	return nil
}

// ReadXfer reads a whole qXfer object (for example "features" / "target.xml"), chunk by chunk.
// Requires the qXfer:<object>:read feature.
func (c *Client) ReadXfer(ctx context.Context, object, annex string) ([]byte, error) {
	chunk := uint64(max(c.maxPayload()-packetHeaderReserve, 1))
	var document []byte
	for {
		payload, err := c.data(ctx, Command{Tag: TagXfer, Object: object, Annex: annex, Addr: uint64(len(document)), Length: chunk})
		if err != nil {
			return document, err
		}
		if len(payload) == 0 {
			return document, fmt.Errorf("%w: empty qXfer chunk", ErrUnexpectedReply)
		}
		document = append(document, payload[1:]...)
		switch payload[0] {
		case 'l':
			return document, nil
		case 'm':
			if len(payload) == 1 {
				return document, fmt.Errorf("%w: qXfer chunk without data", ErrUnexpectedReply)
			}
		default:
			return document, fmt.Errorf("%w: qXfer chunk marker %q", ErrUnexpectedReply, payload[0])
		}
	}
}

// Monitor runs a stub monitor command (qRcmd) and returns the console output it produced.
// The output is also forwarded to the configured Output writer as it arrives.
func (c *Client) Monitor(ctx context.Context, command string) ([]byte, error) {
	tx, beginErr := c.begin(Command{Tag: TagMonitor, Data: []byte(command)})
	if beginErr != nil {
		return nil, beginErr
	}
	if sendErr := c.link.sendPacket(ctx, tx.cmd.Payload(c.multiprocess())); sendErr != nil {
		return nil, c.fail(ctx, tx, sendErr)
	}
	reply, err := c.await(ctx, tx, c.cfg.ReplyTimeout)
	output := tx.output.Bytes()
	if err != nil {
		return output, err
	}
	switch reply.Kind {
	case ReplyOK:
		return output, nil
	case ReplyData:
		text, decodeErr := HexDecode(reply.Data)
		if decodeErr != nil {
			return output, fmt.Errorf("%w: monitor reply: %w", ErrUnexpectedReply, decodeErr)
		}
		return append(output, text...), nil
	default:
		return output, reply.Err(TagMonitor)
	}
}

// SetPassSignals tells the stub which signals to pass to the inferior without stopping. Requires QPassSignals.
func (c *Client) SetPassSignals(ctx context.Context, signals []int) error {
	return c.status(ctx, Command{Tag: TagPassSignals, Signals: signals})
}

// WaitStopEvent blocks until a non-stop stop event is available and returns it.
func (c *Client) WaitStopEvent(ctx context.Context) (StopEvent, error) {
	for {
		events, err := c.DrainStopEvents(ctx)
		if len(events) > 0 || err != nil {
			if len(events) > 1 {
				c.requeue(events[1:])
			}
			if len(events) > 0 {
				return events[0], err
			}
			return StopEvent{}, err
		}

		if stateErr := c.ensureIdle(); stateErr != nil {
			return StopEvent{}, stateErr
		}
		ev, nextErr := c.link.next(ctx, 0)
		if nextErr != nil {
			if ctx.Err() != nil {
				return StopEvent{}, nextErr
			}
			c.terminate(nextErr)
			return StopEvent{}, fmt.Errorf("%w: %w", ErrSessionTerminated, nextErr)
		}
		c.dispatchUnsolicited(ev)
	}
}

// DrainStopEvents returns the stop events reported so far, oldest first. When the stub has more
// events pending, they are fetched with vStopped as long as the queue has room.
func (c *Client) DrainStopEvents(ctx context.Context) ([]StopEvent, error) {
	if stateErr := c.ensureIdle(); stateErr != nil {
		return nil, stateErr
	}

	for {
		ev, found, pollErr := c.link.poll()
		if pollErr != nil {
			c.terminate(pollErr)
			return nil, fmt.Errorf("%w: %w", ErrSessionTerminated, pollErr)
		}
		if !found {
			break
		}
		c.dispatchUnsolicited(ev)
	}

	for c.wantsMoreStops() {
		reply, err := c.roundTrip(ctx, Command{Tag: TagVStopped})
		if err != nil {
			return c.takeStops(), err
		}
		switch reply.Kind {
		case ReplyStop:
			c.mu.Lock()
			c.stops.push(reply.Stop)
			c.mu.Unlock()
		case ReplyOK:
			c.mu.Lock()
			c.stopNotified = false
			c.mu.Unlock()
		default:
			c.mu.Lock()
			c.stopNotified = false
			c.mu.Unlock()
			return c.takeStops(), reply.Err(TagVStopped)
		}
	}

	c.mu.Lock()
	overflow := c.stopOverflow
	c.stopOverflow = nil
	c.mu.Unlock()
	return c.takeStops(), overflow
}

func (c *Client) wantsMoreStops() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopNotified && c.stops.room() > 0 && c.state != StateTerminated
}

func (c *Client) takeStops() []StopEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops.popAll()
}

func (c *Client) requeue(events []StopEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.stops.popAll()
	for _, ev := range append(events, pending...) {
		c.stops.push(ev)
	}
}

// PendingStopEvents returns the number of queued, undelivered stop events.
func (c *Client) PendingStopEvents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops.size()
}

func (c *Client) ensureIdle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateTerminated:
		return c.terminatedErrorLocked()
	case StateAwaitingReply, StateInterrupted:
		return ErrRequestOutstanding
	default:
		return nil
	}
}

// dispatchUnsolicited handles an event read while no request is outstanding.
func (c *Client) dispatchUnsolicited(ev inboundEvent) {
	switch ev.kind {
	case eventNotification:
		c.handleNotification(ev.payload)
	case eventPacket:
		c.log.Info("Ignoring unsolicited packet", "Payload", printable(ev.payload))
	}
}
