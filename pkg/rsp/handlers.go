// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"context"
	"errors"
	"strings"
)

const (
	errCodeInvalidArgument uint8 = 0x01
	errCodeTargetFailure   uint8 = 0x01
	errCodeNoSuchThread    uint8 = 0x02
	vContActionsReply            = "vCont;c;C;s;S;t"
)

func registerDefaultHandlers(s *Server) {
	s.Handle(TagSupported, handleSupported)
	s.Handle(TagStartNoAckMode, handleStartNoAckMode)
	s.Handle(TagExtendedMode, handleExtendedMode)
	s.Handle(TagStopReason, handleStopReason)
	s.Handle(TagReadMemory, handleReadMemory)
	s.Handle(TagWriteMemory, handleWriteMemory)
	s.Handle(TagWriteBinary, handleWriteMemory)
	s.Handle(TagReadRegisters, handleReadRegisters)
	s.Handle(TagWriteRegisters, handleWriteRegisters)
	s.Handle(TagReadRegister, handleReadRegister)
	s.Handle(TagWriteRegister, handleWriteRegister)
	s.Handle(TagInsertPoint, handleBreakpoint)
	s.Handle(TagRemovePoint, handleBreakpoint)
	s.Handle(TagContinue, handleResume)
	s.Handle(TagStep, handleResume)
	s.Handle(TagContinueSignal, handleResume)
	s.Handle(TagStepSignal, handleResume)
	s.Handle(TagVContQuery, handleVContQuery)
	s.Handle(TagVCont, handleResume)
	s.Handle(TagVCtrlC, handleVCtrlC)
	s.Handle(TagVStopped, handleVStopped)
	s.Handle(TagNonStop, handleNonStop)
	s.Handle(TagCurrentThread, handleCurrentThread)
	s.Handle(TagFirstThreadInfo, handleThreadInfo)
	s.Handle(TagNextThreadInfo, handleThreadInfo)
	s.Handle(TagSetThread, handleSetThread)
	s.Handle(TagThreadAlive, handleThreadAlive)
	s.Handle(TagDetach, handleDetach)
	s.Handle(TagKill, handleKill)
	s.Handle(TagVKill, handleKill)
	s.Handle(TagAttached, handleAttached)
	s.Handle(TagXfer, handleXfer)
	s.Handle(TagMonitor, handleMonitor)
	s.Handle(TagPassSignals, handlePassSignals)
}

// errorReply maps a target error to a reply: *Fault keeps its code, ErrUnsupported becomes the empty reply.
func (c *ServerConn) errorReply(err error, cmd Command) Reply {
	var fault *Fault
	switch {
	case errors.As(err, &fault):
		c.log.V(1).Info("Target reported a fault", "Command", cmd.Tag, "Code", fault.Code, "error", err)
		return ErrorReply(fault.Code)
	case errors.Is(err, ErrUnsupported):
		return EmptyReply()
	default:
		c.log.Error(err, "Target operation failed", "Command", cmd.Tag)
		return ErrorReply(errCodeTargetFailure)
	}
}

func handleSupported(_ context.Context, c *ServerConn, cmd Command) Reply {
	if c.Features().Negotiated() {
		// Features are frozen; answer with the same list.
		return DataReply([]byte(FormatFeatureList(c.server.features)))
	}
	c.mu.Lock()
	c.setStateLocked(StateNegotiating)
	c.mu.Unlock()

	reply, fs := negotiateServer(c.server.features, cmd.Features)
	c.freezeFeatures(fs)

	c.mu.Lock()
	c.setStateLocked(StateIdle)
	c.mu.Unlock()
	return DataReply([]byte(FormatFeatureList(reply)))
}

func handleStartNoAckMode(_ context.Context, c *ServerConn, _ Command) Reply {
	if !c.Features().Has(FeatureNoAckMode) {
		return EmptyReply()
	}
	if c.NoAck() {
		return OKReply()
	}
	// The client stops acknowledging right after our OK, and acknowledges nothing it sends from now on.
	c.link.disableInboundAcks()
	reply := OKReply()
	reply.afterSend = c.enterNoAck
	return reply
}

func handleExtendedMode(_ context.Context, c *ServerConn, _ Command) Reply {
	c.mu.Lock()
	c.extended = true
	c.mu.Unlock()
	return OKReply()
}

func handleStopReason(ctx context.Context, c *ServerConn, cmd Command) Reply {
	if c.NonStop() && !c.hasStop {
		return OKReply()
	}
	ev, err := c.server.target.StopReason(ctx)
	if err != nil {
		return c.errorReply(err, cmd)
	}
	return StopReply(ev)
}

func handleReadMemory(ctx context.Context, c *ServerConn, cmd Command) Reply {
	// Two hex digits per byte must fit the packet size.
	length := min(cmd.Length, uint64(c.server.cfg.PacketSize/2))
	data, err := c.server.target.ReadMemory(ctx, cmd.Addr, int(length))
	if err != nil {
		return c.errorReply(err, cmd)
	}
	return HexReply(data)
}

func handleWriteMemory(ctx context.Context, c *ServerConn, cmd Command) Reply {
	if err := c.server.target.WriteMemory(ctx, cmd.Addr, cmd.Data); err != nil {
		return c.errorReply(err, cmd)
	}
	return OKReply()
}

func handleReadRegisters(ctx context.Context, c *ServerConn, cmd Command) Reply {
	data, err := c.server.target.ReadRegisters(ctx, c.generalThread)
	if err != nil {
		return c.errorReply(err, cmd)
	}
	return HexReply(data)
}

func handleWriteRegisters(ctx context.Context, c *ServerConn, cmd Command) Reply {
	if err := c.server.target.WriteRegisters(ctx, c.generalThread, cmd.Data); err != nil {
		return c.errorReply(err, cmd)
	}
	return OKReply()
}

func handleReadRegister(ctx context.Context, c *ServerConn, cmd Command) Reply {
	ra, ok := c.server.target.(RegisterAccessor)
	if !ok {
		return EmptyReply()
	}
	data, err := ra.ReadRegister(ctx, c.generalThread, cmd.Register)
	if err != nil {
		return c.errorReply(err, cmd)
	}
	return HexReply(data)
}

func handleWriteRegister(ctx context.Context, c *ServerConn, cmd Command) Reply {
	ra, ok := c.server.target.(RegisterAccessor)
	if !ok {
		return EmptyReply()
	}
	if err := ra.WriteRegister(ctx, c.generalThread, cmd.Register, cmd.Data); err != nil {
		return c.errorReply(err, cmd)
	}
	return OKReply()
}

func handleBreakpoint(ctx context.Context, c *ServerConn, cmd Command) Reply {
	var err error
	if cmd.Tag == TagInsertPoint {
		err = c.server.target.SetBreakpoint(ctx, cmd.Kind, cmd.Addr, int(cmd.Length))
	} else {
		err = c.server.target.ClearBreakpoint(ctx, cmd.Kind, cmd.Addr, int(cmd.Length))
	}
	if err != nil {
		return c.errorReply(err, cmd)
	}
	return OKReply()
}

func handleVContQuery(_ context.Context, _ *ServerConn, _ Command) Reply {
	return DataReply([]byte(vContActionsReply))
}

// resumeActions converts c/s/C/S packets to the equivalent vCont action on the Hc thread.
func (c *ServerConn) resumeActions(cmd Command) []ResumeAction {
	if cmd.Tag == TagVCont {
		return cmd.Actions
	}
	return []ResumeAction{{
		Action:  cmd.Tag[0],
		Signal:  cmd.Signal,
		Thread:  c.contThread,
		Addr:    cmd.Addr,
		HasAddr: cmd.HasAddr,
	}}
}

func handleResume(ctx context.Context, c *ServerConn, cmd Command) Reply {
	actions := c.resumeActions(cmd)

	onlyStops := true
	for _, a := range actions {
		onlyStops = onlyStops && a.Action == 't'
	}
	if onlyStops {
		if !c.NonStop() {
			return ErrorReply(errCodeInvalidArgument)
		}
		if err := c.server.target.Interrupt(ctx); err != nil {
			return c.errorReply(err, cmd)
		}
		return OKReply()
	}

	stops, err := c.server.target.Resume(c.ctx, actions)
	if err != nil {
		return c.errorReply(err, cmd)
	}
	c.watch(stops)

	if c.NonStop() {
		return OKReply()
	}
	c.running = true
	c.mu.Lock()
	c.setStateLocked(StateAwaitingReply)
	c.mu.Unlock()
	return Reply{deferred: true}
}

func handleVCtrlC(ctx context.Context, c *ServerConn, cmd Command) Reply {
	if err := c.server.target.Interrupt(ctx); err != nil {
		return c.errorReply(err, cmd)
	}
	return OKReply()
}

func handleVStopped(_ context.Context, c *ServerConn, _ Command) Reply {
	if !c.NonStop() {
		return EmptyReply()
	}
	if len(c.pendingStops) > 0 {
		ev := c.pendingStops[0]
		c.pendingStops = c.pendingStops[1:]
		return StopReply(ev)
	}
	c.notifying = false
	return OKReply()
}

func handleNonStop(_ context.Context, c *ServerConn, cmd Command) Reply {
	if !c.Features().Has(FeatureNonStop) {
		return EmptyReply()
	}
	c.mu.Lock()
	c.nonStop = cmd.Flag
	c.mu.Unlock()
	return OKReply()
}

func handleCurrentThread(ctx context.Context, c *ServerConn, cmd Command) Reply {
	var current ThreadID
	if ts, ok := c.server.target.(ThreadSelector); ok {
		tid, err := ts.CurrentThread(ctx)
		if err != nil {
			return c.errorReply(err, cmd)
		}
		current = tid
	} else {
		threads, err := c.server.target.Threads(ctx)
		if err != nil {
			return c.errorReply(err, cmd)
		}
		if len(threads) == 0 {
			return EmptyReply()
		}
		current = threads[0]
	}
	return DataReply([]byte("QC" + current.Encode(c.multiprocess())))
}

// handleThreadInfo reports every thread in the qfThreadInfo reply; qsThreadInfo ends the list.
func handleThreadInfo(ctx context.Context, c *ServerConn, cmd Command) Reply {
	if cmd.Tag == TagNextThreadInfo {
		return DataReply([]byte("l"))
	}
	threads, err := c.server.target.Threads(ctx)
	if err != nil {
		return c.errorReply(err, cmd)
	}
	if len(threads) == 0 {
		return DataReply([]byte("l"))
	}
	ids := make([]string, len(threads))
	for i, tid := range threads {
		ids[i] = tid.Encode(c.multiprocess())
	}
	return DataReply([]byte("m" + strings.Join(ids, ",")))
}

func handleSetThread(_ context.Context, c *ServerConn, cmd Command) Reply {
	switch cmd.Op {
	case 'g':
		c.generalThread = cmd.Thread
	case 'c':
		c.contThread = cmd.Thread
	default:
		return ErrorReply(errCodeInvalidArgument)
	}
	return OKReply()
}

func handleThreadAlive(ctx context.Context, c *ServerConn, cmd Command) Reply {
	threads, err := c.server.target.Threads(ctx)
	if err != nil {
		return c.errorReply(err, cmd)
	}
	if cmd.Thread.IsAll() || cmd.Thread.IsAny() {
		return ErrorReply(errCodeNoSuchThread)
	}
	for _, tid := range threads {
		if cmd.Thread.Same(tid) {
			return OKReply()
		}
	}
	return ErrorReply(errCodeNoSuchThread)
}

func handleDetach(ctx context.Context, c *ServerConn, cmd Command) Reply {
	if d, ok := c.server.target.(Detacher); ok {
		if err := d.Detach(ctx, cmd.Pid); err != nil {
			return c.errorReply(err, cmd)
		}
	}
	reply := OKReply()
	reply.endSession = true
	return reply
}

func handleKill(ctx context.Context, c *ServerConn, cmd Command) Reply {
	k, ok := c.server.target.(Killer)
	if !ok {
		return EmptyReply()
	}
	if err := k.Kill(ctx, cmd.Pid); err != nil {
		return c.errorReply(err, cmd)
	}
	if cmd.Tag == TagVKill {
		return OKReply()
	}

	reply := StopReply(StopEvent{Kind: StopTerminated, Signal: SignalKill})
	reply.endSession = !c.Extended()
	return reply
}

func handleAttached(_ context.Context, _ *ServerConn, _ Command) Reply {
	// The reference targets are always attached to an existing process.
	return DataReply([]byte("1"))
}

func handleXfer(ctx context.Context, c *ServerConn, cmd Command) Reply {
	xp, ok := c.server.target.(XferProvider)
	if !ok || !c.Features().Has(cmd.requiredFeature()) {
		return EmptyReply()
	}
	document, err := xp.ReadXfer(ctx, cmd.Object, cmd.Annex)
	if err != nil {
		return c.errorReply(err, cmd)
	}

	offset := min(cmd.Addr, uint64(len(document)))
	length := min(cmd.Length, uint64(c.server.cfg.PacketSize-packetHeaderReserve))
	end := min(offset+length, uint64(len(document)))
	marker := byte('m')
	if end == uint64(len(document)) {
		marker = 'l'
	}
	return DataReply(append([]byte{marker}, document[offset:end]...))
}

// monitorWriter sends monitor output to the client as console output packets.
type monitorWriter struct {
	conn *ServerConn
}

func (w *monitorWriter) Write(p []byte) (int, error) {
	chunk := max((w.conn.server.cfg.PacketSize-packetHeaderReserve)/2, 1)
	for offset := 0; offset < len(p); offset += chunk {
		end := min(offset+chunk, len(p))
		if err := w.conn.sendReply(OutputReply(p[offset:end])); err != nil {
			return offset, err
		}
	}
	return len(p), nil
}

func handleMonitor(ctx context.Context, c *ServerConn, cmd Command) Reply {
	mh, ok := c.server.target.(MonitorHandler)
	if !ok {
		return EmptyReply()
	}
	if err := mh.Monitor(ctx, string(cmd.Data), &monitorWriter{conn: c}); err != nil {
		return c.errorReply(err, cmd)
	}
	return OKReply()
}

func handlePassSignals(ctx context.Context, c *ServerConn, cmd Command) Reply {
	sf, ok := c.server.target.(SignalFilter)
	if !ok {
		return EmptyReply()
	}
	if err := sf.PassSignals(ctx, cmd.Signals); err != nil {
		return c.errorReply(err, cmd)
	}
	return OKReply()
}
