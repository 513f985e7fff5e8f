// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStopEventPayload(t *testing.T) {
	t.Parallel()

	require.Equal(t, "S05", string(StopEvent{Kind: StopSignal, Signal: SignalTrap}.Payload(true)))
	require.Equal(t, "W00;process:1a", string(StopEvent{Kind: StopExited, Process: 0x1a, HasProcess: true}.Payload(true)))
	require.Equal(t, "W00", string(StopEvent{Kind: StopExited, Process: 0x1a, HasProcess: true}.Payload(false)))
	require.Equal(t, "X09", string(StopEvent{Kind: StopTerminated, Signal: SignalKill}.Payload(false)))
	require.Equal(t, "w01;p1.2", string(StopEvent{Kind: StopThreadExited, ExitCode: 1, Thread: NewProcessThreadID(1, 2), HasThread: true}.Payload(true)))
	require.Equal(t, "N", string(StopEvent{Kind: StopNoResumed}.Payload(true)))

	ev := StopEvent{
		Kind:      StopSignal,
		Signal:    SignalTrap,
		Thread:    NewProcessThreadID(1, 2),
		HasThread: true,
		Core:      3,
		HasCore:   true,
		Reason:    ReasonSwBreak,
		Registers: map[uint64][]byte{0x10: {0x01, 0x02}, 0x06: {0xff}},
	}
	require.Equal(t, "T0506:ff;10:0102;thread:p1.2;core:3;swbreak:;", string(ev.Payload(true)))
}

func TestParseStopEvent(t *testing.T) {
	t.Parallel()

	ev, err := ParseStopEvent([]byte("S02"))
	require.NoError(t, err)
	require.Equal(t, StopEvent{Kind: StopSignal, Signal: SignalInt}, ev)

	ev, err = ParseStopEvent([]byte("T05thread:p1.2;core:3;swbreak:;06:ff;vendorkey:whatever;"))
	require.NoError(t, err)
	require.Equal(t, StopSignal, ev.Kind)
	require.Equal(t, uint8(SignalTrap), ev.Signal)
	require.True(t, ev.HasThread)
	require.Equal(t, NewProcessThreadID(1, 2), ev.Thread)
	require.True(t, ev.HasCore)
	require.Equal(t, uint64(3), ev.Core)
	require.True(t, ev.IsBreakpoint())
	require.Equal(t, map[uint64][]byte{6: {0xff}}, ev.Registers)

	ev, err = ParseStopEvent([]byte("T05watch:601040;"))
	require.NoError(t, err)
	require.Equal(t, ReasonWatch, ev.Reason)
	require.Equal(t, "601040", ev.ReasonValue)
	require.False(t, ev.IsBreakpoint())

	ev, err = ParseStopEvent([]byte("W03;process:10"))
	require.NoError(t, err)
	require.Equal(t, StopExited, ev.Kind)
	require.Equal(t, uint8(3), ev.ExitCode)
	require.Equal(t, int64(0x10), ev.Process)
	require.True(t, ev.Exited())

	ev, err = ParseStopEvent([]byte("X0b"))
	require.NoError(t, err)
	require.Equal(t, StopTerminated, ev.Kind)
	require.Equal(t, uint8(0x0b), ev.Signal)

	ev, err = ParseStopEvent([]byte("w00;5"))
	require.NoError(t, err)
	require.Equal(t, StopThreadExited, ev.Kind)
	require.Equal(t, NewThreadID(5), ev.Thread)

	ev, err = ParseStopEvent([]byte("N"))
	require.NoError(t, err)
	require.Equal(t, StopNoResumed, ev.Kind)
}

func TestParseStopEventRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, payload := range []string{"", "S0", "S05x", "Wzz", "W00;pid:1", "w00", "T05thread", "T05thread:zz;", "T0506:zz;", "OK", "N1"} {
		_, err := ParseStopEvent([]byte(payload))
		require.ErrorIs(t, err, ErrUnexpectedReply, payload)
	}
}

func TestStopEventPayloadParsesBack(t *testing.T) {
	t.Parallel()

	events := []StopEvent{
		{Kind: StopSignal, Signal: SignalInt},
		{Kind: StopSignal, Signal: SignalTrap, Thread: NewThreadID(3), HasThread: true, Reason: ReasonHwBreak},
		{Kind: StopExited, ExitCode: 7},
		{Kind: StopTerminated, Signal: SignalKill, Process: 4, HasProcess: true},
		{Kind: StopThreadExited, Thread: NewThreadID(9), HasThread: true},
	}
	for _, want := range events {
		got, err := ParseStopEvent(want.Payload(true))
		require.NoError(t, err, want.String())
		require.Equal(t, want, got)
	}
}

func TestParseReply(t *testing.T) {
	t.Parallel()

	reply, err := parseReply(nil, shapeData)
	require.NoError(t, err)
	require.Equal(t, ReplyEmpty, reply.Kind)
	require.ErrorIs(t, reply.Err("m"), ErrUnsupported)

	reply, err = parseReply([]byte("E0e"), shapeData)
	require.NoError(t, err)
	require.Equal(t, ReplyError, reply.Kind)
	var protocolErr *ProtocolError
	require.ErrorAs(t, reply.Err("m"), &protocolErr)
	require.Equal(t, uint8(0x0e), protocolErr.Code)
	require.True(t, IsProtocolError(reply.Err("m")))

	reply, err = parseReply([]byte("OK"), shapeStatus)
	require.NoError(t, err)
	require.Equal(t, ReplyOK, reply.Kind)
	require.NoError(t, reply.Err("M"))

	reply, err = parseReply([]byte("O48656c6c6f"), shapeStop)
	require.NoError(t, err)
	require.Equal(t, ReplyOutput, reply.Kind)
	require.Equal(t, "Hello", string(reply.Data))

	// Memory that happens to start with 'O' is data, not console output.
	reply, err = parseReply([]byte("4f4b"), shapeData)
	require.NoError(t, err)
	require.Equal(t, ReplyData, reply.Kind)

	reply, err = parseReply([]byte("E0"), shapeData)
	require.NoError(t, err)
	require.Equal(t, ReplyData, reply.Kind)

	reply, err = parseReply([]byte("T05thread:1;"), shapeStop)
	require.NoError(t, err)
	require.Equal(t, ReplyStop, reply.Kind)
	require.Equal(t, NewThreadID(1), reply.Stop.Thread)

	_, err = parseReply([]byte("deadbeef"), shapeStatus)
	require.ErrorIs(t, err, ErrUnexpectedReply)

	_, err = parseReply([]byte("bogus"), shapeStop)
	require.ErrorIs(t, err, ErrUnexpectedReply)
}

func TestReplyPayload(t *testing.T) {
	t.Parallel()

	require.Equal(t, "OK", string(OKReply().Payload(false)))
	require.Equal(t, "", string(EmptyReply().Payload(false)))
	require.Equal(t, "E0e", string(ErrorReply(0x0e).Payload(false)))
	require.Equal(t, "deadbeef", string(HexReply([]byte{0xde, 0xad, 0xbe, 0xef}).Payload(false)))
	require.Equal(t, "O6869", string(OutputReply([]byte("hi")).Payload(false)))
	require.Equal(t, "S05", string(StopReply(StopEvent{Kind: StopSignal, Signal: 5}).Payload(false)))
}

func TestStopQueueIsBounded(t *testing.T) {
	t.Parallel()

	q := newStopQueue(2)
	require.True(t, q.push(StopEvent{Signal: 1}))
	require.True(t, q.push(StopEvent{Signal: 2}))
	require.False(t, q.push(StopEvent{Signal: 3}))
	require.Equal(t, 0, q.room())

	ev, found := q.pop()
	require.True(t, found)
	require.Equal(t, uint8(1), ev.Signal)
	require.True(t, q.push(StopEvent{Signal: 4}))

	events := q.popAll()
	require.Equal(t, []StopEvent{{Signal: 2}, {Signal: 4}}, events)
	require.Equal(t, 0, q.size())
	_, found = q.pop()
	require.False(t, found)
}
