// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandTag(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"m1000,4":                    "m",
		"?":                          "?",
		"qSupported:multiprocess+":   "qSupported",
		"qfThreadInfo":               "qfThreadInfo",
		"vCont;c":                    "vCont",
		"vCont?":                     "vCont?",
		"qXfer:features:read:a:0,10": "qXfer",
		"qRcmd,68656c70":             "qRcmd",
		"QNonStop:1":                 "QNonStop",
		"":                           "",
	}
	for payload, tag := range cases {
		require.Equal(t, tag, commandTag([]byte(payload)), payload)
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	cmd, err := ParseCommand([]byte("m1000,4"))
	require.NoError(t, err)
	require.Equal(t, TagReadMemory, cmd.Tag)
	require.Equal(t, uint64(0x1000), cmd.Addr)
	require.Equal(t, uint64(4), cmd.Length)

	cmd, err = ParseCommand([]byte("M2000,2:beef"))
	require.NoError(t, err)
	require.Equal(t, []byte{0xbe, 0xef}, cmd.Data)

	cmd, err = ParseCommand([]byte("X2000,3:a$b"))
	require.NoError(t, err)
	require.Equal(t, []byte("a$b"), cmd.Data)

	cmd, err = ParseCommand([]byte("P1f=0102030405060708"))
	require.NoError(t, err)
	require.Equal(t, 0x1f, cmd.Register)
	require.Len(t, cmd.Data, 8)

	cmd, err = ParseCommand([]byte("Z1,400500,4"))
	require.NoError(t, err)
	require.Equal(t, HardwareBreakpoint, cmd.Kind)
	require.Equal(t, uint64(0x400500), cmd.Addr)
	require.Equal(t, uint64(4), cmd.Length)

	cmd, err = ParseCommand([]byte("C0b;400000"))
	require.NoError(t, err)
	require.Equal(t, uint8(0x0b), cmd.Signal)
	require.True(t, cmd.HasAddr)
	require.Equal(t, uint64(0x400000), cmd.Addr)

	cmd, err = ParseCommand([]byte("vCont;s:p1.2;C05:3;c"))
	require.NoError(t, err)
	require.Equal(t, []ResumeAction{
		{Action: 's', Thread: NewProcessThreadID(1, 2)},
		{Action: 'C', Signal: 5, Thread: NewThreadID(3)},
		{Action: 'c', Thread: AllThreads},
	}, cmd.Actions)
	require.True(t, cmd.Actions[0].Stepping())

	cmd, err = ParseCommand([]byte("Hgp1.-1"))
	require.NoError(t, err)
	require.Equal(t, byte('g'), cmd.Op)
	require.True(t, cmd.Thread.IsAll())
	require.Equal(t, int64(1), cmd.Thread.Pid)

	cmd, err = ParseCommand([]byte("qXfer:features:read:target.xml:0,ffb"))
	require.NoError(t, err)
	require.Equal(t, "features", cmd.Object)
	require.Equal(t, "target.xml", cmd.Annex)
	require.Equal(t, uint64(0xffb), cmd.Length)
	require.Equal(t, "qXfer:features:read", cmd.requiredFeature())

	cmd, err = ParseCommand([]byte("qRcmd,68656c70"))
	require.NoError(t, err)
	require.Equal(t, []byte("help"), cmd.Data)

	cmd, err = ParseCommand([]byte("QPassSignals:0e;1f"))
	require.NoError(t, err)
	require.Equal(t, []int{0x0e, 0x1f}, cmd.Signals)

	cmd, err = ParseCommand([]byte("qCustomThing:abc"))
	require.NoError(t, err)
	require.Equal(t, "qCustomThing", cmd.Tag)
	require.Equal(t, ":abc", cmd.Args)
}

func TestParseCommandRejectsBadArguments(t *testing.T) {
	t.Parallel()

	for _, payload := range []string{
		"m1000",
		"mzz,4",
		"M1000,4:beef",
		"M1000,2",
		"Pzz=00",
		"P1",
		"Z9,1000,1",
		"Z0,1000",
		"vCont",
		"vCont;r1000,2000",
		"vCont;x",
		"QNonStop:2",
		"H",
		"qXfer:features:write:target.xml:0,10",
	} {
		_, err := ParseCommand([]byte(payload))
		require.ErrorIs(t, err, errBadArguments, payload)
	}
}

func TestCommandPayloadParsesBack(t *testing.T) {
	t.Parallel()

	commands := []Command{
		{Tag: TagReadMemory, Addr: 0x1000, Length: 4},
		{Tag: TagWriteMemory, Addr: 0x2000, Length: 3, Data: []byte{1, 2, 3}},
		{Tag: TagWriteBinary, Addr: 0x2000, Length: 4, Data: []byte("}#*$")},
		{Tag: TagReadRegister, Register: 0x10},
		{Tag: TagInsertPoint, Kind: SoftwareBreakpoint, Addr: 0x400123, Length: 1},
		{Tag: TagRemovePoint, Kind: AccessWatchpoint, Addr: 0x600000, Length: 8},
		{Tag: TagContinueSignal, Signal: 2},
		{Tag: TagNonStop, Flag: true},
		{Tag: TagSetThread, Op: 'c', Thread: NewProcessThreadID(5, 7)},
		{Tag: TagXfer, Object: "features", Annex: "target.xml", Addr: 0x100, Length: 0x200},
		{Tag: TagPassSignals, Signals: []int{14, 17}},
	}
	for _, want := range commands {
		payload := want.Payload(true)
		got, err := ParseCommand(payload)
		require.NoError(t, err, string(payload))
		require.Equal(t, want.Tag, got.Tag, string(payload))
		require.Equal(t, want.Addr, got.Addr, string(payload))
		require.Equal(t, want.Data, got.Data, string(payload))
		require.Equal(t, want.Register, got.Register, string(payload))
		require.Equal(t, want.Kind, got.Kind, string(payload))
		require.Equal(t, want.Signal, got.Signal, string(payload))
		require.Equal(t, want.Signals, got.Signals, string(payload))
		require.Equal(t, want.Flag, got.Flag, string(payload))
		require.Equal(t, want.Thread, got.Thread, string(payload))
		require.Equal(t, want.Object, got.Object, string(payload))
	}
}

func TestCommandPayloadFormats(t *testing.T) {
	t.Parallel()

	require.Equal(t, "m1000,4", string(Command{Tag: TagReadMemory, Addr: 0x1000, Length: 4}.Payload(false)))
	require.Equal(t, "qSupported:multiprocess+", string(Command{Tag: TagSupported, Features: ParseFeatureList("multiprocess+")}.Payload(false)))
	require.Equal(t, "vCont;c:p1.2;s", string(Command{Tag: TagVCont, Actions: []ResumeAction{
		{Action: 'c', Thread: NewProcessThreadID(1, 2)},
		{Action: 's', Thread: AllThreads},
	}}.Payload(true)))
	require.Equal(t, "vCont;c:2", string(Command{Tag: TagVCont, Actions: []ResumeAction{
		{Action: 'c', Thread: NewProcessThreadID(1, 2)},
	}}.Payload(false)))
	require.Equal(t, "D;1a", string(Command{Tag: TagDetach, Pid: 0x1a, HasPid: true}.Payload(true)))
	require.Equal(t, "qRcmd,6869", string(Command{Tag: TagMonitor, Data: []byte("hi")}.Payload(false)))
}

func TestThreadIDs(t *testing.T) {
	t.Parallel()

	tid, err := ParseThreadID("p1f.2a")
	require.NoError(t, err)
	require.Equal(t, NewProcessThreadID(0x1f, 0x2a), tid)
	require.Equal(t, "p1f.2a", tid.Encode(true))
	require.Equal(t, "2a", tid.Encode(false))

	tid, err = ParseThreadID("-1")
	require.NoError(t, err)
	require.True(t, tid.IsAll())
	require.True(t, tid.Matches(NewThreadID(7)))

	tid, err = ParseThreadID("0")
	require.NoError(t, err)
	require.True(t, tid.IsAny())

	tid, err = ParseThreadID("p3")
	require.NoError(t, err)
	require.True(t, tid.IsAll())
	require.True(t, tid.Matches(NewProcessThreadID(3, 9)))
	require.False(t, tid.Matches(NewProcessThreadID(4, 9)))

	_, err = ParseThreadID("pz.1")
	require.Error(t, err)
	_, err = ParseThreadID("")
	require.Error(t, err)
}

func TestReplyShapes(t *testing.T) {
	t.Parallel()

	require.Equal(t, shapeStatus, Command{Tag: TagWriteMemory}.replyShape())
	require.Equal(t, shapeStatus, Command{Tag: TagInsertPoint}.replyShape())
	require.Equal(t, shapeStop, Command{Tag: TagContinue}.replyShape())
	require.Equal(t, shapeMonitor, Command{Tag: TagMonitor}.replyShape())
	require.Equal(t, shapeData, Command{Tag: TagReadMemory}.replyShape())
	require.Equal(t, shapeData, Command{Tag: "qVendorPing"}.replyShape())
	require.Equal(t, shapeData, Command{Tag: "QVendorReset"}.replyShape())
}
