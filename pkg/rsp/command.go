// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Command tags. Single letter commands are tagged by their letter, named q/Q/v commands by their name.
const (
	TagStopReason      = "?"
	TagExtendedMode    = "!"
	TagSupported       = "qSupported"
	TagStartNoAckMode  = "QStartNoAckMode"
	TagReadMemory      = "m"
	TagWriteMemory     = "M"
	TagWriteBinary     = "X"
	TagReadRegisters   = "g"
	TagWriteRegisters  = "G"
	TagReadRegister    = "p"
	TagWriteRegister   = "P"
	TagInsertPoint     = "Z"
	TagRemovePoint     = "z"
	TagContinue        = "c"
	TagStep            = "s"
	TagContinueSignal  = "C"
	TagStepSignal      = "S"
	TagVContQuery      = "vCont?"
	TagVCont           = "vCont"
	TagVCtrlC          = "vCtrlC"
	TagVStopped        = "vStopped"
	TagNonStop         = "QNonStop"
	TagCurrentThread   = "qC"
	TagFirstThreadInfo = "qfThreadInfo"
	TagNextThreadInfo  = "qsThreadInfo"
	TagSetThread       = "H"
	TagThreadAlive     = "T"
	TagDetach          = "D"
	TagKill            = "k"
	TagVKill           = "vKill"
	TagAttached        = "qAttached"
	TagXfer            = "qXfer"
	TagMonitor         = "qRcmd"
	TagMustReplyEmpty  = "vMustReplyEmpty"
	TagPassSignals     = "QPassSignals"
)

// BreakpointKind is the type argument of Z/z packets.
type BreakpointKind int

const (
	SoftwareBreakpoint BreakpointKind = iota
	HardwareBreakpoint
	WriteWatchpoint
	ReadWatchpoint
	AccessWatchpoint
)

func (k BreakpointKind) String() string {
	switch k {
	case SoftwareBreakpoint:
		return "software breakpoint"
	case HardwareBreakpoint:
		return "hardware breakpoint"
	case WriteWatchpoint:
		return "write watchpoint"
	case ReadWatchpoint:
		return "read watchpoint"
	case AccessWatchpoint:
		return "access watchpoint"
	default:
		return fmt.Sprintf("breakpoint kind %d", int(k))
	}
}

// ResumeAction is one action of a vCont packet (or the equivalent of c/s/C/S).
type ResumeAction struct {
	// Action is 'c', 's', 'C', 'S' or 't' (stop, non-stop mode only). Range stepping is not supported.
	Action byte
	Signal uint8
	// Thread selects the threads the action applies to. AllThreads when the action has no thread.
	Thread ThreadID
	// Addr is the resume address of a c/s packet that carried one.
	Addr    uint64
	HasAddr bool
}

// Stepping reports whether the action single-steps.
func (a ResumeAction) Stepping() bool {
	return a.Action == 's' || a.Action == 'S'
}

func (a ResumeAction) encode(multiprocess bool) string {
	s := string(a.Action)
	if a.Action == 'C' || a.Action == 'S' {
		s += fmt.Sprintf("%02x", a.Signal)
	}
	if !a.Thread.IsAll() {
		s += ":" + a.Thread.Encode(multiprocess)
	}
	return s
}

// Command is a decoded request: a tag plus the typed arguments that tag uses.
type Command struct {
	Tag string

	Addr    uint64
	HasAddr bool
	Length  uint64
	Data    []byte

	Register int
	Kind     BreakpointKind
	Signal   uint8
	Signals  []int
	Flag     bool

	Thread ThreadID
	// Op is the operation selector of an H packet ('g' or 'c').
	Op byte
	// Pid is the process of D, vKill and qAttached packets, when present.
	Pid    int64
	HasPid bool

	Actions  []ResumeAction
	Features []Feature

	// Object and Annex address a qXfer read; Addr and Length carry offset and length.
	Object string
	Annex  string

	// Args is the unparsed argument text after the tag, for commands without typed arguments.
	Args string
}

// resumes reports whether the command lets the target run.
func (c Command) resumes() bool {
	switch c.Tag {
	case TagContinue, TagStep, TagContinueSignal, TagStepSignal, TagVCont:
		return true
	default:
		return false
	}
}

// requiredFeature names the feature a command depends on, or "" if none.
func (c Command) requiredFeature() string {
	switch c.Tag {
	case TagStartNoAckMode:
		return FeatureNoAckMode
	case TagNonStop, TagVStopped:
		return FeatureNonStop
	case TagPassSignals:
		return FeaturePassSignals
	case TagXfer:
		return xferFeaturePrefix + c.Object + ":read"
	default:
		return ""
	}
}

func (c Command) replyShape() replyShape {
	switch c.Tag {
	case TagStopReason, TagContinue, TagStep, TagContinueSignal, TagStepSignal, TagVCont, TagVStopped, TagKill:
		return shapeStop
	case TagMonitor:
		return shapeMonitor
	case TagExtendedMode, TagStartNoAckMode, TagWriteMemory, TagWriteBinary, TagWriteRegisters,
		TagWriteRegister, TagInsertPoint, TagRemovePoint, TagVCtrlC, TagNonStop, TagSetThread,
		TagThreadAlive, TagDetach, TagVKill, TagMustReplyEmpty, TagPassSignals:
		return shapeStatus
	default:
		// Queries and commands registered by extensions answer with data; OK, Exx and empty are still recognized.
		return shapeData
	}
}

func (c Command) String() string {
	return string(truncate(c.Payload(true)))
}

// Payload encodes the command for the wire. The multiprocess flag controls thread id formatting.
func (c Command) Payload(multiprocess bool) []byte {
	var b bytes.Buffer
	switch c.Tag {
	case TagSupported:
		b.WriteString(TagSupported)
		if len(c.Features) > 0 {
			b.WriteString(":" + FormatFeatureList(c.Features))
		}
	case TagReadMemory:
		fmt.Fprintf(&b, "m%x,%x", c.Addr, c.Length)
	case TagWriteMemory:
		fmt.Fprintf(&b, "M%x,%x:", c.Addr, len(c.Data))
		b.Write(HexEncode(c.Data))
	case TagWriteBinary:
		fmt.Fprintf(&b, "X%x,%x:", c.Addr, len(c.Data))
		b.Write(c.Data)
	case TagWriteRegisters:
		b.WriteString("G")
		b.Write(HexEncode(c.Data))
	case TagReadRegister:
		fmt.Fprintf(&b, "p%x", c.Register)
	case TagWriteRegister:
		fmt.Fprintf(&b, "P%x=", c.Register)
		b.Write(HexEncode(c.Data))
	case TagInsertPoint, TagRemovePoint:
		fmt.Fprintf(&b, "%s%d,%x,%x", c.Tag, int(c.Kind), c.Addr, c.Length)
	case TagContinue, TagStep:
		b.WriteString(c.Tag)
		if c.HasAddr {
			fmt.Fprintf(&b, "%x", c.Addr)
		}
	case TagContinueSignal, TagStepSignal:
		fmt.Fprintf(&b, "%s%02x", c.Tag, c.Signal)
		if c.HasAddr {
			fmt.Fprintf(&b, ";%x", c.Addr)
		}
	case TagVCont:
		b.WriteString(TagVCont)
		for _, a := range c.Actions {
			b.WriteString(";" + a.encode(multiprocess))
		}
	case TagNonStop:
		b.WriteString(TagNonStop + ":" + boolDigit(c.Flag))
	case TagSetThread:
		b.WriteString("H" + string(c.Op) + c.Thread.Encode(multiprocess))
	case TagThreadAlive:
		b.WriteString("T" + c.Thread.Encode(multiprocess))
	case TagDetach:
		b.WriteString("D")
		if c.HasPid {
			b.WriteString(";" + formatID(c.Pid))
		}
	case TagVKill:
		b.WriteString(TagVKill + ";" + formatID(c.Pid))
	case TagAttached:
		b.WriteString(TagAttached)
		if c.HasPid {
			b.WriteString(":" + formatID(c.Pid))
		}
	case TagXfer:
		fmt.Fprintf(&b, "qXfer:%s:read:%s:%x,%x", c.Object, c.Annex, c.Addr, c.Length)
	case TagMonitor:
		b.WriteString(TagMonitor + ",")
		b.Write(HexEncode(c.Data))
	case TagPassSignals:
		b.WriteString(TagPassSignals + ":")
		for i, sig := range c.Signals {
			if i > 0 {
				b.WriteByte(';')
			}
			fmt.Fprintf(&b, "%02x", sig)
		}
	default:
		b.WriteString(c.Tag + c.Args)
	}
	return b.Bytes()
}

func boolDigit(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// commandTag extracts the tag of a request payload.
// Named q, Q and v commands run up to the first ':', ';' or ',', everything else is tagged by its first byte.
func commandTag(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	switch payload[0] {
	case 'q', 'Q', 'v':
		if end := bytes.IndexAny(payload, ":;,"); end >= 0 {
			return string(payload[:end])
		}
		return string(payload)
	default:
		return string(payload[:1])
	}
}

var errBadArguments = errors.New("invalid command arguments")

func badArgs(tag string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", errBadArguments, tag, fmt.Sprintf(format, args...))
}

// ParseCommand decodes a request payload into a Command. Tags without typed arguments keep
// their argument text in Args, so unknown commands always parse.
func ParseCommand(payload []byte) (Command, error) {
	cmd, err := parseCommand(payload)
	if err != nil && !errors.Is(err, errBadArguments) {
		err = fmt.Errorf("%w: %s: %v", errBadArguments, cmd.Tag, err)
	}
	return cmd, err
}

func parseCommand(payload []byte) (Command, error) {
	tag := commandTag(payload)
	args := string(payload[len(tag):])
	cmd := Command{Tag: tag, Args: args}

	var err error
	switch tag {
	case TagSupported:
		cmd.Features = ParseFeatureList(strings.TrimPrefix(args, ":"))

	case TagReadMemory:
		cmd.Addr, cmd.Length, err = parseAddrLength(tag, args)

	case TagWriteMemory, TagWriteBinary:
		header, data, found := strings.Cut(args, ":")
		if !found {
			return cmd, badArgs(tag, "missing ':'")
		}
		if cmd.Addr, cmd.Length, err = parseAddrLength(tag, header); err != nil {
			return cmd, err
		}
		if tag == TagWriteMemory {
			cmd.Data, err = HexDecode([]byte(data))
		} else {
			cmd.Data = []byte(data)
		}
		if err == nil && uint64(len(cmd.Data)) != cmd.Length {
			err = badArgs(tag, "length %d does not match %d data bytes", cmd.Length, len(cmd.Data))
		}

	case TagWriteRegisters:
		cmd.Data, err = HexDecode([]byte(args))

	case TagReadRegister:
		cmd.Register, err = parseRegisterNumber(tag, args)

	case TagWriteRegister:
		regText, value, found := strings.Cut(args, "=")
		if !found {
			return cmd, badArgs(tag, "missing '='")
		}
		if cmd.Register, err = parseRegisterNumber(tag, regText); err != nil {
			return cmd, err
		}
		cmd.Data, err = HexDecode([]byte(value))

	case TagInsertPoint, TagRemovePoint:
		err = parseBreakpoint(&cmd, args)

	case TagContinue, TagStep:
		if args != "" {
			cmd.Addr, err = parseHexUint(args)
			cmd.HasAddr = true
		}

	case TagContinueSignal, TagStepSignal:
		sigText, addrText, hasAddr := strings.Cut(args, ";")
		if cmd.Signal, err = parseHexByte(sigText); err != nil {
			return cmd, err
		}
		if hasAddr {
			cmd.Addr, err = parseHexUint(addrText)
			cmd.HasAddr = true
		}

	case TagVCont:
		cmd.Actions, err = parseResumeActions(args)

	case TagNonStop:
		switch args {
		case ":0":
			cmd.Flag = false
		case ":1":
			cmd.Flag = true
		default:
			err = badArgs(tag, "expected :0 or :1, got %q", args)
		}

	case TagSetThread:
		if len(args) < 2 {
			return cmd, badArgs(tag, "missing operation or thread")
		}
		cmd.Op = args[0]
		cmd.Thread, err = ParseThreadID(args[1:])

	case TagThreadAlive:
		cmd.Thread, err = ParseThreadID(args)

	case TagDetach:
		if pidText, found := strings.CutPrefix(args, ";"); found {
			cmd.Pid, err = parseID(pidText)
			cmd.HasPid = true
		}

	case TagVKill:
		cmd.Pid, err = parseID(strings.TrimPrefix(args, ";"))
		cmd.HasPid = true

	case TagAttached:
		if pidText, found := strings.CutPrefix(args, ":"); found {
			cmd.Pid, err = parseID(pidText)
			cmd.HasPid = true
		}

	case TagXfer:
		err = parseXfer(&cmd, args)

	case TagMonitor:
		cmd.Data, err = HexDecode([]byte(strings.TrimPrefix(args, ",")))

	case TagPassSignals:
		for _, sigText := range strings.Split(strings.TrimPrefix(args, ":"), ";") {
			if sigText == "" {
				continue
			}
			sig, sigErr := parseHexByte(sigText)
			if sigErr != nil {
				return cmd, sigErr
			}
			cmd.Signals = append(cmd.Signals, int(sig))
		}
	}

	return cmd, err
}

func parseAddrLength(tag, text string) (uint64, uint64, error) {
	addrText, lengthText, found := strings.Cut(text, ",")
	if !found {
		return 0, 0, badArgs(tag, "expected addr,length, got %q", text)
	}
	addr, err := parseHexUint(addrText)
	if err != nil {
		return 0, 0, err
	}
	length, err := parseHexUint(lengthText)
	if err != nil {
		return 0, 0, err
	}
	return addr, length, nil
}

func parseRegisterNumber(tag, text string) (int, error) {
	v, err := strconv.ParseUint(text, 16, 31)
	if err != nil {
		return 0, badArgs(tag, "invalid register number %q", text)
	}
	return int(v), nil
}

func parseBreakpoint(cmd *Command, args string) error {
	// Conditions and commands (";X..." suffixes) are not supported and ignored.
	args, _, _ = strings.Cut(args, ";")
	parts := strings.Split(args, ",")
	if len(parts) != 3 {
		return badArgs(cmd.Tag, "expected type,addr,kind, got %q", args)
	}
	kind, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || kind > uint64(AccessWatchpoint) {
		return badArgs(cmd.Tag, "invalid breakpoint type %q", parts[0])
	}
	cmd.Kind = BreakpointKind(kind)
	if cmd.Addr, err = parseHexUint(parts[1]); err != nil {
		return err
	}
	cmd.Length, err = parseHexUint(parts[2])
	return err
}

func parseResumeActions(args string) ([]ResumeAction, error) {
	if args == "" {
		return nil, badArgs(TagVCont, "no actions")
	}
	var actions []ResumeAction
	for _, text := range strings.Split(strings.TrimPrefix(args, ";"), ";") {
		actionText, threadText, hasThread := strings.Cut(text, ":")
		if actionText == "" {
			return nil, badArgs(TagVCont, "empty action")
		}
		a := ResumeAction{Action: actionText[0], Thread: AllThreads}
		switch a.Action {
		case 'c', 's', 't':
			if len(actionText) != 1 {
				return nil, badArgs(TagVCont, "unexpected data in action %q", actionText)
			}
		case 'C', 'S':
			sig, err := parseHexByte(actionText[1:])
			if err != nil {
				return nil, err
			}
			a.Signal = sig
		default:
			return nil, badArgs(TagVCont, "unknown action %q", actionText)
		}
		if hasThread {
			tid, err := ParseThreadID(threadText)
			if err != nil {
				return nil, err
			}
			a.Thread = tid
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func parseXfer(cmd *Command, args string) error {
	// ":object:read:annex:offset,length"
	parts := strings.SplitN(strings.TrimPrefix(args, ":"), ":", 4)
	if len(parts) != 4 {
		return badArgs(TagXfer, "expected object:read:annex:offset,length, got %q", args)
	}
	if parts[1] != "read" {
		return badArgs(TagXfer, "unsupported operation %q", parts[1])
	}
	cmd.Object, cmd.Annex = parts[0], parts[2]
	var err error
	cmd.Addr, cmd.Length, err = parseAddrLength(TagXfer, parts[3])
	return err
}
