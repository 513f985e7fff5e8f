// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// StopKind classifies a stop reply.
type StopKind int

const (
	// StopNone is the zero value: no stop has been reported (for example a non-stop resume that was accepted).
	StopNone StopKind = iota
	// StopSignal is an "S" or "T" reply: the target stopped with a signal.
	StopSignal
	// StopExited is a "W" reply: the process exited normally.
	StopExited
	// StopTerminated is an "X" reply: the process was terminated by a signal.
	StopTerminated
	// StopThreadExited is a "w" reply.
	StopThreadExited
	// StopNoResumed is an "N" reply: there were no resumed threads left.
	StopNoResumed
)

func (k StopKind) String() string {
	switch k {
	case StopSignal:
		return "signal"
	case StopExited:
		return "exited"
	case StopTerminated:
		return "terminated"
	case StopThreadExited:
		return "thread-exited"
	case StopNoResumed:
		return "no-resumed"
	default:
		return "none"
	}
}

// Common stop reasons reported in "T" replies.
const (
	ReasonSwBreak  = "swbreak"
	ReasonHwBreak  = "hwbreak"
	ReasonWatch    = "watch"
	ReasonRWatch   = "rwatch"
	ReasonAWatch   = "awatch"
	ReasonLibrary  = "library"
	ReasonFork     = "fork"
	ReasonVFork    = "vfork"
	ReasonExec     = "exec"
	ReasonCreate   = "create"
	ReasonSyscall  = "syscall_entry"
	ReasonSysret   = "syscall_return"
	ReasonReplay   = "replaylog"
	ReasonVforkEnd = "vforkdone"
)

var knownReasons = []string{
	ReasonSwBreak, ReasonHwBreak, ReasonWatch, ReasonRWatch, ReasonAWatch, ReasonLibrary,
	ReasonFork, ReasonVFork, ReasonExec, ReasonCreate, ReasonSyscall, ReasonSysret, ReasonReplay, ReasonVforkEnd,
}

// Signals used by the engine and the reference debuggee.
const (
	SignalNone = 0
	SignalInt  = 2
	SignalTrap = 5
	SignalKill = 9
)

// StopEvent describes why the target stopped.
type StopEvent struct {
	Kind StopKind

	// Signal is the stop signal for StopSignal and StopTerminated.
	Signal uint8
	// ExitCode is the exit status for StopExited and StopThreadExited.
	ExitCode uint8

	Thread    ThreadID
	HasThread bool

	// Process is set by "W"/"X" replies carrying a ";process:pid" suffix.
	Process    int64
	HasProcess bool

	// Reason is one of the Reason* constants (or another stop reason key), ReasonValue its argument.
	Reason      string
	ReasonValue string

	Core    uint64
	HasCore bool

	// Registers maps register numbers to their raw target-order bytes.
	Registers map[uint64][]byte
}

// IsBreakpoint reports whether the stop was caused by a software or hardware breakpoint.
func (e StopEvent) IsBreakpoint() bool {
	return e.Reason == ReasonSwBreak || e.Reason == ReasonHwBreak
}

// Exited reports whether the process is gone.
func (e StopEvent) Exited() bool {
	return e.Kind == StopExited || e.Kind == StopTerminated
}

func (e StopEvent) String() string {
	switch e.Kind {
	case StopSignal:
		s := fmt.Sprintf("stopped (signal %d", e.Signal)
		if e.HasThread {
			s += ", thread " + e.Thread.String()
		}
		if e.Reason != "" {
			s += ", " + e.Reason
		}
		return s + ")"
	case StopExited:
		return fmt.Sprintf("exited (status %d)", e.ExitCode)
	case StopTerminated:
		return fmt.Sprintf("terminated (signal %d)", e.Signal)
	default:
		return e.Kind.String()
	}
}

// Payload formats the event as a stop reply. The multiprocess flag controls thread id formatting.
func (e StopEvent) Payload(multiprocess bool) []byte {
	var b bytes.Buffer
	switch e.Kind {
	case StopExited, StopTerminated:
		if e.Kind == StopExited {
			fmt.Fprintf(&b, "W%02x", e.ExitCode)
		} else {
			fmt.Fprintf(&b, "X%02x", e.Signal)
		}
		if e.HasProcess && multiprocess {
			b.WriteString(";process:" + formatID(e.Process))
		}

	case StopThreadExited:
		fmt.Fprintf(&b, "w%02x;%s", e.ExitCode, e.Thread.Encode(multiprocess))

	case StopNoResumed:
		b.WriteString("N")

	default:
		if !e.HasThread && e.Reason == "" && !e.HasCore && len(e.Registers) == 0 {
			fmt.Fprintf(&b, "S%02x", e.Signal)
			break
		}
		fmt.Fprintf(&b, "T%02x", e.Signal)
		for _, reg := range slices.Sorted(maps.Keys(e.Registers)) {
			fmt.Fprintf(&b, "%02x:%s;", reg, HexEncode(e.Registers[reg]))
		}
		if e.HasThread {
			b.WriteString("thread:" + e.Thread.Encode(multiprocess) + ";")
		}
		if e.HasCore {
			b.WriteString("core:" + strconv.FormatUint(e.Core, 16) + ";")
		}
		if e.Reason != "" {
			b.WriteString(e.Reason + ":" + e.ReasonValue + ";")
		}
	}
	return b.Bytes()
}

func isStopReply(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	switch payload[0] {
	case 'S', 'T', 'W', 'X', 'w':
		return len(payload) >= 3
	case 'N':
		return len(payload) == 1
	default:
		return false
	}
}

// ParseStopEvent parses an S, T, W, X, w or N stop reply.
func ParseStopEvent(payload []byte) (StopEvent, error) {
	if !isStopReply(payload) {
		return StopEvent{}, fmt.Errorf("%w: %q is not a stop reply", ErrUnexpectedReply, payload)
	}
	text := string(payload)
	kind := text[0]
	if kind == 'N' {
		return StopEvent{Kind: StopNoResumed}, nil
	}

	code, err := parseHexByte(text[1:3])
	if err != nil {
		return StopEvent{}, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	rest := text[3:]

	switch kind {
	case 'S':
		if rest != "" {
			return StopEvent{}, fmt.Errorf("%w: trailing data in %q", ErrUnexpectedReply, text)
		}
		return StopEvent{Kind: StopSignal, Signal: code}, nil

	case 'W', 'X':
		ev := StopEvent{Kind: StopExited, ExitCode: code}
		if kind == 'X' {
			ev = StopEvent{Kind: StopTerminated, Signal: code}
		}
		if rest != "" {
			pidText, found := strings.CutPrefix(rest, ";process:")
			if !found {
				return StopEvent{}, fmt.Errorf("%w: trailing data in %q", ErrUnexpectedReply, text)
			}
			pid, pidErr := parseID(pidText)
			if pidErr != nil {
				return StopEvent{}, fmt.Errorf("%w: %v", ErrUnexpectedReply, pidErr)
			}
			ev.Process, ev.HasProcess = pid, true
		}
		return ev, nil

	case 'w':
		tidText, found := strings.CutPrefix(rest, ";")
		if !found {
			return StopEvent{}, fmt.Errorf("%w: thread exit %q lacks a thread id", ErrUnexpectedReply, text)
		}
		tid, tidErr := ParseThreadID(tidText)
		if tidErr != nil {
			return StopEvent{}, fmt.Errorf("%w: %v", ErrUnexpectedReply, tidErr)
		}
		return StopEvent{Kind: StopThreadExited, ExitCode: code, Thread: tid, HasThread: true}, nil
	}

	ev := StopEvent{Kind: StopSignal, Signal: code}
	for _, pair := range strings.Split(rest, ";") {
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, ":")
		if !found {
			return StopEvent{}, fmt.Errorf("%w: stop field %q lacks a value", ErrUnexpectedReply, pair)
		}
		switch {
		case key == "thread":
			tid, tidErr := ParseThreadID(value)
			if tidErr != nil {
				return StopEvent{}, fmt.Errorf("%w: %v", ErrUnexpectedReply, tidErr)
			}
			ev.Thread, ev.HasThread = tid, true
		case key == "core":
			core, coreErr := parseHexUint(value)
			if coreErr != nil {
				return StopEvent{}, fmt.Errorf("%w: %v", ErrUnexpectedReply, coreErr)
			}
			ev.Core, ev.HasCore = core, true
		case slices.Contains(knownReasons, key):
			ev.Reason, ev.ReasonValue = key, value
		default:
			reg, regErr := parseHexUint(key)
			if regErr != nil {
				// Unknown keys must be ignored.
				continue
			}
			data, dataErr := HexDecode([]byte(value))
			if dataErr != nil {
				return StopEvent{}, fmt.Errorf("%w: register %x: %v", ErrUnexpectedReply, reg, dataErr)
			}
			if ev.Registers == nil {
				ev.Registers = map[uint64][]byte{}
			}
			ev.Registers[reg] = data
		}
	}
	return ev, nil
}
