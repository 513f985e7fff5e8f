// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	allID int64 = -1
	anyID int64 = 0
)

// ThreadID identifies a thread, optionally qualified by a process id.
// On the wire it is "TID" or, with the multiprocess feature, "pPID.TID".
// The value -1 means all threads (or processes) and 0 means any thread.
type ThreadID struct {
	Pid    int64
	Tid    int64
	HasPid bool
}

var (
	// AllThreads selects every thread.
	AllThreads = ThreadID{Tid: allID}
	// AnyThread lets the stub pick a thread.
	AnyThread = ThreadID{Tid: anyID}
)

func NewThreadID(tid int64) ThreadID {
	return ThreadID{Tid: tid}
}

func NewProcessThreadID(pid, tid int64) ThreadID {
	return ThreadID{Pid: pid, Tid: tid, HasPid: true}
}

func (t ThreadID) IsAll() bool {
	return t.Tid == allID
}

func (t ThreadID) IsAny() bool {
	return t.Tid == anyID
}

// Matches reports whether t, used as a selector, designates the concrete thread other.
func (t ThreadID) Matches(other ThreadID) bool {
	if t.HasPid && other.HasPid && t.Pid != allID && t.Pid != other.Pid {
		return false
	}
	return t.IsAll() || t.IsAny() || t.Tid == other.Tid
}

// Same reports whether t and other name the same concrete thread. Process ids are compared when both carry one.
func (t ThreadID) Same(other ThreadID) bool {
	if t.HasPid && other.HasPid && t.Pid != other.Pid {
		return false
	}
	return t.Tid == other.Tid
}

// Encode formats the id for the wire. The process part is only written when multiprocess is true.
func (t ThreadID) Encode(multiprocess bool) string {
	if multiprocess && t.HasPid {
		return "p" + formatID(t.Pid) + "." + formatID(t.Tid)
	}
	return formatID(t.Tid)
}

func (t ThreadID) String() string {
	return t.Encode(t.HasPid)
}

func formatID(id int64) string {
	if id == allID {
		return "-1"
	}
	return strconv.FormatInt(id, 16)
}

func parseID(text string) (int64, error) {
	if text == "-1" {
		return allID, nil
	}
	v, err := strconv.ParseUint(text, 16, 63)
	if err != nil {
		return 0, fmt.Errorf("invalid thread id %q: %w", text, err)
	}
	return int64(v), nil
}

// ParseThreadID parses "TID", "pPID" or "pPID.TID".
func ParseThreadID(text string) (ThreadID, error) {
	if rest, found := strings.CutPrefix(text, "p"); found {
		pidText, tidText, hasTid := strings.Cut(rest, ".")
		pid, err := parseID(pidText)
		if err != nil {
			return ThreadID{}, err
		}
		if !hasTid {
			// A bare process selects all of its threads.
			return ThreadID{Pid: pid, Tid: allID, HasPid: true}, nil
		}
		tid, err := parseID(tidText)
		if err != nil {
			return ThreadID{}, err
		}
		return ThreadID{Pid: pid, Tid: tid, HasPid: true}, nil
	}

	tid, err := parseID(text)
	if err != nil {
		return ThreadID{}, err
	}
	return ThreadID{Tid: tid}, nil
}
