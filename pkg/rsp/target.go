// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"context"
	"io"
)

// Target is the debuggee a Server exposes. Implementations are called from the server loop of a
// single connection, one call at a time, except Interrupt which may be called while a resume is in progress.
//
// Errors of type *Fault are reported to the client with their code, ErrUnsupported produces an empty
// reply, and any other error is reported as E01.
type Target interface {
	ReadMemory(ctx context.Context, addr uint64, length int) ([]byte, error)
	WriteMemory(ctx context.Context, addr uint64, data []byte) error

	// ReadRegisters returns the register file of the thread in target order.
	ReadRegisters(ctx context.Context, thread ThreadID) ([]byte, error)
	WriteRegisters(ctx context.Context, thread ThreadID, data []byte) error

	SetBreakpoint(ctx context.Context, kind BreakpointKind, addr uint64, length int) error
	ClearBreakpoint(ctx context.Context, kind BreakpointKind, addr uint64, length int) error

	// Resume lets the selected threads run. The returned channel delivers exactly one StopEvent
	// when the target stops again.
	Resume(ctx context.Context, actions []ResumeAction) (<-chan StopEvent, error)

	// Interrupt asks a running target to stop; the stop is delivered on the channel returned by Resume.
	Interrupt(ctx context.Context) error

	Threads(ctx context.Context) ([]ThreadID, error)

	// StopReason returns the event that last stopped the target.
	StopReason(ctx context.Context) (StopEvent, error)
}

// RegisterAccessor is implemented by targets that access single registers (p/P packets).
type RegisterAccessor interface {
	ReadRegister(ctx context.Context, thread ThreadID, reg int) ([]byte, error)
	WriteRegister(ctx context.Context, thread ThreadID, reg int, value []byte) error
}

// Killer is implemented by targets that can be killed (k/vKill packets).
type Killer interface {
	Kill(ctx context.Context, pid int64) error
}

// Detacher is implemented by targets that can be detached from (D packet).
type Detacher interface {
	Detach(ctx context.Context, pid int64) error
}

// XferProvider is implemented by targets that serve qXfer objects, for example "features"/"target.xml".
type XferProvider interface {
	// XferObjects lists the objects served, used for the qSupported reply.
	XferObjects() []string
	ReadXfer(ctx context.Context, object, annex string) ([]byte, error)
}

// MonitorHandler is implemented by targets with monitor commands (qRcmd). Output written to out is
// sent to the client as console output before the final reply.
type MonitorHandler interface {
	Monitor(ctx context.Context, command string, out io.Writer) error
}

// SignalFilter is implemented by targets that pass some signals through without stopping (QPassSignals).
type SignalFilter interface {
	PassSignals(ctx context.Context, signals []int) error
}

// ThreadSelector is implemented by targets that track a current thread (qC).
type ThreadSelector interface {
	CurrentThread(ctx context.Context) (ThreadID, error)
}
