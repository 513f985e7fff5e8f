// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

type breakpointKey struct {
	kind BreakpointKind
	addr uint64
}

// fakeTarget is an in-memory debuggee. Resumed targets run until interrupted, unless autoStop is set,
// in which case they stop right away with that event (the thread is taken from the resume action).
type fakeTarget struct {
	mu          sync.Mutex
	memory      map[uint64]byte
	registers   []byte
	breakpoints map[breakpointKey]int
	threads     []ThreadID
	lastStop    StopEvent
	autoStop    *StopEvent
	running     []chan StopEvent
	resumes     [][]ResumeAction
	interrupts  int
	killed      bool
	detached    bool
	passSignals []int
	xfer        map[string][]byte
}

var errUnmapped = errors.New("address not mapped")

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		memory:      map[uint64]byte{},
		registers:   make([]byte, 16),
		breakpoints: map[breakpointKey]int{},
		threads:     []ThreadID{NewThreadID(1), NewThreadID(2)},
		lastStop:    StopEvent{Kind: StopSignal, Signal: SignalTrap},
		xfer:        map[string][]byte{},
	}
}

func (ft *fakeTarget) poke(addr uint64, data []byte) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i, b := range data {
		ft.memory[addr+uint64(i)] = b
	}
}

func (ft *fakeTarget) ReadMemory(_ context.Context, addr uint64, length int) ([]byte, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	data := make([]byte, 0, length)
	for i := range length {
		b, found := ft.memory[addr+uint64(i)]
		if !found {
			if i == 0 {
				return nil, NewFault(0x0e, fmt.Errorf("%w: %#x", errUnmapped, addr))
			}
			break
		}
		data = append(data, b)
	}
	return data, nil
}

func (ft *fakeTarget) WriteMemory(_ context.Context, addr uint64, data []byte) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i, b := range data {
		ft.memory[addr+uint64(i)] = b
	}
	return nil
}

func (ft *fakeTarget) ReadRegisters(_ context.Context, _ ThreadID) ([]byte, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]byte(nil), ft.registers...), nil
}

func (ft *fakeTarget) WriteRegisters(_ context.Context, _ ThreadID, data []byte) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(data) != len(ft.registers) {
		return NewFault(0x16, fmt.Errorf("expected %d register bytes, got %d", len(ft.registers), len(data)))
	}
	copy(ft.registers, data)
	return nil
}

func (ft *fakeTarget) ReadRegister(_ context.Context, _ ThreadID, reg int) ([]byte, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if reg < 0 || (reg+1)*8 > len(ft.registers) {
		return nil, NewFault(0x16, fmt.Errorf("no register %d", reg))
	}
	return append([]byte(nil), ft.registers[reg*8:(reg+1)*8]...), nil
}

func (ft *fakeTarget) WriteRegister(_ context.Context, _ ThreadID, reg int, value []byte) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if reg < 0 || (reg+1)*8 > len(ft.registers) || len(value) != 8 {
		return NewFault(0x16, fmt.Errorf("invalid write of register %d", reg))
	}
	copy(ft.registers[reg*8:], value)
	return nil
}

func (ft *fakeTarget) SetBreakpoint(_ context.Context, kind BreakpointKind, addr uint64, length int) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if kind == AccessWatchpoint {
		return ErrUnsupported
	}
	ft.breakpoints[breakpointKey{kind, addr}] = length
	return nil
}

func (ft *fakeTarget) ClearBreakpoint(_ context.Context, kind BreakpointKind, addr uint64, _ int) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	delete(ft.breakpoints, breakpointKey{kind, addr})
	return nil
}

func (ft *fakeTarget) Resume(_ context.Context, actions []ResumeAction) (<-chan StopEvent, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.resumes = append(ft.resumes, actions)
	stops := make(chan StopEvent, 1)
	if ft.autoStop != nil {
		ev := *ft.autoStop
		if !actions[0].Thread.IsAll() {
			ev.Thread, ev.HasThread = actions[0].Thread, true
		}
		ft.lastStop = ev
		stops <- ev
		return stops, nil
	}
	ft.running = append(ft.running, stops)
	return stops, nil
}

func (ft *fakeTarget) Interrupt(_ context.Context) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.interrupts++
	for _, stops := range ft.running {
		ft.lastStop = StopEvent{Kind: StopSignal, Signal: SignalTrap}
		stops <- ft.lastStop
	}
	ft.running = nil
	return nil
}

func (ft *fakeTarget) Threads(_ context.Context) ([]ThreadID, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]ThreadID(nil), ft.threads...), nil
}

func (ft *fakeTarget) StopReason(_ context.Context) (StopEvent, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.lastStop, nil
}

func (ft *fakeTarget) Kill(_ context.Context, _ int64) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.killed = true
	return nil
}

func (ft *fakeTarget) Detach(_ context.Context, _ int64) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.detached = true
	return nil
}

func (ft *fakeTarget) PassSignals(_ context.Context, signals []int) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.passSignals = signals
	return nil
}

func (ft *fakeTarget) XferObjects() []string {
	return []string{"features"}
}

func (ft *fakeTarget) ReadXfer(_ context.Context, object, annex string) ([]byte, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	document, found := ft.xfer[object+"/"+annex]
	if !found {
		return nil, NewFault(0x00, fmt.Errorf("no %s document %q", object, annex))
	}
	return document, nil
}

func (ft *fakeTarget) Monitor(_ context.Context, command string, out io.Writer) error {
	switch command {
	case "help":
		_, err := io.WriteString(out, "reset -- reset the target\n")
		return err
	case "reset":
		return nil
	default:
		return NewFault(0x01, fmt.Errorf("unknown monitor command %q", command))
	}
}

func (ft *fakeTarget) interruptCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.interrupts
}

var (
	_ Target           = (*fakeTarget)(nil)
	_ RegisterAccessor = (*fakeTarget)(nil)
	_ Killer           = (*fakeTarget)(nil)
	_ Detacher         = (*fakeTarget)(nil)
	_ SignalFilter     = (*fakeTarget)(nil)
	_ XferProvider     = (*fakeTarget)(nil)
	_ MonitorHandler   = (*fakeTarget)(nil)
)
