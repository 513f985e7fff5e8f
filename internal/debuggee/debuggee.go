/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package debuggee implements an in-memory pseudo target that can be served over the remote
// serial protocol. It has a sparse byte-addressed memory, a 64-bit register file per thread
// ([0]=pc, [1..16]=r0..r15) and executes fixed-size pseudo instructions that only advance the pc.
package debuggee

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/gdbrsp/pkg/rsp"
)

const (
	RegisterCount       = 17
	RegisterSize        = 8
	PCRegister          = 0
	InstructionSize     = 4
	DefaultMemoryLimit  = 0x1000000
	DefaultStepInterval = time.Millisecond

	// Error codes reported to debuggers, errno values as gdbserver uses them.
	codeNoThread     uint8 = 0x02
	codeFault        uint8 = 0x0e
	codeInvalidValue uint8 = 0x16
	codeNotRunning   uint8 = 0x03
	codeBusy         uint8 = 0x10
)

var (
	errNoSuchThread = errors.New("no such thread")
	errNotRunning   = errors.New("the process is not running")
	errOutOfRange   = errors.New("address outside of target memory")
)

type Config struct {
	// Threads is the number of threads the process starts with. Thread ids start at 1.
	Threads int

	// MemoryLimit is the size of the address space. Accesses at or above it fault.
	MemoryLimit uint64

	// EntryPoint is the initial pc of every thread.
	EntryPoint uint64

	// InstructionBudget stops a resumed thread with SIGTRAP after this many instructions. Zero means no limit.
	InstructionBudget int

	// StepInterval is the time one pseudo instruction takes.
	StepInterval time.Duration

	Logger logr.Logger
}

type thread struct {
	id        rsp.ThreadID
	registers [RegisterCount]uint64
	// running is the execution the thread belongs to, nil while stopped.
	running *execution
}

type breakpointKey struct {
	kind rsp.BreakpointKind
	addr uint64
}

// Debuggee is the pseudo process. It implements rsp.Target and every optional target interface.
type Debuggee struct {
	cfg Config
	log logr.Logger

	mu          sync.Mutex
	memory      map[uint64]byte
	threads     []*thread
	current     rsp.ThreadID
	breakpoints map[breakpointKey]int
	passSignals []int
	lastStop    rsp.StopEvent
	executions  map[*execution]struct{}
	exited      bool
	detached    bool
}

// New creates a stopped debuggee.
func New(cfg Config) *Debuggee {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.MemoryLimit == 0 {
		cfg.MemoryLimit = DefaultMemoryLimit
	}
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = DefaultStepInterval
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}

	d := &Debuggee{
		cfg:         cfg,
		log:         cfg.Logger,
		memory:      map[uint64]byte{},
		breakpoints: map[breakpointKey]int{},
		executions:  map[*execution]struct{}{},
	}
	for i := range cfg.Threads {
		t := &thread{id: rsp.NewThreadID(int64(i + 1))}
		t.registers[PCRegister] = cfg.EntryPoint
		d.threads = append(d.threads, t)
	}
	d.current = d.threads[0].id
	d.lastStop = rsp.StopEvent{Kind: rsp.StopSignal, Signal: rsp.SignalTrap, Thread: d.current, HasThread: true}
	return d
}

// findThreadLocked resolves a thread selector. Any and all thread select the current thread.
func (d *Debuggee) findThreadLocked(id rsp.ThreadID) (*thread, error) {
	if id.IsAll() || id.IsAny() {
		id = d.current
	}
	for _, t := range d.threads {
		if t.id.Tid == id.Tid {
			return t, nil
		}
	}
	return nil, rsp.NewFault(codeNoThread, fmt.Errorf("%w: %s", errNoSuchThread, id))
}

func (d *Debuggee) checkAliveLocked() error {
	if d.exited {
		return rsp.NewFault(codeNotRunning, errNotRunning)
	}
	return nil
}

func (d *Debuggee) ReadMemory(_ context.Context, addr uint64, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if addr >= d.cfg.MemoryLimit {
		return nil, rsp.NewFault(codeFault, fmt.Errorf("%w: %#x", errOutOfRange, addr))
	}
	// Reads are truncated at the end of the address space.
	length = int(min(uint64(length), d.cfg.MemoryLimit-addr))
	data := make([]byte, length)
	for i := range data {
		data[i] = d.memory[addr+uint64(i)]
	}
	return data, nil
}

func (d *Debuggee) WriteMemory(_ context.Context, addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if addr >= d.cfg.MemoryLimit || uint64(len(data)) > d.cfg.MemoryLimit-addr {
		return rsp.NewFault(codeFault, fmt.Errorf("%w: %#x+%d", errOutOfRange, addr, len(data)))
	}
	for i, b := range data {
		d.memory[addr+uint64(i)] = b
	}
	return nil
}

func (d *Debuggee) ReadRegisters(_ context.Context, id rsp.ThreadID) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.findThreadLocked(id)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, RegisterCount*RegisterSize)
	for _, v := range t.registers {
		data = binary.LittleEndian.AppendUint64(data, v)
	}
	return data, nil
}

func (d *Debuggee) WriteRegisters(_ context.Context, id rsp.ThreadID, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.findThreadLocked(id)
	if err != nil {
		return err
	}
	if len(data) != RegisterCount*RegisterSize {
		return rsp.NewFault(codeInvalidValue, fmt.Errorf("register file is %d bytes, got %d", RegisterCount*RegisterSize, len(data)))
	}
	for i := range t.registers {
		t.registers[i] = binary.LittleEndian.Uint64(data[i*RegisterSize:])
	}
	return nil
}

func (d *Debuggee) ReadRegister(_ context.Context, id rsp.ThreadID, reg int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.findThreadLocked(id)
	if err != nil {
		return nil, err
	}
	if reg < 0 || reg >= RegisterCount {
		return nil, rsp.NewFault(codeInvalidValue, fmt.Errorf("no register %d", reg))
	}
	return binary.LittleEndian.AppendUint64(nil, t.registers[reg]), nil
}

func (d *Debuggee) WriteRegister(_ context.Context, id rsp.ThreadID, reg int, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.findThreadLocked(id)
	if err != nil {
		return err
	}
	if reg < 0 || reg >= RegisterCount || len(value) != RegisterSize {
		return rsp.NewFault(codeInvalidValue, fmt.Errorf("invalid write of register %d", reg))
	}
	t.registers[reg] = binary.LittleEndian.Uint64(value)
	return nil
}

func (d *Debuggee) SetBreakpoint(_ context.Context, kind rsp.BreakpointKind, addr uint64, length int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if length <= 0 {
		return rsp.NewFault(codeInvalidValue, fmt.Errorf("invalid %s length %d", kind, length))
	}
	// Instruction breakpoints follow the program counter, which is not bounded by data memory.
	isWatchpoint := kind != rsp.SoftwareBreakpoint && kind != rsp.HardwareBreakpoint
	if isWatchpoint && (addr >= d.cfg.MemoryLimit || uint64(length) > d.cfg.MemoryLimit-addr) {
		return rsp.NewFault(codeFault, fmt.Errorf("%w: %#x", errOutOfRange, addr))
	}
	d.breakpoints[breakpointKey{kind, addr}] = length
	d.log.V(1).Info("Breakpoint inserted", "Kind", kind.String(), "Address", fmt.Sprintf("%#x", addr))
	return nil
}

func (d *Debuggee) ClearBreakpoint(_ context.Context, kind rsp.BreakpointKind, addr uint64, _ int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.breakpoints, breakpointKey{kind, addr})
	return nil
}

// Breakpoints returns the addresses of the breakpoints of the given kind, sorted.
func (d *Debuggee) Breakpoints(kind rsp.BreakpointKind) []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	var addrs []uint64
	for key := range d.breakpoints {
		if key.kind == kind {
			addrs = append(addrs, key.addr)
		}
	}
	slices.Sort(addrs)
	return addrs
}

// breakpointAtLocked returns the stop reason for an instruction breakpoint at addr, if any.
func (d *Debuggee) breakpointAtLocked(addr uint64) (string, bool) {
	if _, found := d.breakpoints[breakpointKey{rsp.SoftwareBreakpoint, addr}]; found {
		return rsp.ReasonSwBreak, true
	}
	if _, found := d.breakpoints[breakpointKey{rsp.HardwareBreakpoint, addr}]; found {
		return rsp.ReasonHwBreak, true
	}
	return "", false
}

func (d *Debuggee) Threads(_ context.Context) ([]rsp.ThreadID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.exited {
		return nil, nil
	}
	ids := make([]rsp.ThreadID, len(d.threads))
	for i, t := range d.threads {
		ids[i] = t.id
	}
	return ids, nil
}

func (d *Debuggee) CurrentThread(_ context.Context) (rsp.ThreadID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, nil
}

func (d *Debuggee) StopReason(_ context.Context) (rsp.StopEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastStop, nil
}

func (d *Debuggee) PassSignals(_ context.Context, signals []int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passSignals = slices.Clone(signals)
	return nil
}

// passesLocked reports whether a signal is delivered to the process without stopping it.
func (d *Debuggee) passesLocked(signal uint8) bool {
	return slices.Contains(d.passSignals, int(signal))
}

// PC returns the program counter of a thread.
func (d *Debuggee) PC(id rsp.ThreadID) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.findThreadLocked(id)
	if err != nil {
		return 0, err
	}
	return t.registers[PCRegister], nil
}

// Detached reports whether a debugger detached from the process.
func (d *Debuggee) Detached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detached
}

var (
	_ rsp.Target           = (*Debuggee)(nil)
	_ rsp.RegisterAccessor = (*Debuggee)(nil)
	_ rsp.Killer           = (*Debuggee)(nil)
	_ rsp.Detacher         = (*Debuggee)(nil)
	_ rsp.XferProvider     = (*Debuggee)(nil)
	_ rsp.MonitorHandler   = (*Debuggee)(nil)
	_ rsp.SignalFilter     = (*Debuggee)(nil)
	_ rsp.ThreadSelector   = (*Debuggee)(nil)
)
