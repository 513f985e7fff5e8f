/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package debuggee

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/microsoft/gdbrsp/pkg/rsp"
)

var errNothingToResume = errors.New("no stopped thread selected")

// execution is one resume: a group of threads running until one of them stops.
type execution struct {
	threads  []*thread
	stepping map[*thread]bool
	executed int

	// stops delivers the single stop event of the execution.
	stops chan rsp.StopEvent

	stopRequested chan struct{}
	requestOnce   sync.Once
	requested     rsp.StopEvent
}

func newExecution() *execution {
	return &execution{
		stepping:      map[*thread]bool{},
		stops:         make(chan rsp.StopEvent, 1),
		stopRequested: make(chan struct{}),
	}
}

// requestStop makes the execution stop with the given event. Only the first request counts.
func (e *execution) requestStop(ev rsp.StopEvent) {
	e.requestOnce.Do(func() {
		e.requested = ev
		close(e.stopRequested)
	})
}

// Resume starts the threads selected by the actions. Threads that are running already, or that no
// action selects, stay as they are. The pc of a thread is set first when the action carries an address.
func (d *Debuggee) Resume(ctx context.Context, actions []rsp.ResumeAction) (<-chan rsp.StopEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkAliveLocked(); err != nil {
		return nil, err
	}

	exec := newExecution()
	for _, t := range d.threads {
		if t.running != nil {
			continue
		}
		for _, action := range actions {
			if !action.Thread.Matches(t.id) {
				continue
			}
			if action.Action == 't' {
				break
			}
			if action.HasAddr {
				t.registers[PCRegister] = action.Addr
			}
			if action.Signal != rsp.SignalNone && !d.passesLocked(action.Signal) {
				d.log.V(1).Info("Delivering signal", "Thread", t.id.String(), "Signal", action.Signal)
			}
			exec.threads = append(exec.threads, t)
			exec.stepping[t] = action.Stepping()
			break
		}
	}
	if len(exec.threads) == 0 {
		return nil, rsp.NewFault(codeBusy, errNothingToResume)
	}

	for _, t := range exec.threads {
		t.running = exec
	}
	d.executions[exec] = struct{}{}
	d.log.V(1).Info("Threads resumed", "Threads", len(exec.threads))

	go d.run(ctx, exec)
	return exec.stops, nil
}

func (d *Debuggee) run(ctx context.Context, exec *execution) {
	ticker := time.NewTicker(d.cfg.StepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The connection is gone; leave the threads stopped without reporting.
			d.finish(exec, nil)
			return

		case <-exec.stopRequested:
			ev := exec.requested
			d.finish(exec, &ev)
			return

		case <-ticker.C:
			if ev, stopped := d.step(exec); stopped {
				d.finish(exec, &ev)
				return
			}
		}
	}
}

// step executes one instruction on every thread of the execution.
func (d *Debuggee) step(exec *execution) (rsp.StopEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	exec.executed++
	for _, t := range exec.threads {
		t.registers[PCRegister] += InstructionSize
		pc := t.registers[PCRegister]

		if exec.stepping[t] {
			return d.stopEvent(t, ""), true
		}
		if reason, found := d.breakpointAtLocked(pc); found {
			return d.stopEvent(t, reason), true
		}
	}
	if d.cfg.InstructionBudget > 0 && exec.executed >= d.cfg.InstructionBudget {
		return d.stopEvent(exec.threads[0], ""), true
	}
	return rsp.StopEvent{}, false
}

func (d *Debuggee) stopEvent(t *thread, reason string) rsp.StopEvent {
	return rsp.StopEvent{
		Kind:      rsp.StopSignal,
		Signal:    rsp.SignalTrap,
		Thread:    t.id,
		HasThread: true,
		Reason:    reason,
		Registers: map[uint64][]byte{
			PCRegister: littleEndian(t.registers[PCRegister]),
		},
	}
}

func (d *Debuggee) finish(exec *execution, ev *rsp.StopEvent) {
	d.mu.Lock()
	delete(d.executions, exec)
	for _, t := range exec.threads {
		t.running = nil
	}
	if ev != nil {
		d.lastStop = *ev
		if ev.HasThread {
			d.current = ev.Thread
		}
	}
	d.mu.Unlock()

	if ev != nil {
		d.log.V(1).Info("Target stopped", "Stop", ev.String())
		exec.stops <- *ev
	}
}

// Interrupt stops every running thread with SIGINT.
func (d *Debuggee) Interrupt(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for exec := range d.executions {
		t := exec.threads[0]
		exec.requestStop(rsp.StopEvent{
			Kind:      rsp.StopSignal,
			Signal:    rsp.SignalInt,
			Thread:    t.id,
			HasThread: true,
		})
	}
	return nil
}

// Running reports whether any thread is running.
func (d *Debuggee) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.executions) > 0
}

// Kill terminates the process. Running executions report the termination.
func (d *Debuggee) Kill(_ context.Context, pid int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkAliveLocked(); err != nil {
		return err
	}
	terminated := rsp.StopEvent{Kind: rsp.StopTerminated, Signal: rsp.SignalKill}
	d.exited = true
	d.lastStop = terminated
	clear(d.breakpoints)
	for exec := range d.executions {
		exec.requestStop(terminated)
	}
	d.log.Info("Process killed", "Pid", pid)
	return nil
}

// Detach removes all breakpoints and leaves the process alone. Another debugger may connect later.
func (d *Debuggee) Detach(_ context.Context, pid int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.detached = true
	clear(d.breakpoints)
	d.log.Info("Debugger detached", "Pid", pid)
	return nil
}
