// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package debuggee

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/microsoft/gdbrsp/pkg/rsp"
)

const (
	xferFeatures  = "features"
	xferMemoryMap = "memory-map"
)

var errUnknownAnnex = errors.New("unknown annex")

func littleEndian(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func targetDescription() string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>`)
	b.WriteString(`<!DOCTYPE target SYSTEM "gdb-target.dtd">`)
	b.WriteString(`<target version="1.0"><architecture>i386:x86-64</architecture>`)
	b.WriteString(`<feature name="org.gnu.gdb.pseudo.core">`)
	b.WriteString(`<reg name="pc" bitsize="64" type="code_ptr" regnum="0"/>`)
	for i := 1; i < RegisterCount; i++ {
		fmt.Fprintf(&b, `<reg name="r%d" bitsize="64" type="int64" regnum="%d"/>`, i-1, i)
	}
	b.WriteString(`</feature></target>`)
	return b.String()
}

func (d *Debuggee) memoryMap() string {
	return fmt.Sprintf(`<?xml version="1.0"?><memory-map><memory type="ram" start="0x0" length="%#x"/></memory-map>`, d.cfg.MemoryLimit)
}

func (d *Debuggee) XferObjects() []string {
	return []string{xferFeatures, xferMemoryMap}
}

func (d *Debuggee) ReadXfer(_ context.Context, object, annex string) ([]byte, error) {
	switch {
	case object == xferFeatures && annex == "target.xml":
		return []byte(targetDescription()), nil
	case object == xferMemoryMap && annex == "":
		return []byte(d.memoryMap()), nil
	default:
		return nil, rsp.NewFault(0x00, fmt.Errorf("%w %q for qXfer object %s", errUnknownAnnex, annex, object))
	}
}

// Monitor runs one of the debuggee's monitor commands.
func (d *Debuggee) Monitor(_ context.Context, command string, out io.Writer) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		fields = []string{"help"}
	}

	switch fields[0] {
	case "help":
		_, err := io.WriteString(out, "help -- list monitor commands\n"+
			"threads -- show threads and their pc\n"+
			"breakpoints -- list breakpoints\n"+
			"reset -- zero the registers of every stopped thread\n")
		return err

	case "threads":
		d.mu.Lock()
		var b strings.Builder
		for _, t := range d.threads {
			state := "stopped"
			if t.running != nil {
				state = "running"
			}
			fmt.Fprintf(&b, "thread %s pc=%#x %s\n", t.id, t.registers[PCRegister], state)
		}
		d.mu.Unlock()
		_, err := io.WriteString(out, b.String())
		return err

	case "breakpoints":
		var b strings.Builder
		for _, kind := range []rsp.BreakpointKind{rsp.SoftwareBreakpoint, rsp.HardwareBreakpoint, rsp.WriteWatchpoint, rsp.ReadWatchpoint, rsp.AccessWatchpoint} {
			for _, addr := range d.Breakpoints(kind) {
				fmt.Fprintf(&b, "%s at %#x\n", kind, addr)
			}
		}
		_, err := io.WriteString(out, b.String())
		return err

	case "reset":
		d.mu.Lock()
		for _, t := range d.threads {
			if t.running == nil {
				t.registers = [RegisterCount]uint64{}
				t.registers[PCRegister] = d.cfg.EntryPoint
			}
		}
		d.mu.Unlock()
		return nil

	default:
		_, _ = fmt.Fprintf(out, "unknown monitor command %q\n", fields[0])
		return rsp.NewFault(0x01, fmt.Errorf("unknown monitor command %q", fields[0]))
	}
}
