/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	cmds "github.com/microsoft/gdbrsp/internal/commands"
)

const (
	defaultAddress          = "localhost:2345"
	gracefulShutdownTimeout = 5 * time.Second
	defaultProbeTimeout     = 30 * time.Second
)

// memoryRange is a "addr,length" command line value; both parts accept 0x prefixed hex.
type memoryRange struct {
	addr   uint64
	length int
}

func parseMemoryRange(value string) (memoryRange, error) {
	addrText, lengthText, found := strings.Cut(value, ",")
	if !found {
		return memoryRange{}, fmt.Errorf("memory range must have the form 'address,length', got '%s'", value)
	}
	addr, addrErr := strconv.ParseUint(strings.TrimSpace(addrText), 0, 64)
	if addrErr != nil {
		return memoryRange{}, fmt.Errorf("invalid address '%s': %w", addrText, addrErr)
	}
	length, lengthErr := strconv.ParseUint(strings.TrimSpace(lengthText), 0, 31)
	if lengthErr != nil || length == 0 {
		return memoryRange{}, fmt.Errorf("invalid length '%s'", lengthText)
	}
	return memoryRange{addr: addr, length: int(length)}, nil
}

// writeJSON prints a status message the way other tools can consume it.
func writeJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(cmds.WithNewline(data))
	return err
}
