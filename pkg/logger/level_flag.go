/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
)

// Named levels accepted by the verbosity flag. Numbers select logr verbosity: 1 enables V(1) (packet traces),
// 2 enables V(2) (raw bytes), and so on.
var namedLevels = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// StringToLevel parses a level name or a positive verbosity number. On error defaultLevel is returned.
func StringToLevel(value string, defaultLevel zapcore.Level) (zapcore.Level, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if level, found := namedLevels[value]; found {
		return level, nil
	}

	verbosity, err := strconv.Atoi(value)
	if err != nil || verbosity <= 0 || verbosity > 127 {
		return defaultLevel, fmt.Errorf("invalid log level \"%s\"", value)
	}
	// logr V(n) maps to zap level -n.
	return zapcore.Level(int8(-verbosity)), nil
}

// LevelFlagValue is a pflag.Value that applies the parsed level as soon as the flag is set.
type LevelFlagValue struct {
	apply func(zapcore.Level)
	text  string
}

func NewLevelFlagValue(apply func(zapcore.Level)) LevelFlagValue {
	return LevelFlagValue{apply: apply}
}

func (v *LevelFlagValue) Set(text string) error {
	level, err := StringToLevel(text, zapcore.InfoLevel)
	if err != nil {
		return err
	}
	v.apply(level)
	v.text = text
	return nil
}

func (v *LevelFlagValue) String() string {
	return v.text
}

func (*LevelFlagValue) Type() string {
	return "level"
}

var _ pflag.Value = (*LevelFlagValue)(nil)
