// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package logger

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestStringToLevel(t *testing.T) {
	t.Parallel()

	level, err := StringToLevel("debug", zapcore.InfoLevel)
	require.NoError(t, err)
	require.Equal(t, zapcore.DebugLevel, level)

	level, err = StringToLevel("ERROR", zapcore.InfoLevel)
	require.NoError(t, err)
	require.Equal(t, zapcore.ErrorLevel, level)

	level, err = StringToLevel("3", zapcore.InfoLevel)
	require.NoError(t, err)
	require.Equal(t, zapcore.Level(-3), level)

	level, err = StringToLevel("0", zapcore.InfoLevel)
	require.Error(t, err)
	require.Equal(t, zapcore.InfoLevel, level)

	_, err = StringToLevel("loud", zapcore.InfoLevel)
	require.Error(t, err)
}

func TestLevelFlagSetsLoggerLevel(t *testing.T) {
	t.Parallel()

	log := New("level-flag-test")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	log.AddLevelFlag(fs)

	require.NoError(t, fs.Parse([]string{"-v=debug"}))
	require.Equal(t, zapcore.DebugLevel, log.atomicLevel.Level())
	require.True(t, log.V(1).Enabled())

	require.Error(t, fs.Parse([]string{"--verbosity=nope"}))
}

func TestWarnLevel(t *testing.T) {
	t.Parallel()

	level, err := StringToLevel(" Warn ", zapcore.InfoLevel)
	require.NoError(t, err)
	require.Equal(t, zapcore.WarnLevel, level)
}
