// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func newTestFlags(t *testing.T) (*pflag.FlagSet, *time.Duration, *int, *string) {
	fs := pflag.NewFlagSet(t.Name(), pflag.ContinueOnError)
	ackTimeout := fs.Duration("ack-timeout", 2*time.Second, "")
	retries := fs.Int("max-ack-retries", 3, "")
	listen := fs.String("listen", "localhost:2345", "")
	return fs, ackTimeout, retries, listen
}

func writeEnvFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "rsp.env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestEnvName(t *testing.T) {
	t.Parallel()
	require.Equal(t, "RSP_ACK_TIMEOUT", EnvName("ack-timeout"))
	require.Equal(t, "RSP_LISTEN", EnvName("listen"))
}

// Not parallel: modifies the process environment.
func TestApplyEnvironmentPrecedence(t *testing.T) {
	envFile := writeEnvFile(t, "RSP_ACK_TIMEOUT=5s\nRSP_MAX_ACK_RETRIES=7\nRSP_LISTEN=0.0.0.0:1234\n")
	t.Setenv("RSP_MAX_ACK_RETRIES", "9")

	fs, ackTimeout, retries, listen := newTestFlags(t)
	require.NoError(t, fs.Parse([]string{"--listen", "127.0.0.1:9999"}))
	require.NoError(t, ApplyEnvironment(fs, envFile))

	require.Equal(t, 5*time.Second, *ackTimeout)
	require.Equal(t, 9, *retries)
	require.Equal(t, "127.0.0.1:9999", *listen)
}

func TestApplyEnvironmentWithoutFile(t *testing.T) {
	t.Setenv("RSP_ACK_TIMEOUT", "750ms")

	fs, ackTimeout, retries, _ := newTestFlags(t)
	require.NoError(t, fs.Parse(nil))
	require.NoError(t, ApplyEnvironment(fs, ""))

	require.Equal(t, 750*time.Millisecond, *ackTimeout)
	require.Equal(t, 3, *retries)
}

func TestApplyEnvironmentErrors(t *testing.T) {
	t.Setenv("RSP_MAX_ACK_RETRIES", "many")

	fs, _, _, _ := newTestFlags(t)
	require.NoError(t, fs.Parse(nil))
	require.ErrorContains(t, ApplyEnvironment(fs, ""), "RSP_MAX_ACK_RETRIES")

	require.Error(t, ApplyEnvironment(fs, filepath.Join(t.TempDir(), "missing.env")))
}
