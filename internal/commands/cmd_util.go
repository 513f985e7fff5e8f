// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package commands

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/microsoft/gdbrsp/pkg/logger"
)

func IsWindows() bool {
	return runtime.GOOS == "windows"
}

func WithNewline(b []byte) []byte {
	if IsWindows() {
		b = append(b, '\r')
	}
	b = append(b, '\n')
	return b
}

// SignalContext returns a context that is cancelled on the first SIGINT or SIGTERM.
// A second signal terminates the process immediately.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
		<-signals
		os.Exit(1)
	}()
	return ctx
}

// ErrorExit logs the error, prints it to stderr and exits with the given code.
func ErrorExit(log *logger.Logger, err error, exitCode int) {
	log.Error(err, "Command failed")
	_, _ = os.Stderr.Write(WithNewline([]byte(err.Error())))
	log.Flush()
	os.Exit(exitCode)
}
