// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package testutil

import (
	"flag"
	"os"
	"testing"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"

	"github.com/microsoft/gdbrsp/pkg/logger"
)

// TestLogLevelEnvVar sets the level of test loggers (debug, info, error or a verbosity number).
const TestLogLevelEnvVar = "RSP_TEST_LOG_LEVEL"

// NewLogForTesting returns a logger that only shows errors, unless tests run with -v
// (debug level) or RSP_TEST_LOG_LEVEL says otherwise.
func NewLogForTesting(name string) logr.Logger {
	if !flag.Parsed() {
		flag.Parse()
	}

	level := zapcore.ErrorLevel
	if testing.Verbose() {
		level = zapcore.DebugLevel
	}
	if value, found := os.LookupEnv(TestLogLevelEnvVar); found {
		level, _ = logger.StringToLevel(value, level)
	}

	log := logger.New(name)
	log.SetLevel(level)
	return log.Logger.WithValues("Test", true)
}
