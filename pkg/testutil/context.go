// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

// TestTimeoutEnvVar overrides the timeout of every test context, e.g. RSP_TEST_TIMEOUT=10m when debugging.
const TestTimeoutEnvVar = "RSP_TEST_TIMEOUT"

// GetTestContext returns a context that ends after testTimeout, or at the test binary deadline
// if that comes first. A zero testTimeout means only the binary deadline applies.
func GetTestContext(t *testing.T, testTimeout time.Duration) (context.Context, context.CancelFunc) {
	if override, found := os.LookupEnv(TestTimeoutEnvVar); found {
		timeout, err := time.ParseDuration(override)
		if err != nil || timeout <= 0 {
			panic(fmt.Sprintf("%s value '%s' is not a positive duration", TestTimeoutEnvVar, override))
		}
		return context.WithTimeout(context.Background(), timeout)
	}

	var deadline time.Time
	if testTimeout > 0 {
		deadline = time.Now().Add(testTimeout)
	}
	if binaryDeadline, found := t.Deadline(); found && (deadline.IsZero() || binaryDeadline.Before(deadline)) {
		deadline = binaryDeadline
	}

	if deadline.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}
