/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func TestRetryGetSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	attempts := 0
	val, err := RetryGet(context.Background(), AttemptsBackoff(5), func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, val)
	require.Equal(t, 3, attempts)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	attempts := 0
	err := Retry(context.Background(), AttemptsBackoff(5), func() error {
		attempts++
		return Permanent(boom)
	}, nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, attempts)
}

func TestRetryHonorsAttemptBudget(t *testing.T) {
	t.Parallel()

	transient := errors.New("transient")
	attempts := 0
	notified := 0
	err := Retry(context.Background(), AttemptsBackoff(3), func() error {
		attempts++
		return transient
	}, func(error) { notified++ })
	require.ErrorIs(t, err, transient)
	require.Equal(t, 4, attempts, "one attempt plus three retries")
	require.Equal(t, 3, notified)
}

func TestRetryGetReportsLastErrorOnTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	refused := errors.New("connection refused")
	_, err := RetryGet(ctx, ConnectBackoff(5*time.Millisecond, time.Minute), func() (string, error) {
		return "", refused
	})
	require.ErrorIs(t, err, refused)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMakePanicErrorIsPermanent(t *testing.T) {
	t.Parallel()

	require.NoError(t, MakePanicError(nil, "worker", logr.Discard()))

	err := MakePanicError("kaboom", "worker", logr.Discard())
	require.ErrorContains(t, err, "worker panicked: kaboom")
	var permanent *backoff.PermanentError
	require.ErrorAs(t, err, &permanent)
}
