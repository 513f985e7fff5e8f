/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ConnectBackoff returns the policy used when (re)establishing connections to a stub:
// exponential back-off starting at the given interval, giving up after maxElapsed.
func ConnectBackoff(initial time.Duration, maxElapsed time.Duration) backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
}

// AttemptsBackoff returns a policy that retries immediately, at most retries times after the first attempt.
func AttemptsBackoff(retries uint64) backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, retries)
}

// Try calling factory function with given backoff policy until a value is successfully created,
// or a permanent error occurs, or the passed context is cancelled.
func RetryGet[T any](ctx context.Context, b backoff.BackOff, factory func() (T, error)) (T, error) {
	var lastAttemptErr error

	retval, err := backoff.RetryNotifyWithData(
		factory,
		backoff.WithContext(b, ctx),
		func(err error, _ time.Duration) {
			lastAttemptErr = err
		},
	)

	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		// Inform the caller about the timeout AND the last attempt error.
		return *new(T), errors.Join(lastAttemptErr, err)
	case err != nil:
		return *new(T), err
	default:
		return retval, nil
	}
}

// Try calling operation function with given backoff policy until it succeeds,
// or a permanent error occurs, or the policy gives up, or the passed context is cancelled.
// The notify callback, if not nil, is invoked before every retry with the error of the failed attempt.
func Retry(ctx context.Context, b backoff.BackOff, operation func() error, notify func(error)) error {
	var lastAttemptErr error

	err := backoff.RetryNotify(
		operation,
		backoff.WithContext(b, ctx),
		func(err error, _ time.Duration) {
			lastAttemptErr = err
			if notify != nil {
				notify(err)
			}
		},
	)

	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		return errors.Join(lastAttemptErr, err)
	case err != nil:
		return err
	default:
		return nil
	}
}

// Creates a permanent error that stops the retry loop.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
