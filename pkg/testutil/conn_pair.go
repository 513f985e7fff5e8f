// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package testutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// NewConnPair returns both ends of a loopback TCP connection. Unlike net.Pipe, writes are buffered
// by the kernel, so both ends may write at the same time. Both ends are closed when the test ends.
func NewConnPair(t *testing.T) (net.Conn, net.Conn) {
	ln, listenErr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, listenErr)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	left, dialErr := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, dialErr)

	var right net.Conn
	select {
	case right = <-accepted:
	case err := <-acceptErr:
		_ = left.Close()
		require.NoError(t, err)
	}

	t.Cleanup(func() {
		_ = left.Close()
		_ = right.Close()
	})
	return left, right
}
