// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/gdbrsp/pkg/testutil"
)

func webSocketURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketSession(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	target := newFakeTarget()
	target.poke(0x1000, []byte{0xde, 0xad, 0xbe, 0xef})
	server := newTestServer(t, target, nil)
	srv := httptest.NewServer(WebSocketHandler(func(ctx context.Context, t Transport) {
		_ = server.Serve(ctx, t)
	}))
	defer srv.Close()

	transport, err := DialWebSocket(ctx, webSocketURL(srv))
	require.NoError(t, err)
	client, err := Connect(ctx, transport, testClientConfig(t))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	data, err := client.ReadMemory(ctx, 0x1000, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, data)

	require.NoError(t, client.Detach(ctx))
}

func TestWebSocketFramesSpanMessages(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	received := make(chan []byte, 1)
	srv := httptest.NewServer(WebSocketHandler(func(_ context.Context, t Transport) {
		buf := make([]byte, 6)
		if _, err := io.ReadFull(t, buf); err == nil {
			received <- buf
		}
		_, _ = t.Write([]byte("+"))
	}))
	defer srv.Close()

	transport, err := DialWebSocket(ctx, webSocketURL(srv))
	require.NoError(t, err)
	defer func() { _ = transport.Close() }()

	_, err = transport.Write([]byte("$O"))
	require.NoError(t, err)
	_, err = transport.Write([]byte("K#9a"))
	require.NoError(t, err)

	select {
	case buf := <-received:
		require.Equal(t, "$OK#9a", string(buf))
	case <-ctx.Done():
		require.FailNow(t, "the frame was not received")
	}

	ack := make([]byte, 1)
	_, err = io.ReadFull(transport, ack)
	require.NoError(t, err)
	require.Equal(t, "+", string(ack))
}

func TestStreamTransportClose(t *testing.T) {
	t.Parallel()

	local, _ := testutil.NewConnPair(t)
	transport := NewStreamTransport(local)
	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())

	_, err := transport.Write([]byte("+"))
	require.ErrorIs(t, err, errTransportClosed)
	_, err = transport.Read(make([]byte, 1))
	require.ErrorIs(t, err, errTransportClosed)
}

func TestDialTCPRetriesUntilListening(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	// Reserve a port, then release it so the first attempts are refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := ln.Addr().String()
	require.NoError(t, ln.Close())

	accepted := make(chan error, 1)
	go func() {
		time.Sleep(300 * time.Millisecond)
		late, listenErr := net.Listen("tcp", address)
		if listenErr != nil {
			accepted <- listenErr
			return
		}
		defer late.Close()
		conn, acceptErr := late.Accept()
		if acceptErr == nil {
			_ = conn.Close()
		}
		accepted <- acceptErr
	}()

	transport, err := DialTCP(ctx, address)
	require.NoError(t, err)
	require.NoError(t, transport.Close())
	require.NoError(t, <-accepted)
}

func TestDialTCPHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = DialTCP(ctx, address)
	require.Error(t, err)
}
