// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/gdbrsp/pkg/testutil"
)

const (
	peerReadTimeout = 10 * time.Second
	silencePeriod   = 150 * time.Millisecond
)

// scriptedPeer plays the other side of a session byte by byte. It must only be used from the test goroutine.
type scriptedPeer struct {
	t      *testing.T
	conn   net.Conn
	reader *frameReader
}

func newScriptedPeer(t *testing.T, conn net.Conn) *scriptedPeer {
	return &scriptedPeer{t: t, conn: conn, reader: newFrameReader(conn, 0)}
}

func (p *scriptedPeer) nextEvent() inboundEvent {
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(peerReadTimeout)))
	ev, err := p.reader.next()
	require.NoError(p.t, err)
	return ev
}

// expectPacket returns the payload of the next packet, skipping acknowledgments.
func (p *scriptedPeer) expectPacket() string {
	for {
		ev := p.nextEvent()
		switch ev.kind {
		case eventAck, eventNack:
			continue
		case eventPacket:
			return string(ev.payload)
		default:
			require.Failf(p.t, "unexpected event", "expected a packet, got %s", ev.kind)
		}
	}
}

// expectSilence checks that nothing but acknowledgments arrives for a while.
func (p *scriptedPeer) expectSilence() {
	deadline := time.Now().Add(silencePeriod)
	require.NoError(p.t, p.conn.SetReadDeadline(deadline))
	for {
		ev, err := p.reader.next()
		if err != nil {
			require.True(p.t, errors.Is(err, os.ErrDeadlineExceeded), "unexpected read error: %v", err)
			return
		}
		require.Contains(p.t, []eventKind{eventAck}, ev.kind, "expected silence, got %s %q", ev.kind, ev.payload)
	}
}

// expectClosed checks that the other side closed the connection.
func (p *scriptedPeer) expectClosed() {
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(peerReadTimeout)))
	for {
		ev, err := p.reader.next()
		if err != nil {
			require.False(p.t, errors.Is(err, os.ErrDeadlineExceeded), "connection was not closed")
			return
		}
		require.NotEqual(p.t, eventPacket, ev.kind, "unexpected packet %q", ev.payload)
	}
}

func (p *scriptedPeer) write(data []byte) {
	_, err := p.conn.Write(data)
	require.NoError(p.t, err)
}

func (p *scriptedPeer) ack() {
	p.write([]byte{ackByte})
}

func (p *scriptedPeer) nack() {
	p.write([]byte{nackByte})
}

func (p *scriptedPeer) reply(payload string) {
	p.write(Encode([]byte(payload)))
}

func (p *scriptedPeer) notify(payload string) {
	p.write(EncodeNotification([]byte(payload)))
}

// testClientConfig returns a client configuration with timeouts suitable for tests.
func testClientConfig(t *testing.T) Config {
	cfg := DefaultConfig(RoleClient)
	cfg.Logger = testutil.NewLogForTesting(t.Name())
	cfg.ReplyTimeout = peerReadTimeout
	return cfg
}

func newScriptedClient(t *testing.T, configure func(*Config)) (*Client, *scriptedPeer) {
	clientConn, peerConn := testutil.NewConnPair(t)
	cfg := testClientConfig(t)
	if configure != nil {
		configure(&cfg)
	}
	client, err := NewClient(NewStreamTransport(clientConn), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, newScriptedPeer(t, peerConn)
}

type asyncResult[T any] struct {
	value T
	err   error
}

// runAsync runs a blocking client call on its own goroutine.
func runAsync[T any](f func() (T, error)) <-chan asyncResult[T] {
	results := make(chan asyncResult[T], 1)
	go func() {
		value, err := f()
		results <- asyncResult[T]{value: value, err: err}
	}()
	return results
}

func waitResult[T any](t *testing.T, results <-chan asyncResult[T]) asyncResult[T] {
	select {
	case res := <-results:
		return res
	case <-time.After(peerReadTimeout):
		require.FailNow(t, "the call did not complete in time")
		return asyncResult[T]{}
	}
}

// errorOnly adapts calls that only return an error to runAsync.
func errorOnly(f func() error) func() (struct{}, error) {
	return func() (struct{}, error) {
		return struct{}{}, f()
	}
}
