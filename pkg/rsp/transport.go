// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/microsoft/gdbrsp/pkg/resiliency"
)

// Transport is the duplex byte stream a session runs over (TCP socket, serial line, pipe, WebSocket).
// Read is only called from the session's reader goroutine. Write may be called concurrently
// (an interrupt can be sent while a request is outstanding); implementations serialize writes.
type Transport interface {
	io.Reader

	// Write writes all bytes or returns an error.
	io.Writer

	// Close closes the transport. Blocked Read and Write calls return with an error.
	Close() error
}

var errTransportClosed = errors.New("transport is closed")

// streamTransport implements Transport over any io.ReadWriteCloser.
type streamTransport struct {
	rwc io.ReadWriteCloser

	// writeMu protects concurrent writes to the stream
	writeMu sync.Mutex

	// closed indicates whether the transport has been closed
	closed bool
	mu     sync.Mutex
}

// NewStreamTransport creates a Transport backed by a byte stream such as a net.Conn or a serial port.
func NewStreamTransport(rwc io.ReadWriteCloser) Transport {
	return &streamTransport{rwc: rwc}
}

// DialTCP connects to a stub listening on a TCP address. Refused connections are retried with
// exponential back-off until the context is done, because stubs are often started concurrently
// with the debugger.
func DialTCP(ctx context.Context, address string) (Transport, error) {
	var d net.Dialer
	conn, dialErr := resiliency.RetryGet(ctx, resiliency.ConnectBackoff(50*time.Millisecond, 30*time.Second), func() (net.Conn, error) {
		return d.DialContext(ctx, "tcp", address)
	})
	if dialErr != nil {
		return nil, fmt.Errorf("failed to dial TCP %s: %w", address, dialErr)
	}

	return NewStreamTransport(conn), nil
}

func (t *streamTransport) Read(p []byte) (int, error) {
	n, readErr := t.rwc.Read(p)
	if readErr != nil && t.isClosed() {
		return n, errTransportClosed
	}
	return n, readErr
}

func (t *streamTransport) Write(p []byte) (int, error) {
	if t.isClosed() {
		return 0, errTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	n, writeErr := t.rwc.Write(p)
	if writeErr != nil {
		return n, fmt.Errorf("failed to write to transport: %w", writeErr)
	}
	return n, nil
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	return t.rwc.Close()
}

func (t *streamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// websocketTransport carries the byte stream in binary WebSocket messages.
// Message boundaries carry no meaning; frames may span messages.
type websocketTransport struct {
	conn *websocket.Conn

	// current is the reader of the message being consumed, nil between messages
	current io.Reader

	writeMu sync.Mutex

	closed bool
	mu     sync.Mutex
}

// NewWebSocketTransport creates a Transport backed by an established WebSocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &websocketTransport{conn: conn}
}

// DialWebSocket connects to a stub exposed over WebSocket (see WebSocketHandler).
func DialWebSocket(ctx context.Context, url string) (Transport, error) {
	conn, resp, dialErr := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if dialErr != nil {
		return nil, fmt.Errorf("failed to dial WebSocket %s: %w", url, dialErr)
	}
	return NewWebSocketTransport(conn), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WebSocketHandler returns an http.Handler that upgrades requests to WebSocket connections
// and hands each connection to serve. The connection is closed when serve returns.
func WebSocketHandler(serve func(ctx context.Context, t Transport)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, upgradeErr := upgrader.Upgrade(w, r, nil)
		if upgradeErr != nil {
			// Upgrade already replied with an HTTP error.
			return
		}
		t := NewWebSocketTransport(conn)
		defer t.Close()
		serve(r.Context(), t)
	})
}

func (t *websocketTransport) Read(p []byte) (int, error) {
	for {
		if t.current == nil {
			messageType, r, readErr := t.conn.NextReader()
			if readErr != nil {
				if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) || t.isClosed() {
					return 0, io.EOF
				}
				return 0, fmt.Errorf("failed to read WebSocket message: %w", readErr)
			}
			if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
				continue
			}
			t.current = r
		}

		n, readErr := t.current.Read(p)
		if errors.Is(readErr, io.EOF) {
			t.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, readErr
	}
}

func (t *websocketTransport) Write(p []byte) (int, error) {
	if t.isClosed() {
		return 0, errTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if writeErr := t.conn.WriteMessage(websocket.BinaryMessage, p); writeErr != nil {
		return 0, fmt.Errorf("failed to write WebSocket message: %w", writeErr)
	}
	return len(p), nil
}

func (t *websocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.writeMu.Lock()
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	t.writeMu.Unlock()

	return t.conn.Close()
}

func (t *websocketTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
