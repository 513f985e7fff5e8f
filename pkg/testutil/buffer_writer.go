// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package testutil

import (
	"bytes"
	"io"
	"sync"
)

// BufferWriter is a goroutine-safe io.Writer that collects everything written to it.
// Writes fail after Close.
type BufferWriter struct {
	data   bytes.Buffer
	lock   sync.Mutex
	closed bool
}

func NewBufferWriter() *BufferWriter {
	return &BufferWriter{}
}

func (bw *BufferWriter) Write(p []byte) (int, error) {
	bw.lock.Lock()
	defer bw.lock.Unlock()

	if bw.closed {
		return 0, io.ErrClosedPipe
	}
	return bw.data.Write(p)
}

func (bw *BufferWriter) String() string {
	bw.lock.Lock()
	defer bw.lock.Unlock()
	return bw.data.String()
}

func (bw *BufferWriter) Close() error {
	bw.lock.Lock()
	defer bw.lock.Unlock()
	bw.closed = true
	return nil
}

var _ io.WriteCloser = (*BufferWriter)(nil)
