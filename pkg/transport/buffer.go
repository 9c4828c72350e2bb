// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package transport

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"
)

const DefaultBufferSize = 1 << 20

var ErrClosed = errors.New("stream closed")

// streamBuffer is a non-blocking byte stream between a producer and a consumer.
// Writes accept what fits, reads return what is there; neither ever waits.
type streamBuffer struct {
	ring *ringbuffer.RingBuffer

	mutex  sync.Mutex
	closed bool
	err    error

	// readable is signalled after every successful write, writable after every read.
	readable chan struct{}
	writable chan struct{}
}

func newStreamBuffer(size int, readable chan struct{}) *streamBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if readable == nil {
		readable = make(chan struct{}, 1)
	}
	return &streamBuffer{
		ring:     ringbuffer.New(size),
		readable: readable,
		writable: make(chan struct{}, 1),
	}
}

func signal(channel chan struct{}) {
	select {
	case channel <- struct{}{}:
	default:
	}
}

func (buffer *streamBuffer) Write(data []byte) (int, error) {
	buffer.mutex.Lock()
	closed := buffer.closed
	buffer.mutex.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	written, err := buffer.ring.Write(data)
	if written > 0 {
		signal(buffer.readable)
	}
	if err != nil && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) && !errors.Is(err, ringbuffer.ErrIsFull) {
		return written, errors.Wrap(err, "stream buffer write")
	}
	return written, nil
}

// Read returns (0, nil) when nothing is buffered, and the close reason once
// the buffer is both closed and drained.
func (buffer *streamBuffer) Read(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	read, err := buffer.ring.Read(data)
	if read > 0 {
		signal(buffer.writable)
		return read, nil
	}
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, errors.Wrap(err, "stream buffer read")
	}
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	if buffer.closed {
		// a writer may have slipped data in right before closing
		if buffer.ring.Length() > 0 {
			read, _ = buffer.ring.Read(data)
			return read, nil
		}
		if buffer.err != nil {
			return 0, buffer.err
		}
		return 0, io.EOF
	}
	return 0, nil
}

func (buffer *streamBuffer) Length() int {
	return buffer.ring.Length()
}

func (buffer *streamBuffer) Free() int {
	return buffer.ring.Free()
}

// writeAll blocks until data is fully buffered, the buffer is closed or done is closed.
func (buffer *streamBuffer) writeAll(data []byte, done <-chan struct{}) error {
	for len(data) > 0 {
		written, err := buffer.Write(data)
		if err != nil {
			return err
		}
		data = data[written:]
		if len(data) == 0 {
			return nil
		}
		select {
		case <-buffer.writable:
		case <-done:
			return ErrClosed
		}
	}
	return nil
}

func (buffer *streamBuffer) closeWithError(err error) {
	buffer.mutex.Lock()
	if !buffer.closed {
		buffer.closed = true
		buffer.err = err
	}
	buffer.mutex.Unlock()
	signal(buffer.readable)
	signal(buffer.writable)
}

func (buffer *streamBuffer) isClosed() bool {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	return buffer.closed
}
