// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrConnectionRefused = errors.New("connection refused")

var ErrNotConnected = errors.New("transport is not connected")

// PipeNetwork is an in-memory network of named listeners. Pipes connect to
// a listener by address; every connection is a pair of stream buffers.
type PipeNetwork struct {
	mutex      sync.Mutex
	listeners  map[string]*PipeListener
	bufferSize int
}

func NewPipeNetwork(bufferSize int) *PipeNetwork {
	return &PipeNetwork{
		listeners:  make(map[string]*PipeListener),
		bufferSize: bufferSize,
	}
}

func (network *PipeNetwork) Listen(address string) *PipeListener {
	network.mutex.Lock()
	defer network.mutex.Unlock()
	listener := &PipeListener{
		network: network,
		address: address,
	}
	network.listeners[address] = listener
	return listener
}

// NewTransport returns an unconnected pipe on this network.
func (network *PipeNetwork) NewTransport() *Pipe {
	return &Pipe{
		network: network,
		ready:   make(chan struct{}, 1),
	}
}

func (network *PipeNetwork) lookup(address string) *PipeListener {
	network.mutex.Lock()
	defer network.mutex.Unlock()
	return network.listeners[address]
}

func (network *PipeNetwork) remove(listener *PipeListener) {
	network.mutex.Lock()
	defer network.mutex.Unlock()
	if network.listeners[listener.address] == listener {
		delete(network.listeners, listener.address)
	}
}

type PipeListener struct {
	network *PipeNetwork
	address string

	mutex   sync.Mutex
	backlog []*PipeConn
	refuse  int
}

// Accept returns the next pending connection, if any. It never blocks.
func (listener *PipeListener) Accept() (*PipeConn, bool) {
	listener.mutex.Lock()
	defer listener.mutex.Unlock()
	if len(listener.backlog) == 0 {
		return nil, false
	}
	conn := listener.backlog[0]
	listener.backlog = listener.backlog[1:]
	return conn, true
}

// RefuseNext makes the next count connection attempts fail.
func (listener *PipeListener) RefuseNext(count int) {
	listener.mutex.Lock()
	defer listener.mutex.Unlock()
	listener.refuse = count
}

func (listener *PipeListener) Address() string {
	return listener.address
}

func (listener *PipeListener) Close() {
	listener.network.remove(listener)
}

func (listener *PipeListener) connect() (*PipeConn, error) {
	listener.mutex.Lock()
	defer listener.mutex.Unlock()
	if listener.refuse > 0 {
		listener.refuse--
		return nil, ErrConnectionRefused
	}
	local, remote := newPipeConnPair(listener.network.bufferSize)
	listener.backlog = append(listener.backlog, remote)
	return local, nil
}

// PipeConn is one end of an in-memory connection.
type PipeConn struct {
	in  *streamBuffer
	out *streamBuffer
}

func newPipeConnPair(bufferSize int) (*PipeConn, *PipeConn) {
	forward := newStreamBuffer(bufferSize, nil)
	backward := newStreamBuffer(bufferSize, nil)
	return &PipeConn{in: backward, out: forward}, &PipeConn{in: forward, out: backward}
}

func (conn *PipeConn) Read(data []byte) (int, error) {
	return conn.in.Read(data)
}

func (conn *PipeConn) Write(data []byte) (int, error) {
	return conn.out.Write(data)
}

// Readable is signalled whenever the peer writes.
func (conn *PipeConn) Readable() <-chan struct{} {
	return conn.in.readable
}

// Buffered reports how many bytes wait to be read on this end.
func (conn *PipeConn) Buffered() int {
	return conn.in.Length()
}

// Close shuts both directions. The peer drains what is buffered, then reads io.EOF.
func (conn *PipeConn) Close() error {
	conn.out.closeWithError(nil)
	conn.in.closeWithError(ErrClosed)
	return nil
}

// Pipe is the initiator side transport of a PipeNetwork connection.
type Pipe struct {
	network *PipeNetwork

	mutex     sync.Mutex
	conn      *PipeConn
	err       error
	connected bool
	ready     chan struct{}
	closed    bool
	forward   chan struct{}
}

func (pipe *Pipe) Connect(ctx context.Context, address string) error {
	pipe.mutex.Lock()
	defer pipe.mutex.Unlock()
	if pipe.conn != nil || pipe.err != nil {
		return errors.New("pipe transport already used")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	listener := pipe.network.lookup(address)
	if listener == nil {
		pipe.err = errors.Wrapf(ErrConnectionRefused, "connect %s", address)
		signal(pipe.ready)
		return nil
	}
	conn, err := listener.connect()
	if err != nil {
		pipe.err = errors.Wrapf(err, "connect %s", address)
		signal(pipe.ready)
		return nil
	}
	pipe.conn = conn
	pipe.connected = true
	pipe.forward = make(chan struct{})
	go pipe.forwardReadiness(conn.Readable(), pipe.forward)
	signal(pipe.ready)
	return nil
}

func (pipe *Pipe) forwardReadiness(readable <-chan struct{}, done chan struct{}) {
	for {
		select {
		case <-readable:
			signal(pipe.ready)
		case <-done:
			return
		}
	}
}

func (pipe *Pipe) Connected() (bool, error) {
	pipe.mutex.Lock()
	defer pipe.mutex.Unlock()
	return pipe.connected, pipe.err
}

func (pipe *Pipe) Read(data []byte) (int, error) {
	pipe.mutex.Lock()
	conn := pipe.conn
	pipe.mutex.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}
	return conn.Read(data)
}

func (pipe *Pipe) Write(data []byte) (int, error) {
	pipe.mutex.Lock()
	conn := pipe.conn
	pipe.mutex.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}
	return conn.Write(data)
}

// Fd is -1: there is no descriptor behind a pipe.
func (pipe *Pipe) Fd() int {
	return -1
}

func (pipe *Pipe) Ready() <-chan struct{} {
	return pipe.ready
}

func (pipe *Pipe) Close() error {
	pipe.mutex.Lock()
	defer pipe.mutex.Unlock()
	if pipe.closed {
		return nil
	}
	pipe.closed = true
	pipe.connected = false
	if pipe.forward != nil {
		close(pipe.forward)
	}
	if pipe.conn != nil {
		return pipe.conn.Close()
	}
	return nil
}
