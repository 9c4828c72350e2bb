// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"iscsiclient/pkg/logger"

	"github.com/pkg/errors"
)

// TCPConfig holds the socket tuning applied before the connection is established.
// Zero values leave the kernel defaults in place.
type TCPConfig struct {
	DialTimeout       time.Duration
	KeepAliveIdle     time.Duration
	KeepAliveInterval time.Duration
	KeepAliveCount    int
	UserTimeout       time.Duration
	SynCount          int
	BufferSize        int
	// LocalAddress binds the socket to one interface address before connecting.
	LocalAddress string
}

func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		DialTimeout: 10 * time.Second,
		BufferSize:  DefaultBufferSize,
	}
}

type tcpState int

const (
	tcpIdle tcpState = iota
	tcpConnecting
	tcpConnected
	tcpFailed
	tcpClosed
)

// TCP connects in the background and moves bytes between the socket and two
// stream buffers, so Read and Write never block the caller.
type TCP struct {
	config TCPConfig

	mutex  sync.Mutex
	state  tcpState
	err    error
	conn   *net.TCPConn
	cancel context.CancelFunc

	recv  *streamBuffer
	send  *streamBuffer
	ready chan struct{}
	wg    sync.WaitGroup
}

func NewTCP(config TCPConfig) *TCP {
	ready := make(chan struct{}, 1)
	return &TCP{
		config: config,
		ready:  ready,
		recv:   newStreamBuffer(config.BufferSize, ready),
		send:   newStreamBuffer(config.BufferSize, nil),
	}
}

func (transport *TCP) Connect(ctx context.Context, address string) error {
	transport.mutex.Lock()
	defer transport.mutex.Unlock()
	if transport.state != tcpIdle {
		return errors.New("tcp transport already used")
	}
	dialer := &net.Dialer{
		Timeout: transport.config.DialTimeout,
		// keepalive is configured through socket options instead
		KeepAlive: -1,
		Control:   transport.config.control,
	}
	if transport.config.LocalAddress != "" {
		localAddress, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(transport.config.LocalAddress, "0"))
		if err != nil {
			return errors.Wrapf(err, "resolve local address %s", transport.config.LocalAddress)
		}
		dialer.LocalAddr = localAddress
	}
	ctx, transport.cancel = context.WithCancel(ctx)
	transport.state = tcpConnecting
	transport.wg.Add(1)
	go transport.dial(ctx, dialer, address)
	return nil
}

func (transport *TCP) dial(ctx context.Context, dialer *net.Dialer, address string) {
	defer transport.wg.Done()
	log := logger.GetLogger()
	conn, err := dialer.DialContext(ctx, "tcp", address)
	transport.mutex.Lock()
	defer transport.mutex.Unlock()
	defer signal(transport.ready)
	if err != nil {
		if transport.state == tcpConnecting {
			transport.state = tcpFailed
			transport.err = errors.Wrapf(err, "connect %s", address)
		}
		return
	}
	if transport.state != tcpConnecting {
		// closed while dialing
		_ = conn.Close()
		return
	}
	tcpConn := conn.(*net.TCPConn)
	if err := tcpConn.SetNoDelay(true); err != nil {
		log.Warnf("failed to disable Nagle's algorithm on %s: %s", address, err)
	}
	transport.conn = tcpConn
	transport.state = tcpConnected
	log.Debugf("connected to %s from %s", tcpConn.RemoteAddr(), tcpConn.LocalAddr())
	transport.wg.Add(2)
	go transport.readLoop(ctx, tcpConn)
	go transport.writeLoop(ctx, tcpConn)
}

func (transport *TCP) readLoop(ctx context.Context, conn *net.TCPConn) {
	defer transport.wg.Done()
	buffer := make([]byte, 64*1024)
	for {
		length, err := conn.Read(buffer)
		if length > 0 {
			if writeErr := transport.recv.writeAll(buffer[:length], ctx.Done()); writeErr != nil {
				return
			}
		}
		if err != nil {
			transport.fail(errors.Wrap(err, "tcp read"))
			return
		}
	}
}

func (transport *TCP) writeLoop(ctx context.Context, conn *net.TCPConn) {
	defer transport.wg.Done()
	buffer := make([]byte, 64*1024)
	for {
		length, err := transport.send.Read(buffer)
		if err != nil {
			return
		}
		if length == 0 {
			select {
			case <-transport.send.readable:
				continue
			case <-ctx.Done():
				return
			}
		}
		if _, err := conn.Write(buffer[:length]); err != nil {
			transport.fail(errors.Wrap(err, "tcp write"))
			return
		}
	}
}

// fail makes the receive side report err once the buffered bytes are consumed.
func (transport *TCP) fail(err error) {
	transport.mutex.Lock()
	if transport.state == tcpConnected {
		transport.state = tcpFailed
		transport.err = err
	}
	transport.mutex.Unlock()
	transport.recv.closeWithError(err)
	transport.send.closeWithError(err)
}

func (transport *TCP) Connected() (bool, error) {
	transport.mutex.Lock()
	defer transport.mutex.Unlock()
	switch transport.state {
	case tcpConnected:
		return true, nil
	case tcpFailed:
		return transport.conn != nil, transport.err
	case tcpClosed:
		return false, ErrClosed
	}
	return false, nil
}

func (transport *TCP) Read(data []byte) (int, error) {
	transport.mutex.Lock()
	connected := transport.conn != nil
	transport.mutex.Unlock()
	if !connected {
		return 0, ErrNotConnected
	}
	return transport.recv.Read(data)
}

func (transport *TCP) Write(data []byte) (int, error) {
	transport.mutex.Lock()
	connected := transport.conn != nil
	transport.mutex.Unlock()
	if !connected {
		return 0, ErrNotConnected
	}
	return transport.send.Write(data)
}

// Fd is -1: the socket is drained by the reader goroutine, so polling it says
// nothing about what Read returns. Wait on Ready instead.
func (transport *TCP) Fd() int {
	return -1
}

func (transport *TCP) Ready() <-chan struct{} {
	return transport.ready
}

func (transport *TCP) Close() error {
	transport.mutex.Lock()
	if transport.state == tcpClosed {
		transport.mutex.Unlock()
		return nil
	}
	transport.state = tcpClosed
	if transport.cancel != nil {
		transport.cancel()
	}
	conn := transport.conn
	transport.mutex.Unlock()

	transport.recv.closeWithError(ErrClosed)
	transport.send.closeWithError(ErrClosed)
	var err error
	if conn != nil {
		err = conn.Close()
	}
	transport.wg.Wait()
	return err
}
