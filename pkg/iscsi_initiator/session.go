// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"iscsiclient/pkg/logger"

	"github.com/google/btree"
)

type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateLoginSecurityNegotiation
	StateLoginOperationalNegotiation
	StateFullFeaturePhase
	StateLoggingOut
	StateReconnecting
)

func (state SessionState) String() string {
	switch state {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateLoginSecurityNegotiation:
		return "Security Negotiation"
	case StateLoginOperationalNegotiation:
		return "Login Operational Negotiation"
	case StateFullFeaturePhase:
		return "Full Feature Phase"
	case StateLoggingOut:
		return "Logging Out"
	case StateReconnecting:
		return "Reconnecting"
	}
	return fmt.Sprintf("SessionState(%d)", int(state))
}

const serviceTick = 10 * time.Millisecond

// Session is an iSCSI session with a single connection. Every exported
// method may be called from any goroutine.
type Session struct {
	mutex  sync.Mutex
	config Config
	now    func() time.Time

	state         SessionState
	address       string
	transport     Transport
	connectCancel context.CancelFunc
	tsih          uint16
	currentStage  iSCSILoginStage
	chap          chapState
	negotiation   *negotiation
	params        Parameters
	headerDigest  bool
	dataDigest    bool

	itt         uint32
	cmdSN       uint32
	expCmdSN    uint32
	maxCmdSN    uint32
	expStatSN   uint32
	statSNValid bool

	outqueue  []*pdu
	current   *pdu
	corked    bool
	waiting   map[uint32]*pdu
	held      []*pdu
	active    map[*Handle]*pdu
	deadlines *btree.BTreeG[deadlineItem]
	seq       uint64
	incoming  *inPDU

	everLoggedIn  bool
	recovering    bool
	retryCount    int
	redirects     int
	reconnectAt   time.Time
	loginDeadline time.Time
	loginHandle   *Handle
	lastErr       error

	nopsInFlight int
	nextNop      time.Time

	completions []completion
	afterUnlock []func()

	wake    chan struct{}
	running bool
	stop    context.CancelFunc
	stopped chan struct{}
}

func NewSession(config Config) (*Session, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Session{
		config:    config,
		now:       time.Now,
		address:   config.TargetAddress,
		params:    DefaultParameters(),
		cmdSN:     1,
		expCmdSN:  1,
		maxCmdSN:  1,
		waiting:   make(map[uint32]*pdu),
		active:    make(map[*Handle]*pdu),
		deadlines: newDeadlineIndex(),
		wake:      make(chan struct{}, 1),
	}, nil
}

func (session *Session) lock() {
	session.mutex.Lock()
}

// unlock releases the mutex, then fires the completions queued while it was held.
func (session *Session) unlock() {
	completions := session.completions
	afterUnlock := session.afterUnlock
	session.completions = nil
	session.afterUnlock = nil
	session.mutex.Unlock()
	for _, completion := range completions {
		completion.handle.complete(completion.result)
	}
	for _, callback := range afterUnlock {
		callback()
	}
}

func (session *Session) signalWake() {
	select {
	case session.wake <- struct{}{}:
	default:
	}
}

func (session *Session) State() SessionState {
	session.lock()
	defer session.unlock()
	return session.state
}

// Parameters returns the values negotiated by the last successful login.
func (session *Session) Parameters() Parameters {
	session.lock()
	defer session.unlock()
	return session.params
}

func (session *Session) Config() Config {
	return session.config
}

// Address is the portal in use, which differs from the configured one after a redirect.
func (session *Session) Address() string {
	session.lock()
	defer session.unlock()
	return session.address
}

func (session *Session) TSIH() uint16 {
	session.lock()
	defer session.unlock()
	return session.tsih
}

// Err returns the error that made the session disconnect, if any.
func (session *Session) Err() error {
	session.lock()
	defer session.unlock()
	return session.lastErr
}

// Fd returns the transport descriptor, -1 when there is none to poll.
func (session *Session) Fd() int {
	session.lock()
	defer session.unlock()
	if session.transport == nil {
		return -1
	}
	return session.transport.Fd()
}

// WhichEvents returns the events the caller should poll Fd for.
func (session *Session) WhichEvents() EventMask {
	session.lock()
	defer session.unlock()
	if session.transport == nil {
		return 0
	}
	if session.state == StateConnecting {
		return EventWrite
	}
	events := EventRead
	if session.hasPendingWrites() {
		events |= EventWrite
	}
	return events
}

// Service performs the non-blocking I/O the given events allow.
// Connection failures are handled internally; an error is returned only
// when the session gave up and became disconnected.
func (session *Session) Service(events EventMask) error {
	session.lock()
	defer session.unlock()
	return session.service(events)
}

func (session *Session) service(events EventMask) error {
	if session.transport == nil {
		if session.state == StateReconnecting && !session.now().Before(session.reconnectAt) {
			session.startConnect()
		}
		return session.terminalError()
	}
	if events&(EventHangup|EventError) != 0 && session.state != StateConnecting {
		session.connectionFailed(&TransportError{Op: "poll", Cause: fmt.Errorf("events %s", events)})
		return session.terminalError()
	}
	if session.state == StateConnecting {
		if err := session.pollConnect(); err != nil {
			session.connectionFailed(err)
			return session.terminalError()
		}
		if session.state == StateConnecting {
			return nil
		}
	}
	if events&EventRead != 0 {
		if err := session.readPending(); err != nil {
			session.connectionFailed(err)
			return session.terminalError()
		}
	}
	if events&EventWrite != 0 {
		if err := session.writePending(); err != nil {
			session.connectionFailed(err)
			return session.terminalError()
		}
	}
	return nil
}

func (session *Session) terminalError() error {
	if session.state == StateDisconnected {
		return session.lastErr
	}
	return nil
}

// Start drives the session from a background goroutine until Stop or ctx ends.
func (session *Session) Start(ctx context.Context) {
	session.lock()
	if session.running {
		session.unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	session.running = true
	session.stop = cancel
	session.stopped = make(chan struct{})
	stopped := session.stopped
	session.unlock()
	go session.run(ctx, stopped)
}

func (session *Session) Stop() {
	session.lock()
	if !session.running {
		session.unlock()
		return
	}
	session.stop()
	stopped := session.stopped
	session.unlock()
	<-stopped
}

func (session *Session) run(ctx context.Context, stopped chan struct{}) {
	log := logger.GetLogger()
	ticker := time.NewTicker(serviceTick)
	defer func() {
		ticker.Stop()
		session.lock()
		session.running = false
		session.unlock()
		close(stopped)
	}()
	for {
		session.lock()
		var ready <-chan struct{}
		if session.transport != nil {
			ready = session.transport.Ready()
		}
		session.unlock()
		select {
		case <-ctx.Done():
			return
		case <-ready:
		case <-session.wake:
		case <-ticker.C:
		}
		if err := session.Service(EventRead | EventWrite); err != nil {
			log.Debugf("Session service: %s", err)
		}
		session.ServiceTimeouts()
	}
}

func (session *Session) isRunning() bool {
	session.lock()
	defer session.unlock()
	return session.running
}

// waitDone blocks until done is closed. Without a background goroutine the
// caller's goroutine drives the session meanwhile.
func (session *Session) waitDone(ctx context.Context, done <-chan struct{}) error {
	if session.isRunning() {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ticker := time.NewTicker(serviceTick)
	defer ticker.Stop()
	for {
		_ = session.Service(EventRead | EventWrite)
		session.ServiceTimeouts()
		select {
		case <-done:
			return nil
		default:
		}
		session.lock()
		var ready <-chan struct{}
		if session.transport != nil {
			ready = session.transport.Ready()
		}
		session.unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ready:
		case <-session.wake:
		case <-ticker.C:
		}
	}
}
