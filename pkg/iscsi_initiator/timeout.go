// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"fmt"

	"iscsiclient/pkg/logger"
)

// ErrInitiatorConnectionTimeout is the cause of a reconnect after the target
// stopped answering keepalive NOP-Outs.
type ErrInitiatorConnectionTimeout struct {
	Unanswered int
}

func (err *ErrInitiatorConnectionTimeout) Error() string {
	return fmt.Sprintf("target did not answer %d NOP-Out pings", err.Unanswered)
}

type ErrLoginTimeout struct {
	State SessionState
}

func (err *ErrLoginTimeout) Error() string {
	return fmt.Sprintf("login timed out in state %s", err.State)
}

// ServiceTimeouts expires request deadlines, starts due reconnects and sends keepalives.
// It is called periodically by the background goroutine, or by the owner of the poll loop.
func (session *Session) ServiceTimeouts() {
	session.lock()
	defer session.unlock()
	session.serviceTimeouts()
}

func (session *Session) serviceTimeouts() {
	log := logger.GetLogger()
	now := session.now()
	switch session.state {
	case StateConnecting, StateLoginSecurityNegotiation, StateLoginOperationalNegotiation:
		if !session.loginDeadline.IsZero() && !now.Before(session.loginDeadline) {
			session.connectionFailed(&ErrLoginTimeout{State: session.state})
		}
	case StateReconnecting:
		if session.transport == nil && !now.Before(session.reconnectAt) {
			session.startConnect()
		}
	case StateFullFeaturePhase:
		if session.config.NopInterval > 0 && !now.Before(session.nextNop) {
			if session.nopsInFlight >= session.config.MaxNopsInFlight {
				session.connectionFailed(&ErrInitiatorConnectionTimeout{Unanswered: session.nopsInFlight})
			} else {
				session.sendKeepalive()
				session.nextNop = now.Add(session.config.NopInterval)
			}
		}
	}
	for _, p := range session.expired(now) {
		if p.deadline.IsZero() {
			// finished by an earlier expiry in this pass
			continue
		}
		if p == session.current && p.partiallyWritten() {
			continue
		}
		log.Warnf("Request %s timed out", p)
		result := Result{Status: StatusTimeout, Err: fmt.Errorf("%s timed out", p.header.opCode())}
		if p.kind == kindLogout {
			// an unanswered logout still ends the session
			session.finishLogout(p, result)
			continue
		}
		session.finish(p, result)
	}
}
