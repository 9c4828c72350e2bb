// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"context"
	"time"

	"iscsiclient/pkg/logger"

	"github.com/pkg/errors"
)

const (
	logoutCloseSession byte = 0

	logoutResponseSuccess byte = 0
)

// Logout closes the session (rfc7143 11.14). Outstanding requests complete with
// StatusCanceled once the target answers, then the session is disconnected.
func (session *Session) Logout(options SubmitOptions) (*Handle, error) {
	session.lock()
	defer session.unlock()
	switch session.state {
	case StateDisconnected:
		return nil, ErrAlreadyLoggedOut
	case StateFullFeaturePhase:
	default:
		return nil, ErrNotLoggedIn
	}
	p := session.newLogout()
	p.handle = newHandle(options.Callback)
	session.active[p.handle] = p
	session.trackDeadline(p, session.deadlineFor(options.Timeout))
	session.enqueue(p)
	return p.handle, nil
}

func (session *Session) newLogout() *pdu {
	p := newPDU(OpLogoutReq, OpLogoutResp, true, kindLogout)
	p.header.setFlags(flagFinal | logoutCloseSession)
	p.header.setCID(0)
	p.flags = pduCorkWhenSent
	p.setITT(session.nextITT())
	p.setCmdSN(session.takeCmdSN(true))
	session.state = StateLoggingOut
	return p
}

// sendLogout logs out on behalf of the target. With reconnect set the
// session logs in again afterwards and requests stay held meanwhile.
func (session *Session) sendLogout(reconnect bool) {
	p := session.newLogout()
	p.reconnectAfter = reconnect
	if reconnect {
		session.recovering = true
	}
	session.enqueue(p)
}

func (session *Session) logoutPDU() *pdu {
	for _, p := range session.allPDUs() {
		if p.kind == kindLogout {
			return p
		}
	}
	return nil
}

func (session *Session) logoutReconnects() bool {
	p := session.logoutPDU()
	return p != nil && p.reconnectAfter
}

func (session *Session) processLogoutResponse(p *pdu, command *ISCSICommand) {
	log := logger.GetLogger()
	result := Result{Status: StatusGood}
	if command.Response != logoutResponseSuccess {
		log.Warnf("Logout from %s answered with response %d", session.address, command.Response)
		result = Result{Status: StatusError, Err: &LogoutError{Response: command.Response}}
	}
	if !p.reconnectAfter {
		session.finishLogout(p, result)
		return
	}
	session.unlink(p)
	wait := time.Duration(command.Time2Wait) * time.Second
	log.Infof("Logged out of %s on request, reconnecting in %s", session.address, wait)
	session.closeTransport()
	session.holdOutstanding()
	session.recovering = true
	session.state = StateReconnecting
	session.reconnectAt = session.now().Add(wait)
	session.signalWake()
}

// finishLogout completes the logout request with result, drains every other
// request with StatusCanceled and disconnects. p is nil when the connection
// dropped before the answer.
func (session *Session) finishLogout(p *pdu, result Result) {
	if p == nil {
		p = session.logoutPDU()
	}
	if p != nil {
		session.finish(p, result)
	}
	session.closeTransport()
	session.state = StateDisconnected
	session.recovering = false
	session.everLoggedIn = false
	session.lastErr = nil
	session.failAll(StatusCanceled, ErrSessionClosed)
	if result.Status != StatusGood {
		logger.GetLogger().Warnf("Closed the session to %s after a failed logout: %s", session.config.TargetName, result)
		return
	}
	logger.GetLogger().Infof("Logged out of %s", session.config.TargetName)
}

// LogoutAndClose logs out and waits for the target to answer. When ctx ends
// first the connection is closed without waiting. The session is disconnected
// on return, also when the logout failed or timed out.
func (session *Session) LogoutAndClose(ctx context.Context) error {
	handle, err := session.Logout(SubmitOptions{})
	if err == ErrAlreadyLoggedOut {
		return nil
	}
	if err != nil {
		session.Close()
		return err
	}
	if err := session.waitDone(ctx, handle.Done()); err != nil {
		session.Close()
		return err
	}
	if result := handle.Result(); result.Status != StatusGood {
		session.Close()
		if result.Err != nil {
			return result.Err
		}
		return errors.Errorf("logout failed: %s", result)
	}
	return nil
}

// Close drops the connection without logging out. Outstanding requests
// complete with StatusCanceled.
func (session *Session) Close() {
	session.lock()
	defer session.unlock()
	if session.state == StateDisconnected {
		return
	}
	session.terminate(StatusCanceled, ErrSessionClosed)
}
