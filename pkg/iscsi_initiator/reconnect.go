// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"sort"

	"iscsiclient/pkg/logger"

	"github.com/pkg/errors"
)

// connectionFailed handles the loss of the connection in any state. Sessions
// that reached the full feature phase reconnect and requeue their commands,
// all others disconnect.
func (session *Session) connectionFailed(cause error) {
	log := logger.GetLogger()
	if session.state == StateDisconnected {
		return
	}
	if session.state == StateLoggingOut && !session.logoutReconnects() {
		log.Infof("Connection to %s closed during logout: %s", session.address, cause)
		session.finishLogout(nil, Result{Status: StatusGood})
		return
	}
	if !session.everLoggedIn || !session.config.AutoReconnect {
		log.Errorf("Connection to %s failed: %s", session.address, cause)
		session.terminate(StatusConnectionLost, cause)
		return
	}
	log.Warnf("Connection to %s lost: %s", session.address, cause)
	session.closeTransport()
	session.holdOutstanding()
	session.retryCount++
	maxRetries := session.config.ReconnectMaxRetries
	if maxRetries >= 0 && session.retryCount > maxRetries {
		err := &ReconnectFailedError{Attempts: session.retryCount - 1, Cause: cause}
		log.Errorf("Giving up on %s: %s", session.address, err)
		session.terminate(StatusConnectionLost, err)
		return
	}
	session.recovering = true
	session.state = StateReconnecting
	session.reconnectAt = session.now().Add(session.config.ReconnectBackoff.delay(session.retryCount))
	session.signalWake()
}

// terminate closes the connection and completes everything with status.
func (session *Session) terminate(status Status, err error) {
	session.closeTransport()
	session.state = StateDisconnected
	session.recovering = false
	session.lastErr = err
	session.failAll(status, err)
	if session.loginHandle != nil {
		session.completions = append(session.completions, completion{
			handle: session.loginHandle,
			result: Result{Status: StatusError, Err: err},
		})
		session.loginHandle = nil
	}
}

func (session *Session) hold(p *pdu) {
	p.location = locationHeld
	session.held = append(session.held, p)
}

// holdOutstanding moves every PDU to the held list, except the ones that
// must not survive a reconnect.
func (session *Session) holdOutstanding() {
	var outstanding []*pdu
	if session.current != nil {
		outstanding = append(outstanding, session.current)
	}
	outstanding = append(outstanding, session.outqueue...)
	for _, p := range session.waiting {
		outstanding = append(outstanding, p)
	}
	session.current = nil
	session.outqueue = nil
	session.waiting = make(map[uint32]*pdu)

	var kept []*pdu
	for _, p := range outstanding {
		p.location = locationNone
		switch {
		case p.canceled:
			continue
		case p.kind == kindDataOut || p.kind == kindLogin || p.kind == kindNopReply ||
			p.kind == kindKeepalive || p.kind == kindRenegotiation || p.kind == kindLogout && p.handle == nil:
			session.untrackDeadline(p)
		case p.flags&pduDropOnReconnect != 0 || p.kind == kindLogout:
			session.finish(p, Result{Status: StatusConnectionLost, Err: errors.New("connection lost")})
		default:
			p.resetCursors()
			kept = append(kept, p)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return serialBefore(kept[i].cmdSN, kept[j].cmdSN)
	})
	for _, p := range kept {
		session.hold(p)
	}
	session.nopsInFlight = 0
}

// requeueHeld resends the held PDUs on the new connection with fresh task
// tags. SCSI commands are rebuilt so the new parameters apply.
func (session *Session) requeueHeld() {
	held := session.held
	session.held = nil
	if len(held) > 0 {
		logger.GetLogger().Infof("Requeueing %d commands after reconnect", len(held))
	}
	for _, p := range held {
		p.location = locationNone
		if p.command != nil {
			command := p.command
			session.untrackDeadline(p)
			command.requeued = true
			session.queueSCSICommand(command)
			continue
		}
		p.resetCursors()
		p.setITT(session.nextITT())
		if p.immediate() {
			p.setCmdSN(session.takeCmdSN(true))
		} else {
			p.setCmdSN(session.takeCmdSN(false))
		}
		p.inData = nil
		if p.kind == kindText {
			p.header.setTTT(reservedTag)
			p.setPayload(p.textRequest)
			p.header.setFlags(flagFinal)
		}
		session.enqueue(p)
	}
}
