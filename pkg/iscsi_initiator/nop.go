// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"iscsiclient/pkg/logger"
)

func (session *Session) newNopOut(data []byte, kind pduKind) *pdu {
	p := newPDU(OpNoopOut, OpNoopIn, true, kind)
	p.header.setFlags(flagFinal)
	p.header.setTTT(reservedTag)
	p.setPayload(data)
	return p
}

// Ping sends a NOP-Out carrying data. The result holds the data echoed by the target.
func (session *Session) Ping(data []byte, options SubmitOptions) (*Handle, error) {
	session.lock()
	defer session.unlock()
	if session.state != StateFullFeaturePhase {
		return nil, ErrNotLoggedIn
	}
	if len(session.active) >= session.config.MaxQueuedCommands {
		return nil, ErrQueueFull
	}
	if uint32(len(data)) > session.params.TargetMaxRecvDataSegmentLength {
		return nil, ErrInvalidTransfer
	}
	p := session.newNopOut(append([]byte(nil), data...), kindPing)
	p.handle = newHandle(options.Callback)
	p.flags = pduDropOnReconnect
	p.setITT(session.nextITT())
	p.setCmdSN(session.takeCmdSN(true))
	session.active[p.handle] = p
	session.trackDeadline(p, session.deadlineFor(options.Timeout))
	session.enqueue(p)
	return p.handle, nil
}

func (session *Session) sendKeepalive() {
	p := session.newNopOut(nil, kindKeepalive)
	p.flags = pduDropOnReconnect
	p.setITT(session.nextITT())
	p.setCmdSN(session.takeCmdSN(true))
	session.nopsInFlight++
	logger.GetLogger().Debugf("Sending keepalive NOP-Out, %d unanswered", session.nopsInFlight)
	session.enqueue(p)
}

func (session *Session) processNopReply(p *pdu, data []byte) {
	switch p.kind {
	case kindKeepalive:
		session.nopsInFlight = 0
		session.unlink(p)
	default:
		session.finish(p, Result{Status: StatusGood, Data: append([]byte(nil), data...)})
	}
}

// processTargetNop answers a NOP-In the target sent on its own (rfc7143 11.19.1).
func (session *Session) processTargetNop(command *ISCSICommand) {
	if command.TransferTag == reservedTag {
		return
	}
	p := session.newNopOut(nil, kindNopReply)
	p.header.setLUN(command.LUN)
	p.header.setTTT(command.TransferTag)
	p.setITT(reservedTag)
	p.setCmdSN(session.takeCmdSN(true))
	p.flags = pduDeleteWhenSent | pduDropOnReconnect
	session.enqueue(p)
}
