// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"iscsiclient/pkg/logger"
)

// nextToSend pops the head of the outqueue if it may be started now.
func (session *Session) nextToSend() *pdu {
	if session.corked || len(session.outqueue) == 0 {
		return nil
	}
	head := session.outqueue[0]
	if head.windowGated() && !session.windowOpen(head.cmdSN) {
		return nil
	}
	session.outqueue = session.outqueue[1:]
	return head
}

// hasPendingWrites reports whether writePending would make progress.
func (session *Session) hasPendingWrites() bool {
	if session.current != nil {
		return true
	}
	if session.corked || len(session.outqueue) == 0 {
		return false
	}
	head := session.outqueue[0]
	return !head.windowGated() || session.windowOpen(head.cmdSN)
}

// writePending writes queued PDUs until the transport stops accepting data.
func (session *Session) writePending() error {
	log := logger.GetLogger()
	transport := session.transport
	for transport != nil && session.transport == transport {
		if session.current == nil {
			next := session.nextToSend()
			if next == nil {
				return nil
			}
			next.seal(session.expStatSN, session.headerDigest, session.dataDigest, session.config.DataDigestCoversPadding)
			next.location = locationCurrent
			session.current = next
			log.Debugf("Sending %s", next)
		}
		current := session.current
		for {
			remaining := current.remaining()
			if len(remaining) == 0 {
				break
			}
			written, err := transport.Write(remaining)
			current.advance(written)
			if err != nil {
				return &TransportError{Op: "write", Cause: err}
			}
			if written == 0 {
				return nil
			}
		}
		session.current = nil
		session.sent(current)
	}
	return nil
}

// sent moves a fully written PDU to where its reply is awaited.
func (session *Session) sent(p *pdu) {
	p.location = locationNone
	if p.flags&pduCorkWhenSent != 0 {
		session.corked = true
	}
	if p.canceled {
		return
	}
	if p.flags&pduDeleteWhenSent != 0 {
		session.untrackDeadline(p)
		return
	}
	p.location = locationWaiting
	session.waiting[p.itt] = p
}
