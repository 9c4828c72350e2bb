// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"github.com/google/netstack/tcpip/seqnum"
)

// SerialCompare compares two sequence numbers with RFC 1982 serial
// arithmetic: -1 when a precedes b, 1 when a follows b.
func SerialCompare(a, b uint32) int {
	switch {
	case a == b:
		return 0
	case seqnum.Value(a).LessThan(seqnum.Value(b)):
		return -1
	}
	return 1
}

func serialBefore(a, b uint32) bool {
	return SerialCompare(a, b) < 0
}

func serialAfter(a, b uint32) bool {
	return SerialCompare(a, b) > 0
}

// nextITT hands out the next free initiator task tag.
// The reserved tag and tags still awaiting a reply are skipped.
func (session *Session) nextITT() uint32 {
	for {
		itt := session.itt
		session.itt++
		if itt == reservedTag {
			continue
		}
		if _, busy := session.waiting[itt]; busy {
			continue
		}
		return itt
	}
}

// takeCmdSN returns the CmdSN for a new PDU. Only non-immediate PDUs consume one.
func (session *Session) takeCmdSN(immediate bool) uint32 {
	cmdSN := session.cmdSN
	if !immediate {
		session.cmdSN++
	}
	return cmdSN
}

// releaseCmdSN gives back the CmdSN of a command that was dropped before any
// of it reached the target. Later unsent PDUs move down by one so the target
// never sees a gap in the sequence.
func (session *Session) releaseCmdSN(p *pdu) {
	if p.immediate() || p.kind == kindDataOut {
		return
	}
	for _, queued := range session.outqueue {
		if serialAfter(queued.cmdSN, p.cmdSN) {
			queued.setCmdSN(queued.cmdSN - 1)
		}
	}
	if current := session.current; current != nil && !current.partiallyWritten() && serialAfter(current.cmdSN, p.cmdSN) {
		current.setCmdSN(current.cmdSN - 1)
		if current.sealed {
			current.seal(session.expStatSN, session.headerDigest, session.dataDigest, session.config.DataDigestCoversPadding)
		}
	}
	session.cmdSN--
}

// windowOpen reports whether a non-immediate PDU with this CmdSN may be sent.
func (session *Session) windowOpen(cmdSN uint32) bool {
	return !serialAfter(cmdSN, session.maxCmdSN)
}

// updateWindow applies ExpCmdSN and MaxCmdSN from a target PDU (rfc7143 4.2.2.1).
func (session *Session) updateWindow(expCmdSN, maxCmdSN uint32) {
	if serialBefore(maxCmdSN, expCmdSN-1) {
		return
	}
	if serialAfter(expCmdSN, session.expCmdSN) {
		session.expCmdSN = expCmdSN
	}
	if serialAfter(maxCmdSN, session.maxCmdSN) {
		session.maxCmdSN = maxCmdSN
	}
}
