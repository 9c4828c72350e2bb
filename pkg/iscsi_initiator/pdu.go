// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"fmt"
	"time"
)

type pduFlags int

const (
	// released once written, no reply is expected
	pduDeleteWhenSent pduFlags = 1 << iota
	// failed with StatusConnectionLost instead of being requeued
	pduDropOnReconnect
	// stops the transmitter after it is written until the session uncorks
	pduCorkWhenSent
)

type pduLocation int

const (
	locationNone pduLocation = iota
	locationOutqueue
	locationCurrent
	locationWaiting
	locationHeld
)

func (location pduLocation) String() string {
	switch location {
	case locationOutqueue:
		return "outqueue"
	case locationCurrent:
		return "current"
	case locationWaiting:
		return "waiting"
	case locationHeld:
		return "held"
	}
	return "none"
}

// pduKind says who consumes the reply.
type pduKind int

const (
	kindLogin pduKind = iota
	kindSCSICommand
	kindDataOut
	kindTaskManagement
	kindPing
	kindKeepalive
	kindNopReply
	kindText
	kindRenegotiation
	kindLogout
)

// pdu is an outbound PDU together with the state needed to finish it.
type pdu struct {
	header   pduHeader
	expected OpCode
	kind     pduKind
	itt      uint32
	lun      uint64
	cmdSN    uint32
	dataSN   uint32
	flags    pduFlags

	// payload is sent after the header, padded to 4 bytes
	payload []byte
	// segments being written: header with digest, payload, padding with data digest
	segments [3][]byte
	segment  int
	offset   int
	sealed   bool
	canceled bool

	// inData accumulates continued text responses
	inData      []byte
	textRequest []byte

	handle   *Handle
	command  *scsiCommand
	parent   *pdu
	deadline time.Time
	seq      uint64
	location pduLocation

	// task management bookkeeping
	function  TaskManagementFunction
	reference *Handle
	// logout started by an async event reconnects afterwards
	reconnectAfter bool
}

func newPDU(opCode OpCode, expected OpCode, immediate bool, kind pduKind) *pdu {
	return &pdu{
		header:   newHeader(opCode, immediate),
		expected: expected,
		kind:     kind,
	}
}

func (p *pdu) String() string {
	return fmt.Sprintf("%s itt=0x%x cmdsn=%d %s", p.header.opCode(), p.itt, p.cmdSN, p.location)
}

func (p *pdu) immediate() bool {
	return p.header.immediate()
}

func (p *pdu) setITT(itt uint32) {
	p.itt = itt
	p.header.setITT(itt)
	if p.handle != nil {
		p.handle.itt.Store(itt)
	}
}

func (p *pdu) setCmdSN(cmdSN uint32) {
	p.cmdSN = cmdSN
	if p.kind != kindDataOut {
		p.header.setCmdSN(cmdSN)
	}
}

func (p *pdu) setPayload(data []byte) {
	p.payload = data
	p.header.setDataSegmentLength(len(data))
}

// windowGated reports whether the PDU must wait for the CmdSN window.
func (p *pdu) windowGated() bool {
	return !p.immediate() && p.kind != kindDataOut
}

// partiallyWritten reports whether some bytes but not all have been handed to the transport.
func (p *pdu) partiallyWritten() bool {
	return p.sealed && (p.segment > 0 || p.offset > 0)
}

// resetCursors makes the PDU ready to be written again from the start.
func (p *pdu) resetCursors() {
	p.segments = [3][]byte{}
	p.segment = 0
	p.offset = 0
	p.sealed = false
	p.canceled = false
}

// seal fixes ExpStatSN, the digests and the padding right before the first byte is written.
func (p *pdu) seal(expStatSN uint32, headerDigest, dataDigest, digestCoversPadding bool) {
	p.header.setExpStatSN(expStatSN)
	headerLength := BasicHeaderSegmentSize
	if headerDigest {
		headerLength += DigestSize
	}
	header := make([]byte, headerLength)
	copy(header, p.header[:])
	if headerDigest {
		putDigest(header[BasicHeaderSegmentSize:], computeDigest(p.header[:]))
	}
	padding := paddedLength(len(p.payload)) - len(p.payload)
	trailerLength := padding
	if dataDigest && len(p.payload) > 0 {
		trailerLength += DigestSize
	}
	trailer := make([]byte, trailerLength)
	if dataDigest && len(p.payload) > 0 {
		digest := NewDigest().Update(p.payload)
		if digestCoversPadding {
			digest = digest.Update(trailer[:padding])
		}
		putDigest(trailer[padding:], digest.Finalize())
	}
	p.segments = [3][]byte{header, p.payload, trailer}
	p.segment = 0
	p.offset = 0
	p.sealed = true
}

// remaining returns the bytes still to be written, empty when done.
func (p *pdu) remaining() []byte {
	for p.segment < len(p.segments) {
		segment := p.segments[p.segment]
		if p.offset < len(segment) {
			return segment[p.offset:]
		}
		p.segment++
		p.offset = 0
	}
	return nil
}

func (p *pdu) advance(written int) {
	p.offset += written
}

func (p *pdu) written() bool {
	return p.sealed && len(p.remaining()) == 0
}
