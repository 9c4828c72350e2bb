// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

// inPDU is an inbound PDU being reassembled from the byte stream.
type inPDU struct {
	header     []byte
	headerRead int
	command    *ISCSICommand

	data     []byte
	dataRead int

	digest     [DigestSize]byte
	digestRead int
	running    Digest
}

func newInPDU(headerDigest bool) *inPDU {
	length := BasicHeaderSegmentSize
	if headerDigest {
		length += DigestSize
	}
	return &inPDU{
		header:  make([]byte, length),
		running: NewDigest(),
	}
}

func (in *inPDU) headerComplete() bool {
	return in.headerRead == len(in.header)
}

func (in *inPDU) dataComplete() bool {
	return in.command != nil && in.dataRead == len(in.data)
}

// payload is the data segment without padding.
func (in *inPDU) payload() []byte {
	return in.data[:in.command.DataLen]
}
