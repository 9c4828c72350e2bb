// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"io"

	"iscsiclient/pkg/logger"

	"github.com/pkg/errors"
)

// readPending reads and dispatches whatever the transport has buffered.
// A returned error means the connection can no longer be used.
func (session *Session) readPending() error {
	transport := session.transport
	for transport != nil && session.transport == transport {
		if session.incoming == nil {
			session.incoming = newInPDU(session.headerDigest)
		}
		in := session.incoming
		var buffer []byte
		switch {
		case !in.headerComplete():
			buffer = in.header[in.headerRead:]
		case !in.dataComplete():
			buffer = in.data[in.dataRead:]
		default:
			buffer = in.digest[in.digestRead:]
		}
		read, err := transport.Read(buffer)
		if read > 0 {
			if err := session.consume(in, read); err != nil {
				return err
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("connection closed by target")
			}
			return &TransportError{Op: "read", Cause: err}
		}
		if read == 0 {
			return nil
		}
		if !session.inboundComplete(in) {
			continue
		}
		session.incoming = nil
		if err := session.receivePDU(in); err != nil {
			return err
		}
	}
	return nil
}

// consume moves the cursors after read bytes landed in the active buffer.
func (session *Session) consume(in *inPDU, read int) error {
	switch {
	case !in.headerComplete():
		in.headerRead += read
		if !in.headerComplete() {
			return nil
		}
		return session.parseInboundHeader(in)
	case !in.dataComplete():
		start := in.dataRead
		in.dataRead += read
		covered := in.command.DataLen
		if session.config.DataDigestCoversPadding {
			covered = len(in.data)
		}
		if session.dataDigest && start < covered {
			in.running = in.running.Update(in.data[start:min(in.dataRead, covered)])
		}
	default:
		in.digestRead += read
	}
	return nil
}

func (session *Session) parseInboundHeader(in *inPDU) error {
	if session.headerDigest {
		expected := computeDigest(in.header[:BasicHeaderSegmentSize])
		if received := readDigest(in.header[BasicHeaderSegmentSize:]); received != expected {
			return protocolViolation("header digest mismatch: received 0x%08x, computed 0x%08x", received, expected)
		}
	}
	command, err := parseHeader(in.header)
	if err != nil {
		return &ProtocolViolationError{Reason: err.Error()}
	}
	if command.AHSLen != 0 {
		return protocolViolation("unexpected additional header segment of %d bytes in %s", command.AHSLen, command.OperationCode)
	}
	// DefaultParameters holds the login limit of 8192 until the full feature phase
	if limit := session.params.MaxRecvDataSegmentLength; command.DataLen > int(limit) {
		return protocolViolation("%s carries %d bytes, MaxRecvDataSegmentLength is %d", command.OperationCode, command.DataLen, limit)
	}
	in.command = command
	in.data = make([]byte, paddedLength(command.DataLen))
	command.RawData = in.data[:command.DataLen]
	return nil
}

func (session *Session) inboundComplete(in *inPDU) bool {
	if !in.headerComplete() || !in.dataComplete() {
		return false
	}
	if session.dataDigest && in.command.DataLen > 0 {
		return in.digestRead == DigestSize
	}
	return true
}

func (session *Session) receivePDU(in *inPDU) error {
	log := logger.GetLogger()
	command := in.command
	if session.dataDigest && command.DataLen > 0 {
		received := readDigest(in.digest[:])
		if computed := in.running.Finalize(); received != computed {
			log.Warnf("Data digest mismatch in %s for ITT 0x%x: received 0x%08x, computed 0x%08x",
				command.OperationCode, command.TaskTag, received, computed)
			if p, ok := session.waiting[command.TaskTag]; ok {
				session.finish(p, Result{
					Status: StatusError,
					Err:    protocolViolation("data digest mismatch in %s", command.OperationCode),
				})
			}
			return nil
		}
	}
	log.Debugf("Received %s", command)
	return session.dispatch(command, in.payload())
}
