// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"encoding/binary"
	"fmt"

	"iscsiclient/pkg/logger"
	"iscsiclient/pkg/scsi"
)

// AsyncEvent codes (rfc7143 11.9.1)
const (
	AsyncEventSCSI             byte = 0
	AsyncEventLogoutRequest    byte = 1
	AsyncEventConnectionDrop   byte = 2
	AsyncEventSessionDrop      byte = 3
	AsyncEventParameterRequest byte = 4
	AsyncEventVendorSpecific   byte = 255
)

// AsyncEvent is a SCSI asynchronous event reported by the target.
type AsyncEvent struct {
	LUN   uint64
	Event byte
	// Sense is nil when the target sent no sense data.
	Sense *scsi.Sense
	// Data is the vendor specific iSCSI event data following the sense data.
	Data []byte
}

func (event AsyncEvent) String() string {
	if event.Sense != nil {
		return fmt.Sprintf("lun %d: %s", event.LUN, event.Sense)
	}
	return fmt.Sprintf("lun %d: event %d", event.LUN, event.Event)
}

// parseAsyncData splits the data segment into SenseLength, sense data and iSCSI event data (rfc7143 11.9.4).
func parseAsyncData(data []byte) (*scsi.Sense, []byte, error) {
	if len(data) < 2 {
		return nil, data, nil
	}
	senseLength := int(binary.BigEndian.Uint16(data[0:2]))
	if 2+senseLength > len(data) {
		return nil, nil, fmt.Errorf("sense length %d exceeds %d bytes of data", senseLength, len(data)-2)
	}
	rest := data[2+senseLength:]
	if senseLength == 0 {
		return nil, rest, nil
	}
	sense, err := scsi.ParseSense(data[2 : 2+senseLength])
	if err != nil {
		return nil, rest, err
	}
	return &sense, rest, nil
}

// processAsyncMessage handles a target initiated asynchronous message. A returned error drops the connection.
func (session *Session) processAsyncMessage(command *ISCSICommand, data []byte) error {
	log := logger.GetLogger()
	switch command.AsyncEvent {
	case AsyncEventSCSI:
		sense, rest, err := parseAsyncData(data)
		if err != nil {
			log.Warnf("Malformed async event for lun %d: %s", command.LUN, err)
		}
		event := AsyncEvent{
			LUN:   command.LUN,
			Event: command.AsyncEvent,
			Sense: sense,
			Data:  append([]byte(nil), rest...),
		}
		log.Infof("Async event %s", event)
		if callback := session.config.OnAsyncEvent; callback != nil {
			session.afterUnlock = append(session.afterUnlock, func() { callback(event) })
		}
	case AsyncEventLogoutRequest:
		log.Infof("Target %s requests logout within %d seconds", session.config.TargetName, command.Parameter3)
		if session.state == StateFullFeaturePhase {
			session.sendLogout(true)
		}
	case AsyncEventConnectionDrop, AsyncEventSessionDrop:
		return &TransportError{
			Op:    "async",
			Cause: fmt.Errorf("target dropped the connection (event %d, time2wait %d)", command.AsyncEvent, command.Parameter2),
		}
	case AsyncEventParameterRequest:
		log.Infof("Target %s requests parameter negotiation", session.config.TargetName)
		if session.state == StateFullFeaturePhase {
			session.sendRenegotiation()
		}
	case AsyncEventVendorSpecific:
		log.Infof("Vendor specific async event, code %d, %d bytes", command.AsyncVCode, len(data))
	default:
		log.Warnf("Ignoring unknown async event %d", command.AsyncEvent)
	}
	return nil
}

// processReject fails the request whose header the target sent back (rfc7143 11.17).
func (session *Session) processReject(command *ISCSICommand, data []byte) {
	log := logger.GetLogger()
	if len(data) < BasicHeaderSegmentSize {
		log.Warnf("Reject with %d bytes of data, reason 0x%02x", len(data), command.Reason)
		return
	}
	rejected := pduHeader(data[:BasicHeaderSegmentSize])
	itt := rejected.itt()
	err := &RejectError{Reason: command.Reason}
	p, ok := session.waiting[itt]
	if !ok || itt == reservedTag {
		log.Warnf("Target rejected %s with ITT 0x%x: %s", rejected.opCode(), itt, err)
		return
	}
	log.Warnf("Target rejected %s: %s", p, err)
	switch p.kind {
	case kindKeepalive:
		session.nopsInFlight = 0
		session.unlink(p)
	case kindRenegotiation:
		session.unlink(p)
	default:
		session.finish(p, Result{Status: StatusRejected, Err: err})
	}
}
