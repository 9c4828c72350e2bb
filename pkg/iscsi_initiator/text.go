// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"context"
	"strconv"

	"iscsiclient/pkg/logger"

	"github.com/pkg/errors"
)

type DiscoveredTarget struct {
	Name string
	// Addresses are portals as sent by the target: domainname[:port],portal-group-tag
	Addresses []string
}

func newTextRequest(data []byte, kind pduKind) *pdu {
	p := newPDU(OpTextReq, OpTextResp, true, kind)
	p.header.setFlags(flagFinal)
	p.header.setTTT(reservedTag)
	p.textRequest = data
	p.setPayload(data)
	return p
}

// SendTargets asks the target for the list of targets it serves (rfc7143 appendix D).
// The result holds the raw key-value data, see ParseSendTargets.
func (session *Session) SendTargets(options SubmitOptions) (*Handle, error) {
	session.lock()
	defer session.unlock()
	if session.state != StateFullFeaturePhase {
		return nil, ErrNotLoggedIn
	}
	if len(session.active) >= session.config.MaxQueuedCommands {
		return nil, ErrQueueFull
	}
	keys := newKeyValueList()
	keys.add("SendTargets", "All")
	p := newTextRequest(UnparseIscsiKeyValue(keys), kindText)
	p.handle = newHandle(options.Callback)
	if options.DropOnReconnect {
		p.flags = pduDropOnReconnect
	}
	p.setITT(session.nextITT())
	p.setCmdSN(session.takeCmdSN(true))
	session.active[p.handle] = p
	session.trackDeadline(p, session.deadlineFor(options.Timeout))
	session.enqueue(p)
	return p.handle, nil
}

// sendRenegotiation declares our MaxRecvDataSegmentLength again, as asked by async event 4.
func (session *Session) sendRenegotiation() {
	keys := newKeyValueList()
	keys.add("MaxRecvDataSegmentLength", strconv.FormatUint(uint64(session.params.MaxRecvDataSegmentLength), 10))
	p := newTextRequest(UnparseIscsiKeyValue(keys), kindRenegotiation)
	p.setITT(session.nextITT())
	p.setCmdSN(session.takeCmdSN(true))
	session.enqueue(p)
}

func (session *Session) processTextResponse(p *pdu, command *ISCSICommand, data []byte) {
	log := logger.GetLogger()
	p.inData = append(p.inData, data...)
	if command.Continue {
		// rfc7143 11.10.4: ask for the rest with an empty request echoing the TTT
		delete(session.waiting, p.itt)
		p.location = locationNone
		p.resetCursors()
		p.header.setTTT(command.TransferTag)
		p.setPayload(nil)
		p.setCmdSN(session.takeCmdSN(true))
		session.enqueue(p)
		return
	}
	if p.kind == kindRenegotiation {
		keys := ParseIscsiKeyValue(p.inData)
		if value, ok := keys.get("MaxRecvDataSegmentLength"); ok {
			length, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				log.Warnf("Ignoring MaxRecvDataSegmentLength=%s in renegotiation", value)
			} else {
				session.params.TargetMaxRecvDataSegmentLength = uint32(clamp(uint(length), 512, 16777215))
				log.Infof("Target MaxRecvDataSegmentLength is now %d", session.params.TargetMaxRecvDataSegmentLength)
			}
		}
		session.unlink(p)
		return
	}
	session.finish(p, Result{Status: StatusGood, Data: p.inData})
}

// ParseSendTargets groups the TargetAddress keys of a SendTargets response under their TargetName.
func ParseSendTargets(data []byte) ([]DiscoveredTarget, error) {
	var targets []DiscoveredTarget
	for _, keyValue := range ParseIscsiKeyValue(data).list {
		switch keyValue.key {
		case "TargetName":
			targets = append(targets, DiscoveredTarget{Name: keyValue.value})
		case "TargetAddress":
			if len(targets) == 0 {
				return nil, errors.Errorf("TargetAddress %s before any TargetName", keyValue.value)
			}
			last := &targets[len(targets)-1]
			last.Addresses = append(last.Addresses, keyValue.value)
		}
	}
	return targets, nil
}

// Discover runs SendTargets=All on a logged in session and waits for the answer.
func (session *Session) Discover(ctx context.Context) ([]DiscoveredTarget, error) {
	handle, err := session.SendTargets(SubmitOptions{DropOnReconnect: true})
	if err != nil {
		return nil, err
	}
	if err := session.waitDone(ctx, handle.Done()); err != nil {
		session.Cancel(handle)
		return nil, err
	}
	result := handle.Result()
	if result.Status != StatusGood {
		return nil, errors.Wrapf(result.Err, "SendTargets %s", result.Status)
	}
	return ParseSendTargets(result.Data)
}
