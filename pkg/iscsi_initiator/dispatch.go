// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"iscsiclient/pkg/logger"
)

// checkStatSN applies rfc7143 4.2.2.2. It returns false for a PDU whose
// StatSN went backward, which is then dropped.
func (session *Session) checkStatSN(command *ISCSICommand) bool {
	if !command.carriesStatSN() {
		return true
	}
	if !session.statSNValid {
		if command.advancesStatSN() {
			session.expStatSN = command.StatSN + 1
			session.statSNValid = true
		}
		return true
	}
	if !command.advancesStatSN() {
		return true
	}
	if serialBefore(command.StatSN, session.expStatSN) {
		logger.GetLogger().Warnf(
			"Dropping %s with StatSN %d, expected %d", command.OperationCode, command.StatSN, session.expStatSN,
		)
		return false
	}
	session.expStatSN = command.StatSN + 1
	return true
}

// dispatch routes a complete inbound PDU. A returned error fails the connection.
func (session *Session) dispatch(command *ISCSICommand, data []byte) error {
	log := logger.GetLogger()
	if !session.checkStatSN(command) {
		return nil
	}
	if command.hasWindow() && command.OperationCode != OpLoginResp {
		session.updateWindow(command.ExpCmdSN, command.MaxCmdSN)
	}
	switch command.OperationCode {
	case OpNoopIn:
		if command.TaskTag == reservedTag {
			session.processTargetNop(command)
			return nil
		}
	case OpAsync:
		return session.processAsyncMessage(command, data)
	case OpReject:
		session.processReject(command, data)
		return nil
	}
	p, ok := session.waiting[command.TaskTag]
	if !ok {
		log.Warnf("Discarding %s for unknown ITT 0x%x", command.OperationCode, command.TaskTag)
		return nil
	}
	if !expectsReply(p, command.OperationCode) {
		log.Warnf("Discarding unexpected %s for %s", command.OperationCode, p)
		return nil
	}
	switch command.OperationCode {
	case OpLoginResp:
		return session.processLoginResponse(p, command, data)
	case OpSCSIResp:
		session.processSCSIResponse(p, command, data)
	case OpSCSIIn:
		return session.processDataIn(p, command, data)
	case OpReady:
		return session.processReadyToTransfer(p, command)
	case OpSCSITaskResp:
		session.processTaskManagementResponse(p, command)
	case OpTextResp:
		session.processTextResponse(p, command, data)
	case OpLogoutResp:
		session.processLogoutResponse(p, command)
	case OpNoopIn:
		session.processNopReply(p, data)
	}
	return nil
}

func expectsReply(p *pdu, opCode OpCode) bool {
	if p.expected == opCode {
		return true
	}
	if p.kind == kindSCSICommand {
		return opCode == OpSCSIIn || opCode == OpReady
	}
	return false
}
