// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
// iSCSI task management
package iscsi_initiator

import (
	"fmt"

	"iscsiclient/pkg/logger"
)

const IscsiFlagTmFuncMask byte = 0x7F

type TaskManagementFunction byte

const (
	// aborts the task identified by the Referenced Task Tag field
	AbortTask TaskManagementFunction = 1
	// aborts all Tasks issued via this session on the logical unit
	AbortTaskSet TaskManagementFunction = 2
	// clears the Auto Contingent Allegiance condition
	ClearACA TaskManagementFunction = 3
	// aborts all Tasks in the appropriate task set as defined by the TST field in the Control mode page
	ClearTaskSet     TaskManagementFunction = 4
	LogicalUnitReset TaskManagementFunction = 5
	TargetWarmReset  TaskManagementFunction = 6
	TargetColdReset  TaskManagementFunction = 7
)

func (function TaskManagementFunction) String() string {
	switch function {
	case AbortTask:
		return "ABORT TASK"
	case AbortTaskSet:
		return "ABORT TASK SET"
	case ClearACA:
		return "CLEAR ACA"
	case ClearTaskSet:
		return "CLEAR TASK SET"
	case LogicalUnitReset:
		return "LOGICAL UNIT RESET"
	case TargetWarmReset:
		return "TARGET WARM RESET"
	case TargetColdReset:
		return "TARGET COLD RESET"
	}
	return fmt.Sprintf("TMF(%d)", byte(function))
}

type TaskManagementResponse byte

const (
	TmfRspComplete      TaskManagementResponse = 0x00
	TmfRspNoTask        TaskManagementResponse = 0x01
	TmfRspNoLUN         TaskManagementResponse = 0x02
	TmfRspTaskAllegiant TaskManagementResponse = 0x03
	TmfRspNoReassign    TaskManagementResponse = 0x04
	TmfRspNotSupported  TaskManagementResponse = 0x05
	TmfRspNotAuthorized TaskManagementResponse = 0x06
	TmfRspRejected      TaskManagementResponse = 0xff
)

func (response TaskManagementResponse) String() string {
	switch response {
	case TmfRspComplete:
		return "function complete"
	case TmfRspNoTask:
		return "task does not exist"
	case TmfRspNoLUN:
		return "lun does not exist"
	case TmfRspTaskAllegiant:
		return "task still allegiant"
	case TmfRspNoReassign:
		return "task allegiance reassignment not supported"
	case TmfRspNotSupported:
		return "function not supported"
	case TmfRspNotAuthorized:
		return "function authorization failed"
	case TmfRspRejected:
		return "function rejected"
	}
	return fmt.Sprintf("response 0x%02x", byte(response))
}

// TaskManagement sends a task management function request (rfc7143 11.5).
// For AbortTask, reference names the request to abort.
func (session *Session) TaskManagement(function TaskManagementFunction, lun uint64, reference *Handle, options SubmitOptions) (*Handle, error) {
	session.lock()
	defer session.unlock()
	if session.state != StateFullFeaturePhase {
		return nil, ErrNotLoggedIn
	}
	if len(session.active) >= session.config.MaxQueuedCommands {
		return nil, ErrQueueFull
	}
	p := newPDU(OpSCSITaskReq, OpSCSITaskResp, true, kindTaskManagement)
	p.header.setFlags(flagFinal | byte(function)&IscsiFlagTmFuncMask)
	p.header.setLUN(lun)
	p.lun = lun
	p.function = function
	p.header.setReferencedTaskTag(reservedTag)
	if function == AbortTask {
		referenced, ok := session.active[reference]
		if reference == nil || !ok {
			return nil, ErrCommandNotFound
		}
		p.reference = reference
		p.header.setReferencedTaskTag(referenced.itt)
		p.header.setRefCmdSN(referenced.cmdSN)
	}
	p.handle = newHandle(options.Callback)
	p.flags = pduDropOnReconnect
	p.setITT(session.nextITT())
	p.setCmdSN(session.takeCmdSN(true))
	session.active[p.handle] = p
	session.trackDeadline(p, session.deadlineFor(options.Timeout))
	session.enqueue(p)
	return p.handle, nil
}

// AbortTask asks the target to abort one request. On success the request completes with StatusCanceled.
func (session *Session) AbortTask(handle *Handle, options SubmitOptions) (*Handle, error) {
	session.lock()
	p, ok := session.active[handle]
	session.unlock()
	if !ok {
		return nil, ErrCommandNotFound
	}
	return session.TaskManagement(AbortTask, p.lun, handle, options)
}

func (session *Session) processTaskManagementResponse(p *pdu, command *ISCSICommand) {
	log := logger.GetLogger()
	response := TaskManagementResponse(command.Response)
	if response != TmfRspComplete {
		log.Warnf("%s on lun %d: %s", p.function, p.lun, response)
		session.finish(p, Result{
			Status: StatusError,
			Err:    &TaskManagementError{Function: p.function, Response: response},
		})
		return
	}
	switch p.function {
	case AbortTask:
		if referenced, ok := session.active[p.reference]; ok {
			session.finish(referenced, Result{Status: StatusCanceled, Err: errCanceled})
		}
	case AbortTaskSet, ClearTaskSet, LogicalUnitReset:
		canceled := session.cancelLUN(p.lun, p)
		log.Infof("%s on lun %d canceled %d requests", p.function, p.lun, canceled)
	}
	session.finish(p, Result{Status: StatusGood})
}
