// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"time"

	"iscsiclient/pkg/logger"
	"iscsiclient/pkg/scsi"

	"github.com/pkg/errors"
)

type SubmitOptions struct {
	Callback Callback
	// DropOnReconnect fails the request with StatusConnectionLost instead of requeueing it.
	DropOnReconnect bool
	// Timeout overrides Config.ScsiTimeout. A negative value disables the deadline.
	Timeout time.Duration
}

// scsiCommand is a submitted task. It outlives the PDUs built for it,
// which are rebuilt when the command is requeued.
type scsiCommand struct {
	task    *scsi.Task
	lun     uint64
	options SubmitOptions
	handle  *Handle

	pdu      *pdu
	deadline time.Time
	dataIn   []byte
	received uint32
	requeued bool
	// set once the command was reissued after a unit attention
	uaRetried bool
}

func (session *Session) deadlineFor(timeout time.Duration) time.Time {
	if timeout == 0 {
		timeout = session.config.ScsiTimeout
	}
	if timeout <= 0 {
		return time.Time{}
	}
	return session.now().Add(timeout)
}

// admit decides where a new request goes. It returns held=true while the
// session recovers from a connection loss.
func (session *Session) admit() (held bool, err error) {
	if len(session.active) >= session.config.MaxQueuedCommands {
		return false, ErrQueueFull
	}
	switch {
	case session.state == StateFullFeaturePhase:
		return false, nil
	case session.recovering:
		return true, nil
	}
	return false, ErrNotLoggedIn
}

// Submit queues a SCSI task for the logical unit.
func (session *Session) Submit(lun uint64, task *scsi.Task, options SubmitOptions) (*Handle, error) {
	if len(task.CDB) > 16 {
		return nil, ErrCDBTooLong
	}
	if err := task.Validate(); err != nil {
		return nil, errors.Wrap(ErrInvalidTransfer, err.Error())
	}
	session.lock()
	defer session.unlock()
	held, err := session.admit()
	if err != nil {
		return nil, err
	}
	command := &scsiCommand{
		task:     task,
		lun:      lun,
		options:  options,
		handle:   newHandle(options.Callback),
		deadline: session.deadlineFor(options.Timeout),
	}
	if held {
		p := newPDU(OpSCSICmd, OpSCSIResp, false, kindSCSICommand)
		p.command = command
		p.handle = command.handle
		p.lun = lun
		command.pdu = p
		session.hold(p)
		session.trackDeadline(p, command.deadline)
		session.active[command.handle] = p
		return command.handle, nil
	}
	session.queueSCSICommand(command)
	return command.handle, nil
}

// queueSCSICommand builds the command PDU, its immediate data and any
// unsolicited Data-Out PDUs with a fresh ITT and CmdSN (rfc7143 11.3).
func (session *Session) queueSCSICommand(command *scsiCommand) {
	task := command.task
	task.Reset()
	command.received = 0
	command.dataIn = nil
	if task.Direction == scsi.DataRead || task.Direction == scsi.DataBidirection {
		command.dataIn = make([]byte, task.ExpectedTransferLength)
	}

	p := newPDU(OpSCSICmd, OpSCSIResp, false, kindSCSICommand)
	p.command = command
	p.handle = command.handle
	p.lun = command.lun
	if command.options.DropOnReconnect {
		p.flags |= pduDropOnReconnect
	}
	p.header.setLUN(command.lun)
	p.setITT(session.nextITT())
	p.setCmdSN(session.takeCmdSN(false))
	p.header.setExpectedDataLength(task.ExpectedTransferLength)
	p.header.setCDB(task.CDB)

	flags := flagSCSIAttrSimple
	switch task.Direction {
	case scsi.DataRead:
		flags |= flagSCSIRead
	case scsi.DataWrite:
		flags |= flagSCSIWrite
	case scsi.DataBidirection:
		flags |= flagSCSIRead | flagSCSIWrite
	}

	var dataOut []*pdu
	if task.Direction == scsi.DataWrite || task.Direction == scsi.DataBidirection {
		length := task.ExpectedTransferLength
		firstBurst := min(length, session.params.FirstBurstLength)
		var immediate uint32
		if session.params.ImmediateData {
			immediate = min(firstBurst, session.params.TargetMaxRecvDataSegmentLength)
			p.setPayload(task.DataOut[:immediate])
		}
		if !session.params.InitialR2T && immediate < firstBurst {
			dataOut = session.buildDataOut(p, reservedTag, immediate, firstBurst-immediate)
		}
	}
	if len(dataOut) == 0 {
		flags |= flagFinal
	}
	p.header.setFlags(flags)

	command.pdu = p
	session.active[command.handle] = p
	session.trackDeadline(p, command.deadline)
	session.enqueue(p)
	for _, data := range dataOut {
		session.enqueue(data)
	}
}

// buildDataOut splits [offset, offset+length) of the write buffer into Data-Out
// PDUs no larger than the target's MaxRecvDataSegmentLength (rfc7143 11.7).
func (session *Session) buildDataOut(parent *pdu, ttt, offset, length uint32) []*pdu {
	command := parent.command
	segment := max(session.params.TargetMaxRecvDataSegmentLength, 512)
	var result []*pdu
	var dataSN uint32
	for length > 0 {
		size := min(length, segment)
		p := newPDU(OpSCSIOut, opNone, false, kindDataOut)
		p.parent = parent
		p.lun = command.lun
		p.flags = pduDeleteWhenSent
		p.header.setLUN(command.lun)
		p.itt = parent.itt
		p.header.setITT(parent.itt)
		p.header.setTTT(ttt)
		p.setCmdSN(parent.cmdSN)
		p.dataSN = dataSN
		p.header.setDataSN(dataSN)
		p.header.setBufferOffset(offset)
		p.setPayload(command.task.DataOut[offset : offset+size])
		offset += size
		length -= size
		dataSN++
		if length == 0 {
			p.header.setFlags(flagFinal)
		}
		result = append(result, p)
	}
	return result
}

func (session *Session) processReadyToTransfer(p *pdu, command *ISCSICommand) error {
	scsiCommand := p.command
	length := scsiCommand.task.ExpectedTransferLength
	if command.DesiredLength == 0 || uint64(command.BufferOffset)+uint64(command.DesiredLength) > uint64(length) ||
		uint64(command.BufferOffset)+uint64(command.DesiredLength) > uint64(len(scsiCommand.task.DataOut)) {
		logger.GetLogger().Errorf("R2T for %s asks for [%d, +%d) of %d bytes",
			p, command.BufferOffset, command.DesiredLength, length)
		session.finish(p, Result{
			Status: StatusError,
			Err:    protocolViolation("R2T outside of the write buffer"),
		})
		return nil
	}
	for _, data := range session.buildDataOut(p, command.TransferTag, command.BufferOffset, command.DesiredLength) {
		session.enqueue(data)
	}
	return nil
}

func (session *Session) processDataIn(p *pdu, command *ISCSICommand, data []byte) error {
	scsiCommand := p.command
	end := uint64(command.BufferOffset) + uint64(len(data))
	if end > uint64(len(scsiCommand.dataIn)) {
		session.finish(p, Result{
			Status: StatusError,
			Err:    protocolViolation("Data-In [%d, %d) beyond the %d byte read buffer", command.BufferOffset, end, len(scsiCommand.dataIn)),
		})
		return nil
	}
	copy(scsiCommand.dataIn[command.BufferOffset:], data)
	if uint32(end) > scsiCommand.received {
		scsiCommand.received = uint32(end)
	}
	if command.HasStatus {
		session.completeSCSICommand(p, command.Status, command, nil)
	}
	return nil
}

// processSCSIResponse handles rfc7143 11.4. The data segment carries the sense length and sense data.
func (session *Session) processSCSIResponse(p *pdu, command *ISCSICommand, data []byte) {
	if command.Response != 0 {
		session.finish(p, Result{
			Status:     StatusError,
			SCSIStatus: command.Status,
			Err:        errors.Errorf("target failure, iscsi response 0x%02x", command.Response),
		})
		return
	}
	var senseData []byte
	if len(data) >= 2 {
		senseLength := int(data[0])<<8 | int(data[1])
		if 2+senseLength <= len(data) {
			senseData = data[2 : 2+senseLength]
		}
	}
	session.completeSCSICommand(p, command.Status, command, senseData)
}

func (session *Session) completeSCSICommand(p *pdu, status byte, command *ISCSICommand, senseData []byte) {
	log := logger.GetLogger()
	scsiCommand := p.command
	task := scsiCommand.task
	task.Status = status
	task.Residual = command.Resid
	switch {
	case command.Underflow:
		task.ResidualKind = scsi.ResidualUnderflow
	case command.Overflow:
		task.ResidualKind = scsi.ResidualOverflow
	default:
		task.ResidualKind = scsi.ResidualNone
	}
	if scsiCommand.dataIn != nil {
		task.DataIn = scsiCommand.dataIn[:scsiCommand.received]
	}
	result := Result{
		Status:     StatusGood,
		SCSIStatus: status,
		Data:       task.DataIn,
		Residual:   command.Resid,
	}
	switch status {
	case scsi.SamStatGood:
	case scsi.SamStatCheckCondition:
		result.Status = StatusCheckCondition
		if len(senseData) > 0 {
			sense, err := scsi.ParseSense(senseData)
			if err != nil {
				log.Warnf("Unparsable sense data for %s: %s", task, err)
			}
			task.Sense = sense
			result.Sense = &sense
			if session.config.NoUAOnReconnect && scsiCommand.requeued && !scsiCommand.uaRetried && sense.IsUnitAttention() {
				log.Infof("Reissuing %s after unit attention %s", task, sense)
				scsiCommand.uaRetried = true
				session.unlink(p)
				session.unlinkChildren(p)
				session.queueSCSICommand(scsiCommand)
				return
			}
		}
		result.Err = scsi.CommandError{Status: status, Sense: task.Sense}
	default:
		result.Status = StatusError
		result.Err = scsi.CommandError{Status: status}
	}
	session.finish(p, result)
}
