// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// pduHeader is an outbound Basic Header Segment under construction.
type pduHeader [BasicHeaderSegmentSize]byte

func newHeader(opCode OpCode, immediate bool) pduHeader {
	var header pduHeader
	header[0] = byte(opCode) & IscsiOpcodeMask
	if immediate {
		header[0] |= flagImmediate
	}
	return header
}

func (header *pduHeader) opCode() OpCode {
	return OpCode(header[0] & IscsiOpcodeMask)
}

func (header *pduHeader) immediate() bool {
	return header[0]&flagImmediate != 0
}

func (header *pduHeader) setFlags(flags byte) {
	header[1] = flags
}

func (header *pduHeader) flags() byte {
	return header[1]
}

func (header *pduHeader) setDataSegmentLength(length int) {
	header[5] = byte(length >> 16)
	header[6] = byte(length >> 8)
	header[7] = byte(length)
}

func (header *pduHeader) dataSegmentLength() int {
	return int(uint64FromByte(header[5:8]))
}

// According to RFC3720 10.2.1.7 the Logical Unit field is formatted
// according to SAM2. LUNs below 256 use peripheral device addressing,
// LUNs below 16384 use flat space addressing, larger values are taken
// as already encoded.
func encodeLUN(lun uint64) [8]byte {
	var encoded [8]byte
	switch {
	case lun < 256:
		encoded[1] = byte(lun)
	case lun < 16384:
		encoded[0] = 0x40 | byte(lun>>8)
		encoded[1] = byte(lun)
	default:
		binary.BigEndian.PutUint64(encoded[:], lun)
	}
	return encoded
}

func decodeLUN(data []byte) uint64 {
	switch data[0] >> 6 {
	case 0:
		if data[0] == 0 && binary.BigEndian.Uint64(data[0:8])&0x0000ffffffffffff == 0 {
			return uint64(data[1])
		}
	case 1:
		if binary.BigEndian.Uint64(data[0:8])&0x0000ffffffffffff == 0 {
			return uint64(data[0]&0x3f)<<8 | uint64(data[1])
		}
	}
	return binary.BigEndian.Uint64(data[0:8])
}

func (header *pduHeader) setLUN(lun uint64) {
	encoded := encodeLUN(lun)
	copy(header[8:16], encoded[:])
}

func (header *pduHeader) setISID(isid ISID) {
	copy(header[8:14], isid[:])
}

func (header *pduHeader) setTSIH(tsih uint16) {
	binary.BigEndian.PutUint16(header[14:16], tsih)
}

func (header *pduHeader) setITT(itt uint32) {
	binary.BigEndian.PutUint32(header[16:20], itt)
}

func (header *pduHeader) itt() uint32 {
	return binary.BigEndian.Uint32(header[16:20])
}

// setTTT also serves as ExpectedDataTransferLength and Referenced Task Tag.
func (header *pduHeader) setTTT(ttt uint32) {
	binary.BigEndian.PutUint32(header[20:24], ttt)
}

func (header *pduHeader) setExpectedDataLength(length uint32) {
	binary.BigEndian.PutUint32(header[20:24], length)
}

func (header *pduHeader) setReferencedTaskTag(tag uint32) {
	binary.BigEndian.PutUint32(header[20:24], tag)
}

func (header *pduHeader) setCID(cid uint16) {
	binary.BigEndian.PutUint16(header[20:22], cid)
}

func (header *pduHeader) setCmdSN(cmdSN uint32) {
	binary.BigEndian.PutUint32(header[24:28], cmdSN)
}

func (header *pduHeader) cmdSN() uint32 {
	return binary.BigEndian.Uint32(header[24:28])
}

func (header *pduHeader) setExpStatSN(expStatSN uint32) {
	binary.BigEndian.PutUint32(header[28:32], expStatSN)
}

func (header *pduHeader) setRefCmdSN(cmdSN uint32) {
	binary.BigEndian.PutUint32(header[32:36], cmdSN)
}

func (header *pduHeader) setDataSN(dataSN uint32) {
	binary.BigEndian.PutUint32(header[36:40], dataSN)
}

func (header *pduHeader) setBufferOffset(offset uint32) {
	binary.BigEndian.PutUint32(header[40:44], offset)
}

func (header *pduHeader) setCDB(cdb []byte) {
	copy(header[32:48], cdb)
}

// ISCSICommand is a parsed inbound (target to initiator) header.
type ISCSICommand struct {
	OperationCode OpCode
	RawHeader     []byte
	DataLen       int
	RawData       []byte
	Final         bool
	Immediate     bool
	AHSLen        int
	LUN           uint64
	TaskTag       uint32
	// Target Transfer Tag.
	TransferTag uint32

	StatSN   uint32
	ExpCmdSN uint32
	MaxCmdSN uint32

	// Transit bit.
	Transit bool
	// Continue bit.
	Continue bool
	// Current Stage, Next Stage.
	CurrentStage, NextStage iSCSILoginStage
	VersionMax              byte
	VersionActive           byte
	ISID                    uint64
	// Target-assigned Session Identifying Handle.
	TSIH uint16

	// For login response.
	StatusClass  uint8
	StatusDetail uint8

	// SCSI response, Data-In, task management response, logout response.
	Response  byte
	Status    byte
	HasStatus bool
	Underflow bool
	Overflow  bool
	Resid     uint32

	// Data-In.
	DataSequenceNumber uint32
	BufferOffset       uint32

	// R2T
	R2TSN         uint32
	DesiredLength uint32

	// Asynchronous message.
	AsyncEvent byte
	AsyncVCode byte
	Parameter1 uint16
	Parameter2 uint16
	Parameter3 uint16

	// Reject reason.
	Reason byte

	// Logout response.
	Time2Wait   uint16
	Time2Retain uint16
}

func (iscsiCommand *ISCSICommand) String() string {
	var s []string
	s = append(s, fmt.Sprintf("Op: %v", iscsiCommand.OperationCode))
	s = append(s, fmt.Sprintf("Final = %v", iscsiCommand.Final))
	s = append(s, fmt.Sprintf("Data Segment Length = %d", iscsiCommand.DataLen))
	s = append(s, fmt.Sprintf("Task Tag = %x", iscsiCommand.TaskTag))
	switch iscsiCommand.OperationCode {
	case OpLoginResp:
		s = append(s, fmt.Sprintf("ISID = %x", iscsiCommand.ISID))
		s = append(s, fmt.Sprintf("TSIH = %d", iscsiCommand.TSIH))
		s = append(s, fmt.Sprintf("Transit = %v", iscsiCommand.Transit))
		s = append(s, fmt.Sprintf("Continue = %v", iscsiCommand.Continue))
		s = append(s, fmt.Sprintf("Current Stage = %v", iscsiCommand.CurrentStage))
		s = append(s, fmt.Sprintf("Next Stage = %v", iscsiCommand.NextStage))
		s = append(s, fmt.Sprintf("Status Class = %d", iscsiCommand.StatusClass))
		s = append(s, fmt.Sprintf("Status Detail = %d", iscsiCommand.StatusDetail))
	case OpSCSIResp, OpSCSIIn:
		s = append(s, fmt.Sprintf("Status = 0x%02x", iscsiCommand.Status))
		s = append(s, fmt.Sprintf("Residual = %d", iscsiCommand.Resid))
		s = append(s, fmt.Sprintf("Buffer Offset = %d", iscsiCommand.BufferOffset))
	case OpReady:
		s = append(s, fmt.Sprintf("R2TSN = %d", iscsiCommand.R2TSN))
		s = append(s, fmt.Sprintf("Buffer Offset = %d", iscsiCommand.BufferOffset))
		s = append(s, fmt.Sprintf("Desired Length = %d", iscsiCommand.DesiredLength))
	case OpAsync:
		s = append(s, fmt.Sprintf("Async Event = %d", iscsiCommand.AsyncEvent))
	case OpReject:
		s = append(s, fmt.Sprintf("Reason = 0x%02x", iscsiCommand.Reason))
	}
	s = append(s, fmt.Sprintf("StatSN = %d", iscsiCommand.StatSN))
	s = append(s, fmt.Sprintf("ExpCmdSN = %d", iscsiCommand.ExpCmdSN))
	s = append(s, fmt.Sprintf("MaxCmdSN = %d", iscsiCommand.MaxCmdSN))
	return strings.Join(s, "\n")
}

// hasWindow reports whether the ExpCmdSN and MaxCmdSN fields are meaningful.
func (iscsiCommand *ISCSICommand) hasWindow() bool {
	switch iscsiCommand.OperationCode {
	case OpNoopIn, OpSCSIResp, OpSCSITaskResp, OpLoginResp, OpTextResp,
		OpSCSIIn, OpLogoutResp, OpReady, OpAsync, OpReject:
		return true
	}
	return false
}

// advancesStatSN reports whether the PDU consumes a StatSN (rfc7143 11.7.4, 11.19).
func (iscsiCommand *ISCSICommand) advancesStatSN() bool {
	switch iscsiCommand.OperationCode {
	case OpSCSIResp, OpSCSITaskResp, OpLoginResp, OpTextResp, OpLogoutResp, OpAsync, OpReject:
		return true
	case OpSCSIIn:
		return iscsiCommand.HasStatus
	case OpNoopIn:
		return iscsiCommand.TaskTag != reservedTag
	}
	return false
}

// carriesStatSN reports whether the StatSN field is valid at all.
func (iscsiCommand *ISCSICommand) carriesStatSN() bool {
	if iscsiCommand.OperationCode == OpSCSIIn {
		return iscsiCommand.HasStatus
	}
	return iscsiCommand.hasWindow()
}

func parseHeader(data []byte) (*ISCSICommand, error) {
	if len(data) < BasicHeaderSegmentSize {
		return nil, fmt.Errorf("garbled header")
	}
	data = data[:BasicHeaderSegmentSize]
	command := &ISCSICommand{
		RawHeader:     data,
		Immediate:     flagImmediate&data[0] == flagImmediate,
		OperationCode: OpCode(data[0] & IscsiOpcodeMask),
		Final:         flagFinal&data[1] == flagFinal,
		AHSLen:        int(data[4]) * 4,
		DataLen:       int(uint64FromByte(data[5:8])),
		TaskTag:       binary.BigEndian.Uint32(data[16:20]),
		TransferTag:   binary.BigEndian.Uint32(data[20:24]),
		StatSN:        binary.BigEndian.Uint32(data[24:28]),
		ExpCmdSN:      binary.BigEndian.Uint32(data[28:32]),
		MaxCmdSN:      binary.BigEndian.Uint32(data[32:36]),
	}
	switch command.OperationCode {
	case OpLoginResp:
		command.Transit = data[1]&flagLoginTransit == flagLoginTransit
		command.Continue = data[1]&flagContinue == flagContinue
		if command.Continue && command.Transit {
			// rfc7143 11.13.1
			return nil, fmt.Errorf("transit and continue bits set in same login response")
		}
		command.CurrentStage = iSCSILoginStage(data[1]&0xc) >> 2
		command.NextStage = iSCSILoginStage(data[1] & 0x3)
		command.VersionMax = data[2]
		command.VersionActive = data[3]
		command.ISID = uint64FromByte(data[8:14])
		command.TSIH = binary.BigEndian.Uint16(data[14:16])
		command.StatusClass = data[36]
		command.StatusDetail = data[37]
	case OpTextResp:
		command.Continue = data[1]&flagContinue == flagContinue
		if command.Continue && command.Final {
			// rfc7143 11.11.1
			return nil, fmt.Errorf("final and continue bits set in same text response")
		}
		command.LUN = decodeLUN(data[8:16])
	case OpSCSIResp:
		command.Underflow = data[1]&flagDataResidualUnderflow != 0
		command.Overflow = data[1]&flagDataResidualOverflow != 0
		command.Response = data[2]
		command.Status = data[3]
		command.HasStatus = true
		command.Resid = binary.BigEndian.Uint32(data[44:48])
	case OpSCSIIn:
		// rfc7143 11.7
		command.HasStatus = data[1]&flagDataStatus != 0
		command.Underflow = data[1]&flagDataResidualUnderflow != 0
		command.Overflow = data[1]&flagDataResidualOverflow != 0
		if command.HasStatus && !command.Final {
			return nil, fmt.Errorf("status bit set in a non-final Data-In PDU")
		}
		command.Status = data[3]
		command.LUN = decodeLUN(data[8:16])
		command.DataSequenceNumber = binary.BigEndian.Uint32(data[36:40])
		command.BufferOffset = binary.BigEndian.Uint32(data[40:44])
		command.Resid = binary.BigEndian.Uint32(data[44:48])
	case OpReady:
		// rfc7143 11.8
		command.LUN = decodeLUN(data[8:16])
		command.R2TSN = binary.BigEndian.Uint32(data[36:40])
		command.BufferOffset = binary.BigEndian.Uint32(data[40:44])
		command.DesiredLength = binary.BigEndian.Uint32(data[44:48])
	case OpSCSITaskResp:
		command.Response = data[2]
	case OpNoopIn:
		command.LUN = decodeLUN(data[8:16])
	case OpLogoutResp:
		command.Response = data[2]
		command.Time2Wait = binary.BigEndian.Uint16(data[40:42])
		command.Time2Retain = binary.BigEndian.Uint16(data[42:44])
	case OpAsync:
		// rfc7143 11.9
		command.LUN = decodeLUN(data[8:16])
		command.AsyncEvent = data[36]
		command.AsyncVCode = data[37]
		command.Parameter1 = binary.BigEndian.Uint16(data[38:40])
		command.Parameter2 = binary.BigEndian.Uint16(data[40:42])
		command.Parameter3 = binary.BigEndian.Uint16(data[42:44])
	case OpReject:
		command.Reason = data[2]
	default:
		return nil, fmt.Errorf("unexpected opcode %s from target", command.OperationCode)
	}
	return command, nil
}
