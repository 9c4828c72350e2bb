// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import "fmt"

type OpCode byte

const (
	// Defined on the initiator.
	OpNoopOut     OpCode = 0x00
	OpSCSICmd     OpCode = 0x01
	OpSCSITaskReq OpCode = 0x02
	OpLoginReq    OpCode = 0x03
	OpTextReq     OpCode = 0x04
	OpSCSIOut     OpCode = 0x05
	OpLogoutReq   OpCode = 0x06
	OpSNACKReq    OpCode = 0x10
	// Defined on the target.
	OpNoopIn       OpCode = 0x20
	OpSCSIResp     OpCode = 0x21
	OpSCSITaskResp OpCode = 0x22
	OpLoginResp    OpCode = 0x23
	OpTextResp     OpCode = 0x24
	OpSCSIIn       OpCode = 0x25
	OpLogoutResp   OpCode = 0x26
	OpReady        OpCode = 0x31
	OpAsync        OpCode = 0x32
	OpReject       OpCode = 0x3f
	// opNone marks PDUs that expect no reply.
	opNone OpCode = 0xff
)

const IscsiOpcodeMask byte = 0x3f

var opCodeMap = map[OpCode]string{
	OpNoopOut:      "NOP-Out",
	OpSCSICmd:      "SCSI Command",
	OpSCSITaskReq:  "SCSI Task Management Function Request",
	OpLoginReq:     "Login Request",
	OpTextReq:      "Text Request",
	OpSCSIOut:      "SCSI Data-Out (write)",
	OpLogoutReq:    "Logout Request",
	OpSNACKReq:     "SNACK Request",
	OpNoopIn:       "NOP-In",
	OpSCSIResp:     "SCSI Response",
	OpSCSITaskResp: "SCSI Task Management Function Response",
	OpLoginResp:    "Login Response",
	OpTextResp:     "Text Response",
	OpSCSIIn:       "SCSI Data-In (read)",
	OpLogoutResp:   "Logout Response",
	OpReady:        "Ready To Transfer (R2T)",
	OpAsync:        "Asynchronous Message",
	OpReject:       "Reject",
	opNone:         "No PDU",
}

func (opCode OpCode) String() string {
	name, ok := opCodeMap[opCode]
	if !ok {
		return fmt.Sprintf("OpCode(0x%02x)", byte(opCode))
	}
	return name
}

// Byte 0 and byte 1 flag bits, rfc7143 11.
const (
	flagImmediate byte = 0x40

	flagFinal    byte = 0x80
	flagContinue byte = 0x40

	flagLoginTransit byte = 0x80

	flagSCSIRead       byte = 0x40
	flagSCSIWrite      byte = 0x20
	flagSCSIAttrSimple byte = 0x01

	flagDataStatus            byte = 0x01
	flagDataResidualUnderflow byte = 0x02
	flagDataResidualOverflow  byte = 0x04
	flagDataAck               byte = 0x40
)

const (
	BasicHeaderSegmentSize = 48
	DigestSize             = 4
	DataPadding            = 4
	// reservedTag is the "no task" value of ITT and TTT.
	reservedTag uint32 = 0xffffffff
)
