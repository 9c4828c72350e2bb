// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"fmt"
)

type CommandType byte

const (
	TestUnitReady      CommandType = 0x00
	RequestSense       CommandType = 0x03
	FormatUnit         CommandType = 0x04
	Inquiry            CommandType = 0x12
	ModeSense6         CommandType = 0x1a
	StartStop          CommandType = 0x1b
	ReadCapacity10     CommandType = 0x25
	Read10             CommandType = 0x28
	Write10            CommandType = 0x2a
	SynchronizeCache10 CommandType = 0x35
	ModeSelect10       CommandType = 0x55
	ModeSense10        CommandType = 0x5a
	Read16             CommandType = 0x88
	Write16            CommandType = 0x8a
	SynchronizeCache16 CommandType = 0x91
	WriteSame16        CommandType = 0x93
	ServiceActionIn    CommandType = 0x9e
	ReportLuns         CommandType = 0xa0
	MaintenanceIn      CommandType = 0xa3
)

type DataDirection int

const (
	DataNone DataDirection = iota
	DataWrite
	DataRead
	DataBidirection
)

func (direction DataDirection) String() string {
	switch direction {
	case DataNone:
		return "none"
	case DataWrite:
		return "write"
	case DataRead:
		return "read"
	case DataBidirection:
		return "bidirectional"
	}
	return fmt.Sprintf("DataDirection(%d)", int(direction))
}

const (
	SamStatGood                byte = 0x00
	SamStatCheckCondition      byte = 0x02
	SamStatConditionMet        byte = 0x04
	SamStatBusy                byte = 0x08
	SamStatReservationConflict byte = 0x18
	SamStatTaskSetFull         byte = 0x28
	SamStatAcaActive           byte = 0x30
	SamStatTaskAborted         byte = 0x40
)

func StatusToString(status byte) string {
	statuses := map[byte]string{
		SamStatGood:                "GOOD",
		SamStatCheckCondition:      "CHECK CONDITION",
		SamStatConditionMet:        "CONDITION MET",
		SamStatBusy:                "BUSY",
		SamStatReservationConflict: "RESERVATION CONFLICT",
		SamStatTaskSetFull:         "TASK SET FULL",
		SamStatAcaActive:           "ACA ACTIVE",
		SamStatTaskAborted:         "TASK ABORTED",
	}
	result, ok := statuses[status]
	if !ok {
		return fmt.Sprintf("0x%02x", status)
	}
	return result
}

func OperationCodeToString(commandType CommandType) string {
	types := map[CommandType]string{
		TestUnitReady:      "TestUnitReady",
		RequestSense:       "RequestSense",
		FormatUnit:         "FormatUnit",
		Inquiry:            "Inquiry",
		ModeSense6:         "ModeSense6",
		StartStop:          "StartStop",
		ReadCapacity10:     "ReadCapacity10",
		Read10:             "Read10",
		Write10:            "Write10",
		SynchronizeCache10: "SynchronizeCache10",
		ModeSelect10:       "ModeSelect10",
		ModeSense10:        "ModeSense10",
		Read16:             "Read16",
		Write16:            "Write16",
		SynchronizeCache16: "SynchronizeCache16",
		WriteSame16:        "WriteSame16",
		ServiceActionIn:    "ServiceActionIn",
		ReportLuns:         "ReportLuns",
		MaintenanceIn:      "MaintenanceIn",
	}
	result, ok := types[commandType]
	if !ok {
		return fmt.Sprintf("0x%x", int(commandType))
	}
	return result
}
