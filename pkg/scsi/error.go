// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
)

const (
	NoSense        byte = 0x00
	RecoveredError byte = 0x01
	NotReady       byte = 0x02
	MediumError    byte = 0x03
	HardwareError  byte = 0x04
	IllegalRequest byte = 0x05
	UnitAttention  byte = 0x06
	DataProtect    byte = 0x07
	AbortedCommand byte = 0x0b
)

func SenseKeyToString(key byte) string {
	keys := map[byte]string{
		NoSense:        "NO SENSE",
		RecoveredError: "RECOVERED ERROR",
		NotReady:       "NOT READY",
		MediumError:    "MEDIUM ERROR",
		HardwareError:  "HARDWARE ERROR",
		IllegalRequest: "ILLEGAL REQUEST",
		UnitAttention:  "UNIT ATTENTION",
		DataProtect:    "DATA PROTECT",
		AbortedCommand: "ABORTED COMMAND",
	}
	result, ok := keys[key]
	if !ok {
		return fmt.Sprintf("0x%x", key)
	}
	return result
}

type AdditionalSenseCode uint16

var (
	// Key 0: No Sense Errors
	NoAdditionalSense AdditionalSenseCode = 0x0000

	// Key 1: Recovered Errors
	AscWriteError AdditionalSenseCode = 0x0c00
	AscReadError  AdditionalSenseCode = 0x1100

	// Key 2: Not ready
	AscBecomingReady    AdditionalSenseCode = 0x0401
	AscMediumNotPresent AdditionalSenseCode = 0x3a00

	// Key 5: Illegal Request
	AscInvalidOpCode     AdditionalSenseCode = 0x2000
	AscLbaOutOfRange     AdditionalSenseCode = 0x2100
	AscInvalidFieldInCdb AdditionalSenseCode = 0x2400
	AscSavingParmsUnsup  AdditionalSenseCode = 0x3900

	// Key 6: Unit Attention
	AscPowerOnOccurred       AdditionalSenseCode = 0x2900
	AscBusDeviceResetOccured AdditionalSenseCode = 0x2902
	AscParametersChanged     AdditionalSenseCode = 0x2a00
	AscReportedLunsChanged   AdditionalSenseCode = 0x3f0e
)

// Sense is the decoded form of fixed (0x70/0x71) or descriptor (0x72/0x73) sense data.
type Sense struct {
	ResponseCode byte
	Key          byte
	ASC          AdditionalSenseCode
	Raw          []byte
}

func (sense Sense) IsUnitAttention() bool {
	return sense.Key == UnitAttention
}

func (sense Sense) String() string {
	return fmt.Sprintf("%s (asc/ascq 0x%04x)", SenseKeyToString(sense.Key), uint16(sense.ASC))
}

// CommandError describes a command that finished with a non-GOOD status.
type CommandError struct {
	Status byte
	Sense  Sense
}

func (err CommandError) Error() string {
	if err.Status == SamStatCheckCondition {
		return fmt.Sprintf("scsi status %s, sense %s", StatusToString(err.Status), err.Sense)
	}
	return fmt.Sprintf("scsi status %s", StatusToString(err.Status))
}

func ParseSense(data []byte) (Sense, error) {
	if len(data) == 0 {
		return Sense{}, errors.New("empty sense data")
	}
	sense := Sense{
		ResponseCode: data[0] & 0x7f,
		Raw:          append([]byte(nil), data...),
	}
	switch sense.ResponseCode {
	case 0x70, 0x71:
		// SPC-4 4.5.3 fixed format
		if len(data) < 14 {
			return sense, errors.Errorf("fixed format sense too short: %d bytes", len(data))
		}
		sense.Key = data[2] & 0x0f
		sense.ASC = AdditionalSenseCode(uint16(data[12])<<8 | uint16(data[13]))
	case 0x72, 0x73:
		// SPC-4 4.5.2 descriptor format
		if len(data) < 4 {
			return sense, errors.Errorf("descriptor format sense too short: %d bytes", len(data))
		}
		sense.Key = data[1] & 0x0f
		sense.ASC = AdditionalSenseCode(uint16(data[2])<<8 | uint16(data[3]))
	default:
		return sense, errors.Errorf("unsupported sense response code 0x%02x", sense.ResponseCode)
	}
	return sense, nil
}

// BuildSenseData encodes fixed format, current sense data.
func BuildSenseData(key byte, asc AdditionalSenseCode) []byte {
	senseBuffer := &bytes.Buffer{}
	length := byte(0xa)
	senseBuffer.WriteByte(0x70)
	senseBuffer.WriteByte(0x00)
	senseBuffer.WriteByte(key)
	for i := 0; i < 4; i++ {
		senseBuffer.WriteByte(0x00)
	}
	senseBuffer.WriteByte(length)
	for i := 0; i < 4; i++ {
		senseBuffer.WriteByte(0x00)
	}
	senseBuffer.WriteByte(byte(asc>>8) & 0xff)
	senseBuffer.WriteByte(byte(asc) & 0xff)
	for i := 0; i < 4; i++ {
		senseBuffer.WriteByte(0x00)
	}
	return senseBuffer.Bytes()
}
