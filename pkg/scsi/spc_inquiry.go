// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

/*
 * Code Set
 *
 *  1 - Designator field contains binary values
 *  2 - Designator field contains ASCII printable chars
 *  3 - Designator field contains UTF-8
 */
const (
	InqCodeBin   = byte(1)
	InqCodeAscii = byte(2)
	InqCodeUtf8  = byte(3)
)

/*
 * Association field
 *
 * 00b - Associated with Logical Unit
 * 01b - Associated with target port
 * 10b - Associated with SCSI Target device
 * 11b - Reserved
 */
const (
	AssociatedLogicalUnit = byte(0x00)
	AssociatedTgtPort     = byte(0x01)
	AssociatedTgtDevice   = byte(0x02)
)

/*
 * Designator type - SPC-4 Reference
 *
 * 0 - Vendor specific - 7.6.3.3
 * 1 - T10 vendor ID - 7.6.3.4
 * 2 - EUI-64 - 7.6.3.5
 * 3 - NAA - 7.6.3.6
 * 4 - Relative Target port identifier - 7.6.3.7
 * 5 - Target Port group - 7.6.3.8
 * 6 - Logical Unit group - 7.6.3.9
 * 7 - MD5 logical unit identifier - 7.6.3.10
 * 8 - SCSI name string - 7.6.3.11
 */
const (
	DesignatorTypeVendor     = byte(0)
	DesignatorTypeT10        = byte(1)
	DesignatorTypeEui64      = byte(2)
	DesignatorTypeNaa        = byte(3)
	DesignatorTypeRelTgtPort = byte(4)
	DesignatorTypeTgtPortGrp = byte(5)
	DesignatorTypeLuGroup    = byte(6)
	DesignatorTypeMd5        = byte(7)
	DesignatorTypeScsi       = byte(8)
)

var designatorTypeNames = map[byte]string{
	DesignatorTypeVendor:     "vendor specific",
	DesignatorTypeT10:        "t10 vendor id",
	DesignatorTypeEui64:      "eui-64",
	DesignatorTypeNaa:        "naa",
	DesignatorTypeRelTgtPort: "relative target port",
	DesignatorTypeTgtPortGrp: "target port group",
	DesignatorTypeLuGroup:    "logical unit group",
	DesignatorTypeMd5:        "md5 logical unit id",
	DesignatorTypeScsi:       "scsi name string",
}

/*
 * Table 177 - PERIPHERAL QUALIFIER field
 * 000b - A peripheral device having the indicated peripheral
 * 	device type is connected to this logical unit.
 * 001b - A peripheral device having the indicated peripheral device type
 * 	is not connected to this logical unit. However, the device server is capable of
 *	supporting the indicated peripheral device type on this logical unit.
 * 011b - The device server is not capable of supporting a
 * 	peripheral device on this logical unit.
 */
const (
	PeripheralQualifierDeviceConnected  = byte(0x00)
	PeripheralQualifierDeviceNotConnect = byte(0x01)
	PeripheralQualifierNotSupported     = byte(0x03)
)

const (
	DeviceTypeDisk    = byte(0x00)
	DeviceTypeTape    = byte(0x01)
	DeviceTypeCdrom   = byte(0x05)
	DeviceTypeChanger = byte(0x08)
	DeviceTypeArray   = byte(0x0c)
	DeviceTypeUnknown = byte(0x1f)
)

const (
	SupportedVpdPagesVpdPageCode    = byte(0x00)
	UnitSerialNumberVpdPageCode     = byte(0x80)
	DeviceIdentificationVpdPageCode = byte(0x83)
	BlockLimitsVpdPageCode          = byte(0xB0)
)

const (
	inquiryCmdque       = byte(0x02)
	standardInquirySize = 36
	vpdHeaderSize       = 4
)

// InquiryData is the decoded standard INQUIRY data (SPC-4 6.6.2).
type InquiryData struct {
	PeripheralQualifier byte
	DeviceType          byte
	Removable           bool
	Version             byte
	CommandQueueing     bool
	VendorID            string
	ProductID           string
	ProductRev          string
}

func (inquiry InquiryData) Connected() bool {
	return inquiry.PeripheralQualifier == PeripheralQualifierDeviceConnected
}

func (inquiry InquiryData) String() string {
	return fmt.Sprintf(
		"%s %s %s (device type 0x%02x, qualifier %d)",
		inquiry.VendorID,
		inquiry.ProductID,
		inquiry.ProductRev,
		inquiry.DeviceType,
		inquiry.PeripheralQualifier,
	)
}

// NewInquiryVPD requests the vital product data page pageCode.
func NewInquiryVPD(pageCode byte, allocationLength uint16) *Task {
	task := NewInquiry(allocationLength)
	enableVitalProductDataBitmask := byte(0x01)
	task.CDB[1] = enableVitalProductDataBitmask
	task.CDB[2] = pageCode
	return task
}

func trimASCII(data []byte) string {
	return strings.TrimRight(string(data), " \x00")
}

func ParseStandardInquiry(data []byte) (InquiryData, error) {
	if len(data) < standardInquirySize {
		return InquiryData{}, errors.Errorf("standard INQUIRY data too short: %d bytes", len(data))
	}
	return InquiryData{
		PeripheralQualifier: data[0] >> 5,
		DeviceType:          data[0] & 0x1f,
		Removable:           data[1]&0x80 != 0,
		Version:             data[2],
		CommandQueueing:     data[7]&inquiryCmdque != 0,
		// 8, 16 and 4 bytes of left aligned ASCII
		VendorID:   trimASCII(data[8:16]),
		ProductID:  trimASCII(data[16:32]),
		ProductRev: trimASCII(data[32:36]),
	}, nil
}

// vpdPage checks the header of a VPD page and returns its payload.
func vpdPage(data []byte, pageCode byte) ([]byte, error) {
	if len(data) < vpdHeaderSize {
		return nil, errors.Errorf("VPD page 0x%02x too short: %d bytes", pageCode, len(data))
	}
	if data[1] != pageCode {
		return nil, errors.Errorf("expected VPD page 0x%02x, got 0x%02x", pageCode, data[1])
	}
	pageLength := int(binary.BigEndian.Uint16(data[2:4]))
	payload := data[vpdHeaderSize:]
	// a short allocation length truncates the page
	if pageLength < len(payload) {
		payload = payload[:pageLength]
	}
	return payload, nil
}

func ParseSupportedVpdPages(data []byte) ([]byte, error) {
	payload, err := vpdPage(data, SupportedVpdPagesVpdPageCode)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), payload...), nil
}

func ParseUnitSerialNumber(data []byte) (string, error) {
	payload, err := vpdPage(data, UnitSerialNumberVpdPageCode)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(trimASCII(payload)), nil
}

// Designator is one identification descriptor of the Device Identification VPD page.
type Designator struct {
	ProtocolIdentifier byte
	CodeSet            byte
	Association        byte
	Type               byte
	Identifier         []byte
}

func (designator Designator) String() string {
	name, ok := designatorTypeNames[designator.Type]
	if !ok {
		name = fmt.Sprintf("designator type %d", designator.Type)
	}
	switch designator.CodeSet {
	case InqCodeAscii, InqCodeUtf8:
		return fmt.Sprintf("%s: %s", name, trimASCII(designator.Identifier))
	}
	return fmt.Sprintf("%s: 0x%s", name, hex.EncodeToString(designator.Identifier))
}

func ParseDeviceIdentification(data []byte) ([]Designator, error) {
	payload, err := vpdPage(data, DeviceIdentificationVpdPageCode)
	if err != nil {
		return nil, err
	}
	var designators []Designator
	for len(payload) > 0 {
		if len(payload) < 4 {
			return designators, errors.Errorf("truncated designation descriptor: %d bytes", len(payload))
		}
		length := int(payload[3])
		if len(payload) < 4+length {
			return designators, errors.Errorf("designation descriptor of %d bytes overruns the page", length)
		}
		designators = append(designators, Designator{
			ProtocolIdentifier: payload[0] >> 4,
			CodeSet:            payload[0] & 0x0f,
			Association:        (payload[1] >> 4) & 0x03,
			Type:               payload[1] & 0x0f,
			Identifier:         append([]byte(nil), payload[4:4+length]...),
		})
		payload = payload[4+length:]
	}
	return designators, nil
}
