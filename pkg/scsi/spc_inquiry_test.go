// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"bytes"
	"testing"
)

func standardInquiry() []byte {
	data := []byte{
		DeviceTypeDisk,
		0x00,
		0x05,
		0x12,
		31,
		0x10, 0x00, inquiryCmdque,
	}
	data = append(data, []byte("NX      ")...)
	data = append(data, []byte("qcow2 disk      ")...)
	data = append(data, []byte("1.0 ")...)
	return data
}

func TestParseStandardInquiry(t *testing.T) {
	inquiry, err := ParseStandardInquiry(standardInquiry())
	if err != nil {
		t.Fatalf("ParseStandardInquiry failed: %s", err)
	}
	if !inquiry.Connected() || inquiry.DeviceType != DeviceTypeDisk || inquiry.Removable {
		t.Errorf("unexpected device %s", inquiry)
	}
	if inquiry.VendorID != "NX" || inquiry.ProductID != "qcow2 disk" || inquiry.ProductRev != "1.0" {
		t.Errorf("unexpected identification %q %q %q", inquiry.VendorID, inquiry.ProductID, inquiry.ProductRev)
	}
	if !inquiry.CommandQueueing || inquiry.Version != 0x05 {
		t.Errorf("unexpected version or queueing in %s", inquiry)
	}

	offline := standardInquiry()
	offline[0] = PeripheralQualifierNotSupported<<5 | DeviceTypeUnknown
	inquiry, err = ParseStandardInquiry(offline)
	if err != nil {
		t.Fatalf("ParseStandardInquiry failed: %s", err)
	}
	if inquiry.Connected() || inquiry.PeripheralQualifier != PeripheralQualifierNotSupported {
		t.Errorf("unexpected qualifier %d", inquiry.PeripheralQualifier)
	}
	if _, err := ParseStandardInquiry(offline[:20]); err == nil {
		t.Errorf("expected an error for truncated data")
	}
}

func TestNewInquiryVPD(t *testing.T) {
	task := NewInquiryVPD(UnitSerialNumberVpdPageCode, 255)
	expected := []byte{byte(Inquiry), 0x01, 0x80, 0x00, 0xff, 0x00}
	if !bytes.Equal(task.CDB, expected) {
		t.Errorf("unexpected CDB % x", task.CDB)
	}
	if task.Direction != DataRead || task.ExpectedTransferLength != 255 {
		t.Errorf("unexpected task %s", task)
	}
}

func TestParseUnitSerialNumber(t *testing.T) {
	data := append([]byte{DeviceTypeDisk, UnitSerialNumberVpdPageCode, 0x00, 0x0a}, []byte("serial-42   ")...)
	serial, err := ParseUnitSerialNumber(data)
	if err != nil {
		t.Fatalf("ParseUnitSerialNumber failed: %s", err)
	}
	if serial != "serial-42" {
		t.Errorf("unexpected serial %q", serial)
	}
	data[1] = DeviceIdentificationVpdPageCode
	if _, err := ParseUnitSerialNumber(data); err == nil {
		t.Errorf("expected an error for a different page")
	}
}

func TestParseDeviceIdentification(t *testing.T) {
	data := []byte{DeviceTypeDisk, DeviceIdentificationVpdPageCode, 0x00, 0x18}
	// naa, binary, logical unit
	data = append(data, 0x51, DesignatorTypeNaa, 0x00, 0x08, 0x30, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07)
	// scsi name string, utf-8, target port
	data = append(data, 0x53, 0x80|AssociatedTgtPort<<4|DesignatorTypeScsi, 0x00, 0x08)
	data = append(data, []byte("iqn.x\x00\x00\x00")...)
	designators, err := ParseDeviceIdentification(data)
	if err != nil {
		t.Fatalf("ParseDeviceIdentification failed: %s", err)
	}
	if len(designators) != 2 {
		t.Fatalf("expected 2 designators, got %d", len(designators))
	}
	naa := designators[0]
	if naa.Type != DesignatorTypeNaa || naa.CodeSet != InqCodeBin || naa.Association != AssociatedLogicalUnit || naa.ProtocolIdentifier != 5 {
		t.Errorf("unexpected naa designator %+v", naa)
	}
	if naa.String() != "naa: 0x3001020304050607" {
		t.Errorf("unexpected naa string %s", naa)
	}
	name := designators[1]
	if name.Association != AssociatedTgtPort || name.String() != "scsi name string: iqn.x" {
		t.Errorf("unexpected name designator %s", name)
	}

	truncated := append([]byte(nil), data[:4+12+6]...)
	truncated[3] = 18
	if _, err := ParseDeviceIdentification(truncated); err == nil {
		t.Errorf("expected an error for a truncated descriptor")
	}
}
