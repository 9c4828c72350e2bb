// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"encoding/binary"
	"strings"
	"testing"
)

func TestParseFixedSense(t *testing.T) {
	data := BuildSenseData(UnitAttention, AscPowerOnOccurred)
	sense, err := ParseSense(data)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !sense.IsUnitAttention() {
		t.Errorf("expected UNIT ATTENTION, got key 0x%x", sense.Key)
	}
	if sense.ASC != AscPowerOnOccurred {
		t.Errorf("expected asc 0x2900, got 0x%04x", uint16(sense.ASC))
	}
}

func TestParseDescriptorSense(t *testing.T) {
	data := []byte{0x72, IllegalRequest, 0x24, 0x00, 0, 0, 0, 0}
	sense, err := ParseSense(data)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if sense.Key != IllegalRequest || sense.ASC != AscInvalidFieldInCdb {
		t.Errorf("unexpected sense %s", sense)
	}
}

func TestParseSenseRejectsGarbage(t *testing.T) {
	if _, err := ParseSense(nil); err == nil {
		t.Errorf("expected error for empty sense")
	}
	if _, err := ParseSense([]byte{0x70, 0, 6}); err == nil {
		t.Errorf("expected error for truncated fixed sense")
	}
	if _, err := ParseSense([]byte{0x10, 0, 0, 0}); err == nil {
		t.Errorf("expected error for unknown response code")
	}
}

func TestReadWriteBuilders(t *testing.T) {
	data := make([]byte, 4096)
	write := NewWrite10(0x01020304, 8, 512, data)
	if write.Direction != DataWrite || write.ExpectedTransferLength != 4096 {
		t.Fatalf("unexpected write task %s", write)
	}
	if ReadWriteOffset(write.CDB) != 0x01020304 || ReadWriteCount(write.CDB) != 8 {
		t.Errorf("CDB fields do not round trip: %x", write.CDB)
	}
	if err := write.Validate(); err != nil {
		t.Errorf("unexpected validation error: %s", err)
	}
	write.DataOut = data[:100]
	if err := write.Validate(); err == nil {
		t.Errorf("short write buffer must not validate")
	}

	read := NewRead10(7, 2, 4096)
	if read.Direction != DataRead || read.ExpectedTransferLength != 8192 {
		t.Errorf("unexpected read task %s", read)
	}
	if read.Operation() != Read10 {
		t.Errorf("unexpected operation %s", OperationCodeToString(read.Operation()))
	}
}

func TestParseReadCapacity10(t *testing.T) {
	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data[0:4], 2047)
	binary.BigEndian.PutUint32(data[4:8], 512)
	capacity, err := ParseReadCapacity10(data)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if capacity.Bytes() != 2048*512 {
		t.Errorf("unexpected capacity %d", capacity.Bytes())
	}
}

func TestParseReportLuns(t *testing.T) {
	data := make([]byte, 8+16)
	binary.BigEndian.PutUint32(data[0:4], 16)
	binary.BigEndian.PutUint64(data[8:16], 0)
	binary.BigEndian.PutUint64(data[16:24], 0x0001000000000000)
	luns, err := ParseReportLuns(data)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(luns) != 2 || luns[1] != 0x0001000000000000 {
		t.Errorf("unexpected luns %v", luns)
	}
}

func TestTaskStringShowsBlockRange(t *testing.T) {
	read := NewRead10(2, 16, 512)
	if description := read.String(); !strings.HasSuffix(description, " lba=2 blocks=16") {
		t.Errorf("unexpected description %q", description)
	}
	write := NewWrite10(0x10000, 1, 512, make([]byte, 512))
	if description := write.String(); !strings.HasSuffix(description, " lba=65536 blocks=1") {
		t.Errorf("unexpected description %q", description)
	}
	if description := NewTestUnitReady().String(); strings.Contains(description, "lba=") {
		t.Errorf("TEST UNIT READY has no block range: %q", description)
	}
}
