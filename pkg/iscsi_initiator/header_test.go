// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"encoding/binary"
	"testing"
)

func targetHeader(op OpCode, flags byte) []byte {
	data := make([]byte, BasicHeaderSegmentSize)
	data[0] = byte(op)
	data[1] = flags
	return data
}

func TestParseHeaderRejectsContradictoryFlags(t *testing.T) {
	cases := []struct {
		name  string
		op    OpCode
		flags byte
	}{
		{"login transit and continue", OpLoginResp, flagLoginTransit | flagContinue},
		{"text final and continue", OpTextResp, flagFinal | flagContinue},
		{"data-in status without final", OpSCSIIn, flagDataStatus},
		{"initiator opcode", OpSCSICmd, flagFinal},
	}
	for _, c := range cases {
		if _, err := parseHeader(targetHeader(c.op, c.flags)); err == nil {
			t.Errorf("%s: expected an error", c.name)
		}
	}
	if _, err := parseHeader(make([]byte, 20)); err == nil {
		t.Errorf("expected an error for a short header")
	}
}

func TestParseDataInHeader(t *testing.T) {
	data := targetHeader(OpSCSIIn, flagFinal|flagDataStatus|flagDataResidualUnderflow)
	data[3] = 0x02
	data[7] = 0x10
	data[9] = 3
	binary.BigEndian.PutUint32(data[16:20], 0x1234)
	binary.BigEndian.PutUint32(data[24:28], 1000)
	binary.BigEndian.PutUint32(data[28:32], 5)
	binary.BigEndian.PutUint32(data[32:36], 36)
	binary.BigEndian.PutUint32(data[36:40], 2)
	binary.BigEndian.PutUint32(data[40:44], 8192)
	binary.BigEndian.PutUint32(data[44:48], 512)
	command, err := parseHeader(data)
	if err != nil {
		t.Fatalf("parseHeader failed: %s", err)
	}
	switch {
	case !command.Final || !command.HasStatus || !command.Underflow || command.Overflow:
		t.Errorf("unexpected flags in %s", command)
	case command.Status != 0x02 || command.DataLen != 0x10 || command.LUN != 3:
		t.Errorf("unexpected status, length or lun in %s", command)
	case command.TaskTag != 0x1234 || command.StatSN != 1000 || command.ExpCmdSN != 5 || command.MaxCmdSN != 36:
		t.Errorf("unexpected sequence numbers in %s", command)
	case command.DataSequenceNumber != 2 || command.BufferOffset != 8192 || command.Resid != 512:
		t.Errorf("unexpected data fields in %s", command)
	}
}

func TestParseLoginResponseHeader(t *testing.T) {
	data := targetHeader(OpLoginResp, flagLoginTransit|byte(LoginOperationalNegotiation)<<2|byte(FullFeaturePhase))
	binary.BigEndian.PutUint16(data[14:16], 7)
	data[36] = loginStatusTargetError
	data[37] = 0x02
	command, err := parseHeader(data)
	if err != nil {
		t.Fatalf("parseHeader failed: %s", err)
	}
	if !command.Transit || command.CurrentStage != LoginOperationalNegotiation || command.NextStage != FullFeaturePhase {
		t.Errorf("unexpected stages in %s", command)
	}
	if command.TSIH != 7 || command.StatusClass != loginStatusTargetError || command.StatusDetail != 0x02 {
		t.Errorf("unexpected status in %s", command)
	}
}

func TestLUNEncoding(t *testing.T) {
	cases := []struct {
		lun     uint64
		encoded [8]byte
	}{
		{0, [8]byte{}},
		{5, [8]byte{0, 5}},
		{255, [8]byte{0, 0xff}},
		{256, [8]byte{0x41, 0x00}},
		{16383, [8]byte{0x7f, 0xff}},
	}
	for _, c := range cases {
		encoded := encodeLUN(c.lun)
		if encoded != c.encoded {
			t.Errorf("encodeLUN(%d) = % x", c.lun, encoded)
		}
		if decoded := decodeLUN(encoded[:]); decoded != c.lun {
			t.Errorf("decodeLUN(% x) = %d, expected %d", encoded, decoded, c.lun)
		}
	}
	raw := uint64(0x0123456789abcdef)
	encoded := encodeLUN(raw)
	if decodeLUN(encoded[:]) != raw {
		t.Errorf("a pre-encoded LUN must pass through")
	}
}

func TestDataSegmentLength(t *testing.T) {
	header := newHeader(OpSCSICmd, false)
	header.setDataSegmentLength(0x123456)
	if header.dataSegmentLength() != 0x123456 {
		t.Errorf("unexpected length 0x%x", header.dataSegmentLength())
	}
	if paddedLength(5) != 8 || paddedLength(8) != 8 || paddedLength(0) != 0 {
		t.Errorf("unexpected padding")
	}
}
