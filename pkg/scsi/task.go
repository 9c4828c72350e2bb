// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

type ResidualKind int

const (
	ResidualNone ResidualKind = iota
	ResidualUnderflow
	ResidualOverflow
)

// Task is a pre-encoded SCSI command together with its data buffers.
// The transport fills DataIn, Status, Sense and the residual fields.
type Task struct {
	CDB                    []byte
	Direction              DataDirection
	ExpectedTransferLength uint32
	DataOut                []byte

	DataIn       []byte
	Status       byte
	Sense        Sense
	Residual     uint32
	ResidualKind ResidualKind
}

func (task *Task) Operation() CommandType {
	if len(task.CDB) == 0 {
		return TestUnitReady
	}
	return CommandType(task.CDB[0])
}

func (task *Task) String() string {
	description := fmt.Sprintf(
		"%s dir=%s xfer=%d",
		OperationCodeToString(task.Operation()),
		task.Direction,
		task.ExpectedTransferLength,
	)
	switch task.Operation() {
	case Read10, Write10, SynchronizeCache10, Read16, Write16, WriteSame16, SynchronizeCache16:
		description += fmt.Sprintf(" lba=%d blocks=%d", ReadWriteOffset(task.CDB), ReadWriteCount(task.CDB))
	}
	return description
}

// Reset drops the results of a previous execution so the task can be sent again.
func (task *Task) Reset() {
	task.DataIn = nil
	task.Status = SamStatGood
	task.Sense = Sense{}
	task.Residual = 0
	task.ResidualKind = ResidualNone
}

// Validate checks the buffers against the direction and expected length.
func (task *Task) Validate() error {
	if len(task.CDB) == 0 {
		return errors.New("empty CDB")
	}
	switch task.Direction {
	case DataWrite, DataBidirection:
		if uint32(len(task.DataOut)) < task.ExpectedTransferLength {
			return errors.Errorf(
				"write buffer holds %d bytes, expected transfer length is %d",
				len(task.DataOut), task.ExpectedTransferLength,
			)
		}
	case DataNone:
		if task.ExpectedTransferLength != 0 {
			return errors.Errorf("transfer length %d without data direction", task.ExpectedTransferLength)
		}
	}
	return nil
}

func NewTestUnitReady() *Task {
	return &Task{
		CDB:       make([]byte, 6),
		Direction: DataNone,
	}
}

func NewInquiry(allocationLength uint16) *Task {
	cdb := make([]byte, 6)
	cdb[0] = byte(Inquiry)
	binary.BigEndian.PutUint16(cdb[3:5], allocationLength)
	return &Task{
		CDB:                    cdb,
		Direction:              DataRead,
		ExpectedTransferLength: uint32(allocationLength),
	}
}

func NewReadCapacity10() *Task {
	cdb := make([]byte, 10)
	cdb[0] = byte(ReadCapacity10)
	return &Task{
		CDB:                    cdb,
		Direction:              DataRead,
		ExpectedTransferLength: 8,
	}
}

func NewReportLuns(allocationLength uint32) *Task {
	cdb := make([]byte, 12)
	cdb[0] = byte(ReportLuns)
	binary.BigEndian.PutUint32(cdb[6:10], allocationLength)
	return &Task{
		CDB:                    cdb,
		Direction:              DataRead,
		ExpectedTransferLength: allocationLength,
	}
}

func NewRead10(logicalBlockAddress uint32, blocks uint16, blockSize uint32) *Task {
	cdb := make([]byte, 10)
	cdb[0] = byte(Read10)
	binary.BigEndian.PutUint32(cdb[2:6], logicalBlockAddress)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return &Task{
		CDB:                    cdb,
		Direction:              DataRead,
		ExpectedTransferLength: uint32(blocks) * blockSize,
	}
}

func NewWrite10(logicalBlockAddress uint32, blocks uint16, blockSize uint32, data []byte) *Task {
	cdb := make([]byte, 10)
	cdb[0] = byte(Write10)
	binary.BigEndian.PutUint32(cdb[2:6], logicalBlockAddress)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return &Task{
		CDB:                    cdb,
		Direction:              DataWrite,
		ExpectedTransferLength: uint32(blocks) * blockSize,
		DataOut:                data,
	}
}

type ReadCapacity struct {
	LastLogicalBlockAddress uint32
	BlockSize               uint32
}

func (capacity ReadCapacity) Bytes() uint64 {
	return (uint64(capacity.LastLogicalBlockAddress) + 1) * uint64(capacity.BlockSize)
}

func ParseReadCapacity10(data []byte) (ReadCapacity, error) {
	if len(data) < 8 {
		return ReadCapacity{}, errors.Errorf("READ CAPACITY(10) data too short: %d bytes", len(data))
	}
	return ReadCapacity{
		LastLogicalBlockAddress: binary.BigEndian.Uint32(data[0:4]),
		BlockSize:               binary.BigEndian.Uint32(data[4:8]),
	}, nil
}

// ParseReportLuns returns the 8-byte LUN entries of REPORT LUNS data.
func ParseReportLuns(data []byte) ([]uint64, error) {
	if len(data) < 8 {
		return nil, errors.Errorf("REPORT LUNS data too short: %d bytes", len(data))
	}
	listLength := int(binary.BigEndian.Uint32(data[0:4]))
	entries := data[8:]
	if listLength < len(entries) {
		entries = entries[:listLength]
	}
	luns := make([]uint64, 0, len(entries)/8)
	for len(entries) >= 8 {
		luns = append(luns, binary.BigEndian.Uint64(entries[:8]))
		entries = entries[8:]
	}
	return luns, nil
}
