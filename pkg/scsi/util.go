// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import "encoding/binary"

// ReadWriteOffset returns the LBA of a READ/WRITE/SYNCHRONIZE CACHE CDB, zero for other commands.
func ReadWriteOffset(cdb []byte) uint64 {
	if len(cdb) == 0 {
		return 0
	}
	switch CommandType(cdb[0]) {
	case Read10, Write10, SynchronizeCache10:
		if len(cdb) < 10 {
			return 0
		}
		return uint64(binary.BigEndian.Uint32(cdb[2:]))
	case Read16, Write16, WriteSame16, SynchronizeCache16:
		if len(cdb) < 16 {
			return 0
		}
		return binary.BigEndian.Uint64(cdb[2:])
	default:
		return uint64(0)
	}
}

func ReadWriteCount(cdb []byte) uint32 {
	if len(cdb) == 0 {
		return 0
	}
	switch CommandType(cdb[0]) {
	case Read10, Write10, SynchronizeCache10:
		if len(cdb) < 10 {
			return 0
		}
		return uint32(binary.BigEndian.Uint16(cdb[7:]))
	case Read16, Write16, WriteSame16, SynchronizeCache16:
		if len(cdb) < 16 {
			return 0
		}
		return binary.BigEndian.Uint32(cdb[10:])
	default:
		return uint32(0)
	}
}
