// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"encoding/binary"
	"hash/crc32"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Digest is a running CRC32C value.
type Digest struct {
	crc uint32
}

func NewDigest() Digest {
	return Digest{crc: 0}
}

func (digest Digest) Update(data []byte) Digest {
	return Digest{crc: crc32.Update(digest.crc, castagnoliTable, data)}
}

func (digest Digest) Finalize() uint32 {
	return digest.crc
}

func computeDigest(data []byte) uint32 {
	return NewDigest().Update(data).Finalize()
}

// The digest is transmitted least significant byte first.
func putDigest(buffer []byte, value uint32) {
	binary.LittleEndian.PutUint32(buffer, value)
}

func readDigest(buffer []byte) uint32 {
	return binary.LittleEndian.Uint32(buffer)
}
