// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"bytes"
)

// uint64FromByte parses the given slice as a network-byte-ordered integer.  If
// there are more than 8 bytes in data, it overflows.
func uint64FromByte(data []byte) uint64 {
	var out uint64
	for i := 0; i < len(data); i++ {
		out += uint64(data[len(data)-i-1]) << uint(8*i)
	}
	return out
}

type KeyValue struct {
	key   string
	value string
}

func (keyValue KeyValue) toByte() []byte {
	return []byte(keyValue.key + "=" + keyValue.value)
}

// KeyValueList keeps the keys in wire order. SendTargets responses repeat
// TargetName and TargetAddress, so a map would lose information.
type KeyValueList struct {
	list []KeyValue
}

func newKeyValueList() *KeyValueList {
	return &KeyValueList{list: []KeyValue{}}
}

func (kVList *KeyValueList) add(key, value string) {
	kVList.list = append(kVList.list, KeyValue{
		key:   key,
		value: value,
	})
}

// get returns the last value of the key.
func (kVList *KeyValueList) get(key string) (string, bool) {
	for i := len(kVList.list) - 1; i >= 0; i-- {
		if kVList.list[i].key == key {
			return kVList.list[i].value, true
		}
	}
	return "", false
}

func (kVList KeyValueList) Length() int {
	return len(kVList.list)
}

// ParseIscsiKeyValue parses iSCSI key value data.
func ParseIscsiKeyValue(data []byte) *KeyValueList {
	result := newKeyValueList()
	splitData := bytes.Split(data, []byte{0})
	for _, keyValuePair := range splitData {
		keyValue := bytes.SplitN(keyValuePair, []byte("="), 2)
		if len(keyValue) != 2 {
			continue
		}
		result.add(string(keyValue[0]), string(keyValue[1]))
	}
	return result
}

// UnparseIscsiKeyValue encodes the list as NUL terminated key=value pairs.
func UnparseIscsiKeyValue(kv *KeyValueList) []byte {
	var buffer bytes.Buffer
	for _, keyValue := range kv.list {
		buffer.Write(keyValue.toByte())
		buffer.WriteByte(0)
	}
	return buffer.Bytes()
}

func paddedLength(length int) int {
	return (length + DataPadding - 1) &^ (DataPadding - 1)
}
