// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var DigestCrc32c uint = 1 << 1
var DigestNone uint = 1 << 0
var DigestAll = DigestNone | DigestCrc32c

// DigestPreference is what the initiator offers for HeaderDigest or DataDigest.
type DigestPreference int

const (
	DigestNoneOnly DigestPreference = iota
	DigestPreferNone
	DigestPreferCRC32C
	DigestCRC32COnly
)

func (preference DigestPreference) String() string {
	switch preference {
	case DigestNoneOnly:
		return "None"
	case DigestPreferNone:
		return "None,CRC32C"
	case DigestPreferCRC32C:
		return "CRC32C,None"
	case DigestCRC32COnly:
		return "CRC32C"
	}
	return "None"
}

func (preference DigestPreference) mask() uint {
	mask, _ := digestKeyConv(preference.String())
	return mask
}

func ParseDigestPreference(value string) (DigestPreference, error) {
	for _, preference := range []DigestPreference{DigestNoneOnly, DigestPreferNone, DigestPreferCRC32C, DigestCRC32COnly} {
		if strings.EqualFold(strings.ReplaceAll(value, " ", ""), preference.String()) {
			return preference, nil
		}
	}
	switch strings.ToLower(value) {
	case "", "no", "false":
		return DigestNoneOnly, nil
	case "yes", "true", "crc32c":
		return DigestCRC32COnly, nil
	}
	return DigestNoneOnly, errors.Errorf("invalid digest preference %q", value)
}

// Parameters are the operational values in effect for a session.
type Parameters struct {
	HeaderDigest  bool
	DataDigest    bool
	InitialR2T    bool
	ImmediateData bool

	MaxBurstLength   uint32
	FirstBurstLength uint32
	// MaxRecvDataSegmentLength is what we declared, the limit for PDUs we receive.
	MaxRecvDataSegmentLength uint32
	// TargetMaxRecvDataSegmentLength is what the target declared, the limit for PDUs we send.
	TargetMaxRecvDataSegmentLength uint32

	DefaultTime2Wait    uint32
	DefaultTime2Retain  uint32
	MaxConnections      uint32
	MaxOutstandingR2T   uint32
	ErrorRecoveryLevel  uint32
	DataPDUInOrder      bool
	DataSequenceInOrder bool
	IFMarker            bool
	OFMarker            bool
}

// DefaultParameters returns the values that apply before any negotiation (rfc7143 13).
func DefaultParameters() Parameters {
	return Parameters{
		InitialR2T:                     true,
		ImmediateData:                  true,
		MaxBurstLength:                 262144,
		FirstBurstLength:               65536,
		MaxRecvDataSegmentLength:       8192,
		TargetMaxRecvDataSegmentLength: 8192,
		DefaultTime2Wait:               2,
		DefaultTime2Retain:             20,
		MaxConnections:                 1,
		MaxOutstandingR2T:              1,
		DataPDUInOrder:                 true,
		DataSequenceInOrder:            true,
	}
}

type KeyConvFunc func(value string) (uint, bool)
type KeyInConvFunc func(value uint) string

type negotiationRule int

const (
	// the result is the smaller of the offered and the answered value
	ruleMin negotiationRule = iota
	ruleMax
	ruleOr
	ruleAnd
	// each side announces its own limit
	ruleDeclarative
	// the answer must be one of the offered values
	ruleList
)

type paramField struct {
	get func(parameters *Parameters) uint
	set func(parameters *Parameters, value uint)
}

func numberField(field func(parameters *Parameters) *uint32) paramField {
	return paramField{
		get: func(parameters *Parameters) uint { return uint(*field(parameters)) },
		set: func(parameters *Parameters, value uint) { *field(parameters) = uint32(value) },
	}
}

func boolField(field func(parameters *Parameters) *bool) paramField {
	return paramField{
		get: func(parameters *Parameters) uint {
			if *field(parameters) {
				return 1
			}
			return 0
		},
		set: func(parameters *Parameters, value uint) { *field(parameters) = value != 0 },
	}
}

type iscsiSessionKeys struct {
	name   string
	rule   negotiationRule
	min    uint
	max    uint
	field  paramField
	conv   KeyConvFunc
	inConv KeyInConvFunc
	// discovery keys are also offered in discovery sessions
	discovery bool
}

func digestKeyConv(value string) (uint, bool) {
	var crc uint
	valueArray := strings.Split(value, ",")
	if len(valueArray) == 0 {
		return crc, false
	}
	for _, tmpV := range valueArray {
		if strings.EqualFold(tmpV, "crc32c") {
			crc |= DigestCrc32c
		} else if strings.EqualFold(tmpV, "none") {
			crc |= DigestNone
		} else {
			return crc, false
		}
	}
	return crc, true
}

func digestKeyInConv(value uint) string {
	if value == DigestCrc32c {
		return "CRC32C"
	}
	return "None"
}

func numberKeyConv(value string) (uint, bool) {
	v, err := strconv.ParseUint(value, 10, 32)
	if err == nil {
		return uint(v), true
	}
	return uint(0), false
}

func numberKeyInConv(value uint) string {
	return strconv.FormatUint(uint64(value), 10)
}

func boolKeyConv(value string) (uint, bool) {
	if strings.EqualFold(value, "yes") {
		return 1, true
	} else if strings.EqualFold(value, "no") {
		return 0, true
	}
	return 0, false
}

func boolKeyInConv(value uint) string {
	if value == 0 {
		return "No"
	}
	return "Yes"
}

// digestField stores DigestCrc32c as true.
func digestField(field func(parameters *Parameters) *bool) paramField {
	return paramField{
		get: func(parameters *Parameters) uint {
			if *field(parameters) {
				return DigestCrc32c
			}
			return DigestNone
		},
		set: func(parameters *Parameters, value uint) { *field(parameters) = value == DigestCrc32c },
	}
}

// sessionKeys lists the operational keys in the order they are offered.
var sessionKeys = []*iscsiSessionKeys{
	{"HeaderDigest", ruleList, DigestNone, DigestAll,
		digestField(func(p *Parameters) *bool { return &p.HeaderDigest }), digestKeyConv, digestKeyInConv, true},
	{"DataDigest", ruleList, DigestNone, DigestAll,
		digestField(func(p *Parameters) *bool { return &p.DataDigest }), digestKeyConv, digestKeyInConv, true},
	{"InitialR2T", ruleOr, 0, 1,
		boolField(func(p *Parameters) *bool { return &p.InitialR2T }), boolKeyConv, boolKeyInConv, false},
	{"ImmediateData", ruleAnd, 0, 1,
		boolField(func(p *Parameters) *bool { return &p.ImmediateData }), boolKeyConv, boolKeyInConv, false},
	{"MaxBurstLength", ruleMin, 512, 16777215,
		numberField(func(p *Parameters) *uint32 { return &p.MaxBurstLength }), numberKeyConv, numberKeyInConv, false},
	{"FirstBurstLength", ruleMin, 512, 16777215,
		numberField(func(p *Parameters) *uint32 { return &p.FirstBurstLength }), numberKeyConv, numberKeyInConv, false},
	{"MaxRecvDataSegmentLength", ruleDeclarative, 512, 16777215,
		numberField(func(p *Parameters) *uint32 { return &p.TargetMaxRecvDataSegmentLength }), numberKeyConv, numberKeyInConv, true},
	{"DefaultTime2Wait", ruleMax, 0, 3600,
		numberField(func(p *Parameters) *uint32 { return &p.DefaultTime2Wait }), numberKeyConv, numberKeyInConv, false},
	{"DefaultTime2Retain", ruleMin, 0, 3600,
		numberField(func(p *Parameters) *uint32 { return &p.DefaultTime2Retain }), numberKeyConv, numberKeyInConv, false},
	{"IFMarker", ruleAnd, 0, 1,
		boolField(func(p *Parameters) *bool { return &p.IFMarker }), boolKeyConv, boolKeyInConv, false},
	{"OFMarker", ruleAnd, 0, 1,
		boolField(func(p *Parameters) *bool { return &p.OFMarker }), boolKeyConv, boolKeyInConv, false},
	{"ErrorRecoveryLevel", ruleMin, 0, 2,
		numberField(func(p *Parameters) *uint32 { return &p.ErrorRecoveryLevel }), numberKeyConv, numberKeyInConv, false},
	{"MaxConnections", ruleMin, 1, 65535,
		numberField(func(p *Parameters) *uint32 { return &p.MaxConnections }), numberKeyConv, numberKeyInConv, false},
	{"MaxOutstandingR2T", ruleMin, 1, 65535,
		numberField(func(p *Parameters) *uint32 { return &p.MaxOutstandingR2T }), numberKeyConv, numberKeyInConv, false},
	{"DataPDUInOrder", ruleOr, 0, 1,
		boolField(func(p *Parameters) *bool { return &p.DataPDUInOrder }), boolKeyConv, boolKeyInConv, false},
	{"DataSequenceInOrder", ruleOr, 0, 1,
		boolField(func(p *Parameters) *bool { return &p.DataSequenceInOrder }), boolKeyConv, boolKeyInConv, false},
}

func lookupSessionKey(name string) *iscsiSessionKeys {
	for _, key := range sessionKeys {
		if key.name == name {
			return key
		}
	}
	return nil
}

func clamp(value, min, max uint) uint {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// negotiation merges target answers into what we offered.
type negotiation struct {
	offered       Parameters
	result        Parameters
	headerDigests uint
	dataDigests   uint
	answered      map[string]bool
	sent          bool
}

func newNegotiation(offered Parameters, headerDigest, dataDigest DigestPreference) *negotiation {
	return &negotiation{
		offered:       offered,
		result:        offered,
		headerDigests: headerDigest.mask(),
		dataDigests:   dataDigest.mask(),
		answered:      make(map[string]bool),
	}
}

// offer encodes the operational keys for the first operational login request.
func (n *negotiation) offer(discovery bool, keys *KeyValueList) {
	for _, key := range sessionKeys {
		if discovery && !key.discovery {
			continue
		}
		var value string
		switch key.name {
		case "HeaderDigest":
			value = digestOfferString(n.headerDigests)
		case "DataDigest":
			value = digestOfferString(n.dataDigests)
		case "MaxRecvDataSegmentLength":
			value = numberKeyInConv(uint(n.offered.MaxRecvDataSegmentLength))
		default:
			value = key.inConv(key.field.get(&n.offered))
		}
		keys.add(key.name, value)
	}
}

func digestOfferString(mask uint) string {
	switch mask {
	case DigestCrc32c:
		return "CRC32C"
	case DigestAll:
		return "CRC32C,None"
	}
	return "None"
}

// apply merges one answered key. Keys outside the operational table are ignored.
func (n *negotiation) apply(name, value string) error {
	key := lookupSessionKey(name)
	if key == nil {
		return nil
	}
	switch value {
	case "Irrelevant", "NotUnderstood", "Reject":
		n.answered[name] = true
		return nil
	}
	answer, ok := key.conv(value)
	if !ok {
		return &ProtocolViolationError{Reason: "invalid value " + value + " for key " + name}
	}
	offered := key.field.get(&n.offered)
	var merged uint
	switch key.rule {
	case ruleMin:
		merged = min(offered, answer)
	case ruleMax:
		merged = max(offered, answer)
	case ruleOr:
		merged = offered | answer
	case ruleAnd:
		merged = offered & answer
	case ruleDeclarative:
		merged = answer
	case ruleList:
		allowed := n.headerDigests
		if name == "DataDigest" {
			allowed = n.dataDigests
		}
		if answer != DigestNone && answer != DigestCrc32c || answer&allowed == 0 {
			return &ProtocolViolationError{Reason: "target selected " + value + " for " + name + " which was not offered"}
		}
		merged = answer
	}
	key.field.set(&n.result, clamp(merged, key.min, key.max))
	n.answered[name] = true
	return nil
}

func (n *negotiation) applyList(keys *KeyValueList) error {
	for _, keyValue := range keys.list {
		if err := n.apply(keyValue.key, keyValue.value); err != nil {
			return err
		}
	}
	return nil
}

// finish resolves the values that depend on each other once the target is done answering.
func (n *negotiation) finish() Parameters {
	result := n.result
	for _, name := range []string{"HeaderDigest", "DataDigest"} {
		if n.answered[name] {
			continue
		}
		// an unanswered digest falls back to None when we allowed it
		key := lookupSessionKey(name)
		key.field.set(&result, DigestNone)
	}
	if result.FirstBurstLength > result.MaxBurstLength {
		result.FirstBurstLength = result.MaxBurstLength
	}
	return result
}

// Negotiate merges the keys a target answered with the offered parameters.
func Negotiate(offered Parameters, headerDigest, dataDigest DigestPreference, response *KeyValueList) (Parameters, error) {
	n := newNegotiation(offered, headerDigest, dataDigest)
	if err := n.applyList(response); err != nil {
		return offered, errors.Wrap(err, "negotiate operational parameters")
	}
	return n.finish(), nil
}
