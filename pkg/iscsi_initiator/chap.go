// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CHAPAlgorithm values are the CHAP_A identifiers (rfc7143 12.1.3, rfc1994).
type CHAPAlgorithm int

const (
	CHAPMD5    CHAPAlgorithm = 5
	CHAPSHA1   CHAPAlgorithm = 6
	CHAPSHA256 CHAPAlgorithm = 7
)

var chapAlgorithms = map[CHAPAlgorithm]func() hash.Hash{
	CHAPMD5:    md5.New,
	CHAPSHA1:   sha1.New,
	CHAPSHA256: sha256.New,
}

var defaultCHAPAlgorithms = []CHAPAlgorithm{CHAPSHA256, CHAPSHA1, CHAPMD5}

func (algorithm CHAPAlgorithm) String() string {
	switch algorithm {
	case CHAPMD5:
		return "MD5"
	case CHAPSHA1:
		return "SHA1"
	case CHAPSHA256:
		return "SHA256"
	}
	return "CHAP_A(" + strconv.Itoa(int(algorithm)) + ")"
}

type chapPhase int

const (
	chapOffer chapPhase = iota
	chapSelectAlgorithm
	chapSendResponse
	chapDone
)

// chapState is the per-login CHAP exchange.
type chapState struct {
	phase     chapPhase
	algorithm CHAPAlgorithm
	// identifier and challenge we sent for mutual authentication
	identifier byte
	challenge  []byte
	verified   bool
}

func chapAlgorithmList(algorithms []CHAPAlgorithm) string {
	if len(algorithms) == 0 {
		algorithms = defaultCHAPAlgorithms
	}
	names := make([]string, 0, len(algorithms))
	for _, algorithm := range algorithms {
		names = append(names, strconv.Itoa(int(algorithm)))
	}
	return strings.Join(names, ",")
}

// chapResponse is H(identifier || secret || challenge) as in rfc1994 4.1.
func chapResponse(algorithm CHAPAlgorithm, identifier byte, secret string, challenge []byte) ([]byte, error) {
	newHash, ok := chapAlgorithms[algorithm]
	if !ok {
		return nil, errors.Errorf("unsupported chap algorithm %d", algorithm)
	}
	digest := newHash()
	digest.Write([]byte{identifier})
	digest.Write([]byte(secret))
	digest.Write(challenge)
	return digest.Sum(nil), nil
}

// decodeCHAPBinary parses the 0x (hex) and 0b (base64) encodings of rfc7143 6.1.
func decodeCHAPBinary(value string) ([]byte, error) {
	if len(value) < 2 {
		return nil, errors.Errorf("invalid chap binary value %q", value)
	}
	prefix, body := strings.ToLower(value[:2]), value[2:]
	switch prefix {
	case "0x":
		if len(body)%2 == 1 {
			body = "0" + body
		}
		decoded, err := hex.DecodeString(body)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid hex value %q", value)
		}
		return decoded, nil
	case "0b":
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid base64 value %q", value)
		}
		return decoded, nil
	}
	return nil, errors.Errorf("chap binary value %q has no 0x or 0b prefix", value)
}

func encodeCHAPBinary(data []byte) string {
	return "0x" + hex.EncodeToString(data)
}

func newCHAPChallenge(size int) (byte, []byte, error) {
	buffer := make([]byte, size+1)
	if _, err := rand.Read(buffer); err != nil {
		return 0, nil, errors.Wrap(err, "generate chap challenge")
	}
	return buffer[0], buffer[1:], nil
}

// answerChallenge answers the target's CHAP_A, CHAP_I and CHAP_C and,
// for mutual CHAP, adds our own identifier and challenge.
func (state *chapState) answerChallenge(config CHAPConfig, keys *KeyValueList, reply *KeyValueList) error {
	algorithmValue, ok := keys.get("CHAP_A")
	if !ok {
		return &AuthenticationError{Reason: "target did not select a CHAP_A algorithm"}
	}
	algorithmNumber, err := strconv.Atoi(algorithmValue)
	if err != nil {
		return &AuthenticationError{Reason: "invalid CHAP_A " + algorithmValue}
	}
	state.algorithm = CHAPAlgorithm(algorithmNumber)
	offered := config.Algorithms
	if len(offered) == 0 {
		offered = defaultCHAPAlgorithms
	}
	found := false
	for _, algorithm := range offered {
		if algorithm == state.algorithm {
			found = true
		}
	}
	if !found {
		return &AuthenticationError{Reason: "target selected CHAP_A " + algorithmValue + " which was not offered"}
	}
	identifierValue, ok := keys.get("CHAP_I")
	if !ok {
		return &AuthenticationError{Reason: "target sent no CHAP_I"}
	}
	identifier, err := strconv.ParseUint(identifierValue, 10, 8)
	if err != nil {
		return &AuthenticationError{Reason: "invalid CHAP_I " + identifierValue}
	}
	challengeValue, ok := keys.get("CHAP_C")
	if !ok {
		return &AuthenticationError{Reason: "target sent no CHAP_C"}
	}
	challenge, err := decodeCHAPBinary(challengeValue)
	if err != nil {
		return &AuthenticationError{Reason: err.Error()}
	}
	response, err := chapResponse(state.algorithm, byte(identifier), config.Password, challenge)
	if err != nil {
		return &AuthenticationError{Reason: err.Error()}
	}
	reply.add("CHAP_N", config.Username)
	reply.add("CHAP_R", encodeCHAPBinary(response))
	if !config.mutual() {
		return nil
	}
	size := chapAlgorithms[state.algorithm]().Size()
	state.identifier, state.challenge, err = newCHAPChallenge(size)
	if err != nil {
		return err
	}
	// rfc7143 12.1.3: a target must not reflect our challenge back, nor we theirs
	for bytes.Equal(state.challenge, challenge) {
		if state.identifier, state.challenge, err = newCHAPChallenge(size); err != nil {
			return err
		}
	}
	reply.add("CHAP_I", strconv.Itoa(int(state.identifier)))
	reply.add("CHAP_C", encodeCHAPBinary(state.challenge))
	return nil
}

// verifyTarget checks the target's answer to our mutual challenge.
func (state *chapState) verifyTarget(config CHAPConfig, keys *KeyValueList) error {
	name, ok := keys.get("CHAP_N")
	if !ok {
		return &AuthenticationError{Reason: "target sent no CHAP_N"}
	}
	if config.TargetUsername != "" && name != config.TargetUsername {
		return &AuthenticationError{Reason: "unexpected target CHAP_N " + name}
	}
	responseValue, ok := keys.get("CHAP_R")
	if !ok {
		return &AuthenticationError{Reason: "target sent no CHAP_R"}
	}
	response, err := decodeCHAPBinary(responseValue)
	if err != nil {
		return &AuthenticationError{Reason: err.Error()}
	}
	expected, err := chapResponse(state.algorithm, state.identifier, config.TargetPassword, state.challenge)
	if err != nil {
		return &AuthenticationError{Reason: err.Error()}
	}
	if subtle.ConstantTimeCompare(expected, response) != 1 {
		return &AuthenticationError{Reason: "target CHAP_R does not match"}
	}
	state.verified = true
	return nil
}
