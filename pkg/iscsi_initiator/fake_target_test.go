// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"context"
	"encoding/binary"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"iscsiclient/pkg/scsi"
	"iscsiclient/pkg/transport"
)

const (
	testInitiatorName = "iqn.2024-01.org.example:initiator"
	testTargetName    = "iqn.2024-01.org.example:disk"
	testBlockSize     = 512
)

// targetRequest is a PDU received by the fake target.
type targetRequest struct {
	header pduHeader
	data   []byte
}

func (request *targetRequest) opCode() OpCode {
	return request.header.opCode()
}

func (request *targetRequest) itt() uint32 {
	return request.header.itt()
}

func (request *targetRequest) ttt() uint32 {
	return binary.BigEndian.Uint32(request.header[20:24])
}

func (request *targetRequest) cmdSN() uint32 {
	return request.header.cmdSN()
}

func (request *targetRequest) final() bool {
	return request.header[1]&flagFinal != 0
}

func (request *targetRequest) keys() *KeyValueList {
	return ParseIscsiKeyValue(request.data)
}

type pendingWrite struct {
	request  *targetRequest
	offset   uint64
	length   uint32
	received uint32
	buffer   []byte
}

// fakeTarget is a scripted iSCSI target on a PipeNetwork. It is driven by
// poll, either from the test goroutine or from serve.
type fakeTarget struct {
	t        *testing.T
	listener *transport.PipeListener
	conn     *transport.PipeConn
	inbound  []byte
	buffer   []byte

	connections int
	statSN      uint32
	expCmdSN    uint32
	window      uint32
	advertised  uint32
	tsih        uint16
	nextTTT     uint32

	headerDigest bool
	dataDigest   bool

	// answers are the operational keys the target declares
	answers map[string]string
	// chapSecret enables CHAP, mutualSecret is what the target answers with
	chapUser     string
	chapSecret   string
	mutualUser   string
	mutualSecret string
	chapAlgo     CHAPAlgorithm
	chapID       byte
	chapC        []byte
	// loginReject returns a non-zero status class to refuse the login of a connection
	loginReject func(connection int) (class, detail byte, keys *KeyValueList)

	disk       []byte
	dataInSize int
	writes     map[uint32]*pendingWrite
	// holdCommands parks SCSI commands in held instead of answering them
	holdCommands bool
	held         []*targetRequest
	// unitAttention answers the first SCSI command of each new connection with UNIT ATTENTION
	unitAttention bool
	uaPending     bool
	// handler sees every request first and returns true when it answered it
	handler func(target *fakeTarget, request *targetRequest) bool
	// corruptNext damages the wire bytes of the next PDU sent, then is cleared
	corruptNext func(wire []byte)

	targets   []DiscoveredTarget
	textChunk int
	textData  []byte

	scsiCommands []*targetRequest
	nopOuts      []*targetRequest
	loggedIn     bool
}

func newFakeTarget(t *testing.T, network *transport.PipeNetwork, address string) *fakeTarget {
	return &fakeTarget{
		t:        t,
		listener: network.Listen(address),
		statSN:   1000,
		window:   32,
		tsih:     7,
		nextTTT:  0x100,
		answers: map[string]string{
			"HeaderDigest":             "None",
			"DataDigest":               "None",
			"InitialR2T":               "No",
			"ImmediateData":            "Yes",
			"MaxBurstLength":           "262144",
			"FirstBurstLength":         "65536",
			"MaxRecvDataSegmentLength": "8192",
		},
		chapID:     0x2a,
		chapC:      []byte("0123456789abcdef"),
		disk:       make([]byte, 64*testBlockSize),
		dataInSize: 4096,
		writes:     make(map[uint32]*pendingWrite),
	}
}

func (target *fakeTarget) attach(conn *transport.PipeConn) {
	if target.conn != nil {
		target.conn.Close()
	}
	target.conn = conn
	target.inbound = nil
	target.connections++
	target.headerDigest = false
	target.dataDigest = false
	target.loggedIn = false
	target.uaPending = target.unitAttention
	target.writes = make(map[uint32]*pendingWrite)
}

// drop closes the connection the way a crashing target would.
func (target *fakeTarget) drop() {
	if target.conn != nil {
		target.conn.Close()
		target.conn = nil
	}
	target.held = nil
}

// poll accepts connections, reads what the initiator wrote and answers it.
func (target *fakeTarget) poll() {
	if conn, ok := target.listener.Accept(); ok {
		target.attach(conn)
	}
	if target.conn == nil {
		return
	}
	if target.buffer == nil {
		target.buffer = make([]byte, 65536)
	}
	for {
		read, err := target.conn.Read(target.buffer)
		target.inbound = append(target.inbound, target.buffer[:read]...)
		if err != nil {
			target.conn = nil
			break
		}
		if read == 0 {
			break
		}
	}
	for {
		request, ok := target.nextRequest()
		if !ok {
			return
		}
		target.handle(request)
	}
}

func (target *fakeTarget) nextRequest() (*targetRequest, bool) {
	headerLength := BasicHeaderSegmentSize
	if target.headerDigest {
		headerLength += DigestSize
	}
	if len(target.inbound) < headerLength {
		return nil, false
	}
	var header pduHeader
	copy(header[:], target.inbound)
	dataLength := header.dataSegmentLength()
	total := headerLength + paddedLength(dataLength)
	if target.dataDigest && dataLength > 0 {
		total += DigestSize
	}
	if len(target.inbound) < total {
		return nil, false
	}
	raw := target.inbound[:total]
	target.inbound = target.inbound[total:]
	if target.headerDigest {
		if readDigest(raw[BasicHeaderSegmentSize:]) != computeDigest(raw[:BasicHeaderSegmentSize]) {
			target.t.Errorf("header digest mismatch in %s", header.opCode())
		}
	}
	data := append([]byte(nil), raw[headerLength:headerLength+dataLength]...)
	if target.dataDigest && dataLength > 0 {
		padded := raw[headerLength : headerLength+paddedLength(dataLength)]
		if readDigest(raw[total-DigestSize:]) != computeDigest(padded) {
			target.t.Errorf("data digest mismatch in %s", header.opCode())
		}
	}
	return &targetRequest{header: header, data: data}, true
}

func (target *fakeTarget) handle(request *targetRequest) {
	op := request.opCode()
	if !request.header.immediate() && op != OpSCSIOut && op != OpLoginReq {
		cmdSN := request.cmdSN()
		if serialAfter(cmdSN, target.advertised) {
			target.t.Errorf("%s with CmdSN %d sent beyond MaxCmdSN %d", op, cmdSN, target.advertised)
		}
		if cmdSN == target.expCmdSN {
			target.expCmdSN++
		}
	}
	if target.handler != nil && target.handler(target, request) {
		return
	}
	switch op {
	case OpLoginReq:
		target.login(request)
	case OpSCSICmd:
		target.scsiCommands = append(target.scsiCommands, request)
		if target.holdCommands {
			target.held = append(target.held, request)
			return
		}
		target.execute(request)
	case OpSCSIOut:
		target.dataOut(request)
	case OpNoopOut:
		target.nopOuts = append(target.nopOuts, request)
		if request.itt() != reservedTag {
			target.sendNopIn(request.itt(), reservedTag, request.data)
		}
	case OpTextReq:
		target.text(request)
	case OpSCSITaskReq:
		target.sendTaskResponse(request, byte(TmfRspComplete))
	case OpLogoutReq:
		response := target.response(OpLogoutResp, request.itt())
		response[1] = flagFinal
		target.send(response, nil, true)
	default:
		target.t.Errorf("fake target got unexpected %s", op)
	}
}

func (target *fakeTarget) response(op OpCode, itt uint32) pduHeader {
	var header pduHeader
	header[0] = byte(op)
	binary.BigEndian.PutUint32(header[16:20], itt)
	binary.BigEndian.PutUint32(header[20:24], reservedTag)
	return header
}

// send stamps the sequence numbers, adds digests and padding, and writes the PDU.
func (target *fakeTarget) send(header pduHeader, data []byte, advance bool) {
	if target.conn == nil {
		return
	}
	header.setDataSegmentLength(len(data))
	binary.BigEndian.PutUint32(header[24:28], target.statSN)
	if advance {
		target.statSN++
	}
	target.advertised = target.expCmdSN + target.window - 1
	binary.BigEndian.PutUint32(header[28:32], target.expCmdSN)
	binary.BigEndian.PutUint32(header[32:36], target.advertised)

	wire := append([]byte(nil), header[:]...)
	if target.headerDigest {
		wire = binary.LittleEndian.AppendUint32(wire, computeDigest(header[:]))
	}
	padded := make([]byte, paddedLength(len(data)))
	copy(padded, data)
	wire = append(wire, padded...)
	if target.dataDigest && len(data) > 0 {
		wire = binary.LittleEndian.AppendUint32(wire, computeDigest(padded))
	}
	if target.corruptNext != nil {
		target.corruptNext(wire)
		target.corruptNext = nil
	}
	target.write(wire)
}

func (target *fakeTarget) write(wire []byte) {
	for len(wire) > 0 {
		written, err := target.conn.Write(wire)
		if err != nil {
			target.conn = nil
			return
		}
		if written == 0 {
			target.t.Fatalf("pipe buffer full")
		}
		wire = wire[written:]
	}
}

func (target *fakeTarget) login(request *targetRequest) {
	flags := request.header[1]
	stage := iSCSILoginStage(flags>>2) & 3
	transit := flags&flagLoginTransit != 0
	nextStage := iSCSILoginStage(flags & 3)
	keys := request.keys()
	reply := newKeyValueList()
	if request.header[14] == 0 && request.header[15] == 0 && stage == SecurityNegotiation {
		target.expCmdSN = request.cmdSN()
	}

	response := target.response(OpLoginResp, request.itt())
	copy(response[8:14], request.header[8:14])
	if target.loginReject != nil {
		if class, detail, rejectKeys := target.loginReject(target.connections); class != 0 {
			response[1] = byte(stage) << 2
			response[36] = class
			response[37] = detail
			var data []byte
			if rejectKeys != nil {
				data = UnparseIscsiKeyValue(rejectKeys)
			}
			target.send(response, data, true)
			return
		}
	}

	switch stage {
	case SecurityNegotiation:
		ok := target.security(keys, reply, &transit)
		if !ok {
			response[1] = byte(stage) << 2
			response[36] = loginStatusInitiatorError
			response[37] = 0x01
			target.send(response, nil, true)
			return
		}
	case LoginOperationalNegotiation:
		for _, keyValue := range keys.list {
			if answer, ok := target.answers[keyValue.key]; ok {
				reply.add(keyValue.key, answer)
			} else {
				reply.add(keyValue.key, keyValue.value)
			}
		}
	}
	response[1] = byte(stage) << 2
	final := false
	if transit {
		response[1] |= flagLoginTransit | byte(nextStage)
		final = nextStage == FullFeaturePhase
	}
	if final {
		binary.BigEndian.PutUint16(response[14:16], target.tsih)
	}
	target.send(response, UnparseIscsiKeyValue(reply), true)
	if final {
		target.loggedIn = true
		target.headerDigest = target.answers["HeaderDigest"] == "CRC32C"
		target.dataDigest = target.answers["DataDigest"] == "CRC32C"
	}
}

// security runs the target side of CHAP. It returns false on an authentication failure.
func (target *fakeTarget) security(keys *KeyValueList, reply *KeyValueList, transit *bool) bool {
	if name, ok := keys.get("CHAP_N"); ok {
		value, _ := keys.get("CHAP_R")
		response, err := decodeCHAPBinary(value)
		if err != nil || name != target.chapUser {
			return false
		}
		expected, _ := chapResponse(target.chapAlgo, target.chapID, target.chapSecret, target.chapC)
		if string(expected) != string(response) {
			return false
		}
		if idValue, ok := keys.get("CHAP_I"); ok {
			id, _ := strconv.Atoi(idValue)
			challengeValue, _ := keys.get("CHAP_C")
			challenge, _ := decodeCHAPBinary(challengeValue)
			answer, _ := chapResponse(target.chapAlgo, byte(id), target.mutualSecret, challenge)
			reply.add("CHAP_N", target.mutualUser)
			reply.add("CHAP_R", encodeCHAPBinary(answer))
		}
		return true
	}
	if algorithms, ok := keys.get("CHAP_A"); ok {
		first := strings.Split(algorithms, ",")[0]
		number, _ := strconv.Atoi(first)
		target.chapAlgo = CHAPAlgorithm(number)
		reply.add("CHAP_A", first)
		reply.add("CHAP_I", strconv.Itoa(int(target.chapID)))
		reply.add("CHAP_C", encodeCHAPBinary(target.chapC))
		*transit = false
		return true
	}
	if methods, ok := keys.get("AuthMethod"); ok {
		offered := strings.Split(methods, ",")
		if target.chapSecret == "" {
			reply.add("AuthMethod", "None")
			return true
		}
		for _, method := range offered {
			if method == "CHAP" {
				reply.add("AuthMethod", "CHAP")
				*transit = false
				return true
			}
		}
		return false
	}
	return true
}

func (target *fakeTarget) sendStatus(request *targetRequest, status byte, sense []byte) {
	response := target.response(OpSCSIResp, request.itt())
	response[1] = flagFinal
	response[3] = status
	var data []byte
	if len(sense) > 0 {
		data = binary.BigEndian.AppendUint16(nil, uint16(len(sense)))
		data = append(data, sense...)
	}
	target.send(response, data, true)
}

// sendDataIn splits data into Data-In PDUs, the last one carrying the status.
func (target *fakeTarget) sendDataIn(request *targetRequest, data []byte) {
	expected := binary.BigEndian.Uint32(request.header[20:24])
	var residual uint32
	underflow := false
	if uint32(len(data)) < expected {
		residual = expected - uint32(len(data))
		underflow = true
	}
	if uint32(len(data)) > expected {
		data = data[:expected]
	}
	var dataSN uint32
	for offset := 0; ; {
		size := min(len(data)-offset, target.dataInSize)
		last := offset+size == len(data)
		response := target.response(OpSCSIIn, request.itt())
		copy(response[8:16], request.header[8:16])
		if last {
			response[1] = flagFinal | flagDataStatus
			if underflow {
				response[1] |= flagDataResidualUnderflow
			}
			binary.BigEndian.PutUint32(response[44:48], residual)
		}
		binary.BigEndian.PutUint32(response[36:40], dataSN)
		binary.BigEndian.PutUint32(response[40:44], uint32(offset))
		target.send(response, data[offset:offset+size], last)
		dataSN++
		offset += size
		if last {
			return
		}
	}
}

func (target *fakeTarget) execute(request *targetRequest) {
	cdb := request.header[32:48]
	if target.uaPending {
		target.uaPending = false
		target.sendStatus(request, scsi.SamStatCheckCondition, scsi.BuildSenseData(scsi.UnitAttention, scsi.AscPowerOnOccurred))
		return
	}
	switch scsi.CommandType(cdb[0]) {
	case scsi.TestUnitReady:
		target.sendStatus(request, scsi.SamStatGood, nil)
	case scsi.ReadCapacity10:
		data := make([]byte, 8)
		binary.BigEndian.PutUint32(data[0:4], uint32(len(target.disk)/testBlockSize-1))
		binary.BigEndian.PutUint32(data[4:8], testBlockSize)
		target.sendDataIn(request, data)
	case scsi.Read10:
		offset := uint64(scsi.ReadWriteOffset(cdb[:10])) * testBlockSize
		length := uint64(scsi.ReadWriteCount(cdb[:10])) * testBlockSize
		target.sendDataIn(request, target.disk[offset:offset+length])
	case scsi.Write10:
		length := binary.BigEndian.Uint32(request.header[20:24])
		write := &pendingWrite{
			request: request,
			offset:  scsi.ReadWriteOffset(cdb[:10]) * testBlockSize,
			length:  length,
			buffer:  make([]byte, length),
		}
		copy(write.buffer, request.data)
		write.received = uint32(len(request.data))
		target.writes[request.itt()] = write
		target.progressWrite(write, request.final())
	default:
		target.sendStatus(request, scsi.SamStatCheckCondition, scsi.BuildSenseData(scsi.IllegalRequest, 0x2000))
	}
}

// progressWrite completes a write once all data arrived, or asks for the rest
// once the initiator finished its unsolicited burst.
func (target *fakeTarget) progressWrite(write *pendingWrite, burstDone bool) {
	if write.received == write.length {
		copy(target.disk[write.offset:], write.buffer)
		delete(target.writes, write.request.itt())
		target.sendStatus(write.request, scsi.SamStatGood, nil)
		return
	}
	if !burstDone {
		return
	}
	response := target.response(OpReady, write.request.itt())
	response[1] = flagFinal
	copy(response[8:16], write.request.header[8:16])
	binary.BigEndian.PutUint32(response[20:24], target.nextTTT)
	target.nextTTT++
	binary.BigEndian.PutUint32(response[40:44], write.received)
	binary.BigEndian.PutUint32(response[44:48], write.length-write.received)
	target.send(response, nil, false)
}

func (target *fakeTarget) dataOut(request *targetRequest) {
	write, ok := target.writes[request.itt()]
	if !ok {
		target.t.Errorf("Data-Out for unknown ITT 0x%x", request.itt())
		return
	}
	offset := binary.BigEndian.Uint32(request.header[40:44])
	copy(write.buffer[offset:], request.data)
	write.received += uint32(len(request.data))
	target.progressWrite(write, request.final())
}

func (target *fakeTarget) sendNopIn(itt, ttt uint32, data []byte) {
	response := target.response(OpNoopIn, itt)
	response[1] = flagFinal
	binary.BigEndian.PutUint32(response[20:24], ttt)
	target.send(response, data, itt != reservedTag)
}

func (target *fakeTarget) sendTaskResponse(request *targetRequest, result byte) {
	response := target.response(OpSCSITaskResp, request.itt())
	response[1] = flagFinal
	response[2] = result
	target.send(response, nil, true)
}

func (target *fakeTarget) sendAsync(event byte, lun uint64, parameters [3]uint16, data []byte) {
	response := target.response(OpAsync, reservedTag)
	response[1] = flagFinal
	response.setLUN(lun)
	response[36] = event
	binary.BigEndian.PutUint16(response[38:40], parameters[0])
	binary.BigEndian.PutUint16(response[40:42], parameters[1])
	binary.BigEndian.PutUint16(response[42:44], parameters[2])
	target.send(response, data, true)
}

func (target *fakeTarget) text(request *targetRequest) {
	keys := request.keys()
	if _, ok := keys.get("SendTargets"); ok {
		list := newKeyValueList()
		for _, discovered := range target.targets {
			list.add("TargetName", discovered.Name)
			for _, address := range discovered.Addresses {
				list.add("TargetAddress", address)
			}
		}
		target.textData = UnparseIscsiKeyValue(list)
	} else if request.ttt() == reservedTag {
		reply := newKeyValueList()
		for _, keyValue := range keys.list {
			if answer, ok := target.answers[keyValue.key]; ok {
				reply.add(keyValue.key, answer)
			}
		}
		target.textData = UnparseIscsiKeyValue(reply)
	}
	chunk := target.textData
	if target.textChunk > 0 && len(chunk) > target.textChunk {
		chunk = chunk[:target.textChunk]
	}
	target.textData = target.textData[len(chunk):]
	response := target.response(OpTextResp, request.itt())
	if len(target.textData) > 0 {
		response[1] = flagContinue
		binary.BigEndian.PutUint32(response[20:24], target.nextTTT)
		target.nextTTT++
	} else {
		response[1] = flagFinal
	}
	target.send(response, chunk, true)
}

// answerHeld executes every parked SCSI command.
func (target *fakeTarget) answerHeld() {
	held := target.held
	target.held = nil
	for _, request := range held {
		target.execute(request)
	}
}

// serve polls from a goroutine until the returned stop function is called.
func (target *fakeTarget) serve() (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			target.poll()
			time.Sleep(100 * time.Microsecond)
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (clock *fakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(duration)
}

func testConfig(network *transport.PipeNetwork, address string) Config {
	config := DefaultConfig()
	config.InitiatorName = testInitiatorName
	config.TargetName = testTargetName
	config.TargetAddress = address
	config.ReconnectBackoff = ReconnectBackoff{Initial: time.Millisecond, Max: 10 * time.Millisecond}
	config.NewTransport = func() Transport {
		return network.NewTransport()
	}
	return config
}

func newTestSession(t *testing.T, config Config) (*Session, *fakeClock) {
	session, err := NewSession(config)
	if err != nil {
		t.Fatalf("NewSession failed: %s", err)
	}
	clock := newFakeClock()
	session.now = clock.Now
	return session, clock
}

// drive services the session and the targets in turn until done returns true.
func drive(t *testing.T, session *Session, done func() bool, targets ...*fakeTarget) {
	t.Helper()
	for i := 0; i < 20000; i++ {
		if done() {
			return
		}
		_ = session.Service(EventRead | EventWrite)
		session.ServiceTimeouts()
		for _, target := range targets {
			target.poll()
		}
	}
	t.Fatalf("condition not reached, session is %s: %v", session.State(), session.Err())
}

func isDone(handle *Handle) func() bool {
	return func() bool {
		select {
		case <-handle.Done():
			return true
		default:
			return false
		}
	}
}

func allDone(handles []*Handle) func() bool {
	return func() bool {
		for _, handle := range handles {
			if !isDone(handle)() {
				return false
			}
		}
		return true
	}
}

// loggedIn connects the session and drives it to the full feature phase.
func loggedIn(t *testing.T, session *Session, targets ...*fakeTarget) {
	t.Helper()
	handle, err := session.ConnectAsync()
	if err != nil {
		t.Fatalf("ConnectAsync failed: %s", err)
	}
	drive(t, session, isDone(handle), targets...)
	if result := handle.Result(); result.Status != StatusGood {
		t.Fatalf("login failed: %s", result)
	}
	if state := session.State(); state != StateFullFeaturePhase {
		t.Fatalf("expected %s, got %s", StateFullFeaturePhase, state)
	}
}
