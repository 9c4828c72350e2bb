// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"context"
	"strings"
	"time"

	"iscsiclient/pkg/logger"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
)

type iSCSILoginStage byte

const (
	SecurityNegotiation         iSCSILoginStage = 0
	LoginOperationalNegotiation iSCSILoginStage = 1
	FullFeaturePhase            iSCSILoginStage = 3
)

func (s iSCSILoginStage) String() string {
	switch s {
	case SecurityNegotiation:
		return "Security Negotiation"
	case LoginOperationalNegotiation:
		return "Login Operational Negotiation"
	case FullFeaturePhase:
		return "Full Feature Phase"
	}
	return "Unknown Stage"
}

const maxRedirects = 8

// ConnectAsync starts connecting and logging in. The returned handle
// completes when the full feature phase is reached or the login fails.
func (session *Session) ConnectAsync() (*Handle, error) {
	session.lock()
	defer session.unlock()
	if session.state != StateDisconnected {
		return nil, ErrLoginInProgress
	}
	session.loginHandle = newHandle(nil)
	session.address = session.config.TargetAddress
	session.lastErr = nil
	session.everLoggedIn = false
	session.recovering = false
	session.retryCount = 0
	session.redirects = 0
	session.startConnect()
	return session.loginHandle, nil
}

// Login connects and logs in, retrying failed attempts with the reconnect backoff.
// Rejections that a retry cannot fix are returned at once.
func (session *Session) Login(ctx context.Context) error {
	log := logger.GetLogger()
	if session.State() == StateFullFeaturePhase {
		return nil
	}
	backoff := session.config.ReconnectBackoff
	delayType := retry.FixedDelay
	if backoff.Exponential {
		delayType = retry.BackOffDelay
	}
	return retry.Do(
		func() error {
			handle, err := session.ConnectAsync()
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if err := session.waitDone(ctx, handle.Done()); err != nil {
				session.abortLogin(err)
				return retry.Unrecoverable(err)
			}
			result := handle.Result()
			if result.Status != StatusGood {
				return result.Err
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(session.config.LoginRetries+1),
		retry.Delay(backoff.Initial),
		retry.MaxDelay(backoff.Max),
		retry.DelayType(delayType),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryableLoginError),
		retry.OnRetry(func(attempt uint, err error) {
			log.Warnf("Login attempt %d to %s failed: %s", attempt+1, session.config.TargetAddress, err)
		}),
	)
}

func isRetryableLoginError(err error) bool {
	var rejected *LoginRejectedError
	if errors.As(err, &rejected) {
		return rejected.Temporary()
	}
	var authentication *AuthenticationError
	return !errors.As(err, &authentication)
}

func (session *Session) abortLogin(err error) {
	session.lock()
	defer session.unlock()
	switch session.state {
	case StateDisconnected, StateFullFeaturePhase:
		return
	}
	session.terminate(StatusConnectionLost, errors.Wrap(err, "login aborted"))
}

func (session *Session) startConnect() {
	log := logger.GetLogger()
	session.closeTransport()
	transport := session.config.NewTransport()
	session.transport = transport
	session.state = StateConnecting
	if session.config.LoginTimeout > 0 {
		session.loginDeadline = session.now().Add(session.config.LoginTimeout)
	}
	ctx, cancel := context.WithCancel(context.Background())
	session.connectCancel = cancel
	log.Infof("Connecting to %s", session.address)
	if err := transport.Connect(ctx, session.address); err != nil {
		session.connectionFailed(&TransportError{Op: "connect", Cause: err})
		return
	}
	if err := session.pollConnect(); err != nil {
		session.connectionFailed(err)
	}
	session.signalWake()
}

func (session *Session) pollConnect() error {
	connected, err := session.transport.Connected()
	if err != nil {
		return &TransportError{Op: "connect", Cause: err}
	}
	if !connected {
		return nil
	}
	logger.GetLogger().Debugf("Connected to %s", session.address)
	session.beginLogin()
	return nil
}

func (session *Session) closeTransport() {
	if session.transport == nil {
		return
	}
	if session.connectCancel != nil {
		session.connectCancel()
		session.connectCancel = nil
	}
	if err := session.transport.Close(); err != nil {
		logger.GetLogger().Debugf("Closing transport to %s: %s", session.address, err)
	}
	session.transport = nil
	session.incoming = nil
	session.corked = false
}

func (session *Session) beginLogin() {
	session.corked = false
	session.incoming = nil
	session.tsih = 0
	session.statSNValid = false
	session.headerDigest = false
	session.dataDigest = false
	session.params = DefaultParameters()
	session.negotiation = newNegotiation(session.config.offeredParameters(), session.config.HeaderDigest, session.config.DataDigest)
	session.chap = chapState{}
	session.currentStage = SecurityNegotiation
	session.state = StateLoginSecurityNegotiation

	keys := newKeyValueList()
	keys.add("InitiatorName", session.config.InitiatorName)
	if session.config.InitiatorAlias != "" {
		keys.add("InitiatorAlias", session.config.InitiatorAlias)
	}
	if session.config.SessionType == SessionNormal {
		keys.add("TargetName", session.config.TargetName)
	}
	keys.add("SessionType", session.config.SessionType.String())
	if session.config.CHAP.enabled() {
		keys.add("AuthMethod", "CHAP,None")
		session.sendLoginRequest(keys, false, LoginOperationalNegotiation)
		return
	}
	keys.add("AuthMethod", "None")
	session.sendLoginRequest(keys, true, LoginOperationalNegotiation)
}

// sendLoginRequest queues a login request for the current stage (rfc7143 11.12).
func (session *Session) sendLoginRequest(keys *KeyValueList, transit bool, nextStage iSCSILoginStage) {
	p := newPDU(OpLoginReq, OpLoginResp, true, kindLogin)
	flags := byte(session.currentStage) << 2
	if transit {
		flags |= flagLoginTransit | byte(nextStage)
	}
	p.header.setFlags(flags)
	p.header.setISID(session.config.ISID)
	p.header.setTSIH(session.tsih)
	p.setITT(session.nextITT())
	p.header.setCID(0)
	p.setCmdSN(session.takeCmdSN(true))
	p.setPayload(UnparseIscsiKeyValue(keys))
	p.flags = pduCorkWhenSent | pduDropOnReconnect
	session.enqueue(p)
}

func (session *Session) sendOperationalRequest() {
	keys := newKeyValueList()
	if !session.negotiation.sent {
		session.negotiation.offer(session.config.SessionType == SessionDiscovery, keys)
		session.negotiation.sent = true
	}
	session.sendLoginRequest(keys, true, FullFeaturePhase)
}

func (session *Session) processLoginResponse(p *pdu, command *ISCSICommand, data []byte) error {
	log := logger.GetLogger()
	session.unlink(p)
	session.corked = false
	if !serialBefore(command.MaxCmdSN, command.ExpCmdSN-1) {
		session.expCmdSN = command.ExpCmdSN
		session.maxCmdSN = command.MaxCmdSN
	}
	keys := ParseIscsiKeyValue(data)
	if command.StatusClass != loginStatusSuccess {
		session.loginRejected(command, keys)
		return nil
	}
	switch session.currentStage {
	case SecurityNegotiation:
		if command.CurrentStage != SecurityNegotiation {
			return protocolViolation("login response in stage %s during %s", command.CurrentStage, session.currentStage)
		}
		reply, transit, err := session.processSecurityData(keys, command)
		if err != nil {
			session.loginFailed(err)
			return nil
		}
		if command.Transit {
			if session.config.CHAP.mutual() && !session.chap.verified {
				session.loginFailed(&AuthenticationError{Reason: "target left security negotiation without authenticating itself"})
				return nil
			}
			if command.NextStage == FullFeaturePhase {
				session.enterFullFeature(command.TSIH)
				return nil
			}
			session.currentStage = LoginOperationalNegotiation
			session.state = StateLoginOperationalNegotiation
			session.sendOperationalRequest()
			return nil
		}
		if reply == nil {
			return protocolViolation("target stalled security negotiation")
		}
		session.sendLoginRequest(reply, transit, LoginOperationalNegotiation)
	case LoginOperationalNegotiation:
		if command.CurrentStage != LoginOperationalNegotiation {
			return protocolViolation("login response in stage %s during %s", command.CurrentStage, session.currentStage)
		}
		if err := session.negotiation.applyList(keys); err != nil {
			session.loginFailed(err)
			return nil
		}
		if command.Transit && command.NextStage == FullFeaturePhase {
			session.enterFullFeature(command.TSIH)
			return nil
		}
		log.Debugf("Target continues operational negotiation")
		session.sendOperationalRequest()
	default:
		return protocolViolation("login response in %s", session.currentStage)
	}
	return nil
}

// processSecurityData advances the CHAP exchange and returns the keys of the next request.
func (session *Session) processSecurityData(keys *KeyValueList, command *ISCSICommand) (*KeyValueList, bool, error) {
	chap := session.config.CHAP
	switch session.chap.phase {
	case chapOffer:
		method, _ := keys.get("AuthMethod")
		switch method {
		case "CHAP":
			if !chap.enabled() {
				return nil, false, &AuthenticationError{Reason: "target requires CHAP but no credentials are configured"}
			}
			reply := newKeyValueList()
			reply.add("CHAP_A", chapAlgorithmList(chap.Algorithms))
			session.chap.phase = chapSelectAlgorithm
			return reply, false, nil
		case "None", "":
			if chap.mutual() {
				return nil, false, &AuthenticationError{Reason: "target declined CHAP but mutual authentication is required"}
			}
			session.chap.phase = chapDone
			return newKeyValueList(), true, nil
		default:
			return nil, false, &AuthenticationError{Reason: "unsupported AuthMethod " + method}
		}
	case chapSelectAlgorithm:
		reply := newKeyValueList()
		if err := session.chap.answerChallenge(chap, keys, reply); err != nil {
			return nil, false, err
		}
		session.chap.phase = chapSendResponse
		return reply, true, nil
	case chapSendResponse:
		if chap.mutual() {
			if err := session.chap.verifyTarget(chap, keys); err != nil {
				return nil, false, err
			}
		}
		session.chap.phase = chapDone
	}
	return newKeyValueList(), true, nil
}

func (session *Session) loginRejected(command *ISCSICommand, keys *KeyValueList) {
	log := logger.GetLogger()
	if command.StatusClass == loginStatusRedirect {
		if address, ok := keys.get("TargetAddress"); ok && session.redirects < maxRedirects {
			// TargetAddress=domainname[:port][,portal-group-tag]
			if comma := strings.LastIndex(address, ","); comma >= 0 {
				address = address[:comma]
			}
			session.redirects++
			session.address = withDefaultPort(address)
			log.Infof("Target %s redirected login to %s", session.config.TargetName, session.address)
			session.closeTransport()
			session.state = StateReconnecting
			session.reconnectAt = session.now()
			session.signalWake()
			return
		}
	}
	err := &LoginRejectedError{Class: command.StatusClass, Detail: command.StatusDetail}
	log.Errorf("Login to %s failed: %s", session.address, err)
	session.loginFailed(err)
}

// loginFailed retries temporary failures through the reconnect logic and ends the session otherwise.
func (session *Session) loginFailed(err error) {
	var rejected *LoginRejectedError
	if errors.As(err, &rejected) && rejected.Temporary() {
		session.connectionFailed(err)
		return
	}
	session.terminate(StatusConnectionLost, err)
}

func (session *Session) enterFullFeature(tsih uint16) {
	log := logger.GetLogger()
	params := session.negotiation.finish()
	session.params = params
	session.tsih = tsih
	session.headerDigest = params.HeaderDigest
	session.dataDigest = params.DataDigest
	session.currentStage = FullFeaturePhase
	session.state = StateFullFeaturePhase
	session.loginDeadline = time.Time{}
	session.everLoggedIn = true
	session.retryCount = 0
	session.redirects = 0
	session.recovering = false
	session.nopsInFlight = 0
	if session.config.NopInterval > 0 {
		session.nextNop = session.now().Add(session.config.NopInterval)
	}
	log.Infof("Logged in to %s at %s, TSIH %d", session.config.TargetName, session.address, tsih)
	session.requeueHeld()
	if session.loginHandle != nil {
		session.completions = append(session.completions, completion{handle: session.loginHandle, result: Result{Status: StatusGood}})
		session.loginHandle = nil
	}
}
