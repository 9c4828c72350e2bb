// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotLoggedIn      = errors.New("session is not logged in")
	ErrQueueFull        = errors.New("too many queued commands")
	ErrCDBTooLong       = errors.New("cdb is longer than 16 bytes")
	ErrCommandNotFound  = errors.New("no such command")
	ErrSessionClosed    = errors.New("session is closed")
	ErrInvalidTransfer  = errors.New("data buffer does not match the expected transfer length")
	ErrLoginInProgress  = errors.New("login already in progress")
	ErrAlreadyLoggedOut = errors.New("session is logging out")
)

// TransportError is a connect, read or write failure of the connection.
type TransportError struct {
	Op    string
	Cause error
}

func (err *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %s", err.Op, err.Cause)
}

func (err *TransportError) Unwrap() error {
	return err.Cause
}

type ProtocolViolationError struct {
	Reason string
}

func (err *ProtocolViolationError) Error() string {
	return "iscsi protocol violation: " + err.Reason
}

func protocolViolation(format string, args ...interface{}) *ProtocolViolationError {
	return &ProtocolViolationError{Reason: fmt.Sprintf(format, args...)}
}

// LoginRejectedError reports a login response with a non-zero status class (rfc7143 11.13.5).
type LoginRejectedError struct {
	Class  uint8
	Detail uint8
}

func (err *LoginRejectedError) Error() string {
	return fmt.Sprintf("login rejected: %s (class 0x%02x, detail 0x%02x)",
		loginStatusToString(err.Class, err.Detail), err.Class, err.Detail)
}

// Temporary reports whether a later attempt may succeed. Initiator errors never do.
func (err *LoginRejectedError) Temporary() bool {
	return err.Class != loginStatusInitiatorError
}

type AuthenticationError struct {
	Reason string
}

func (err *AuthenticationError) Error() string {
	return "chap authentication failed: " + err.Reason
}

// RejectError carries the reason of a Reject PDU (rfc7143 11.17.1).
type RejectError struct {
	Reason byte
}

func (err *RejectError) Error() string {
	return fmt.Sprintf("pdu rejected by target: %s (0x%02x)", rejectReasonToString(err.Reason), err.Reason)
}

type TaskManagementError struct {
	Function TaskManagementFunction
	Response TaskManagementResponse
}

func (err *TaskManagementError) Error() string {
	return fmt.Sprintf("%s failed: %s", err.Function, err.Response)
}

// LogoutError is a Logout Response other than success (rfc7143 11.15.1).
type LogoutError struct {
	Response byte
}

func (err *LogoutError) Error() string {
	switch err.Response {
	case 1:
		return "logout failed: CID not found"
	case 2:
		return "logout failed: connection recovery is not supported"
	case 3:
		return "logout failed: cleanup failed"
	}
	return fmt.Sprintf("logout failed with response %d", err.Response)
}

type ReconnectFailedError struct {
	Attempts int
	Cause    error
}

func (err *ReconnectFailedError) Error() string {
	if err.Cause == nil {
		return fmt.Sprintf("reconnect failed after %d attempts", err.Attempts)
	}
	return fmt.Sprintf("reconnect failed after %d attempts: %s", err.Attempts, err.Cause)
}

func (err *ReconnectFailedError) Unwrap() error {
	return err.Cause
}

const (
	loginStatusSuccess        uint8 = 0x00
	loginStatusRedirect       uint8 = 0x01
	loginStatusInitiatorError uint8 = 0x02
	loginStatusTargetError    uint8 = 0x03
)

func loginStatusToString(class, detail uint8) string {
	switch class {
	case loginStatusSuccess:
		return "success"
	case loginStatusRedirect:
		switch detail {
		case 0x01:
			return "target moved temporarily"
		case 0x02:
			return "target moved permanently"
		}
		return "redirection"
	case loginStatusInitiatorError:
		switch detail {
		case 0x00:
			return "initiator error"
		case 0x01:
			return "authentication failure"
		case 0x02:
			return "authorization failure"
		case 0x03:
			return "target not found"
		case 0x04:
			return "target removed"
		case 0x05:
			return "unsupported version"
		case 0x06:
			return "too many connections"
		case 0x07:
			return "missing parameter"
		case 0x08:
			return "can't include in session"
		case 0x09:
			return "session type not supported"
		case 0x0a:
			return "session does not exist"
		case 0x0b:
			return "invalid request during login"
		}
		return "initiator error"
	case loginStatusTargetError:
		switch detail {
		case 0x01:
			return "service unavailable"
		case 0x02:
			return "out of resources"
		}
		return "target error"
	}
	return "unknown status"
}

func rejectReasonToString(reason byte) string {
	switch reason {
	case 0x02:
		return "data digest error"
	case 0x03:
		return "SNACK reject"
	case 0x04:
		return "protocol error"
	case 0x05:
		return "command not supported"
	case 0x06:
		return "immediate command reject"
	case 0x07:
		return "task in progress"
	case 0x08:
		return "invalid data ack"
	case 0x09:
		return "invalid PDU field"
	case 0x0a:
		return "long operation reject"
	case 0x0b:
		return "negotiation reset"
	case 0x0c:
		return "waiting for logout"
	}
	return "unknown reason"
}
