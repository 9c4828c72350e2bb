// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"github.com/pkg/errors"
)

var errCanceled = errors.New("canceled")

// Cancel completes the request with StatusCanceled without telling the target.
// Use AbortTask to also abort it on the target.
func (session *Session) Cancel(handle *Handle) error {
	session.lock()
	defer session.unlock()
	p, ok := session.active[handle]
	if !ok {
		return ErrCommandNotFound
	}
	session.finish(p, Result{Status: StatusCanceled, Err: errCanceled})
	return nil
}

// CancelLUN cancels every request addressed to the logical unit and returns how many were canceled.
func (session *Session) CancelLUN(lun uint64) int {
	session.lock()
	defer session.unlock()
	return session.cancelLUN(lun, nil)
}

func (session *Session) cancelLUN(lun uint64, except *pdu) int {
	canceled := 0
	for _, p := range session.allPDUs() {
		if p == except || p.handle == nil || p.lun != lun || p.kind != kindSCSICommand {
			continue
		}
		session.finish(p, Result{Status: StatusCanceled, Err: errCanceled})
		canceled++
	}
	return canceled
}

// CancelAll cancels every outstanding request and returns how many were canceled.
func (session *Session) CancelAll() int {
	session.lock()
	defer session.unlock()
	canceled := 0
	for _, p := range session.allPDUs() {
		if p.handle == nil {
			continue
		}
		session.finish(p, Result{Status: StatusCanceled, Err: errCanceled})
		canceled++
	}
	return canceled
}
