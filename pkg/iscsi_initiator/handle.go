// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"iscsiclient/pkg/scsi"
)

// Status is the outcome of a submitted request.
type Status int

const (
	StatusGood Status = iota
	StatusCheckCondition
	StatusCanceled
	StatusTimeout
	StatusConnectionLost
	StatusRejected
	StatusError
)

var statusNames = map[Status]string{
	StatusGood:           "good",
	StatusCheckCondition: "check condition",
	StatusCanceled:       "canceled",
	StatusTimeout:        "timeout",
	StatusConnectionLost: "connection lost",
	StatusRejected:       "rejected",
	StatusError:          "error",
}

func (status Status) String() string {
	if name, ok := statusNames[status]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(status))
}

// Result is delivered exactly once per handle.
type Result struct {
	Status Status
	// SCSIStatus is the SAM status byte of a SCSI command.
	SCSIStatus byte
	Sense      *scsi.Sense
	// Data holds Data-In of SCSI reads, the payload of text and NOP replies.
	Data     []byte
	Residual uint32
	Err      error
}

func (result Result) String() string {
	if result.Err != nil {
		return fmt.Sprintf("%s: %s", result.Status, result.Err)
	}
	return result.Status.String()
}

type Callback func(handle *Handle, result Result)

// Handle tracks one submitted request until it completes.
type Handle struct {
	id       uint64
	itt      atomic.Uint32
	done     chan struct{}
	once     sync.Once
	result   Result
	callback Callback
}

var handleIDs atomic.Uint64

func newHandle(callback Callback) *Handle {
	return &Handle{
		id:       handleIDs.Add(1),
		done:     make(chan struct{}),
		callback: callback,
	}
}

// ID stays the same for the life of the request, also across reconnects.
func (handle *Handle) ID() uint64 {
	return handle.id
}

// ITT is the task tag of the current PDU. It changes when the request is requeued.
func (handle *Handle) ITT() uint32 {
	return handle.itt.Load()
}

func (handle *Handle) Done() <-chan struct{} {
	return handle.done
}

// Result is only valid after Done is closed.
func (handle *Handle) Result() Result {
	select {
	case <-handle.done:
		return handle.result
	default:
		return Result{Status: StatusError, Err: fmt.Errorf("request %d is still in progress", handle.id)}
	}
}

func (handle *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-handle.done:
		return handle.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// complete publishes the result and runs the callback. It is called without the session lock.
func (handle *Handle) complete(result Result) bool {
	completed := false
	handle.once.Do(func() {
		handle.result = result
		close(handle.done)
		completed = true
	})
	if completed && handle.callback != nil {
		handle.callback(handle, result)
	}
	return completed
}

type completion struct {
	handle *Handle
	result Result
}
