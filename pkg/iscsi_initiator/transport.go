// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"context"
	"strings"
)

// Transport is a non-blocking byte stream to the target.
type Transport interface {
	// Connect starts connecting. Progress is reported by Connected.
	Connect(ctx context.Context, address string) error
	Connected() (bool, error)
	// Read returns (0, nil) when nothing is buffered.
	Read(data []byte) (int, error)
	// Write may accept only a part of data.
	Write(data []byte) (int, error)
	// Fd is a descriptor an external poll loop may wait on, -1 when the
	// transport has none and Ready is the only readiness signal.
	Fd() int
	// Ready is signalled when the transport may have become readable or connected.
	Ready() <-chan struct{}
	Close() error
}

// EventMask is a set of poll events, as returned by WhichEvents and passed to Service.
type EventMask int

const (
	EventRead EventMask = 1 << iota
	EventWrite
	EventHangup
	EventError
)

func (mask EventMask) String() string {
	var names []string
	for _, event := range []struct {
		bit  EventMask
		name string
	}{{EventRead, "read"}, {EventWrite, "write"}, {EventHangup, "hangup"}, {EventError, "error"}} {
		if mask&event.bit != 0 {
			names = append(names, event.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
