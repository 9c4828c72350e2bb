// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

//go:build !linux

package transport

import (
	"syscall"

	"iscsiclient/pkg/logger"
)

func (config TCPConfig) control(network, address string, rawConn syscall.RawConn) error {
	if config.KeepAliveCount > 0 || config.UserTimeout > 0 || config.SynCount > 0 {
		logger.GetLogger().Warn("tcp keepalive, user timeout and syn count are only applied on linux")
	}
	return nil
}
