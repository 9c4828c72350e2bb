// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

//go:build linux

package transport

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func (config TCPConfig) control(network, address string, rawConn syscall.RawConn) error {
	var socketErr error
	err := rawConn.Control(func(fdPtr uintptr) {
		socketErr = config.setSocketOptions(int(fdPtr))
	})
	if err != nil {
		return errors.Wrapf(err, "access socket for %s", address)
	}
	return socketErr
}

func (config TCPConfig) setSocketOptions(fd int) error {
	if config.KeepAliveCount > 0 || config.KeepAliveInterval > 0 || config.KeepAliveIdle > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return errors.Wrap(err, "SO_KEEPALIVE")
		}
	}
	// number of probes
	if config.KeepAliveCount > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, config.KeepAliveCount); err != nil {
			return errors.Wrap(err, "TCP_KEEPCNT")
		}
	}
	// wait time after an unsuccessful probe
	if config.KeepAliveInterval > 0 {
		seconds := int(config.KeepAliveInterval.Seconds())
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, max(seconds, 1)); err != nil {
			return errors.Wrap(err, "TCP_KEEPINTVL")
		}
	}
	if config.KeepAliveIdle > 0 {
		seconds := int(config.KeepAliveIdle.Seconds())
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, max(seconds, 1)); err != nil {
			return errors.Wrap(err, "TCP_KEEPIDLE")
		}
	}
	if config.UserTimeout > 0 {
		milliseconds := int(config.UserTimeout.Milliseconds())
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, milliseconds); err != nil {
			return errors.Wrap(err, "TCP_USER_TIMEOUT")
		}
	}
	if config.SynCount > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_SYNCNT, config.SynCount); err != nil {
			return errors.Wrap(err, "TCP_SYNCNT")
		}
	}
	return nil
}
