// Copyright 2026 The msgbus Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package msgbus

import (
	"golang.org/x/sys/unix"
)

// PeerCredentials holds the identity of the process on the other end of a
// Unix-domain Connection, as reported by the kernel at connect/accept time.
type PeerCredentials struct {
	PID int32
	UID uint32
	GID uint32
}

// PeerCredentials returns the credentials of the peer process for a
// Unix-domain connection. It returns ErrUnsupported for any other transport.
func (c *Connection) PeerCredentials() (PeerCredentials, error) {
	if c.uc == nil {
		return PeerCredentials{}, wireErr("peer_credentials", ErrUnsupported, nil)
	}
	raw, err := c.uc.SyscallConn()
	if err != nil {
		return PeerCredentials{}, wireErr("peer_credentials", ErrIO, err)
	}
	var ucred *unix.Ucred
	var opErr error
	err = raw.Control(func(fd uintptr) {
		ucred, opErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return PeerCredentials{}, wireErr("peer_credentials", ErrIO, err)
	}
	if opErr != nil {
		return PeerCredentials{}, wireErr("peer_credentials", ErrIO, opErr)
	}
	return PeerCredentials{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}, nil
}
