// Copyright 2026 The msgbus Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !linux

package msgbus

// PeerCredentials holds the identity of the process on the other end of a
// Unix-domain Connection. Only populated on platforms that support
// SO_PEERCRED-style lookups.
type PeerCredentials struct {
	PID int32
	UID uint32
	GID uint32
}

// PeerCredentials is unsupported outside Linux in this build.
func (c *Connection) PeerCredentials() (PeerCredentials, error) {
	return PeerCredentials{}, wireErr("peer_credentials", ErrUnsupported, nil)
}
