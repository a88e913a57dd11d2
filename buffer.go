// Copyright 2026 The msgbus Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package msgbus

import (
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// OwnedFD is a file descriptor owned by a Buffer. It is a borrowed handle
// parameterized by the owning Message's lifetime: callers that need the
// descriptor to outlive the callback must call TryClone rather than stash
// the *os.File returned by File.
type OwnedFD struct {
	f *os.File
}

func newOwnedFD(f *os.File) *OwnedFD { return &OwnedFD{f: f} }

// File returns the underlying descriptor. Do not close it directly; release
// the owning Buffer (or call TryClone first) instead.
func (o *OwnedFD) File() *os.File { return o.f }

// Fd returns the raw descriptor number.
func (o *OwnedFD) Fd() uintptr { return o.f.Fd() }

// TryClone duplicates the descriptor so the copy outlives the Buffer that
// currently owns it. The caller is responsible for closing the clone.
func (o *OwnedFD) TryClone() (*OwnedFD, error) {
	nfd, err := unix.Dup(int(o.f.Fd()))
	if err != nil {
		return nil, wireErr("clone_fd", ErrIO, err)
	}
	return newOwnedFD(os.NewFile(uintptr(nfd), o.f.Name())), nil
}

func (o *OwnedFD) close() error { return o.f.Close() }

// Buffer is a growable byte buffer with an attached, ordered set of owned
// file descriptors. It is reference-counted so a broadcast fan-out can share
// one copy of the bytes across many connections' write queues; Retain/Release
// use atomics so a future multi-loop extension stays sound without locks.
type Buffer struct {
	b    []byte
	fds  []*OwnedFD
	refs *int32
}

// NewBuffer returns an empty Buffer with an initial reference count of one.
func NewBuffer() *Buffer {
	refs := int32(1)
	return &Buffer{refs: &refs}
}

// Retain increments the reference count and returns buf, so call sites can
// write `enqueue(buf.Retain())`.
func (buf *Buffer) Retain() *Buffer {
	atomic.AddInt32(buf.refs, 1)
	return buf
}

// Release decrements the reference count. When it reaches zero the buffer's
// owned descriptors are closed. Release is safe to call from any goroutine;
// it does not touch loop-owned state.
func (buf *Buffer) Release() {
	if atomic.AddInt32(buf.refs, -1) == 0 {
		for _, fd := range buf.fds {
			fd.close()
		}
		buf.fds = nil
	}
}

// Len reports the number of encoded bytes currently in the buffer.
func (buf *Buffer) Len() int { return len(buf.b) }

// Bytes returns the buffer's backing slice. The slice is valid until the
// buffer is next written to or released.
func (buf *Buffer) Bytes() []byte { return buf.b }

// Truncate resets the buffer to length n, keeping the same backing array.
func (buf *Buffer) Truncate(n int) { buf.b = buf.b[:n] }

// Write appends p to the buffer, implementing io.Writer.
func (buf *Buffer) Write(p []byte) (int, error) {
	buf.b = append(buf.b, p...)
	return len(p), nil
}

// WriteByte appends a single byte.
func (buf *Buffer) WriteByte(c byte) error {
	buf.b = append(buf.b, c)
	return nil
}

// attachFD appends an owned descriptor, taking ownership of it.
func (buf *Buffer) attachFD(fd *OwnedFD) {
	buf.fds = append(buf.fds, fd)
}

// fdCount reports how many descriptors are attached.
func (buf *Buffer) fdCount() int { return len(buf.fds) }

// popFD removes and returns the oldest unconsumed descriptor, FIFO.
func (buf *Buffer) popFD() (*OwnedFD, bool) {
	if len(buf.fds) == 0 {
		return nil, false
	}
	fd := buf.fds[0]
	buf.fds = buf.fds[1:]
	return fd, true
}

// rawFDs exposes the raw descriptor numbers in FIFO order, for handing off
// to sendmsg/WriteMsgUnix. It does not consume them.
func (buf *Buffer) rawFDs() []int {
	if len(buf.fds) == 0 {
		return nil
	}
	out := make([]int, len(buf.fds))
	for i, fd := range buf.fds {
		out[i] = int(fd.Fd())
	}
	return out
}

// clone returns a deep copy of buf: fresh bytes, and every attached
// descriptor duplicated via TryClone. Used to implement the "deep copy with
// duplicated fds" rule for callers that retain a Message past its callback
// (Message.Clone).
func (buf *Buffer) clone() (*Buffer, error) {
	nb := NewBuffer()
	nb.b = append([]byte(nil), buf.b...)
	for _, fd := range buf.fds {
		cloned, err := fd.TryClone()
		if err != nil {
			nb.Release()
			return nil, err
		}
		nb.attachFD(cloned)
	}
	return nb, nil
}
