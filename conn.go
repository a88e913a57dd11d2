// Copyright 2026 The msgbus Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package msgbus

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

func fdToFile(fd int) *os.File { return os.NewFile(uintptr(fd), "") }

// ConnState is the Connecting -> Established -> Closing -> Closed state
// machine.
type ConnState uint8

const (
	StateConnecting ConnState = iota
	StateEstablished
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const readChunk = 32 * 1024

// Connection is a per-socket nonblocking framer: it reassembles frames
// across read calls, queues outbound Buffers in send order, and — on a
// *net.UnixConn — carries ancillary file descriptors alongside the bytes
// that declared them.
//
// Every blocking syscall lives in one of two dedicated goroutines (reader,
// writer); the Connection's framing and queue state is mutated only by the
// Loop goroutine that drains the events they post, which is the idiomatic
// Go stand-in for a single-threaded epoll/kqueue loop.
type Connection struct {
	nc net.Conn
	uc *net.UnixConn // non-nil when ancillary fd transfer is available

	mu             sync.Mutex // guards state and the overflow fields; framing/queue fields are loop-owned
	state          ConnState
	overflow       []*Buffer
	overflowActive bool

	readBuf    []byte
	pendingFDs []*OwnedFD

	writeQueue []*Buffer
	writeJobs  chan *Buffer
	done       chan struct{}
	closeOnce  sync.Once

	localAddr  net.Addr
	remoteAddr net.Addr

	ctx *Context
}

func newConnection(nc net.Conn, state ConnState) *Connection {
	c := &Connection{
		nc:         nc,
		state:      state,
		localAddr:  nc.LocalAddr(),
		remoteAddr: nc.RemoteAddr(),
		writeJobs:  make(chan *Buffer, 16),
		done:       make(chan struct{}),
	}
	if uc, ok := nc.(*net.UnixConn); ok {
		c.uc = uc
	}
	return c
}

// LocalAddr and RemoteAddr mirror net.Conn.
func (c *Connection) LocalAddr() net.Addr  { return c.localAddr }
func (c *Connection) RemoteAddr() net.Addr { return c.remoteAddr }

// State reports the current connection state. Safe from any goroutine.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// markClosed transitions to Closed, reporting whether this call performed
// the transition. A false return means the connection was already torn down
// and the caller must not tear it down again.
func (c *Connection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.state = StateClosed
	return true
}

// SupportsFDs reports whether this connection can carry ancillary file
// descriptors (true only for Unix-domain sockets).
func (c *Connection) SupportsFDs() bool { return c.uc != nil }

// enqueue appends buf to the write queue and hands it to the writer
// goroutine. Called only from the Loop goroutine.
func (c *Connection) enqueue(buf *Buffer) error {
	if buf.fdCount() > 0 && c.uc == nil {
		buf.Release()
		return wireErr("send", ErrUnsupported, nil)
	}
	if s := c.State(); s == StateClosing || s == StateClosed {
		buf.Release()
		return wireErr("send", ErrNotConnected, nil)
	}
	c.writeQueue = append(c.writeQueue, buf)

	// While an overflow drain is active, every new buffer must join the
	// overflow list behind the ones already waiting; a direct channel send
	// here would overtake them and break per-connection send order.
	c.mu.Lock()
	if c.overflowActive {
		c.overflow = append(c.overflow, buf)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	select {
	case c.writeJobs <- buf:
	default:
		// The channel is sized generously (16); a full channel means the
		// writer goroutine has stalled badly (e.g. the peer vanished and
		// the OS send buffer is full). Hand the backlog to one drain
		// goroutine that feeds the writer sequentially rather than
		// deadlock the loop.
		c.mu.Lock()
		c.overflow = append(c.overflow, buf)
		c.overflowActive = true
		c.mu.Unlock()
		go c.drainOverflow()
	}
	return nil
}

// drainOverflow feeds backed-up buffers to the writer goroutine one at a
// time, in the order they were enqueued. At most one drainOverflow runs per
// connection, so blocked handoffs can never race each other out of order. It
// exits when the backlog is empty or the connection is torn down.
func (c *Connection) drainOverflow() {
	for {
		c.mu.Lock()
		if len(c.overflow) == 0 {
			c.overflowActive = false
			c.mu.Unlock()
			return
		}
		buf := c.overflow[0]
		c.overflow = c.overflow[1:]
		c.mu.Unlock()

		select {
		case c.writeJobs <- buf:
		case <-c.done:
			return
		}
	}
}

// queueLen reports the number of buffers still queued to be written.
func (c *Connection) queueLen() int { return len(c.writeQueue) }

// dequeueWritten pops buf after the writer confirms it was fully sent,
// releasing the queue's reference. A buffer that was already drained by
// teardown is skipped, so a late completion never double-releases.
func (c *Connection) dequeueWritten(buf *Buffer) {
	for i, b := range c.writeQueue {
		if b == buf {
			c.writeQueue = append(c.writeQueue[:i], c.writeQueue[i+1:]...)
			buf.Release()
			return
		}
	}
}

// drainQueue releases every still-queued buffer without sending it, used by
// Stop and by the error path when a connection is torn down.
func (c *Connection) drainQueue() {
	for _, b := range c.writeQueue {
		b.Release()
	}
	c.writeQueue = nil
}

// closeSocket closes the underlying fd exactly once.
func (c *Connection) closeSocket() {
	c.closeOnce.Do(func() {
		_ = c.nc.Close()
	})
}

// writeLoop is the per-connection writer goroutine. It drains writeJobs in
// order, preserving per-connection send order, and reports completion or
// failure back to the loop. It exits when the connection's done channel
// closes (teardown) or on the first write error.
func (c *Connection) writeLoop(l *Loop) {
	for {
		select {
		case buf := <-c.writeJobs:
			if err := c.writeOne(buf); err != nil {
				l.postEvent(event{kind: evIOError, conn: c, err: err})
				return
			}
			l.postEvent(event{kind: evWriteDone, conn: c, buf: buf})
		case <-c.done:
			return
		}
	}
}

// writeOne writes one already-framed (header+payload) buffer to the
// socket. Framing happens once in Connection.send; writeOne only moves the
// resulting bytes (and any attached fds) onto the wire.
func (c *Connection) writeOne(buf *Buffer) error {
	payload := buf.Bytes()

	if fds := buf.rawFDs(); len(fds) > 0 {
		oob := unix.UnixRights(fds...)
		// The framed bytes (header+payload) are already concatenated into
		// payload by Connection.send; write the first byte with the
		// ancillary data attached, then the remainder normally, so fds
		// travel with the first byte of this entry exactly once.
		n, _, err := c.uc.WriteMsgUnix(payload[:1], oob, nil)
		if err != nil {
			return wireErr("send", ErrIO, err)
		}
		if n != 1 {
			return wireErr("send", ErrIO, io.ErrShortWrite)
		}
		if _, err := c.nc.Write(payload[1:]); err != nil {
			return wireErr("send", ErrIO, err)
		}
		return nil
	}

	if _, err := c.nc.Write(payload); err != nil {
		return wireErr("send", ErrIO, err)
	}
	return nil
}

// readLoop is the per-connection reader goroutine. On a Unix socket it also
// extracts ancillary fds via ReadMsgUnix; otherwise it is a plain Read loop.
// Raw bytes (and any fds) are posted to the Loop as an event;
// framing/dispatch happens on the loop goroutine, never here.
func (c *Connection) readLoop(l *Loop) {
	buf := make([]byte, readChunk)
	if c.uc != nil {
		oob := make([]byte, 4096)
		for {
			n, oobn, _, _, err := c.uc.ReadMsgUnix(buf, oob)
			if n > 0 {
				fds := extractFDs(oob[:oobn])
				data := append([]byte(nil), buf[:n]...)
				l.postEvent(event{kind: evReadable, conn: c, data: data, fds: fds})
			}
			if err != nil {
				l.postEvent(event{kind: evIOError, conn: c, err: classifyReadErr(err)})
				return
			}
		}
	}
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			l.postEvent(event{kind: evReadable, conn: c, data: data})
		}
		if err != nil {
			l.postEvent(event{kind: evIOError, conn: c, err: classifyReadErr(err)})
			return
		}
	}
}

func classifyReadErr(err error) error {
	if err == io.EOF {
		return io.EOF
	}
	return wireErr("recv", ErrIO, err)
}

func extractFDs(oob []byte) []*OwnedFD {
	if len(oob) == 0 {
		return nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil
	}
	var out []*OwnedFD
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			out = append(out, newOwnedFD(fdToFile(fd)))
		}
	}
	return out
}

// feed appends newly arrived bytes/fds to the Connection's read state and
// slices out every complete frame it can. It is called only from the Loop
// goroutine, implementing the NeedHeader/NeedBody state machine directly
// off the accumulated buffer rather than a separate phase field, since the
// whole header is always available in one slice once length allows.
func (c *Connection) feed(data []byte, fds []*OwnedFD) ([]*Message, error) {
	c.readBuf = append(c.readBuf, data...)
	c.pendingFDs = append(c.pendingFDs, fds...)

	var out []*Message
	for {
		if len(c.readBuf) < headerSize {
			return out, nil
		}
		magic := binary.LittleEndian.Uint32(c.readBuf[0:4])
		id := binary.LittleEndian.Uint32(c.readBuf[4:8])
		size := binary.LittleEndian.Uint32(c.readBuf[8:12])
		if magic != wireMagic || size < headerSize || size > MaxMessageSize {
			return out, wireErr("recv", ErrProtocolError, nil)
		}
		if uint32(len(c.readBuf)) < size {
			return out, nil
		}

		payloadLen := int(size) - headerSize
		payload := NewBuffer()
		if payloadLen > 0 {
			_, _ = payload.Write(c.readBuf[headerSize:size])
		}

		fdCount := countFDTags(payload.Bytes())
		if fdCount > len(c.pendingFDs) {
			payload.Release()
			return out, wireErr("recv", ErrInvalidData, nil)
		}
		for i := 0; i < fdCount; i++ {
			payload.attachFD(c.pendingFDs[i])
		}
		c.pendingFDs = c.pendingFDs[fdCount:]

		out = append(out, newReceivedMessage(Header{Magic: magic, ID: id, Size: size}, payload))
		c.readBuf = c.readBuf[size:]
	}
}

// countFDTags scans a decoded payload for FD tag bytes so feed() can tell
// how many ancillary descriptors the next Message needs, without knowing
// the sender's format string. It walks tag-and-body the same way the
// Decoder does, but only to count, never to interpret values.
func countFDTags(payload []byte) int {
	n := 0
	i := 0
	for i < len(payload) {
		tag := Tag(payload[i])
		i++
		switch tag {
		case TagI8, TagU8:
			i += 1
		case TagI16, TagU16:
			i += 2
		case TagI32, TagU32, TagF32:
			i += 4
		case TagI64, TagU64, TagF64:
			i += 8
		case TagFD:
			n++
			i += 4
		case TagSTR:
			if i+4 > len(payload) {
				return n
			}
			l := int(binary.LittleEndian.Uint32(payload[i : i+4]))
			i += 4 + l
		case TagBUF:
			if i+4 > len(payload) {
				return n
			}
			l := int(binary.LittleEndian.Uint32(payload[i : i+4]))
			i += 4 + l
		default:
			return n
		}
	}
	return n
}

// send frames msg (header + payload) into one Buffer and enqueues it. Only
// called from the Loop goroutine.
func (c *Connection) send(msg *Message) error {
	if msg.state != msgFinished {
		return wireErr("send", ErrInvalidArgument, nil)
	}
	framed := NewBuffer()
	var hdr [headerSize]byte
	putHeader(hdr[:], msg.header)
	_, _ = framed.Write(hdr[:])
	_, _ = framed.Write(msg.payload.Bytes())
	for _, fd := range msg.payload.fds {
		dup, err := fd.TryClone()
		if err != nil {
			framed.Release()
			return err
		}
		framed.attachFD(dup)
	}
	return c.enqueue(framed)
}
