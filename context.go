// Copyright 2026 The msgbus Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package msgbus exchanges typed, self-describing messages between
// cooperating processes over stream or datagram sockets. A message is a
// 32-bit identifier plus a payload carrying both the type tags and the
// values of a heterogeneous argument list; sender and receiver each supply a
// printf-style format string, and a mismatch with the payload's embedded
// tags is detected and rejected at decode time instead of silently
// misinterpreted.
package msgbus

import (
	stdcontext "context"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Event identifies what happened to a Connection, delivered to a Callback.
type Event uint8

const (
	// EventConnected fires once a connection (accepted or dialed) is usable.
	EventConnected Event = iota
	// EventDisconnected fires once for every connection that reaches Closed,
	// whether by peer close, I/O error, or Stop.
	EventDisconnected
	// EventMsg fires once per fully framed Message read off a connection.
	EventMsg
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMsg:
		return "msg"
	default:
		return "unknown"
	}
}

// Callback is invoked on the Context's loop goroutine for every Event. msg
// is non-nil only for EventMsg, and is released automatically when the
// callback returns; call msg.Clone to keep it longer.
type Callback func(ctx *Context, conn *Connection, ev Event, msg *Message)

type ctxKind uint8

const (
	kindNone ctxKind = iota
	kindServer
	kindClient
	kindDgram
)

// Context is the top-level handle bundling one Loop with the listener,
// dialer, or datagram socket it drives, mirroring the single owner-per-loop
// model the framer's Options/Option pair establishes for a single transport
// configuration, generalized here to a set of live connections.
type Context struct {
	kind     ctxKind
	loop     *Loop
	cfg      Config
	callback Callback
	userdata any

	mu       sync.Mutex
	listener net.Listener
	dialAddr Addr
	conns    map[*Connection]struct{}

	dgramConn     net.PacketConn
	dgramsDropped atomic.Uint64
	keepalives    map[*Connection]*Timer

	reconnectTimer *Timer
	stopped        bool
}

// NewContext creates a Context bound to cb, ready for Listen, Connect, or
// Bind. userdata is opaque storage the caller can retrieve via UserData.
func NewContext(cb Callback, userdata any, opts ...Option) *Context {
	cfg := defaultConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Context{
		loop:       NewLoop(),
		cfg:        cfg,
		callback:   cb,
		userdata:   userdata,
		conns:      make(map[*Connection]struct{}),
		keepalives: make(map[*Connection]*Timer),
	}
}

// UserData returns the opaque value passed to NewContext.
func (ctx *Context) UserData() any { return ctx.userdata }

// Wakeup interrupts a blocked Run/WaitAndProcess call from any goroutine.
func (ctx *Context) Wakeup() { ctx.loop.Wakeup() }

// Listen starts a server Context: it accepts connections on addr and
// delivers EventConnected/EventMsg/EventDisconnected for each. Accept runs
// on its own goroutine; accepted connections are folded into the Context
// the next time Run drains the loop's event channel.
func (ctx *Context) Listen(addr Addr) error {
	lc := net.ListenConfig{Control: listenControl(addr.Kind)}
	ln, err := lc.Listen(stdcontext.Background(), addr.Network(), addr.Address())
	if err != nil {
		return wireErr("listen", ErrIO, err)
	}
	ctx.mu.Lock()
	ctx.kind = kindServer
	ctx.listener = ln
	ctx.mu.Unlock()

	go ctx.acceptLoop(ln)
	return nil
}

// listenControl sets SO_REUSEADDR on inet/inet6 listen sockets before bind,
// so a restarted server can re-listen while old connections linger in
// TIME_WAIT. Unix-domain sockets have no equivalent concern.
func listenControl(kind AddrKind) func(network, address string, rc syscall.RawConn) error {
	if kind == AddrUnix {
		return nil
	}
	return func(network, address string, rc syscall.RawConn) error {
		var serr error
		if err := rc.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		}); err != nil {
			return err
		}
		return serr
	}
}

func (ctx *Context) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			ctx.loop.postEvent(event{kind: evIOError, err: wireErr("accept", ErrIO, err)})
			return
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		conn := newConnection(nc, StateEstablished)
		ctx.loop.postEvent(event{kind: evAccepted, conn: conn})
	}
}

// Connect starts a client Context: it dials addr, and on disconnect retries
// after cfg.ReconnectDelay until Stop is called. The initial dial runs on
// its own goroutine so Connect itself never blocks.
func (ctx *Context) Connect(addr Addr) error {
	ctx.mu.Lock()
	ctx.kind = kindClient
	ctx.dialAddr = addr
	ctx.mu.Unlock()

	go ctx.dialOnce(addr)
	return nil
}

func (ctx *Context) dialOnce(addr Addr) {
	d := net.Dialer{Timeout: ctx.cfg.DialTimeout}
	nc, err := d.Dial(addr.Network(), addr.Address())
	ctx.loop.postEvent(event{kind: evDialResult, err: err, conn: connOrNil(nc)})
}

func connOrNil(nc net.Conn) *Connection {
	if nc == nil {
		return nil
	}
	return newConnection(nc, StateEstablished)
}

// Bind opens a connectionless datagram socket (UDP for inet/inet6, unixgram
// for unix) for use with SendTo. Incoming datagrams are delivered as EventMsg with a nil
// Connection; the sender's address is not currently surfaced to Callback.
func (ctx *Context) Bind(addr Addr) error {
	pc, err := net.ListenPacket(addr.DgramNetwork(), addr.Address())
	if err != nil {
		return wireErr("bind", ErrIO, err)
	}
	ctx.mu.Lock()
	ctx.kind = kindDgram
	ctx.dgramConn = pc
	ctx.mu.Unlock()

	go ctx.dgramReadLoop(pc)
	return nil
}

func (ctx *Context) dgramReadLoop(pc net.PacketConn) {
	buf := make([]byte, readChunk)
	for {
		n, _, err := pc.ReadFrom(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			ctx.loop.postEvent(event{kind: evReadable, data: data})
		}
		if err != nil {
			ctx.loop.postEvent(event{kind: evIOError, err: wireErr("recv", ErrIO, err)})
			return
		}
	}
}

// SendTo writes a framed Message to a connectionless peer. Only valid after
// Bind; the datagram protocol preserves message boundaries so no length
// prefix is needed beyond the frame header already in Message.Finish.
func (ctx *Context) SendTo(msg *Message, addr Addr) error {
	if msg.state != msgFinished {
		return wireErr("sendto", ErrInvalidArgument, nil)
	}
	ctx.mu.Lock()
	pc := ctx.dgramConn
	ctx.mu.Unlock()
	if pc == nil {
		return wireErr("sendto", ErrNotConnected, nil)
	}
	var ua net.Addr
	var err error
	if addr.Kind == AddrUnix {
		ua, err = net.ResolveUnixAddr("unixgram", addr.Address())
	} else {
		ua, err = net.ResolveUDPAddr(addr.DgramNetwork(), addr.Address())
	}
	if err != nil {
		return wireErr("sendto", ErrInvalidArgument, err)
	}
	framed := frameMessage(msg)
	defer framed.Release()
	_, err = pc.WriteTo(framed.Bytes(), ua)
	if err != nil {
		return wireErr("sendto", ErrIO, err)
	}
	return nil
}

// Send writes msg to one connection.
func (ctx *Context) Send(conn *Connection, msg *Message) error {
	return conn.send(msg)
}

// SendMsg broadcasts msg to every currently established connection. A
// message without fds is framed once and that one Buffer is shared by every
// peer's write queue, each holding its own reference. A message with fds is
// framed per peer by Connection.send, which duplicates every fd with
// OwnedFD.TryClone, so closing one peer's copy never affects another's.
func (ctx *Context) SendMsg(msg *Message) error {
	if msg.state != msgFinished {
		return wireErr("sendmsg", ErrInvalidArgument, nil)
	}
	ctx.mu.Lock()
	targets := make([]*Connection, 0, len(ctx.conns))
	for c := range ctx.conns {
		targets = append(targets, c)
	}
	kind := ctx.kind
	ctx.mu.Unlock()

	if kind == kindClient && len(targets) == 0 {
		return wireErr("sendmsg", ErrNotConnected, nil)
	}

	var firstErr error
	if msg.payload.fdCount() == 0 {
		framed := frameMessage(msg)
		for _, c := range targets {
			if err := c.enqueue(framed.Retain()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		framed.Release()
		return firstErr
	}
	for _, c := range targets {
		if err := c.send(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run waits for the next piece of work on the Context's Loop and processes
// it: one call handles at most one connection-level event, translating it
// into framing and Callback dispatch, then returns. timeout <= 0 blocks
// until work arrives; otherwise Run returns ErrTimeout once it elapses with
// nothing to do.
func (ctx *Context) Run(timeout time.Duration) error {
	ev, err := ctx.loop.WaitAndProcess(timeout)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}
	ctx.handleEvent(*ev)
	return nil
}

func (ctx *Context) handleEvent(ev event) {
	switch ev.kind {
	case evAccepted:
		ctx.addConn(ev.conn)
	case evDialResult:
		if ev.err != nil {
			ctx.scheduleReconnect()
			return
		}
		ctx.addConn(ev.conn)
	case evReadable:
		if ev.conn == nil {
			// connectionless datagram read; frame directly from ev.data.
			ctx.deliverDatagram(ev.data)
			return
		}
		msgs, err := ev.conn.feed(ev.data, ev.fds)
		for _, m := range msgs {
			ctx.callback(ctx, ev.conn, EventMsg, m)
			m.Release()
		}
		if err != nil {
			ctx.closeConn(ev.conn)
		}
	case evWriteDone:
		ev.conn.dequeueWritten(ev.buf)
	case evIOError:
		if ev.conn != nil {
			ev.conn.setState(StateClosing)
			ctx.closeConn(ev.conn)
		}
	}
}

// deliverDatagram parses one datagram as a single frame. Malformed datagrams
// are dropped and counted, never fatal: the datagram socket has no
// per-connection state to poison.
func (ctx *Context) deliverDatagram(data []byte) {
	if len(data) < headerSize {
		ctx.dgramsDropped.Add(1)
		return
	}
	c := &Connection{}
	msgs, err := c.feed(data, nil)
	if err != nil || len(msgs) == 0 {
		ctx.dgramsDropped.Add(1)
		return
	}
	for _, m := range msgs {
		ctx.callback(ctx, nil, EventMsg, m)
		m.Release()
	}
}

// DroppedDatagrams reports how many malformed datagrams have been discarded
// since Bind.
func (ctx *Context) DroppedDatagrams() uint64 { return ctx.dgramsDropped.Load() }

func (ctx *Context) addConn(conn *Connection) {
	if conn == nil {
		return
	}
	conn.ctx = ctx
	ctx.mu.Lock()
	ctx.conns[conn] = struct{}{}
	ctx.mu.Unlock()

	go conn.readLoop(ctx.loop)
	go conn.writeLoop(ctx.loop)

	if ctx.cfg.KeepaliveInterval > 0 {
		t := ctx.loop.AddPeriodicTimer(ctx.cfg.KeepaliveInterval, ctx.cfg.KeepaliveInterval, func() {
			ctx.sendKeepalive(conn)
		})
		ctx.mu.Lock()
		ctx.keepalives[conn] = t
		ctx.mu.Unlock()
	}

	ctx.callback(ctx, conn, EventConnected, nil)
}

func (ctx *Context) sendKeepalive(conn *Connection) {
	if conn.State() != StateEstablished {
		return
	}
	m := NewMessage(ctx.cfg.KeepaliveMsgID)
	if err := m.Finish(); err != nil {
		return
	}
	_ = conn.send(m)
}

func (ctx *Context) closeConn(conn *Connection) {
	if !conn.markClosed() {
		return
	}
	conn.drainQueue()
	conn.closeSocket()
	close(conn.done)

	ctx.mu.Lock()
	delete(ctx.conns, conn)
	if t, ok := ctx.keepalives[conn]; ok {
		t.Cancel()
		delete(ctx.keepalives, conn)
	}
	kind := ctx.kind
	ctx.mu.Unlock()

	ctx.callback(ctx, conn, EventDisconnected, nil)

	if kind == kindClient && !ctx.isStopped() {
		ctx.scheduleReconnect()
	}
}

func (ctx *Context) scheduleReconnect() {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.stopped {
		return
	}
	addr := ctx.dialAddr
	ctx.reconnectTimer = ctx.loop.AddTimer(ctx.cfg.ReconnectDelay, func() {
		go ctx.dialOnce(addr)
	})
}

func (ctx *Context) isStopped() bool {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.stopped
}

// Stop tears the Context down synchronously: every live connection is
// closed, EventDisconnected is delivered for each, pending reconnect timers
// are canceled, and the Loop itself is closed so any blocked Run returns.
func (ctx *Context) Stop() {
	ctx.mu.Lock()
	ctx.stopped = true
	if ctx.reconnectTimer != nil {
		ctx.reconnectTimer.Cancel()
	}
	targets := make([]*Connection, 0, len(ctx.conns))
	for c := range ctx.conns {
		targets = append(targets, c)
	}
	ln := ctx.listener
	pc := ctx.dgramConn
	ctx.mu.Unlock()

	for _, c := range targets {
		ctx.closeConn(c)
	}
	if ln != nil {
		_ = ln.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
	ctx.loop.Close()
}

// frameMessage builds the same header+payload Buffer as Connection.send,
// without attaching fds and without enqueueing it. The datagram path uses
// it because a PacketConn write needs one contiguous []byte up front, and
// SendMsg uses it to share one framed Buffer across peers.
func frameMessage(msg *Message) *Buffer {
	framed := NewBuffer()
	var hdr [headerSize]byte
	putHeader(hdr[:], msg.header)
	_, _ = framed.Write(hdr[:])
	_, _ = framed.Write(msg.payload.Bytes())
	return framed
}
