// Copyright 2026 The msgbus Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package msgbus

import (
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestContext_ClientServerExchangeOverTCP(t *testing.T) {
	listenAddr, err := ParseAddr("inet:127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var serverGotMsg, clientGotMsg bool

	server := NewContext(func(ctx *Context, conn *Connection, ev Event, msg *Message) {
		switch ev {
		case EventMsg:
			mu.Lock()
			serverGotMsg = true
			mu.Unlock()
			reply := NewMessage(2)
			_ = reply.Encode("%s", "pong")
			_ = reply.Finish()
			_ = ctx.Send(conn, reply)
		}
	}, nil)
	defer server.Stop()

	if err := server.Listen(listenAddr); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	dialAddr, err := ParseAddr("inet:" + server.listener.Addr().String())
	if err != nil {
		t.Fatalf("ParseAddr: %v", err)
	}

	client := NewContext(func(ctx *Context, conn *Connection, ev Event, msg *Message) {
		switch ev {
		case EventConnected:
			m := NewMessage(1)
			_ = m.Encode("%s", "ping")
			_ = m.Finish()
			_ = ctx.Send(conn, m)
		case EventMsg:
			mu.Lock()
			clientGotMsg = true
			mu.Unlock()
		}
	}, nil)
	defer client.Stop()

	if err := client.Connect(dialAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	drive := func(ctx *Context, deadline time.Time) {
		for time.Now().Before(deadline) {
			_ = ctx.Run(20 * time.Millisecond)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); drive(server, deadline) }()
	go func() { defer wg.Done(); drive(client, deadline) }()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if !serverGotMsg {
		t.Error("server never received a message")
	}
	if !clientGotMsg {
		t.Error("client never received a reply")
	}
}

func TestContext_StopDeliversDisconnected(t *testing.T) {
	listenAddr, _ := ParseAddr("inet:127.0.0.1:0")
	var disconnected bool
	var mu sync.Mutex

	server := NewContext(func(ctx *Context, conn *Connection, ev Event, msg *Message) {
		if ev == EventDisconnected {
			mu.Lock()
			disconnected = true
			mu.Unlock()
		}
	}, nil)
	if err := server.Listen(listenAddr); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	nc, err := net.Dial("tcp", server.listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer nc.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_ = server.Run(20 * time.Millisecond)
		server.mu.Lock()
		n := len(server.conns)
		server.mu.Unlock()
		if n > 0 {
			break
		}
	}

	server.Stop()

	mu.Lock()
	defer mu.Unlock()
	if !disconnected {
		t.Error("Stop did not deliver EventDisconnected")
	}
}

// driveUntil pumps ctx.Run on the calling goroutine until cond holds or the
// deadline passes, reporting whether cond was observed.
func driveUntil(ctx *Context, deadline time.Duration, cond func() bool) bool {
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		_ = ctx.Run(10 * time.Millisecond)
		if cond() {
			return true
		}
	}
	return false
}

func TestContext_BroadcastToThreePeers(t *testing.T) {
	listenAddr, err := ParseAddr("inet:127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	server := NewContext(func(*Context, *Connection, Event, *Message) {}, nil)
	defer server.Stop()
	if err := server.Listen(listenAddr); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	var raws []net.Conn
	for i := 0; i < 3; i++ {
		nc, err := net.Dial("tcp", server.listener.Addr().String())
		if err != nil {
			t.Fatalf("Dial %d: %v", i, err)
		}
		defer nc.Close()
		raws = append(raws, nc)
	}

	ok := driveUntil(server, 2*time.Second, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return len(server.conns) == 3
	})
	if !ok {
		t.Fatal("server did not register all three peers")
	}

	m := NewMessage(7)
	if err := m.Encode("%i%lf", int32(-1), 3.5); err != nil {
		t.Fatal(err)
	}
	if err := m.Finish(); err != nil {
		t.Fatal(err)
	}
	if err := server.SendMsg(m); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}

	for i, nc := range raws {
		_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
		c := &Connection{}
		var msgs []*Message
		buf := make([]byte, 4096)
		for len(msgs) == 0 {
			n, err := nc.Read(buf)
			if err != nil {
				t.Fatalf("peer %d read: %v", i, err)
			}
			ms, err := c.feed(append([]byte(nil), buf[:n]...), nil)
			if err != nil {
				t.Fatalf("peer %d feed: %v", i, err)
			}
			msgs = append(msgs, ms...)
		}
		if msgs[0].ID() != 7 {
			t.Fatalf("peer %d msgid = %d, want 7", i, msgs[0].ID())
		}
		got, err := msgs[0].Decode("%i%lf")
		if err != nil {
			t.Fatalf("peer %d Decode: %v", i, err)
		}
		if got[0].(int32) != -1 || got[1].(float64) != 3.5 {
			t.Fatalf("peer %d decoded %v", i, got)
		}
	}
}

func TestContext_ClientReconnectsAfterServerRestart(t *testing.T) {
	dir := t.TempDir()
	addr, err := ParseAddr("unix:" + filepath.Join(dir, "s.sock"))
	if err != nil {
		t.Fatal(err)
	}

	server := NewContext(func(*Context, *Connection, Event, *Message) {}, nil)
	if err := server.Listen(addr); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	var mu sync.Mutex
	counts := map[Event]int{}
	client := NewContext(func(_ *Context, _ *Connection, ev Event, _ *Message) {
		mu.Lock()
		counts[ev]++
		mu.Unlock()
	}, nil, WithReconnectDelay(50*time.Millisecond))
	defer client.Stop()
	if err := client.Connect(addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	seen := func(ev Event, n int) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return counts[ev] >= n
		}
	}

	if !driveUntil(client, 2*time.Second, seen(EventConnected, 1)) {
		t.Fatal("client never connected")
	}
	if !driveUntil(server, 2*time.Second, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return len(server.conns) == 1
	}) {
		t.Fatal("server did not register the connection")
	}

	server.Stop()
	if !driveUntil(client, 2*time.Second, seen(EventDisconnected, 1)) {
		t.Fatal("client never observed the disconnect")
	}

	server2 := NewContext(func(*Context, *Connection, Event, *Message) {}, nil)
	if err := server2.Listen(addr); err != nil {
		t.Fatalf("re-Listen: %v", err)
	}
	defer server2.Stop()

	if !driveUntil(client, 3*time.Second, seen(EventConnected, 2)) {
		t.Fatal("client never reconnected")
	}
}

func TestContext_DgramExchange(t *testing.T) {
	bindAddr, err := ParseAddr("inet:127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got string
	recv := NewContext(func(_ *Context, _ *Connection, ev Event, msg *Message) {
		if ev != EventMsg {
			return
		}
		vals, err := msg.Decode("%s")
		if err != nil {
			return
		}
		mu.Lock()
		got = vals[0].(string)
		mu.Unlock()
	}, nil)
	defer recv.Stop()
	if err := recv.Bind(bindAddr); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	send := NewContext(func(*Context, *Connection, Event, *Message) {}, nil)
	defer send.Stop()
	if err := send.Bind(bindAddr); err != nil {
		t.Fatalf("Bind sender: %v", err)
	}

	dst, err := ParseAddr("inet:" + recv.dgramConn.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}

	payload := strings.Repeat("a", 1400)
	m := NewMessage(5)
	if err := m.Encode("%s", payload); err != nil {
		t.Fatal(err)
	}
	if err := m.Finish(); err != nil {
		t.Fatal(err)
	}
	if err := send.SendTo(m, dst); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	ok := driveUntil(recv, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == payload
	})
	if !ok {
		t.Fatal("datagram was not delivered intact")
	}
}

func TestContext_MalformedDatagramIsDroppedAndCounted(t *testing.T) {
	bindAddr, err := ParseAddr("inet:127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var delivered bool
	recv := NewContext(func(_ *Context, _ *Connection, ev Event, _ *Message) {
		if ev == EventMsg {
			delivered = true
		}
	}, nil)
	defer recv.Stop()
	if err := recv.Bind(bindAddr); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	nc, err := net.Dial("udp", recv.dgramConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer nc.Close()
	if _, err := nc.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0xde, 0xad, 0xbe, 0xef, 0xde, 0xad, 0xbe, 0xef}); err != nil {
		t.Fatal(err)
	}

	ok := driveUntil(recv, 2*time.Second, func() bool {
		return recv.DroppedDatagrams() >= 1
	})
	if !ok {
		t.Fatal("malformed datagram was not counted as dropped")
	}
	if delivered {
		t.Fatal("malformed datagram was delivered as a message")
	}
}

func TestContext_MalformedBytesPoisonOnlyThatConnection(t *testing.T) {
	listenAddr, err := ParseAddr("inet:127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var disconnects, msgs int
	server := NewContext(func(_ *Context, _ *Connection, ev Event, _ *Message) {
		mu.Lock()
		defer mu.Unlock()
		switch ev {
		case EventDisconnected:
			disconnects++
		case EventMsg:
			msgs++
		}
	}, nil)
	defer server.Stop()
	if err := server.Listen(listenAddr); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	good, err := net.Dial("tcp", server.listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer good.Close()
	bad, err := net.Dial("tcp", server.listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer bad.Close()

	ok := driveUntil(server, 2*time.Second, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return len(server.conns) == 2
	})
	if !ok {
		t.Fatal("server did not register both peers")
	}

	if _, err := bad.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}

	ok = driveUntil(server, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnects == 1
	})
	if !ok {
		t.Fatal("corrupt prefix did not produce a disconnect")
	}

	server.mu.Lock()
	remaining := len(server.conns)
	server.mu.Unlock()
	if remaining != 1 {
		t.Fatalf("live connections = %d, want 1", remaining)
	}
	mu.Lock()
	defer mu.Unlock()
	if msgs != 0 {
		t.Fatalf("corrupt frame was dispatched as %d message(s)", msgs)
	}
}
