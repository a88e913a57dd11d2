// Copyright 2026 The msgbus Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package msgbus

import "encoding/binary"

// wireMagic is the fixed header magic: "POMP" read as a big-endian u32. It
// is written little-endian like every header field, so the first four bytes
// on the wire are 'P','M','O','P'.
const wireMagic uint32 = 0x504F4D50

// headerSize is the fixed on-wire header length: magic + msgid + size.
const headerSize = 12

// MaxMessageSize is the hard cap on a message's total encoded size, header
// included.
const MaxMessageSize = 256 << 20

type msgState uint8

const (
	msgEmpty msgState = iota
	msgWriting
	msgFinished
)

// Header is the fixed 12-byte frame header: magic, message id, total size.
type Header struct {
	Magic uint32
	ID    uint32
	Size  uint32
}

// putHeader encodes h into the first headerSize bytes of dst, little-endian.
func putHeader(dst []byte, h Header) {
	binary.LittleEndian.PutUint32(dst[0:4], h.Magic)
	binary.LittleEndian.PutUint32(dst[4:8], h.ID)
	binary.LittleEndian.PutUint32(dst[8:12], h.Size)
}

// Message is the envelope exchanged between peers: a 32-bit id plus a typed
// payload. A Message goes through Empty -> Writing -> Finished; once
// Finished it may only be decoded, never written to again.
type Message struct {
	header  Header
	state   msgState
	payload *Buffer
}

// NewMessage allocates a Message with the given id, ready for Encode calls
// (the Empty -> Writing transition).
func NewMessage(id uint32) *Message {
	return &Message{
		header:  Header{ID: id},
		state:   msgWriting,
		payload: NewBuffer(),
	}
}

// newReceivedMessage builds a Message already in the Finished state from a
// parsed header and a decoded payload Buffer, as the connection framer does
// on every complete frame.
func newReceivedMessage(h Header, payload *Buffer) *Message {
	return &Message{header: h, state: msgFinished, payload: payload}
}

// ID returns the message id.
func (m *Message) ID() uint32 { return m.header.ID }

// Header returns the frame header. Size and Magic are only meaningful once
// Finish has been called (for a sent message) or the message was received.
func (m *Message) Header() Header { return m.header }

// Encode appends one argument per directive in format to the payload. It
// may only be called while the Message is in the Writing state.
func (m *Message) Encode(format string, argv ...any) error {
	if m.state != msgWriting {
		return wireErr("encode", ErrInvalidArgument, nil)
	}
	return NewEncoder(m.payload).Encode(format, argv...)
}

// Finish patches the header (magic + total size) and transitions the
// Message from Writing to Finished. No further Encode calls are valid
// afterward.
func (m *Message) Finish() error {
	if m.state != msgWriting {
		return wireErr("finish", ErrInvalidArgument, nil)
	}
	total := headerSize + m.payload.Len()
	if total > MaxMessageSize {
		return wireErr("finish", ErrTooLarge, nil)
	}
	m.header.Magic = wireMagic
	m.header.Size = uint32(total)
	m.state = msgFinished
	return nil
}

// Decode reads back one value per directive in format. It may only be
// called once the Message is Finished (either via Finish or because it was
// received off the wire).
func (m *Message) Decode(format string) ([]any, error) {
	if m.state != msgFinished {
		return nil, wireErr("decode", ErrInvalidArgument, nil)
	}
	return NewDecoder(m.payload).Decode(format)
}

// Clear releases the payload (closing any owned fds) and returns the
// Message to the Empty state.
func (m *Message) Clear() {
	if m.payload != nil {
		m.payload.Release()
	}
	m.payload = NewBuffer()
	m.header = Header{}
	m.state = msgEmpty
}

// Release drops this Message's reference to its payload Buffer; a second
// call is a no-op. Messages delivered to a Callback are released by the
// Context when the callback returns, so the callback need not call it.
func (m *Message) Release() {
	if m.payload != nil {
		m.payload.Release()
		m.payload = nil
	}
}

// Clone returns a deep copy of m: fresh payload bytes and every attached fd
// duplicated via OwnedFD.TryClone. Use this to retain a Message past the
// callback that delivered it: callees that need it longer take a copy,
// deep, with duplicated fds.
func (m *Message) Clone() (*Message, error) {
	nb, err := m.payload.clone()
	if err != nil {
		return nil, err
	}
	return &Message{header: m.header, state: m.state, payload: nb}, nil
}
