// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/binderd/binderd/internal/bid"
)

// Framer delivers whole frames, in order, in both directions. Writes are
// mutually exclusive; reads are expected from a single goroutine.
type Framer interface {
	WriteFrame(b []byte) error
	ReadFrame() ([]byte, error)
	Close() error
}

// MaxFrameSize bounds a single frame (defaulted but configurable at the
// stream framer; the websocket framer inherits the connection's limit).
const MaxFrameSize = 1 << 20

// streamFramer carries frames over any byte stream (AF_UNIX, TCP, or a
// test pipe) with a u32 little-endian length prefix.
type streamFramer struct {
	conn    net.Conn
	writeMu sync.Mutex
	maxSize uint32
}

// NewStreamFramer wraps conn; maxSize 0 selects MaxFrameSize.
func NewStreamFramer(conn net.Conn, maxSize uint32) Framer {
	if maxSize == 0 {
		maxSize = MaxFrameSize
	}
	return &streamFramer{conn: conn, maxSize: maxSize}
}

func (f *streamFramer) WriteFrame(b []byte) error {
	if uint32(len(b)) > f.maxSize {
		return bid.New(bid.TooBig, pkgPath, "frame of %d bytes exceeds limit %d", len(b), f.maxSize)
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(b)))
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if _, err := f.conn.Write(hdr[:]); err != nil {
		return bid.New(bid.Epipe, pkgPath, "write: %v", err)
	}
	if _, err := f.conn.Write(b); err != nil {
		return bid.New(bid.Epipe, pkgPath, "write: %v", err)
	}
	return nil
}

func (f *streamFramer) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(f.conn, hdr[:]); err != nil {
		return nil, bid.New(bid.Disconnected, pkgPath, "read: %v", err)
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > f.maxSize {
		return nil, bid.New(bid.TooBig, pkgPath, "frame of %d bytes exceeds limit %d", n, f.maxSize)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(f.conn, b); err != nil {
		return nil, bid.New(bid.Disconnected, pkgPath, "read: %v", err)
	}
	return b, nil
}

func (f *streamFramer) Close() error { return f.conn.Close() }

// wsFramer carries frames as websocket binary messages; RFC 6455 encoding
// is the websocket library's business, this framer only maps messages to
// frames.
type wsFramer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebSocketFramer wraps an already-established websocket connection
// (either side of the upgrade).
func NewWebSocketFramer(conn *websocket.Conn) Framer {
	return &wsFramer{conn: conn}
}

// DialWebSocket connects to a ws:// or wss:// URL and returns its framer.
func DialWebSocket(url string) (Framer, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, bid.New(bid.Disconnected, pkgPath, "dial %s: %v", url, err)
	}
	return NewWebSocketFramer(conn), nil
}

func (f *wsFramer) WriteFrame(b []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if err := f.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return bid.New(bid.Epipe, pkgPath, "write: %v", err)
	}
	return nil
}

func (f *wsFramer) ReadFrame() ([]byte, error) {
	for {
		kind, b, err := f.conn.ReadMessage()
		if err != nil {
			return nil, bid.New(bid.Disconnected, pkgPath, "read: %v", err)
		}
		if kind == websocket.BinaryMessage {
			return b, nil
		}
		// text and control messages are not protocol frames; skip.
	}
}

func (f *wsFramer) Close() error { return f.conn.Close() }
