// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire defines the length-prefixed binary frames of the peer RPC
// protocol: one opcode byte followed by little-endian primitives, strings
// carried as a u32 length (including the terminating nul) plus bytes plus
// nul, and JSON values carried as strings.
package wire

import (
	"encoding/binary"

	"github.com/binderd/binderd/internal/bid"
)

const pkgPath = "rpc/wire"

// Opcodes. Direction notes follow the protocol table: C→S opcodes are only
// valid from the client side of a link, S→C only from the server side.
const (
	OpCall             = 'K' // C→S
	OpReply            = 'k' // S→C
	OpEventBroadcast   = 'B' // S→C
	OpEventCreate      = 'E' // S→C
	OpEventRemove      = 'e' // S→C
	OpEventPush        = 'P' // S→C
	OpEventSubscribe   = 'X' // S→C
	OpEventUnsubscribe = 'x' // S→C
	OpEventUnexpected  = 'U' // C→S
	OpDescribe         = 'D' // C→S
	OpDescription      = 'd' // S→C
	OpTokenAdd         = 'T' // C→S
	OpTokenDrop        = 't' // C→S
	OpSessionAdd       = 'S' // C→S
	OpSessionDrop      = 's' // C→S
	OpVersionOffer     = 'V' // C→S
	OpVersionSet       = 'v' // S→C
)

// Magic is the constant leading the VERSION_OFFER frame.
const Magic uint32 = 0x5D30A209

// Protocol versions this implementation can speak.
const (
	VersionMin uint8 = 1
	VersionMax uint8 = 2
)

// SupportedVersions returns the full [VersionMin, VersionMax] range,
// lowest first, as offered by a client by default.
func SupportedVersions() []uint8 {
	out := make([]uint8, 0, VersionMax-VersionMin+1)
	for v := VersionMin; v <= VersionMax; v++ {
		out = append(out, v)
	}
	return out
}

// MaxLiveIDs caps concurrently active call/describe ids per link side.
const MaxLiveIDs = 4095

// Msg is one decoded frame.
type Msg interface {
	Opcode() byte
}

type Call struct {
	CallID    uint16
	Verb      string
	SessionID uint16
	TokenID   uint16
	Args      string // JSON
	UserCreds string
}

type Reply struct {
	CallID uint16
	Error  string // empty = success; otherwise a bid kind name
	Info   string
	Data   string // JSON
}

type EventBroadcast struct {
	Name string
	Data string // JSON
	UUID [16]byte
	Hop  uint8
}

type EventCreate struct {
	EventID uint16
	Name    string
}

type EventRemove struct{ EventID uint16 }

type EventPush struct {
	EventID uint16
	Data    string // JSON
}

type EventSubscribe struct {
	CallID  uint16
	EventID uint16
}

type EventUnsubscribe struct {
	CallID  uint16
	EventID uint16
}

type EventUnexpected struct{ EventID uint16 }

type Describe struct{ DescID uint16 }

type Description struct {
	DescID uint16
	Data   string // JSON
}

type TokenAdd struct {
	TokenID uint16
	Name    string
}

type TokenDrop struct{ TokenID uint16 }

type SessionAdd struct {
	SessionID uint16
	Name      string
}

type SessionDrop struct{ SessionID uint16 }

type VersionOffer struct {
	Magic    uint32
	Versions []uint8
}

type VersionSet struct{ Version uint8 }

func (Call) Opcode() byte             { return OpCall }
func (Reply) Opcode() byte            { return OpReply }
func (EventBroadcast) Opcode() byte   { return OpEventBroadcast }
func (EventCreate) Opcode() byte      { return OpEventCreate }
func (EventRemove) Opcode() byte      { return OpEventRemove }
func (EventPush) Opcode() byte        { return OpEventPush }
func (EventSubscribe) Opcode() byte   { return OpEventSubscribe }
func (EventUnsubscribe) Opcode() byte { return OpEventUnsubscribe }
func (EventUnexpected) Opcode() byte  { return OpEventUnexpected }
func (Describe) Opcode() byte         { return OpDescribe }
func (Description) Opcode() byte      { return OpDescription }
func (TokenAdd) Opcode() byte         { return OpTokenAdd }
func (TokenDrop) Opcode() byte        { return OpTokenDrop }
func (SessionAdd) Opcode() byte       { return OpSessionAdd }
func (SessionDrop) Opcode() byte      { return OpSessionDrop }
func (VersionOffer) Opcode() byte     { return OpVersionOffer }
func (VersionSet) Opcode() byte       { return OpVersionSet }

type encoder struct{ buf []byte }

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }

// str writes the length-prefixed form: u32 length including the nul, then
// the bytes, then a nul byte.
func (e *encoder) str(s string) {
	e.u32(uint32(len(s) + 1))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

// nulStr writes just bytes plus a terminating nul, no length prefix.
func (e *encoder) nulStr(s string) {
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = bid.New(bid.InvalidRequest, pkgPath, "truncated frame at offset %d", d.off)
	}
}

func (d *decoder) u8() uint8 {
	if d.err != nil || d.off+1 > len(d.buf) {
		d.fail()
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) u16() uint16 {
	if d.err != nil || d.off+2 > len(d.buf) {
		d.fail()
		return 0
	}
	v := binary.LittleEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v
}

func (d *decoder) u32() uint32 {
	if d.err != nil || d.off+4 > len(d.buf) {
		d.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) str() string {
	n := d.u32()
	if d.err != nil {
		return ""
	}
	if n == 0 || d.off+int(n) > len(d.buf) || d.buf[d.off+int(n)-1] != 0 {
		d.fail()
		return ""
	}
	s := string(d.buf[d.off : d.off+int(n)-1])
	d.off += int(n)
	return s
}

func (d *decoder) nulStr() string {
	if d.err != nil {
		return ""
	}
	for i := d.off; i < len(d.buf); i++ {
		if d.buf[i] == 0 {
			s := string(d.buf[d.off:i])
			d.off = i + 1
			return s
		}
	}
	d.fail()
	return ""
}

func (d *decoder) uuid() (out [16]byte) {
	if d.err != nil || d.off+16 > len(d.buf) {
		d.fail()
		return out
	}
	copy(out[:], d.buf[d.off:])
	d.off += 16
	return out
}

// Encode renders m as one frame, opcode byte first.
func Encode(m Msg) []byte {
	e := &encoder{buf: []byte{m.Opcode()}}
	switch v := m.(type) {
	case Call:
		e.u16(v.CallID)
		e.str(v.Verb)
		e.u16(v.SessionID)
		e.u16(v.TokenID)
		e.str(v.Args)
		e.nulStr(v.UserCreds)
	case Reply:
		e.u16(v.CallID)
		e.nulStr(v.Error)
		e.nulStr(v.Info)
		e.str(v.Data)
	case EventBroadcast:
		e.str(v.Name)
		e.str(v.Data)
		e.buf = append(e.buf, v.UUID[:]...)
		e.u8(v.Hop)
	case EventCreate:
		e.u16(v.EventID)
		e.str(v.Name)
	case EventRemove:
		e.u16(v.EventID)
	case EventPush:
		e.u16(v.EventID)
		e.str(v.Data)
	case EventSubscribe:
		e.u16(v.CallID)
		e.u16(v.EventID)
	case EventUnsubscribe:
		e.u16(v.CallID)
		e.u16(v.EventID)
	case EventUnexpected:
		e.u16(v.EventID)
	case Describe:
		e.u16(v.DescID)
	case Description:
		e.u16(v.DescID)
		e.str(v.Data)
	case TokenAdd:
		e.u16(v.TokenID)
		e.str(v.Name)
	case TokenDrop:
		e.u16(v.TokenID)
	case SessionAdd:
		e.u16(v.SessionID)
		e.str(v.Name)
	case SessionDrop:
		e.u16(v.SessionID)
	case VersionOffer:
		e.u32(v.Magic)
		e.u8(uint8(len(v.Versions)))
		e.buf = append(e.buf, v.Versions...)
	case VersionSet:
		e.u8(v.Version)
	}
	return e.buf
}

// Decode parses one frame back into its message.
func Decode(frame []byte) (Msg, error) {
	if len(frame) == 0 {
		return nil, bid.New(bid.InvalidRequest, pkgPath, "empty frame")
	}
	d := &decoder{buf: frame, off: 1}
	var m Msg
	switch frame[0] {
	case OpCall:
		m = Call{CallID: d.u16(), Verb: d.str(), SessionID: d.u16(), TokenID: d.u16(), Args: d.str(), UserCreds: d.nulStr()}
	case OpReply:
		m = Reply{CallID: d.u16(), Error: d.nulStr(), Info: d.nulStr(), Data: d.str()}
	case OpEventBroadcast:
		m = EventBroadcast{Name: d.str(), Data: d.str(), UUID: d.uuid(), Hop: d.u8()}
	case OpEventCreate:
		m = EventCreate{EventID: d.u16(), Name: d.str()}
	case OpEventRemove:
		m = EventRemove{EventID: d.u16()}
	case OpEventPush:
		m = EventPush{EventID: d.u16(), Data: d.str()}
	case OpEventSubscribe:
		m = EventSubscribe{CallID: d.u16(), EventID: d.u16()}
	case OpEventUnsubscribe:
		m = EventUnsubscribe{CallID: d.u16(), EventID: d.u16()}
	case OpEventUnexpected:
		m = EventUnexpected{EventID: d.u16()}
	case OpDescribe:
		m = Describe{DescID: d.u16()}
	case OpDescription:
		m = Description{DescID: d.u16(), Data: d.str()}
	case OpTokenAdd:
		m = TokenAdd{TokenID: d.u16(), Name: d.str()}
	case OpTokenDrop:
		m = TokenDrop{TokenID: d.u16()}
	case OpSessionAdd:
		m = SessionAdd{SessionID: d.u16(), Name: d.str()}
	case OpSessionDrop:
		m = SessionDrop{SessionID: d.u16()}
	case OpVersionOffer:
		o := VersionOffer{Magic: d.u32()}
		n := int(d.u8())
		for i := 0; i < n; i++ {
			o.Versions = append(o.Versions, d.u8())
		}
		m = o
	case OpVersionSet:
		m = VersionSet{Version: d.u8()}
	default:
		return nil, bid.New(bid.InvalidRequest, pkgPath, "unknown opcode %q", frame[0])
	}
	if d.err != nil {
		return nil, d.err
	}
	return m, nil
}

// PickVersion applies the negotiation rule: the server answers a
// VERSION_OFFER with the highest version present both in its supported
// list and in the offer, or an error when the magic is wrong, the offer is
// empty, or no overlap exists — all of which hang up the link.
func PickVersion(offer VersionOffer, supported []uint8) (uint8, error) {
	if offer.Magic != Magic {
		return 0, bid.New(bid.InvalidRequest, pkgPath, "bad magic %#x", offer.Magic)
	}
	if len(offer.Versions) == 0 {
		return 0, bid.New(bid.InvalidRequest, pkgPath, "empty version offer")
	}
	best := uint8(0)
	for _, v := range offer.Versions {
		if v == 0 {
			return 0, bid.New(bid.InvalidRequest, pkgPath, "invalid version 0 in offer")
		}
		for _, s := range supported {
			if v == s && v > best {
				best = v
			}
		}
	}
	if best == 0 {
		return 0, bid.New(bid.InvalidRequest, pkgPath, "no common protocol version")
	}
	return best, nil
}
