// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"net"
	"reflect"
	"testing"

	"github.com/binderd/binderd/internal/bid"
)

func TestCallFrameRoundTrip(t *testing.T) {
	in := Call{
		CallID:    42,
		Verb:      "subscribe",
		SessionID: 7,
		TokenID:   9,
		Args:      `{"topic":"weather"}`,
		UserCreds: "3e8:3e8:1f4-User::App",
	}
	frame := Encode(in)
	if frame[0] != OpCall {
		t.Fatalf("opcode = %q, want %q", frame[0], OpCall)
	}
	out, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestBroadcastFrameCarriesUUIDAndHop(t *testing.T) {
	in := EventBroadcast{Name: "changed", Data: "null", Hop: 3}
	copy(in.UUID[:], "0123456789abcdef")
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestDecodeTruncatedFrame(t *testing.T) {
	frame := Encode(Reply{CallID: 1, Error: "busy", Info: "queue full", Data: "null"})
	for _, cut := range []int{1, 3, len(frame) - 1} {
		if _, err := Decode(frame[:cut]); err == nil {
			t.Fatalf("Decode of %d-byte prefix succeeded", cut)
		}
	}
	if _, err := Decode([]byte{'Z'}); !bid.Is(err, bid.InvalidRequest) {
		t.Fatalf("unknown opcode error = %v, want InvalidRequest", err)
	}
}

func TestPickVersion(t *testing.T) {
	tests := []struct {
		offer     VersionOffer
		supported []uint8
		want      uint8
		wantErr   bool
	}{
		{VersionOffer{Magic: Magic, Versions: []uint8{1, 2}}, []uint8{1, 2}, 2, false},
		{VersionOffer{Magic: Magic, Versions: []uint8{1}}, []uint8{1, 2}, 1, false},
		{VersionOffer{Magic: Magic, Versions: []uint8{1}}, []uint8{2}, 0, true},
		{VersionOffer{Magic: Magic, Versions: nil}, []uint8{1}, 0, true},
		{VersionOffer{Magic: 0xBAD, Versions: []uint8{1}}, []uint8{1}, 0, true},
		{VersionOffer{Magic: Magic, Versions: []uint8{0}}, []uint8{1}, 0, true},
	}
	for i, tc := range tests {
		got, err := PickVersion(tc.offer, tc.supported)
		if tc.wantErr != (err != nil) || got != tc.want {
			t.Fatalf("case %d: PickVersion = %d, %v; want %d, err=%v", i, got, err, tc.want, tc.wantErr)
		}
	}
}

func TestStreamFramerRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	fa := NewStreamFramer(a, 0)
	fb := NewStreamFramer(b, 0)
	defer fa.Close()
	defer fb.Close()

	payload := Encode(SessionAdd{SessionID: 3, Name: "0f8b7c32-9d3a-4a5e-9f2c-0123456789ab"})
	errs := make(chan error, 1)
	go func() { errs <- fa.WriteFrame(payload) }()
	got, err := fb.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if !reflect.DeepEqual(got, payload) {
		t.Fatalf("frame = %v, want %v", got, payload)
	}
}

func TestSecureFramerSealsPayload(t *testing.T) {
	a, b := net.Pipe()
	type result struct {
		fr  Framer
		err error
	}
	cha := make(chan result, 1)
	go func() {
		fr, err := NewSecureFramer(NewStreamFramer(a, 0))
		cha <- result{fr, err}
	}()
	sb, err := NewSecureFramer(NewStreamFramer(b, 0))
	if err != nil {
		t.Fatalf("NewSecureFramer(b): %v", err)
	}
	ra := <-cha
	if ra.err != nil {
		t.Fatalf("NewSecureFramer(a): %v", ra.err)
	}
	defer ra.fr.Close()
	defer sb.Close()

	frame := Encode(VersionSet{Version: 2})
	errs := make(chan error, 1)
	go func() { errs <- ra.fr.WriteFrame(frame) }()
	got, err := sb.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if !reflect.DeepEqual(got, frame) {
		t.Fatalf("frame = %v, want %v", got, frame)
	}
}
