// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"crypto/rand"

	"golang.org/x/crypto/nacl/box"

	"github.com/binderd/binderd/internal/bid"
)

const nonceSize = 24

// NewSecureFramer layers authenticated encryption on fr: both ends
// exchange ephemeral NaCl public keys as a raw pre-negotiation frame, then
// every subsequent frame's payload is sealed. The opcode byte stays in the
// clear so framing and dispatch work without decrypting.
//
// Both sides must enable it or neither; the key frame is sent before the
// protocol's VERSION_OFFER, so a plaintext peer fails version negotiation
// rather than misparsing sealed frames.
func NewSecureFramer(fr Framer) (Framer, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, bid.New(bid.InternalError, pkgPath, "keygen: %v", err)
	}
	// the handshake is symmetric: write our key, read theirs. The write
	// happens from a goroutine so neither side deadlocks on an unbuffered
	// transport.
	werr := make(chan error, 1)
	go func() { werr <- fr.WriteFrame(pub[:]) }()
	peerFrame, err := fr.ReadFrame()
	if err != nil {
		<-werr
		return nil, err
	}
	if err := <-werr; err != nil {
		return nil, err
	}
	if len(peerFrame) != 32 {
		return nil, bid.New(bid.InvalidRequest, pkgPath, "bad key frame of %d bytes", len(peerFrame))
	}
	var peer [32]byte
	copy(peer[:], peerFrame)
	f := &boxFramer{fr: fr}
	box.Precompute(&f.shared, &peer, priv)
	return f, nil
}

type boxFramer struct {
	fr     Framer
	shared [32]byte
}

func (f *boxFramer) WriteFrame(b []byte) error {
	if len(b) == 0 {
		return bid.New(bid.InvalidRequest, pkgPath, "empty frame")
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return bid.New(bid.InternalError, pkgPath, "nonce: %v", err)
	}
	out := make([]byte, 1+nonceSize, 1+nonceSize+len(b)-1+box.Overhead)
	out[0] = b[0]
	copy(out[1:], nonce[:])
	out = box.SealAfterPrecomputation(out, b[1:], &nonce, &f.shared)
	return f.fr.WriteFrame(out)
}

func (f *boxFramer) ReadFrame() ([]byte, error) {
	b, err := f.fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	if len(b) < 1+nonceSize {
		return nil, bid.New(bid.InvalidRequest, pkgPath, "sealed frame too short (%d bytes)", len(b))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], b[1:1+nonceSize])
	payload, ok := box.OpenAfterPrecomputation(nil, b[1+nonceSize:], &nonce, &f.shared)
	if !ok {
		return nil, bid.New(bid.InvalidRequest, pkgPath, "frame authentication failed")
	}
	return append([]byte{b[0]}, payload...), nil
}

func (f *boxFramer) Close() error { return f.fr.Close() }
