/* SPDX-License-Identifier: MIT */

package crypto

import (
	"net/netip"
	"testing"

	"github.com/claesmnyberg/ibsschat/internal/wire"
)

func TestEncryptDecryptInverse(t *testing.T) {
	var s State
	if err := s.SetKey([]byte("hunter2")); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	self := netip.MustParseAddr("10.0.0.1")
	payload, err := wire.BuildChatText("round trip")
	if err != nil {
		t.Fatalf("BuildChatText: %v", err)
	}
	orig := &wire.Envelope{Type: wire.TypeMsg, Payload: payload}
	wire.SetID(orig, self, nil)

	working := *orig
	if err := s.Encrypt(&working); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	// IV is freshly drawn; everything else about the header is untouched.
	if working.Payload == orig.Payload && working.IV == ([8]byte{}) {
		t.Fatalf("Encrypt left IV unset")
	}

	if err := s.Decrypt(&working); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if working.Payload != orig.Payload {
		t.Fatalf("Decrypt(Encrypt(env)).Payload != env.Payload")
	}
	if working.Type != orig.Type || working.ID != orig.ID {
		t.Fatalf("Decrypt(Encrypt(env)) altered header fields")
	}
}

func TestEncryptLeavesTrailingBytesInCleartext(t *testing.T) {
	var s State
	if err := s.SetKey([]byte("k")); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	env := &wire.Envelope{Type: wire.TypeMsg}
	for i := range env.Payload {
		env.Payload[i] = 0xAB
	}
	if err := s.Encrypt(env); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// The last bytes of the 77-byte payload fall outside the 72-byte
	// CBC-aligned region and must be untouched (spec.md §6 wire quirk).
	for i := 72; i < len(env.Payload); i++ {
		if env.Payload[i] != 0xAB {
			t.Fatalf("trailing byte %d = %#x, want unchanged 0xAB", i, env.Payload[i])
		}
	}
}

func TestEncryptDecryptFailWithoutKey(t *testing.T) {
	var s State
	env := &wire.Envelope{Type: wire.TypeMsg}
	if err := s.Encrypt(env); err != ErrKeyNotSet {
		t.Fatalf("Encrypt without key: err = %v, want ErrKeyNotSet", err)
	}
	if err := s.Decrypt(env); err != ErrKeyNotSet {
		t.Fatalf("Decrypt without key: err = %v, want ErrKeyNotSet", err)
	}
}

func TestSetKeyRejectsOutOfRangeLengths(t *testing.T) {
	var s State
	if err := s.SetKey(nil); err == nil {
		t.Fatalf("SetKey(nil) succeeded, want error")
	}
	if err := s.SetKey(make([]byte, MaxKeyLen+1)); err == nil {
		t.Fatalf("SetKey(61 bytes) succeeded, want error")
	}
}

func TestSetKeyRotatesAtomically(t *testing.T) {
	var s State
	if err := s.SetKey([]byte("first-key")); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if !s.Set() {
		t.Fatalf("Set() = false after SetKey")
	}

	env := &wire.Envelope{Type: wire.TypeMsg}
	if err := s.Encrypt(env); err != nil {
		t.Fatalf("Encrypt with first key: %v", err)
	}
	firstCipher := *env

	if err := s.SetKey([]byte("second-key")); err != nil {
		t.Fatalf("SetKey (rotate): %v", err)
	}
	env2 := &wire.Envelope{Type: wire.TypeMsg}
	copy(env2.IV[:], firstCipher.IV[:])
	if err := s.Decrypt(env2); err != nil {
		t.Fatalf("Decrypt with rotated key: %v", err)
	}
	if env2.Payload == firstCipher.Payload {
		t.Fatalf("decrypting with a different key reproduced the original ciphertext-derived payload")
	}
}
