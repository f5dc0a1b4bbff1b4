/* SPDX-License-Identifier: MIT */

// Package crypto wraps the legacy Blowfish-CBC envelope encryption
// spec.md mandates for wire compatibility. It is deliberately not an
// AEAD: there is no MAC, and an attacker holding the key can forge and
// replay (spec.md §1 Non-goals, §9 Open Questions). Preserve the wire
// format; do not "fix" this into something stronger without breaking
// interop with other ibsschat nodes.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/blowfish"

	"github.com/claesmnyberg/ibsschat/internal/wire"
)

// MaxKeyLen is the largest symmetric key the wire protocol advertises
// (spec.md §6, CRYPTO_KEY_MAXLEN). golang.org/x/crypto/blowfish caps
// actual key material at 56 bytes (448 bits); keys in (56, 60] are
// protocol-legal but rejected by SetKey with the cipher package's own
// KeySizeError; they are not clamped.
const MaxKeyLen = 60

var ErrKeyNotSet = errors.New("crypto: encryption key not set")

// State holds the symmetric key and derived cipher schedule. The zero
// value has no key set; every Encrypt/Decrypt fails until SetKey is
// called. Rotation (SetKey again) is atomic under mu, matching
// spec.md §5's KeyLock.
type State struct {
	mu     sync.RWMutex
	key    []byte
	cipher cipher.Block
}

// SetKey installs a new symmetric key, replacing any previous key
// atomically. Keys longer than MaxKeyLen are rejected.
func (s *State) SetKey(key []byte) error {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return errors.New("crypto: key length out of range")
	}
	block, err := blowfish.NewCipher(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = append([]byte(nil), key...)
	s.cipher = block
	return nil
}

// Set reports whether a key is currently installed.
func (s *State) Set() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cipher != nil
}

// Encrypt draws a fresh random IV into e.IV and CBC-encrypts the
// cipher-block-aligned prefix of the 77-byte payload in place,
// matching chat_crypto_encrypt's behavior exactly (spec.md §4.1, §6).
func (s *State) Encrypt(e *wire.Envelope) error {
	s.mu.RLock()
	block := s.cipher
	s.mu.RUnlock()
	if block == nil {
		return ErrKeyNotSet
	}

	if err := randomIV(e.IV[:]); err != nil {
		return err
	}

	buf := e.Marshal()
	region := wire.CBCRegion(&buf)
	cipher.NewCBCEncrypter(block, e.IV[:]).CryptBlocks(region, region)
	copy(e.Payload[:], buf[len(buf)-wire.PayloadSize:])
	return nil
}

// Decrypt is Encrypt's inverse, in place, using e's existing IV.
func (s *State) Decrypt(e *wire.Envelope) error {
	s.mu.RLock()
	block := s.cipher
	s.mu.RUnlock()
	if block == nil {
		return ErrKeyNotSet
	}

	buf := e.Marshal()
	region := wire.CBCRegion(&buf)
	cipher.NewCBCDecrypter(block, e.IV[:]).CryptBlocks(region, region)
	copy(e.Payload[:], buf[len(buf)-wire.PayloadSize:])
	return nil
}

// randomIV fills b from the OS CSPRNG, falling back to a time-xor-pid
// seed only if crypto/rand is unavailable. This is a documented
// security degradation (spec.md §4.1), never the normal path.
func randomIV(b []byte) error {
	if _, err := rand.Read(b); err == nil {
		return nil
	}
	seed := uint64(time.Now().UnixNano()) ^ uint64(os.Getpid())
	for i := range b {
		seed = seed*6364136223846793005 + 1442695040888963407
		b[i] = byte(seed >> 56)
	}
	return nil
}
