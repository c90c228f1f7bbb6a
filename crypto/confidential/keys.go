package confidential

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/curve25519"
)

// ErrUnknownRecipient is returned when no disclosure key is registered for an
// address.
var ErrUnknownRecipient = errors.New("confidential: unknown recipient")

// KeyPair is a curve25519 key used to open sealed escrow values.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// KeyPairFromSeed derives a disclosure key pair from a 32-byte seed.
func KeyPairFromSeed(seed [32]byte) (KeyPair, error) {
	pub, err := curve25519.X25519(seed[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	var kp KeyPair
	copy(kp.Public[:], pub)
	kp.Private = seed
	return kp, nil
}

// PublicHex renders the public key for exchange.
func (k KeyPair) PublicHex() string {
	return FormatPublicKey(k.Public)
}

func FormatPublicKey(pub [32]byte) string {
	return hex.EncodeToString(pub[:])
}

// ParsePublicKey decodes a hex encoded disclosure key.
func ParsePublicKey(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return out, fmt.Errorf("confidential: invalid public key: %w", err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("confidential: public key must be 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// Directory maps participant addresses to their disclosure public keys.
type Directory struct {
	mu   sync.RWMutex
	keys map[[20]byte][32]byte
}

func NewDirectory() *Directory {
	return &Directory{keys: make(map[[20]byte][32]byte)}
}

// Register stores or replaces the disclosure key of addr.
func (d *Directory) Register(addr [20]byte, pub [32]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[addr] = pub
}

// Lookup returns the disclosure key of addr.
func (d *Directory) Lookup(addr [20]byte) ([32]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pub, ok := d.keys[addr]
	if !ok {
		return [32]byte{}, ErrUnknownRecipient
	}
	return pub, nil
}
