package escrow

import (
	"bytes"
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Ciphertext is a confidential value. The engine checks that a payload is
// present and bound to its handle; it never interprets the payload bytes.
type Ciphertext struct {
	Handle  [32]byte
	Payload []byte
	Proof   []byte
}

// HandleOf returns the content handle for a payload.
func HandleOf(payload []byte) [32]byte {
	return blake3.Sum256(payload)
}

// NewCiphertext binds an opaque payload to its handle.
func NewCiphertext(payload, proof []byte) Ciphertext {
	return Ciphertext{
		Handle:  HandleOf(payload),
		Payload: append([]byte(nil), payload...),
		Proof:   append([]byte(nil), proof...),
	}
}

// Validate rejects empty payloads and handles that do not match the payload.
func (c Ciphertext) Validate() error {
	if len(c.Payload) == 0 {
		return ErrInvalidCiphertext
	}
	if HandleOf(c.Payload) != c.Handle {
		return ErrInvalidCiphertext
	}
	return nil
}

// Empty reports whether no payload has been attached.
func (c Ciphertext) Empty() bool {
	return len(c.Payload) == 0 && c.Handle == [32]byte{}
}

// HandleHex renders the handle for events and logs.
func (c Ciphertext) HandleHex() string {
	return hex.EncodeToString(c.Handle[:])
}

// Equal compares handles, payloads and proofs.
func (c Ciphertext) Equal(other Ciphertext) bool {
	return c.Handle == other.Handle && bytes.Equal(c.Payload, other.Payload) && bytes.Equal(c.Proof, other.Proof)
}

func (c Ciphertext) Clone() Ciphertext {
	return Ciphertext{
		Handle:  c.Handle,
		Payload: append([]byte(nil), c.Payload...),
		Proof:   append([]byte(nil), c.Proof...),
	}
}
