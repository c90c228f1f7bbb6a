package confidential

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/nacl/box"
	"lukechampine.com/blake3"

	"veilescrow/native/escrow"
)

// Kind tags what a sealed payload carries.
type Kind uint8

const (
	KindAmount Kind = iota + 1
	KindApproval
	KindReason
)

var (
	ErrNotRecipient   = errors.New("confidential: value not sealed for recipient")
	ErrOpenFailed     = errors.New("confidential: unable to open envelope")
	ErrUnexpectedKind = errors.New("confidential: unexpected payload kind")
	errNoRecipients   = errors.New("confidential: at least one recipient required")
)

type envelope struct {
	Recipient [20]byte
	Ephemeral [32]byte
	Nonce     [24]byte
	Box       []byte
}

type sealed struct {
	Kind      uint8
	Envelopes []envelope
}

// Codec seals values for a set of participants. Each recipient gets its own
// nacl box so any one of them can open the value with their disclosure key.
type Codec struct {
	dir  *Directory
	rand io.Reader
}

func NewCodec(dir *Directory) *Codec {
	return &Codec{dir: dir, rand: rand.Reader}
}

// SealAmount encrypts a 256-bit amount for the recipients.
func (c *Codec) SealAmount(amount *uint256.Int, recipients ...[20]byte) (escrow.Ciphertext, error) {
	if amount == nil {
		return escrow.Ciphertext{}, fmt.Errorf("confidential: nil amount")
	}
	plain := amount.Bytes32()
	return c.seal(KindAmount, plain[:], recipients)
}

// SealApproval encrypts a free-form approval note.
func (c *Codec) SealApproval(note string, recipients ...[20]byte) (escrow.Ciphertext, error) {
	return c.seal(KindApproval, []byte(note), recipients)
}

// SealReason encrypts a refund reason.
func (c *Codec) SealReason(reason string, recipients ...[20]byte) (escrow.Ciphertext, error) {
	return c.seal(KindReason, []byte(reason), recipients)
}

func (c *Codec) seal(kind Kind, plain []byte, recipients [][20]byte) (escrow.Ciphertext, error) {
	if len(recipients) == 0 {
		return escrow.Ciphertext{}, errNoRecipients
	}
	payload := sealed{Kind: uint8(kind)}
	seen := make(map[[20]byte]struct{}, len(recipients))
	for _, recipient := range recipients {
		if _, dup := seen[recipient]; dup {
			continue
		}
		seen[recipient] = struct{}{}
		pub, err := c.dir.Lookup(recipient)
		if err != nil {
			return escrow.Ciphertext{}, fmt.Errorf("%w: %x", err, recipient)
		}
		ephPub, ephPriv, err := box.GenerateKey(c.rand)
		if err != nil {
			return escrow.Ciphertext{}, err
		}
		env := envelope{Recipient: recipient, Ephemeral: *ephPub}
		if _, err := io.ReadFull(c.rand, env.Nonce[:]); err != nil {
			return escrow.Ciphertext{}, err
		}
		env.Box = box.Seal(nil, plain, &env.Nonce, &pub, ephPriv)
		payload.Envelopes = append(payload.Envelopes, env)
	}
	encoded, err := rlp.EncodeToBytes(&payload)
	if err != nil {
		return escrow.Ciphertext{}, err
	}
	return escrow.NewCiphertext(encoded, recipientProof(payload.Envelopes)), nil
}

// recipientProof commits to the recipient set so observers can check who can
// open a value without seeing it.
func recipientProof(envs []envelope) []byte {
	h := blake3.New(32, nil)
	for _, env := range envs {
		h.Write(env.Recipient[:])
	}
	return h.Sum(nil)
}

// Recipients lists the addresses a ciphertext was sealed for.
func Recipients(ct escrow.Ciphertext) ([][20]byte, Kind, error) {
	payload, err := decode(ct)
	if err != nil {
		return nil, 0, err
	}
	out := make([][20]byte, len(payload.Envelopes))
	for i, env := range payload.Envelopes {
		out[i] = env.Recipient
	}
	return out, Kind(payload.Kind), nil
}

func decode(ct escrow.Ciphertext) (*sealed, error) {
	if err := ct.Validate(); err != nil {
		return nil, err
	}
	var payload sealed
	if err := rlp.DecodeBytes(ct.Payload, &payload); err != nil {
		return nil, fmt.Errorf("confidential: malformed payload: %w", err)
	}
	return &payload, nil
}

// Open decrypts the value for recipient using its disclosure key pair.
func Open(ct escrow.Ciphertext, recipient [20]byte, key KeyPair) ([]byte, Kind, error) {
	payload, err := decode(ct)
	if err != nil {
		return nil, 0, err
	}
	for _, env := range payload.Envelopes {
		if env.Recipient != recipient {
			continue
		}
		plain, ok := box.Open(nil, env.Box, &env.Nonce, &env.Ephemeral, &key.Private)
		if !ok {
			return nil, 0, ErrOpenFailed
		}
		return plain, Kind(payload.Kind), nil
	}
	return nil, 0, ErrNotRecipient
}

// OpenAmount decrypts an amount sealed with SealAmount.
func OpenAmount(ct escrow.Ciphertext, recipient [20]byte, key KeyPair) (*uint256.Int, error) {
	plain, kind, err := Open(ct, recipient, key)
	if err != nil {
		return nil, err
	}
	if kind != KindAmount {
		return nil, ErrUnexpectedKind
	}
	return new(uint256.Int).SetBytes(plain), nil
}

// OpenText decrypts an approval note or refund reason.
func OpenText(ct escrow.Ciphertext, recipient [20]byte, key KeyPair) (string, Kind, error) {
	plain, kind, err := Open(ct, recipient, key)
	if err != nil {
		return "", 0, err
	}
	if kind == KindAmount {
		return "", kind, ErrUnexpectedKind
	}
	return string(plain), kind, nil
}
