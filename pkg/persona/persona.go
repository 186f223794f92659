// Package persona normalizes secp256k1 public keys that own a kv chain.
package persona

import (
	"encoding/hex"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/xudaotutou/kv-server/pkg/fault"
)

// CompressedLen is the byte length of a normalized persona.
const CompressedLen = secp256k1.PubKeyBytesLenCompressed

// Persona is a compressed secp256k1 public key.
type Persona struct {
	key *secp256k1.PublicKey
}

// Input carries the two request fields a persona can arrive in. Avatar takes
// priority over Persona when both are set.
type Input struct {
	Persona string
	Avatar  string
}

// Resolve picks the field by priority and parses it.
func (in Input) Resolve() (Persona, error) {
	raw := strings.TrimSpace(in.Avatar)
	if raw == "" {
		raw = strings.TrimSpace(in.Persona)
	}
	if raw == "" {
		return Persona{}, fault.New(fault.MissingParameter, "persona", "avatar or persona is required")
	}
	return ParseHex(raw)
}

// ParseHex accepts a compressed or uncompressed key, with or without 0x.
func ParseHex(s string) (Persona, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Persona{}, fault.Wrap(fault.InvalidKey, "persona", err)
	}
	return FromBytes(b)
}

// FromBytes parses a serialized public key. Hybrid encodings are refused.
func FromBytes(b []byte) (Persona, error) {
	switch len(b) {
	case secp256k1.PubKeyBytesLenCompressed, secp256k1.PubKeyBytesLenUncompressed:
	default:
		return Persona{}, fault.Newf(fault.InvalidKey, "persona", "unexpected key length %d", len(b))
	}
	if len(b) == secp256k1.PubKeyBytesLenUncompressed && b[0] != 0x04 {
		return Persona{}, fault.Newf(fault.InvalidKey, "persona", "unexpected key prefix 0x%02x", b[0])
	}
	key, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return Persona{}, fault.Wrap(fault.InvalidKey, "persona", err)
	}
	return Persona{key: key}, nil
}

// FromPublicKey wraps an already parsed key.
func FromPublicKey(key *secp256k1.PublicKey) Persona { return Persona{key: key} }

func (p Persona) IsZero() bool { return p.key == nil }

// Bytes is the 33-byte compressed form stored in the chain.
func (p Persona) Bytes() []byte {
	if p.key == nil {
		return nil
	}
	return p.key.SerializeCompressed()
}

// Hex is the 0x-prefixed lowercase hex of the compressed form.
func (p Persona) Hex() string {
	if p.key == nil {
		return ""
	}
	return "0x" + hex.EncodeToString(p.key.SerializeCompressed())
}

func (p Persona) String() string { return p.Hex() }

func (p Persona) Equal(o Persona) bool {
	if p.key == nil || o.key == nil {
		return p.key == nil && o.key == nil
	}
	return p.key.IsEqual(o.key)
}
