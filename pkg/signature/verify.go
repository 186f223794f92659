package signature

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/xudaotutou/kv-server/pkg/persona"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidEncoding  = errors.New("invalid encoding")
)

// Digest is Keccak-256 over the personal-sign framing of payload.
func Digest(payload []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(personalPrefix))
	h.Write([]byte(strconv.Itoa(len(payload))))
	h.Write(payload)
	return h.Sum(nil)
}

// Sign produces an r || s || v signature with v in {27, 28}.
func Sign(key *secp256k1.PrivateKey, payload []byte) []byte {
	compact := ecdsa.SignCompact(key, Digest(payload), false)
	out := make([]byte, Len)
	copy(out, compact[1:])
	out[64] = compact[0]
	return out
}

// Recover returns the persona that produced sig over payload.
func Recover(payload, sig []byte) (persona.Persona, error) {
	if len(sig) != Len {
		return persona.Persona{}, ErrInvalidEncoding
	}
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 3 {
		return persona.Persona{}, ErrInvalidEncoding
	}
	compact := make([]byte, Len)
	compact[0] = 27 + v
	copy(compact[1:], sig[:64])
	pub, _, err := ecdsa.RecoverCompact(compact, Digest(payload))
	if err != nil {
		return persona.Persona{}, ErrInvalidSignature
	}
	return persona.FromPublicKey(pub), nil
}

// Verify checks that sig over payload was made by p.
func Verify(p persona.Persona, payload, sig []byte) error {
	if p.IsZero() {
		return ErrInvalidSignature
	}
	signer, err := Recover(payload, sig)
	if err != nil {
		return err
	}
	if !signer.Equal(p) {
		return ErrInvalidSignature
	}
	return nil
}

// Decode accepts 0x-prefixed hex, std base64 (padded or not) and base64url
// without padding.
func Decode(in string) ([]byte, error) {
	s := strings.TrimSpace(in)
	if s == "" {
		return nil, ErrInvalidEncoding
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		b, err := hex.DecodeString(s[2:])
		if err != nil {
			return nil, ErrInvalidEncoding
		}
		return checkLen(b)
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return checkLen(b)
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return checkLen(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return checkLen(b)
	}
	return nil, ErrInvalidEncoding
}

// Encode is the textual form used in payloads and audit output.
func Encode(sig []byte) string { return base64.StdEncoding.EncodeToString(sig) }

func checkLen(b []byte) ([]byte, error) {
	if len(b) != Len {
		return nil, ErrInvalidEncoding
	}
	return b, nil
}
