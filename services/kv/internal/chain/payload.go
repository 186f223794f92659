package chain

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/xudaotutou/kv-server/pkg/canonhash"
	"github.com/xudaotutou/kv-server/pkg/fault"
)

// PayloadVersion is bumped whenever the signed layout changes.
const PayloadVersion = "1"

// Draft holds every field that goes into a signed payload.
type Draft struct {
	ExternalID        uuid.UUID
	Persona           []byte
	Platform          string
	Identity          string
	Patch             json.RawMessage
	CreatedAt         time.Time
	PreviousSignature []byte
}

type signPayload struct {
	Version    string          `json:"version"`
	ExternalID string          `json:"external_id"`
	Persona    string          `json:"persona"`
	Platform   string          `json:"platform"`
	Identity   string          `json:"identity"`
	Patch      json.RawMessage `json:"patch"`
	CreatedAt  int64           `json:"created_at"`
	Previous   *string         `json:"previous"`
}

// Payload is the RFC 8785 canonical JSON the persona signs. Equal drafts
// always give equal bytes.
func (d Draft) Payload() ([]byte, error) {
	sp := signPayload{
		Version:    PayloadVersion,
		ExternalID: d.ExternalID.String(),
		Persona:    "0x" + hex.EncodeToString(d.Persona),
		Platform:   d.Platform,
		Identity:   d.Identity,
		Patch:      d.Patch,
		CreatedAt:  d.CreatedAt.Unix(),
	}
	if len(d.PreviousSignature) > 0 {
		prev := base64.StdEncoding.EncodeToString(d.PreviousSignature)
		sp.Previous = &prev
	}
	b, err := canonhash.Marshal(sp)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "chain.payload", err)
	}
	return b, nil
}

// NormalizePatch validates a caller patch and returns its canonical form.
// Any JSON value is accepted. Numbers must survive the float64 rewrite of
// canonicalization unchanged, so signed bytes never differ in value from
// what the caller sent.
func NormalizePatch(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fault.New(fault.MissingParameter, "patch", "patch is required")
	}
	if !json.Valid(trimmed) {
		return nil, fault.New(fault.BadRequest, "patch", "patch is not valid JSON")
	}
	if err := exactNumbers(trimmed); err != nil {
		return nil, fault.Wrap(fault.BadRequest, "patch", err)
	}
	b, err := canonhash.Canonicalize(trimmed)
	if err != nil {
		return nil, fault.Wrap(fault.BadRequest, "patch", err)
	}
	return b, nil
}

func exactNumbers(doc []byte) error {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		n, ok := tok.(json.Number)
		if !ok {
			continue
		}
		if !float64Exact(n.String()) {
			return fmt.Errorf("number %s cannot be represented exactly, send it as a string", n)
		}
	}
}

// float64Exact reports whether the shortest float64 rendering of s has the
// same value as s.
func float64Exact(s string) bool {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false
	}
	want, ok := new(big.Rat).SetString(s)
	if !ok {
		return false
	}
	got, ok := new(big.Rat).SetString(strconv.FormatFloat(f, 'g', -1, 64))
	return ok && want.Cmp(got) == 0
}
