package chain

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xudaotutou/kv-server/pkg/canonhash"
	"github.com/xudaotutou/kv-server/pkg/persona"
	"github.com/xudaotutou/kv-server/pkg/signature"
)

// AuditLink is the export form of a committed link. It carries everything
// needed to re-verify the chain without the server.
type AuditLink struct {
	ExternalID         uuid.UUID       `json:"external_id"`
	PreviousExternalID *uuid.UUID      `json:"previous"`
	Seq                int64           `json:"seq"`
	Persona            string          `json:"persona"`
	Platform           string          `json:"platform"`
	Identity           string          `json:"identity"`
	Patch              json.RawMessage `json:"patch"`
	CreatedAt          int64           `json:"created_at"`
	CommittedAt        int64           `json:"committed_at"`
	Signature          string          `json:"signature"`
	SignaturePayload   string          `json:"signature_payload"`
	PayloadHash        string          `json:"payload_hash"`
}

// AuditChain converts committed links, ordered by seq, to export form.
// Each previous field is resolved from the stored parent id, which must be
// one of the links given.
func AuditChain(links []Link) ([]AuditLink, error) {
	byID := make(map[int64]uuid.UUID, len(links))
	for _, l := range links {
		byID[l.ID] = l.ExternalID
	}
	out := make([]AuditLink, 0, len(links))
	for _, l := range links {
		a := AuditLink{
			ExternalID:       l.ExternalID,
			Seq:              l.Seq,
			Persona:          l.PersonaHex(),
			Platform:         l.Platform,
			Identity:         l.Identity,
			Patch:            l.Patch,
			CreatedAt:        l.CreatedAt.Unix(),
			Signature:        signature.Encode(l.Signature),
			SignaturePayload: l.SignaturePayload,
			PayloadHash:      canonhash.Sum([]byte(l.SignaturePayload)),
		}
		if l.CommittedAt != nil {
			a.CommittedAt = l.CommittedAt.Unix()
		}
		if l.PreviousID != nil {
			prev, ok := byID[*l.PreviousID]
			if !ok {
				return nil, fmt.Errorf("link %s: parent %d is not in the committed chain", l.ExternalID, *l.PreviousID)
			}
			a.PreviousExternalID = &prev
		}
		out = append(out, a)
	}
	return out, nil
}

// ErrChainBroken is wrapped by every VerifyChain failure.
var ErrChainBroken = errors.New("chain verification failed")

// VerifyChain checks an exported chain root-first: linkage, seq
// continuity, a single persona, payload recomputation and every signature.
func VerifyChain(links []AuditLink) error {
	if len(links) == 0 {
		return nil
	}
	owner, err := persona.ParseHex(links[0].Persona)
	if err != nil {
		return chainErr(0, err)
	}
	seen := make(map[uuid.UUID]bool, len(links))
	var prevSig []byte
	for i, l := range links {
		if seen[l.ExternalID] {
			return chainErr(i, fmt.Errorf("duplicate link %s", l.ExternalID))
		}
		seen[l.ExternalID] = true
		if l.Seq != int64(i+1) {
			return chainErr(i, fmt.Errorf("seq %d, want %d", l.Seq, i+1))
		}
		switch {
		case i == 0 && l.PreviousExternalID != nil:
			return chainErr(i, errors.New("root link has a previous link"))
		case i > 0 && (l.PreviousExternalID == nil || *l.PreviousExternalID != links[i-1].ExternalID):
			return chainErr(i, errors.New("previous link does not match the preceding link"))
		}
		p, err := persona.ParseHex(l.Persona)
		if err != nil {
			return chainErr(i, err)
		}
		if !p.Equal(owner) {
			return chainErr(i, errors.New("link belongs to another persona"))
		}
		sig, err := base64.StdEncoding.DecodeString(l.Signature)
		if err != nil {
			return chainErr(i, err)
		}
		draft := Draft{
			ExternalID:        l.ExternalID,
			Persona:           p.Bytes(),
			Platform:          l.Platform,
			Identity:          l.Identity,
			Patch:             []byte(l.Patch),
			CreatedAt:         unix(l.CreatedAt),
			PreviousSignature: prevSig,
		}
		payload, err := draft.Payload()
		if err != nil {
			return chainErr(i, err)
		}
		if !bytes.Equal(payload, []byte(l.SignaturePayload)) {
			return chainErr(i, errors.New("signature_payload does not match the link fields"))
		}
		if err := signature.Verify(p, payload, sig); err != nil {
			return chainErr(i, err)
		}
		prevSig = sig
	}
	return nil
}

func chainErr(i int, err error) error {
	return fmt.Errorf("link %d: %w: %w", i, ErrChainBroken, err)
}

func unix(sec int64) time.Time { return time.Unix(sec, 0).UTC() }
