package chain_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xudaotutou/kv-server/pkg/signature"
	"github.com/xudaotutou/kv-server/services/kv/internal/chain"
)

func threeLinks(t *testing.T) []chain.AuditLink {
	t.Helper()
	h := newHarness(t)
	h.commit(t, h.propose(t, "alice", `{"a":1}`))
	h.commit(t, h.propose(t, "alice", `{"a":2}`))
	h.commit(t, h.propose(t, "bob", `{"b":1}`))
	_, links, err := h.svc.History(context.Background(), h.persona())
	require.NoError(t, err)
	require.Len(t, links, 3)
	return links
}

func TestHistoryVerifies(t *testing.T) {
	links := threeLinks(t)
	assert.Nil(t, links[0].PreviousExternalID)
	for i, l := range links {
		assert.Equal(t, int64(i+1), l.Seq)
		assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, l.PayloadHash)
		if i > 0 {
			assert.Equal(t, links[i-1].ExternalID, *l.PreviousExternalID)
		}
	}
	assert.NoError(t, chain.VerifyChain(links))
}

func TestVerifyChainSurvivesJSONRoundTrip(t *testing.T) {
	links := threeLinks(t)
	b, err := json.Marshal(links)
	require.NoError(t, err)
	var back []chain.AuditLink
	require.NoError(t, json.Unmarshal(b, &back))
	assert.NoError(t, chain.VerifyChain(back))
}

func TestVerifyChainRejects(t *testing.T) {
	cases := map[string]func(t *testing.T, links []chain.AuditLink) []chain.AuditLink{
		"tampered patch": func(_ *testing.T, links []chain.AuditLink) []chain.AuditLink {
			links[1].Patch = json.RawMessage(`{"a":3}`)
			return links
		},
		"tampered payload": func(_ *testing.T, links []chain.AuditLink) []chain.AuditLink {
			links[1].SignaturePayload += " "
			return links
		},
		"forged signature": func(_ *testing.T, links []chain.AuditLink) []chain.AuditLink {
			k, _ := secp256k1.GeneratePrivateKey()
			links[2].Signature = signature.Encode(signature.Sign(k, []byte(links[2].SignaturePayload)))
			return links
		},
		"fork": func(_ *testing.T, links []chain.AuditLink) []chain.AuditLink {
			root := links[0].ExternalID
			links[2].PreviousExternalID = &root
			return links
		},
		"dropped link": func(_ *testing.T, links []chain.AuditLink) []chain.AuditLink {
			return append(links[:1], links[2:]...)
		},
		"reordered": func(_ *testing.T, links []chain.AuditLink) []chain.AuditLink {
			links[0], links[1] = links[1], links[0]
			return links
		},
		"root with parent": func(_ *testing.T, links []chain.AuditLink) []chain.AuditLink {
			id := uuid.New()
			links[0].PreviousExternalID = &id
			return links
		},
		"foreign persona": func(t *testing.T, links []chain.AuditLink) []chain.AuditLink {
			other := newHarness(t)
			other.commit(t, other.propose(t, "carol", `{"c":1}`))
			_, theirs, err := other.svc.History(context.Background(), other.persona())
			require.NoError(t, err)
			theirs[0].Seq = 4
			prev := links[2].ExternalID
			theirs[0].PreviousExternalID = &prev
			return append(links, theirs[0])
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			links := threeLinks(t)
			err := chain.VerifyChain(mutate(t, links))
			require.Error(t, err)
			assert.ErrorIs(t, err, chain.ErrChainBroken)
		})
	}
}

func TestVerifyChainEmpty(t *testing.T) {
	assert.NoError(t, chain.VerifyChain(nil))
}
