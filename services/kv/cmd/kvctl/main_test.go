package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xudaotutou/kv-server/pkg/logging"
	"github.com/xudaotutou/kv-server/pkg/persona"
	"github.com/xudaotutou/kv-server/pkg/signature"
	"github.com/xudaotutou/kv-server/services/kv/internal/api"
	"github.com/xudaotutou/kv-server/services/kv/internal/chain"
	"github.com/xudaotutou/kv-server/services/kv/internal/store"
)

type allowAll struct{}

func (allowAll) Authorize(context.Context, persona.Persona, string, string) error { return nil }

func savedChain(t *testing.T) api.ChainResponse {
	t.Helper()
	ctx := context.Background()
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	in := persona.Input{Persona: persona.FromPublicKey(key.PubKey()).Hex()}
	svc := chain.NewService(store.NewMemory(), allowAll{}, logging.Discard(), chain.Options{ProposalTTL: time.Hour})

	for _, patch := range []string{`{"a":1}`, `{"b":2}`} {
		p, err := svc.Propose(ctx, chain.ProposeRequest{Persona: in, Platform: "github", Identity: "alice", Patch: json.RawMessage(patch)})
		require.NoError(t, err)
		sig := signature.Encode(signature.Sign(key, []byte(p.SignPayload)))
		_, err = svc.Commit(ctx, chain.CommitRequest{ExternalID: p.ExternalID.String(), Signature: sig})
		require.NoError(t, err)
	}
	p, links, err := svc.History(ctx, in)
	require.NoError(t, err)
	return api.ChainResponse{RequestID: "req_1", Persona: p.Hex(), Links: links}
}

func writeJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "chain.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func run(args ...string) (string, error) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVerifyValidChain(t *testing.T) {
	resp := savedChain(t)
	out, err := run("verify", "--file", writeJSON(t, resp))
	require.NoError(t, err)
	assert.Contains(t, out, "OK 2 links")
	assert.Contains(t, out, resp.Links[1].ExternalID.String())

	out, err = run("--format", "json", "verify", "--file", writeJSON(t, resp.Links))
	require.NoError(t, err)
	var res verifyResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, resp.Persona, res.Persona)
}

func TestVerifyTamperedChain(t *testing.T) {
	resp := savedChain(t)
	resp.Links[0].Patch = json.RawMessage(`{"a":2}`)
	out, err := run("verify", "--file", writeJSON(t, resp))
	assert.ErrorIs(t, err, errInvalidChain)
	assert.Contains(t, out, "INVALID")
}

func TestVerifyPersonaMismatch(t *testing.T) {
	resp := savedChain(t)
	other := savedChain(t)
	resp.Persona = other.Persona
	res := verify(mustJSON(t, resp))
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "links belong to")
}

func TestVerifyUsage(t *testing.T) {
	_, err := run("verify")
	assert.Error(t, err)
	_, err = run("--format", "yaml", "verify", "--file", "x")
	assert.Error(t, err)

	res := verify([]byte("{"))
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "decode")
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
