package chain

import (
	"encoding/json"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Document is the folded state of one (platform, identity) pair.
type Document struct {
	Platform string          `json:"platform"`
	Identity string          `json:"identity"`
	Content  json.RawMessage `json:"content"`
}

type docKey struct{ platform, identity string }

// Replay folds committed patches in seq order with JSON Merge Patch
// (RFC 7386). Later keys win; a null value deletes a key. A patch that is
// not an object replaces the document outright.
func Replay(links []Link) ([]Document, error) {
	docs := make(map[docKey][]byte)
	for _, l := range links {
		k := docKey{l.Platform, l.Identity}
		cur, ok := docs[k]
		if !ok {
			cur = []byte("{}")
		}
		next, err := jsonpatch.MergePatch(cur, l.Patch)
		if err != nil {
			return nil, fmt.Errorf("replay link %s: %w", l.ExternalID, err)
		}
		docs[k] = next
	}
	out := make([]Document, 0, len(docs))
	for k, content := range docs {
		out = append(out, Document{Platform: k.platform, Identity: k.identity, Content: content})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		return out[i].Identity < out[j].Identity
	})
	return out, nil
}
