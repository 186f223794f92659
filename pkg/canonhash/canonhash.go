// Package canonhash produces RFC 8785 canonical JSON and digests over it.
package canonhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// Marshal encodes v with encoding/json and canonicalizes the result: sorted
// keys, ECMAScript number formatting, minimal string escaping.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Canonicalize(b)
}

// Canonicalize rewrites an arbitrary JSON document into canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	return jcs.Transform(raw)
}

// Sum is the "sha256:<hex>" digest label used in audit output.
func Sum(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}
