// CLAUDE:SUMMARY Deterministic query fingerprint: SHA-256 over length-delimited normalized fields plus an algorithm version.
// CLAUDE:EXPORTS Fingerprint, FingerprintWith, NormalizeQuery, ArtifactKey
package dedup

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// FingerprintVersion is folded into every fingerprint. Bumping it after a
// normalization change retires all cached answers at once instead of letting
// old and new keys collide.
const FingerprintVersion = 1

// EntityUnscoped marks a query that is not pinned to any entity. Stored
// as-is in run and mention rows; entity-scoped lookups reject it.
const EntityUnscoped = ""

// Normalizer maps a raw query string to its canonical comparison form.
type Normalizer func(string) string

// NormalizeQuery is the default Normalizer: trim, case-fold, collapse
// interior whitespace runs to a single space.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Fingerprint computes the cache key for a query under the default
// normalization policy. Identical research intents must collide; the
// slightest semantic difference must not.
func Fingerprint(query, toolName string, toolConfig map[string]any, toolVersion string) (string, error) {
	return FingerprintWith(NormalizeQuery, query, toolName, toolConfig, toolVersion)
}

// FingerprintWith is Fingerprint with a caller-supplied Normalizer.
// Fields are length-delimited before hashing so ("ab","c") and ("a","bc")
// cannot produce the same digest.
func FingerprintWith(norm Normalizer, query, toolName string, toolConfig map[string]any, toolVersion string) (string, error) {
	if norm == nil {
		norm = NormalizeQuery
	}
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("%w: empty query", ErrInvalidInput)
	}
	if toolName == "" {
		return "", fmt.Errorf("%w: empty tool name", ErrInvalidInput)
	}

	cfg, err := canonicalConfig(toolConfig)
	if err != nil {
		return "", fmt.Errorf("dedup: hash tool config: %w", err)
	}

	h := sha256.New()
	var lenBuf [8]byte
	writeField := func(s string) {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(fmt.Sprintf("v%d", FingerprintVersion))
	writeField(norm(query))
	writeField(toolName)
	writeField(cfg)
	writeField(toolVersion)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalConfig renders the tool config as canonical JSON. encoding/json
// sorts map keys, so equal configs always serialize identically.
func canonicalConfig(cfg map[string]any) (string, error) {
	if len(cfg) == 0 {
		return "", nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ArtifactKey derives the content-addressed identity of an artifact from its
// canonical URL. Everyone who normalizes the same URL lands on the same row.
func ArtifactKey(canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))
	return hex.EncodeToString(sum[:])
}
