package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// MaxKeyLength bounds the literal form of a composed key. Longer keys
// degrade to a hashed form.
const MaxKeyLength = 250

// KeyBuilder produces deterministic, namespaced cache keys.
//
// Keys have the shape namespace:resourceType[:resourceID][:action][:paramHash].
// Parameters are hashed with their keys sorted, so two equal parameter sets
// produce the same key regardless of insertion order.
type KeyBuilder struct {
	namespace string
}

// KeyParts is the best-effort decomposition of a literal key, for
// diagnostics only. Hashed keys do not round-trip.
type KeyParts struct {
	Namespace    string
	ResourceType string
	Rest         []string
}

// NewKeyBuilder creates a key builder for the given namespace.
func NewKeyBuilder(namespace string) *KeyBuilder {
	if namespace == "" {
		namespace = "fleetkeep"
	}
	return &KeyBuilder{namespace: namespace}
}

// Build composes a cache key. resourceID, action and params are optional.
func (b *KeyBuilder) Build(resourceType, resourceID, action string, params map[string]any) string {
	parts := []string{b.namespace, resourceType}
	if resourceID != "" {
		parts = append(parts, resourceID)
	}
	if action != "" {
		parts = append(parts, action)
	}
	if len(params) > 0 {
		parts = append(parts, hashParams(params))
	}

	key := strings.Join(parts, ":")
	if len(key) <= MaxKeyLength {
		return key
	}

	// Oversized keys keep the namespace and type visible and hash the rest.
	sum := sha256.Sum256([]byte(key))
	return b.namespace + ":" + resourceType + ":" + hex.EncodeToString(sum[:])
}

// PatternFor returns the wildcard pattern matching every key of a resource
// family, for bulk invalidation.
func (b *KeyBuilder) PatternFor(resourceType, resourceID string) string {
	if resourceID != "" {
		return b.namespace + ":" + resourceType + ":" + resourceID + ":*"
	}
	return b.namespace + ":" + resourceType + ":*"
}

// Prefix returns the aggregation prefix of a key: namespace plus resource
// type. Keys that do not carry the builder's namespace aggregate under
// their first segment.
func (b *KeyBuilder) Prefix(key string) string {
	segs := strings.SplitN(key, ":", 3)
	if len(segs) >= 2 {
		return segs[0] + ":" + segs[1]
	}
	return segs[0]
}

// Parse splits a literal key into its parts. It returns false for keys
// outside this builder's namespace or in degraded hashed form.
func (b *KeyBuilder) Parse(key string) (KeyParts, bool) {
	segs := strings.Split(key, ":")
	if len(segs) < 2 || segs[0] != b.namespace {
		return KeyParts{}, false
	}
	// A 64-char hex tail marks a degraded key.
	last := segs[len(segs)-1]
	if len(last) == 64 && isHex(last) {
		return KeyParts{}, false
	}
	return KeyParts{
		Namespace:    segs[0],
		ResourceType: segs[1],
		Rest:         segs[2:],
	}, true
}

// hashParams returns a 128-bit hex digest of the sorted parameter set.
func hashParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		v, _ := json.Marshal(params[k])
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write(v)
		h.Write([]byte{';'})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
