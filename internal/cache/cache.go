// Package cache memoizes footprint results, content-addressed by the job's
// inputs snapshot, options and factor table version. Bumping the factor
// version changes the key, so old entries are invalidated by construction and
// stay around for audit.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"footprint-service/internal/entity"
)

type Cache interface {
	// Get returns (result, true, nil) on a hit. Backend failures come back
	// as an error; callers treat them as a miss and move on.
	Get(ctx context.Context, key string) (*entity.FootprintResult, bool, error)
	Put(ctx context.Context, key string, res entity.FootprintResult) error
}

// Key derives the content address for an inputs snapshot. The snapshot JSON
// is re-marshalled through a generic value first, which sorts object keys, so
// two submissions that differ only in field order hash identically.
func Key(inputs json.RawMessage, opts entity.Options) string {
	canonical := canonicalJSON(inputs)

	h := sha256.New()
	h.Write(canonical)
	fmt.Fprintf(h, "|method=%s|alloc=%s|factors=%s", opts.Method, opts.AllocationMethod, opts.FactorVersion)
	return "fp:result:" + hex.EncodeToString(h.Sum(nil))
}

func canonicalJSON(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		// not valid JSON: hash the bytes as-is
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return b
}
