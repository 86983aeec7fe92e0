package money

import "fmt"

// ErrUnknownPool rejects pool identifiers outside the closed vocabulary.
var ErrUnknownPool = fmt.Errorf("unknown pool id")

// PoolID names a model pool. The vocabulary is closed; anything else is
// rejected at the wire boundary with UNKNOWN_POOL.
type PoolID string

const (
	PoolCheap     PoolID = "cheap"
	PoolFastCode  PoolID = "fast-code"
	PoolReviewer  PoolID = "reviewer"
	PoolReasoning PoolID = "reasoning"
	PoolArchitect PoolID = "architect"
)

// AllPools lists the closed vocabulary in canonical order.
func AllPools() []PoolID {
	return []PoolID{PoolCheap, PoolFastCode, PoolReviewer, PoolReasoning, PoolArchitect}
}

// ParsePool validates a wire-form pool id.
func ParsePool(s string) (PoolID, error) {
	switch p := PoolID(s); p {
	case PoolCheap, PoolFastCode, PoolReviewer, PoolReasoning, PoolArchitect:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPool, s)
}

// Valid reports whether p is in the closed vocabulary.
func (p PoolID) Valid() bool {
	_, err := ParsePool(string(p))
	return err == nil
}
