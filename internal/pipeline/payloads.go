// Package pipeline turns completed jobs into entry state changes and
// follow-up jobs. The payload and result schemas for every job type are
// closed inside this package; the queue treats them as opaque JSON.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/quillspace/quill/internal/types"
)

// DistillPayload asks a worker to extract claims from one entry.
type DistillPayload struct {
	EntryID string `json:"entry_id"`
	// ContextClaims carries sibling-fragment claims and, for a revision, the
	// revised entry's claims, so the model keeps terminology consistent.
	ContextClaims []types.Claim `json:"context_claims,omitempty"`
}

// DistillResult is the worker's claim list.
type DistillResult struct {
	Claims []types.Claim `json:"claims"`
}

// EmbedPayload asks for a dense vector over an entry's claims.
type EmbedPayload struct {
	EntryID string        `json:"entry_id"`
	Claims  []types.Claim `json:"claims"`
}

// EmbedResult carries the vector back.
type EmbedResult struct {
	Embedding []float32 `json:"embedding"`
}

// EmbedMirroredPayload asks for a vector over a mirrored claim row.
type EmbedMirroredPayload struct {
	MirroredClaimID string        `json:"mirrored_claim_id"`
	Claims          []types.Claim `json:"claims"`
}

// ComparePayload asks a worker to compare the entry's claims against one
// peer's.
type ComparePayload struct {
	EntryID        string        `json:"entry_id"`
	CompareAgainst string        `json:"compare_against_id"`
	ClaimsA        []types.Claim `json:"claims_a"`
	ClaimsB        []types.Claim `json:"claims_b"`
	// DiscountFactor is set when the peer is a mirrored claim; friction in
	// the result is scaled by it before landing on the entry.
	DiscountFactor float64 `json:"discount_factor,omitempty"`
	PeerMirrored   bool    `json:"peer_mirrored,omitempty"`
}

// CompareResult is the novelty/contradiction verdict for one peer.
type CompareResult struct {
	ComparedAgainst string                `json:"compared_against"`
	Entropy         float64               `json:"entropy"`
	Friction        float64               `json:"friction"`
	Contradictions  []types.Contradiction `json:"contradictions,omitempty"`
}

// ClassifyPayload asks for a topic assignment.
type ClassifyPayload struct {
	EntryID         string        `json:"entry_id"`
	Claims          []types.Claim `json:"claims"`
	AvailableTopics []string      `json:"available_topics,omitempty"`
}

// ClassifyResult names the chosen topic.
type ClassifyResult struct {
	PrimaryTopic    string   `json:"primary_topic"`
	SecondaryTopics []string `json:"secondary_topics,omitempty"`
	NewTopic        bool     `json:"new_topic,omitempty"`
}

// maxContextClaims bounds how many sibling claims ride along in a distill
// payload.
const maxContextClaims = 40

// SiblingContext collects the claims already distilled from an entry's
// sibling fragments, for the distillation of the remaining ones. Entries
// still pending contribute nothing.
func SiblingContext(siblings []*types.Entry, selfID string) []types.Claim {
	var claims []types.Claim
	for _, sib := range siblings {
		if sib.ID == selfID || sib.ClaimsStatus == types.ClaimsPending {
			continue
		}
		for _, c := range sib.Claims {
			if len(claims) == maxContextClaims {
				return claims
			}
			claims = append(claims, c)
		}
	}
	return claims
}

// decode unmarshals a payload or result with a typed error.
func decode[T any](raw json.RawMessage, what string) (*T, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty %s", what)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", what, err)
	}
	return &v, nil
}

// MustMarshal encodes a payload for enqueueing. Marshal of these closed
// schema types cannot fail.
func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal pipeline payload: %v", err))
	}
	return b
}
