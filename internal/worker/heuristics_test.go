package worker

import (
	"testing"

	"github.com/quillspace/quill/internal/types"
)

func TestHeuristicDistill(t *testing.T) {
	claims := heuristicDistill("The earth is round. It orbits the sun! Tiny. # heading line\nWater boils at 100C?")
	if len(claims) != 3 {
		t.Fatalf("claims = %d, want 3 (short sentence and heading dropped): %+v", len(claims), claims)
	}
	if claims[0].Text != "The earth is round" {
		t.Errorf("first claim = %q", claims[0].Text)
	}
}

func TestBagEmbeddingSimilarity(t *testing.T) {
	a := bagEmbedding([]types.Claim{{Text: "the earth is round"}})
	b := bagEmbedding([]types.Claim{{Text: "the earth is round and blue"}})
	c := bagEmbedding([]types.Claim{{Text: "pasta tastes better with salt"}})

	if len(a) != embeddingDims {
		t.Fatalf("dims = %d", len(a))
	}
	simAB := dot(a, b)
	simAC := dot(a, c)
	if simAB <= simAC {
		t.Errorf("related texts should be closer: ab=%v ac=%v", simAB, simAC)
	}

	// Deterministic across calls.
	a2 := bagEmbedding([]types.Claim{{Text: "the earth is round"}})
	for i := range a {
		if a[i] != a2[i] {
			t.Fatal("embedding not deterministic")
		}
	}
}

func dot(a, b []float32) float64 {
	var out float64
	for i := range a {
		out += float64(a[i]) * float64(b[i])
	}
	return out
}

func TestHeuristicCompareContradiction(t *testing.T) {
	peer := []types.Claim{{Text: "the earth is round"}}
	fresh := []types.Claim{{Text: "the earth is not round"}}

	result := heuristicCompare(peer, fresh)
	if result.Friction != 1.0 {
		t.Errorf("friction = %v, want 1.0", result.Friction)
	}
	if result.Entropy != 0.0 {
		t.Errorf("entropy = %v, want 0.0", result.Entropy)
	}
	if len(result.Contradictions) != 1 {
		t.Errorf("contradictions = %d, want 1", len(result.Contradictions))
	}
}

func TestHeuristicCompareNovelty(t *testing.T) {
	peer := []types.Claim{{Text: "the earth is round"}}
	fresh := []types.Claim{{Text: "octopuses have three hearts"}}

	result := heuristicCompare(peer, fresh)
	if result.Entropy != 1.0 {
		t.Errorf("entropy = %v, want 1.0", result.Entropy)
	}
	if result.Friction != 0.0 {
		t.Errorf("friction = %v, want 0.0", result.Friction)
	}
}

func TestHeuristicClassify(t *testing.T) {
	claims := []types.Claim{{Text: "bridges carry roads over rivers"}}
	topics := []string{"cooking/italian", "engineering/bridges"}

	result := heuristicClassify(claims, topics)
	if result.PrimaryTopic != "engineering/bridges" {
		t.Errorf("topic = %q", result.PrimaryTopic)
	}

	// Nothing related: decline rather than guess.
	result = heuristicClassify([]types.Claim{{Text: "zzz qqq"}}, topics)
	if result.PrimaryTopic != "" {
		t.Errorf("expected no topic, got %q", result.PrimaryTopic)
	}
}
