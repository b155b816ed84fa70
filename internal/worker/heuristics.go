package worker

import (
	"hash/fnv"
	"math"
	"strings"

	"github.com/quillspace/quill/internal/pipeline"
	"github.com/quillspace/quill/internal/types"
)

// The heuristic backends keep the worker useful without an API key. They are
// deterministic, which also makes the end-to-end pipeline testable.

// heuristicDistill treats each sentence as one claim.
func heuristicDistill(content string) []types.Claim {
	var claims []types.Claim
	for _, raw := range strings.FieldsFunc(content, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	}) {
		sentence := strings.TrimSpace(raw)
		if len(sentence) < 10 || strings.HasPrefix(sentence, "#") {
			continue
		}
		claims = append(claims, types.Claim{Text: sentence, Confidence: 0.5})
		if len(claims) == 20 {
			break
		}
	}
	return claims
}

// embeddingDims is the fixed width of the bag-of-words vector.
const embeddingDims = 256

// bagEmbedding hashes the lowercased words of the claim texts into a fixed-width
// normalized vector. Cosine over these approximates lexical overlap.
func bagEmbedding(claims []types.Claim) []float32 {
	vec := make([]float32, embeddingDims)
	for _, c := range claims {
		words := strings.Fields(strings.ToLower(c.Text))
		for _, word := range words {
			h := fnv.New32a()
			_, _ = h.Write([]byte(word))
			vec[h.Sum32()%embeddingDims]++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

// heuristicCompare scores novelty as the fraction of new claims with no
// token overlap against any peer claim, and contradiction as the fraction
// that overlap a peer claim while containing an odd negation mismatch.
func heuristicCompare(peerClaims, newClaims []types.Claim) pipeline.CompareResult {
	if len(newClaims) == 0 {
		return pipeline.CompareResult{}
	}
	var novel, contradicts int
	var contradictions []types.Contradiction
	for _, nc := range newClaims {
		overlapped := false
		for _, pc := range peerClaims {
			if tokenOverlap(nc.Text, pc.Text) < 0.3 {
				continue
			}
			overlapped = true
			if negationMismatch(nc.Text, pc.Text) {
				contradicts++
				contradictions = append(contradictions, types.Contradiction{
					A: pc.Text, B: nc.Text, Severity: 0.7,
				})
				break
			}
		}
		if !overlapped {
			novel++
		}
	}
	total := float64(len(newClaims))
	return pipeline.CompareResult{
		Entropy:        float64(novel) / total,
		Friction:       float64(contradicts) / total,
		Contradictions: contradictions,
	}
}

func tokenOverlap(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for t := range ta {
		if tb[t] {
			shared++
		}
	}
	smaller := len(ta)
	if len(tb) < smaller {
		smaller = len(tb)
	}
	return float64(shared) / float64(smaller)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?()\"'")
		if len(w) > 2 {
			out[w] = true
		}
	}
	return out
}

var negations = []string{"not", "no", "never", "isn't", "aren't", "wasn't", "don't", "doesn't", "flat", "false"}

func negationMismatch(a, b string) bool {
	return hasNegation(a) != hasNegation(b)
}

func hasNegation(s string) bool {
	lower := strings.ToLower(s)
	for _, n := range negations {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// heuristicClassify picks the known topic with the best token overlap, or
// declines when nothing fits.
func heuristicClassify(claims []types.Claim, topics []string) pipeline.ClassifyResult {
	var text strings.Builder
	for _, c := range claims {
		text.WriteString(c.Text)
		text.WriteString(" ")
	}
	best := ""
	bestScore := 0.0
	for _, topic := range topics {
		score := tokenOverlap(text.String(), strings.ReplaceAll(topic, "/", " "))
		if score > bestScore {
			best, bestScore = topic, score
		}
	}
	return pipeline.ClassifyResult{PrimaryTopic: best}
}
