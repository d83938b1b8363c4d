package retrieval

import (
	"hash/fnv"
	"math"
	"strings"
)

// Embedder turns text into a fixed-size vector. The engine uses it for
// queries; the index builder uses it for chunks. Implementations must be
// deterministic so query and index vectors stay comparable.
type Embedder interface {
	Embed(text string) []float64
	Dim() int
}

// hashDim is the projection width of the fallback embedder.
const hashDim = 256

// HashEmbedder is a dependency-free embedding fallback: each token is
// hashed into one of Dim buckets with a signed contribution, and the
// result is L2-normalized. It captures lexical overlap, not semantics,
// which is enough to rank chunks of a local corpus against a query.
type HashEmbedder struct{}

// NewHashEmbedder creates the fallback embedder.
func NewHashEmbedder() *HashEmbedder { return &HashEmbedder{} }

func (e *HashEmbedder) Dim() int { return hashDim }

func (e *HashEmbedder) Embed(text string) []float64 {
	vec := make([]float64, hashDim)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % hashDim)
		sign := 1.0
		if sum&(1<<63) != 0 {
			sign = -1.0
		}
		vec[idx] += sign
	}
	normalize(vec)
	return vec
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping
// single-character tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

func normalize(vec []float64) {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
