package chroma

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	chromem "github.com/philippgille/chromem-go"
)

// DefaultEmbeddingName tags the built-in deterministic embedder.
const DefaultEmbeddingName = "local-hash-v1"

// embeddingFuncs maps embedding function tags to implementations. The
// embedding function itself is an opaque pluggable capability; external
// providers register here at startup.
var embeddingFuncs = map[string]chromem.EmbeddingFunc{
	DefaultEmbeddingName: localHashEmbedding,
}

// RegisterEmbeddingFunc makes a named embedding function available to
// collections created with that tag.
func RegisterEmbeddingFunc(name string, fn chromem.EmbeddingFunc) {
	embeddingFuncs[name] = fn
}

func lookupEmbeddingFunc(name string) chromem.EmbeddingFunc {
	if fn, ok := embeddingFuncs[name]; ok {
		return fn
	}
	return localHashEmbedding
}

const localHashDims = 128

// localHashEmbedding is a deterministic, dependency-free embedder:
// token hashes folded into a fixed-size vector, L2-normalised. Adequate
// for tests and offline use; production deployments register a real
// model under their own tag.
func localHashEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, localHashDims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % localHashDims)
		sign := float32(1)
		if (sum>>63)&1 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1 // zero vectors break cosine similarity
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}
