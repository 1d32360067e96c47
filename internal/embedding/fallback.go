package embedding

import (
	"hash/fnv"
	"math"

	"github.com/blevesearch/bleve/analysis"
	"github.com/blevesearch/bleve/analysis/token/lowercase"
	"github.com/blevesearch/bleve/analysis/tokenizer/unicode"
)

// FallbackDimensions is the vector width of the offline embedder.
const FallbackDimensions = 64

// fallbackAnalyzer reuses the same unicode tokenization and lowercasing the
// search side uses, so offline vectors see the text the same way.
var fallbackAnalyzer = &analysis.Analyzer{
	Tokenizer: unicode.NewUnicodeTokenizer(),
	TokenFilters: []analysis.TokenFilter{
		lowercase.NewLowerCaseFilter(),
	},
}

// FallbackEmbed maps text to a deterministic pseudo-embedding via signed
// feature hashing of analyzed tokens, L2-normalized. It is not semantically
// meaningful but is stable, so identical and near-identical texts still
// score high under cosine similarity.
func FallbackEmbed(text string, dims int) []float32 {
	if dims <= 0 {
		dims = FallbackDimensions
	}
	vec := make([]float32, dims)
	for _, tok := range fallbackAnalyzer.Analyze([]byte(text)) {
		h := fnv.New64a()
		h.Write(tok.Term)
		sum := h.Sum64()
		idx := int(sum % uint64(dims))
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
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
