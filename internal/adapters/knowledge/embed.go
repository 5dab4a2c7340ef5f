package knowledge

import (
	"context"
	"hash/fnv"
	"math"

	chromem "github.com/philippgille/chromem-go"

	"github.com/AnalineS/roteirosdedispersacao/internal/textutil"
)

const (
	DefaultDim = 1024
	stemLen    = 4
	stemWeight = 0.5
)

var stopwords = map[string]bool{
	"a": true, "o": true, "as": true, "os": true, "e": true, "de": true, "da": true, "do": true,
	"das": true, "dos": true, "em": true, "no": true, "na": true, "nos": true, "nas": true,
	"um": true, "uma": true, "para": true, "por": true, "com": true, "que": true, "qual": true,
	"quais": true, "se": true, "eu": true, "meu": true, "minha": true, "como": true, "posso": true,
	"ao": true, "ou": true,
}

// vocabulary holds the document frequency of every token and stem in the
// indexed corpus. A nil or empty vocabulary weighs every term as 1.
type vocabulary struct {
	docs int
	df   map[string]int
}

func newVocabulary(docs []Document) *vocabulary {
	v := &vocabulary{docs: len(docs), df: make(map[string]int)}
	for _, d := range docs {
		for f := range features(d.Text) {
			v.df[f]++
		}
	}
	return v
}

// idf is the smoothed inverse document frequency. Terms the corpus never
// uses get the highest weight.
func (v *vocabulary) idf(term string) float64 {
	if v == nil || v.docs == 0 {
		return 1
	}
	return math.Log(float64(v.docs+1)/float64(v.df[term]+1)) + 1
}

// key maps a query term to the feature it can match: the token itself, or
// its stem when only an inflection occurs in the corpus.
func (v *vocabulary) key(tok string) string {
	if v == nil || v.df[tok] > 0 {
		return tok
	}
	if st, ok := stem(tok); ok && v.df[st] > 0 {
		return st
	}
	return tok
}

// terms returns the distinct non-stopword tokens of text in order.
func terms(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range textutil.Tokens(text) {
		if stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

func stem(tok string) (string, bool) {
	r := []rune(tok)
	if len(r) < stemLen {
		return "", false
	}
	return string(r[:stemLen]) + "~", true
}

// features is the set of tokens and stems present in text.
func features(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range terms(text) {
		out[tok] = true
		if st, ok := stem(tok); ok {
			out[st] = true
		}
	}
	return out
}

// HashEmbedder returns a deterministic bag-of-words embedding. Each distinct
// folded token and its stem are hashed into one of dim buckets, weighted by
// their inverse document frequency in corpus, and the vector is
// L2-normalized. Related inflections ("dose", "doses") share a stem bucket.
// Without a corpus every term weighs the same.
func HashEmbedder(dim int, corpus ...Document) chromem.EmbeddingFunc {
	if dim <= 0 {
		dim = DefaultDim
	}
	v := newVocabulary(corpus)
	return func(_ context.Context, text string) ([]float32, error) {
		return embed(text, dim, v), nil
	}
}

func embed(text string, dim int, v *vocabulary) []float32 {
	vec := make([]float32, dim)
	for f := range features(text) {
		w := v.idf(f)
		if f[len(f)-1] == '~' {
			w *= stemWeight
		}
		vec[bucket(f, dim)] += float32(w)
	}

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// nothing but stopwords; keep the vector valid
		vec[0] = 1
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

// coverage is the idf-weighted share of the query's terms that doc contains.
// Query terms missing from the whole corpus still count against it.
func (v *vocabulary) coverage(queryTerms []string, doc map[string]bool) float64 {
	var total, hit float64
	for _, tok := range queryTerms {
		k := v.key(tok)
		w := v.idf(k)
		total += w
		if doc[k] {
			hit += w
		}
	}
	if total == 0 {
		return 0
	}
	return hit / total
}

func bucket(s string, dim int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(dim))
}
