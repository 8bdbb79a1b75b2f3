package knowledge

import (
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lower-cases s in NFC form and collapses whitespace, so
// precomposed and combining Vietnamese spellings compare equal.
func Normalize(s string) string {
	s = norm.NFC.String(strings.ToLower(s))
	return strings.Join(strings.Fields(s), " ")
}

// Fold strips diacritics after normalizing, so "lúa" and "lua" match.
// đ has no decomposition and is mapped by hand.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, Normalize(s))
	if err != nil {
		return Normalize(s)
	}
	return strings.ReplaceAll(out, "đ", "d")
}

// Tokenize splits normalized text on whitespace and strips surrounding
// punctuation from each token.
func Tokenize(s string) []string {
	fields := strings.Fields(Normalize(s))
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) })
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Jaccard is |A∩B| / |A∪B| over the token sets of a and b.
func Jaccard(a, b string) float64 {
	setA := make(map[string]bool)
	for _, t := range Tokenize(a) {
		setA[t] = true
	}
	setB := make(map[string]bool)
	for _, t := range Tokenize(b) {
		setB[t] = true
	}
	union := len(setA)
	inter := 0
	for t := range setB {
		if setA[t] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// TermCosine is the cosine of the term-frequency vectors of a and b.
func TermCosine(a, b string) float64 {
	fa := termFreq(Tokenize(a))
	fb := termFreq(Tokenize(b))
	var dot, na, nb float64
	for t, x := range fa {
		dot += x * fb[t]
		na += x * x
	}
	for _, y := range fb {
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func termFreq(tokens []string) map[string]float64 {
	m := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		m[t]++
	}
	return m
}

// Levenshtein returns the edit distance between a and b in runes.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// LevenshteinSimilarity is 1 - distance/longer length. Two empty
// strings are identical.
func LevenshteinSimilarity(a, b string) float64 {
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(Levenshtein(a, b))/float64(longest)
}

// Similarity blends token overlap, term cosine and edit distance
// (0.4, 0.4, 0.2) on normalized text.
func Similarity(a, b string) float64 {
	a, b = Normalize(a), Normalize(b)
	return 0.4*Jaccard(a, b) + 0.4*TermCosine(a, b) + 0.2*LevenshteinSimilarity(a, b)
}

var stopWords = map[string]bool{
	"là": true, "của": true, "và": true, "có": true, "được": true,
	"trong": true, "với": true, "cho": true, "này": true, "đó": true,
	"các": true, "một": true, "những": true, "để": true, "từ": true,
	"trên": true, "theo": true, "như": true, "khi": true, "nếu": true,
	"gì": true, "nào": true, "sao": true, "thế": true, "không": true,
}

// Keywords returns up to n distinct non-stop-word tokens of s, most
// frequent first. Ties keep their order of appearance.
func Keywords(s string, n int) []string {
	counts := make(map[string]int)
	var order []string
	for _, t := range Tokenize(s) {
		if stopWords[t] || utf8.RuneCountInString(t) <= 2 {
			continue
		}
		if counts[t] == 0 {
			order = append(order, t)
		}
		counts[t]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if n > 0 && len(order) > n {
		order = order[:n]
	}
	return order
}
