package knowledge

import (
	"math"
	"reflect"
	"testing"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Cách   Trồng\tLÚA ", "cách trồng lúa"},
		{"lu\u0301a", "l\u00faa"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if Normalize("lu\u0301a") != Normalize("l\u00faa") {
		t.Error("combining and precomposed forms differ after Normalize")
	}
}

func TestFold(t *testing.T) {
	if got := Fold("Đồng Ruộng"); got != "dong ruong" {
		t.Errorf("Fold = %q, want dong ruong", got)
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Lúa, ngô và khoai!")
	want := []string{"lúa", "ngô", "và", "khoai"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokenize = %q, want %q", got, want)
	}
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"a b c", "b c d", 0.5},
		{"a b", "a b", 1},
		{"a", "b", 0},
		{"", "", 0},
	}
	for _, tt := range tests {
		if got := Jaccard(tt.a, tt.b); !near(got, tt.want) {
			t.Errorf("Jaccard(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestTermCosine(t *testing.T) {
	if got := TermCosine("bón phân lúa", "lúa bón phân"); !near(got, 1) {
		t.Errorf("same terms = %v, want 1", got)
	}
	if got := TermCosine("bón phân", "tưới nước"); got != 0 {
		t.Errorf("disjoint = %v, want 0", got)
	}
	if got := TermCosine("", "lúa"); got != 0 {
		t.Errorf("empty = %v, want 0", got)
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"kitten", "sitting", 3},
		{"", "abc", 3},
		{"lúa", "lua", 1},
		{"cà chua", "cà chua", 0},
	}
	for _, tt := range tests {
		if got := Levenshtein(tt.a, tt.b); got != tt.want {
			t.Errorf("Levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
	if got := LevenshteinSimilarity("", ""); got != 1 {
		t.Errorf("LevenshteinSimilarity of empties = %v, want 1", got)
	}
	if got := LevenshteinSimilarity("abcd", "abcx"); !near(got, 0.75) {
		t.Errorf("LevenshteinSimilarity = %v, want 0.75", got)
	}
}

func TestSimilarity(t *testing.T) {
	q := "Cách bón phân cho lúa"
	if got := Similarity(q, "cách   bón phân cho LÚA"); !near(got, 1) {
		t.Errorf("Similarity of equal text = %v, want 1", got)
	}
	close := Similarity(q, "cách bón phân cho lúa nước")
	far := Similarity(q, "máy bơm bị hỏng")
	if close <= far {
		t.Errorf("Similarity close %v <= far %v", close, far)
	}
	if close >= 1 || far < 0 {
		t.Errorf("out of range: close %v far %v", close, far)
	}
}

func TestKeywords(t *testing.T) {
	got := Keywords("Cách trồng lúa là gì và cách bón phân cho lúa", 0)
	want := []string{"cách", "lúa", "trồng", "bón", "phân"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Keywords = %q, want %q", got, want)
	}
	if got := Keywords("Cách trồng lúa", 2); len(got) != 2 {
		t.Errorf("limited Keywords = %q", got)
	}
	if got := Keywords("là của và", 5); len(got) != 0 {
		t.Errorf("stop words only = %q, want none", got)
	}
}
