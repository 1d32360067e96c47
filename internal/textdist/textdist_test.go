package textdist

import "testing"

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"same", "same", 0},
		{"Export report as CSV", "Export reports as CSV", 1},
		{"héllo", "hello", 1},
	}
	for _, tc := range cases {
		if got := Levenshtein(tc.a, tc.b); got != tc.want {
			t.Errorf("Levenshtein(%q,%q)=%d want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestLevenshteinSymmetric(t *testing.T) {
	a, b := "acceptance criteria", "acceptance critera"
	if Levenshtein(a, b) != Levenshtein(b, a) {
		t.Fatalf("distance not symmetric")
	}
}
