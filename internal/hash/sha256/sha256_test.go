// Package sha256 includes tests for the SHA-256 digest helpers.
package sha256

import "testing"

// TestSumDeterministic ensures repeated hashing yields the same digest.
func TestSumDeterministic(t *testing.T) {
	t.Parallel()

	got := Sum([]byte("hello world"))
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := Sum([]byte("hello world")); again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

func TestSumStringMatchesHash(t *testing.T) {
	t.Parallel()

	if got := SumString("hello world"); got != Sum([]byte("hello world")) {
		t.Fatalf("SumString mismatch: %s", got)
	}
	if SumString("https://a/1.jpg") == SumString("https://a/2.jpg") {
		t.Fatal("expected distinct keys for distinct urls")
	}
}
