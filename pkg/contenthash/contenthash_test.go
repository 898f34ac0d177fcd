package contenthash

import (
	"bytes"
	"strings"
	"testing"
)

func TestSumIsDeterministic(t *testing.T) {
	a := Sum([]byte("frame-001"))
	b := Sum([]byte("frame-001"))
	if a != b {
		t.Fatalf("expected identical digests, got %q and %q", a, b)
	}
	if !strings.HasPrefix(a, "blake3:") || len(a) != len("blake3:")+64 {
		t.Fatalf("unexpected digest format %q", a)
	}
	if Sum([]byte("frame-002")) == a {
		t.Fatal("different content produced the same digest")
	}
}

func TestSumReaderMatchesSum(t *testing.T) {
	data := bytes.Repeat([]byte("pixel"), 4096)
	got, err := SumReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != Sum(data) {
		t.Fatalf("reader digest %q differs from Sum %q", got, Sum(data))
	}
}

func TestNormalize(t *testing.T) {
	digest := Sum([]byte("x"))
	got, err := Normalize("  " + strings.ToUpper(digest) + " ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != digest {
		t.Fatalf("expected %q got %q", digest, got)
	}

	sha := "sha256:" + strings.Repeat("ab", 32)
	if _, err := Normalize(sha); err != nil {
		t.Fatalf("expected sha256 hash to be accepted: %v", err)
	}

	for _, bad := range []string{"", "abc", "md5:" + strings.Repeat("a", 64), "blake3:xyz", "blake3:" + strings.Repeat("g", 64)} {
		if _, err := Normalize(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
