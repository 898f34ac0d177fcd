// Package contenthash computes the content address used for asset deduplication.
package contenthash

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	AlgorithmBLAKE3 = "blake3"
	AlgorithmSHA256 = "sha256"

	digestHexLen = 64
)

// domainKey separates asset content digests from any other BLAKE3 use.
// Changing it invalidates every stored hash.
var domainKey = [32]byte{
	'c', 'o', 'm', 'p', 'o', 's', 'i', 't', 'o', 'r', '.', 'a', 's', 's', 'e', 't',
	'.', 'c', 'o', 'n', 't', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0,
}

// Sum returns the content hash of data in "blake3:<hex>" form.
func Sum(data []byte) string {
	hasher := newHasher()
	_, _ = hasher.Write(data)
	return format(hasher.Sum(nil))
}

// SumReader hashes everything read from r.
func SumReader(r io.Reader) (string, error) {
	hasher := newHasher()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return format(hasher.Sum(nil)), nil
}

// Normalize validates a hash supplied by an external pipeline and returns
// its canonical lower-case form. Accepted algorithms are blake3 and sha256.
func Normalize(raw string) (string, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	algo, digest, ok := strings.Cut(value, ":")
	if !ok {
		return "", fmt.Errorf("content hash %q missing algorithm prefix", raw)
	}
	if algo != AlgorithmBLAKE3 && algo != AlgorithmSHA256 {
		return "", fmt.Errorf("content hash %q uses unsupported algorithm %q", raw, algo)
	}
	if len(digest) != digestHexLen {
		return "", fmt.Errorf("content hash %q must carry %d hex characters", raw, digestHexLen)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("content hash %q is not hex: %w", raw, err)
	}
	return algo + ":" + digest, nil
}

func newHasher() *blake3.Hasher {
	hasher, err := blake3.NewKeyed(domainKey[:])
	if err != nil {
		panic("contenthash: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}

func format(sum []byte) string {
	return AlgorithmBLAKE3 + ":" + hex.EncodeToString(sum)
}
