package hamt

import (
	"crypto/sha256"

	"github.com/spaolacci/murmur3"
)

// HashFunc digests a key. The digest length bounds the depth of the trie:
// every level consumes bitWidth bits of it.
type HashFunc func([]byte) []byte

// SHA256 is the default key hash.
func SHA256(key []byte) []byte {
	h := sha256.Sum256(key)
	return h[:]
}

// Murmur3 is a fast 64 bit hash. Keys an attacker can choose should not use
// it since collisions can be forced cheaply.
func Murmur3(key []byte) []byte {
	h := murmur3.New64()
	_, _ = h.Write(key)
	return h.Sum(nil)
}

// hashBits reads successive bit groups of a digest, most significant bit
// first.
type hashBits struct {
	b        []byte
	consumed int
}

func (hb *hashBits) Next(n int) (int, error) {
	if hb.consumed+n > len(hb.b)*8 {
		return 0, ErrMaxDepth
	}
	out := 0
	for j := 0; j < n; j++ {
		pos := hb.consumed + j
		bit := (hb.b[pos/8] >> (7 - uint(pos%8))) & 1
		out = out<<1 | int(bit)
	}
	hb.consumed += n
	return out, nil
}
