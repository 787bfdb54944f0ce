package blob

import (
	"encoding/hex"
	"regexp"

	"golang.org/x/crypto/sha3"
)

// SegmentSize is the leaf size of the Merkle tree behind a Handle.
const SegmentSize = 256

var handlePattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// Leaf and node hashes carry distinct prefixes so a payload made of child
// hashes can never share a root with the payload those hashes came from.
var (
	leafPrefix = []byte{0x00}
	nodePrefix = []byte{0x01}
)

// ComputeHandle returns the Keccak-256 Merkle root of data split into
// SegmentSize leaves. Leaves hash as keccak(0x00||segment), inner nodes as
// keccak(0x01||left||right). An odd node at any level is promoted unchanged.
func ComputeHandle(data []byte) Handle {
	level := make([][]byte, 0, len(data)/SegmentSize+1)
	for off := 0; off < len(data); off += SegmentSize {
		end := off + SegmentSize
		if end > len(data) {
			end = len(data)
		}
		level = append(level, keccak(leafPrefix, data[off:end]))
	}
	if len(level) == 0 {
		level = append(level, keccak(leafPrefix))
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, keccak(nodePrefix, level[i], level[i+1]))
		}
		level = next
	}
	return Handle("0x" + hex.EncodeToString(level[0]))
}

// ValidHandle reports whether h has the shape produced by ComputeHandle.
func ValidHandle(h Handle) bool {
	return handlePattern.MatchString(string(h))
}

func keccak(parts ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
