package wallet

import (
	"encoding/hex"
	"errors"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

var ErrInvalidAddress = errors.New("invalid wallet address")

// Parse validates a 20-byte hex address and returns its lower-case form,
// which is the only form used as a storage key.
func Parse(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if !addressPattern.MatchString(addr) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(addr), nil
}

// IsValid reports whether raw matches the address format.
func IsValid(raw string) bool {
	_, err := Parse(raw)
	return err == nil
}

// Checksum returns the EIP-55 mixed-case form of a valid address for display.
func Checksum(addr string) (string, error) {
	canonical, err := Parse(addr)
	if err != nil {
		return "", err
	}
	body := canonical[2:]

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(body))
	digest := hex.EncodeToString(h.Sum(nil))

	var b strings.Builder
	b.Grow(len(canonical))
	b.WriteString("0x")
	for i, c := range body {
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			b.WriteRune(c - 32)
			continue
		}
		b.WriteRune(c)
	}
	return b.String(), nil
}
