package vmenv

import (
	"crypto/rand"
	"fmt"
	"io"
)

// MACPrefix is the vendor prefix used for every instance interface.
const MACPrefix = "00:16:3e"

// NewMAC returns a random address under MACPrefix. The first suffix octet is
// kept at or below 0x7f.
func NewMAC(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	var b [3]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", fmt.Errorf("generate mac: %w", err)
	}
	b[0] &= 0x7f
	return fmt.Sprintf("%s:%02x:%02x:%02x", MACPrefix, b[0], b[1], b[2]), nil
}
