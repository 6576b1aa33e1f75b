package graph

import (
	"encoding/hex"
	"fmt"
)

// PubkeyHexLen is the length of a canonical pubkey: 32 bytes as lowercase hex.
const PubkeyHexLen = 64

// ValidPubkey reports whether s is exactly 64 lowercase hex characters.
func ValidPubkey(s string) bool {
	if len(s) != PubkeyHexLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// DecodePubkey parses a canonical pubkey into its 32 raw bytes.
func DecodePubkey(s string) ([32]byte, error) {
	var k [32]byte
	if !ValidPubkey(s) {
		return k, fmt.Errorf("not a canonical pubkey")
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return k, fmt.Errorf("not a canonical pubkey")
	}
	return k, nil
}
