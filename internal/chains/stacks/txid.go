package stacks

import (
	"crypto/sha512"
	"encoding/hex"
	"strings"

	"moff.io/vault-wallet/pkg/errors"
)

// TxIDLength is the hex length of a canonical transaction id.
const TxIDLength = 64

// TxID is the SHA-512/256 digest of a raw transaction, lowercase hex.
func TxID(rawTx []byte) string {
	sum := sha512.Sum512_256(rawTx)
	return hex.EncodeToString(sum[:])
}

// NormalizeTxID lowercases s, strips 0x and checks it is 64 hex characters.
func NormalizeTxID(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	if len(s) != TxIDLength || !IsHex(s) {
		return "", false
	}
	return s, true
}

// IsHex reports whether s is non-empty, even-length hex without prefix.
func IsHex(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// DecodeHex decodes hex with an optional 0x prefix.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decode hex")
	}
	return b, nil
}
