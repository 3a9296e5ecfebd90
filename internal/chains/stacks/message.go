package stacks

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"moff.io/vault-wallet/pkg/errors"
)

const signedMessagePrefix = "\x17Stacks Signed Message:\n"

var ErrBadSignature = errors.New("signature does not recover")

// MessageHash is the digest wallets sign for stx_signMessage.
func MessageHash(message string) []byte {
	var buf bytes.Buffer
	buf.WriteString(signedMessagePrefix)
	writeVarint(&buf, uint64(len(message)))
	buf.WriteString(message)
	sum := sha256.Sum256(buf.Bytes())
	return sum[:]
}

func writeVarint(buf *bytes.Buffer, n uint64) {
	switch {
	case n < 0xfd:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(0xfd)
		_ = binary.Write(buf, binary.LittleEndian, uint16(n))
	case n <= 0xffffffff:
		buf.WriteByte(0xfe)
		_ = binary.Write(buf, binary.LittleEndian, uint32(n))
	default:
		buf.WriteByte(0xff)
		_ = binary.Write(buf, binary.LittleEndian, n)
	}
}

// RecoverMessageSigner returns the compressed public key (hex) that produced
// an RSV signatureHex over message.
func RecoverMessageSigner(message, signatureHex string) (string, error) {
	keys, err := recoverCandidates(message, signatureHex)
	if err != nil {
		return "", err
	}
	return keys[0], nil
}

// VerifyMessage reports whether signatureHex over message was made by
// publicKeyHex. Both RSV and VRS signature layouts are accepted.
func VerifyMessage(message, signatureHex, publicKeyHex string) bool {
	want, err := hex.DecodeString(strings.TrimPrefix(publicKeyHex, "0x"))
	if err != nil {
		return false
	}
	if len(want) == 65 {
		pub, err := crypto.UnmarshalPubkey(want)
		if err != nil {
			return false
		}
		want = crypto.CompressPubkey(pub)
	}
	keys, err := recoverCandidates(message, signatureHex)
	if err != nil {
		return false
	}
	for _, k := range keys {
		if strings.EqualFold(k, hex.EncodeToString(want)) {
			return true
		}
	}
	return false
}

func recoverCandidates(message, signatureHex string) ([]string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "decode signature hex")
	}
	if len(sig) != crypto.SignatureLength {
		return nil, errors.Wrapf(ErrBadSignature, "signature has %d bytes", len(sig))
	}
	hash := MessageHash(message)
	var keys []string
	for _, candidate := range [][]byte{rsv(sig), vrsToRSV(sig)} {
		if candidate == nil {
			continue
		}
		if pub, err := crypto.SigToPub(hash, candidate); err == nil {
			keys = append(keys, hex.EncodeToString(crypto.CompressPubkey(pub)))
		}
	}
	if len(keys) == 0 {
		return nil, ErrBadSignature
	}
	return keys, nil
}

func normalizeRecovery(v byte) (byte, bool) {
	switch v {
	case 0, 1:
		return v, true
	case 27, 28:
		return v - 27, true
	}
	return 0, false
}

func rsv(sig []byte) []byte {
	v, ok := normalizeRecovery(sig[64])
	if !ok {
		return nil
	}
	out := append([]byte{}, sig...)
	out[64] = v
	return out
}

func vrsToRSV(sig []byte) []byte {
	v, ok := normalizeRecovery(sig[0])
	if !ok {
		return nil
	}
	out := append(append([]byte{}, sig[1:]...), v)
	return out
}
