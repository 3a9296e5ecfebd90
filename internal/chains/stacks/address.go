// Package stacks holds the Stacks wire formats the wallet layer needs:
// c32check addresses, Clarity values, post-conditions, txids and signed
// message hashes.
package stacks

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"moff.io/vault-wallet/pkg/errors"
)

const c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// Address version bytes.
const (
	VersionMainnetSingleSig byte = 22
	VersionMainnetMultiSig  byte = 20
	VersionTestnetSingleSig byte = 26
	VersionTestnetMultiSig  byte = 21
)

var ErrInvalidAddress = errors.New("invalid stacks address")

var big32 = big.NewInt(32)

func c32Encode(data []byte) string {
	zeros := 0
	for zeros < len(data) && data[zeros] == 0 {
		zeros++
	}
	n := new(big.Int).SetBytes(data)
	mod := new(big.Int)
	out := make([]byte, 0, len(data)*8/5+zeros+1)
	for n.Sign() > 0 {
		n.DivMod(n, big32, mod)
		out = append(out, c32Alphabet[mod.Int64()])
	}
	for i := 0; i < zeros; i++ {
		out = append(out, c32Alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func c32Normalize(s string) string {
	s = strings.ToUpper(s)
	return strings.NewReplacer("O", "0", "L", "1", "I", "1").Replace(s)
}

func c32Decode(s string) ([]byte, error) {
	s = c32Normalize(s)
	zeros := 0
	for zeros < len(s) && s[zeros] == c32Alphabet[0] {
		zeros++
	}
	n := new(big.Int)
	for i := zeros; i < len(s); i++ {
		d := strings.IndexByte(c32Alphabet, s[i])
		if d < 0 {
			return nil, errors.Wrapf(ErrInvalidAddress, "character %q is not c32", s[i])
		}
		n.Mul(n, big32)
		n.Add(n, big.NewInt(int64(d)))
	}
	return append(make([]byte, zeros), n.Bytes()...), nil
}

func c32Checksum(version byte, data []byte) []byte {
	first := sha256.Sum256(append([]byte{version}, data...))
	second := sha256.Sum256(first[:])
	return second[:4]
}

func c32CheckEncode(version byte, data []byte) string {
	payload := append(append([]byte{}, data...), c32Checksum(version, data)...)
	return string(c32Alphabet[version]) + c32Encode(payload)
}

func c32CheckDecode(s string) (byte, []byte, error) {
	if len(s) < 2 {
		return 0, nil, ErrInvalidAddress
	}
	s = c32Normalize(s)
	version := strings.IndexByte(c32Alphabet, s[0])
	if version < 0 {
		return 0, nil, errors.Wrapf(ErrInvalidAddress, "version character %q", s[0])
	}
	payload, err := c32Decode(s[1:])
	if err != nil {
		return 0, nil, err
	}
	if len(payload) < 4 {
		return 0, nil, ErrInvalidAddress
	}
	data, sum := payload[:len(payload)-4], payload[len(payload)-4:]
	if !bytes.Equal(sum, c32Checksum(byte(version), data)) {
		return 0, nil, errors.Wrap(ErrInvalidAddress, "checksum mismatch")
	}
	return byte(version), data, nil
}

// EncodeAddress builds "S" + c32check(version, hash160).
func EncodeAddress(version byte, hash160 []byte) (string, error) {
	if version >= 32 {
		return "", errors.Wrapf(ErrInvalidAddress, "version %d out of range", version)
	}
	if len(hash160) != 20 {
		return "", errors.Wrapf(ErrInvalidAddress, "hash160 has %d bytes", len(hash160))
	}
	return "S" + c32CheckEncode(version, hash160), nil
}

// DecodeAddress returns the version byte and hash160 of a standard address.
func DecodeAddress(addr string) (byte, []byte, error) {
	if len(addr) < 5 || (addr[0] != 'S' && addr[0] != 's') {
		return 0, nil, errors.Wrapf(ErrInvalidAddress, "%q", addr)
	}
	version, data, err := c32CheckDecode(addr[1:])
	if err != nil {
		return 0, nil, err
	}
	if len(data) != 20 {
		return 0, nil, errors.Wrapf(ErrInvalidAddress, "%q carries %d bytes", addr, len(data))
	}
	return version, data, nil
}

// IsValidAddress reports whether addr is a checksummed standard address.
func IsValidAddress(addr string) bool {
	_, _, err := DecodeAddress(addr)
	return err == nil
}

// AddressFromPublicKey derives the single-sig address of a secp256k1 public key.
func AddressFromPublicKey(pubKey []byte, version byte) (string, error) {
	return EncodeAddress(version, btcutil.Hash160(pubKey))
}

// AddressFromPublicKeyHex is AddressFromPublicKey for hex input.
func AddressFromPublicKeyHex(pubKeyHex string, version byte) (string, error) {
	pub, err := hex.DecodeString(strings.TrimPrefix(pubKeyHex, "0x"))
	if err != nil {
		return "", errors.Wrap(err, "decode public key hex")
	}
	return AddressFromPublicKey(pub, version)
}

// ContractID names a deployed contract: <address>.<name>.
type ContractID struct {
	Address string
	Name    string
}

func ParseContractID(s string) (ContractID, error) {
	addr, name, ok := strings.Cut(s, ".")
	if !ok || name == "" {
		return ContractID{}, errors.Errorf("contract id %q is not <address>.<name>", s)
	}
	if !IsValidAddress(addr) {
		return ContractID{}, errors.Wrapf(ErrInvalidAddress, "contract id %q", s)
	}
	return ContractID{Address: addr, Name: name}, nil
}

func (c ContractID) String() string {
	return c.Address + "." + c.Name
}

func (c ContractID) IsZero() bool {
	return c.Address == "" && c.Name == ""
}
