package stacks

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"moff.io/vault-wallet/pkg/errors"
)

// PostConditionMode decides what happens to asset movements no post-condition covers.
type PostConditionMode byte

const (
	PostConditionModeAllow PostConditionMode = 0x01
	PostConditionModeDeny  PostConditionMode = 0x02
)

func (m PostConditionMode) String() string {
	if m == PostConditionModeAllow {
		return "allow"
	}
	return "deny"
}

// ParsePostConditionMode accepts "allow" or "deny"; anything else is deny.
func ParsePostConditionMode(s string) PostConditionMode {
	if s == "allow" {
		return PostConditionModeAllow
	}
	return PostConditionModeDeny
}

// ConditionCode compares the moved amount with the post-condition amount.
type ConditionCode byte

const (
	ConditionEqual        ConditionCode = 0x01
	ConditionGreater      ConditionCode = 0x02
	ConditionGreaterEqual ConditionCode = 0x03
	ConditionLess         ConditionCode = 0x04
	ConditionLessEqual    ConditionCode = 0x05
)

const (
	postConditionSTX      byte = 0x00
	postConditionFungible byte = 0x01

	principalOrigin   byte = 0x01
	principalStandard byte = 0x02
	principalContract byte = 0x03
)

// PostCondition is an asset-movement guard the node enforces after execution.
type PostCondition interface {
	Serialize() ([]byte, error)
}

// PostConditionPrincipal is the sender the condition constrains. The zero
// value means the transaction origin.
type PostConditionPrincipal struct {
	// Address is "SP..." or "SP....contract-name".
	Address string
}

// OriginPrincipal constrains whoever signs the transaction.
func OriginPrincipal() PostConditionPrincipal {
	return PostConditionPrincipal{}
}

func (p PostConditionPrincipal) serialize(buf *bytes.Buffer) error {
	if p.Address == "" {
		buf.WriteByte(principalOrigin)
		return nil
	}
	pv, err := Principal(p.Address)
	if err != nil {
		return err
	}
	if pv.ContractName == "" {
		buf.WriteByte(principalStandard)
	} else {
		buf.WriteByte(principalContract)
	}
	buf.WriteByte(pv.Version)
	buf.Write(pv.Hash160)
	if pv.ContractName != "" {
		buf.WriteByte(byte(len(pv.ContractName)))
		buf.WriteString(pv.ContractName)
	}
	return nil
}

// STXPostCondition guards native STX leaving Principal, amount in micro-STX.
type STXPostCondition struct {
	Principal PostConditionPrincipal
	Code      ConditionCode
	Amount    uint64
}

func (c STXPostCondition) Serialize() ([]byte, error) {
	if err := checkCode(c.Code); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte(postConditionSTX)
	if err := c.Principal.serialize(&buf); err != nil {
		return nil, err
	}
	buf.WriteByte(byte(c.Code))
	writeU64(&buf, c.Amount)
	return buf.Bytes(), nil
}

// FungiblePostCondition guards a SIP-010 token leaving Principal.
type FungiblePostCondition struct {
	Principal PostConditionPrincipal
	Asset     ContractID
	AssetName string
	Code      ConditionCode
	Amount    uint64
}

func (c FungiblePostCondition) Serialize() ([]byte, error) {
	if err := checkCode(c.Code); err != nil {
		return nil, err
	}
	if c.AssetName == "" || len(c.AssetName) > maxNameLen || len(c.Asset.Name) > maxNameLen {
		return nil, errors.Errorf("asset %s::%s", c.Asset, c.AssetName)
	}
	version, hash, err := DecodeAddress(c.Asset.Address)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte(postConditionFungible)
	if err := c.Principal.serialize(&buf); err != nil {
		return nil, err
	}
	buf.WriteByte(version)
	buf.Write(hash)
	buf.WriteByte(byte(len(c.Asset.Name)))
	buf.WriteString(c.Asset.Name)
	buf.WriteByte(byte(len(c.AssetName)))
	buf.WriteString(c.AssetName)
	buf.WriteByte(byte(c.Code))
	writeU64(&buf, c.Amount)
	return buf.Bytes(), nil
}

// PostConditionHex serializes pc as 0x-prefixed hex.
func PostConditionHex(pc PostCondition) (string, error) {
	b, err := pc.Serialize()
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b), nil
}

func checkCode(code ConditionCode) error {
	if code < ConditionEqual || code > ConditionLessEqual {
		return errors.Errorf("condition code 0x%02x", byte(code))
	}
	return nil
}

func writeU64(buf *bytes.Buffer, n uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	buf.Write(b[:])
}
