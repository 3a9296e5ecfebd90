package stacks

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"unicode/utf8"

	"moff.io/vault-wallet/pkg/errors"
)

// Type is the leading byte of a serialized Clarity value.
type Type byte

const (
	TypeInt               Type = 0x00
	TypeUInt              Type = 0x01
	TypeBuffer            Type = 0x02
	TypeTrue              Type = 0x03
	TypeFalse             Type = 0x04
	TypeStandardPrincipal Type = 0x05
	TypeContractPrincipal Type = 0x06
	TypeResponseOk        Type = 0x07
	TypeResponseErr       Type = 0x08
	TypeNone              Type = 0x09
	TypeSome              Type = 0x0a
	TypeList              Type = 0x0b
	TypeTuple             Type = 0x0c
	TypeStringASCII       Type = 0x0d
	TypeStringUTF8        Type = 0x0e
)

const maxNameLen = 128

var (
	ErrMalformedValue = errors.New("malformed clarity value")

	maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	minInt128  = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	maxInt128  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	two128     = new(big.Int).Lsh(big.NewInt(1), 128)
)

// Value is a Clarity value that can be sent as a contract argument or read
// back from a read-only call.
type Value interface {
	Type() Type
	serialize(buf *bytes.Buffer) error
}

type (
	IntValue    struct{ V *big.Int }
	UIntValue   struct{ V *big.Int }
	BufferValue []byte
	BoolValue   bool
	// PrincipalValue is a standard principal, or a contract principal when ContractName is set.
	PrincipalValue struct {
		Version      byte
		Hash160      []byte
		ContractName string
	}
	ResponseValue struct {
		Ok    bool
		Inner Value
	}
	// OptionalValue with a nil Inner is none.
	OptionalValue struct{ Inner Value }
	ListValue     []Value
	TupleValue    map[string]Value
	ASCIIValue    string
	UTF8Value     string
)

func Int(v int64) IntValue { return IntValue{V: big.NewInt(v)} }
func UInt(v uint64) UIntValue { return UIntValue{V: new(big.Int).SetUint64(v)} }
func UIntBig(v *big.Int) UIntValue { return UIntValue{V: new(big.Int).Set(v)} }
func Buffer(b []byte) BufferValue { return BufferValue(b) }
func Bool(b bool) BoolValue { return BoolValue(b) }
func Some(v Value) OptionalValue { return OptionalValue{Inner: v} }
func None() OptionalValue { return OptionalValue{} }
func Ok(v Value) ResponseValue { return ResponseValue{Ok: true, Inner: v} }
func Err(v Value) ResponseValue { return ResponseValue{Ok: false, Inner: v} }
func List(vs ...Value) ListValue { return ListValue(vs) }
func ASCII(s string) ASCIIValue { return ASCIIValue(s) }
func UTF8(s string) UTF8Value { return UTF8Value(s) }
func Tuple(m map[string]Value) TupleValue { return TupleValue(m) }

// Principal parses "SP..." or "SP....contract-name".
func Principal(s string) (PrincipalValue, error) {
	addr, name, _ := strings.Cut(s, ".")
	version, hash, err := DecodeAddress(addr)
	if err != nil {
		return PrincipalValue{}, err
	}
	if len(name) > maxNameLen {
		return PrincipalValue{}, errors.Errorf("contract name %q too long", name)
	}
	return PrincipalValue{Version: version, Hash160: hash, ContractName: name}, nil
}

func (IntValue) Type() Type { return TypeInt }
func (UIntValue) Type() Type { return TypeUInt }
func (BufferValue) Type() Type { return TypeBuffer }
func (v BoolValue) Type() Type {
	if v {
		return TypeTrue
	}
	return TypeFalse
}
func (v PrincipalValue) Type() Type {
	if v.ContractName != "" {
		return TypeContractPrincipal
	}
	return TypeStandardPrincipal
}
func (v ResponseValue) Type() Type {
	if v.Ok {
		return TypeResponseOk
	}
	return TypeResponseErr
}
func (v OptionalValue) Type() Type {
	if v.Inner == nil {
		return TypeNone
	}
	return TypeSome
}
func (ListValue) Type() Type { return TypeList }
func (TupleValue) Type() Type { return TypeTuple }
func (ASCIIValue) Type() Type { return TypeStringASCII }
func (UTF8Value) Type() Type { return TypeStringUTF8 }

// String renders the address form of the principal.
func (v PrincipalValue) String() string {
	addr, err := EncodeAddress(v.Version, v.Hash160)
	if err != nil {
		return ""
	}
	if v.ContractName != "" {
		return addr + "." + v.ContractName
	}
	return addr
}

// Get returns the tuple field or nil.
func (v TupleValue) Get(name string) Value {
	return v[name]
}

func writeU32(buf *bytes.Buffer, n int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	buf.Write(b[:])
}

func write128(buf *bytes.Buffer, n *big.Int) {
	var b [16]byte
	n.FillBytes(b[:])
	buf.Write(b[:])
}

func (v IntValue) serialize(buf *bytes.Buffer) error {
	if v.V == nil || v.V.Cmp(minInt128) < 0 || v.V.Cmp(maxInt128) > 0 {
		return errors.Errorf("int %v out of 128-bit range", v.V)
	}
	buf.WriteByte(byte(TypeInt))
	n := v.V
	if n.Sign() < 0 {
		n = new(big.Int).Add(n, two128)
	}
	write128(buf, n)
	return nil
}

func (v UIntValue) serialize(buf *bytes.Buffer) error {
	if v.V == nil || v.V.Sign() < 0 || v.V.Cmp(maxUint128) > 0 {
		return errors.Errorf("uint %v out of 128-bit range", v.V)
	}
	buf.WriteByte(byte(TypeUInt))
	write128(buf, v.V)
	return nil
}

func (v BufferValue) serialize(buf *bytes.Buffer) error {
	buf.WriteByte(byte(TypeBuffer))
	writeU32(buf, len(v))
	buf.Write(v)
	return nil
}

func (v BoolValue) serialize(buf *bytes.Buffer) error {
	buf.WriteByte(byte(v.Type()))
	return nil
}

func (v PrincipalValue) serialize(buf *bytes.Buffer) error {
	if len(v.Hash160) != 20 {
		return errors.Errorf("principal hash160 has %d bytes", len(v.Hash160))
	}
	buf.WriteByte(byte(v.Type()))
	buf.WriteByte(v.Version)
	buf.Write(v.Hash160)
	if v.ContractName != "" {
		buf.WriteByte(byte(len(v.ContractName)))
		buf.WriteString(v.ContractName)
	}
	return nil
}

func (v ResponseValue) serialize(buf *bytes.Buffer) error {
	if v.Inner == nil {
		return errors.New("response without inner value")
	}
	buf.WriteByte(byte(v.Type()))
	return v.Inner.serialize(buf)
}

func (v OptionalValue) serialize(buf *bytes.Buffer) error {
	buf.WriteByte(byte(v.Type()))
	if v.Inner == nil {
		return nil
	}
	return v.Inner.serialize(buf)
}

func (v ListValue) serialize(buf *bytes.Buffer) error {
	buf.WriteByte(byte(TypeList))
	writeU32(buf, len(v))
	for _, item := range v {
		if item == nil {
			return errors.New("nil list item")
		}
		if err := item.serialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func (v TupleValue) serialize(buf *bytes.Buffer) error {
	buf.WriteByte(byte(TypeTuple))
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)
	writeU32(buf, len(names))
	for _, name := range names {
		if len(name) == 0 || len(name) > maxNameLen {
			return errors.Errorf("tuple field name %q", name)
		}
		if v[name] == nil {
			return errors.Errorf("tuple field %s is nil", name)
		}
		buf.WriteByte(byte(len(name)))
		buf.WriteString(name)
		if err := v[name].serialize(buf); err != nil {
			return errors.Wrapf(err, "tuple field %s", name)
		}
	}
	return nil
}

func (v ASCIIValue) serialize(buf *bytes.Buffer) error {
	for i := 0; i < len(v); i++ {
		if v[i] > 0x7e || (v[i] < 0x20 && v[i] != '\n' && v[i] != '\t' && v[i] != '\r') {
			return errors.Errorf("string-ascii contains byte 0x%02x", v[i])
		}
	}
	buf.WriteByte(byte(TypeStringASCII))
	writeU32(buf, len(v))
	buf.WriteString(string(v))
	return nil
}

func (v UTF8Value) serialize(buf *bytes.Buffer) error {
	if !utf8.ValidString(string(v)) {
		return errors.New("string-utf8 is not valid utf-8")
	}
	buf.WriteByte(byte(TypeStringUTF8))
	writeU32(buf, len(v))
	buf.WriteString(string(v))
	return nil
}

// Serialize encodes v in the consensus wire format.
func Serialize(v Value) ([]byte, error) {
	if v == nil {
		return nil, errors.New("nil clarity value")
	}
	var buf bytes.Buffer
	if err := v.serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SerializeHex is Serialize rendered as 0x-prefixed hex, the form wallets accept.
func SerializeHex(v Value) (string, error) {
	b, err := Serialize(v)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b), nil
}

// Deserialize decodes one value and rejects trailing bytes.
func Deserialize(b []byte) (Value, error) {
	r := &reader{b: b}
	v, err := r.value(0)
	if err != nil {
		return nil, err
	}
	if r.off != len(b) {
		return nil, errors.Wrapf(ErrMalformedValue, "%d trailing bytes", len(b)-r.off)
	}
	return v, nil
}

// DeserializeHex accepts hex with or without the 0x prefix.
func DeserializeHex(s string) (Value, error) {
	b, err := DecodeHex(s)
	if err != nil {
		return nil, err
	}
	return Deserialize(b)
}

const maxDepth = 64

type reader struct {
	b   []byte
	off int
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.b) {
		return nil, errors.Wrapf(ErrMalformedValue, "need %d bytes at offset %d", n, r.off)
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) readByte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u32() (int, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(b)
	if int(n) > len(r.b) {
		return 0, errors.Wrapf(ErrMalformedValue, "length %d exceeds input", n)
	}
	return int(n), nil
}

func (r *reader) name() (string, error) {
	n, err := r.readByte()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) value(depth int) (Value, error) {
	if depth > maxDepth {
		return nil, errors.Wrap(ErrMalformedValue, "nesting too deep")
	}
	t, err := r.readByte()
	if err != nil {
		return nil, err
	}
	switch Type(t) {
	case TypeInt:
		b, err := r.take(16)
		if err != nil {
			return nil, err
		}
		n := new(big.Int).SetBytes(b)
		if b[0]&0x80 != 0 {
			n.Sub(n, two128)
		}
		return IntValue{V: n}, nil
	case TypeUInt:
		b, err := r.take(16)
		if err != nil {
			return nil, err
		}
		return UIntValue{V: new(big.Int).SetBytes(b)}, nil
	case TypeBuffer:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		b, err := r.take(n)
		if err != nil {
			return nil, err
		}
		return BufferValue(append([]byte{}, b...)), nil
	case TypeTrue:
		return BoolValue(true), nil
	case TypeFalse:
		return BoolValue(false), nil
	case TypeStandardPrincipal, TypeContractPrincipal:
		version, err := r.readByte()
		if err != nil {
			return nil, err
		}
		hash, err := r.take(20)
		if err != nil {
			return nil, err
		}
		p := PrincipalValue{Version: version, Hash160: append([]byte{}, hash...)}
		if Type(t) == TypeContractPrincipal {
			if p.ContractName, err = r.name(); err != nil {
				return nil, err
			}
		}
		return p, nil
	case TypeResponseOk, TypeResponseErr:
		inner, err := r.value(depth + 1)
		if err != nil {
			return nil, err
		}
		return ResponseValue{Ok: Type(t) == TypeResponseOk, Inner: inner}, nil
	case TypeNone:
		return OptionalValue{}, nil
	case TypeSome:
		inner, err := r.value(depth + 1)
		if err != nil {
			return nil, err
		}
		return OptionalValue{Inner: inner}, nil
	case TypeList:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		items := make(ListValue, 0, n)
		for i := 0; i < n; i++ {
			item, err := r.value(depth + 1)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case TypeTuple:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		tuple := make(TupleValue, n)
		for i := 0; i < n; i++ {
			name, err := r.name()
			if err != nil {
				return nil, err
			}
			v, err := r.value(depth + 1)
			if err != nil {
				return nil, err
			}
			tuple[name] = v
		}
		return tuple, nil
	case TypeStringASCII, TypeStringUTF8:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		b, err := r.take(n)
		if err != nil {
			return nil, err
		}
		if Type(t) == TypeStringASCII {
			return ASCIIValue(b), nil
		}
		return UTF8Value(b), nil
	default:
		return nil, errors.Wrapf(ErrMalformedValue, "unknown type byte 0x%02x", t)
	}
}

// UnwrapResponse returns the ok payload, or an error carrying the err payload.
func UnwrapResponse(v Value) (Value, error) {
	resp, ok := v.(ResponseValue)
	if !ok {
		return v, nil
	}
	if !resp.Ok {
		return nil, errors.Errorf("contract returned (err %s)", Describe(resp.Inner))
	}
	return resp.Inner, nil
}

// UnwrapOptional returns the some payload, or nil for none.
func UnwrapOptional(v Value) Value {
	if opt, ok := v.(OptionalValue); ok {
		return opt.Inner
	}
	return v
}

// Uint128 reads an unsigned (or non-negative signed) integer.
func Uint128(v Value) (*big.Int, error) {
	switch n := v.(type) {
	case UIntValue:
		return n.V, nil
	case IntValue:
		if n.V.Sign() >= 0 {
			return n.V, nil
		}
	}
	return nil, errors.Errorf("expected uint, got %s", Describe(v))
}

// Uint64 is Uint128 narrowed to uint64.
func Uint64(v Value) (uint64, error) {
	n, err := Uint128(v)
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, errors.Errorf("uint %v overflows uint64", n)
	}
	return n.Uint64(), nil
}

// Describe renders v in Clarity literal syntax for logs and errors.
func Describe(v Value) string {
	switch t := v.(type) {
	case nil:
		return "<nil>"
	case IntValue:
		return t.V.String()
	case UIntValue:
		return "u" + t.V.String()
	case BufferValue:
		return "0x" + hex.EncodeToString(t)
	case BoolValue:
		return fmt.Sprintf("%v", bool(t))
	case PrincipalValue:
		return "'" + t.String()
	case ResponseValue:
		if t.Ok {
			return "(ok " + Describe(t.Inner) + ")"
		}
		return "(err " + Describe(t.Inner) + ")"
	case OptionalValue:
		if t.Inner == nil {
			return "none"
		}
		return "(some " + Describe(t.Inner) + ")"
	case ListValue:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = Describe(item)
		}
		return "(list " + strings.Join(parts, " ") + ")"
	case TupleValue:
		names := make([]string, 0, len(t))
		for name := range t {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, name := range names {
			parts[i] = "(" + name + " " + Describe(t[name]) + ")"
		}
		return "(tuple " + strings.Join(parts, " ") + ")"
	case ASCIIValue:
		return fmt.Sprintf("%q", string(t))
	case UTF8Value:
		return "u" + fmt.Sprintf("%q", string(t))
	default:
		return fmt.Sprintf("%v", v)
	}
}
