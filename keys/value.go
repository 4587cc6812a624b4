package keys

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/drpcorg/factory/factory_errors"
)

// Kind tags the variant held by a Value.
type Kind byte

const (
	KindBytes  Kind = 'b'
	KindString Kind = 's'
	KindBool   Kind = 't'
	KindBinary Kind = 'x'
	KindI8     Kind = 'c'
	KindI16    Kind = 'h'
	KindI32    Kind = 'i'
	KindI64    Kind = 'l'
	KindI128   Kind = 'q'
	KindU8     Kind = 'C'
	KindU16    Kind = 'H'
	KindU32    Kind = 'I'
	KindU64    Kind = 'L'
	KindU128   Kind = 'Q'
)

var kindNames = map[Kind]string{
	KindBytes:  "bytes",
	KindString: "string",
	KindBool:   "bool",
	KindBinary: "binary",
	KindI8:     "i8",
	KindI16:    "i16",
	KindI32:    "i32",
	KindI64:    "i64",
	KindI128:   "i128",
	KindU8:     "u8",
	KindU16:    "u16",
	KindU32:    "u32",
	KindU64:    "u64",
	KindU128:   "u128",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, n := range kindNames {
		m[n] = k
	}
	return m
}()

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// width is the encoded size of fixed-width kinds, 0 for variable ones.
func (k Kind) width() int {
	switch k {
	case KindBool, KindI8, KindU8:
		return 1
	case KindI16, KindU16:
		return 2
	case KindI32, KindU32:
		return 4
	case KindI64, KindU64:
		return 8
	case KindI128, KindU128:
		return 16
	}
	return 0
}

func (k Kind) signed() bool {
	switch k {
	case KindI8, KindI16, KindI32, KindI64, KindI128:
		return true
	}
	return false
}

// Value is a typed attribute value. Its encoding is order preserving:
// integers are fixed-width big-endian with the sign bit flipped for
// signed kinds, strings are raw UTF-8, bools are 0/1.
type Value struct {
	kind Kind
	raw  []byte
}

func Bytes(b []byte) Value  { return Value{KindBytes, append([]byte{}, b...)} }
func Binary(b []byte) Value { return Value{KindBinary, append([]byte{}, b...)} }
func String(s string) Value { return Value{KindString, []byte(s)} }

func Bool(b bool) Value {
	if b {
		return Value{KindBool, []byte{1}}
	}
	return Value{KindBool, []byte{0}}
}

func Uint8(v uint8) Value   { return Value{KindU8, []byte{v}} }
func Uint16(v uint16) Value { return Value{KindU16, binary.BigEndian.AppendUint16(nil, v)} }
func Uint32(v uint32) Value { return Value{KindU32, binary.BigEndian.AppendUint32(nil, v)} }
func Uint64(v uint64) Value { return Value{KindU64, binary.BigEndian.AppendUint64(nil, v)} }

func Uint128(hi, lo uint64) Value {
	raw := binary.BigEndian.AppendUint64(nil, hi)
	return Value{KindU128, binary.BigEndian.AppendUint64(raw, lo)}
}

func Int8(v int8) Value { return Value{KindI8, []byte{uint8(v) ^ 0x80}} }

func Int16(v int16) Value {
	return Value{KindI16, binary.BigEndian.AppendUint16(nil, uint16(v)^(1<<15))}
}

func Int32(v int32) Value {
	return Value{KindI32, binary.BigEndian.AppendUint32(nil, uint32(v)^(1<<31))}
}

func Int64(v int64) Value {
	return Value{KindI64, binary.BigEndian.AppendUint64(nil, uint64(v)^(1<<63))}
}

func Int128(hi int64, lo uint64) Value {
	raw := binary.BigEndian.AppendUint64(nil, uint64(hi)^(1<<63))
	return Value{KindI128, binary.BigEndian.AppendUint64(raw, lo)}
}

// Decode rebuilds a Value from its kind and encoding.
func Decode(kind Kind, raw []byte) (Value, error) {
	if _, ok := kindNames[kind]; !ok {
		return Value{}, errors.Join(factory_errors.ErrValidation, fmt.Errorf("unknown value kind %d", byte(kind)))
	}
	if w := kind.width(); w != 0 && len(raw) != w {
		return Value{}, errors.Join(factory_errors.ErrValidation,
			fmt.Errorf("%s value must be %d bytes, got %d", kind, w, len(raw)))
	}
	if kind == KindBool && raw[0] > 1 {
		return Value{}, errors.Join(factory_errors.ErrValidation, fmt.Errorf("bad bool byte %d", raw[0]))
	}
	return Value{kind, append([]byte{}, raw...)}, nil
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsZero() bool { return v.kind == 0 }

// Encode returns the order-preserving byte form of the value.
func (v Value) Encode() []byte { return v.raw }

func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && string(v.raw) == string(o.raw)
}

func (v Value) bigInt() *big.Int {
	w := v.kind.width()
	raw := append([]byte{}, v.raw...)
	if v.kind.signed() {
		raw[0] ^= 0x80
	}
	n := new(big.Int).SetBytes(raw)
	if v.kind.signed() && raw[0]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(w*8)))
	}
	return n
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return string(v.raw)
	case KindBool:
		return strconv.FormatBool(v.raw[0] == 1)
	case KindBytes, KindBinary:
		return base64.StdEncoding.EncodeToString(v.raw)
	case 0:
		return ""
	}
	return v.bigInt().String()
}

// MarshalJSON emits the externally tagged form, e.g. {"u64":5}.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == 0 {
		return []byte("null"), nil
	}
	var body any
	switch v.kind {
	case KindString:
		body = string(v.raw)
	case KindBool:
		body = v.raw[0] == 1
	case KindBytes, KindBinary:
		body = v.raw
	case KindI128, KindU128, KindI64, KindU64:
		// beyond float64 precision, keep them textual
		body = v.bigInt().String()
	default:
		body = json.Number(v.bigInt().String())
	}
	return json.Marshal(map[string]any{v.kind.String(): body})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return errors.Join(factory_errors.ErrValidation, err)
	}
	if len(tagged) != 1 {
		return errors.Join(factory_errors.ErrValidation, fmt.Errorf("value must have exactly one kind tag"))
	}
	for name, body := range tagged {
		kind, ok := kindsByName[name]
		if !ok {
			return errors.Join(factory_errors.ErrValidation, fmt.Errorf("unknown value kind %q", name))
		}
		parsed, err := parseJSONBody(kind, body)
		if err != nil {
			return errors.Join(factory_errors.ErrValidation, fmt.Errorf("%s: %w", name, err))
		}
		*v = parsed
	}
	return nil
}

func parseJSONBody(kind Kind, body json.RawMessage) (Value, error) {
	switch kind {
	case KindString:
		var s string
		err := json.Unmarshal(body, &s)
		return String(s), err
	case KindBool:
		var b bool
		err := json.Unmarshal(body, &b)
		return Bool(b), err
	case KindBytes, KindBinary:
		var b []byte
		if err := json.Unmarshal(body, &b); err != nil {
			return Value{}, err
		}
		return Value{kind, b}, nil
	}
	text := string(body)
	if len(text) > 1 && text[0] == '"' {
		if err := json.Unmarshal(body, &text); err != nil {
			return Value{}, err
		}
	}
	n, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return Value{}, fmt.Errorf("bad integer %q", text)
	}
	return FromBig(kind, n)
}

// FromBig builds an integer Value of the given kind, rejecting values out of range.
func FromBig(kind Kind, n *big.Int) (Value, error) {
	w := kind.width()
	if w == 0 || kind == KindBool {
		return Value{}, fmt.Errorf("%s is not an integer kind", kind)
	}
	bits := uint(w * 8)
	lo, hi := new(big.Int), new(big.Int).Lsh(big.NewInt(1), bits)
	if kind.signed() {
		lo.Neg(new(big.Int).Lsh(big.NewInt(1), bits-1))
		hi.Lsh(big.NewInt(1), bits-1)
	}
	if n.Cmp(lo) < 0 || n.Cmp(hi) >= 0 {
		return Value{}, errors.Join(factory_errors.ErrArithmeticOverflow, fmt.Errorf("%s out of %s range", n, kind))
	}
	u := new(big.Int).Set(n)
	if u.Sign() < 0 {
		u.Add(u, new(big.Int).Lsh(big.NewInt(1), bits))
	}
	raw := u.FillBytes(make([]byte, w))
	if kind.signed() {
		raw[0] ^= 0x80
	}
	return Value{kind, raw}, nil
}
