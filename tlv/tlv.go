/*
Package tlv encodes the values persisted next to index keys: migration
sessions, failure entries, correlation entries, presets and relation
payloads.

A record is a type letter A..Z followed by its body length and the body.

 1. Tiny (1 byte header), body of 0..9 bytes, lowercase type only:
    ['0' + len]. The type letter is not kept.
 2. Short (2 byte header), body up to 255 bytes: [lowercase type, len].
 3. Long (5 byte header): [uppercase type, len as 4 byte little endian].

Records of one value are concatenated in a fixed order and read back with
TakeWary, which reports truncated or mistyped input instead of panicking.
*/
package tlv

import (
	"encoding/binary"
	"errors"
)

const CaseBit uint8 = 'a' - 'A'

var (
	ErrIncomplete = errors.New("tlv: incomplete data")
	ErrBadRecord  = errors.New("tlv: bad record format")
)

// ProbeHeader reads a record header. lit is 0 for incomplete input and
// '-' for garbage; tiny records report '0'.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	switch b := data[0]; {
	case b >= '0' && b <= '9':
		return '0', 1, int(b - '0')
	case b >= 'a' && b <= 'z':
		if len(data) < 2 {
			return 0, 0, 0
		}
		return b - CaseBit, 2, int(data[1])
	case b >= 'A' && b <= 'Z':
		if len(data) < 5 {
			return 0, 0, 0
		}
		bl := binary.LittleEndian.Uint32(data[1:5])
		if bl > 0x7fffffff {
			return '-', 0, 0
		}
		return b, 5, int(bl)
	}
	return '-', 0, 0
}

// AppendHeader picks the smallest header for bodylen. A lowercase lit
// allows the tiny form.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	biglit := lit &^ CaseBit
	if biglit < 'A' || biglit > 'Z' {
		panic("tlv record type is A..Z")
	}
	switch {
	case bodylen < 10 && lit&CaseBit != 0:
		return append(into, byte('0'+bodylen))
	case bodylen > 0xff:
		if bodylen > 0x7fffffff {
			panic("oversized tlv record")
		}
		into = append(into, biglit)
		return binary.LittleEndian.AppendUint32(into, uint32(bodylen))
	default:
		return append(into, biglit|CaseBit, byte(bodylen))
	}
}

func Append(into []byte, lit byte, body ...[]byte) []byte {
	total := 0
	for _, b := range body {
		total += len(b)
	}
	into = AppendHeader(into, lit, total)
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

func Record(lit byte, body ...[]byte) []byte {
	return Append(nil, lit, body...)
}

// TakeWary splits the leading record of type lit off data.
func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == '-' {
		return nil, nil, ErrBadRecord
	}
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit&^CaseBit && flit != '0' {
		return nil, nil, ErrBadRecord
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

func AppendUint(into []byte, lit byte, v uint64) []byte {
	return Append(into, lit, binary.BigEndian.AppendUint64(nil, v))
}

func TakeUint(lit byte, data []byte) (v uint64, rest []byte, err error) {
	body, rest, err := TakeWary(lit, data)
	if err != nil {
		return 0, rest, err
	}
	if len(body) != 8 {
		return 0, nil, ErrBadRecord
	}
	return binary.BigEndian.Uint64(body), rest, nil
}

func AppendString(into []byte, lit byte, s string) []byte {
	return Append(into, lit, []byte(s))
}

func TakeString(lit byte, data []byte) (string, []byte, error) {
	body, rest, err := TakeWary(lit, data)
	return string(body), rest, err
}

// AppendOptional writes a presence byte, then body when present.
func AppendOptional(into []byte, lit byte, body []byte, present bool) []byte {
	if !present {
		return Append(into, lit, []byte{0})
	}
	return Append(into, lit, []byte{1}, body)
}

func TakeOptional(lit byte, data []byte) (body []byte, present bool, rest []byte, err error) {
	raw, rest, err := TakeWary(lit, data)
	if err != nil {
		return nil, false, rest, err
	}
	if len(raw) == 0 {
		return nil, false, nil, ErrBadRecord
	}
	return raw[1:], raw[0] == 1, rest, nil
}
