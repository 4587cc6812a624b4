// Package keys holds the byte layout shared by every table in the store.
//
// Fixed-width fields (record ids, weights, counters) are stored big-endian.
// Variable-width fields are stored as segments: 0x00 is escaped to
// 0x00 0xFF and the segment ends with 0x00 0x01. A segment sorts exactly
// like its raw bytes and never swallows the field that follows it, so
// composite keys such as (value, id) keep a total order.
package keys

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/drpcorg/factory/factory_errors"
)

const (
	escByte  = 0x00
	escSelf  = 0xFF
	escClose = 0x01
)

// RecordID is the dense directory id of a managed record.
type RecordID uint32

const RecordIDLen = 4

func (id RecordID) Bytes() []byte { return AppendID(nil, id) }

func AppendID(into []byte, id RecordID) []byte {
	return binary.BigEndian.AppendUint32(into, uint32(id))
}

func TakeID(data []byte) (RecordID, []byte, error) {
	if len(data) < RecordIDLen {
		return 0, nil, errors.Join(factory_errors.ErrValidation, fmt.Errorf("short record id: %d bytes", len(data)))
	}
	return RecordID(binary.BigEndian.Uint32(data)), data[RecordIDLen:], nil
}

// Segment returns v as a self-delimiting key segment.
func Segment(v []byte) []byte { return AppendSegment(nil, v) }

func AppendSegment(into, v []byte) []byte {
	for _, b := range v {
		if b == escByte {
			into = append(into, escByte, escSelf)
		} else {
			into = append(into, b)
		}
	}
	return append(into, escByte, escClose)
}

// TakeSegment decodes the leading segment and returns the rest of data.
func TakeSegment(data []byte) (v, rest []byte, err error) {
	v = make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != escByte {
			v = append(v, data[i])
			continue
		}
		if i+1 >= len(data) {
			break
		}
		switch data[i+1] {
		case escSelf:
			v = append(v, escByte)
			i++
		case escClose:
			return v, data[i+2:], nil
		default:
			return nil, nil, errors.Join(factory_errors.ErrValidation, fmt.Errorf("bad segment escape 0x%02x", data[i+1]))
		}
	}
	return nil, nil, errors.Join(factory_errors.ErrValidation, fmt.Errorf("unterminated key segment"))
}

// Concat joins key parts into one freshly allocated key.
func Concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	key := make([]byte, 0, n)
	for _, p := range parts {
		key = append(key, p...)
	}
	return key
}

// PrefixEnd returns the smallest key greater than every key starting
// with p, or nil when there is none.
func PrefixEnd(p []byte) []byte {
	end := append([]byte{}, p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Successor returns the immediate successor of k in byte order.
func Successor(k []byte) []byte {
	return append(append(make([]byte, 0, len(k)+1), k...), 0)
}
