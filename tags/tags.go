// Package tags attaches weighted labels to records.
//
// Three tables move together on every call:
//
//   - weights:  "T" + id + segment(tag) -> weight(u16, BE)
//   - members:  built-in Tag index, (tag, id)
//   - ranked:   "W" + segment(tag) + segment(weight) + id -> empty
//
// A tag is present on a record iff its weight entry exists.
package tags

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/indexes"
	"github.com/drpcorg/factory/keys"
	"github.com/drpcorg/factory/kv"
)

const (
	weightPrefix = 'T'
	rankedPrefix = 'W'
	MaxTagBytes  = 128
)

// Selector matches a tag, optionally only within inclusive weight bounds.
type Selector struct {
	Tag string  `json:"tag"`
	Min *uint16 `json:"min,omitempty"`
	Max *uint16 `json:"max,omitempty"`
}

type Weighted struct {
	Tag    string `json:"tag"`
	Weight uint16 `json:"weight"`
}

type Ranked struct {
	ID     keys.RecordID `json:"id"`
	Weight uint16        `json:"weight"`
}

func Validate(tag string) error {
	if tag == "" || len(tag) > MaxTagBytes || !utf8.ValidString(tag) {
		return errors.Join(factory_errors.ErrValidation, fmt.Errorf("bad tag %q", tag))
	}
	return nil
}

func encodeWeight(w uint16) []byte { return binary.BigEndian.AppendUint16(nil, w) }

func weightsPrefix(id keys.RecordID) []byte {
	return keys.AppendID([]byte{weightPrefix}, id)
}

func weightKey(id keys.RecordID, tag string) []byte {
	return keys.AppendSegment(weightsPrefix(id), []byte(tag))
}

func rankedPrefixOf(tag string) []byte {
	return keys.AppendSegment([]byte{rankedPrefix}, []byte(tag))
}

func rankedKey(tag string, weight uint16, id keys.RecordID) []byte {
	key := keys.AppendSegment(rankedPrefixOf(tag), encodeWeight(weight))
	return keys.AppendID(key, id)
}

// Weight returns the weight of tag on id and whether the tag is present.
func Weight(r kv.Reader, id keys.RecordID, tag string) (uint16, bool, error) {
	raw, err := r.Get(weightKey(id, tag))
	if errors.Is(err, factory_errors.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(raw) != 2 {
		return 0, false, fmt.Errorf("tag %q of record %d: bad weight length %d", tag, id, len(raw))
	}
	return binary.BigEndian.Uint16(raw), true, nil
}

func Set(rw kv.ReadWriter, id keys.RecordID, tag string, weight uint16) error {
	if err := Validate(tag); err != nil {
		return err
	}
	if err := Remove(rw, id, tag); err != nil {
		return err
	}
	if err := rw.Set(weightKey(id, tag), encodeWeight(weight)); err != nil {
		return err
	}
	if err := indexes.Tag.Index().Put(rw, []byte(tag), id); err != nil {
		return err
	}
	return rw.Set(rankedKey(tag, weight, id), nil)
}

// Remove drops tag from id; absent tags are a no-op.
func Remove(rw kv.ReadWriter, id keys.RecordID, tag string) error {
	weight, ok, err := Weight(rw, id, tag)
	if err != nil || !ok {
		return err
	}
	if err := rw.Delete(weightKey(id, tag)); err != nil {
		return err
	}
	if err := indexes.Tag.Index().Delete(rw, []byte(tag), id); err != nil {
		return err
	}
	return rw.Delete(rankedKey(tag, weight, id))
}

func (s Selector) match(r kv.Reader, id keys.RecordID) (bool, error) {
	weight, ok, err := Weight(r, id, s.Tag)
	if err != nil || !ok {
		return false, err
	}
	if s.Min != nil && weight < *s.Min {
		return false, nil
	}
	if s.Max != nil && weight > *s.Max {
		return false, nil
	}
	return true, nil
}

func Has(r kv.Reader, id keys.RecordID, selectors []Selector, test indexes.Test) (bool, error) {
	return test.Evaluate(len(selectors), func(i int) (bool, error) {
		return selectors[i].match(r, id)
	})
}

// TagBound bounds Of scans by tag.
func TagBound(tag string, exclusive bool) *indexes.Bound {
	return indexes.ValueBound([]byte(tag), exclusive)
}

// WeightBound bounds Records scans by weight.
func WeightBound(weight uint16, exclusive bool) *indexes.Bound {
	return indexes.ValueBound(encodeWeight(weight), exclusive)
}

// Of lists the tags of a record in tag order.
func Of(r kv.Reader, id keys.RecordID, rng indexes.Range) (indexes.Page[Weighted], error) {
	return indexes.Scan(r, weightsPrefix(id), rng, func(rest, value []byte) (Weighted, error) {
		tag, _, err := keys.TakeSegment(rest)
		if err != nil {
			return Weighted{}, err
		}
		if len(value) != 2 {
			return Weighted{}, fmt.Errorf("tag %q of record %d: bad weight length %d", tag, id, len(value))
		}
		return Weighted{Tag: string(tag), Weight: binary.BigEndian.Uint16(value)}, nil
	})
}

// Records lists the records carrying tag ordered by (weight, id).
func Records(r kv.Reader, tag string, rng indexes.Range) (indexes.Page[Ranked], error) {
	return indexes.Scan(r, rankedPrefixOf(tag), rng, func(rest, _ []byte) (Ranked, error) {
		w, rest, err := keys.TakeSegment(rest)
		if err != nil {
			return Ranked{}, err
		}
		if len(w) != 2 {
			return Ranked{}, fmt.Errorf("tag %q: bad ranked weight length %d", tag, len(w))
		}
		id, _, err := keys.TakeID(rest)
		return Ranked{ID: id, Weight: binary.BigEndian.Uint16(w)}, err
	})
}
