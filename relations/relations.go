// Package relations keeps a directed graph from records to addresses.
//
// An edge is a label with an optional typed value:
//
//	edge = segment(label) + segment(0x00)                    no value
//	edge = segment(label) + segment(0x01, kind, value bytes) with value
//
// Every relation is stored twice and the two entries are written and
// deleted together:
//
//	forward: "F" + id + edge + segment(address) -> tlv(value)
//	inverse: "R" + segment(address) + edge + id -> empty
//
// Relations differing only by value are distinct edges; setting a new
// value does not replace the old one.
package relations

import (
	"errors"
	"fmt"

	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/indexes"
	"github.com/drpcorg/factory/keys"
	"github.com/drpcorg/factory/kv"
	"github.com/drpcorg/factory/tlv"
)

const (
	forwardPrefix = 'F'
	inversePrefix = 'R'
	MaxLabelBytes = 128
)

type Relation struct {
	Label   string      `json:"label"`
	Address string      `json:"address"`
	Value   *keys.Value `json:"value,omitempty"`
}

// Related is one record pointing at a scanned address.
type Related struct {
	ID    keys.RecordID `json:"id"`
	Label string        `json:"label"`
	Value *keys.Value   `json:"value,omitempty"`
}

// Selector is a point lookup of one edge towards one address.
type Selector = Relation

func (rel Relation) Validate() error {
	if rel.Label == "" || len(rel.Label) > MaxLabelBytes {
		return errors.Join(factory_errors.ErrValidation, fmt.Errorf("bad relation label %q", rel.Label))
	}
	if rel.Address == "" {
		return errors.Join(factory_errors.ErrValidation, fmt.Errorf("relation %q has no address", rel.Label))
	}
	return nil
}

func appendEdge(into []byte, label string, value *keys.Value) []byte {
	into = keys.AppendSegment(into, []byte(label))
	if value == nil {
		return keys.AppendSegment(into, []byte{0})
	}
	tagged := append([]byte{1, byte(value.Kind())}, value.Encode()...)
	return keys.AppendSegment(into, tagged)
}

func takeEdge(data []byte) (label string, value *keys.Value, rest []byte, err error) {
	rawLabel, rest, err := keys.TakeSegment(data)
	if err != nil {
		return "", nil, nil, err
	}
	tagged, rest, err := keys.TakeSegment(rest)
	if err != nil {
		return "", nil, nil, err
	}
	switch {
	case len(tagged) == 1 && tagged[0] == 0:
	case len(tagged) >= 2 && tagged[0] == 1:
		v, err := keys.Decode(keys.Kind(tagged[1]), tagged[2:])
		if err != nil {
			return "", nil, nil, err
		}
		value = &v
	default:
		return "", nil, nil, errors.Join(factory_errors.ErrValidation, fmt.Errorf("bad edge value segment"))
	}
	return string(rawLabel), value, rest, nil
}

func forwardPrefixOf(id keys.RecordID) []byte {
	return keys.AppendID([]byte{forwardPrefix}, id)
}

func inversePrefixOf(address string) []byte {
	return keys.AppendSegment([]byte{inversePrefix}, []byte(address))
}

func forwardKey(id keys.RecordID, rel Relation) []byte {
	key := appendEdge(forwardPrefixOf(id), rel.Label, rel.Value)
	return keys.AppendSegment(key, []byte(rel.Address))
}

func inverseKey(id keys.RecordID, rel Relation) []byte {
	key := appendEdge(inversePrefixOf(rel.Address), rel.Label, rel.Value)
	return keys.AppendID(key, id)
}

func encodePayload(v *keys.Value) []byte {
	if v == nil {
		return tlv.AppendOptional(nil, 'V', nil, false)
	}
	return tlv.AppendOptional(nil, 'V', append([]byte{byte(v.Kind())}, v.Encode()...), true)
}

// Set writes the forward and inverse entries of rel, replacing an
// identical edge if present.
func Set(rw kv.ReadWriter, id keys.RecordID, rel Relation) error {
	if err := rel.Validate(); err != nil {
		return err
	}
	if err := Remove(rw, id, rel); err != nil {
		return err
	}
	if err := rw.Set(forwardKey(id, rel), encodePayload(rel.Value)); err != nil {
		return err
	}
	return rw.Set(inverseKey(id, rel), nil)
}

func Remove(rw kv.ReadWriter, id keys.RecordID, rel Relation) error {
	if err := rw.Delete(forwardKey(id, rel)); err != nil {
		return err
	}
	return rw.Delete(inverseKey(id, rel))
}

// IsRelatedTo reports whether id holds exactly this edge towards rel.Address.
func IsRelatedTo(r kv.Reader, id keys.RecordID, rel Relation) (bool, error) {
	return r.Has(inverseKey(id, rel))
}

func Has(r kv.Reader, id keys.RecordID, selectors []Selector, test indexes.Test) (bool, error) {
	return test.Evaluate(len(selectors), func(i int) (bool, error) {
		return IsRelatedTo(r, id, selectors[i])
	})
}

// LabelBound bounds scans to the edges carrying label, any value.
func LabelBound(label string, exclusive bool) *indexes.Bound {
	return &indexes.Bound{Prefix: keys.Segment([]byte(label)), Exclusive: exclusive}
}

// EdgeBound bounds scans by a whole edge; a nil value means label only.
func EdgeBound(label string, value *keys.Value, exclusive bool) *indexes.Bound {
	if value == nil {
		return LabelBound(label, exclusive)
	}
	return &indexes.Bound{Prefix: appendEdge(nil, label, value), Exclusive: exclusive}
}

// Of lists the relations of a record ordered by edge, then address.
func Of(r kv.Reader, id keys.RecordID, rng indexes.Range) (indexes.Page[Relation], error) {
	return indexes.Scan(r, forwardPrefixOf(id), rng, func(rest, payload []byte) (Relation, error) {
		label, _, rest, err := takeEdge(rest)
		if err != nil {
			return Relation{}, err
		}
		address, _, err := keys.TakeSegment(rest)
		if err != nil {
			return Relation{}, err
		}
		rel := Relation{Label: label, Address: string(address)}
		body, present, _, err := tlv.TakeOptional('V', payload)
		if err != nil {
			return Relation{}, err
		}
		if present {
			if len(body) == 0 {
				return Relation{}, errors.Join(factory_errors.ErrValidation, fmt.Errorf("empty relation payload"))
			}
			v, err := keys.Decode(keys.Kind(body[0]), body[1:])
			if err != nil {
				return Relation{}, err
			}
			rel.Value = &v
		}
		return rel, nil
	})
}

// RelatedTo lists the records holding an edge towards address.
func RelatedTo(r kv.Reader, address string, rng indexes.Range) (indexes.Page[Related], error) {
	return indexes.Scan(r, inversePrefixOf(address), rng, func(rest, _ []byte) (Related, error) {
		label, value, rest, err := takeEdge(rest)
		if err != nil {
			return Related{}, err
		}
		id, _, err := keys.TakeID(rest)
		return Related{ID: id, Label: label, Value: value}, err
	})
}
