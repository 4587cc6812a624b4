package indexes

import (
	"bytes"

	"github.com/drpcorg/factory/keys"
	"github.com/drpcorg/factory/kv"
	"github.com/drpcorg/factory/utils"
)

const (
	DefaultLimit = 100
	MaxLimit     = 500
)

// ClampLimit maps 0 (or less) to DefaultLimit and pins the rest to [1, MaxLimit].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return utils.Clamp(limit, 1, MaxLimit)
}

// Bound selects the group of keys that start with Prefix, relative to
// the scanned keyspace.
type Bound struct {
	Prefix    []byte
	Exclusive bool
}

// ValueBound bounds the leading segment of a key by a whole value.
func ValueBound(value []byte, exclusive bool) *Bound {
	return &Bound{Prefix: keys.Segment(value), Exclusive: exclusive}
}

type Range struct {
	Start  *Bound
	Stop   *Bound
	Cursor []byte
	Limit  int
	Desc   bool
}

type Page[T any] struct {
	Items  []T
	Cursor []byte
}

func (rng Range) span(prefix []byte) (lower, upper []byte) {
	lower, upper = prefix, keys.PrefixEnd(prefix)
	if b := rng.Start; b != nil {
		lower = keys.Concat(prefix, b.Prefix)
		if b.Exclusive {
			lower = keys.PrefixEnd(lower)
		}
	}
	if b := rng.Stop; b != nil {
		upper = keys.Concat(prefix, b.Prefix)
		if !b.Exclusive {
			upper = keys.PrefixEnd(upper)
		}
	}
	if rng.Cursor != nil {
		at := keys.Concat(prefix, rng.Cursor)
		if rng.Desc {
			if upper == nil || bytes.Compare(at, upper) < 0 {
				upper = at
			}
		} else if next := keys.Successor(at); bytes.Compare(next, lower) > 0 {
			lower = next
		}
	}
	return lower, upper
}

// Scan pages through the keys under prefix. decode receives each key
// with the prefix stripped, and its stored value.
func Scan[T any](r kv.Reader, prefix []byte, rng Range, decode func(rest, value []byte) (T, error)) (Page[T], error) {
	var page Page[T]
	limit := ClampLimit(rng.Limit)
	lower, upper := rng.span(prefix)
	if lower == nil || (upper != nil && bytes.Compare(lower, upper) >= 0) {
		return page, nil
	}
	it, err := r.Iter(lower, upper, rng.Desc)
	if err != nil {
		return page, err
	}
	var last []byte
	err = kv.Collect(it, func(key, value []byte) (bool, error) {
		item, err := decode(key[len(prefix):], value)
		if err != nil {
			return false, err
		}
		page.Items = append(page.Items, item)
		last = key[len(prefix):]
		return len(page.Items) < limit, nil
	})
	if err != nil {
		return Page[T]{}, err
	}
	if len(page.Items) == limit {
		page.Cursor = append([]byte{}, last...)
	}
	return page, nil
}
