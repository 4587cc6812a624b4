package indexes

import (
	"errors"

	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/keys"
	"github.com/drpcorg/factory/kv"
)

const reversePrefix = 'V'

func reverseKey(id keys.RecordID, ix Index) []byte {
	key := keys.AppendID([]byte{reversePrefix}, id)
	return keys.AppendSegment(key, ix.attr)
}

// Reverse returns the value record id was last filed under in ix.
func Reverse(r kv.Reader, ix Index, id keys.RecordID) ([]byte, bool, error) {
	v, err := r.Get(reverseKey(id, ix))
	if errors.Is(err, factory_errors.ErrNotFound) {
		return nil, false, nil
	}
	return v, err == nil, err
}

// Set files id under value in ix, replacing whatever it was filed under.
// With suppressed set only the reverse entry is written.
func Set(rw kv.ReadWriter, ix Index, id keys.RecordID, value []byte, suppressed bool) error {
	if err := ix.Claim(rw); err != nil {
		return err
	}
	stale, ok, err := Reverse(rw, ix, id)
	if err != nil {
		return err
	}
	if ok {
		if err := ix.Delete(rw, stale, id); err != nil {
			return err
		}
	}
	if !suppressed {
		if err := ix.Put(rw, value, id); err != nil {
			return err
		}
	}
	return rw.Set(reverseKey(id, ix), value)
}

// Unset removes id from ix entirely.
func Unset(rw kv.ReadWriter, ix Index, id keys.RecordID) error {
	stale, ok, err := Reverse(rw, ix, id)
	if err != nil || !ok {
		return err
	}
	if err := ix.Delete(rw, stale, id); err != nil {
		return err
	}
	return rw.Delete(reverseKey(id, ix))
}

type Attribute struct {
	Index Index
	Value []byte
}

// Attributes lists every reverse entry of a record.
func Attributes(r kv.Reader, id keys.RecordID) ([]Attribute, error) {
	prefix := keys.AppendID([]byte{reversePrefix}, id)
	it, err := r.Iter(prefix, keys.PrefixEnd(prefix), false)
	if err != nil {
		return nil, err
	}
	var attrs []Attribute
	err = kv.Collect(it, func(key, value []byte) (bool, error) {
		attr, _, err := keys.TakeSegment(key[len(prefix):])
		if err != nil {
			return false, err
		}
		ix, err := fromAttr(attr)
		if err != nil {
			return false, err
		}
		attrs = append(attrs, Attribute{Index: ix, Value: value})
		return true, nil
	})
	return attrs, err
}

// Suppress drops the custom index entries of a record, keeping the
// reverse entries for Restore.
func Suppress(rw kv.ReadWriter, id keys.RecordID) error {
	attrs, err := Attributes(rw, id)
	if err != nil {
		return err
	}
	for _, a := range attrs {
		if !a.Index.custom {
			continue
		}
		if err := a.Index.Delete(rw, a.Value, id); err != nil {
			return err
		}
	}
	return nil
}

// Restore files a record back under its custom indices.
func Restore(rw kv.ReadWriter, id keys.RecordID) error {
	attrs, err := Attributes(rw, id)
	if err != nil {
		return err
	}
	for _, a := range attrs {
		if !a.Index.custom {
			continue
		}
		if err := a.Index.Put(rw, a.Value, id); err != nil {
			return err
		}
	}
	return nil
}
