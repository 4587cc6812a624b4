// Package directory owns record identity: id allocation, the
// id/address/name bijections and the metadata indices written when a
// record is registered.
package directory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/drpcorg/factory/counters"
	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/indexes"
	"github.com/drpcorg/factory/keys"
	"github.com/drpcorg/factory/kv"
)

var (
	idToAddress = []byte{'D', 'A'}
	addressToID = []byte{'D', 'a'}
	idToName    = []byte{'D', 'N'}
	nameToID    = []byte{'D', 'n'}
	hiddenFlag  = []byte{'D', 'H'}
	pendingName = []byte{'D', 'p'}
)

type Record struct {
	ID        keys.RecordID
	Address   string
	Name      string
	Template  uint64
	CreatedBy string
	Admin     string
	CreatedAt time.Time
}

type Metadata struct {
	ID        keys.RecordID `json:"id"`
	Address   string        `json:"address"`
	Name      string        `json:"name,omitempty"`
	Template  uint64        `json:"template_id"`
	CreatedBy string        `json:"created_by"`
	Admin     string        `json:"admin,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Hidden    bool          `json:"hidden"`
}

// Listing is one row of the id-ordered record listing.
type Listing struct {
	ID      keys.RecordID
	Address string
}

// Selector picks a record by exactly one of its identities.
type Selector struct {
	Address *string        `json:"address,omitempty"`
	ID      *keys.RecordID `json:"id,omitempty"`
	Name    *string        `json:"name,omitempty"`
}

func ByAddress(address string) Selector { return Selector{Address: &address} }
func ByID(id keys.RecordID) Selector    { return Selector{ID: &id} }
func ByName(name string) Selector       { return Selector{Name: &name} }

type Directory struct {
	ids   *counters.Counter
	count *counters.Counter
}

func New() *Directory {
	return &Directory{
		ids:   counters.New(counters.RecordIDs, math.MaxUint32),
		count: counters.New(counters.RecordCount, math.MaxUint32),
	}
}

// Allocate hands out the next record id, starting at 0.
func (d *Directory) Allocate(rw kv.ReadWriter) (keys.RecordID, error) {
	id, err := d.ids.Next(rw)
	return keys.RecordID(id), err
}

// Count is the number of registered records.
func (d *Directory) Count(r kv.Reader) (uint64, error) {
	return d.count.Get(r)
}

// Timestamp is the index encoding of a point in time, unix nanoseconds.
func Timestamp(t time.Time) keys.Value { return keys.Uint64(uint64(t.UnixNano())) }

func (d *Directory) Register(rw kv.ReadWriter, rec Record) error {
	if rec.Address == "" {
		return errors.Join(factory_errors.ErrValidation, fmt.Errorf("record %d has no address", rec.ID))
	}
	taken, err := rw.Has(keys.Concat(addressToID, []byte(rec.Address)))
	if err != nil {
		return err
	}
	if taken {
		return errors.Join(factory_errors.ErrAlreadyExists, fmt.Errorf("address %s is registered", rec.Address))
	}
	if taken, err = rw.Has(keys.Concat(idToAddress, rec.ID.Bytes())); err != nil {
		return err
	} else if taken {
		return errors.Join(factory_errors.ErrAlreadyExists, fmt.Errorf("record id %d is registered", rec.ID))
	}
	if rec.Name != "" {
		if taken, err = rw.Has(keys.Concat(nameToID, []byte(rec.Name))); err != nil {
			return err
		} else if taken {
			return errors.Join(factory_errors.ErrAlreadyExists, fmt.Errorf("name %q is taken", rec.Name))
		}
		if err := rw.Set(keys.Concat(nameToID, []byte(rec.Name)), rec.ID.Bytes()); err != nil {
			return err
		}
		if err := rw.Set(keys.Concat(idToName, rec.ID.Bytes()), []byte(rec.Name)); err != nil {
			return err
		}
	}
	if err := rw.Set(keys.Concat(idToAddress, rec.ID.Bytes()), []byte(rec.Address)); err != nil {
		return err
	}
	if err := rw.Set(keys.Concat(addressToID, []byte(rec.Address)), rec.ID.Bytes()); err != nil {
		return err
	}

	created := Timestamp(rec.CreatedAt).Encode()
	meta := []struct {
		ix    indexes.Builtin
		value []byte
	}{
		{indexes.TemplateID, keys.Uint64(rec.Template).Encode()},
		{indexes.CreatedAt, created},
		{indexes.UpdatedAt, created},
		{indexes.CreatedBy, keys.String(rec.CreatedBy).Encode()},
		{indexes.Admin, keys.String(rec.Admin).Encode()},
	}
	for _, m := range meta {
		if err := indexes.Set(rw, m.ix.Index(), rec.ID, m.value, false); err != nil {
			return err
		}
	}
	_, err = d.count.Add(rw, 1)
	return err
}

// ReserveName holds name for a record whose instantiation is in flight.
// A name that is registered or already held is refused.
func ReserveName(rw kv.ReadWriter, name string, id keys.RecordID) error {
	for _, prefix := range [][]byte{nameToID, pendingName} {
		taken, err := rw.Has(keys.Concat(prefix, []byte(name)))
		if err != nil {
			return err
		}
		if taken {
			return errors.Join(factory_errors.ErrAlreadyExists, fmt.Errorf("name %q is taken", name))
		}
	}
	return rw.Set(keys.Concat(pendingName, []byte(name)), id.Bytes())
}

func ReleaseName(w kv.Writer, name string) error {
	return w.Delete(keys.Concat(pendingName, []byte(name)))
}

func Address(r kv.Reader, id keys.RecordID) (string, error) {
	raw, err := r.Get(keys.Concat(idToAddress, id.Bytes()))
	if errors.Is(err, factory_errors.ErrNotFound) {
		return "", errors.Join(factory_errors.ErrNotFound, fmt.Errorf("record %d", id))
	}
	return string(raw), err
}

func ID(r kv.Reader, address string) (keys.RecordID, error) {
	raw, err := r.Get(keys.Concat(addressToID, []byte(address)))
	if errors.Is(err, factory_errors.ErrNotFound) {
		return 0, errors.Join(factory_errors.ErrNotFound, fmt.Errorf("record at %s", address))
	}
	if err != nil {
		return 0, err
	}
	id, _, err := keys.TakeID(raw)
	return id, err
}

func Resolve(r kv.Reader, sel Selector) (keys.RecordID, error) {
	switch {
	case sel.Address != nil:
		return ID(r, *sel.Address)
	case sel.ID != nil:
		if _, err := Address(r, *sel.ID); err != nil {
			return 0, err
		}
		return *sel.ID, nil
	case sel.Name != nil:
		raw, err := r.Get(keys.Concat(nameToID, []byte(*sel.Name)))
		if errors.Is(err, factory_errors.ErrNotFound) {
			return 0, errors.Join(factory_errors.ErrNotFound, fmt.Errorf("record named %q", *sel.Name))
		}
		if err != nil {
			return 0, err
		}
		id, _, err := keys.TakeID(raw)
		return id, err
	}
	return 0, errors.Join(factory_errors.ErrValidation, fmt.Errorf("empty record selector"))
}

// TouchUpdated refiles the record under now in the updated_at index.
func TouchUpdated(rw kv.ReadWriter, id keys.RecordID, now time.Time) error {
	return indexes.Set(rw, indexes.UpdatedAt.Index(), id, Timestamp(now).Encode(), false)
}

// SetIndexValue files the record under value in the named custom index.
// Hidden records only get their reverse entry updated.
func SetIndexValue(rw kv.ReadWriter, id keys.RecordID, name string, value keys.Value) error {
	ix, err := indexes.Custom(name)
	if err != nil {
		return err
	}
	hidden, err := IsHidden(rw, id)
	if err != nil {
		return err
	}
	return indexes.Set(rw, ix, id, value.Encode(), hidden)
}

// UnsetIndexValue drops the record from the named custom index.
func UnsetIndexValue(rw kv.ReadWriter, id keys.RecordID, name string) error {
	ix, err := indexes.Custom(name)
	if err != nil {
		return err
	}
	return indexes.Unset(rw, ix, id)
}

func IsHidden(r kv.Reader, id keys.RecordID) (bool, error) {
	return r.Has(keys.Concat(hiddenFlag, id.Bytes()))
}

// ToggleHidden flips the hidden flag and returns the new state. Hidden
// records drop out of their custom indices.
func ToggleHidden(rw kv.ReadWriter, id keys.RecordID) (bool, error) {
	hidden, err := IsHidden(rw, id)
	if err != nil {
		return false, err
	}
	key := keys.Concat(hiddenFlag, id.Bytes())
	if hidden {
		if err := rw.Delete(key); err != nil {
			return false, err
		}
		return false, indexes.Restore(rw, id)
	}
	if err := rw.Set(key, []byte{1}); err != nil {
		return false, err
	}
	return true, indexes.Suppress(rw, id)
}

func reverseUint64(r kv.Reader, b indexes.Builtin, id keys.RecordID) (uint64, error) {
	raw, _, err := indexes.Reverse(r, b.Index(), id)
	if err != nil || len(raw) != 8 {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

func reverseString(r kv.Reader, b indexes.Builtin, id keys.RecordID) (string, error) {
	raw, _, err := indexes.Reverse(r, b.Index(), id)
	return string(raw), err
}

// Template returns the template id the record was instantiated from.
func Template(r kv.Reader, id keys.RecordID) (uint64, error) {
	return reverseUint64(r, indexes.TemplateID, id)
}

func ReadMetadata(r kv.Reader, id keys.RecordID) (Metadata, error) {
	md := Metadata{ID: id}
	var err error
	if md.Address, err = Address(r, id); err != nil {
		return md, err
	}
	name, err := r.Get(keys.Concat(idToName, id.Bytes()))
	if err != nil && !errors.Is(err, factory_errors.ErrNotFound) {
		return md, err
	}
	md.Name = string(name)
	if md.Template, err = Template(r, id); err != nil {
		return md, err
	}
	created, err := reverseUint64(r, indexes.CreatedAt, id)
	if err != nil {
		return md, err
	}
	updated, err := reverseUint64(r, indexes.UpdatedAt, id)
	if err != nil {
		return md, err
	}
	md.CreatedAt = time.Unix(0, int64(created)).UTC()
	md.UpdatedAt = time.Unix(0, int64(updated)).UTC()
	if md.CreatedBy, err = reverseString(r, indexes.CreatedBy, id); err != nil {
		return md, err
	}
	if md.Admin, err = reverseString(r, indexes.Admin, id); err != nil {
		return md, err
	}
	md.Hidden, err = IsHidden(r, id)
	return md, err
}

// List returns up to limit records with ids above after, ascending.
func List(r kv.Reader, after *keys.RecordID, limit int) ([]Listing, error) {
	rng := indexes.Range{Limit: limit}
	if after != nil {
		rng.Cursor = after.Bytes()
	}
	page, err := indexes.Scan(r, idToAddress, rng, func(rest, value []byte) (Listing, error) {
		id, _, err := keys.TakeID(rest)
		return Listing{ID: id, Address: string(value)}, err
	})
	return page.Items, err
}
