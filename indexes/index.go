package indexes

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/keys"
	"github.com/drpcorg/factory/kv"
)

const (
	indexPrefix  = 'I'
	customCode   = 'X'
	claimCode    = 'N'
	MaxNameBytes = 64
)

// Builtin enumerates the metadata indices every record is filed under.
type Builtin byte

const (
	TemplateID Builtin = 'T'
	CreatedAt  Builtin = 'C'
	UpdatedAt  Builtin = 'U'
	CreatedBy  Builtin = 'B'
	Admin      Builtin = 'A'
	Tag        Builtin = 'G'
)

var builtinNames = map[Builtin]string{
	TemplateID: "template_id",
	CreatedAt:  "created_at",
	UpdatedAt:  "updated_at",
	CreatedBy:  "created_by",
	Admin:      "admin",
	Tag:        "tag",
}

func ParseBuiltin(name string) (Builtin, error) {
	for b, n := range builtinNames {
		if n == name {
			return b, nil
		}
	}
	return 0, errors.Join(factory_errors.ErrValidation, fmt.Errorf("unknown built-in index %q", name))
}

func (b Builtin) String() string { return builtinNames[b] }

func (b Builtin) Index() Index {
	return Index{name: b.String(), prefix: []byte{indexPrefix, byte(b)}, attr: []byte{0, byte(b)}}
}

// Index is one ordered keyspace of (value, record id) entries.
type Index struct {
	name   string
	prefix []byte
	// attr names the index inside reverse map keys
	attr   []byte
	custom bool
}

// Custom returns the index for a caller supplied name.
func Custom(name string) (Index, error) {
	if err := ValidateName(name); err != nil {
		return Index{}, err
	}
	prefix := []byte{indexPrefix, customCode}
	prefix = binary.BigEndian.AppendUint64(prefix, xxhash.Sum64String(name))
	return Index{name: name, prefix: prefix, attr: []byte(name), custom: true}, nil
}

func ValidateName(name string) error {
	if len(name) == 0 || len(name) > MaxNameBytes {
		return errors.Join(factory_errors.ErrValidation, fmt.Errorf("index name must be 1..%d bytes", MaxNameBytes))
	}
	if !utf8.ValidString(name) {
		return errors.Join(factory_errors.ErrValidation, fmt.Errorf("index name is not utf-8"))
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return errors.Join(factory_errors.ErrValidation, fmt.Errorf("index name %q has control characters", name))
		}
	}
	return nil
}

// fromAttr inverts Index.attr.
func fromAttr(attr []byte) (Index, error) {
	if len(attr) == 2 && attr[0] == 0 {
		b := Builtin(attr[1])
		if _, ok := builtinNames[b]; ok {
			return b.Index(), nil
		}
	}
	return Custom(string(attr))
}

func (ix Index) Name() string   { return ix.name }
func (ix Index) Custom() bool   { return ix.custom }
func (ix Index) Prefix() []byte { return ix.prefix }

func (ix Index) Key(value []byte, id keys.RecordID) []byte {
	key := keys.AppendSegment(append([]byte{}, ix.prefix...), value)
	return keys.AppendID(key, id)
}

func (ix Index) Put(w kv.Writer, value []byte, id keys.RecordID) error {
	return w.Set(ix.Key(value, id), nil)
}

func (ix Index) Delete(w kv.Writer, value []byte, id keys.RecordID) error {
	return w.Delete(ix.Key(value, id))
}

func (ix Index) Has(r kv.Reader, value []byte, id keys.RecordID) (bool, error) {
	return r.Has(ix.Key(value, id))
}

// Claim binds a custom index keyspace to its name.
func (ix Index) Claim(rw kv.ReadWriter) error {
	if !ix.custom {
		return nil
	}
	key := append([]byte{indexPrefix, claimCode}, ix.prefix[2:]...)
	owner, err := rw.Get(key)
	switch {
	case errors.Is(err, factory_errors.ErrNotFound):
		return rw.Set(key, []byte(ix.name))
	case err != nil:
		return err
	case string(owner) != ix.name:
		return errors.Join(factory_errors.ErrValidation,
			fmt.Errorf("index name %q collides with %q", ix.name, owner))
	}
	return nil
}

// Entry is one (value, record id) pair of an index.
type Entry struct {
	Value []byte
	ID    keys.RecordID
}

func decodeEntry(rest, _ []byte) (Entry, error) {
	value, rest, err := keys.TakeSegment(rest)
	if err != nil {
		return Entry{}, err
	}
	id, _, err := keys.TakeID(rest)
	return Entry{Value: value, ID: id}, err
}

func (ix Index) Scan(r kv.Reader, rng Range) (Page[Entry], error) {
	return Scan(r, ix.prefix, rng, decodeEntry)
}
