// Package correlation remembers what every outstanding asynchronous
// command was issued for, keyed by its correlation id. Creation and
// migration draw ids from one shared counter so their entries never
// collide.
package correlation

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/drpcorg/factory/counters"
	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/keys"
	"github.com/drpcorg/factory/kv"
	"github.com/drpcorg/factory/tlv"
)

var entryPrefix = []byte{'M', 'R'}

type Kind byte

const (
	Migration Kind = 'M'
	Create    Kind = 'C'
)

// Pending is a record instantiation waiting for its address.
type Pending struct {
	ID        keys.RecordID
	Template  uint64
	CreatedBy string
	Admin     string
	Name      string
	Label     string
	Preset    string
}

type Entry struct {
	ID   uint64
	Kind Kind
	// Migration
	Session    string
	Generation uint64
	Record     keys.RecordID
	Address string
	Retry   bool
	// Create
	Pending Pending
}

type Table struct {
	ids *counters.Counter
}

func New() *Table {
	return &Table{ids: counters.New(counters.CorrelationIDs, math.MaxUint64-1)}
}

// Next allocates a fresh correlation id.
func (t *Table) Next(rw kv.ReadWriter) (uint64, error) {
	return t.ids.Next(rw)
}

func key(id uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, entryPrefix...), id)
}

func (t *Table) Save(w kv.Writer, e Entry) error {
	raw, err := e.encode()
	if err != nil {
		return err
	}
	return w.Set(key(e.ID), raw)
}

// Load returns the entry of id, factory_errors.ErrInvalidReply if there is none.
func (t *Table) Load(r kv.Reader, id uint64) (Entry, error) {
	raw, err := r.Get(key(id))
	if errors.Is(err, factory_errors.ErrNotFound) {
		return Entry{}, errors.Join(factory_errors.ErrInvalidReply, fmt.Errorf("correlation id %d", id))
	}
	if err != nil {
		return Entry{}, err
	}
	e, err := decode(raw)
	e.ID = id
	return e, err
}

func (t *Table) Delete(w kv.Writer, id uint64) error {
	return w.Delete(key(id))
}

func (e Entry) encode() ([]byte, error) {
	buf := tlv.Append(nil, 'K', []byte{byte(e.Kind)})
	switch e.Kind {
	case Migration:
		retry := byte(0)
		if e.Retry {
			retry = 1
		}
		buf = tlv.AppendString(buf, 'S', e.Session)
		buf = tlv.AppendUint(buf, 'G', e.Generation)
		buf = tlv.AppendUint(buf, 'I', uint64(e.Record))
		buf = tlv.AppendString(buf, 'A', e.Address)
		buf = tlv.Append(buf, 'R', []byte{retry})
	case Create:
		// the pending record is small and rarely read, json keeps it readable in dumps
		body, err := json.Marshal(e.Pending)
		if err != nil {
			return nil, err
		}
		buf = tlv.Append(buf, 'P', body)
	default:
		return nil, fmt.Errorf("unknown correlation kind %q", e.Kind)
	}
	return buf, nil
}

func decode(raw []byte) (e Entry, err error) {
	kind, rest, err := tlv.TakeWary('K', raw)
	if err != nil {
		return e, err
	}
	if len(kind) != 1 {
		return e, tlv.ErrBadRecord
	}
	e.Kind = Kind(kind[0])
	switch e.Kind {
	case Migration:
		var rec uint64
		var retry []byte
		if e.Session, rest, err = tlv.TakeString('S', rest); err != nil {
			return e, err
		}
		if e.Generation, rest, err = tlv.TakeUint('G', rest); err != nil {
			return e, err
		}
		if rec, rest, err = tlv.TakeUint('I', rest); err != nil {
			return e, err
		}
		e.Record = keys.RecordID(rec)
		if e.Address, rest, err = tlv.TakeString('A', rest); err != nil {
			return e, err
		}
		if retry, _, err = tlv.TakeWary('R', rest); err != nil {
			return e, err
		}
		e.Retry = len(retry) == 1 && retry[0] == 1
	case Create:
		body, _, err := tlv.TakeWary('P', rest)
		if err != nil {
			return e, err
		}
		if err := json.Unmarshal(body, &e.Pending); err != nil {
			return e, err
		}
	default:
		return e, fmt.Errorf("unknown correlation kind %q", e.Kind)
	}
	return e, nil
}
