package migrations

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/indexes"
	"github.com/drpcorg/factory/keys"
	"github.com/drpcorg/factory/kv"
	"github.com/drpcorg/factory/tlv"
	"github.com/drpcorg/factory/utils"
)

var (
	sessionPrefix = []byte{'M', 'S'}
	failurePrefix = []byte{'M', 'E'}
)

type Strategy string

const (
	Abort Strategy = "abort"
	Retry Strategy = "retry"
)

type Status string

const (
	Running  Status = "running"
	Complete Status = "complete"
)

const (
	DefaultBatch = 50
	MaxBatch     = 100
	MaxNameBytes = 128
)

type Params struct {
	Name           string          `json:"name" validate:"required,max=128"`
	BatchSize      int             `json:"batch_size,omitempty" validate:"gte=0"`
	ErrorStrategy  Strategy        `json:"error_strategy,omitempty" validate:"omitempty,oneof=abort retry"`
	TargetTemplate uint64          `json:"target_template" validate:"required"`
	SourceTemplate *uint64         `json:"source_template,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// normalize applies defaults and pins the batch size to [1, MaxBatch].
func (p Params) normalize() (Params, error) {
	if p.Name == "" || len(p.Name) > MaxNameBytes {
		return p, errors.Join(factory_errors.ErrValidation, fmt.Errorf("bad session name %q", p.Name))
	}
	if p.TargetTemplate == 0 {
		return p, errors.Join(factory_errors.ErrValidation, fmt.Errorf("session %q has no target template", p.Name))
	}
	if p.BatchSize <= 0 {
		p.BatchSize = DefaultBatch
	}
	p.BatchSize = utils.Clamp(p.BatchSize, 1, MaxBatch)
	switch p.ErrorStrategy {
	case "":
		p.ErrorStrategy = Abort
	case Abort, Retry:
	default:
		return p, errors.Join(factory_errors.ErrValidation, fmt.Errorf("unknown error strategy %q", p.ErrorStrategy))
	}
	if len(p.Payload) > 0 && !json.Valid(p.Payload) {
		return p, errors.Join(factory_errors.ErrValidation, fmt.Errorf("session %q payload is not json", p.Name))
	}
	return p, nil
}

type Session struct {
	Params
	Status      Status         `json:"status"`
	Cursor      *keys.RecordID `json:"cursor,omitempty"`
	RetryCursor *keys.RecordID `json:"retry_cursor,omitempty"`
	NSuccess    uint32         `json:"n_success"`
	NError      uint32         `json:"n_error"`
	// Generation tells this session apart from earlier ones of the same name.
	Generation uint64 `json:"generation"`
}

// Failure is a retryable upgrade error of one record.
type Failure struct {
	Record        keys.RecordID `json:"id"`
	Address       string        `json:"address"`
	Error         string        `json:"error"`
	CorrelationID uint64        `json:"correlation_id"`
}

func sessionKey(name string) []byte { return keys.Concat(sessionPrefix, []byte(name)) }

func failuresPrefix(name string) []byte {
	return keys.AppendSegment(append([]byte{}, failurePrefix...), []byte(name))
}

func failureKey(name string, id keys.RecordID) []byte {
	return keys.AppendID(failuresPrefix(name), id)
}

func appendCursor(buf []byte, lit byte, c *keys.RecordID) []byte {
	if c == nil {
		return tlv.AppendOptional(buf, lit, nil, false)
	}
	return tlv.AppendOptional(buf, lit, c.Bytes(), true)
}

func takeCursor(lit byte, data []byte) (*keys.RecordID, []byte, error) {
	body, present, rest, err := tlv.TakeOptional(lit, data)
	if err != nil || !present {
		return nil, rest, err
	}
	id, _, err := keys.TakeID(body)
	return &id, rest, err
}

func (s Session) encode() []byte {
	var buf []byte
	buf = tlv.AppendString(buf, 'N', s.Name)
	buf = tlv.AppendUint(buf, 'B', uint64(s.BatchSize))
	buf = tlv.AppendString(buf, 'E', string(s.ErrorStrategy))
	buf = tlv.AppendUint(buf, 'T', s.TargetTemplate)
	if s.SourceTemplate != nil {
		buf = tlv.AppendOptional(buf, 'F', binary.BigEndian.AppendUint64(nil, *s.SourceTemplate), true)
	} else {
		buf = tlv.AppendOptional(buf, 'F', nil, false)
	}
	buf = tlv.AppendOptional(buf, 'P', s.Payload, len(s.Payload) > 0)
	buf = tlv.AppendString(buf, 'S', string(s.Status))
	buf = appendCursor(buf, 'C', s.Cursor)
	buf = appendCursor(buf, 'R', s.RetryCursor)
	buf = tlv.AppendUint(buf, 'O', uint64(s.NSuccess))
	buf = tlv.AppendUint(buf, 'X', uint64(s.NError))
	return tlv.AppendUint(buf, 'G', s.Generation)
}

func decodeSession(raw []byte) (s Session, err error) {
	var n uint64
	var str string
	if s.Name, raw, err = tlv.TakeString('N', raw); err != nil {
		return
	}
	if n, raw, err = tlv.TakeUint('B', raw); err != nil {
		return
	}
	s.BatchSize = int(n)
	if str, raw, err = tlv.TakeString('E', raw); err != nil {
		return
	}
	s.ErrorStrategy = Strategy(str)
	if s.TargetTemplate, raw, err = tlv.TakeUint('T', raw); err != nil {
		return
	}
	src, present, raw, err := tlv.TakeOptional('F', raw)
	if err != nil {
		return
	}
	if present {
		if len(src) != 8 {
			return s, tlv.ErrBadRecord
		}
		v := binary.BigEndian.Uint64(src)
		s.SourceTemplate = &v
	}
	payload, present, raw, err := tlv.TakeOptional('P', raw)
	if err != nil {
		return
	}
	if present {
		s.Payload = append(json.RawMessage{}, payload...)
	}
	if str, raw, err = tlv.TakeString('S', raw); err != nil {
		return
	}
	s.Status = Status(str)
	if s.Cursor, raw, err = takeCursor('C', raw); err != nil {
		return
	}
	if s.RetryCursor, raw, err = takeCursor('R', raw); err != nil {
		return
	}
	if n, raw, err = tlv.TakeUint('O', raw); err != nil {
		return
	}
	s.NSuccess = uint32(n)
	if n, raw, err = tlv.TakeUint('X', raw); err != nil {
		return
	}
	s.NError = uint32(n)
	if s.Generation, _, err = tlv.TakeUint('G', raw); err != nil {
		return
	}
	return s, nil
}

// Load returns the stored session, factory_errors.ErrNotFound if none.
func Load(r kv.Reader, name string) (Session, error) {
	raw, err := r.Get(sessionKey(name))
	if errors.Is(err, factory_errors.ErrNotFound) {
		return Session{}, errors.Join(factory_errors.ErrNotFound, fmt.Errorf("migration session %q", name))
	}
	if err != nil {
		return Session{}, err
	}
	return decodeSession(raw)
}

func save(w kv.Writer, s Session) error {
	return w.Set(sessionKey(s.Name), s.encode())
}

func (f Failure) encode() []byte {
	buf := tlv.AppendString(nil, 'A', f.Address)
	buf = tlv.AppendString(buf, 'E', f.Error)
	return tlv.AppendUint(buf, 'C', f.CorrelationID)
}

func decodeFailure(id keys.RecordID, raw []byte) (f Failure, err error) {
	f.Record = id
	if f.Address, raw, err = tlv.TakeString('A', raw); err != nil {
		return
	}
	if f.Error, raw, err = tlv.TakeString('E', raw); err != nil {
		return
	}
	f.CorrelationID, _, err = tlv.TakeUint('C', raw)
	return
}

// Failures pages through the failure table of a session in record id order.
func Failures(r kv.Reader, name string, rng indexes.Range) (indexes.Page[Failure], error) {
	return indexes.Scan(r, failuresPrefix(name), rng, func(rest, value []byte) (Failure, error) {
		id, _, err := keys.TakeID(rest)
		if err != nil {
			return Failure{}, err
		}
		return decodeFailure(id, value)
	})
}
