// Package counters keeps the registry's shared monotonic counters in the
// store itself: the record id allocator, the reply correlation id counter
// and the live record count.
//
// # Semantics
//
// A counter is a big-endian uint64 under a fixed key. Next reads the
// current value, returns it and writes value+1 back through the same
// ReadWriter, so the increment commits or rolls back together with the
// rest of the call. There is no in-memory copy: two calls never observe
// the same value because the store serializes Update calls.
//
// Allocation starts at 0. A counter with a Max refuses to hand out a
// value above it and reports factory_errors.ErrArithmeticOverflow
// instead of wrapping.
//
// # Example
//
//	ids := counters.New(counters.RecordIDs, math.MaxUint32)
//	err := store.Update(ctx, func(rw kv.ReadWriter) error {
//		id, err := ids.Next(rw) // 0, then 1, 2, ...
//		...
//	})
package counters

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/kv"
	"github.com/drpcorg/factory/utils"
)

var (
	RecordIDs      = []byte{'N', 'R'}
	CorrelationIDs = []byte{'N', 'C'}
	RecordCount    = []byte{'N', 'T'}
)

type Counter struct {
	key []byte
	max uint64
}

// New returns a counter stored under key that never exceeds max.
func New(key []byte, max uint64) *Counter {
	return &Counter{key: key, max: max}
}

// Get returns the next value Next would hand out.
func (c *Counter) Get(r kv.Reader) (uint64, error) {
	raw, err := r.Get(c.key)
	if errors.Is(err, factory_errors.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("counter %q: bad value length %d", c.key, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (c *Counter) Next(rw kv.ReadWriter) (uint64, error) {
	v, err := c.Get(rw)
	if err != nil {
		return 0, err
	}
	if v > c.max {
		return 0, errors.Join(factory_errors.ErrArithmeticOverflow, fmt.Errorf("counter %q exhausted", c.key))
	}
	next, err := utils.CheckedAdd(v, 1)
	if err != nil {
		return 0, err
	}
	return v, c.set(rw, next)
}

// Add moves the counter by delta, which may be negative.
func (c *Counter) Add(rw kv.ReadWriter, delta int64) (uint64, error) {
	v, err := c.Get(rw)
	if err != nil {
		return 0, err
	}
	if delta >= 0 {
		v, err = utils.CheckedAdd(v, uint64(delta))
	} else {
		v, err = utils.CheckedSub(v, uint64(-delta))
	}
	if err != nil {
		return 0, err
	}
	if v > c.max {
		return 0, errors.Join(factory_errors.ErrArithmeticOverflow, fmt.Errorf("counter %q above %d", c.key, c.max))
	}
	return v, c.set(rw, v)
}

func (c *Counter) set(w kv.Writer, v uint64) error {
	return w.Set(c.key, binary.BigEndian.AppendUint64(nil, v))
}
