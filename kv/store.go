// Package kv is the ordered key/value layer under every table of the
// registry. A Store runs each call either as a read-only View over a
// consistent snapshot or as an atomic Update: the writes of an Update
// become visible to its own reads at once and are committed together
// when fn returns nil, or dropped entirely when it returns an error.
// Updates of one Store never run concurrently.
package kv

import (
	"context"
	"errors"

	"github.com/drpcorg/factory/factory_errors"
)

type Reader interface {
	// Get returns a copy of the value, factory_errors.ErrNotFound if absent.
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	// Iter walks [lower, upper) ascending, or descending when reverse is
	// set. A nil bound is open.
	Iter(lower, upper []byte, reverse bool) (Iterator, error)
}

type Writer interface {
	Set(key, value []byte) error
	Delete(key []byte) error
}

type ReadWriter interface {
	Reader
	Writer
}

// Iterator is positioned before the first item; call Next to advance.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Close() error
}

type Store interface {
	View(ctx context.Context, fn func(r Reader) error) error
	Update(ctx context.Context, fn func(rw ReadWriter) error) error
	Close() error
}

const (
	EnginePebble = "pebble"
	EngineBadger = "badger"
)

type Options struct {
	Engine    string
	Path      string
	InMemory  bool
	SyncWrite bool
}

// Open starts the engine named in opts.
func Open(opts Options) (Store, error) {
	switch opts.Engine {
	case EngineBadger:
		return OpenBadger(opts)
	case EnginePebble, "":
		return OpenPebble(opts)
	}
	return nil, errors.Join(factory_errors.ErrValidation, errors.New("unknown storage engine "+opts.Engine))
}

// Collect drains an iterator through fn and closes it. Writes issued by
// fn after Collect returns are safe on every engine; writes while the
// iterator is open are not.
func Collect(it Iterator, fn func(key, value []byte) (more bool, err error)) error {
	defer it.Close()
	for it.Next() {
		more, err := fn(it.Key(), it.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return it.Close()
}
