package kv

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/drpcorg/factory/factory_errors"
	pkgerrors "github.com/pkg/errors"
)

type BadgerStore struct {
	db     *badger.DB
	closed atomic.Bool
	wlock  sync.Mutex
}

func OpenBadger(opts Options) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(opts.Path).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrite).
		WithLogger(nil)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("")
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "badger: open %s", opts.Path)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) View(ctx context.Context, fn func(r Reader) error) error {
	if s.closed.Load() {
		return factory_errors.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(badgerTxn{txn})
	})
}

func (s *BadgerStore) Update(ctx context.Context, fn func(rw ReadWriter) error) error {
	if s.closed.Load() {
		return factory_errors.ErrClosed
	}
	s.wlock.Lock()
	defer s.wlock.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := fn(badgerTxn{txn}); err != nil {
			return err
		}
		return ctx.Err()
	})
}

func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return pkgerrors.Wrap(s.db.Close(), "badger: close")
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t badgerTxn) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, factory_errors.ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "badger: get")
	}
	val, err := item.ValueCopy(nil)
	return val, pkgerrors.Wrap(err, "badger: value")
}

func (t badgerTxn) Has(key []byte) (bool, error) {
	_, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, pkgerrors.Wrap(err, "badger: get")
}

func (t badgerTxn) Set(key, value []byte) error {
	// badger keeps the slices until commit
	k := append([]byte{}, key...)
	v := append([]byte{}, value...)
	return pkgerrors.Wrap(t.txn.Set(k, v), "badger: set")
}

func (t badgerTxn) Delete(key []byte) error {
	return pkgerrors.Wrap(t.txn.Delete(append([]byte{}, key...)), "badger: delete")
}

func (t badgerTxn) Iter(lower, upper []byte, reverse bool) (Iterator, error) {
	it := t.txn.NewIterator(badger.IteratorOptions{
		PrefetchValues: true,
		PrefetchSize:   64,
		Reverse:        reverse,
	})
	return &badgerIter{it: it, lower: lower, upper: upper, reverse: reverse}, nil
}

type badgerIter struct {
	it           *badger.Iterator
	lower, upper []byte
	reverse      bool
	started      bool
	closed       bool
	value        []byte
	err          error
}

func (b *badgerIter) Next() bool {
	if b.closed || b.err != nil {
		return false
	}
	if !b.started {
		b.started = true
		switch {
		case !b.reverse && b.lower != nil:
			b.it.Seek(b.lower)
		case b.reverse && b.upper != nil:
			b.it.Seek(b.upper)
		default:
			b.it.Rewind()
		}
		// a reverse seek lands on the last key <= upper, upper is exclusive
		if b.reverse {
			for b.it.Valid() && b.upper != nil && bytes.Compare(b.it.Item().Key(), b.upper) >= 0 {
				b.it.Next()
			}
		}
	} else {
		b.it.Next()
	}
	if !b.it.Valid() {
		return false
	}
	key := b.it.Item().Key()
	if b.reverse && b.lower != nil && bytes.Compare(key, b.lower) < 0 {
		return false
	}
	if !b.reverse && b.upper != nil && bytes.Compare(key, b.upper) >= 0 {
		return false
	}
	if b.value, b.err = b.it.Item().ValueCopy(nil); b.err != nil {
		return false
	}
	return true
}

func (b *badgerIter) Key() []byte { return b.it.Item().KeyCopy(nil) }

func (b *badgerIter) Value() []byte { return b.value }

// Close reports the first value read error, if any.
func (b *badgerIter) Close() error {
	if !b.closed {
		b.closed = true
		b.it.Close()
	}
	return pkgerrors.Wrap(b.err, "badger: read value")
}
