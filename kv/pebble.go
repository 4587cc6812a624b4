package kv

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/drpcorg/factory/factory_errors"
	pkgerrors "github.com/pkg/errors"
)

type PebbleStore struct {
	db     *pebble.DB
	wo     *pebble.WriteOptions
	closed atomic.Bool
	wlock  sync.Mutex
}

func OpenPebble(opts Options) (*PebbleStore, error) {
	popts := &pebble.Options{
		ErrorIfExists: false,
	}
	path := opts.Path
	if opts.InMemory {
		popts.FS = vfs.NewMem()
		if path == "" {
			path = "factory"
		}
	}
	db, err := pebble.Open(path, popts)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "pebble: open %s", path)
	}
	wo := pebble.NoSync
	if opts.SyncWrite {
		wo = pebble.Sync
	}
	return &PebbleStore{db: db, wo: wo}, nil
}

// Database exposes the engine for metrics collection.
func (s *PebbleStore) Database() *pebble.DB { return s.db }

func (s *PebbleStore) View(ctx context.Context, fn func(r Reader) error) error {
	if s.closed.Load() {
		return factory_errors.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := s.db.NewSnapshot()
	defer snap.Close()
	return fn(pebbleReader{src: snap})
}

// Update runs fn against an indexed batch so fn reads its own writes.
// The batch is committed only if fn succeeds.
func (s *PebbleStore) Update(ctx context.Context, fn func(rw ReadWriter) error) error {
	if s.closed.Load() {
		return factory_errors.ErrClosed
	}
	s.wlock.Lock()
	defer s.wlock.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := s.db.NewIndexedBatch()
	defer batch.Close()
	if err := fn(pebbleBatch{pebbleReader{src: batch}, batch}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return pkgerrors.Wrap(batch.Commit(s.wo), "pebble: commit")
}

func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return pkgerrors.Wrap(s.db.Close(), "pebble: close")
}

type pebbleSource interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type pebbleReader struct {
	src pebbleSource
}

func (r pebbleReader) Get(key []byte) ([]byte, error) {
	val, closer, err := r.src.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, factory_errors.ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "pebble: get")
	}
	defer closer.Close()
	return append([]byte{}, val...), nil
}

func (r pebbleReader) Has(key []byte) (bool, error) {
	_, err := r.Get(key)
	if errors.Is(err, factory_errors.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r pebbleReader) Iter(lower, upper []byte, reverse bool) (Iterator, error) {
	it, err := r.src.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "pebble: iterator")
	}
	return &pebbleIter{it: it, reverse: reverse}, nil
}

type pebbleBatch struct {
	pebbleReader
	b *pebble.Batch
}

func (w pebbleBatch) Set(key, value []byte) error {
	return pkgerrors.Wrap(w.b.Set(key, value, nil), "pebble: set")
}

func (w pebbleBatch) Delete(key []byte) error {
	return pkgerrors.Wrap(w.b.Delete(key, nil), "pebble: delete")
}

type pebbleIter struct {
	it      *pebble.Iterator
	reverse bool
	started bool
	closed  bool
}

func (p *pebbleIter) Next() bool {
	if p.closed {
		return false
	}
	if !p.started {
		p.started = true
		if p.reverse {
			return p.it.Last()
		}
		return p.it.First()
	}
	if p.reverse {
		return p.it.Prev()
	}
	return p.it.Next()
}

func (p *pebbleIter) Key() []byte   { return append([]byte{}, p.it.Key()...) }
func (p *pebbleIter) Value() []byte { return append([]byte{}, p.it.Value()...) }

func (p *pebbleIter) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return pkgerrors.Wrap(p.it.Close(), "pebble: iterator close")
}
