package kv

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/drpcorg/factory/factory_errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func engines(t *testing.T) map[string]Store {
	stores := map[string]Store{}
	for _, engine := range []string{EnginePebble, EngineBadger} {
		s, err := Open(Options{Engine: engine, InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		stores[engine] = s
	}
	return stores
}

func scan(t *testing.T, r Reader, lower, upper []byte, reverse bool) []string {
	it, err := r.Iter(lower, upper, reverse)
	require.NoError(t, err)
	var keys []string
	require.NoError(t, Collect(it, func(k, _ []byte) (bool, error) {
		keys = append(keys, string(k))
		return true, nil
	}))
	return keys
}

func TestStoreBasics(t *testing.T) {
	ctx := context.Background()
	for name, s := range engines(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Update(ctx, func(rw ReadWriter) error {
				for _, k := range []string{"a1", "a2", "a3", "b1"} {
					if err := rw.Set([]byte(k), []byte("v"+k)); err != nil {
						return err
					}
				}
				// own writes are visible before commit
				v, err := rw.Get([]byte("a2"))
				assert.NoError(t, err)
				assert.Equal(t, []byte("va2"), v)
				return nil
			}))

			require.NoError(t, s.View(ctx, func(r Reader) error {
				assert.Equal(t, []string{"a1", "a2", "a3"}, scan(t, r, []byte("a"), []byte("b"), false))
				assert.Equal(t, []string{"a3", "a2", "a1"}, scan(t, r, []byte("a"), []byte("b"), true))
				assert.Equal(t, []string{"b1", "a3", "a2"}, scan(t, r, []byte("a2"), nil, true))
				assert.Equal(t, []string{"a1", "a2"}, scan(t, r, nil, []byte("a3"), false))
				_, err := r.Get([]byte("zz"))
				assert.ErrorIs(t, err, factory_errors.ErrNotFound)
				ok, err := r.Has([]byte("b1"))
				assert.NoError(t, err)
				assert.True(t, ok)
				return nil
			}))
		})
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, s := range engines(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Update(ctx, func(rw ReadWriter) error {
				require.NoError(t, rw.Set([]byte("k"), []byte("v")))
				return boom
			})
			assert.ErrorIs(t, err, boom)
			require.NoError(t, s.View(ctx, func(r Reader) error {
				ok, err := r.Has([]byte("k"))
				assert.NoError(t, err)
				assert.False(t, ok)
				return nil
			}))
		})
	}
}

func TestConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	key := []byte("n")
	for name, s := range engines(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, s.Update(ctx, func(rw ReadWriter) error {
						var n uint64
						raw, err := rw.Get(key)
						if err == nil {
							n = binary.BigEndian.Uint64(raw)
						} else if !errors.Is(err, factory_errors.ErrNotFound) {
							return err
						}
						return rw.Set(key, binary.BigEndian.AppendUint64(nil, n+1))
					}))
				}()
			}
			wg.Wait()
			require.NoError(t, s.View(ctx, func(r Reader) error {
				raw, err := r.Get(key)
				require.NoError(t, err)
				assert.Equal(t, uint64(32), binary.BigEndian.Uint64(raw))
				return nil
			}))
		})
	}
}

func TestClosedStore(t *testing.T) {
	s, err := OpenPebble(Options{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.View(context.Background(), func(Reader) error { return nil }), factory_errors.ErrClosed)
	assert.NoError(t, s.Close())
}

func TestPebbleCollector(t *testing.T) {
	s, err := OpenPebble(Options{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewPebbleCollector(s.Database())))
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestBadgerIterReportsValueError(t *testing.T) {
	s, err := OpenBadger(Options{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(rw ReadWriter) error { return rw.Set([]byte("k"), []byte("v")) }))

	boom := errors.New("boom")
	require.NoError(t, s.View(ctx, func(r Reader) error {
		it, err := r.Iter(nil, nil, false)
		require.NoError(t, err)
		bi, ok := it.(*badgerIter)
		require.True(t, ok)
		bi.err = boom
		calls := 0
		err = Collect(it, func(_, _ []byte) (bool, error) {
			calls++
			return true, nil
		})
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, calls)
		return nil
	}))
}
