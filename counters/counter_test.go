package counters

import (
	"context"
	"testing"

	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterNext(t *testing.T) {
	store, err := kv.OpenPebble(kv.Options{InMemory: true})
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	c := New(RecordIDs, 2)
	var got []uint64
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Update(ctx, func(rw kv.ReadWriter) error {
			v, err := c.Next(rw)
			got = append(got, v)
			return err
		}))
	}
	assert.Equal(t, []uint64{0, 1, 2}, got)

	err = store.Update(ctx, func(rw kv.ReadWriter) error {
		_, err := c.Next(rw)
		return err
	})
	assert.ErrorIs(t, err, factory_errors.ErrArithmeticOverflow)
}

func TestCounterRollsBackWithCall(t *testing.T) {
	store, err := kv.OpenPebble(kv.Options{InMemory: true})
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	c := New(CorrelationIDs, ^uint64(0)-1)
	_ = store.Update(ctx, func(rw kv.ReadWriter) error {
		_, _ = c.Next(rw)
		return factory_errors.ErrUpgradeFailed
	})
	require.NoError(t, store.View(ctx, func(r kv.Reader) error {
		v, err := c.Get(r)
		assert.NoError(t, err)
		assert.Zero(t, v)
		return nil
	}))
}

func TestCounterAdd(t *testing.T) {
	store, err := kv.OpenPebble(kv.Options{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	c := New(RecordCount, 10)
	err = store.Update(context.Background(), func(rw kv.ReadWriter) error {
		v, err := c.Add(rw, 3)
		assert.NoError(t, err)
		assert.Equal(t, uint64(3), v)
		v, err = c.Add(rw, -1)
		assert.NoError(t, err)
		assert.Equal(t, uint64(2), v)
		_, err = c.Add(rw, -5)
		assert.ErrorIs(t, err, factory_errors.ErrArithmeticOverflow)
		_, err = c.Add(rw, 20)
		assert.ErrorIs(t, err, factory_errors.ErrArithmeticOverflow)
		return nil
	})
	require.NoError(t, err)
}
