package correlation

import (
	"context"
	"testing"

	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableLifecycle(t *testing.T) {
	store, err := kv.OpenPebble(kv.Options{InMemory: true})
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	table := New()

	var ids []uint64
	require.NoError(t, store.Update(ctx, func(rw kv.ReadWriter) error {
		for _, e := range []Entry{
			{Kind: Create, Pending: Pending{ID: 0, Template: 1, CreatedBy: "alice", Name: "first"}},
			{Kind: Migration, Session: "v2", Generation: 7, Record: 0, Address: "addr-0", Retry: true},
		} {
			id, err := table.Next(rw)
			if err != nil {
				return err
			}
			e.ID = id
			ids = append(ids, id)
			if err := table.Save(rw, e); err != nil {
				return err
			}
		}
		return nil
	}))
	assert.Equal(t, []uint64{0, 1}, ids)

	require.NoError(t, store.View(ctx, func(r kv.Reader) error {
		e, err := table.Load(r, 0)
		require.NoError(t, err)
		assert.Equal(t, Create, e.Kind)
		assert.Equal(t, "first", e.Pending.Name)
		assert.Equal(t, "alice", e.Pending.CreatedBy)

		e, err = table.Load(r, 1)
		require.NoError(t, err)
		assert.Equal(t, Entry{ID: 1, Kind: Migration, Session: "v2", Generation: 7, Address: "addr-0", Retry: true}, e)
		return nil
	}))

	require.NoError(t, store.Update(ctx, func(rw kv.ReadWriter) error { return table.Delete(rw, 1) }))
	require.NoError(t, store.View(ctx, func(r kv.Reader) error {
		_, err := table.Load(r, 1)
		assert.ErrorIs(t, err, factory_errors.ErrInvalidReply)
		return nil
	}))
}

func TestSaveRejectsUnknownKind(t *testing.T) {
	store, err := kv.OpenPebble(kv.Options{InMemory: true})
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	table := New()

	err = store.Update(ctx, func(rw kv.ReadWriter) error {
		return table.Save(rw, Entry{ID: 3, Kind: 'X'})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown correlation kind")
	require.NoError(t, store.View(ctx, func(r kv.Reader) error {
		_, err := table.Load(r, 3)
		assert.ErrorIs(t, err, factory_errors.ErrInvalidReply)
		return nil
	}))
}
