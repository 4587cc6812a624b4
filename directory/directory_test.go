package directory

import (
	"context"
	"testing"
	"time"

	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/indexes"
	"github.com/drpcorg/factory/keys"
	"github.com/drpcorg/factory/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (kv.Store, *Directory) {
	store, err := kv.OpenPebble(kv.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, New()
}

func register(t *testing.T, store kv.Store, d *Directory, address, name string, template uint64) keys.RecordID {
	var id keys.RecordID
	require.NoError(t, store.Update(context.Background(), func(rw kv.ReadWriter) error {
		var err error
		if id, err = d.Allocate(rw); err != nil {
			return err
		}
		return d.Register(rw, Record{
			ID: id, Address: address, Name: name, Template: template,
			CreatedBy: "creator", Admin: "admin", CreatedAt: epoch,
		})
	}))
	return id
}

func TestAllocateAndRegister(t *testing.T) {
	store, d := setup(t)
	ids := []keys.RecordID{
		register(t, store, d, "addr-0", "zero", 1),
		register(t, store, d, "addr-1", "", 1),
		register(t, store, d, "addr-2", "two", 2),
	}
	assert.Equal(t, []keys.RecordID{0, 1, 2}, ids)

	ctx := context.Background()
	require.NoError(t, store.View(ctx, func(r kv.Reader) error {
		n, err := d.Count(r)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), n)

		id, err := Resolve(r, ByName("two"))
		require.NoError(t, err)
		assert.Equal(t, keys.RecordID(2), id)
		id, err = Resolve(r, ByAddress("addr-1"))
		require.NoError(t, err)
		assert.Equal(t, keys.RecordID(1), id)
		_, err = Resolve(r, ByID(9))
		assert.ErrorIs(t, err, factory_errors.ErrNotFound)
		_, err = Resolve(r, ByName("nine"))
		assert.ErrorIs(t, err, factory_errors.ErrNotFound)
		_, err = Resolve(r, Selector{})
		assert.ErrorIs(t, err, factory_errors.ErrValidation)

		page, err := indexes.TemplateID.Index().Scan(r, indexes.Range{
			Start: indexes.ValueBound(keys.Uint64(1).Encode(), false),
			Stop:  indexes.ValueBound(keys.Uint64(1).Encode(), false),
		})
		require.NoError(t, err)
		require.Len(t, page.Items, 2)
		assert.Equal(t, keys.RecordID(0), page.Items[0].ID)
		assert.Equal(t, keys.RecordID(1), page.Items[1].ID)

		md, err := ReadMetadata(r, 0)
		require.NoError(t, err)
		assert.Equal(t, "addr-0", md.Address)
		assert.Equal(t, "zero", md.Name)
		assert.Equal(t, uint64(1), md.Template)
		assert.Equal(t, "creator", md.CreatedBy)
		assert.Equal(t, "admin", md.Admin)
		assert.True(t, epoch.Equal(md.CreatedAt))
		assert.True(t, epoch.Equal(md.UpdatedAt))
		assert.False(t, md.Hidden)
		return nil
	}))

	err := store.Update(ctx, func(rw kv.ReadWriter) error {
		return d.Register(rw, Record{ID: 7, Address: "addr-0"})
	})
	assert.ErrorIs(t, err, factory_errors.ErrAlreadyExists)
	err = store.Update(ctx, func(rw kv.ReadWriter) error {
		return d.Register(rw, Record{ID: 7, Address: "addr-7", Name: "zero"})
	})
	assert.ErrorIs(t, err, factory_errors.ErrAlreadyExists)
}

func TestTouchUpdated(t *testing.T) {
	store, d := setup(t)
	id := register(t, store, d, "addr-0", "", 1)
	later := epoch.Add(time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, store.Update(ctx, func(rw kv.ReadWriter) error {
			return TouchUpdated(rw, id, later)
		}))
	}
	require.NoError(t, store.View(ctx, func(r kv.Reader) error {
		page, err := indexes.UpdatedAt.Index().Scan(r, indexes.Range{})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, Timestamp(later).Encode(), page.Items[0].Value)
		md, err := ReadMetadata(r, id)
		require.NoError(t, err)
		assert.True(t, later.Equal(md.UpdatedAt))
		assert.True(t, epoch.Equal(md.CreatedAt))
		return nil
	}))
}

func TestHiddenCustomIndex(t *testing.T) {
	store, d := setup(t)
	id := register(t, store, d, "addr-0", "", 1)
	ctx := context.Background()
	color, err := indexes.Custom("color")
	require.NoError(t, err)

	count := func() int {
		n := 0
		require.NoError(t, store.View(ctx, func(r kv.Reader) error {
			page, err := color.Scan(r, indexes.Range{})
			n = len(page.Items)
			return err
		}))
		return n
	}

	require.NoError(t, store.Update(ctx, func(rw kv.ReadWriter) error {
		return SetIndexValue(rw, id, "color", keys.String("red"))
	}))
	assert.Equal(t, 1, count())

	require.NoError(t, store.Update(ctx, func(rw kv.ReadWriter) error {
		hidden, err := ToggleHidden(rw, id)
		assert.True(t, hidden)
		return err
	}))
	assert.Equal(t, 0, count())

	// updates while hidden are remembered, not indexed
	require.NoError(t, store.Update(ctx, func(rw kv.ReadWriter) error {
		return SetIndexValue(rw, id, "color", keys.String("blue"))
	}))
	assert.Equal(t, 0, count())

	require.NoError(t, store.Update(ctx, func(rw kv.ReadWriter) error {
		hidden, err := ToggleHidden(rw, id)
		assert.False(t, hidden)
		return err
	}))
	require.NoError(t, store.View(ctx, func(r kv.Reader) error {
		page, err := color.Scan(r, indexes.Range{})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, []byte("blue"), page.Items[0].Value)
		return nil
	}))

	require.NoError(t, store.Update(ctx, func(rw kv.ReadWriter) error {
		return UnsetIndexValue(rw, id, "color")
	}))
	assert.Equal(t, 0, count())
}

func TestList(t *testing.T) {
	store, d := setup(t)
	for i := 0; i < 5; i++ {
		register(t, store, d, "addr-"+string(rune('a'+i)), "", 1)
	}
	require.NoError(t, store.View(context.Background(), func(r kv.Reader) error {
		first, err := List(r, nil, 2)
		require.NoError(t, err)
		assert.Equal(t, []Listing{{0, "addr-a"}, {1, "addr-b"}}, first)
		after := first[len(first)-1].ID
		rest, err := List(r, &after, 10)
		require.NoError(t, err)
		assert.Len(t, rest, 3)
		assert.Equal(t, keys.RecordID(2), rest[0].ID)
		return nil
	}))
}
