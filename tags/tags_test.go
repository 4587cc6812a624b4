package tags

import (
	"context"
	"testing"

	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/indexes"
	"github.com/drpcorg/factory/keys"
	"github.com/drpcorg/factory/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) kv.Store {
	store, err := kv.OpenBadger(kv.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func u16(v uint16) *uint16 { return &v }

func TestSetRemoveKeepsTablesInStep(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(rw kv.ReadWriter) error {
		require.NoError(t, Set(rw, 3, "gold", 10))
		// re-setting moves the ranked entry instead of adding a second one
		return Set(rw, 3, "gold", 20)
	}))
	require.NoError(t, store.View(ctx, func(r kv.Reader) error {
		w, ok, err := Weight(r, 3, "gold")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint16(20), w)

		ranked, err := Records(r, "gold", indexes.Range{})
		require.NoError(t, err)
		assert.Equal(t, []Ranked{{ID: 3, Weight: 20}}, ranked.Items)

		members, err := indexes.Tag.Index().Scan(r, indexes.Range{})
		require.NoError(t, err)
		assert.Len(t, members.Items, 1)
		return nil
	}))

	require.NoError(t, store.Update(ctx, func(rw kv.ReadWriter) error {
		require.NoError(t, Remove(rw, 3, "gold"))
		return Remove(rw, 3, "gold")
	}))
	require.NoError(t, store.View(ctx, func(r kv.Reader) error {
		ok, err := Has(r, 3, []Selector{{Tag: "gold"}}, indexes.And)
		require.NoError(t, err)
		assert.False(t, ok)
		ranked, err := Records(r, "gold", indexes.Range{})
		require.NoError(t, err)
		assert.Empty(t, ranked.Items)
		members, err := indexes.Tag.Index().Scan(r, indexes.Range{})
		require.NoError(t, err)
		assert.Empty(t, members.Items)
		return nil
	}))
}

func TestHasSelectors(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(rw kv.ReadWriter) error {
		require.NoError(t, Set(rw, 1, "red", 5))
		return Set(rw, 1, "blue", 50)
	}))
	require.NoError(t, store.View(ctx, func(r kv.Reader) error {
		cases := []struct {
			sels []Selector
			test indexes.Test
			want bool
		}{
			{[]Selector{{Tag: "red"}, {Tag: "blue"}}, indexes.And, true},
			{[]Selector{{Tag: "red"}, {Tag: "green"}}, indexes.And, false},
			{[]Selector{{Tag: "green"}, {Tag: "blue"}}, indexes.Or, true},
			{[]Selector{{Tag: "green"}, {Tag: "pink"}}, indexes.Or, false},
			{[]Selector{{Tag: "red"}, {Tag: "green"}}, indexes.Xor, true},
			{[]Selector{{Tag: "red"}, {Tag: "blue"}}, indexes.Xor, false},
			{[]Selector{{Tag: "red", Min: u16(6)}}, indexes.And, false},
			{[]Selector{{Tag: "blue", Min: u16(10), Max: u16(50)}}, indexes.And, true},
			{[]Selector{{Tag: "blue", Max: u16(49)}}, indexes.And, false},
		}
		for i, c := range cases {
			got, err := Has(r, 1, c.sels, c.test)
			require.NoError(t, err)
			assert.Equal(t, c.want, got, "case %d", i)
		}
		return nil
	}))
}

func TestScans(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(rw kv.ReadWriter) error {
		for id, w := range []uint16{300, 5, 70, 5} {
			if err := Set(rw, keys.RecordID(id), "hot", w); err != nil {
				return err
			}
		}
		require.NoError(t, Set(rw, 0, "alpha", 1))
		return Set(rw, 0, "zeta", 2)
	}))
	require.NoError(t, store.View(ctx, func(r kv.Reader) error {
		page, err := Records(r, "hot", indexes.Range{Start: WeightBound(5, false), Stop: WeightBound(70, false)})
		require.NoError(t, err)
		assert.Equal(t, []Ranked{{1, 5}, {3, 5}, {2, 70}}, page.Items)

		page, err = Records(r, "hot", indexes.Range{Desc: true, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []Ranked{{0, 300}, {2, 70}}, page.Items)
		assert.NotNil(t, page.Cursor)

		tagged, err := Of(r, 0, indexes.Range{Start: TagBound("alpha", true)})
		require.NoError(t, err)
		assert.Equal(t, []Weighted{{"hot", 300}, {"zeta", 2}}, tagged.Items)
		return nil
	}))
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Validate(""), factory_errors.ErrValidation)
	assert.NoError(t, Validate("ok"))
}
