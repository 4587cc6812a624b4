package factory

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/drpcorg/factory/directory"
	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/indexes"
	"github.com/drpcorg/factory/keys"
	"github.com/drpcorg/factory/kv"
	"github.com/drpcorg/factory/migrations"
	"github.com/drpcorg/factory/presets"
	"github.com/drpcorg/factory/relations"
	"github.com/drpcorg/factory/tags"
)

// Paging is common to every paginated query. Cursor is the opaque token
// of the previous page.
type Paging struct {
	Cursor string `json:"cursor,omitempty" form:"cursor"`
	Limit  int    `json:"limit,omitempty" form:"limit"`
	Desc   bool   `json:"desc,omitempty" form:"desc"`
}

func (p Paging) rng() (indexes.Range, error) {
	rng := indexes.Range{Limit: p.Limit, Desc: p.Desc}
	if p.Cursor != "" {
		raw, err := base64.RawURLEncoding.DecodeString(p.Cursor)
		if err != nil {
			return rng, errors.Join(factory_errors.ErrValidation, fmt.Errorf("bad cursor: %w", err))
		}
		rng.Cursor = raw
	}
	return rng, nil
}

// Bound is one end of a query range.
type Bound[T any] struct {
	Value     T    `json:"value"`
	Exclusive bool `json:"exclusive,omitempty"`
}

type Result[T any] struct {
	Items  []T    `json:"items"`
	Cursor string `json:"cursor,omitempty"`
}

func result[T, U any](page indexes.Page[T], conv func(T) (U, error)) (Result[U], error) {
	res := Result[U]{Items: make([]U, 0, len(page.Items))}
	for _, item := range page.Items {
		u, err := conv(item)
		if err != nil {
			return res, err
		}
		res.Items = append(res.Items, u)
	}
	if page.Cursor != nil {
		res.Cursor = base64.RawURLEncoding.EncodeToString(page.Cursor)
	}
	return res, nil
}

func same[T any](v T) (T, error) { return v, nil }

// IndexSelector names either a built-in index or a custom one.
type IndexSelector struct {
	Builtin string `json:"builtin,omitempty"`
	Custom  string `json:"custom,omitempty"`
}

func (s IndexSelector) index() (indexes.Index, error) {
	switch {
	case s.Builtin != "" && s.Custom != "":
		return indexes.Index{}, errors.Join(factory_errors.ErrValidation, errors.New("index selector names two indices"))
	case s.Builtin != "":
		b, err := indexes.ParseBuiltin(s.Builtin)
		return b.Index(), err
	case s.Custom != "":
		return indexes.Custom(s.Custom)
	}
	return indexes.Index{}, errors.Join(factory_errors.ErrValidation, errors.New("empty index selector"))
}

type RangeQuery struct {
	Index IndexSelector      `json:"index"`
	Start *Bound[keys.Value] `json:"start,omitempty"`
	Stop  *Bound[keys.Value] `json:"stop,omitempty"`
	Paging
}

// RecordsInRange lists the addresses of records filed in one index
// between two values, ordered by (value, id).
func (f *Factory) RecordsInRange(ctx context.Context, q RangeQuery) (res Result[string], err error) {
	ix, err := q.Index.index()
	if err != nil {
		return
	}
	rng, err := q.rng()
	if err != nil {
		return
	}
	if q.Start != nil {
		rng.Start = indexes.ValueBound(q.Start.Value.Encode(), q.Start.Exclusive)
	}
	if q.Stop != nil {
		rng.Stop = indexes.ValueBound(q.Stop.Value.Encode(), q.Stop.Exclusive)
	}
	err = f.query(ctx, "records_in_range", func(r kv.Reader) error {
		page, err := ix.Scan(r, rng)
		if err != nil {
			return err
		}
		res, err = result(page, func(e indexes.Entry) (string, error) {
			return directory.Address(r, e.ID)
		})
		return err
	})
	return
}

type TagQuery struct {
	Tag string         `json:"tag"`
	Min *Bound[uint16] `json:"min,omitempty"`
	Max *Bound[uint16] `json:"max,omitempty"`
	Paging
}

type TaggedRecord struct {
	ID      keys.RecordID `json:"id"`
	Address string        `json:"address"`
	Weight  uint16        `json:"weight"`
}

// RecordsByTag lists the records carrying a tag ordered by weight.
func (f *Factory) RecordsByTag(ctx context.Context, q TagQuery) (res Result[TaggedRecord], err error) {
	if err = tags.Validate(q.Tag); err != nil {
		return
	}
	rng, err := q.rng()
	if err != nil {
		return
	}
	if q.Min != nil {
		rng.Start = tags.WeightBound(q.Min.Value, q.Min.Exclusive)
	}
	if q.Max != nil {
		rng.Stop = tags.WeightBound(q.Max.Value, q.Max.Exclusive)
	}
	err = f.query(ctx, "records_by_tag", func(r kv.Reader) error {
		page, err := tags.Records(r, q.Tag, rng)
		if err != nil {
			return err
		}
		res, err = result(page, func(rk tags.Ranked) (TaggedRecord, error) {
			addr, err := directory.Address(r, rk.ID)
			return TaggedRecord{ID: rk.ID, Address: addr, Weight: rk.Weight}, err
		})
		return err
	})
	return
}

// Edge bounds related-to scans: a label alone, or a label and a value.
type Edge struct {
	Label string      `json:"label"`
	Value *keys.Value `json:"value,omitempty"`
}

type RelatedQuery struct {
	Address string       `json:"address"`
	Start   *Bound[Edge] `json:"start,omitempty"`
	Stop    *Bound[Edge] `json:"stop,omitempty"`
	Paging
}

type RelatedRecord struct {
	ID      keys.RecordID `json:"id"`
	Address string        `json:"address"`
	Label   string        `json:"label"`
	Value   *keys.Value   `json:"value,omitempty"`
}

// RecordsRelatedTo lists the records with an edge towards an address.
func (f *Factory) RecordsRelatedTo(ctx context.Context, q RelatedQuery) (res Result[RelatedRecord], err error) {
	if q.Address == "" {
		return res, errors.Join(factory_errors.ErrValidation, errors.New("no address"))
	}
	rng, err := q.rng()
	if err != nil {
		return
	}
	if q.Start != nil {
		rng.Start = relations.EdgeBound(q.Start.Value.Label, q.Start.Value.Value, q.Start.Exclusive)
	}
	if q.Stop != nil {
		rng.Stop = relations.EdgeBound(q.Stop.Value.Label, q.Stop.Value.Value, q.Stop.Exclusive)
	}
	err = f.query(ctx, "records_related_to", func(r kv.Reader) error {
		page, err := relations.RelatedTo(r, q.Address, rng)
		if err != nil {
			return err
		}
		res, err = result(page, func(rel relations.Related) (RelatedRecord, error) {
			addr, err := directory.Address(r, rel.ID)
			return RelatedRecord{ID: rel.ID, Address: addr, Label: rel.Label, Value: rel.Value}, err
		})
		return err
	})
	return
}

// RecordQuery scans one record's tags or relations. Bounds are tags or
// relation labels respectively.
type RecordQuery struct {
	Record directory.Selector `json:"record"`
	Start  *Bound[string]     `json:"start,omitempty"`
	Stop   *Bound[string]     `json:"stop,omitempty"`
	Paging
}

func (q RecordQuery) bounded(bound func(string, bool) *indexes.Bound) (indexes.Range, error) {
	rng, err := q.rng()
	if err != nil {
		return rng, err
	}
	if q.Start != nil {
		rng.Start = bound(q.Start.Value, q.Start.Exclusive)
	}
	if q.Stop != nil {
		rng.Stop = bound(q.Stop.Value, q.Stop.Exclusive)
	}
	return rng, nil
}

func (f *Factory) RecordTags(ctx context.Context, q RecordQuery) (res Result[tags.Weighted], err error) {
	rng, err := q.bounded(tags.TagBound)
	if err != nil {
		return
	}
	err = f.query(ctx, "record_tags", func(r kv.Reader) error {
		id, err := directory.Resolve(r, q.Record)
		if err != nil {
			return err
		}
		page, err := tags.Of(r, id, rng)
		if err != nil {
			return err
		}
		res, err = result(page, same[tags.Weighted])
		return err
	})
	return
}

func (f *Factory) RecordRelations(ctx context.Context, q RecordQuery) (res Result[relations.Relation], err error) {
	rng, err := q.bounded(relations.LabelBound)
	if err != nil {
		return
	}
	err = f.query(ctx, "record_relations", func(r kv.Reader) error {
		id, err := directory.Resolve(r, q.Record)
		if err != nil {
			return err
		}
		page, err := relations.Of(r, id, rng)
		if err != nil {
			return err
		}
		res, err = result(page, same[relations.Relation])
		return err
	})
	return
}

func (f *Factory) RecordHasTags(ctx context.Context, rec directory.Selector, selectors []tags.Selector, test indexes.Test) (ok bool, err error) {
	err = f.query(ctx, "record_has_tags", func(r kv.Reader) error {
		id, err := directory.Resolve(r, rec)
		if err != nil {
			return err
		}
		ok, err = tags.Has(r, id, selectors, test)
		return err
	})
	return
}

func (f *Factory) RecordHasRelations(ctx context.Context, rec directory.Selector, selectors []relations.Selector, test indexes.Test) (ok bool, err error) {
	err = f.query(ctx, "record_has_relations", func(r kv.Reader) error {
		id, err := directory.Resolve(r, rec)
		if err != nil {
			return err
		}
		ok, err = relations.Has(r, id, selectors, test)
		return err
	})
	return
}

func (f *Factory) RecordIsRelatedTo(ctx context.Context, rec directory.Selector, rel relations.Relation) (ok bool, err error) {
	err = f.query(ctx, "record_is_related_to", func(r kv.Reader) error {
		id, err := directory.Resolve(r, rec)
		if err != nil {
			return err
		}
		ok, err = relations.IsRelatedTo(r, id, rel)
		return err
	})
	return
}

func (f *Factory) RecordMetadata(ctx context.Context, rec directory.Selector) (md directory.Metadata, err error) {
	err = f.query(ctx, "record_metadata", func(r kv.Reader) error {
		id, err := directory.Resolve(r, rec)
		if err != nil {
			return err
		}
		md, err = directory.ReadMetadata(r, id)
		return err
	})
	return
}

// MigrationSession is a session together with a page of its failures.
type MigrationSession struct {
	migrations.Session
	Failures []migrations.Failure `json:"failures"`
	Cursor   string               `json:"failures_cursor,omitempty"`
}

func (f *Factory) MigrationSession(ctx context.Context, name string, paging Paging) (ms MigrationSession, err error) {
	rng, err := paging.rng()
	if err != nil {
		return
	}
	err = f.query(ctx, "migration_session", func(r kv.Reader) error {
		if ms.Session, err = migrations.Load(r, name); err != nil {
			return err
		}
		page, err := migrations.Failures(r, name, rng)
		if err != nil {
			return err
		}
		failures, err := result(page, same[migrations.Failure])
		ms.Failures, ms.Cursor = failures.Items, failures.Cursor
		return err
	})
	return
}

func (f *Factory) Preset(ctx context.Context, name string) (p presets.Preset, err error) {
	err = f.query(ctx, "preset", func(r kv.Reader) error {
		p, err = presets.Get(r, name)
		return err
	})
	return
}

func (f *Factory) Presets(ctx context.Context, paging Paging) (res Result[presets.Preset], err error) {
	rng, err := paging.rng()
	if err != nil {
		return
	}
	err = f.query(ctx, "presets", func(r kv.Reader) error {
		page, err := presets.List(r, rng)
		if err != nil {
			return err
		}
		res, err = result(page, same[presets.Preset])
		return err
	})
	return
}

// RecordCount is the number of registered records.
func (f *Factory) RecordCount(ctx context.Context) (n uint64, err error) {
	err = f.query(ctx, "record_count", func(r kv.Reader) error {
		n, err = f.dir.Count(r)
		return err
	})
	return
}
