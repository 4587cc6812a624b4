package factory

import (
	"context"
	"errors"
	"fmt"

	"github.com/drpcorg/factory/directory"
	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/host"
	"github.com/drpcorg/factory/keys"
	"github.com/drpcorg/factory/kv"
	"github.com/drpcorg/factory/relations"
	"github.com/drpcorg/factory/tags"
)

type Op string

const (
	Set    Op = "set"
	Remove Op = "remove"
)

// IndexUpdate files the record under Value in the named custom index, or
// takes it out of the index when Value is nil.
type IndexUpdate struct {
	Name  string      `json:"name" validate:"required,max=64"`
	Value *keys.Value `json:"value,omitempty"`
}

type TagUpdate struct {
	Op     Op     `json:"op" validate:"oneof=set remove"`
	Tag    string `json:"tag" validate:"required,max=128"`
	Weight uint16 `json:"weight,omitempty"`
}

type RelationUpdate struct {
	Op Op `json:"op" validate:"oneof=set remove"`
	relations.Relation
}

type UpdateParams struct {
	// Record is only honoured for the manager. Without it the caller
	// updates itself.
	Record    *directory.Selector `json:"record,omitempty"`
	Indices   []IndexUpdate       `json:"indices,omitempty" validate:"dive"`
	Tags      []TagUpdate         `json:"tags,omitempty" validate:"dive"`
	Relations []RelationUpdate    `json:"relations,omitempty" validate:"dive"`
}

// target resolves the record a caller may act on: any selected record for
// the manager, otherwise the caller itself.
func target(r kv.Reader, caller string, sel *directory.Selector) (keys.RecordID, error) {
	if sel != nil {
		if err := ensureManager(r, caller); err != nil {
			return 0, err
		}
		return directory.Resolve(r, *sel)
	}
	id, err := directory.ID(r, caller)
	if errors.Is(err, factory_errors.ErrNotFound) {
		return 0, errors.Join(factory_errors.ErrNotAuthorized, fmt.Errorf("%s is not a registered record", caller))
	}
	return id, err
}

func (f *Factory) Update(ctx context.Context, caller string, p UpdateParams) error {
	if err := f.check(p); err != nil {
		return err
	}
	_, err := f.command(ctx, "update", func(rw kv.ReadWriter) ([]host.Command, error) {
		id, err := target(rw, caller, p.Record)
		if err != nil {
			return nil, err
		}
		for _, u := range p.Indices {
			if u.Value == nil {
				err = directory.UnsetIndexValue(rw, id, u.Name)
			} else {
				err = directory.SetIndexValue(rw, id, u.Name, *u.Value)
			}
			if err != nil {
				return nil, err
			}
		}
		for _, u := range p.Tags {
			if u.Op == Set {
				err = tags.Set(rw, id, u.Tag, u.Weight)
			} else {
				err = tags.Remove(rw, id, u.Tag)
			}
			if err != nil {
				return nil, err
			}
		}
		for _, u := range p.Relations {
			if u.Op == Set {
				err = relations.Set(rw, id, u.Relation)
			} else {
				err = relations.Remove(rw, id, u.Relation)
			}
			if err != nil {
				return nil, err
			}
		}
		return nil, directory.TouchUpdated(rw, id, f.opts.Clock.Now())
	})
	return err
}

// ToggleHidden flips whether the record is listed in custom indices and
// returns the new state.
func (f *Factory) ToggleHidden(ctx context.Context, caller string, sel *directory.Selector) (hidden bool, err error) {
	_, err = f.command(ctx, "toggle_hidden", func(rw kv.ReadWriter) ([]host.Command, error) {
		id, err := target(rw, caller, sel)
		if err != nil {
			return nil, err
		}
		hidden, err = directory.ToggleHidden(rw, id)
		return nil, err
	})
	return
}
