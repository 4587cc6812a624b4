package factory

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drpcorg/factory/correlation"
	"github.com/drpcorg/factory/directory"
	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/host"
	"github.com/drpcorg/factory/kv"
	"github.com/drpcorg/factory/presets"
)

type CreateParams struct {
	// Template defaults to the configured default template.
	Template *uint64         `json:"template_id,omitempty"`
	Admin    string          `json:"admin,omitempty" validate:"max=256"`
	Name     string          `json:"name,omitempty" validate:"max=128"`
	Label    string          `json:"label" validate:"max=256"`
	Preset   string          `json:"preset,omitempty" validate:"max=128"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func resolveTemplate(r kv.Reader, requested *uint64) (uint64, error) {
	if requested != nil {
		ok, err := r.Has(allowedKey(*requested))
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errors.Join(factory_errors.ErrNotAuthorized, fmt.Errorf("template %d is not allowed", *requested))
		}
		return *requested, nil
	}
	raw, err := r.Get(defaultTemplateKey)
	if errors.Is(err, factory_errors.ErrNotFound) {
		return 0, errors.Join(factory_errors.ErrValidation, errors.New("no default template set"))
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Create reserves a record id and returns the instantiate command. The
// record is registered when the instantiation reply brings its address.
func (f *Factory) Create(ctx context.Context, caller string, p CreateParams) (host.Command, error) {
	if err := f.check(p); err != nil {
		return host.Command{}, err
	}
	if len(p.Payload) > 0 && !json.Valid(p.Payload) {
		return host.Command{}, errors.Join(factory_errors.ErrValidation, errors.New("payload is not json"))
	}
	cmds, err := f.command(ctx, "create", func(rw kv.ReadWriter) ([]host.Command, error) {
		tpl, err := resolveTemplate(rw, p.Template)
		if err != nil {
			return nil, err
		}
		payload := p.Payload
		if p.Preset != "" {
			if payload, err = presets.Apply(rw, p.Preset, payload); err != nil {
				return nil, err
			}
		}
		admin := p.Admin
		if admin == "" {
			admin = f.opts.Address
		}
		id, err := f.dir.Allocate(rw)
		if err != nil {
			return nil, err
		}
		if p.Name != "" {
			if err := directory.ReserveName(rw, p.Name, id); err != nil {
				return nil, err
			}
		}
		cid, err := f.corr.Next(rw)
		if err != nil {
			return nil, err
		}
		entry := correlation.Entry{
			ID:   cid,
			Kind: correlation.Create,
			Pending: correlation.Pending{
				ID:        id,
				Template:  tpl,
				CreatedBy: caller,
				Admin:     admin,
				Name:      p.Name,
				Label:     p.Label,
				Preset:    p.Preset,
			},
		}
		if err := f.corr.Save(rw, entry); err != nil {
			return nil, err
		}
		return []host.Command{{
			Kind:          host.Instantiate,
			Template:      tpl,
			Label:         p.Label,
			Admin:         admin,
			Payload:       payload,
			CorrelationID: cid,
			Delivery:      host.SuccessOnly,
		}}, nil
	})
	if len(cmds) == 0 {
		return host.Command{}, err
	}
	return cmds[0], err
}

// register completes a creation once its address is known.
func (f *Factory) register(ctx context.Context, rw kv.ReadWriter, entry correlation.Entry, out host.Outcome) error {
	if err := f.corr.Delete(rw, entry.ID); err != nil {
		return err
	}
	pending := entry.Pending
	if pending.Name != "" {
		if err := directory.ReleaseName(rw, pending.Name); err != nil {
			return err
		}
	}
	if !out.Ok() {
		f.log.WarnCtx(ctx, "instantiation failed", "id", pending.ID, "template", pending.Template, "error", out.Err)
		return nil
	}
	if out.Address == "" {
		return errors.Join(factory_errors.ErrInvalidReply, fmt.Errorf("instantiation of record %d carries no address", pending.ID))
	}
	err := f.dir.Register(rw, directory.Record{
		ID:        pending.ID,
		Address:   out.Address,
		Name:      pending.Name,
		Template:  pending.Template,
		CreatedBy: pending.CreatedBy,
		Admin:     pending.Admin,
		CreatedAt: f.opts.Clock.Now(),
	})
	if err != nil {
		return err
	}
	f.log.InfoCtx(ctx, "factory-create", "id", pending.ID, "address", out.Address, "template", pending.Template, "admin", pending.Admin)
	return nil
}
