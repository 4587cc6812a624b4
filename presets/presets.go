// Package presets keeps named instantiate payload templates. A preset is a
// JSON object merged into the caller's payload when a record is created.
package presets

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/indexes"
	"github.com/drpcorg/factory/keys"
	"github.com/drpcorg/factory/kv"
	"github.com/drpcorg/factory/tlv"
	"github.com/drpcorg/factory/utils"
)

var presetPrefix = []byte{'P'}

const MaxNameBytes = 128

type Preset struct {
	Name   string          `json:"name" validate:"required,max=128"`
	Values json.RawMessage `json:"values" validate:"required"`
	// Overridable presets yield to fields the caller sets.
	Overridable bool   `json:"overridable"`
	NUses       uint64 `json:"n_uses"`
}

func key(name string) []byte { return keys.Concat(presetPrefix, []byte(name)) }

func validate(p Preset) error {
	if p.Name == "" || len(p.Name) > MaxNameBytes || !utf8.ValidString(p.Name) {
		return errors.Join(factory_errors.ErrValidation, fmt.Errorf("bad preset name %q", p.Name))
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(p.Values, &obj); err != nil || obj == nil {
		return errors.Join(factory_errors.ErrValidation, fmt.Errorf("preset %q values must be a json object", p.Name))
	}
	return nil
}

func (p Preset) encode() []byte {
	over := byte(0)
	if p.Overridable {
		over = 1
	}
	buf := tlv.Append(nil, 'V', p.Values)
	buf = tlv.Append(buf, 'O', []byte{over})
	return tlv.AppendUint(buf, 'U', p.NUses)
}

func decode(name string, raw []byte) (p Preset, err error) {
	p.Name = name
	var values, over []byte
	if values, raw, err = tlv.TakeWary('V', raw); err != nil {
		return
	}
	p.Values = append(json.RawMessage{}, values...)
	if over, raw, err = tlv.TakeWary('O', raw); err != nil {
		return
	}
	p.Overridable = len(over) == 1 && over[0] == 1
	p.NUses, _, err = tlv.TakeUint('U', raw)
	return
}

// Set stores p under its name, restarting its use count.
func Set(w kv.Writer, p Preset) error {
	if err := validate(p); err != nil {
		return err
	}
	p.NUses = 0
	return w.Set(key(p.Name), p.encode())
}

func Remove(rw kv.ReadWriter, name string) error {
	if _, err := Get(rw, name); err != nil {
		return err
	}
	return rw.Delete(key(name))
}

func Get(r kv.Reader, name string) (Preset, error) {
	raw, err := r.Get(key(name))
	if errors.Is(err, factory_errors.ErrNotFound) {
		return Preset{}, errors.Join(factory_errors.ErrNotFound, fmt.Errorf("preset %q", name))
	}
	if err != nil {
		return Preset{}, err
	}
	return decode(name, raw)
}

// List pages through presets in name order. The cursor is the last name.
func List(r kv.Reader, rng indexes.Range) (indexes.Page[Preset], error) {
	return indexes.Scan(r, presetPrefix, rng, func(rest, value []byte) (Preset, error) {
		return decode(string(rest), value)
	})
}

// Apply merges the named preset into payload and counts the use.
// Payload must be a JSON object or empty.
func Apply(rw kv.ReadWriter, name string, payload json.RawMessage) (json.RawMessage, error) {
	p, err := Get(rw, name)
	if err != nil {
		return nil, err
	}
	merged, err := Merge(p.Values, payload, p.Overridable)
	if err != nil {
		return nil, err
	}
	if p.NUses, err = utils.CheckedAdd(p.NUses, 1); err != nil {
		return nil, err
	}
	return merged, rw.Set(key(name), p.encode())
}

// Merge overlays the top-level fields of preset and payload. With
// overridable set the payload wins on conflicts, otherwise the preset does.
func Merge(preset, payload json.RawMessage, overridable bool) (json.RawMessage, error) {
	base := map[string]json.RawMessage{}
	if err := json.Unmarshal(preset, &base); err != nil {
		return nil, errors.Join(factory_errors.ErrValidation, err)
	}
	own := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &own); err != nil {
			return nil, errors.Join(factory_errors.ErrValidation, fmt.Errorf("payload must be a json object: %w", err))
		}
	}
	for field, v := range own {
		if _, taken := base[field]; taken && !overridable {
			continue
		}
		base[field] = v
	}
	return json.Marshal(base)
}
