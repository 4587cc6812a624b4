package factory

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/host"
	"github.com/drpcorg/factory/keys"
	"github.com/drpcorg/factory/kv"
)

var (
	managerKey         = []byte{'C', 'M'}
	defaultTemplateKey = []byte{'C', 'D'}
	allowedPrefix      = []byte{'C', 'A'}
)

type Config struct {
	ManagedBy        string   `json:"managed_by" yaml:"managed_by" validate:"required"`
	DefaultTemplate  *uint64  `json:"default_template,omitempty" yaml:"default_template"`
	AllowedTemplates []uint64 `json:"allowed_templates" yaml:"allowed_templates"`
}

func allowedKey(template uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, allowedPrefix...), template)
}

func manager(r kv.Reader) (string, error) {
	raw, err := r.Get(managerKey)
	if errors.Is(err, factory_errors.ErrNotFound) {
		return "", errors.Join(factory_errors.ErrValidation, errors.New("factory is not initialized"))
	}
	return string(raw), err
}

func ensureManager(r kv.Reader, caller string) error {
	m, err := manager(r)
	if err != nil {
		return err
	}
	if caller != m {
		return errors.Join(factory_errors.ErrNotAuthorized, fmt.Errorf("%s is not the manager", caller))
	}
	return nil
}

func readConfig(r kv.Reader) (cfg Config, err error) {
	if cfg.ManagedBy, err = manager(r); err != nil {
		return
	}
	raw, err := r.Get(defaultTemplateKey)
	switch {
	case err == nil && len(raw) == 8:
		v := binary.BigEndian.Uint64(raw)
		cfg.DefaultTemplate = &v
	case err != nil && !errors.Is(err, factory_errors.ErrNotFound):
		return cfg, err
	}
	it, err := r.Iter(allowedPrefix, keys.PrefixEnd(allowedPrefix), false)
	if err != nil {
		return
	}
	cfg.AllowedTemplates = []uint64{}
	err = kv.Collect(it, func(key, _ []byte) (bool, error) {
		cfg.AllowedTemplates = append(cfg.AllowedTemplates, binary.BigEndian.Uint64(key[len(allowedPrefix):]))
		return true, nil
	})
	return
}

func writeConfig(rw kv.ReadWriter, cfg Config) error {
	if err := rw.Set(managerKey, []byte(cfg.ManagedBy)); err != nil {
		return err
	}
	it, err := rw.Iter(allowedPrefix, keys.PrefixEnd(allowedPrefix), false)
	if err != nil {
		return err
	}
	var stale [][]byte
	err = kv.Collect(it, func(key, _ []byte) (bool, error) {
		stale = append(stale, key)
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := rw.Delete(key); err != nil {
			return err
		}
	}
	allowed := append([]uint64{}, cfg.AllowedTemplates...)
	if cfg.DefaultTemplate != nil {
		allowed = append(allowed, *cfg.DefaultTemplate)
		if err := rw.Set(defaultTemplateKey, binary.BigEndian.AppendUint64(nil, *cfg.DefaultTemplate)); err != nil {
			return err
		}
	} else if err := rw.Delete(defaultTemplateKey); err != nil {
		return err
	}
	for _, tpl := range allowed {
		if err := rw.Set(allowedKey(tpl), nil); err != nil {
			return err
		}
	}
	return nil
}

// Init seeds the configuration of a fresh store.
func (f *Factory) Init(ctx context.Context, cfg Config) error {
	if err := f.check(cfg); err != nil {
		return err
	}
	_, err := f.command(ctx, "init", func(rw kv.ReadWriter) ([]host.Command, error) {
		exists, err := rw.Has(managerKey)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, errors.Join(factory_errors.ErrAlreadyExists, errors.New("factory is already initialized"))
		}
		return nil, writeConfig(rw, cfg)
	})
	if err == nil {
		f.log.InfoCtx(ctx, "factory initialized", "managed_by", cfg.ManagedBy)
	}
	return err
}

// SetConfig replaces the configuration. The allowed set is rebuilt from
// scratch and always contains the default template.
func (f *Factory) SetConfig(ctx context.Context, caller string, cfg Config) error {
	if err := f.check(cfg); err != nil {
		return err
	}
	_, err := f.command(ctx, "set_config", func(rw kv.ReadWriter) ([]host.Command, error) {
		if err := ensureManager(rw, caller); err != nil {
			return nil, err
		}
		return nil, writeConfig(rw, cfg)
	})
	return err
}

func (f *Factory) Config(ctx context.Context) (cfg Config, err error) {
	err = f.query(ctx, "config", func(r kv.Reader) error {
		cfg, err = readConfig(r)
		return err
	})
	return
}
