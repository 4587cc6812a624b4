package factory

import (
	"context"
	"encoding/json"

	"github.com/drpcorg/factory/host"
	"github.com/drpcorg/factory/kv"
	"github.com/drpcorg/factory/migrations"
	"github.com/drpcorg/factory/presets"
)

// Migration commands are restricted to the manager.

func (f *Factory) BeginMigration(ctx context.Context, caller string, p migrations.Params) (s migrations.Session, err error) {
	if err = f.check(p); err != nil {
		return
	}
	_, err = f.command(ctx, "begin_migration", func(rw kv.ReadWriter) ([]host.Command, error) {
		if err := ensureManager(rw, caller); err != nil {
			return nil, err
		}
		s, err = f.mig.Begin(rw, p)
		return nil, err
	})
	return
}

func (f *Factory) StepMigration(ctx context.Context, caller, name string) (s migrations.Session, cmds []host.Command, err error) {
	cmds, err = f.command(ctx, "step_migration", func(rw kv.ReadWriter) ([]host.Command, error) {
		if err := ensureManager(rw, caller); err != nil {
			return nil, err
		}
		var cmds []host.Command
		s, cmds, err = f.mig.Step(ctx, rw, name)
		return cmds, err
	})
	return
}

func (f *Factory) RetryMigration(ctx context.Context, caller, name string, override *migrations.Params) (s migrations.Session, cmds []host.Command, err error) {
	if override != nil {
		o := *override
		o.Name = name
		if err = f.check(o); err != nil {
			return
		}
	}
	cmds, err = f.command(ctx, "retry_migration", func(rw kv.ReadWriter) ([]host.Command, error) {
		if err := ensureManager(rw, caller); err != nil {
			return nil, err
		}
		var cmds []host.Command
		s, cmds, err = f.mig.Retry(ctx, rw, name, override)
		return cmds, err
	})
	return
}

func (f *Factory) CancelMigration(ctx context.Context, caller, name string) error {
	_, err := f.command(ctx, "cancel_migration", func(rw kv.ReadWriter) ([]host.Command, error) {
		if err := ensureManager(rw, caller); err != nil {
			return nil, err
		}
		return nil, f.mig.Cancel(rw, name)
	})
	return err
}

// MigrateOne upgrades a single record outside of any session. No reply
// is expected.
func (f *Factory) MigrateOne(ctx context.Context, caller, address string, target uint64, payload json.RawMessage) (host.Command, error) {
	cmds, err := f.command(ctx, "migrate_one", func(rw kv.ReadWriter) ([]host.Command, error) {
		if err := ensureManager(rw, caller); err != nil {
			return nil, err
		}
		cmd, err := f.mig.MigrateOne(rw, address, target, payload)
		if err != nil {
			return nil, err
		}
		return []host.Command{cmd}, nil
	})
	if len(cmds) == 0 {
		return host.Command{}, err
	}
	return cmds[0], err
}

func (f *Factory) SetPreset(ctx context.Context, caller string, p presets.Preset) error {
	if err := f.check(p); err != nil {
		return err
	}
	_, err := f.command(ctx, "set_preset", func(rw kv.ReadWriter) ([]host.Command, error) {
		if err := ensureManager(rw, caller); err != nil {
			return nil, err
		}
		return nil, presets.Set(rw, p)
	})
	return err
}

func (f *Factory) RemovePreset(ctx context.Context, caller, name string) error {
	_, err := f.command(ctx, "remove_preset", func(rw kv.ReadWriter) ([]host.Command, error) {
		if err := ensureManager(rw, caller); err != nil {
			return nil, err
		}
		return nil, presets.Remove(rw, name)
	})
	return err
}
