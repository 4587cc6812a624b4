// Package migrations drives resumable batch upgrades of registered
// records.
//
// A session walks the record directory in id order, batch_size records
// per step, and issues one upgrade command per record whose template
// matches the session filter. Every command carries a correlation id;
// its reply is routed back through HandleReply, which settles the
// session counters according to the error strategy.
//
// Failures of a retry-strategy session are kept in a per-session table
// ordered by record id. Retry re-issues them in batches, removing each
// entry as it is dispatched; a failed retry puts the entry back.
//
// All methods run inside a caller-provided read-write transaction, so an
// error leaves the store untouched.
package migrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drpcorg/factory/correlation"
	"github.com/drpcorg/factory/directory"
	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/host"
	"github.com/drpcorg/factory/indexes"
	"github.com/drpcorg/factory/keys"
	"github.com/drpcorg/factory/kv"
	"github.com/drpcorg/factory/utils"
)

type Engine struct {
	corr *correlation.Table
	log  utils.Logger
}

func NewEngine(corr *correlation.Table, log utils.Logger) *Engine {
	return &Engine{corr: corr, log: log}
}

// Outcome is how a migration reply settled.
type Outcome string

const (
	Succeeded Outcome = "success"
	Failed    Outcome = "error"
	Orphaned  Outcome = "orphaned"
)

type Result struct {
	Session string
	Record  keys.RecordID
	Address string
	Outcome Outcome
}

// Begin stores a new running session with an empty cursor.
func (e *Engine) Begin(rw kv.ReadWriter, p Params) (Session, error) {
	p, err := p.normalize()
	if err != nil {
		return Session{}, err
	}
	exists, err := rw.Has(sessionKey(p.Name))
	if err != nil {
		return Session{}, err
	}
	if exists {
		return Session{}, errors.Join(factory_errors.ErrAlreadyExists, fmt.Errorf("migration session %q", p.Name))
	}
	gen, err := e.corr.Next(rw)
	if err != nil {
		return Session{}, err
	}
	s := Session{Params: p, Status: Running, Generation: gen}
	if err := save(rw, s); err != nil {
		return Session{}, err
	}
	e.log.Info("migration session started", "session", p.Name, "target_template", p.TargetTemplate, "batch_size", p.BatchSize)
	return s, nil
}

func (e *Engine) command(rw kv.ReadWriter, s Session, id keys.RecordID, address string, retry bool) (host.Command, error) {
	cid, err := e.corr.Next(rw)
	if err != nil {
		return host.Command{}, err
	}
	entry := correlation.Entry{
		ID:         cid,
		Kind:       correlation.Migration,
		Session:    s.Name,
		Generation: s.Generation,
		Record:     id,
		Address:    address,
		Retry:      retry,
	}
	if err := e.corr.Save(rw, entry); err != nil {
		return host.Command{}, err
	}
	return host.Command{
		Kind:          host.Upgrade,
		Target:        address,
		Template:      s.TargetTemplate,
		Payload:       s.Payload,
		CorrelationID: cid,
		Delivery:      host.Always,
	}, nil
}

// Step dispatches the next batch. One extra listing row is read so that
// the session completes on the step that consumes the last record.
func (e *Engine) Step(ctx context.Context, rw kv.ReadWriter, name string) (Session, []host.Command, error) {
	s, err := Load(rw, name)
	if err != nil {
		return s, nil, err
	}
	if s.Status == Complete {
		return s, nil, errors.Join(factory_errors.ErrAlreadyComplete, fmt.Errorf("migration session %q", name))
	}
	rows, err := directory.List(rw, s.Cursor, s.BatchSize+1)
	if err != nil {
		return s, nil, err
	}
	more := len(rows) > s.BatchSize
	if more {
		rows = rows[:s.BatchSize]
	}
	var cmds []host.Command
	for _, row := range rows {
		if s.SourceTemplate != nil {
			tpl, err := directory.Template(rw, row.ID)
			if err != nil {
				return s, nil, err
			}
			if tpl != *s.SourceTemplate {
				continue
			}
		}
		cmd, err := e.command(rw, s, row.ID, row.Address, false)
		if err != nil {
			return s, nil, err
		}
		cmds = append(cmds, cmd)
	}
	if more {
		last := rows[len(rows)-1].ID
		s.Cursor = &last
	} else {
		s.Cursor = nil
		s.Status = Complete
	}
	if err := save(rw, s); err != nil {
		return s, nil, err
	}
	e.log.DebugCtx(ctx, "migration step", "session", name, "dispatched", len(cmds), "status", s.Status)
	return s, cmds, nil
}

// Retry re-dispatches the next batch of recorded failures. A non-nil
// override replaces every parameter except the session name. Status is
// left as is.
func (e *Engine) Retry(ctx context.Context, rw kv.ReadWriter, name string, override *Params) (Session, []host.Command, error) {
	s, err := Load(rw, name)
	if err != nil {
		return s, nil, err
	}
	if override != nil {
		p := *override
		p.Name = name
		if p, err = p.normalize(); err != nil {
			return s, nil, err
		}
		s.Params = p
	}
	if s.Status == Complete && s.NError == 0 {
		return s, nil, errors.Join(factory_errors.ErrAlreadyComplete, fmt.Errorf("migration session %q has no failures", name))
	}
	rng := indexes.Range{Limit: s.BatchSize + 1}
	if s.RetryCursor != nil {
		rng.Cursor = s.RetryCursor.Bytes()
	}
	page, err := Failures(rw, name, rng)
	if err != nil {
		return s, nil, err
	}
	failures := page.Items
	more := len(failures) > s.BatchSize
	if more {
		failures = failures[:s.BatchSize]
	}
	cmds := make([]host.Command, 0, len(failures))
	for _, f := range failures {
		if err := rw.Delete(failureKey(name, f.Record)); err != nil {
			return s, nil, err
		}
		cmd, err := e.command(rw, s, f.Record, f.Address, true)
		if err != nil {
			return s, nil, err
		}
		cmds = append(cmds, cmd)
	}
	if more {
		last := failures[len(failures)-1].Record
		s.RetryCursor = &last
	} else {
		s.RetryCursor = nil
	}
	if err := save(rw, s); err != nil {
		return s, nil, err
	}
	e.log.DebugCtx(ctx, "migration retry", "session", name, "dispatched", len(cmds))
	return s, cmds, nil
}

// Cancel deletes the session, its failure table and the correlation
// entries the failures point at. Replies still in flight are discarded
// when they arrive, even after a new session took the same name.
func (e *Engine) Cancel(rw kv.ReadWriter, name string) error {
	if _, err := Load(rw, name); err != nil {
		return err
	}
	prefix := failuresPrefix(name)
	it, err := rw.Iter(prefix, keys.PrefixEnd(prefix), false)
	if err != nil {
		return err
	}
	var stale []Failure
	err = kv.Collect(it, func(key, value []byte) (bool, error) {
		id, _, err := keys.TakeID(key[len(prefix):])
		if err != nil {
			return false, err
		}
		f, err := decodeFailure(id, value)
		stale = append(stale, f)
		return err == nil, err
	})
	if err != nil {
		return err
	}
	for _, f := range stale {
		if err := rw.Delete(failureKey(name, f.Record)); err != nil {
			return err
		}
		if err := e.corr.Delete(rw, f.CorrelationID); err != nil {
			return err
		}
	}
	e.log.Info("migration session cancelled", "session", name, "failures_dropped", len(stale))
	return rw.Delete(sessionKey(name))
}

// HandleReply settles one upgrade outcome against its session. Under the
// abort strategy a failure returns factory_errors.ErrUpgradeFailed and the
// caller is expected to roll the transaction back.
func (e *Engine) HandleReply(ctx context.Context, rw kv.ReadWriter, entry correlation.Entry, out host.Outcome) (Result, error) {
	res := Result{Session: entry.Session, Record: entry.Record, Address: entry.Address}
	s, err := Load(rw, entry.Session)
	if errors.Is(err, factory_errors.ErrNotFound) {
		e.log.WarnCtx(ctx, "migration reply for a missing session", "session", entry.Session, "id", entry.Record)
		res.Outcome = Orphaned
		return res, e.corr.Delete(rw, entry.ID)
	}
	if err != nil {
		return res, err
	}
	if s.Generation != entry.Generation {
		e.log.WarnCtx(ctx, "migration reply for a cancelled session", "session", entry.Session, "id", entry.Record, "generation", entry.Generation)
		res.Outcome = Orphaned
		return res, e.corr.Delete(rw, entry.ID)
	}
	fkey := failureKey(s.Name, entry.Record)
	recorded, err := rw.Has(fkey)
	if err != nil {
		return res, err
	}

	if out.Ok() {
		if s.NSuccess, err = utils.CheckedAdd(s.NSuccess, 1); err != nil {
			return res, err
		}
		if recorded {
			if err := rw.Delete(fkey); err != nil {
				return res, err
			}
		}
		if (recorded || entry.Retry) && s.NError > 0 {
			s.NError--
		}
		res.Outcome = Succeeded
		e.log.InfoCtx(ctx, "migration-success", "session", s.Name, "id", entry.Record, "address", entry.Address)
	} else {
		e.log.WarnCtx(ctx, "migration-error", "session", s.Name, "id", entry.Record, "address", entry.Address, "error", out.Err)
		if s.ErrorStrategy == Abort {
			return res, errors.Join(factory_errors.ErrUpgradeFailed,
				fmt.Errorf("session %q record %d (%s): %s", s.Name, entry.Record, entry.Address, out.Err))
		}
		if !recorded && !entry.Retry {
			if s.NError, err = utils.CheckedAdd(s.NError, 1); err != nil {
				return res, err
			}
		}
		f := Failure{Record: entry.Record, Address: entry.Address, Error: out.Err, CorrelationID: entry.ID}
		if err := rw.Set(fkey, f.encode()); err != nil {
			return res, err
		}
		res.Outcome = Failed
	}
	if err := e.corr.Delete(rw, entry.ID); err != nil {
		return res, err
	}
	return res, save(rw, s)
}

// MigrateOne builds an upgrade of a single record outside of any session.
// The command asks for no reply.
func (e *Engine) MigrateOne(rw kv.ReadWriter, address string, target uint64, payload json.RawMessage) (host.Command, error) {
	if target == 0 {
		return host.Command{}, errors.Join(factory_errors.ErrValidation, errors.New("no target template"))
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return host.Command{}, errors.Join(factory_errors.ErrValidation, errors.New("payload is not json"))
	}
	if _, err := directory.ID(rw, address); err != nil {
		return host.Command{}, err
	}
	cid, err := e.corr.Next(rw)
	if err != nil {
		return host.Command{}, err
	}
	return host.Command{
		Kind:          host.Upgrade,
		Target:        address,
		Template:      target,
		Payload:       payload,
		CorrelationID: cid,
		Delivery:      host.Never,
	}, nil
}
