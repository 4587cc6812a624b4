package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/drpcorg/factory/correlation"
	"github.com/drpcorg/factory/directory"
	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/host"
	"github.com/drpcorg/factory/kv"
	"github.com/drpcorg/factory/migrations"
	"github.com/drpcorg/factory/utils"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
)

type Options struct {
	Logger utils.Logger
	Clock  host.Clock
	// Dispatcher receives the commands of every successful call after
	// its writes are committed. Without one, callers dispatch the
	// returned commands themselves.
	Dispatcher host.Dispatcher
	// Registerer gets the engine metrics; nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Address is the factory's own identity, the default admin of the
	// records it creates.
	Address string
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.Clock == nil {
		o.Clock = host.SystemClock{}
	}
	if o.Address == "" {
		o.Address = "factory"
	}
}

// Factory is the registry engine. Every exported command runs in one
// store transaction: it either commits all of its writes or none.
type Factory struct {
	store    kv.Store
	opts     Options
	log      utils.Logger
	dir      *directory.Directory
	corr     *correlation.Table
	mig      *migrations.Engine
	metrics  *metrics
	validate *validator.Validate
	closed   atomic.Bool
}

// New wraps an open store. The factory owns it from here on.
func New(store kv.Store, opts Options) (*Factory, error) {
	opts.SetDefaults()
	corr := correlation.New()
	f := &Factory{
		store:    store,
		opts:     opts,
		log:      opts.Logger,
		dir:      directory.New(),
		corr:     corr,
		mig:      migrations.NewEngine(corr, opts.Logger),
		metrics:  newMetrics(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if opts.Registerer != nil {
		if err := f.metrics.register(opts.Registerer); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Open starts the storage engine named in storeOpts and wraps it.
func Open(storeOpts kv.Options, opts Options) (*Factory, error) {
	store, err := kv.Open(storeOpts)
	if err != nil {
		return nil, err
	}
	f, err := New(store, opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return f, nil
}

// Store exposes the underlying store, mostly for metrics collectors.
func (f *Factory) Store() kv.Store { return f.store }

func (f *Factory) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	return f.store.Close()
}

func (f *Factory) check(v any) error {
	if err := f.validate.Struct(v); err != nil {
		return errors.Join(factory_errors.ErrValidation, err)
	}
	return nil
}

// command runs fn in a write transaction and hands the produced commands
// to the dispatcher once the transaction is committed.
func (f *Factory) command(ctx context.Context, op string, fn func(rw kv.ReadWriter) ([]host.Command, error)) ([]host.Command, error) {
	if f.closed.Load() {
		return nil, factory_errors.ErrClosed
	}
	start := time.Now()
	var cmds []host.Command
	err := f.store.Update(ctx, func(rw kv.ReadWriter) (err error) {
		cmds, err = fn(rw)
		return
	})
	f.metrics.observe(op, start, err)
	if err != nil {
		f.log.DebugCtx(ctx, "command failed", "op", op, "err", err)
		return nil, err
	}
	for _, cmd := range cmds {
		f.metrics.dispatched.WithLabelValues(string(cmd.Kind)).Inc()
	}
	if f.opts.Dispatcher == nil || len(cmds) == 0 {
		return cmds, nil
	}
	if err := f.opts.Dispatcher.Dispatch(ctx, cmds); err != nil {
		f.log.ErrorCtx(ctx, "dispatch failed after commit", "op", op, "commands", len(cmds), "err", err)
		return cmds, fmt.Errorf("dispatch: %w", err)
	}
	return cmds, nil
}

func (f *Factory) query(ctx context.Context, op string, fn func(r kv.Reader) error) error {
	if f.closed.Load() {
		return factory_errors.ErrClosed
	}
	start := time.Now()
	err := f.store.View(ctx, fn)
	f.metrics.observe(op, start, err)
	return err
}
