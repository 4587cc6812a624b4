package factory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drpcorg/factory/correlation"
	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/host"
	"github.com/drpcorg/factory/kv"
	"github.com/drpcorg/factory/utils"
)

var _ host.ReplyHandler = (*Factory)(nil)

// HandleReply is the second phase of every asynchronous command: it looks
// the correlation id up and settles the creation or migration it belongs
// to. An abort-strategy migration failure fails the call and leaves the
// store as it was.
func (f *Factory) HandleReply(ctx context.Context, reply host.Reply) error {
	if f.closed.Load() {
		return factory_errors.ErrClosed
	}
	ctx = utils.WithDefaultArgs(ctx, "correlation_id", reply.CorrelationID)
	start := time.Now()
	var kind correlation.Kind
	var outcome string
	err := f.store.Update(ctx, func(rw kv.ReadWriter) error {
		entry, err := f.corr.Load(rw, reply.CorrelationID)
		if err != nil {
			return err
		}
		kind = entry.Kind
		switch entry.Kind {
		case correlation.Create:
			outcome = "created"
			if !reply.Outcome.Ok() {
				outcome = "instantiation_failed"
			}
			return f.register(ctx, rw, entry, reply.Outcome)
		case correlation.Migration:
			res, err := f.mig.HandleReply(ctx, rw, entry, reply.Outcome)
			outcome = string(res.Outcome)
			return err
		}
		return errors.Join(factory_errors.ErrInvalidReply, fmt.Errorf("correlation kind %q", entry.Kind))
	})
	f.metrics.observe("handle_reply", start, err)
	switch {
	case errors.Is(err, factory_errors.ErrUpgradeFailed):
		f.metrics.replies.WithLabelValues("aborted").Inc()
	case err != nil:
		f.log.WarnCtx(ctx, "reply rejected", "err", err)
	default:
		f.metrics.replies.WithLabelValues(outcome).Inc()
		if kind == correlation.Create && outcome == "created" {
			f.metrics.registered.Inc()
		}
	}
	return err
}
