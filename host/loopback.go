package host

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/drpcorg/factory/utils"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

var ErrLoopbackClosed = errors.New("host: loopback dispatcher is closed")

type LoopbackOptions struct {
	// Delay is slept before each command executes.
	Delay time.Duration
	// Failing maps upgrade targets to the error their upgrades report.
	Failing map[string]string
	Queue   int
	Logger  utils.Logger
}

// Loopback executes commands in-process on one worker goroutine and feeds
// the outcomes back to a ReplyHandler, one reply per call, in issue order.
// Instantiations succeed with a fresh address; upgrades succeed unless
// their target is marked failing.
type Loopback struct {
	opts     LoopbackOptions
	log      utils.Logger
	queue    chan Command
	inflight *xsync.MapOf[uint64, Command]
	failing  *xsync.MapOf[string, string]
	handler  ReplyHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewLoopback(opts LoopbackOptions) *Loopback {
	if opts.Queue <= 0 {
		opts.Queue = 1024
	}
	log := opts.Logger
	if log == nil {
		log = utils.NewDefaultLogger(utils.ParseLevel("info"))
	}
	l := &Loopback{
		opts:     opts,
		log:      log,
		queue:    make(chan Command, opts.Queue),
		inflight: xsync.NewMapOf[uint64, Command](),
		failing:  xsync.NewMapOf[string, string](),
	}
	for target, msg := range opts.Failing {
		l.failing.Store(target, msg)
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l
}

// Start begins executing queued commands, delivering replies to handler.
func (l *Loopback) Start(handler ReplyHandler) {
	l.handler = handler
	l.wg.Add(1)
	go l.run()
}

func (l *Loopback) Dispatch(ctx context.Context, cmds []Command) error {
	for _, cmd := range cmds {
		l.inflight.Store(cmd.CorrelationID, cmd)
		select {
		case l.queue <- cmd:
		case <-ctx.Done():
			l.inflight.Delete(cmd.CorrelationID)
			return ctx.Err()
		case <-l.ctx.Done():
			l.inflight.Delete(cmd.CorrelationID)
			return ErrLoopbackClosed
		}
	}
	return nil
}

// Fail makes upgrades of target report msg until Heal is called.
func (l *Loopback) Fail(target, msg string) { l.failing.Store(target, msg) }

func (l *Loopback) Heal(target string) { l.failing.Delete(target) }

// Pending counts commands dispatched but not yet answered.
func (l *Loopback) Pending() int { return l.inflight.Size() }

// Drain waits until every dispatched command has been answered.
func (l *Loopback) Drain(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for l.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.ctx.Done():
			return ErrLoopbackClosed
		case <-ticker.C:
		}
	}
	return nil
}

func (l *Loopback) Close() error {
	l.once.Do(func() {
		l.cancel()
		l.wg.Wait()
	})
	return nil
}

func (l *Loopback) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case cmd := <-l.queue:
			l.execute(cmd)
		}
	}
}

func (l *Loopback) outcome(cmd Command) Outcome {
	switch cmd.Kind {
	case Instantiate:
		return Outcome{Address: "addr-" + uuid.Must(uuid.NewV7()).String()}
	case Upgrade:
		if msg, ok := l.failing.Load(cmd.Target); ok {
			return Outcome{Err: msg}
		}
		return Outcome{Address: cmd.Target}
	}
	return Outcome{Err: "unsupported command " + string(cmd.Kind)}
}

func (l *Loopback) execute(cmd Command) {
	defer l.inflight.Delete(cmd.CorrelationID)
	if l.opts.Delay > 0 {
		select {
		case <-time.After(l.opts.Delay):
		case <-l.ctx.Done():
			return
		}
	}
	out := l.outcome(cmd)
	switch {
	case cmd.Delivery == Never:
		return
	case cmd.Delivery == SuccessOnly && !out.Ok():
		l.log.Warn("loopback: dropped failed command", "kind", cmd.Kind, "correlation_id", cmd.CorrelationID, "error", out.Err)
		return
	}
	if err := l.handler.HandleReply(l.ctx, Reply{CorrelationID: cmd.CorrelationID, Outcome: out}); err != nil {
		l.log.Warn("loopback: reply rejected", "kind", cmd.Kind, "target", cmd.Target, "correlation_id", cmd.CorrelationID, "err", err)
	}
}
