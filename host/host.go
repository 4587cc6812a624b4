// Package host describes what the registry needs from its execution
// environment: a clock, a way to dispatch asynchronous commands, and an
// entry point that replies are delivered to as separate calls.
package host

import (
	"context"
	"encoding/json"
	"time"
)

type CommandKind string

const (
	Instantiate CommandKind = "instantiate"
	Upgrade     CommandKind = "upgrade"
)

// Delivery says which outcomes the dispatcher reports back.
type Delivery string

const (
	SuccessOnly Delivery = "success_only"
	Always      Delivery = "always"
	Never       Delivery = "never"
)

// Command is an outbound asynchronous request. Commands of one call are
// issued in slice order.
type Command struct {
	Kind          CommandKind     `json:"kind"`
	Target        string          `json:"target,omitempty"`
	Template      uint64          `json:"template_id"`
	Label         string          `json:"label,omitempty"`
	Admin         string          `json:"admin,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID uint64          `json:"correlation_id"`
	Delivery      Delivery        `json:"delivery"`
}

// Outcome is the result of a command: Err is empty on success. Address is
// set by successful instantiations.
type Outcome struct {
	Address string `json:"address,omitempty"`
	Err     string `json:"error,omitempty"`
}

func (o Outcome) Ok() bool { return o.Err == "" }

type Reply struct {
	CorrelationID uint64  `json:"correlation_id"`
	Outcome       Outcome `json:"outcome"`
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

type Dispatcher interface {
	Dispatch(ctx context.Context, cmds []Command) error
}

type ReplyHandler interface {
	HandleReply(ctx context.Context, reply Reply) error
}
