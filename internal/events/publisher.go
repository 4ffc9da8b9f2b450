// Package events publishes task lifecycle transitions to NATS.
//
// Every transition is published to:
//
//	{prefix}.tasks.{task_id}.{state}
//
// with a JSON body. Subscribers can follow one task with
// "codeloop.tasks.auth-login.>" or every rejection with
// "codeloop.tasks.*.rejected".
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/codeloop/internal/logging"
	"github.com/fyrsmithlabs/codeloop/internal/orchestrator"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultPrefix is the subject prefix when none is configured.
const DefaultPrefix = "codeloop"

// Event is the JSON body of a lifecycle message.
type Event struct {
	TaskID    string    `json:"task_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Iteration int       `json:"iteration"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Connect dials url with reconnects enabled.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("codeloopd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Publisher implements orchestrator.Observer. A Publisher with a nil
// connection discards events.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// NewPublisher creates a Publisher. nc may be nil.
func NewPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// Subject returns the subject a transition of taskID into state is
// published on.
func (p *Publisher) Subject(taskID, state string) string {
	return p.prefix + ".tasks." + token(taskID) + "." + token(state)
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Publish sends tr. It returns nil when the publisher has no connection.
func (p *Publisher) Publish(tr orchestrator.Transition) error {
	if p == nil || p.nc == nil {
		return nil
	}
	data, err := json.Marshal(Event{
		TaskID:    tr.TaskID,
		From:      string(tr.From),
		To:        string(tr.To),
		Iteration: tr.Iteration,
		Error:     tr.Error,
		At:        tr.At,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(tr.TaskID, string(tr.To)), data); err != nil {
		return fmt.Errorf("publish %s event: %w", tr.To, err)
	}
	return nil
}

// OnTransition publishes tr and logs failures. Publishing is buffered by
// the client and never blocks the orchestrator.
func (p *Publisher) OnTransition(ctx context.Context, tr orchestrator.Transition) {
	if err := p.Publish(tr); err != nil {
		p.logger.Warn(ctx, "lifecycle event dropped", zap.String("task_id", tr.TaskID), zap.Error(err))
	}
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
