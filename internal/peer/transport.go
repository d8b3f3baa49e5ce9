// Package peer mirrors other nodes' event logs. Every node broadcasts the
// events it appends; a node keeps one read-only view per remote origin and
// never lets a remote event touch its own work queue.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lucasnoah/phasefactory/internal/events"
)

// Transport moves events between nodes.
type Transport interface {
	// Publish broadcasts one locally appended event.
	Publish(ctx context.Context, e events.Event) error
	// Subscribe delivers every peer broadcast, including this node's own.
	Subscribe(fn func(events.Event)) (stop func(), err error)
	// Serve answers range requests addressed to node.
	Serve(node string, fn RangeFunc) (stop func(), err error)
	// Request asks origin for its events with from <= origin_seq <= to.
	Request(ctx context.Context, origin string, from, to uint64) ([]events.Event, error)
}

// RangeFunc reads this node's events for a peer.
type RangeFunc func(ctx context.Context, from, to uint64) ([]events.Event, error)

type rangeRequest struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

type rangeReply struct {
	Events []events.Event `json:"events"`
	Error  string         `json:"error,omitempty"`
}

// NATS is a Transport over core NATS subjects:
//
//	<prefix>.events.<node>   broadcasts
//	<prefix>.range.<node>    request/reply range reads
type NATS struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// DialNATS connects to url. The connection reconnects on its own; gaps
// opened while it was down are repaired by range requests.
func DialNATS(url, prefix, node string, timeout time.Duration) (*NATS, error) {
	if prefix == "" {
		prefix = "factory"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	nc, err := nats.Connect(url,
		nats.Name("factory-"+node),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return &NATS{nc: nc, prefix: prefix, timeout: timeout}, nil
}

// NewNATS wraps an existing connection.
func NewNATS(nc *nats.Conn, prefix string) *NATS {
	if prefix == "" {
		prefix = "factory"
	}
	return &NATS{nc: nc, prefix: prefix, timeout: 5 * time.Second}
}

func (t *NATS) subject(kind, node string) string {
	return strings.Join([]string{t.prefix, kind, node}, ".")
}

func (t *NATS) Publish(ctx context.Context, e events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return t.nc.Publish(t.subject("events", e.Origin), data)
}

func (t *NATS) Subscribe(fn func(events.Event)) (func(), error) {
	sub, err := t.nc.Subscribe(t.subject("events", "*"), func(msg *nats.Msg) {
		var e events.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return
		}
		fn(e)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to peer events: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (t *NATS) Serve(node string, fn RangeFunc) (func(), error) {
	sub, err := t.nc.Subscribe(t.subject("range", node), func(msg *nats.Msg) {
		var req rangeRequest
		var rep rangeReply
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			rep.Error = "bad request: " + err.Error()
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
			evs, err := fn(ctx, req.From, req.To)
			cancel()
			if err != nil {
				rep.Error = err.Error()
			}
			rep.Events = evs
		}
		data, err := json.Marshal(rep)
		if err != nil {
			return
		}
		_ = msg.Respond(data)
	})
	if err != nil {
		return nil, fmt.Errorf("serve range requests: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (t *NATS) Request(ctx context.Context, origin string, from, to uint64) ([]events.Event, error) {
	data, err := json.Marshal(rangeRequest{From: from, To: to})
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	msg, err := t.nc.RequestWithContext(ctx, t.subject("range", origin), data)
	if err != nil {
		return nil, fmt.Errorf("range request to %s: %w", origin, err)
	}
	var rep rangeReply
	if err := json.Unmarshal(msg.Data, &rep); err != nil {
		return nil, fmt.Errorf("range reply from %s: %w", origin, err)
	}
	if rep.Error != "" {
		return nil, fmt.Errorf("range reply from %s: %w", origin, errors.New(rep.Error))
	}
	return rep.Events, nil
}

// Close drains the connection.
func (t *NATS) Close() error {
	return t.nc.Drain()
}
