// Package memory provides an in-process transport.Transport. Sent envelopes
// are handed to a Responder, whose replies are delivered as inbound messages.
// It backs the offline mode and tests.
package memory

import (
	"context"
	"sync"

	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/transport"
)

// Responder answers an outbound envelope with zero or more inbound ones.
type Responder func(env transport.Envelope) []transport.Envelope

// Transport is a loopback transport that is always connected.
type Transport struct {
	mu      sync.Mutex
	respond Responder
	sent    []transport.Envelope
	closed  bool
	in      chan transport.Envelope
	status  chan domain.ConnectionStatus
}

var _ transport.Transport = (*Transport)(nil)

// New returns a connected loopback transport. A nil responder drops every send.
func New(respond Responder) *Transport {
	t := &Transport{
		respond: respond,
		in:      make(chan transport.Envelope, 256),
		status:  make(chan domain.ConnectionStatus, 16),
	}
	t.status <- domain.ConnectionStatus{Status: domain.StatusConnected, IsConnected: true}
	return t
}

func (t *Transport) Send(ctx context.Context, env transport.Envelope) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	t.sent = append(t.sent, env)
	respond := t.respond
	t.mu.Unlock()

	if respond == nil {
		return nil
	}
	for _, reply := range respond(env) {
		if err := t.Push(ctx, reply); err != nil {
			return err
		}
	}
	return nil
}

// Push delivers an inbound envelope as if the backend had sent it.
func (t *Transport) Push(ctx context.Context, env transport.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	select {
	case t.in <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetStatus reports a connection status change, e.g. to simulate a drop.
func (t *Transport) SetStatus(st domain.ConnectionStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.status <- st:
	default:
	}
}

// Sent returns a copy of every envelope sent so far.
func (t *Transport) Sent() []transport.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]transport.Envelope(nil), t.sent...)
}

func (t *Transport) Messages() <-chan transport.Envelope     { return t.in }
func (t *Transport) Status() <-chan domain.ConnectionStatus { return t.status }

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.in)
		close(t.status)
	}
	return nil
}
