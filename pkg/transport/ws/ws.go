// Package ws implements transport.Transport over a reconnecting gorilla
// WebSocket client connection.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/metrics"
	"github.com/nstogner/qdash/pkg/transport"
)

const (
	// DefaultMinBackoff is the delay before the first reconnect attempt.
	DefaultMinBackoff = 500 * time.Millisecond
	// DefaultMaxBackoff caps the doubling reconnect delay.
	DefaultMaxBackoff = 30 * time.Second

	pingInterval = 20 * time.Second
	writeTimeout = 10 * time.Second
)

type outbound struct {
	env  transport.Envelope
	errc chan error
}

// Transport dials the backend and keeps the connection alive, redialing with
// exponential backoff whenever it drops. Sends made while disconnected wait
// for the next connection.
type Transport struct {
	url        string
	dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration

	out    chan outbound
	in     chan transport.Envelope
	status chan domain.ConnectionStatus

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport for the given ws:// or wss:// URL. Call Start to connect.
func New(url string) *Transport {
	return &Transport{
		url:        url,
		dialer:     websocket.DefaultDialer,
		MinBackoff: DefaultMinBackoff,
		MaxBackoff: DefaultMaxBackoff,
		out:        make(chan outbound),
		in:         make(chan transport.Envelope, 256),
		status:     make(chan domain.ConnectionStatus, 16),
		done:       make(chan struct{}),
	}
}

// Start runs the connect loop until ctx is done or Close is called.
func (t *Transport) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	go func() {
		defer close(t.done)
		t.run(ctx)
	}()
}

func (t *Transport) Messages() <-chan transport.Envelope     { return t.in }
func (t *Transport) Status() <-chan domain.ConnectionStatus { return t.status }

// Send queues env for the writer and waits until it is written.
func (t *Transport) Send(ctx context.Context, env transport.Envelope) error {
	req := outbound{env: env, errc: make(chan error, 1)}
	select {
	case t.out <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return transport.ErrClosed
	}
	select {
	case err := <-req.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the connect loop and closes the inbound channels.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
			<-t.done
		}
		close(t.in)
		close(t.status)
	})
	return nil
}

func (t *Transport) report(st domain.ConnectionStatus) {
	select {
	case t.status <- st:
	default:
		slog.Warn("Dropping connection status, consumer is behind", "status", st.Status)
	}
}

func (t *Transport) run(ctx context.Context) {
	backoff := t.MinBackoff
	for {
		t.report(domain.ConnectionStatus{Status: domain.StatusConnecting})
		conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Backend dial failed", "url", t.url, "error", err, "retryIn", backoff)
			t.report(domain.ConnectionStatus{Status: domain.StatusError, Error: err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, t.MaxBackoff)
			continue
		}

		backoff = t.MinBackoff
		slog.Info("Connected to backend", "url", t.url)
		t.report(domain.ConnectionStatus{Status: domain.StatusConnected, IsConnected: true})

		err = t.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		st := domain.ConnectionStatus{Status: domain.StatusDisconnected}
		if err != nil {
			st.Error = err.Error()
			slog.Warn("Backend connection lost", "error", err)
		}
		t.report(st)
	}
}

// serve pumps one connection until it fails or ctx is done.
func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	readErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)

	// Reader goroutine: decodes inbound envelopes.
	go func() {
		defer wg.Done()
		for {
			var env transport.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				readErr <- err
				return
			}
			metrics.InboundMessages.WithLabelValues(env.Type).Inc()
			select {
			case t.in <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			break loop
		case err = <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			break loop
		case req := <-t.out:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			werr := conn.WriteJSON(req.env)
			req.errc <- werr
			if werr != nil {
				err = fmt.Errorf("write %s: %w", req.env.Type, werr)
				break loop
			}
		case <-ticker.C:
			if perr := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); perr != nil {
				err = fmt.Errorf("ping: %w", perr)
				break loop
			}
		}
	}

	conn.Close()
	wg.Wait()
	return err
}
