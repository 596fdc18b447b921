package bus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Subscriber receives every message a Publisher sends after the subscriber connected.
// Receive is meant to be called from a single loop.
type Subscriber struct {
	endpoint string
	addr     string
	opts     options
	logger   *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	closed atomic.Bool

	received   atomic.Uint64
	reconnects atomic.Uint64
}

// Dial connects to endpoint, retrying until the connect timeout expires.
// When it returns, every later Publish on the other end is seen by this subscriber.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Subscriber, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	addr, err := DialAddress(endpoint)
	if err != nil {
		return nil, err
	}

	s := &Subscriber{
		endpoint: endpoint,
		addr:     addr,
		opts:     o,
		logger:   o.logger,
	}

	dialCtx := ctx
	if o.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, o.connectTimeout)
		defer cancel()
	}
	if err := s.connect(dialCtx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Subscriber) connect(ctx context.Context) error {
	var d net.Dialer
	var lastErr error
	for {
		if s.closed.Load() {
			return ErrClosed
		}
		conn, err := d.DialContext(ctx, "tcp", s.addr)
		if err == nil {
			r := bufio.NewReaderSize(conn, 64<<10)
			if err = handshake(ctx, conn, r); err == nil {
				s.mu.Lock()
				s.conn, s.r = conn, r
				s.mu.Unlock()
				return nil
			}
			conn.Close()
		}
		lastErr = err
		s.logger.Debug("bus: connect attempt failed", "endpoint", s.endpoint, "error", err)

		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return fmt.Errorf("bus: connect %s: %w", s.endpoint, lastErr)
		case <-time.After(s.opts.retryInterval):
		}
	}
}

func handshake(ctx context.Context, conn net.Conn, r *bufio.Reader) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	if string(magic) != MagicBytes {
		return fmt.Errorf("%w: %q", ErrBadHandshake, magic)
	}
	return nil
}

// Receive blocks until a message arrives or ctx is cancelled. A broken
// connection is re-established transparently; whatever was published in
// the meantime is lost.
func (s *Subscriber) Receive(ctx context.Context) ([]byte, error) {
	for {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.mu.Lock()
		conn, r := s.conn, s.r
		s.mu.Unlock()

		if conn == nil {
			if err := s.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, err
			}
			s.reconnects.Add(1)
			s.logger.Info("bus: reconnected", "endpoint", s.endpoint)
			continue
		}

		stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
		msg, err := readMessage(r, s.opts.maxMessageSize)
		if !stop() && err == nil {
			conn.SetReadDeadline(time.Time{})
		}
		if err == nil {
			s.received.Add(1)
			return msg, nil
		}

		if ctx.Err() != nil {
			// The deadline only interrupted the read; drop the stream since a
			// partial frame may have been consumed.
			s.reset(conn)
			return nil, ctx.Err()
		}
		if s.closed.Load() {
			return nil, ErrClosed
		}
		if errors.Is(err, ErrMessageTooLarge) {
			s.logger.Warn("bus: oversized message, resetting connection", "endpoint", s.endpoint, "error", err)
		} else {
			s.logger.Warn("bus: connection lost, reconnecting", "endpoint", s.endpoint, "error", err)
		}
		s.reset(conn)
	}
}

func (s *Subscriber) reset(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	if s.conn == conn {
		s.conn, s.r = nil, nil
	}
	s.mu.Unlock()
}

// Received returns the number of messages delivered by Receive.
func (s *Subscriber) Received() uint64 { return s.received.Load() }

// Reconnects returns how many times the connection was re-established.
func (s *Subscriber) Reconnects() uint64 { return s.reconnects.Load() }

// Endpoint returns the endpoint passed to Dial.
func (s *Subscriber) Endpoint() string { return s.endpoint }

// Close disconnects. A blocked Receive returns ErrClosed.
func (s *Subscriber) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
