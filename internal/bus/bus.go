// Package bus is a lossy publish/subscribe transport over TCP.
//
// A Publisher binds an endpoint and fans every message out to all connected
// subscribers. Each subscriber has its own bounded queue (the high-water mark);
// when it is full the DropPolicy decides which message is discarded. Publish
// never waits for a subscriber, and nothing published before a subscriber
// connected is ever delivered to it.
//
// Wire format per connection:
//  1. Magic bytes "FPB1" written by the publisher once the subscriber is registered
//  2. Repeated: length (4 bytes big-endian uint32) followed by the message bytes
package bus

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// MagicBytes opens every publisher->subscriber stream.
const MagicBytes = "FPB1"

// DefaultHighWaterMark bounds each subscriber queue.
const DefaultHighWaterMark = 10

// DefaultMaxMessageSize bounds a single message in either direction.
const DefaultMaxMessageSize = 256 << 20

var (
	ErrClosed          = errors.New("bus: closed")
	ErrMessageTooLarge = errors.New("bus: message too large")
	ErrBadHandshake    = errors.New("bus: bad handshake")
)

// DropPolicy decides what a full subscriber queue gives up.
type DropPolicy int

const (
	// DropNewest discards the message being published.
	DropNewest DropPolicy = iota
	// DropOldest evicts the oldest queued message to make room.
	DropOldest
)

func (p DropPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop-newest"
	case DropOldest:
		return "drop-oldest"
	}
	return fmt.Sprintf("DropPolicy(%d)", int(p))
}

// ParseDropPolicy accepts "drop-newest"/"newest" and "drop-oldest"/"oldest".
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-newest", "newest":
		return DropNewest, nil
	case "drop-oldest", "oldest":
		return DropOldest, nil
	}
	return 0, fmt.Errorf("bus: unknown drop policy %q", s)
}

type options struct {
	highWaterMark  int
	policy         DropPolicy
	maxMessageSize int
	writeTimeout   time.Duration
	connectTimeout time.Duration
	retryInterval  time.Duration
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		highWaterMark:  DefaultHighWaterMark,
		policy:         DropNewest,
		maxMessageSize: DefaultMaxMessageSize,
		writeTimeout:   0,
		connectTimeout: 5 * time.Second,
		retryInterval:  250 * time.Millisecond,
		logger:         slog.Default(),
	}
}

// Option customises a Publisher or Subscriber.
type Option func(*options)

// WithHighWaterMark sets the per-subscriber queue capacity. Default: 10.
func WithHighWaterMark(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.highWaterMark = n
		}
	}
}

// WithDropPolicy sets the overflow policy. Default: DropNewest.
func WithDropPolicy(p DropPolicy) Option { return func(o *options) { o.policy = p } }

// WithMaxMessageSize bounds a single message. Default: 256 MiB.
func WithMaxMessageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxMessageSize = n
		}
	}
}

// WithWriteTimeout drops a subscriber whose socket stays unwritable this long. 0 disables.
func WithWriteTimeout(d time.Duration) Option { return func(o *options) { o.writeTimeout = d } }

// WithConnectTimeout bounds the initial Dial. Default: 5s.
func WithConnectTimeout(d time.Duration) Option { return func(o *options) { o.connectTimeout = d } }

// WithRetryInterval sets the pause between connection attempts. Default: 250ms.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryInterval = d
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// ListenAddress turns an endpoint such as "tcp://*:5555" into a net.Listen address.
func ListenAddress(endpoint string) (string, error) {
	host, port, err := splitEndpoint(endpoint)
	if err != nil {
		return "", err
	}
	if host == "*" {
		host = ""
	}
	return host + ":" + port, nil
}

// DialAddress turns an endpoint such as "tcp://localhost:5555" into a net.Dial address.
func DialAddress(endpoint string) (string, error) {
	host, port, err := splitEndpoint(endpoint)
	if err != nil {
		return "", err
	}
	if host == "*" || host == "" {
		host = "localhost"
	}
	return host + ":" + port, nil
}

func splitEndpoint(endpoint string) (host, port string, err error) {
	rest := endpoint
	if scheme, after, ok := strings.Cut(endpoint, "://"); ok {
		if scheme != "tcp" {
			return "", "", fmt.Errorf("bus: unsupported transport %q in %q", scheme, endpoint)
		}
		rest = after
	}
	i := strings.LastIndex(rest, ":")
	if i < 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("bus: endpoint %q has no port", endpoint)
	}
	return rest[:i], rest[i+1:], nil
}

func writeMessage(w io.Writer, msg []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readMessage(r *bufio.Reader, max int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int64(n) > int64(max) {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
