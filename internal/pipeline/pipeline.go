// Package pipeline holds the control loops of the three stages. Each loop is
// written against small interfaces so tests can drive it without sockets,
// files or a database.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// Publisher sends one message to every current subscriber without blocking.
type Publisher interface {
	Publish(msg []byte) error
}

// Receiver blocks until the next message arrives or ctx is done.
type Receiver interface {
	Receive(ctx context.Context) ([]byte, error)
}

// Counters are the per-stage item tallies exposed on the status endpoint.
type Counters struct {
	Received  atomic.Uint64
	Processed atomic.Uint64
	Skipped   atomic.Uint64
	Failed    atomic.Uint64
}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	Received  uint64 `json:"received"`
	Processed uint64 `json:"processed"`
	Skipped   uint64 `json:"skipped"`
	Failed    uint64 `json:"failed"`
}

// Snapshot copies the current values.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Received:  c.Received.Load(),
		Processed: c.Processed.Load(),
		Skipped:   c.Skipped.Load(),
		Failed:    c.Failed.Load(),
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// receiveLoop feeds every message from in to handle until ctx is cancelled
// or the receiver fails for good.
func receiveLoop(ctx context.Context, in Receiver, c *Counters, handle func([]byte)) error {
	for {
		msg, err := in.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.Received.Add(1)
		handle(msg)
	}
}

// IsShutdown reports whether err only signals that the loop's context ended.
func IsShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
