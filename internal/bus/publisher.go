package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Publisher broadcasts messages to every connected subscriber.
type Publisher struct {
	ln       net.Listener
	endpoint string
	opts     options
	logger   *slog.Logger

	mu        sync.RWMutex
	subs      map[string]*peer
	closed    bool
	published atomic.Uint64
	wg        sync.WaitGroup
}

// peer is the publisher-side state of one subscriber connection.
type peer struct {
	id     string
	conn   net.Conn
	queue  chan []byte
	done   chan struct{}
	once   sync.Once
	sent   atomic.Uint64
	drops  atomic.Uint64
	joined time.Time
}

func newPeer(id string, conn net.Conn, hwm int) *peer {
	return &peer{
		id:     id,
		conn:   conn,
		queue:  make(chan []byte, hwm),
		done:   make(chan struct{}),
		joined: time.Now(),
	}
}

// offer enqueues msg without blocking. It reports whether msg was queued.
func (p *peer) offer(msg []byte, policy DropPolicy) bool {
	for {
		select {
		case p.queue <- msg:
			return true
		default:
		}
		if policy == DropNewest {
			p.drops.Add(1)
			return false
		}
		select {
		case <-p.queue:
			p.drops.Add(1)
		default:
		}
	}
}

func (p *peer) stop() {
	p.once.Do(func() {
		close(p.done)
		if p.conn != nil {
			p.conn.Close()
		}
	})
}

// Listen binds endpoint and starts accepting subscribers in the background
// until ctx is cancelled or Close is called.
func Listen(ctx context.Context, endpoint string, opts ...Option) (*Publisher, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	addr, err := ListenAddress(endpoint)
	if err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bus: bind %s: %w", endpoint, err)
	}

	p := &Publisher{
		ln:       ln,
		endpoint: endpoint,
		opts:     o,
		logger:   o.logger,
		subs:     make(map[string]*peer),
	}

	p.wg.Add(1)
	go p.acceptLoop()

	go func() {
		<-ctx.Done()
		p.Close()
	}()

	return p, nil
}

// Addr returns the bound network address.
func (p *Publisher) Addr() net.Addr { return p.ln.Addr() }

// Publish hands msg to every subscriber queue and returns immediately.
// The caller must not modify msg afterwards.
func (p *Publisher) Publish(msg []byte) error {
	if len(msg) > p.opts.maxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	p.published.Add(1)
	for _, s := range p.subs {
		s.offer(msg, p.opts.policy)
	}
	return nil
}

// Subscribers returns the number of connected subscribers.
func (p *Publisher) Subscribers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

// Close unbinds the endpoint and disconnects every subscriber.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	subs := p.subs
	p.subs = make(map[string]*peer)
	p.mu.Unlock()

	err := p.ln.Close()
	for _, s := range subs {
		s.stop()
	}
	p.wg.Wait()
	return err
}

func (p *Publisher) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Warn("bus: accept failed", "endpoint", p.endpoint, "error", err)
			time.Sleep(p.opts.retryInterval)
			continue
		}
		p.attach(conn)
	}
}

// attach registers conn, then confirms with the magic bytes so the
// subscriber knows from which point on it receives messages.
func (p *Publisher) attach(conn net.Conn) {
	s := newPeer(uuid.NewString(), conn, p.opts.highWaterMark)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.subs[s.id] = s
	p.mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(p.opts.connectTimeout))
	if _, err := conn.Write([]byte(MagicBytes)); err != nil {
		p.logger.Warn("bus: handshake failed", "subscriber", s.id, "remote", conn.RemoteAddr(), "error", err)
		p.detach(s)
		return
	}
	conn.SetWriteDeadline(time.Time{})

	p.logger.Info("bus: subscriber connected", "endpoint", p.endpoint, "subscriber", s.id, "remote", conn.RemoteAddr())

	p.wg.Add(2)
	go p.writeLoop(s)
	go p.watch(s)
}

func (p *Publisher) detach(s *peer) {
	p.mu.Lock()
	if cur, ok := p.subs[s.id]; ok && cur == s {
		delete(p.subs, s.id)
	}
	p.mu.Unlock()
	s.stop()
}

func (p *Publisher) writeLoop(s *peer) {
	defer p.wg.Done()
	defer p.detach(s)

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			if p.opts.writeTimeout > 0 {
				s.conn.SetWriteDeadline(time.Now().Add(p.opts.writeTimeout))
			}
			if err := writeMessage(s.conn, msg); err != nil {
				select {
				case <-s.done:
				default:
					p.logger.Info("bus: subscriber dropped", "subscriber", s.id, "error", err)
				}
				return
			}
			s.sent.Add(1)
		}
	}
}

// watch notices a subscriber hanging up even when nothing is being published.
func (p *Publisher) watch(s *peer) {
	defer p.wg.Done()
	io.Copy(io.Discard, s.conn)
	p.detach(s)
}

// SubscriberStats describes one subscriber queue.
type SubscriberStats struct {
	ID      string    `json:"id"`
	Remote  string    `json:"remote"`
	Joined  time.Time `json:"joined"`
	Queued  int       `json:"queued"`
	Sent    uint64    `json:"sent"`
	Dropped uint64    `json:"dropped"`
}

// Stats is a point-in-time view of a publisher.
type Stats struct {
	Endpoint      string            `json:"endpoint"`
	Policy        string            `json:"policy"`
	HighWaterMark int               `json:"high_water_mark"`
	Published     uint64            `json:"published"`
	Subscribers   []SubscriberStats `json:"subscribers"`
}

// Stats returns current counters.
func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Stats{
		Endpoint:      p.endpoint,
		Policy:        p.opts.policy.String(),
		HighWaterMark: p.opts.highWaterMark,
		Published:     p.published.Load(),
		Subscribers:   make([]SubscriberStats, 0, len(p.subs)),
	}
	for _, s := range p.subs {
		st.Subscribers = append(st.Subscribers, SubscriberStats{
			ID:      s.id,
			Remote:  s.conn.RemoteAddr().String(),
			Joined:  s.joined,
			Queued:  len(s.queue),
			Sent:    s.sent.Load(),
			Dropped: s.drops.Load(),
		})
	}
	return st
}
