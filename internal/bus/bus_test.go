package bus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startPair binds a publisher on an ephemeral port and connects one subscriber.
func startPair(t *testing.T, opts ...Option) (*Publisher, *Subscriber) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	pub, err := Listen(ctx, "tcp://127.0.0.1:0", opts...)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { pub.Close() })

	sub, err := Dial(ctx, "tcp://"+pub.Addr().String(), opts...)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { sub.Close() })
	return pub, sub
}

func receiveWithin(t *testing.T, sub *Subscriber, d time.Duration) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	msg, err := sub.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	return msg
}

func TestEndpointParsing(t *testing.T) {
	tests := []struct {
		endpoint   string
		listen     string
		dial       string
		wantErrors bool
	}{
		{endpoint: "tcp://*:5555", listen: ":5555", dial: "localhost:5555"},
		{endpoint: "tcp://localhost:5556", listen: "localhost:5556", dial: "localhost:5556"},
		{endpoint: "127.0.0.1:7000", listen: "127.0.0.1:7000", dial: "127.0.0.1:7000"},
		{endpoint: "ipc:///tmp/feed", wantErrors: true},
		{endpoint: "tcp://localhost", wantErrors: true},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			l, lerr := ListenAddress(tt.endpoint)
			d, derr := DialAddress(tt.endpoint)
			if tt.wantErrors {
				if lerr == nil || derr == nil {
					t.Errorf("Expected errors, got %q / %q", l, d)
				}
				return
			}
			if lerr != nil || derr != nil {
				t.Fatalf("Unexpected errors: %v / %v", lerr, derr)
			}
			if l != tt.listen || d != tt.dial {
				t.Errorf("Got listen %q dial %q, want %q %q", l, d, tt.listen, tt.dial)
			}
		})
	}
}

func TestPublishSubscribeInOrder(t *testing.T) {
	pub, sub := startPair(t)

	for i := 0; i < 5; i++ {
		if err := pub.Publish([]byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		got := string(receiveWithin(t, sub, 2*time.Second))
		if want := fmt.Sprintf("msg-%d", i); got != want {
			t.Errorf("Expected %s, got %s", want, got)
		}
	}
}

func TestLateJoinerSeesNoHistory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub, err := Listen(ctx, "tcp://127.0.0.1:0", WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()

	for i := 0; i < 20; i++ {
		pub.Publish([]byte(fmt.Sprintf("before-%d", i)))
	}

	sub, err := Dial(ctx, pub.Addr().String(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	pub.Publish([]byte("after-0"))
	pub.Publish([]byte("after-1"))

	if got := string(receiveWithin(t, sub, 2*time.Second)); got != "after-0" {
		t.Fatalf("Late joiner received %q, expected first message after connecting", got)
	}
	if got := string(receiveWithin(t, sub, 2*time.Second)); got != "after-1" {
		t.Errorf("Expected after-1, got %q", got)
	}
}

func TestFanOutToEverySubscriber(t *testing.T) {
	pub, first := startPair(t)
	second, err := Dial(context.Background(), pub.Addr().String(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	if n := pub.Subscribers(); n != 2 {
		t.Fatalf("Expected 2 subscribers, got %d", n)
	}

	pub.Publish([]byte("hello"))
	for i, sub := range []*Subscriber{first, second} {
		if got := string(receiveWithin(t, sub, 2*time.Second)); got != "hello" {
			t.Errorf("Subscriber %d got %q", i, got)
		}
	}
}

func TestOfferDropNewest(t *testing.T) {
	p := newPeer("slow", nil, 3)

	for i := 0; i < 5; i++ {
		p.offer([]byte{byte(i)}, DropNewest)
	}

	if p.drops.Load() != 2 {
		t.Errorf("Expected 2 drops, got %d", p.drops.Load())
	}
	for want := 0; want < 3; want++ {
		if got := (<-p.queue)[0]; int(got) != want {
			t.Errorf("Expected %d, got %d", want, got)
		}
	}
}

func TestOfferDropOldest(t *testing.T) {
	p := newPeer("slow", nil, 3)

	for i := 0; i < 5; i++ {
		if !p.offer([]byte{byte(i)}, DropOldest) {
			t.Fatalf("DropOldest must always queue the newest message")
		}
	}

	if p.drops.Load() != 2 {
		t.Errorf("Expected 2 drops, got %d", p.drops.Load())
	}
	for want := 2; want < 5; want++ {
		if got := (<-p.queue)[0]; int(got) != want {
			t.Errorf("Expected %d, got %d", want, got)
		}
	}
}

// TestSlowSubscriberNeverStallsPublisher connects a subscriber that never
// reads. Once the socket buffers fill, Publish must keep returning at once
// and the overflow must show up as drops.
func TestSlowSubscriberNeverStallsPublisher(t *testing.T) {
	pub, _ := startPair(t, WithHighWaterMark(4))

	msg := make([]byte, 1<<20)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			pub.Publish(msg)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	st := pub.Stats()
	if st.Published != 200 {
		t.Errorf("Expected 200 published, got %d", st.Published)
	}
	if len(st.Subscribers) != 1 {
		t.Fatalf("Expected 1 subscriber in stats, got %d", len(st.Subscribers))
	}
	s := st.Subscribers[0]
	if s.Dropped == 0 {
		t.Errorf("Expected drops for a subscriber that never reads, stats %+v", s)
	}
	if s.Queued > 4 {
		t.Errorf("Queue exceeded high-water mark: %d", s.Queued)
	}
}

func TestReceiveHonoursContext(t *testing.T) {
	_, sub := startPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := sub.Receive(ctx); err == nil {
		t.Fatal("Expected an error when nothing is published")
	}
	if time.Since(start) > time.Second {
		t.Errorf("Receive ignored context cancellation")
	}
}

func TestDialFailsWithoutPublisher(t *testing.T) {
	_, err := Dial(context.Background(), "tcp://127.0.0.1:1",
		WithConnectTimeout(200*time.Millisecond),
		WithRetryInterval(20*time.Millisecond),
		WithLogger(quietLogger()))
	if err == nil {
		t.Fatal("Expected Dial to fail when nothing listens")
	}
}

func TestSubscriberReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub, err := Listen(ctx, "tcp://127.0.0.1:0", WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	addr := pub.Addr().String()

	sub, err := Dial(ctx, addr, WithLogger(quietLogger()), WithRetryInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	pub.Close()

	pub2, err := Listen(ctx, "tcp://"+addr, WithLogger(quietLogger()))
	if err != nil {
		t.Skipf("Could not rebind %s: %v", addr, err)
	}
	defer pub2.Close()

	// Keep publishing until the subscriber is back.
	go func() {
		for ctx.Err() == nil {
			pub2.Publish([]byte("again"))
			time.Sleep(10 * time.Millisecond)
		}
	}()

	if got := string(receiveWithin(t, sub, 3*time.Second)); got != "again" {
		t.Errorf("Expected message from new publisher, got %q", got)
	}
	if sub.Reconnects() == 0 {
		t.Errorf("Expected reconnect to be counted")
	}
}

func TestPublishAfterClose(t *testing.T) {
	pub, _ := startPair(t)
	pub.Close()
	if err := pub.Publish([]byte("x")); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestParseDropPolicy(t *testing.T) {
	for in, want := range map[string]DropPolicy{"": DropNewest, "drop-oldest": DropOldest, "Newest": DropNewest} {
		got, err := ParseDropPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseDropPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDropPolicy("random"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}
