package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/featurepipe/internal/bus"
	"github.com/andresmejia3/featurepipe/internal/features"
	"github.com/andresmejia3/featurepipe/internal/types"
	"github.com/andresmejia3/featurepipe/internal/wire"
)

var errDrained = errors.New("drained")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs [][]byte
	err  error
}

func (f *fakePublisher) Publish(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

// sliceReceiver hands out msgs in order, then fails with errDrained.
type sliceReceiver struct {
	msgs [][]byte
}

func (s *sliceReceiver) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.msgs) == 0 {
		return nil, errDrained
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

type fakeDecoder map[string]types.Frame

func (d fakeDecoder) Decode(path string) (types.Frame, error) {
	f, ok := d[filepath.Base(path)]
	if !ok {
		return types.Frame{}, errors.New("not an image")
	}
	return f, nil
}

func frame(name string, w, h uint32) types.Frame {
	return types.Frame{
		Width:     w,
		Height:    h,
		Channels:  3,
		PixelType: types.PixelType8UC3,
		Filename:  name,
		Pixels:    make([]byte, int(w*h*3)),
	}
}

// countingDetector reports one keypoint per column.
var countingDetector = features.DetectorFunc(func(m features.Mat) ([]types.Keypoint, error) {
	kps := make([]types.Keypoint, m.Cols)
	for i := range kps {
		kps[i] = types.Keypoint{X: float32(i), ClassID: -1}
	}
	return kps, nil
})

func publishedNames(t *testing.T, msgs [][]byte) []string {
	t.Helper()
	var names []string
	for _, m := range msgs {
		f, err := wire.UnmarshalFrame(m)
		if err != nil {
			t.Fatalf("Published message does not decode: %v", err)
		}
		names = append(names, f.Filename)
	}
	return names
}

func TestProducerCyclesAndSkips(t *testing.T) {
	pub := &fakePublisher{}
	sleeps := 0
	p := &Producer{
		Paths: []string{"/in/a.jpg", "/in/corrupt.bmp", "/in/b.png"},
		Decoder: fakeDecoder{
			"a.jpg": frame("a.jpg", 2, 2),
			"b.png": frame("b.png", 3, 1),
		},
		Out:       pub,
		MaxCycles: 3,
		Logger:    quietLogger(),
		sleep: func(context.Context, time.Duration) error {
			sleeps++
			return nil
		},
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := strings.Join(publishedNames(t, pub.msgs), ",")
	want := "a.jpg,b.png,a.jpg,b.png,a.jpg,b.png"
	if got != want {
		t.Errorf("Expected sequence %s, got %s", want, got)
	}
	// The delay applies after every file, decoded or not.
	if sleeps != 9 {
		t.Errorf("Expected 9 sleeps, got %d", sleeps)
	}
	snap := p.Stats.Snapshot()
	if snap.Processed != 6 || snap.Skipped != 3 {
		t.Errorf("Unexpected counters %+v", snap)
	}
}

func TestProducerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pub := &fakePublisher{}
	p := &Producer{
		Paths:   []string{"a.jpg"},
		Decoder: fakeDecoder{"a.jpg": frame("a.jpg", 1, 1)},
		Out:     pub,
		Logger:  quietLogger(),
		sleep: func(ctx context.Context, _ time.Duration) error {
			if len(pub.msgs) == 5 {
				cancel()
			}
			return ctx.Err()
		},
	}

	err := p.Run(ctx)
	if !IsShutdown(err) {
		t.Fatalf("Expected a shutdown error, got %v", err)
	}
	if len(pub.msgs) != 5 {
		t.Errorf("Expected 5 messages before cancel, got %d", len(pub.msgs))
	}
}

// sizeLimitPublisher rejects messages above max like a bus with a small message limit.
type sizeLimitPublisher struct {
	fakePublisher
	max int
}

func (s *sizeLimitPublisher) Publish(msg []byte) error {
	if len(msg) > s.max {
		return fmt.Errorf("%w: %d bytes", bus.ErrMessageTooLarge, len(msg))
	}
	return s.fakePublisher.Publish(msg)
}

func TestProducerErrors(t *testing.T) {
	p := &Producer{Logger: quietLogger()}
	if err := p.Run(context.Background()); !errors.Is(err, ErrNoImages) {
		t.Errorf("Expected ErrNoImages, got %v", err)
	}

	p = &Producer{
		Paths:   []string{"a.jpg"},
		Decoder: fakeDecoder{"a.jpg": frame("a.jpg", 1, 1)},
		Out:     &fakePublisher{err: bus.ErrClosed},
		Logger:  quietLogger(),
	}
	if err := p.Run(context.Background()); !errors.Is(err, bus.ErrClosed) {
		t.Errorf("Expected a closed publisher to end the loop, got %v", err)
	}
}

func TestProducerSkipsUnpublishableFrame(t *testing.T) {
	out := &sizeLimitPublisher{max: 200}
	sleeps := 0
	p := &Producer{
		Paths: []string{"big.png", "small.png"},
		Decoder: fakeDecoder{
			"big.png":   frame("big.png", 20, 20),
			"small.png": frame("small.png", 2, 2),
		},
		Out:       out,
		MaxCycles: 2,
		Logger:    quietLogger(),
		sleep: func(context.Context, time.Duration) error {
			sleeps++
			return nil
		},
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Expected the oversized frame to be skipped, got %v", err)
	}

	if len(out.msgs) != 2 {
		t.Fatalf("Expected small.png once per cycle, got %d messages", len(out.msgs))
	}
	for _, msg := range out.msgs {
		f, err := wire.UnmarshalFrame(msg)
		if err != nil {
			t.Fatal(err)
		}
		if f.Filename != "small.png" {
			t.Errorf("Expected small.png, got %s", f.Filename)
		}
	}
	if snap := p.Stats.Snapshot(); snap.Failed != 2 || snap.Processed != 2 {
		t.Errorf("Expected 2 failed and 2 processed, got %+v", snap)
	}
	if sleeps != 4 {
		t.Errorf("Expected a pause after every file, got %d", sleeps)
	}
}

func TestProducerClosedDuringShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Producer{
		Paths:   []string{"a.jpg"},
		Decoder: fakeDecoder{"a.jpg": frame("a.jpg", 1, 1)},
		Out:     &fakePublisher{err: bus.ErrClosed},
		Logger:  quietLogger(),
	}
	cancel()

	err := p.Run(ctx)
	if !IsShutdown(err) {
		t.Errorf("Expected a shutdown error, got %v", err)
	}
}

func TestProducerSleepDefault(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if err := sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}

func TestExtractor(t *testing.T) {
	short := frame("short.png", 4, 4)
	short.Pixels = short.Pixels[:10]

	in := &sliceReceiver{msgs: [][]byte{
		wire.MarshalFrame(frame("a.jpg", 3, 2)),
		{0xff, 0xff, 0xff},
		wire.MarshalFrame(short),
		wire.MarshalFrame(frame("blank.png", 1, 1)),
	}}
	out := &fakePublisher{}
	e := &Extractor{In: in, Out: out, Detector: countingDetector, Logger: quietLogger()}

	if err := e.Run(context.Background()); !errors.Is(err, errDrained) {
		t.Fatalf("Expected the receiver error, got %v", err)
	}

	if len(out.msgs) != 2 {
		t.Fatalf("Expected 2 payloads, got %d", len(out.msgs))
	}
	first, err := wire.UnmarshalPayload(out.msgs[0])
	if err != nil {
		t.Fatal(err)
	}
	if first.Frame.Filename != "a.jpg" || len(first.Keypoints) != 3 {
		t.Errorf("Unexpected payload %s with %d keypoints", first.Frame.Filename, len(first.Keypoints))
	}
	for i, kp := range first.Keypoints {
		if kp.X != float32(i) {
			t.Errorf("Keypoint %d out of order: %+v", i, kp)
		}
	}
	if len(first.Frame.Pixels) != 3*2*3 {
		t.Errorf("Expected the original pixels to be embedded, got %d bytes", len(first.Frame.Pixels))
	}

	snap := e.Stats.Snapshot()
	if snap.Received != 4 || snap.Processed != 2 || snap.Failed != 2 {
		t.Errorf("Unexpected counters %+v", snap)
	}
}

func TestExtractorZeroKeypoints(t *testing.T) {
	none := features.DetectorFunc(func(features.Mat) ([]types.Keypoint, error) { return nil, nil })
	in := &sliceReceiver{msgs: [][]byte{wire.MarshalFrame(frame("blank.png", 8, 8))}}
	out := &fakePublisher{}
	e := &Extractor{In: in, Out: out, Detector: none, Logger: quietLogger()}
	e.Run(context.Background())

	if len(out.msgs) != 1 {
		t.Fatalf("Expected a payload for a featureless frame, got %d", len(out.msgs))
	}
	p, err := wire.UnmarshalPayload(out.msgs[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Keypoints) != 0 || p.Frame.Filename != "blank.png" {
		t.Errorf("Unexpected payload %+v", p)
	}
}

func TestExtractorDetectorFailure(t *testing.T) {
	failing := features.DetectorFunc(func(features.Mat) ([]types.Keypoint, error) {
		return nil, errors.New("boom")
	})
	e := &Extractor{Detector: failing}
	p, err := e.Process(wire.MarshalFrame(frame("x.png", 2, 2)))
	if err == nil {
		t.Fatal("Expected detector error")
	}
	if p.Frame.Filename != "x.png" {
		t.Errorf("Expected frame metadata on error, got %q", p.Frame.Filename)
	}
}

type fakeStore struct {
	mu     sync.Mutex
	rows   []types.LogRecord
	failOn string
}

func (f *fakeStore) Insert(_ context.Context, rec types.LogRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.Filename == f.failOn {
		return 0, errors.New("disk I/O error")
	}
	f.rows = append(f.rows, rec)
	return int64(len(f.rows)), nil
}

func payload(name string, n int) []byte {
	p := types.FeaturePayload{Frame: frame(name, 2, 2)}
	for i := 0; i < n; i++ {
		p.Keypoints = append(p.Keypoints, types.Keypoint{X: float32(i), Size: 1.6, ClassID: -1})
	}
	return wire.MarshalPayload(p)
}

func TestPersister(t *testing.T) {
	st := &fakeStore{failOn: "bad.png"}
	in := &sliceReceiver{msgs: [][]byte{
		payload("a.jpg", 3),
		[]byte("not a payload\xff"),
		payload("bad.png", 1),
		payload("blank.png", 0),
	}}
	fixed := time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local)
	p := &Persister{In: in, Store: st, Logger: quietLogger(), now: func() time.Time { return fixed }}

	if err := p.Run(context.Background()); !errors.Is(err, errDrained) {
		t.Fatalf("Expected the receiver error, got %v", err)
	}

	if len(st.rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(st.rows))
	}
	tests := []struct {
		name string
		kps  int32
	}{
		{"a.jpg", 3},
		{"blank.png", 0},
	}
	for i, tt := range tests {
		row := st.rows[i]
		if row.Filename != tt.name || row.KeypointCount != tt.kps {
			t.Errorf("Row %d: expected %s/%d, got %s/%d", i, tt.name, tt.kps, row.Filename, row.KeypointCount)
		}
		if row.Timestamp != "2024-05-06 07:08:09" {
			t.Errorf("Row %d: unexpected timestamp %q", i, row.Timestamp)
		}
		if row.Width != 2 || row.Height != 2 || len(row.ImageData) != 12 {
			t.Errorf("Row %d: unexpected image fields %+v", i, row)
		}
		if row.KeypointsBlob != nil {
			t.Errorf("Row %d: keypoints archived without being asked", i)
		}
	}

	snap := p.Stats.Snapshot()
	if snap.Received != 4 || snap.Processed != 2 || snap.Skipped != 1 || snap.Failed != 1 {
		t.Errorf("Unexpected counters %+v", snap)
	}
}

func TestPersisterArchivesKeypoints(t *testing.T) {
	st := &fakeStore{}
	p := &Persister{Store: st, ArchiveKeypoints: true}

	src, _ := wire.UnmarshalPayload(payload("k.png", 2))
	if _, err := p.Persist(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	kps, err := wire.UnmarshalKeypoints(st.rows[0].KeypointsBlob)
	if err != nil {
		t.Fatalf("Archived keypoints do not decode: %v", err)
	}
	if len(kps) != 2 || kps[1].X != 1 {
		t.Errorf("Unexpected archived keypoints %+v", kps)
	}
}
