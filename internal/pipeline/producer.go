package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/andresmejia3/featurepipe/internal/bus"
	"github.com/andresmejia3/featurepipe/internal/imageio"
	"github.com/andresmejia3/featurepipe/internal/utils"
	"github.com/andresmejia3/featurepipe/internal/wire"
	"github.com/schollz/progressbar/v3"
)

// DefaultInterval is the pause after every file, decoded or not.
const DefaultInterval = 100 * time.Millisecond

// ErrNoImages is returned when the producer has nothing to replay.
var ErrNoImages = errors.New("no image files found")

// Producer replays a fixed list of image files onto a channel, forever.
type Producer struct {
	Paths    []string
	Decoder  imageio.Decoder
	Out      Publisher
	Interval time.Duration
	// MaxCycles stops after that many passes over Paths. 0 runs until ctx ends.
	MaxCycles int
	// Progress, when set, receives a per-cycle progress bar.
	Progress io.Writer
	Logger   *slog.Logger
	Stats    Counters

	sleep func(context.Context, time.Duration) error
}

// Run publishes every decodable file in order, then wraps around. Files that
// fail to decode or publish are skipped; only a closed publisher ends the loop.
func (p *Producer) Run(ctx context.Context) error {
	if len(p.Paths) == 0 {
		return ErrNoImages
	}
	log := orDefault(p.Logger)
	wait := p.sleep
	if wait == nil {
		wait = sleep
	}

	for cycle := 1; p.MaxCycles <= 0 || cycle <= p.MaxCycles; cycle++ {
		bar := p.newBar(cycle)
		for _, path := range p.Paths {
			if err := p.sendOne(log, path); err != nil {
				// A publisher closed by the shutdown watcher is not a failure.
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
			if bar != nil {
				bar.Add(1)
			}
			if err := wait(ctx, p.Interval); err != nil {
				return err
			}
		}
		if bar != nil {
			bar.Finish()
		}
	}
	return nil
}

func (p *Producer) sendOne(log *slog.Logger, path string) error {
	name := filepath.Base(path)
	frame, err := p.Decoder.Decode(path)
	if err != nil {
		p.Stats.Skipped.Add(1)
		log.Warn("Could not decode image, skipping", "file", name, "error", err)
		return nil
	}

	msg := wire.MarshalFrame(frame)
	if err := p.Out.Publish(msg); err != nil {
		if errors.Is(err, bus.ErrClosed) {
			return fmt.Errorf("publish %s: %w", name, err)
		}
		p.Stats.Failed.Add(1)
		log.Warn("Could not publish frame, skipping", "file", name, "kb", utils.KB(len(msg)), "error", err)
		return nil
	}
	p.Stats.Processed.Add(1)
	log.Info("Sent", "file", frame.Filename, "kb", utils.KB(len(msg)))
	return nil
}

func (p *Producer) newBar(cycle int) *progressbar.ProgressBar {
	if p.Progress == nil {
		return nil
	}
	return progressbar.NewOptions(len(p.Paths),
		progressbar.OptionSetDescription(fmt.Sprintf("📤 Cycle %d", cycle)),
		progressbar.OptionSetWriter(p.Progress),
		progressbar.OptionShowCount(),
	)
}
