package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/andresmejia3/featurepipe/internal/features"
	"github.com/andresmejia3/featurepipe/internal/types"
	"github.com/andresmejia3/featurepipe/internal/wire"
)

// Extractor turns frames into feature payloads.
type Extractor struct {
	In       Receiver
	Out      Publisher
	Detector features.Detector
	Logger   *slog.Logger
	Stats    Counters
}

// Run processes messages until ctx ends or the input fails.
func (e *Extractor) Run(ctx context.Context) error {
	log := orDefault(e.Logger)
	return receiveLoop(ctx, e.In, &e.Stats, func(msg []byte) {
		payload, err := e.Process(msg)
		if err != nil {
			e.Stats.Failed.Add(1)
			log.Warn("Dropping frame", "file", payload.Frame.Filename, "error", err)
			return
		}
		if err := e.Out.Publish(wire.MarshalPayload(payload)); err != nil {
			e.Stats.Failed.Add(1)
			log.Error("Publish failed", "file", payload.Frame.Filename, "error", err)
			return
		}
		e.Stats.Processed.Add(1)
		log.Info("Processed", "file", payload.Frame.Filename, "features", len(payload.Keypoints))
	})
}

// Process decodes one frame message and runs the detector on it. On error the
// returned payload carries whatever frame metadata was decoded.
func (e *Extractor) Process(msg []byte) (types.FeaturePayload, error) {
	frame, err := wire.UnmarshalFrame(msg)
	if err != nil {
		return types.FeaturePayload{}, fmt.Errorf("decode frame: %w", err)
	}
	payload := types.FeaturePayload{Frame: frame}

	m, err := features.FromFrame(frame)
	if err != nil {
		return payload, err
	}
	if m.Empty() {
		return payload, features.ErrEmptyImage
	}

	kps, err := e.Detector.Detect(m)
	if err != nil {
		return payload, fmt.Errorf("detect: %w", err)
	}
	payload.Keypoints = kps
	return payload, nil
}
