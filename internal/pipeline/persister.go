package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/andresmejia3/featurepipe/internal/types"
	"github.com/andresmejia3/featurepipe/internal/utils"
	"github.com/andresmejia3/featurepipe/internal/wire"
)

// Inserter is the slice of store.Archive the persister needs.
type Inserter interface {
	Insert(ctx context.Context, rec types.LogRecord) (int64, error)
}

// Persister archives one record per feature payload. Inserts are attempted once.
type Persister struct {
	In    Receiver
	Store Inserter
	// ArchiveKeypoints also stores the serialized keypoint list.
	ArchiveKeypoints bool
	Logger           *slog.Logger
	Stats            Counters

	now func() time.Time
}

// Run persists messages until ctx ends or the input fails.
func (p *Persister) Run(ctx context.Context) error {
	log := orDefault(p.Logger)
	return receiveLoop(ctx, p.In, &p.Stats, func(msg []byte) {
		payload, err := wire.UnmarshalPayload(msg)
		if err != nil {
			p.Stats.Skipped.Add(1)
			log.Warn("Dropping malformed payload", "bytes", len(msg), "error", err)
			return
		}

		id, err := p.Persist(ctx, payload)
		if err != nil {
			p.Stats.Failed.Add(1)
			log.Error("Insert failed", "file", payload.Frame.Filename, "error", err)
			return
		}
		p.Stats.Processed.Add(1)
		log.Info("Saved", "file", payload.Frame.Filename, "keypoints", len(payload.Keypoints), "id", id)
	})
}

// Persist inserts the record for one payload and returns its id.
func (p *Persister) Persist(ctx context.Context, payload types.FeaturePayload) (int64, error) {
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	rec := types.NewLogRecord(payload, utils.Timestamp(now()))
	if p.ArchiveKeypoints {
		rec.KeypointsBlob = wire.MarshalKeypoints(payload.Keypoints)
	}
	id, err := p.Store.Insert(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("archive %s: %w", payload.Frame.Filename, err)
	}
	return id, nil
}
