package cmd

import (
	"github.com/andresmejia3/featurepipe/internal/bus"
	"github.com/andresmejia3/featurepipe/internal/pipeline"
	"github.com/andresmejia3/featurepipe/internal/store"
	"github.com/andresmejia3/featurepipe/internal/utils"
	"github.com/spf13/cobra"
)

// PersistOptions holds the persister's flags
type PersistOptions struct {
	In               string
	ArchiveKeypoints bool
}

var persistOpts PersistOptions

var persistCmd = &cobra.Command{
	Use:   "persist",
	Short: "Archive every feature payload as one database row",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runPersist(cmd)
	},
}

func init() {
	persistCmd.Flags().StringVar(&persistOpts.In, "in", "tcp://localhost:5556", "Feature channel to subscribe to")
	persistCmd.Flags().BoolVar(&persistOpts.ArchiveKeypoints, "archive-keypoints", false, "Also store the serialized keypoint list in keypoints_blob")
	rootCmd.AddCommand(persistCmd)
}

func runPersist(cmd *cobra.Command) {
	ctx := cmd.Context()
	log := stageLogger("persister")

	in := flagOr(cmd, "in", persistOpts.In, cfg.Persister.In)
	archiveKeypoints := flagOr(cmd, "archive-keypoints", persistOpts.ArchiveKeypoints, cfg.Persister.ArchiveKeypoints)

	sub, err := bus.Dial(ctx, in, busOptions(log)...)
	if err != nil {
		utils.Die("Failed to connect to feature channel", err, nil)
	}
	defer sub.Close()

	archive := openArchive(cmd)
	defer archive.Close()

	p := &pipeline.Persister{In: sub, Store: archive, ArchiveKeypoints: archiveKeypoints, Logger: log}
	log.Info("Persisting", "in", in, "backend", backendName(cfg.Persister.DB), "archive_keypoints", archiveKeypoints)
	startStatus(ctx, "persister", log, func() any {
		return map[string]any{"items": p.Stats.Snapshot(), "received": sub.Received(), "reconnects": sub.Reconnects()}
	})

	if err := p.Run(ctx); err != nil && !pipeline.IsShutdown(err) {
		utils.Die("Persister stopped", err, nil)
	}
}

// backendName avoids logging credentials embedded in a DSN.
func backendName(dsn string) string {
	if store.IsPostgres(dsn) {
		return "postgres"
	}
	return "sqlite:" + dsn
}

// openArchive is shared by the operational commands.
func openArchive(cmd *cobra.Command) store.Archive {
	archive, err := store.Open(cmd.Context(), cfg.Persister.DB)
	if err != nil {
		utils.Die("Failed to open archive", err, nil)
	}
	return archive
}
