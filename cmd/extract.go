package cmd

import (
	"fmt"

	"github.com/andresmejia3/featurepipe/internal/bus"
	"github.com/andresmejia3/featurepipe/internal/features"
	"github.com/andresmejia3/featurepipe/internal/pipeline"
	"github.com/andresmejia3/featurepipe/internal/utils"
	"github.com/andresmejia3/featurepipe/internal/worker"
	"github.com/spf13/cobra"
)

// ExtractOptions holds the extractor's flags
type ExtractOptions struct {
	In          string
	Bind        string
	DetectorCmd string
	MaxFeatures int
}

var extractOpts ExtractOptions

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Detect keypoints in every received frame and republish them",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runExtract(cmd)
	},
}

func init() {
	extractCmd.Flags().StringVar(&extractOpts.In, "in", "tcp://localhost:5555", "Frame channel to subscribe to")
	extractCmd.Flags().StringVar(&extractOpts.Bind, "out", "tcp://*:5556", "Endpoint to publish feature payloads on")
	extractCmd.Flags().StringVar(&extractOpts.DetectorCmd, "detector-cmd", "", "External detector program (default: built-in difference-of-Gaussians)")
	extractCmd.Flags().IntVar(&extractOpts.MaxFeatures, "max-features", 0, "Keep only the strongest N keypoints of the built-in detector (0 = all)")
	rootCmd.AddCommand(extractCmd)
}

func runExtract(cmd *cobra.Command) {
	ctx := cmd.Context()
	log := stageLogger("extractor")

	in := flagOr(cmd, "in", extractOpts.In, cfg.Extractor.In)
	out := flagOr(cmd, "out", extractOpts.Bind, cfg.Extractor.Bind)
	detectorCmd := flagOr(cmd, "detector-cmd", extractOpts.DetectorCmd, cfg.Extractor.DetectorCmd)
	maxFeatures := flagOr(cmd, "max-features", extractOpts.MaxFeatures, cfg.Extractor.MaxFeatures)
	if maxFeatures < 0 {
		utils.Die("Invalid max-features", fmt.Errorf("must be >= 0, got %d", maxFeatures), nil)
	}

	opts := busOptions(log)
	sub, err := bus.Dial(ctx, in, opts...)
	if err != nil {
		utils.Die("Failed to connect to frame channel", err, nil)
	}
	defer sub.Close()

	pub, err := bus.Listen(ctx, out, opts...)
	if err != nil {
		utils.Die("Failed to bind feature channel", err, nil)
	}
	defer pub.Close()

	var detector features.Detector
	if detectorCmd != "" {
		pd, err := worker.NewProcessDetector(detectorCmd)
		if err != nil {
			utils.Die("Invalid detector command", err, nil)
		}
		defer pd.Close()
		detector = pd
		log.Info("Using external detector", "cmd", detectorCmd)
	} else {
		dog := features.NewDoG()
		dog.MaxFeatures = maxFeatures
		detector = dog
	}

	e := &pipeline.Extractor{In: sub, Out: pub, Detector: detector, Logger: log}
	log.Info("Extracting", "in", in, "out", pub.Addr().String())
	startStatus(ctx, "extractor", log, func() any {
		return map[string]any{"items": e.Stats.Snapshot(), "bus": pub.Stats(), "reconnects": sub.Reconnects()}
	})

	if err := e.Run(ctx); err != nil && !pipeline.IsShutdown(err) {
		utils.Die("Extractor stopped", err, nil)
	}
}
