package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/featurepipe/internal/bus"
	"github.com/andresmejia3/featurepipe/internal/imageio"
	"github.com/andresmejia3/featurepipe/internal/pipeline"
	"github.com/andresmejia3/featurepipe/internal/utils"
	"github.com/spf13/cobra"
)

// ProduceOptions holds the producer's flags
type ProduceOptions struct {
	Bind      string
	Interval  time.Duration
	MaxCycles int
	Progress  bool
}

var produceOpts ProduceOptions

var produceCmd = &cobra.Command{
	Use:   "produce <dir>",
	Short: "Replay every image in a directory as frames, forever",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runProduce(cmd, args[0])
	},
}

func init() {
	produceCmd.Flags().StringVar(&produceOpts.Bind, "bind", "tcp://*:5555", "Endpoint to publish frames on")
	produceCmd.Flags().DurationVarP(&produceOpts.Interval, "interval", "i", pipeline.DefaultInterval, "Pause after every file")
	produceCmd.Flags().IntVar(&produceOpts.MaxCycles, "max-cycles", 0, "Stop after this many passes over the directory (0 = never)")
	produceCmd.Flags().BoolVarP(&produceOpts.Progress, "progress", "p", false, "Draw a per-cycle progress bar on stderr")
	rootCmd.AddCommand(produceCmd)
}

func runProduce(cmd *cobra.Command, dir string) {
	ctx := cmd.Context()
	log := stageLogger("producer")

	bind := flagOr(cmd, "bind", produceOpts.Bind, cfg.Producer.Bind)
	interval := flagOr(cmd, "interval", produceOpts.Interval, cfg.Producer.Interval)
	if interval < 0 {
		utils.Die("Invalid interval", fmt.Errorf("must be >= 0, got %s", interval), nil)
	}
	if produceOpts.MaxCycles < 0 {
		utils.Die("Invalid max-cycles", fmt.Errorf("must be >= 0, got %d", produceOpts.MaxCycles), nil)
	}

	// Enumerate before binding so an empty directory never opens a port
	paths, err := utils.ListImages(dir)
	if err != nil {
		utils.Die("Input path is not an existing directory", err, nil)
	}
	if len(paths) == 0 {
		utils.Die(fmt.Sprintf("No image files in %s", dir), pipeline.ErrNoImages, nil)
	}

	pub, err := bus.Listen(ctx, bind, busOptions(log)...)
	if err != nil {
		utils.Die("Failed to bind frame channel", err, nil)
	}
	defer pub.Close()
	log.Info("Publishing frames", "endpoint", pub.Addr().String(), "files", len(paths), "interval", interval)

	var progress io.Writer
	if produceOpts.Progress {
		progress = os.Stderr
	}
	p := &pipeline.Producer{
		Paths:     paths,
		Decoder:   imageio.FileDecoder{},
		Out:       pub,
		Interval:  interval,
		MaxCycles: produceOpts.MaxCycles,
		Progress:  progress,
		Logger:    log,
	}
	startStatus(ctx, "producer", log, func() any {
		return map[string]any{"items": p.Stats.Snapshot(), "bus": pub.Stats()}
	})

	if err := p.Run(ctx); err != nil && !pipeline.IsShutdown(err) {
		utils.Die("Producer stopped", err, nil)
	}
	log.Info("Producer finished", "sent", p.Stats.Processed.Load(), "skipped", p.Stats.Skipped.Load())
}
