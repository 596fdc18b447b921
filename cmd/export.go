package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/featurepipe/internal/types"
	"github.com/andresmejia3/featurepipe/internal/utils"
	"github.com/parquet-go/parquet-go"
	"github.com/spf13/cobra"
)

// exportRow is one archived record without its blobs.
type exportRow struct {
	ID            int64  `parquet:"id"`
	Timestamp     string `parquet:"timestamp"`
	Filename      string `parquet:"filename"`
	ImageWidth    int32  `parquet:"image_width"`
	ImageHeight   int32  `parquet:"image_height"`
	KeypointCount int32  `parquet:"keypoint_count"`
}

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export archived record metadata to a Parquet file",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runExport(cmd)
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Parquet file to write")
	exportCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command) {
	archive := openArchive(cmd)
	defer archive.Close()

	records, err := archive.List(cmd.Context(), 0)
	if err != nil {
		utils.Die("Failed to read archive", err, nil)
	}
	if err := writeParquet(exportOut, records); err != nil {
		utils.Die("Failed to write Parquet file", err, nil)
	}
	fmt.Fprintf(os.Stderr, "📦 Exported %d records to %s\n", len(records), exportOut)
}

// writeParquet stores records oldest first.
func writeParquet(path string, records []types.LogRecord) error {
	rows := make([]exportRow, len(records))
	for i, r := range records {
		rows[len(records)-1-i] = exportRow{
			ID:            r.ID,
			Timestamp:     r.Timestamp,
			Filename:      r.Filename,
			ImageWidth:    r.Width,
			ImageHeight:   r.Height,
			KeypointCount: r.KeypointCount,
		}
	}
	return parquet.WriteFile(path, rows)
}
