package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/featurepipe/internal/types"
	"github.com/andresmejia3/featurepipe/internal/utils"
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recently archived images",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd)
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Number of rows to show (0 = all)")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command) {
	archive := openArchive(cmd)
	defer archive.Close()

	records, err := archive.List(cmd.Context(), listLimit)
	if err != nil {
		utils.Die("Failed to list archive", err, nil)
	}
	printRecords(os.Stdout, records)
}

func printRecords(out io.Writer, records []types.LogRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No records found in archive.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tTIMESTAMP\tFILENAME\tSIZE\tKEYPOINTS")
	fmt.Fprintln(w, "--\t---------\t--------\t----\t---------")

	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%dx%d\t%d\n", r.ID, r.Timestamp, r.Filename, r.Width, r.Height, r.KeypointCount)
	}
	w.Flush()
}
