package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/mikeyg42/mecam/internal/recorder/storage"
)

func newArtifactsCommand(ctx *commandContext) *cobra.Command {
	var (
		limit  int
		since  time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "List recorded events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			index, err := storage.OpenIndex(cmd.Context(), provider.Current().Storage.Index, logger)
			if err != nil {
				return err
			}
			defer index.Close()

			q := storage.ArtifactQuery{Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			list, err := index.List(cmd.Context(), q)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "No recordings.")
				return nil
			}
			fmt.Fprintln(out, renderArtifacts(list))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of artifacts")
	cmd.Flags().DurationVar(&since, "since", 0, "Only artifacts that ended within this long ago (e.g. 24h)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func renderArtifacts(list []storage.Artifact) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Ended", "Duration", "Frames", "Size", "Encrypted", "Path"})
	for _, a := range list {
		tw.AppendRow(table.Row{
			a.EndedAt.Local().Format("2006-01-02 15:04:05"),
			a.Duration().Round(time.Second).String(),
			strconv.Itoa(a.Frames),
			humanBytes(a.SizeBytes),
			strconv.FormatBool(a.Encrypted),
			a.Path,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
	})
	return tw.Render()
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
