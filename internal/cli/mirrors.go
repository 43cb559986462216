package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"branchguard/internal/config"
	"branchguard/internal/flags"
	"branchguard/internal/mirror"
)

var (
	mirrorsRoot   string
	mirrorsFormat string
)

var mirrorsCmd = &cobra.Command{
	Use:   "mirrors",
	Short: "Inspect the local backup mirrors",
}

var mirrorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local mirrors with their last sync time and retained branches",
	Long: `List every verified mirror under the mirror root.

Retained branches are heads that disappeared upstream after the mirror was
first taken. They stay restorable with "branchguard run --mode backout".
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(verbose)
		handles, err := mirror.NewManager(mirrorsRoot, nil, nil, logger).List()
		if err != nil {
			return err
		}
		return renderMirrors(cmd.OutOrStdout(), mirrorsFormat, handles)
	},
}

func init() {
	mirrorsListCmd.Flags().StringVar(&mirrorsRoot, flags.FlagMirrorRoot, config.DefaultMirrorRoot(), "Directory holding the mirrors")
	mirrorsListCmd.Flags().StringVar(&mirrorsFormat, "format", "table", "Output format: table|json")
	mirrorsCmd.AddCommand(mirrorsListCmd)
	rootCmd.AddCommand(mirrorsCmd)
}

func renderMirrors(w io.Writer, format string, handles []mirror.Handle) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		if handles == nil {
			handles = []mirror.Handle{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(handles)
	case "table", "":
	default:
		return fmt.Errorf("unsupported --format: %s (must be one of: table, json)", format)
	}

	if len(handles) == 0 {
		_, err := fmt.Fprintln(w, "No mirrors")
		return err
	}

	heading := color.New(color.Bold)
	_, _ = heading.Fprintf(w, "%d mirror(s)\n", len(handles))

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Repository", "Last synced", "Retained", "Path"})
	for _, h := range handles {
		tw.AppendRow(table.Row{h.Repository, h.LastSyncedAt.UTC().Format(time.RFC3339), retainedList(h.Retained), h.LocalPath})
	}
	tw.Render()
	return nil
}

func retainedList(retained map[string]string) string {
	if len(retained) == 0 {
		return "-"
	}
	names := make([]string, 0, len(retained))
	for b := range retained {
		names = append(names, b)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
