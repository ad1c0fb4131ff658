package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/hanzo/internal/output"
	"github.com/tanq16/hanzo/internal/tempfile"
	"github.com/tanq16/hanzo/internal/utils"
	"gopkg.in/yaml.v3"
)

func tempfileStore(settings utils.DownloadSettings) *tempfile.Store {
	return tempfile.NewStore(settings.TempDir, settings.SaveDir, settings.FallbackSaveDir)
}

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			utils.InitLogger(debug)
			data, err := os.ReadFile(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading YAML file: %v\n", err)
				os.Exit(1)
			}
			var entries []utils.DownloadEntry
			if err := yaml.Unmarshal(data, &entries); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing YAML file: %v\n", err)
				os.Exit(1)
			}
			valid := entries[:0]
			for _, entry := range entries {
				if entry.URL == "" {
					fmt.Fprintln(os.Stderr, "Warning: entry without a link, skipping...")
					continue
				}
				valid = append(valid, entry)
			}
			if len(valid) == 0 {
				fmt.Fprintln(os.Stderr, "No valid entries found in the batch file")
				os.Exit(1)
			}
			if err := runDownloads(valid); err != nil {
				output.PrintError(fmt.Sprintf("Batch failed: %v", err))
				os.Exit(1)
			}
		},
	}
	return cmd
}
