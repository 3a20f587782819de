// Package cmd implements the latentd command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/YTianZHU/unilm/checkpoint"
	"github.com/YTianZHU/unilm/envconfig"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "latentd",
		Short: "Latent diffusion trainer",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		trainCmd(),
		inspectCmd(),
	)

	return rootCmd
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [OUTPUT_DIR]",
		Args:  cobra.MaximumNArgs(1),
		Short: "List checkpoints in an output directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			outputDir := envconfig.OutputDir
			if len(args) > 0 {
				outputDir = args[0]
			}
			if outputDir == "" {
				return fmt.Errorf("no output directory given and LATENTD_OUTPUT unset")
			}

			paths, err := checkpoint.List(outputDir)
			if err != nil {
				return err
			}
			latest, err := checkpoint.Resolve(outputDir, "")
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"STEP", "PATH", "SCALE", "BIAS", "EMA STEPS", "LATEST"})
			table.SetBorder(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetColumnSeparator("")
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")

			for _, path := range paths {
				record, err := checkpoint.Load(path)
				if err != nil {
					return fmt.Errorf("reading %s: %w", path, err)
				}

				emaSteps := "-"
				if record.State.EMA != nil {
					emaSteps = fmt.Sprintf("%d", record.State.EMA.Count)
				}
				marker := ""
				if path == latest {
					marker = "*"
				}
				table.Append([]string{
					fmt.Sprintf("%d", record.State.Steps),
					path,
					fmt.Sprintf("%.6f", record.State.ScalingFactor),
					fmt.Sprintf("%.6f", record.State.BiasFactor),
					emaSteps,
					marker,
				})
			}
			table.Render()
			return nil
		},
	}
	return cmd
}
