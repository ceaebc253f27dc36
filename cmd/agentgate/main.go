// Package main provides the agentgate debug CLI.
//
// agentgate is the execution core library for agent runtimes; this binary
// exposes a few of its calculations for inspection from the shell:
//
//	agentgate estimate --file out.txt --encoding cl100k_base
//	agentgate mode --file out.txt --window 200000 --max-output 8192
//	agentgate pricing check prices.yaml
package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentgate/internal/accounting"
	"github.com/haasonsaas/agentgate/internal/extract"
	"github.com/haasonsaas/agentgate/internal/tokens"
	"github.com/haasonsaas/agentgate/pkg/models"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "agentgate",
		Short:   "Inspect agentgate token, budget, and extraction calculations",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}
	rootCmd.AddCommand(
		buildEstimateCmd(),
		buildModeCmd(),
		buildPricingCmd(),
	)
	return rootCmd
}

func buildEstimateCmd() *cobra.Command {
	var file, encoding string
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate the token count of a file or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(file)
			if err != nil {
				return err
			}
			est := tokens.NewEstimator([]models.TargetContextConfig{{TokenizerID: encoding}})
			fmt.Printf("bytes:  %d\ntokens: %d\n", len(content), est.EstimateText(content))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Input file (default: stdin)")
	cmd.Flags().StringVar(&encoding, "encoding", tokens.DefaultEncoding, "Tokenizer encoding")
	return cmd
}

func buildModeCmd() *cobra.Command {
	var file string
	var window, buffer, maxOutput, maxChunks int
	cmd := &cobra.Command{
		Use:   "mode",
		Short: "Show which extraction mode auto-selection would pick for a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(file)
			if err != nil {
				return err
			}
			target := models.TargetContextConfig{
				Provider:        "inspect",
				Model:           "inspect",
				ContextWindow:   window,
				BufferTokens:    buffer,
				MaxOutputTokens: maxOutput,
			}
			e := extract.New(extract.Config{Target: target, MaxChunks: maxChunks})
			fmt.Println(e.SelectMode(content))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Input file (default: stdin)")
	cmd.Flags().IntVar(&window, "window", 200000, "Target context window in tokens")
	cmd.Flags().IntVar(&buffer, "buffer", 8192, "Safety buffer in tokens")
	cmd.Flags().IntVar(&maxOutput, "max-output", 8192, "Max output tokens")
	cmd.Flags().IntVar(&maxChunks, "max-chunks", 4, "Chunk cap before read-grep takes over")
	return cmd
}

func buildPricingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Work with pricing tables",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Parse a pricing YAML file and list the models it covers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pricing, err := accounting.LoadPricing(args[0])
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(pricing))
			for k := range pricing {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Println(k)
			}
			fmt.Printf("%d models\n", len(keys))
			return nil
		},
	})
	return cmd
}

func readInput(file string) (string, error) {
	if file == "" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(file)
	return string(data), err
}
