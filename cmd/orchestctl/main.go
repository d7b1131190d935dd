package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"orchestd/pkg/types"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultAddr() string {
	if v := os.Getenv("ORCHESTD_URL"); v != "" {
		return v
	}
	return "http://127.0.0.1:8090"
}

func buildRootCmd() *cobra.Command {
	var addr string
	root := &cobra.Command{
		Use:           "orchestctl",
		Short:         "Client for a running orchestd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", defaultAddr(), "Daemon base URL (defaults ORCHESTD_URL)")

	ctxFor := func() (context.Context, context.CancelFunc) {
		return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	}

	modelsCmd := &cobra.Command{Use: "models", Short: "List known models", RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := ctxFor()
		defer cancel()
		var resp struct {
			Models []types.ModelInfo `json:"models"`
		}
		if err := newClient(addr).get(ctx, "/models", &resp); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tFORMAT\tSIZE\tLOCAL")
		for _, m := range resp.Models {
			local := "-"
			if m.LocalPath != "" {
				local = "yes"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", m.ID, m.Format, m.SizeBytes, local)
		}
		return tw.Flush()
	}}

	statusCmd := &cobra.Command{Use: "status", Short: "Show daemon status", RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := ctxFor()
		defer cancel()
		var st types.StatusResponse
		if err := newClient(addr).get(ctx, "/status", &st); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}}

	var loadBackend string
	var loadFollow bool
	loadCmd := &cobra.Command{Use: "load <model>", Short: "Load a model", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := ctxFor()
		defer cancel()
		c := newClient(addr)
		if loadFollow {
			// Follow progress concurrently with the load call.
			go func() {
				_ = c.followProgress(ctx, args[0], printProgress)
			}()
		}
		if err := c.post(ctx, "/load", types.LoadRequest{Model: args[0], Backend: loadBackend}, nil); err != nil {
			return err
		}
		fmt.Printf("%s loaded\n", args[0])
		return nil
	}}
	loadCmd.Flags().StringVar(&loadBackend, "backend", "", "Pin a backend tag instead of letting scoring pick")
	loadCmd.Flags().BoolVar(&loadFollow, "follow", false, "Stream load progress while waiting")

	unloadCmd := &cobra.Command{Use: "unload <model>", Short: "Unload a model", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := ctxFor()
		defer cancel()
		if err := newClient(addr).delete(ctx, "/models/"+args[0], nil); err != nil {
			return err
		}
		fmt.Printf("%s unloaded\n", args[0])
		return nil
	}}

	var genModel string
	generateCmd := &cobra.Command{Use: "generate <prompt>", Short: "Run a generation", Args: cobra.MinimumNArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := ctxFor()
		defer cancel()
		prompt := args[0]
		var result types.GenerationResult
		req := types.GenerateRequest{Model: genModel, Prompt: prompt}
		if err := newClient(addr).post(ctx, "/generate", req, &result); err != nil {
			return err
		}
		fmt.Println(result.Text)
		if result.Usage.TotalTokens > 0 {
			fmt.Fprintf(os.Stderr, "tokens: %d prompt + %d completion = %d\n",
				result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Usage.TotalTokens)
		}
		return nil
	}}
	generateCmd.Flags().StringVar(&genModel, "model", "", "Model id (daemon default when empty)")

	progressCmd := &cobra.Command{Use: "progress <model>", Short: "Stream load progress for a model", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := ctxFor()
		defer cancel()
		return newClient(addr).followProgress(ctx, args[0], printProgress)
	}}

	root.AddCommand(modelsCmd, statusCmd, loadCmd, unloadCmd, generateCmd, progressCmd)
	return root
}

func printProgress(p types.OverallProgress) {
	if p.Active != nil {
		fmt.Printf("%6.2f%%  %s  %s\n", p.Percentage, p.Active.Stage, p.Active.Message)
		return
	}
	fmt.Printf("%6.2f%%\n", p.Percentage)
}
