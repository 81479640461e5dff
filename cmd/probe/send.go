package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dontdude/classifyd/internal/domain"
	"github.com/dontdude/classifyd/internal/platform/web"
)

var sendCmd = &cobra.Command{
	Use:   "send ITEM...",
	Short: "Classify items, one connection per item",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().String("classifier", "", "Classifier id (server default when empty)")
	sendCmd.Flags().IntP("concurrency", "n", 4, "Items in flight at once")
	sendCmd.Flags().Duration("timeout", 3*time.Minute, "Overall deadline")
}

func runSend(cmd *cobra.Command, items []string) error {
	server, _ := cmd.Flags().GetString("server")
	classifierID, _ := cmd.Flags().GetString("classifier")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client := web.NewClient(server)
	envelopes := make([]domain.Envelope, len(items))
	latencies := make([]time.Duration, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, item := range items {
		g.Go(func() error {
			start := time.Now()
			env, err := client.Predict(gctx, classifierID, item)
			if err != nil {
				return fmt.Errorf("%q: %w", item, err)
			}
			envelopes[i] = env
			latencies[i] = time.Since(start)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tSTATUS\tRESULT\tLATENCY")
	for i, item := range items {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", item, envelopes[i].Status, envelopes[i].Result, latencies[i].Round(time.Millisecond))
	}
	return tw.Flush()
}
