package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dontdude/classifyd/internal/domain"
	"github.com/dontdude/classifyd/internal/platform/queue"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print finished requests as the server publishes them",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the most recent finished requests",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().Int64P("count", "n", 20, "Number of records")
}

func openFeed(cmd *cobra.Command) (*queue.RedisFeed, error) {
	addr, _ := cmd.Flags().GetString("redis-addr")
	stream, _ := cmd.Flags().GetString("stream")
	channel, _ := cmd.Flags().GetString("channel")
	return queue.NewRedisFeed(cmd.Context(), addr, stream, channel, 0)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	feed, err := openFeed(cmd)
	if err != nil {
		return err
	}
	defer feed.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records, err := feed.Subscribe(ctx)
	if err != nil {
		return err
	}
	for rec := range records {
		if err := printRecord(rec); err != nil {
			return err
		}
	}
	return nil
}

func runHistory(cmd *cobra.Command, _ []string) error {
	n, _ := cmd.Flags().GetInt64("count")

	feed, err := openFeed(cmd)
	if err != nil {
		return err
	}
	defer feed.Close()

	records, err := feed.Recent(cmd.Context(), n)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := printRecord(rec); err != nil {
			return err
		}
	}
	return nil
}

// printRecord writes one record per line as JSON.
func printRecord(rec domain.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = fmt.Println(string(data))
	return err
}
