// Command classifyd-probe sends items to a running classifyd and inspects its result feed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "classifyd-probe",
	Short: "Exercise a classifyd server",
	Long: `classifyd-probe sends items to a classifyd websocket endpoint and reads
the Redis result feed the server publishes finished requests to.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("server", "s", "ws://localhost:8124/", "classifyd websocket URL")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address of the result feed")
	rootCmd.PersistentFlags().String("stream", "classifyd:results", "Result stream key")
	rootCmd.PersistentFlags().String("channel", "classifyd:live", "Live result channel")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
