// Command kmemsim drives the kmem allocator with synthetic workloads
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shenjiangwei/kmem/kmem"
)

var (
	// Global flags
	logLevel string
	jsonOut  bool
)

var rootCmd = &cobra.Command{
	Use:   "kmemsim",
	Short: "Exercise the kmem page and object allocator",
	Long: `kmemsim builds a synthetic physical memory map, initializes the kmem
allocator over it and either runs concurrent allocation churn against it or
serves it over RPC.`,
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		kmem.SetLogLevel(level)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "error", "Log level: none, fatal, error, info, debug")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func parseLogLevel(s string) (kmem.LogLevel, error) {
	switch strings.ToLower(s) {
	case "none":
		return kmem.LogLevelNone, nil
	case "fatal":
		return kmem.LogLevelFatal, nil
	case "error":
		return kmem.LogLevelError, nil
	case "info":
		return kmem.LogLevelInfo, nil
	case "debug":
		return kmem.LogLevelDebug, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// printJSON outputs data as JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
