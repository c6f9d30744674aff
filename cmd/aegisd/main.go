// Command aegisd runs one replica of the Aegis distributed runtime: the
// Raft consensus engine, cluster manager, event store, saga orchestrator,
// and command/query dispatchers, fronted by a peer transport and a
// client-facing API.
package main

import (
	"fmt"
	"os"

	applog "github.com/cuemby/aegis/pkg/log"
	"github.com/spf13/cobra"
)

// Exit codes
const (
	exitOK = 0
	exitConfigError = 64
	exitStorageFatal = 70
	exitUnreachablePeers = 74
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a returned error to the process exit code
// names. Commands that want a specific code return an *exitError.
func exitCodeFor(err error) int {
	var ee *exitError
	if asExitError(err, &ee) {
		return ee.code
	}
	return exitConfigError
}

// exitError lets a RunE return both a message and a specific exit code.
type exitError struct {
	code int
	err error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func asExitError(err error, target **exitError) bool {
	if ee, ok := err.(*exitError); ok {
		*target = ee
		return true
	}
	return false
}

var rootCmd = &cobra.Command{
	Use: "aegisd",
	Short: "aegisd runs a replica of the Aegis distributed application runtime",
	Long: `aegisd hosts the Raft consensus engine, cluster manager, event
store, saga orchestrator, and command/query dispatchers that make up one
replica of an Aegis cluster.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(raftCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	applog.Init(applog.Config{
		Level: applog.Level(logLevel),
		JSONOutput: logJSON,
	})
}
