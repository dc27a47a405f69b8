// Command overlordd runs a single replica of the consensus core: it
// loads a node's home directory, wires every collaborator package
// together over a libp2p transport, and drives the event loop until
// signaled to stop.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Set via -ldflags at build time.
var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "overlordd",
		Short: "Overlord consensus node",
		Long:  "A BFT state machine replication replica: BLS-quorum voting, PoLC locking, WAL-backed crash recovery.",
	}

	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("overlordd v%s (%s)\n", version, commit)
		},
	}
}

// defaultHome returns the default node home directory.
func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".overlordd"
	}
	return filepath.Join(home, ".overlordd")
}
