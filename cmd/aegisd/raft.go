package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var raftCmd = &cobra.Command{
	Use:   "raft",
	Short: "Inspect the Raft consensus engine of a running node",
}

var raftStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report a running node's Raft role, term, and log indices",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("api-addr")
		resp, err := fetchClusterStatus(cmd.Context(), addr)
		if err != nil {
			return &exitError{code: exitUnreachablePeers, err: err}
		}
		fmt.Printf("%-8s %-10s %-6s %-13s %-13s %s\n", "NODE", "STATE", "TERM", "COMMIT", "APPLIED", "LEADER")
		fmt.Printf("%-8s %-10s %-6d %-13d %-13d %s\n",
			resp.NodeID, resp.State, resp.Term, resp.CommitIndex, resp.LastApplied, resp.LeaderID)
		return nil
	},
}

func init() {
	raftStatusCmd.Flags().String("api-addr", "127.0.0.1:8081", "Node's client API address")
	raftCmd.AddCommand(raftStatusCmd)
}
