package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"hopnet/internal/paths"
	"hopnet/internal/storage/topobolt"
)

func newTopologyCmd(c *cli) *cobra.Command {
	var (
		nodeID int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Print the topology a node has persisted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id := c.cfg.Node.ID
			if cmd.Flags().Changed("node") {
				id = nodeID
			}
			return runTopology(c, id, asJSON, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&nodeID, "node", 0, "node whose database to read (default: node.id)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func runTopology(c *cli, id int, asJSON bool, out io.Writer) error {
	if id < 0 || id > 255 {
		return fmt.Errorf("topology: %d is not a node id", id)
	}
	dir, err := c.storeDir()
	if err != nil {
		return err
	}
	path := paths.TopologyFile(dir, uint8(id))
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("topology: nothing stored for node %d: %w", id, err)
	}
	store, err := topobolt.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.LoadTopology()
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	if at, err := store.SavedAt(); err == nil && !at.IsZero() {
		fmt.Fprintf(out, "saved %s\n", at.Local().Format(time.RFC1123))
	}
	printTopology(out, snap)
	return nil
}
