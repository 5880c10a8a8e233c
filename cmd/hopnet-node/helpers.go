package main

import (
	"fmt"
	"io"
	"strings"

	"hopnet/internal/packet"
	"hopnet/internal/topology"
)

const (
	ansiReset = "\033[0m"
	ansiDim   = "\033[2m"
)

var typeColors = map[packet.NodeType]string{
	packet.Client: "\033[36m", // cyan
	packet.Drone:  "\033[33m", // yellow
	packet.Server: "\033[35m", // magenta
}

func formatNode(id packet.NodeID, typ packet.NodeType, known bool) string {
	if !known {
		return fmt.Sprintf("%s%d?%s", ansiDim, id, ansiReset)
	}
	return fmt.Sprintf("%s%d%s", typeColors[typ], id, ansiReset)
}

func formatRoute(route []packet.NodeID) string {
	parts := make([]string, len(route))
	for i, id := range route {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, " -> ")
}

// printTopology writes the nodes by role followed by the edge list.
func printTopology(w io.Writer, snap topology.Snapshot) {
	types := make(map[packet.NodeID]packet.NodeType, len(snap.Nodes))
	for _, n := range snap.Nodes {
		types[n.ID] = n.Type
	}
	fmt.Fprintln(w, "== Nodes ==")
	for _, n := range snap.Nodes {
		fmt.Fprintf(w, "  %s\t%s\n", formatNode(n.ID, n.Type, true), n.Type)
	}
	for _, id := range snap.Untyped {
		fmt.Fprintf(w, "  %s\tunknown\n", formatNode(id, 0, false))
	}
	fmt.Fprintln(w, "== Edges ==")
	for _, e := range snap.Edges {
		ta, okA := types[e.A]
		tb, okB := types[e.B]
		fmt.Fprintf(w, "  %s - %s\n", formatNode(e.A, ta, okA), formatNode(e.B, tb, okB))
	}
}
