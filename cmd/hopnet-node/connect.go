package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"hopnet/internal/node"
	"hopnet/internal/packet"
	"hopnet/internal/paths"
	"hopnet/internal/storage/topobolt"
)

func newConnectCmd(c *cli) *cobra.Command {
	var (
		persist  bool
		linkWait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Run an endpoint over TCP links and read commands from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, c, persist, linkWait, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&persist, "persist", true, "keep the learned topology in the data dir")
	cmd.Flags().DurationVar(&linkWait, "link-wait", 5*time.Second, "how long to wait for peers before the first discovery")
	return cmd
}

func runConnect(ctx context.Context, c *cli, persist bool, linkWait time.Duration, in io.Reader, out io.Writer) error {
	self := packet.Hop{ID: c.cfg.NodeID(), Type: c.cfg.NodeType()}
	log := c.log.WithFields(logrus.Fields{"node_id": self.ID, "role": self.Type})

	l, err := newLinker(c.cfg, self, log)
	if err != nil {
		return err
	}
	defer l.mesh.Close()

	ncfg := node.Config{
		ID:        self.ID,
		Type:      self.Type,
		Neighbors: neighborIDs(c),
		Transport: l.mesh,
		Logger:    c.log,
		Debug:     c.cfg.Log.Debug,
	}
	if persist {
		dir, err := c.storeDir()
		if err != nil {
			return err
		}
		store, err := topobolt.Open(paths.TopologyFile(dir, uint8(self.ID)))
		if err != nil {
			return fmt.Errorf("open topology: %w", err)
		}
		defer store.Close()
		ncfg.Topology = store
	}
	n, err := node.New(ncfg)
	if err != nil {
		return err
	}

	if err := l.start(ctx, c.cfg); err != nil {
		return err
	}
	l.waitPeers(ctx, c.cfg.Link.Peers, linkWait)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := n.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("node stopped")
			cancel()
		}
	}()
	go func() { _ = n.Maintain(ctx, c.cfg.NodePolicy()) }()

	if _, err := n.Discover(); err != nil {
		log.WithError(err).Warn("initial discovery failed")
	}

	fmt.Fprintf(out, "Node started.\n")
	fmt.Fprintf(out, "ID:\t%s\n", formatNode(self.ID, self.Type, true))
	fmt.Fprintf(out, "Run:\t%s\n\n", n.RunID())
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "\t/send <dst> <message>\t- send a message to node dst")
	fmt.Fprintln(out, "\t/route <dst>\t\t- show the current route to dst")
	fmt.Fprintln(out, "\t/discover\t\t- start a new flood")
	fmt.Fprintln(out, "\t/topology\t\t- show what has been learned")
	fmt.Fprintln(out, "\t/quit\t\t\t- exit")
	fmt.Fprintln(out)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-n.Incoming():
			fmt.Fprintf(out, "[%d] %s\n", m.From, m.Payload)
		case ev := <-n.Events():
			if ev.Type == node.EventSessionComplete {
				fmt.Fprintf(out, "%ssession %d delivered%s\n", ansiDim, ev.Session, ansiReset)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(n, line, out); quit {
				fmt.Fprintln(out, "quitting...")
				return nil
			}
		}
	}
}

// handleLine runs one stdin command and reports whether the user asked to quit.
func handleLine(n *node.Node, line string, out io.Writer) bool {
	if line == "" {
		return false
	}
	switch {
	case line == "/quit":
		return true
	case line == "/discover":
		id, err := n.Discover()
		if err != nil {
			fmt.Fprintf(out, "discover failed: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "flood %d started\n", id)
	case line == "/topology":
		printTopology(out, n.Topology())
	case strings.HasPrefix(line, "/route "):
		dst, err := parseNodeID(strings.TrimSpace(strings.TrimPrefix(line, "/route")))
		if err != nil {
			fmt.Fprintf(out, "bad node id: %v\n", err)
			return false
		}
		route, err := n.Route(dst)
		if err != nil {
			fmt.Fprintf(out, "no route: %v\n", err)
			return false
		}
		fmt.Fprintln(out, formatRoute(route))
	case strings.HasPrefix(line, "/send "):
		arg := strings.TrimSpace(strings.TrimPrefix(line, "/send"))
		dstStr, msg, _ := strings.Cut(arg, " ")
		dst, err := parseNodeID(dstStr)
		if err != nil || strings.TrimSpace(msg) == "" {
			fmt.Fprintln(out, "usage: /send <dst> <message>")
			return false
		}
		rcpt, err := n.SendPayload(dst, []byte(strings.TrimSpace(msg)))
		if err != nil && rcpt.Fragments == 0 {
			fmt.Fprintf(out, "send failed: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "session %d: %d fragments via %s\n", rcpt.SessionID, rcpt.Fragments, formatRoute(rcpt.Route))
	default:
		fmt.Fprintln(out, "unknown command")
	}
	return false
}

func parseNodeID(s string) (packet.NodeID, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, err
	}
	return packet.NodeID(v), nil
}

// neighborIDs merges node.neighbors with the ids of the configured peers.
func neighborIDs(c *cli) []packet.NodeID {
	seen := make(map[packet.NodeID]bool)
	var out []packet.NodeID
	for _, id := range c.cfg.Neighbors() {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, p := range c.cfg.Link.Peers {
		id := packet.NodeID(p.ID)
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
