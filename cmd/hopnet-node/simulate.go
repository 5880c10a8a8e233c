package main

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"hopnet/internal/delivery"
	"hopnet/internal/node"
	"hopnet/internal/packet"
	"hopnet/internal/sim"
)

type simulateOpts struct {
	from    int
	to      int
	message string
	rounds  int
	crash   []int
}

func newSimulateCmd(c *cli) *cobra.Command {
	var o simulateOpts
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the configured network in-process and deliver one message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(c, o, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&o.from, "from", 0, "sending client id (default: lowest client)")
	cmd.Flags().IntVar(&o.to, "to", 0, "destination id (default: lowest server)")
	cmd.Flags().StringVarP(&o.message, "message", "m", "hello over hopnet", "payload to send")
	cmd.Flags().IntVar(&o.rounds, "rounds", 10, "resend rounds before giving up")
	cmd.Flags().IntSliceVar(&o.crash, "crash", nil, "node ids to crash after discovery")
	return cmd
}

// endpoint is one client of the simulated network and its port.
type endpoint struct {
	node *node.Node
	port *sim.Port
}

// settle feeds queued inbound packets to every endpoint until a full pass
// finds nothing left to handle.
func settle(eps []endpoint) {
	for {
		handled := 0
		for _, ep := range eps {
		drain:
			for {
				select {
				case p, ok := <-ep.port.Inbound():
					if !ok {
						break drain
					}
					_ = ep.node.HandlePacket(p)
					handled++
				default:
					break drain
				}
			}
		}
		if handled == 0 {
			return
		}
	}
}

// buildEndpoints attaches node control to every port, in ascending id order.
func buildEndpoints(c *cli, nw *sim.Network, ports map[packet.NodeID]*sim.Port) ([]endpoint, error) {
	ids := make([]packet.NodeID, 0, len(ports))
	for id := range ports {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	eps := make([]endpoint, 0, len(ids))
	for _, id := range ids {
		typ, _ := nw.Type(id)
		n, err := node.New(node.Config{
			ID:        id,
			Type:      typ,
			Neighbors: nw.Neighbors(id),
			Transport: ports[id],
			Logger:    c.log,
			Debug:     c.cfg.Log.Debug,
		})
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", id, err)
		}
		eps = append(eps, endpoint{node: n, port: ports[id]})
	}
	return eps, nil
}

func runSimulate(c *cli, o simulateOpts, out io.Writer) error {
	layout, err := c.cfg.Layout()
	if err != nil {
		return err
	}
	nw, ports, err := sim.Build(c.cfg.Sim.Seed, layout, sim.WithLogger(c.log))
	if err != nil {
		return err
	}
	if len(layout.Endpoints) == 0 {
		return errors.New("simulate: no clients configured")
	}

	eps, err := buildEndpoints(c, nw, ports)
	if err != nil {
		return err
	}
	byID := make(map[packet.NodeID]*node.Node, len(eps))
	for _, ep := range eps {
		byID[ep.node.ID()] = ep.node
	}

	for _, ep := range eps {
		if _, err := ep.node.Discover(); err != nil {
			c.log.WithError(err).WithField("node_id", ep.node.ID()).Warn("discovery failed")
		}
		settle(eps)
	}
	for _, id := range o.crash {
		if err := nw.Crash(packet.NodeID(id)); err != nil {
			return fmt.Errorf("crash %d: %w", id, err)
		}
	}

	src := eps[0].node.ID()
	if o.from != 0 {
		src = packet.NodeID(o.from)
	}
	sender, ok := byID[src]
	if !ok {
		return fmt.Errorf("simulate: %d is not a client", src)
	}
	var dst packet.NodeID
	switch {
	case o.to != 0:
		dst = packet.NodeID(o.to)
	case len(layout.Servers) > 0:
		dst = layout.Servers[0].ID
		for _, s := range layout.Servers {
			if s.ID < dst {
				dst = s.ID
			}
		}
	default:
		return errors.New("simulate: no destination given and no server configured")
	}

	rcpt, err := sender.SendPayload(dst, []byte(o.message))
	if err != nil {
		if rcpt.Fragments == 0 {
			return fmt.Errorf("send to %d: %w", dst, err)
		}
		c.log.WithError(err).Warn("some fragments did not leave")
	}
	settle(eps)
	for round := 1; round <= o.rounds && !sender.IsSessionComplete(rcpt.SessionID); round++ {
		if round%3 == 0 {
			// Terminal nacks only clear after a newer discovery round.
			_, _ = sender.Discover()
			settle(eps)
		}
		n, err := sender.ResendPending()
		if err != nil {
			c.log.WithError(err).Warn("resend failed")
		}
		c.log.WithFields(logrus.Fields{"round": round, "resent": n}).Debug("resend round")
		settle(eps)
	}

	status, _ := sender.Session(rcpt.SessionID)
	fmt.Fprintf(out, "session %d %d -> %d via %s\n", rcpt.SessionID, src, dst, formatRoute(rcpt.Route))
	fmt.Fprintf(out, "  fragments: %d acked: %d retryable: %d terminal: %d\n",
		status.Total, status.Counts[delivery.Acked], status.Counts[delivery.NackedRetryable], status.Counts[delivery.NackedTerminal])
	if status.Complete {
		fmt.Fprintln(out, "  complete")
	} else {
		fmt.Fprintln(out, "  incomplete")
	}

inbox:
	for {
		select {
		case m := <-sender.Incoming():
			fmt.Fprintf(out, "message from %d (session %d): %q\n", m.From, m.Session, m.Payload)
		default:
			break inbox
		}
	}

	st := nw.Stats()
	fmt.Fprintf(out, "network: forwarded=%d dropped=%d lost=%d flood_responses=%d\n",
		st.Forwarded, st.Dropped, st.Lost, st.FloodResponses)
	kinds := make([]packet.NackKind, 0, len(st.Nacks))
	for k := range st.Nacks {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		fmt.Fprintf(out, "  nack %s: %d\n", k, st.Nacks[k])
	}

	printTopology(out, sender.Topology())
	if !status.Complete {
		return fmt.Errorf("simulate: session %d incomplete after %d rounds", rcpt.SessionID, o.rounds)
	}
	return nil
}
