package main

import (
	"context"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"hopnet/internal/packet"
	"hopnet/internal/relay"
)

func newRelayCmd(c *cli) *cobra.Command {
	var pdr float64
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a drone that forwards packets between TCP links",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, c, pdr)
		},
	}
	cmd.Flags().Float64Var(&pdr, "pdr", 0, "probability of dropping each forwarded fragment")
	return cmd
}

func runRelay(ctx context.Context, c *cli, pdr float64) error {
	self := packet.Hop{ID: c.cfg.NodeID(), Type: packet.Drone}
	log := c.log.WithFields(logrus.Fields{"node_id": self.ID, "role": "drone"})

	l, err := newLinker(c.cfg, self, log)
	if err != nil {
		return err
	}
	defer l.mesh.Close()
	if err := l.start(ctx, c.cfg); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	drop := func() bool { return pdr > 0 && rng.Float64() < pdr }
	flooder := relay.NewFlooder(self.ID)

	for {
		select {
		case <-ctx.Done():
			log.WithField("floods_seen", flooder.Seen()).Info("relay stopped")
			return nil
		case p, ok := <-l.mesh.Inbound():
			if !ok {
				return nil
			}
			relayPacket(l, flooder, self.ID, p, drop, log, c.cfg.Log.Debug)
		}
	}
}

func relayPacket(l *linker, fl *relay.Flooder, self packet.NodeID, p packet.Packet, drop func() bool, log logrus.FieldLogger, debug bool) {
	var out []packet.Packet
	if req, ok := p.Body.(packet.FloodRequest); ok {
		var from packet.NodeID
		if i := p.Header.HopIndex - 1; i >= 0 && i < len(p.Header.Hops) {
			from = p.Header.Hops[i]
		}
		out, _ = fl.Handle(from, req, l.mesh.Peers())
	} else {
		next, act := relay.Route(self, p, l.mesh.Has, drop)
		if debug {
			log.WithFields(logrus.Fields{"packet": p.String(), "action": act}).Debug("relay")
		}
		if act == relay.Discard {
			return
		}
		out = []packet.Packet{next}
	}
	for _, o := range out {
		if err := l.mesh.Send(o); err != nil {
			log.WithError(err).WithField("packet", o.String()).Warn("relay send failed")
		}
	}
}
