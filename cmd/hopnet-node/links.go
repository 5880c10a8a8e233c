package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"hopnet/internal/config"
	"hopnet/internal/crypto/noiseconn"
	"hopnet/internal/netx"
	"hopnet/internal/packet"
)

const (
	dialBackoffInitial = 500 * time.Millisecond
	dialBackoffMax     = 30 * time.Second
)

// linker brings up TCP links to configured neighbors and attaches them to a
// mesh. A nil key leaves links in plaintext.
type linker struct {
	self packet.Hop
	net  netx.Network
	mesh *netx.Mesh
	key  *noise.DHKey
	log  logrus.FieldLogger
}

func newLinker(cfg *config.Config, self packet.Hop, log logrus.FieldLogger) (*linker, error) {
	l := &linker{
		self: self,
		net:  netx.NewTCPNetwork(),
		mesh: netx.NewMesh(log),
		log:  log,
	}
	if cfg.Link.Noise {
		key, err := noiseconn.GenerateKeypair()
		if err != nil {
			return nil, fmt.Errorf("noise key: %w", err)
		}
		l.key = &key
		log.WithField("static_key", hex.EncodeToString(key.Public)).Info("noise enabled")
	}
	return l, nil
}

// upgrade runs the optional Noise handshake and the hello exchange on conn.
func (l *linker) upgrade(conn io.ReadWriteCloser, initiator bool) (*netx.Link, error) {
	rw := conn
	if l.key != nil {
		var (
			sc  *noiseconn.SecureConn
			err error
		)
		if initiator {
			sc, err = noiseconn.Client(conn, *l.key)
		} else {
			sc, err = noiseconn.Server(conn, *l.key)
		}
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("noise handshake: %w", err)
		}
		rw = sc
	}
	peer, err := netx.Hello(rw, l.self)
	if err != nil {
		_ = rw.Close()
		return nil, err
	}
	return netx.NewLink(rw, peer, l.log), nil
}

// listen accepts inbound links until ctx ends.
func (l *linker) listen(ctx context.Context, addr string) (netx.Addr, error) {
	bound, err := l.net.Listen(addr)
	if err != nil {
		return "", err
	}
	go func() {
		<-ctx.Done()
		_ = l.net.Close()
	}()
	go func() {
		for {
			conn, err := l.net.Accept()
			if err != nil {
				if ctx.Err() == nil {
					l.log.WithError(err).Warn("accept stopped")
				}
				return
			}
			go func() {
				link, err := l.upgrade(conn, false)
				if err != nil {
					l.log.WithError(err).WithField("remote", conn.RemoteAddr()).Warn("inbound link rejected")
					return
				}
				if err := l.mesh.Attach(link); err != nil {
					l.log.WithError(err).Warn("attach failed")
				}
			}()
		}
	}()
	return bound, nil
}

// keepDialing maintains an outbound link to peer, redialing with exponential
// backoff whenever it is down.
func (l *linker) keepDialing(ctx context.Context, peer config.PeerConfig) {
	want := packet.NodeID(peer.ID)
	log := l.log.WithFields(logrus.Fields{"peer": want, "addr": peer.Addr})
	backoff := dialBackoffInitial
	for {
		if !l.mesh.Has(want) {
			if err := l.dial(want, netx.Addr(peer.Addr)); err != nil {
				log.WithError(err).Debug("dial failed")
				backoff = min(backoff*2, dialBackoffMax)
			} else {
				backoff = dialBackoffInitial
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

var errWrongPeer = errors.New("peer announced a different id")

func (l *linker) dial(want packet.NodeID, addr netx.Addr) error {
	conn, err := l.net.Dial(addr)
	if err != nil {
		return err
	}
	link, err := l.upgrade(conn, true)
	if err != nil {
		return err
	}
	if got := link.Peer().ID; got != want {
		_ = link.Close()
		return fmt.Errorf("%w: want %d, got %d", errWrongPeer, want, got)
	}
	return l.mesh.Attach(link)
}

// start listens (when addr is set) and dials every peer in the background.
func (l *linker) start(ctx context.Context, cfg *config.Config) error {
	if cfg.Link.Listen != "" {
		bound, err := l.listen(ctx, cfg.Link.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		l.log.WithField("addr", bound).Info("listening for links")
	}
	for _, p := range cfg.Link.Peers {
		go l.keepDialing(ctx, p)
	}
	return nil
}

// waitPeers blocks until every configured peer has a link or ctx ends.
func (l *linker) waitPeers(ctx context.Context, peers []config.PeerConfig, timeout time.Duration) {
	deadline := time.After(timeout)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		up := 0
		for _, p := range peers {
			if l.mesh.Has(packet.NodeID(p.ID)) {
				up++
			}
		}
		if up == len(peers) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			l.log.WithField("up", up).Warn("not every peer linked yet")
			return
		case <-tick.C:
		}
	}
}
