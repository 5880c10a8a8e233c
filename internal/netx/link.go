package netx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"hopnet/internal/packet"
)

// MaxFrame bounds one encoded packet on a link.
const MaxFrame = 64 << 10

var (
	ErrLinkClosed = errors.New("netx: link closed")
	ErrFrameSize  = errors.New("netx: frame size out of range")
	ErrHello      = errors.New("netx: bad hello")
)

var helloMagic = [2]byte{'h', 'n'}

// Hello announces self on a fresh stream and reads the peer's announcement.
// The write runs beside the read, so two peers on an unbuffered stream do
// not block each other. After an error the caller must close rw.
func Hello(rw io.ReadWriter, self packet.Hop) (packet.Hop, error) {
	out := [4]byte{helloMagic[0], helloMagic[1], byte(self.ID), byte(self.Type)}
	wrote := make(chan error, 1)
	go func() {
		_, err := rw.Write(out[:])
		wrote <- err
	}()

	var in [4]byte
	if _, err := io.ReadFull(rw, in[:]); err != nil {
		return packet.Hop{}, err
	}
	if err := <-wrote; err != nil {
		return packet.Hop{}, err
	}
	if in[0] != helloMagic[0] || in[1] != helloMagic[1] || packet.NodeType(in[3]) > packet.Server {
		return packet.Hop{}, fmt.Errorf("%w: % x", ErrHello, in)
	}
	return packet.Hop{ID: packet.NodeID(in[2]), Type: packet.NodeType(in[3])}, nil
}

// WriteFrame writes p with a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, p packet.Packet) error {
	body, err := packet.Marshal(p)
	if err != nil {
		return err
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed packet.
func ReadFrame(r io.Reader) (packet.Packet, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return packet.Packet{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrame {
		return packet.Packet{}, fmt.Errorf("%w: %d", ErrFrameSize, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return packet.Packet{}, err
	}
	return packet.Unmarshal(body)
}

// Link carries packets to and from one neighbor over a stream. It satisfies
// node.Transport for an endpoint with a single neighbor.
type Link struct {
	peer packet.Hop
	conn io.ReadWriteCloser
	log  logrus.FieldLogger

	wmu sync.Mutex
	in  chan packet.Packet

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewLink starts reading frames from conn. peer is the neighbor on the far end.
func NewLink(conn io.ReadWriteCloser, peer packet.Hop, log logrus.FieldLogger) *Link {
	l := &Link{
		peer: peer,
		conn: conn,
		log:  log.WithField("peer", peer.ID),
		in:   make(chan packet.Packet, 128),
		done: make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Link) Peer() packet.Hop { return l.peer }

func (l *Link) Inbound() <-chan packet.Packet { return l.in }

// Send writes p to the neighbor. Encoding errors are returned as is.
func (l *Link) Send(p packet.Packet) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := WriteFrame(l.conn, p); err != nil {
		if errors.Is(err, packet.ErrMalformed) {
			return err
		}
		l.fail(err)
		return fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	return nil
}

// Err returns why the link stopped, or nil while it is up.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Done is closed once the link stops.
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) Close() error {
	l.fail(ErrLinkClosed)
	return nil
}

func (l *Link) fail(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.err = err
		l.errMu.Unlock()
		close(l.done)
		_ = l.conn.Close()
	})
}

func (l *Link) readLoop() {
	defer close(l.in)
	for {
		p, err := ReadFrame(l.conn)
		if errors.Is(err, packet.ErrMalformed) {
			l.log.WithError(err).Warn("discarding malformed packet")
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.log.WithError(err).Debug("link read ended")
			}
			l.fail(err)
			return
		}
		select {
		case l.in <- p:
		case <-l.done:
			return
		}
	}
}
