// Package noiseconn secures a link stream with a Noise_XX handshake.
package noiseconn

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/flynn/noise"
)

// maxPlaintext keeps every encrypted frame within one Noise message.
const maxPlaintext = noise.MaxMsgLen - 16

var ErrFrameLength = errors.New("noiseconn: invalid frame length")

var suite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// GenerateKeypair returns a fresh static Curve25519 keypair.
func GenerateKeypair() (noise.DHKey, error) {
	return suite.GenerateKeypair(rand.Reader)
}

// SecureConn wraps an underlying stream with Noise cipher states.
type SecureConn struct {
	underlying io.ReadWriteCloser
	peerStatic []byte

	rmu     sync.Mutex
	readCS  *noise.CipherState
	pending []byte

	wmu     sync.Mutex
	writeCS *noise.CipherState
}

// PeerStatic is the remote static public key learned during the handshake.
func (c *SecureConn) PeerStatic() []byte { return append([]byte(nil), c.peerStatic...) }

// Read returns decrypted bytes, reading a new frame only when the previous one
// has been consumed.
func (c *SecureConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if len(c.pending) == 0 {
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.underlying, lenBuf[:]); err != nil {
			return 0, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || n > noise.MaxMsgLen {
			return 0, fmt.Errorf("%w: %d", ErrFrameLength, n)
		}
		ct := make([]byte, n)
		if _, err := io.ReadFull(c.underlying, ct); err != nil {
			return 0, err
		}
		pt, err := c.readCS.Decrypt(nil, nil, ct)
		if err != nil {
			return 0, err
		}
		c.pending = pt
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write encrypts p as one or more length-prefixed frames.
func (c *SecureConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}
		ct, err := c.writeCS.Encrypt(nil, nil, chunk)
		if err != nil {
			return written, err
		}
		frame := make([]byte, 4+len(ct))
		binary.BigEndian.PutUint32(frame, uint32(len(ct)))
		copy(frame[4:], ct)
		if _, err := c.underlying.Write(frame); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (c *SecureConn) Close() error {
	return c.underlying.Close()
}

func handshake(initiator bool, key noise.DHKey) (*noise.HandshakeState, error) {
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:   suite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: key,
	})
}

// Client runs a Noise_XX handshake as initiator.
func Client(underlying io.ReadWriteCloser, key noise.DHKey) (*SecureConn, error) {
	hs, err := handshake(true, key)
	if err != nil {
		return nil, err
	}

	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg); err != nil {
		return nil, err
	}

	// <- e, ee, s, es
	in, err := readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, in); err != nil {
		return nil, err
	}

	// -> s, se
	msg, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg); err != nil {
		return nil, err
	}

	// cs1 encrypts initiator -> responder.
	return &SecureConn{underlying: underlying, peerStatic: hs.PeerStatic(), readCS: cs2, writeCS: cs1}, nil
}

// Server runs a Noise_XX handshake as responder.
func Server(underlying io.ReadWriteCloser, key noise.DHKey) (*SecureConn, error) {
	hs, err := handshake(false, key)
	if err != nil {
		return nil, err
	}

	// <- e
	in, err := readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, in); err != nil {
		return nil, err
	}

	// -> e, ee, s, es
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg); err != nil {
		return nil, err
	}

	// <- s, se
	in, err = readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, in)
	if err != nil {
		return nil, err
	}
	return &SecureConn{underlying: underlying, peerStatic: hs.PeerStatic(), readCS: cs1, writeCS: cs2}, nil
}
