package shadowsocks

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// maxChunk bounds one AEAD chunk's payload, shadowsocks AEAD style.
const maxChunk = 0x3FFF

// nonce is a little-endian counter incremented after every seal/open.
type nonce []byte

func newNonce(size int) nonce { return make([]byte, size) }

func (n nonce) increment() {
	for i := range n {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}

// streamConn frames reads and writes as length-prefixed AEAD chunks:
// [2-byte big-endian length | tag][payload | tag]. Each direction has its
// own subkey and nonce counter, so the conn must not be shared across
// goroutines per direction.
type streamConn struct {
	net.Conn

	wAEAD  cipher.AEAD
	wNonce nonce
	rAEAD  cipher.AEAD
	rNonce nonce

	leftover []byte
}

func newStreamConn(conn net.Conn, write, read cipher.AEAD) *streamConn {
	return &streamConn{
		Conn:   conn,
		wAEAD:  write,
		wNonce: newNonce(write.NonceSize()),
		rAEAD:  read,
		rNonce: newNonce(read.NonceSize()),
	}
}

func (c *streamConn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		if err := c.writeChunk(chunk); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (c *streamConn) writeChunk(payload []byte) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))

	buf := make([]byte, 0, 2+c.wAEAD.Overhead()+len(payload)+c.wAEAD.Overhead())
	buf = c.wAEAD.Seal(buf, c.wNonce, lenBuf[:], nil)
	c.wNonce.increment()
	buf = c.wAEAD.Seal(buf, c.wNonce, payload, nil)
	c.wNonce.increment()

	_, err := c.Conn.Write(buf)
	return err
}

func (c *streamConn) Read(p []byte) (int, error) {
	if len(c.leftover) > 0 {
		n := copy(p, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}

	payload, err := c.readChunk()
	if err != nil {
		return 0, err
	}
	n := copy(p, payload)
	if n < len(payload) {
		c.leftover = payload[n:]
	}
	return n, nil
}

func (c *streamConn) readChunk() ([]byte, error) {
	sealed := make([]byte, 2+c.rAEAD.Overhead())
	if _, err := io.ReadFull(c.Conn, sealed); err != nil {
		return nil, err
	}
	lenBuf, err := c.rAEAD.Open(nil, c.rNonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("chunk length: %w", errBadTag)
	}
	c.rNonce.increment()

	size := int(binary.BigEndian.Uint16(lenBuf))
	if size > maxChunk {
		return nil, fmt.Errorf("chunk of %d bytes exceeds limit", size)
	}

	body := make([]byte, size+c.rAEAD.Overhead())
	if _, err := io.ReadFull(c.Conn, body); err != nil {
		return nil, err
	}
	payload, err := c.rAEAD.Open(nil, c.rNonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("chunk payload: %w", errBadTag)
	}
	c.rNonce.increment()
	return payload, nil
}
