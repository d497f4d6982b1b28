package v2ray

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/pierrec/lz4/v4"
)

// lz4Conn applies block-level LZ4 to stream payload. Frame layout:
// | raw len (4 bytes) | stored len (4 bytes) | block |. A stored length
// equal to the raw length marks an incompressible block kept verbatim.
type lz4Conn struct {
	net.Conn
	leftover []byte
}

const maxBlock = 4 << 20

func newLZ4Conn(conn net.Conn) *lz4Conn {
	return &lz4Conn{Conn: conn}
}

func (c *lz4Conn) Write(p []byte) (int, error) {
	bound := lz4.CompressBlockBound(len(p))
	block := make([]byte, bound)
	n, err := lz4.CompressBlock(p, block, nil)
	if err != nil || n <= 0 || n >= len(p) {
		// No benefit; store raw.
		block = p
		n = len(p)
	} else {
		block = block[:n]
	}

	var header [8]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(p)))
	binary.BigEndian.PutUint32(header[4:], uint32(n))
	if _, err := c.Conn.Write(header[:]); err != nil {
		return 0, err
	}
	if _, err := c.Conn.Write(block); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *lz4Conn) Read(p []byte) (int, error) {
	if len(c.leftover) > 0 {
		n := copy(p, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}

	var header [8]byte
	if _, err := io.ReadFull(c.Conn, header[:]); err != nil {
		return 0, err
	}
	rawLen := binary.BigEndian.Uint32(header[:4])
	storedLen := binary.BigEndian.Uint32(header[4:])
	if rawLen > maxBlock || storedLen > maxBlock {
		return 0, fmt.Errorf("lz4 block of %d/%d bytes exceeds limit", rawLen, storedLen)
	}

	block := make([]byte, storedLen)
	if _, err := io.ReadFull(c.Conn, block); err != nil {
		return 0, err
	}

	var payload []byte
	if storedLen == rawLen {
		payload = block
	} else {
		payload = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(block, payload)
		if err != nil {
			return 0, fmt.Errorf("lz4 decompress: %w", err)
		}
		payload = payload[:n]
	}

	n := copy(p, payload)
	if n < len(payload) {
		c.leftover = payload[n:]
	}
	return n, nil
}
