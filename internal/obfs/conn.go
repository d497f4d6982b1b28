package obfs

import (
	"net"
	"sync"
)

// frameConn applies an obfuscator's framing to a live stream. Writes emit
// one frame per call; reads pull one frame at a time and buffer leftover
// payload. The disguise handshake, if any, is driven by the concrete
// obfuscator before the conn is handed out.
type frameConn struct {
	net.Conn
	obf    Obfuscator
	reader frameReader

	rmu      sync.Mutex
	leftover []byte
	wmu      sync.Mutex
}

func newFrameConn(conn net.Conn, obf Obfuscator, reader frameReader) *frameConn {
	return &frameConn{Conn: conn, obf: obf, reader: reader}
}

func (c *frameConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	frame, err := c.obf.Wrap(p)
	if err != nil {
		return 0, err
	}
	if _, err := c.Conn.Write(frame); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *frameConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if len(c.leftover) > 0 {
		n := copy(p, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}

	payload, err := c.reader.readFrame(c.Conn)
	if err != nil {
		return 0, err
	}
	n := copy(p, payload)
	if n < len(payload) {
		c.leftover = payload[n:]
	}
	return n, nil
}
