package obfs

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// TLS record constants for the disguise framing.
const (
	recordHandshake   = 0x16
	recordApplication = 0x17
	tlsVersionMajor   = 0x03
	tlsVersionMinor   = 0x03 // TLS 1.2 on the wire, like real TLS 1.3
	maxRecordPayload  = 16384
)

// tlsDisguise frames payload as TLS application-data records. The stream
// opens with a fabricated handshake exchange (ClientHello with the fake SNI
// from the initiator, a generic ServerHello back) so middleboxes that
// classify by the first flight see an ordinary TLS session.
type tlsDisguise struct {
	fakeSNI string
	server  bool
}

func newTLSDisguise(cfg Config) *tlsDisguise {
	sni := cfg.FakeSNI
	if sni == "" {
		sni = "www.bing.com"
	}
	return &tlsDisguise{fakeSNI: sni, server: cfg.Server}
}

func (t *tlsDisguise) Method() Method { return MethodTLSDisguise }

// Wrap frames payload as one or more application-data records.
func (t *tlsDisguise) Wrap(payload []byte) ([]byte, error) {
	var out bytes.Buffer
	for first := true; first || len(payload) > 0; first = false {
		chunk := payload
		if len(chunk) > maxRecordPayload {
			chunk = chunk[:maxRecordPayload]
		}
		payload = payload[len(chunk):]

		var header [5]byte
		header[0] = recordApplication
		header[1] = tlsVersionMajor
		header[2] = tlsVersionMinor
		binary.BigEndian.PutUint16(header[3:], uint16(len(chunk)))
		out.Write(header[:])
		out.Write(chunk)
	}
	return out.Bytes(), nil
}

// Unwrap parses one or more concatenated application-data records.
func (t *tlsDisguise) Unwrap(frame []byte) ([]byte, error) {
	var out bytes.Buffer
	r := bytes.NewReader(frame)
	for r.Len() > 0 {
		payload, err := t.readFrame(r)
		if err != nil {
			return nil, err
		}
		out.Write(payload)
	}
	return out.Bytes(), nil
}

func (t *tlsDisguise) readFrame(r io.Reader) ([]byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, fmt.Errorf("%w: short record header", ErrDecode)
	}
	if header[0] != recordApplication || header[1] != tlsVersionMajor || header[2] != tlsVersionMinor {
		return nil, fmt.Errorf("%w: not a tls application record", ErrDecode)
	}
	size := int(binary.BigEndian.Uint16(header[3:]))
	if size > maxRecordPayload {
		return nil, fmt.Errorf("%w: record of %d bytes exceeds limit", ErrDecode, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: short record payload", ErrDecode)
	}
	return payload, nil
}

// WrapConn runs the fake handshake flight, then frames all traffic.
func (t *tlsDisguise) WrapConn(conn net.Conn) (net.Conn, error) {
	if t.server {
		if err := skipHandshakeRecord(conn); err != nil {
			return nil, err
		}
		if err := writeHandshakeRecord(conn, fakeServerHello()); err != nil {
			return nil, err
		}
	} else {
		if err := writeHandshakeRecord(conn, fakeClientHello(t.fakeSNI)); err != nil {
			return nil, err
		}
		if err := skipHandshakeRecord(conn); err != nil {
			return nil, err
		}
	}
	return newFrameConn(conn, t, t), nil
}

func writeHandshakeRecord(conn net.Conn, body []byte) error {
	var header [5]byte
	header[0] = recordHandshake
	header[1] = tlsVersionMajor
	header[2] = tlsVersionMinor
	binary.BigEndian.PutUint16(header[3:], uint16(len(body)))
	if _, err := conn.Write(header[:]); err != nil {
		return err
	}
	_, err := conn.Write(body)
	return err
}

func skipHandshakeRecord(conn net.Conn) error {
	var header [5]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return fmt.Errorf("%w: short handshake record", ErrDecode)
	}
	if header[0] != recordHandshake {
		return fmt.Errorf("%w: expected handshake record, got %#x", ErrDecode, header[0])
	}
	size := int(binary.BigEndian.Uint16(header[3:]))
	if size > maxRecordPayload {
		return fmt.Errorf("%w: handshake record of %d bytes", ErrDecode, size)
	}
	if _, err := io.CopyN(io.Discard, conn, int64(size)); err != nil {
		return fmt.Errorf("%w: short handshake record", ErrDecode)
	}
	return nil
}

// fakeClientHello fabricates a plausible ClientHello body carrying the fake
// SNI. It only needs to satisfy first-flight classifiers, not a TLS parser
// doing a real handshake.
func fakeClientHello(sni string) []byte {
	var b bytes.Buffer

	b.WriteByte(0x01) // handshake type: client_hello
	lenPos := b.Len()
	b.Write([]byte{0, 0, 0}) // length, patched below

	b.Write([]byte{tlsVersionMajor, tlsVersionMinor})
	random := make([]byte, 32)
	_, _ = rand.Read(random)
	b.Write(random)

	sessionID := make([]byte, 32)
	_, _ = rand.Read(sessionID)
	b.WriteByte(byte(len(sessionID)))
	b.Write(sessionID)

	// Cipher suites: the modern TLS 1.3 trio plus common 1.2 suites.
	suites := []uint16{0x1301, 0x1302, 0x1303, 0xc02b, 0xc02f, 0xcca9, 0xcca8}
	binary.Write(&b, binary.BigEndian, uint16(len(suites)*2))
	for _, s := range suites {
		binary.Write(&b, binary.BigEndian, s)
	}

	b.Write([]byte{0x01, 0x00}) // compression: null only

	// Extensions: just server_name; enough for SNI-based classification.
	var ext bytes.Buffer
	host := []byte(sni)
	binary.Write(&ext, binary.BigEndian, uint16(0)) // extension type server_name
	binary.Write(&ext, binary.BigEndian, uint16(len(host)+5))
	binary.Write(&ext, binary.BigEndian, uint16(len(host)+3))
	ext.WriteByte(0) // name type host_name
	binary.Write(&ext, binary.BigEndian, uint16(len(host)))
	ext.Write(host)

	binary.Write(&b, binary.BigEndian, uint16(ext.Len()))
	b.Write(ext.Bytes())

	body := b.Bytes()
	size := len(body) - lenPos - 3
	body[lenPos] = byte(size >> 16)
	body[lenPos+1] = byte(size >> 8)
	body[lenPos+2] = byte(size)
	return body
}

// fakeServerHello fabricates a minimal ServerHello body.
func fakeServerHello() []byte {
	var b bytes.Buffer

	b.WriteByte(0x02) // handshake type: server_hello
	lenPos := b.Len()
	b.Write([]byte{0, 0, 0})

	b.Write([]byte{tlsVersionMajor, tlsVersionMinor})
	random := make([]byte, 32)
	_, _ = rand.Read(random)
	b.Write(random)

	sessionID := make([]byte, 32)
	_, _ = rand.Read(sessionID)
	b.WriteByte(byte(len(sessionID)))
	b.Write(sessionID)

	binary.Write(&b, binary.BigEndian, uint16(0x1301)) // selected suite
	b.WriteByte(0x00)                                  // null compression

	body := b.Bytes()
	size := len(body) - lenPos - 3
	body[lenPos] = byte(size >> 16)
	body[lenPos+1] = byte(size >> 8)
	body[lenPos+2] = byte(size)
	return body
}

var _ Obfuscator = (*tlsDisguise)(nil)
