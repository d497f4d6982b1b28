package obfs

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
)

// httpDisguise frames payload as HTTP/1.1 chunked transfer encoding. The
// initiator opens with a POST upload request and the responder answers with
// a 200 header block; from then on every frame is one chunk.
type httpDisguise struct {
	fakeHost string
	server   bool
}

func newHTTPDisguise(cfg Config) *httpDisguise {
	host := cfg.FakeSNI
	if host == "" {
		host = "upload.windowsupdate.com"
	}
	return &httpDisguise{fakeHost: host, server: cfg.Server}
}

func (h *httpDisguise) Method() Method { return MethodHTTPDisguise }

// Wrap encodes payload as one HTTP chunk.
func (h *httpDisguise) Wrap(payload []byte) ([]byte, error) {
	var out bytes.Buffer
	fmt.Fprintf(&out, "%x\r\n", len(payload))
	out.Write(payload)
	out.WriteString("\r\n")
	return out.Bytes(), nil
}

// Unwrap decodes one HTTP chunk.
func (h *httpDisguise) Unwrap(frame []byte) ([]byte, error) {
	return h.readFrame(bytes.NewReader(frame))
}

func (h *httpDisguise) readFrame(r io.Reader) ([]byte, error) {
	size, err := readChunkSize(r)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: short chunk payload", ErrDecode)
	}
	var crlf [2]byte
	if _, err := io.ReadFull(r, crlf[:]); err != nil || crlf[0] != '\r' || crlf[1] != '\n' {
		return nil, fmt.Errorf("%w: missing chunk terminator", ErrDecode)
	}
	return payload, nil
}

// maxChunkSize rejects absurd chunk headers before allocating.
const maxChunkSize = 1 << 20

func readChunkSize(r io.Reader) (int, error) {
	var line []byte
	var b [1]byte
	for {
		if _, err := r.Read(b[:]); err != nil {
			return 0, fmt.Errorf("%w: short chunk header", ErrDecode)
		}
		if b[0] == '\n' {
			break
		}
		if b[0] != '\r' {
			line = append(line, b[0])
		}
		if len(line) > 16 {
			return 0, fmt.Errorf("%w: oversize chunk header", ErrDecode)
		}
	}
	size, err := strconv.ParseInt(string(line), 16, 32)
	if err != nil || size < 0 || size > maxChunkSize {
		return 0, fmt.Errorf("%w: bad chunk size %q", ErrDecode, line)
	}
	return int(size), nil
}

// WrapConn exchanges the fake header blocks, then chunks all traffic.
func (h *httpDisguise) WrapConn(conn net.Conn) (net.Conn, error) {
	if h.server {
		if err := h.readHeaderBlock(conn); err != nil {
			return nil, err
		}
		if _, err := conn.Write(h.responseHeader()); err != nil {
			return nil, err
		}
	} else {
		if _, err := conn.Write(h.requestHeader()); err != nil {
			return nil, err
		}
		if err := h.readHeaderBlock(conn); err != nil {
			return nil, err
		}
	}
	return newFrameConn(conn, h, h), nil
}

func (h *httpDisguise) requestHeader() []byte {
	var b bytes.Buffer
	b.WriteString("POST /upload HTTP/1.1\r\n")
	fmt.Fprintf(&b, "Host: %s\r\n", h.fakeHost)
	b.WriteString("User-Agent: Mozilla/5.0 (Windows NT 10.0; Win64; x64)\r\n")
	b.WriteString("Content-Type: application/octet-stream\r\n")
	b.WriteString("Transfer-Encoding: chunked\r\n")
	b.WriteString("Connection: keep-alive\r\n")
	b.WriteString("\r\n")
	return b.Bytes()
}

func (h *httpDisguise) responseHeader() []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 200 OK\r\n")
	b.WriteString("Server: nginx\r\n")
	b.WriteString("Content-Type: application/octet-stream\r\n")
	b.WriteString("Transfer-Encoding: chunked\r\n")
	b.WriteString("Connection: keep-alive\r\n")
	b.WriteString("\r\n")
	return b.Bytes()
}

// readHeaderBlock consumes a header block up to the blank line. It reads
// byte-wise so no payload past the block is buffered away.
func (h *httpDisguise) readHeaderBlock(r io.Reader) error {
	br := bufio.NewReaderSize(onebyteReader{r}, 1)
	var lineLen, total int
	for {
		b, err := br.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: short header block", ErrDecode)
		}
		total++
		if total > 8192 {
			return fmt.Errorf("%w: oversize header block", ErrDecode)
		}
		if b == '\n' {
			if lineLen == 0 {
				return nil
			}
			lineLen = 0
			continue
		}
		if b != '\r' {
			lineLen++
		}
	}
}

// onebyteReader defeats bufio's readahead so header parsing never consumes
// payload bytes that follow the blank line.
type onebyteReader struct{ r io.Reader }

func (o onebyteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

var _ Obfuscator = (*httpDisguise)(nil)
