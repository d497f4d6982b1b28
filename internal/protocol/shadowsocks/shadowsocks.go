package shadowsocks

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"wardenlink/internal/protocol"
)

// Probe exchange bytes confirming the secret during connect. The server
// answers the ping only if it decrypted it, so a bad secret surfaces as an
// AEAD failure rather than silent garbage.
const (
	probePing = 0x01
	probeAck  = 0x02
)

var errBadTag = errors.New("aead authentication failed")

// Client establishes shadowsocks tunnels.
type Client struct{}

// New returns a shadowsocks client.
func New() *Client { return &Client{} }

// Connect dials, exchanges salts and verifies the secret with a probe
// round-trip before handing the tunnel back.
func (c *Client) Connect(ctx context.Context, cfg protocol.Config, wrap protocol.StreamWrapper) (protocol.Handle, error) {
	if !SupportedCipher(cfg.Cipher) {
		return nil, protocol.NewConnectError(protocol.CodeCipherUnsupported,
			fmt.Errorf("cipher %q", cfg.Cipher))
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(dialCtx, "tcp", cfg.Addr())
	if err != nil {
		return nil, protocol.NewConnectError(protocol.CodeUnreachable, err)
	}

	counting := protocol.NewCountingConn(raw)
	var conn net.Conn = counting
	if wrap != nil {
		conn, err = wrap.WrapConn(conn)
		if err != nil {
			raw.Close()
			return nil, protocol.NewConnectError(protocol.CodeHandshakeFailed,
				fmt.Errorf("obfuscation: %w", err))
		}
	}

	// The handshake blocks on socket I/O under a deadline; a cancelled
	// connect must not wait the deadline out.
	stop := protocol.CloseOnCancel(dialCtx, raw)
	stream, err := handshake(conn, cfg)
	stop()
	if err != nil {
		raw.Close()
		if ctxErr := dialCtx.Err(); ctxErr != nil {
			return nil, protocol.NewConnectError(protocol.CodeUnreachable, ctxErr)
		}
		return nil, err
	}

	return &handle{conn: stream, raw: raw, counting: counting}, nil
}

// handshake runs the salt and probe exchange over conn.
func handshake(conn net.Conn, cfg protocol.Config) (*streamConn, error) {
	masterKey := deriveKey(cfg.Secret, saltSize(cfg.Cipher))

	clientSalt := make([]byte, saltSize(cfg.Cipher))
	if _, err := rand.Read(clientSalt); err != nil {
		return nil, protocol.NewConnectError(protocol.CodeHandshakeFailed, err)
	}
	writeAEAD, err := sessionAEAD(cfg.Cipher, masterKey, clientSalt)
	if err != nil {
		return nil, protocol.NewConnectError(protocol.CodeCipherUnsupported, err)
	}

	deadline := time.Now().Add(cfg.Timeout())
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(clientSalt); err != nil {
		return nil, protocol.NewConnectError(protocol.CodeUnreachable, err)
	}

	serverSalt := make([]byte, saltSize(cfg.Cipher))
	if err := readFull(conn, serverSalt); err != nil {
		return nil, protocol.NewConnectError(protocol.CodeUnreachable,
			fmt.Errorf("server salt: %w", err))
	}
	readAEAD, err := sessionAEAD(cfg.Cipher, masterKey, serverSalt)
	if err != nil {
		return nil, protocol.NewConnectError(protocol.CodeCipherUnsupported, err)
	}

	stream := newStreamConn(conn, writeAEAD, readAEAD)
	if _, err := stream.Write([]byte{probePing}); err != nil {
		return nil, protocol.NewConnectError(protocol.CodeUnreachable, err)
	}

	ack := make([]byte, 1)
	if _, err := stream.Read(ack); err != nil {
		// A server that cannot decrypt the probe drops the session, so a
		// stream end right after the probe means the secret was rejected.
		if errors.Is(err, errBadTag) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, protocol.NewConnectError(protocol.CodeAuthFailed, err)
		}
		return nil, protocol.NewConnectError(protocol.CodeUnreachable, err)
	}
	if ack[0] != probeAck {
		return nil, protocol.NewConnectError(protocol.CodeAuthFailed,
			fmt.Errorf("unexpected probe response %#x", ack[0]))
	}
	return stream, nil
}

// TestConnection completes a full handshake, closes it and reports the
// elapsed time.
func (c *Client) TestConnection(ctx context.Context, cfg protocol.Config) (time.Duration, error) {
	start := time.Now()
	h, err := c.Connect(ctx, cfg, nil)
	if err != nil {
		return 0, err
	}
	_ = h.Close()
	return time.Since(start), nil
}

func readFull(conn net.Conn, buf []byte) error {
	for read := 0; read < len(buf); {
		n, err := conn.Read(buf[read:])
		if err != nil {
			return err
		}
		read += n
	}
	return nil
}

// handle is one live shadowsocks tunnel.
type handle struct {
	conn     *streamConn
	raw      net.Conn
	counting *protocol.CountingConn

	mu      sync.Mutex
	closed  bool
	lastErr error
}

func (h *handle) Stats() protocol.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	state := protocol.StateConnected
	if h.closed {
		state = protocol.StateDisconnected
	} else if h.lastErr != nil {
		state = protocol.StateError
	}
	return protocol.Stats{
		State:     state,
		BytesIn:   h.counting.BytesIn(),
		BytesOut:  h.counting.BytesOut(),
		LastError: h.lastErr,
	}
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.raw.Close()
}

// Read proxies tunnel payload, recording the first stream error.
func (h *handle) Read(p []byte) (int, error) {
	n, err := h.conn.Read(p)
	h.noteErr(err)
	return n, err
}

// Write proxies tunnel payload, recording the first stream error.
func (h *handle) Write(p []byte) (int, error) {
	n, err := h.conn.Write(p)
	h.noteErr(err)
	return n, err
}

func (h *handle) noteErr(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	if h.lastErr == nil && !h.closed {
		h.lastErr = err
	}
	h.mu.Unlock()
}
