// Package v2ray implements the multiplexed transport variant: a uTLS
// handshake with a configurable browser fingerprint and SNI, an optional
// WebSocket carrier, optional LZ4 stream compression and an smux session
// on top. Authentication rides an HMAC-sealed hello on the first stream.
package v2ray

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xtaci/smux"
	"nhooyr.io/websocket"

	"wardenlink/internal/protocol"
)

var errBadMAC = errors.New("control frame mac mismatch")

// SecurityTLS is the supported security mode. The variant deliberately has
// no cleartext mode; a server that cannot do TLS is misconfigured.
const SecurityTLS = "tls"

// Client establishes v2ray tunnels.
type Client struct {
	// ClientID identifies this device in the hello; defaults to "wardenlink".
	ClientID string

	// RootCAs optionally pins trust for certificate verification.
	RootCAs *x509.CertPool
}

// New returns a v2ray client.
func New() *Client { return &Client{} }

// Connect dials, negotiates transport security and authenticates.
func (c *Client) Connect(ctx context.Context, cfg protocol.Config, wrap protocol.StreamWrapper) (protocol.Handle, error) {
	if cfg.Cipher != "" && cfg.Cipher != SecurityTLS {
		return nil, protocol.NewConnectError(protocol.CodeCipherUnsupported,
			fmt.Errorf("security %q", cfg.Cipher))
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

	// Everything past the dial blocks on socket I/O under deadlines; a
	// cancelled connect must not wait those deadlines out.
	stop := protocol.CloseOnCancel(dialCtx, raw)
	session, control, err := c.establish(dialCtx, conn, cfg)
	stop()
	if err != nil {
		raw.Close()
		if ctxErr := dialCtx.Err(); ctxErr != nil {
			return nil, protocol.NewConnectError(protocol.CodeUnreachable, ctxErr)
		}
		return nil, err
	}

	return &handle{
		session:  session,
		control:  control,
		raw:      raw,
		counting: counting,
	}, nil
}

// establish negotiates transport security, the optional carrier and
// compression layers, the mux session and the hello exchange. The caller
// owns the raw socket and closes it on error.
func (c *Client) establish(ctx context.Context, conn net.Conn, cfg protocol.Config) (*smux.Session, *smux.Stream, error) {
	sni := cfg.SNI
	if sni == "" {
		sni = cfg.Host
	}
	conn, err := wrapTLS(ctx, conn, sni, cfg.Fingerprint, cfg.Insecure, c.RootCAs)
	if err != nil {
		code := protocol.CodeHandshakeFailed
		if certificateRejected(err) {
			code = protocol.CodeCertificateRejected
		}
		return nil, nil, protocol.NewConnectError(code, err)
	}

	if cfg.Carrier == "ws" {
		conn, err = dialWS(ctx, conn, sni, cfg.WSPath)
		if err != nil {
			return nil, nil, protocol.NewConnectError(protocol.CodeHandshakeFailed,
				fmt.Errorf("websocket carrier: %w", err))
		}
	}

	if cfg.Compression {
		conn = newLZ4Conn(conn)
	}

	session, err := smux.Client(conn, muxConfig(cfg))
	if err != nil {
		return nil, nil, protocol.NewConnectError(protocol.CodeHandshakeFailed,
			fmt.Errorf("mux session: %w", err))
	}

	control, err := c.authenticate(session, cfg)
	if err != nil {
		session.Close()
		return nil, nil, err
	}
	return session, control, nil
}

func (c *Client) authenticate(session *smux.Session, cfg protocol.Config) (*smux.Stream, error) {
	stream, err := session.OpenStream()
	if err != nil {
		return nil, protocol.NewConnectError(protocol.CodeHandshakeFailed,
			fmt.Errorf("open control stream: %w", err))
	}
	_ = stream.SetDeadline(time.Now().Add(cfg.Timeout()))
	defer stream.SetDeadline(time.Time{})

	id := c.ClientID
	if id == "" {
		id = "wardenlink"
	}
	if err := writeFrame(stream, cfg.Secret, hello{ClientID: id, Timestamp: time.Now().Unix()}); err != nil {
		return nil, protocol.NewConnectError(protocol.CodeUnreachable,
			fmt.Errorf("send hello: %w", err))
	}

	var ack helloAck
	if err := readFrame(stream, cfg.Secret, &ack); err != nil {
		// The server drops the session without replying when the hello
		// fails MAC verification, so a dead stream here is a rejection.
		if errors.Is(err, errBadMAC) || errors.Is(err, io.EOF) ||
			errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
			return nil, protocol.NewConnectError(protocol.CodeAuthFailed, err)
		}
		return nil, protocol.NewConnectError(protocol.CodeUnreachable,
			fmt.Errorf("read hello ack: %w", err))
	}
	if !ack.OK {
		return nil, protocol.NewConnectError(protocol.CodeAuthFailed,
			fmt.Errorf("server rejected hello: %s", ack.Reason))
	}
	return stream, nil
}

// TestConnection completes a full connect, tears it down and reports the
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

// muxConfig tunes smux for the configured stream budget.
func muxConfig(cfg protocol.Config) *smux.Config {
	mc := smux.DefaultConfig()
	mc.Version = 2
	mc.KeepAliveInterval = 10 * time.Second
	mc.KeepAliveTimeout = 30 * time.Second
	if cfg.MuxStreams > 0 {
		mc.MaxStreamBuffer = 64 * 1024
	}
	return mc
}

// dialWS upgrades an established TLS conn to a WebSocket carrier.
func dialWS(ctx context.Context, tlsConn net.Conn, host, path string) (net.Conn, error) {
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	// The transport hands back the already-established conn exactly once;
	// connection reuse is disabled so the client cannot redial.
	transport := &http.Transport{
		DisableKeepAlives: true,
		DialTLSContext: func(context.Context, string, string) (net.Conn, error) {
			return tlsConn, nil
		},
	}
	wsConn, resp, err := websocket.Dial(ctx, "wss://"+host+path, &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: transport},
	})
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	wsConn.SetReadLimit(-1)
	return websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary), nil
}

// handle is one live v2ray session.
type handle struct {
	session  *smux.Session
	control  *smux.Stream
	raw      net.Conn
	counting *protocol.CountingConn

	mu      sync.Mutex
	closed  bool
	lastErr error
}

func (h *handle) Stats() protocol.Stats {
	h.mu.Lock()
	closed := h.closed
	lastErr := h.lastErr
	h.mu.Unlock()

	state := protocol.StateConnected
	switch {
	case closed:
		state = protocol.StateDisconnected
	case h.session.IsClosed():
		state = protocol.StateError
		if lastErr == nil {
			lastErr = errors.New("mux session closed by peer")
		}
	case lastErr != nil:
		state = protocol.StateError
	}
	return protocol.Stats{
		State:     state,
		BytesIn:   h.counting.BytesIn(),
		BytesOut:  h.counting.BytesOut(),
		LastError: lastErr,
	}
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	_ = h.control.Close()
	_ = h.session.Close()
	return h.raw.Close()
}

// OpenStream opens a fresh multiplexed stream on the session.
func (h *handle) OpenStream() (net.Conn, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.New("session closed")
	}
	h.mu.Unlock()

	stream, err := h.session.OpenStream()
	if err != nil {
		h.mu.Lock()
		if h.lastErr == nil {
			h.lastErr = err
		}
		h.mu.Unlock()
		return nil, err
	}
	return stream, nil
}
