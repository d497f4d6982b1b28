package v2ray

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/xtaci/smux"
	"nhooyr.io/websocket"

	"wardenlink/internal/protocol"
)

// ServerConfig configures the loopback-grade server endpoint.
type ServerConfig struct {
	Secret      string
	TLS         *tls.Config
	Carrier     string // "tcp" (default) or "ws"
	WSPath      string
	Compression bool
	Wrap        protocol.StreamWrapper // server-side obfuscation peer
}

// Server accepts v2ray sessions, verifies the hello and echoes stream
// payload. Like the shadowsocks counterpart it exists for readiness probes
// and tests, not as a deployment server.
type Server struct {
	listener net.Listener
	cfg      ServerConfig

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
}

// NewServer starts a server on addr.
func NewServer(addr string, cfg ServerConfig) (*Server, error) {
	if cfg.TLS == nil {
		return nil, errors.New("server TLS config is required")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{listener: ln, cfg: cfg, conns: make(map[net.Conn]struct{})}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Close stops accepting and closes live sessions.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *Server) serve(raw net.Conn) {
	defer func() {
		raw.Close()
		s.mu.Lock()
		delete(s.conns, raw)
		s.mu.Unlock()
	}()

	var conn net.Conn = raw
	var err error
	if s.cfg.Wrap != nil {
		conn, err = s.cfg.Wrap.WrapConn(conn)
		if err != nil {
			return
		}
	}

	tlsConn := tls.Server(conn, s.cfg.TLS)
	if err := tlsConn.Handshake(); err != nil {
		return
	}
	conn = tlsConn

	if s.cfg.Carrier == "ws" {
		conn, err = acceptWS(conn, s.cfg.WSPath)
		if err != nil {
			return
		}
	}

	if s.cfg.Compression {
		conn = newLZ4Conn(conn)
	}

	session, err := smux.Server(conn, muxConfig(protocol.Config{}))
	if err != nil {
		return
	}
	defer session.Close()

	control, err := session.AcceptStream()
	if err != nil {
		return
	}
	if !s.verifyHello(control) {
		return
	}

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			return
		}
		go echoStream(stream)
	}
}

func (s *Server) verifyHello(stream *smux.Stream) bool {
	_ = stream.SetDeadline(time.Now().Add(10 * time.Second))
	defer stream.SetDeadline(time.Time{})

	var h hello
	if err := readFrame(stream, s.cfg.Secret, &h); err != nil {
		// MAC mismatch means a wrong secret; reply is unauthenticated
		// noise from the client's perspective, so drop instead.
		return false
	}
	if !freshTimestamp(h.Timestamp) {
		_ = writeFrame(stream, s.cfg.Secret, helloAck{OK: false, Reason: "stale timestamp"})
		return false
	}
	if err := writeFrame(stream, s.cfg.Secret, helloAck{OK: true}); err != nil {
		return false
	}
	return true
}

func echoStream(stream *smux.Stream) {
	defer stream.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Read(buf)
		if err != nil {
			return
		}
		if _, err := stream.Write(buf[:n]); err != nil {
			return
		}
	}
}

// acceptWS upgrades the server side of the WebSocket carrier. A one-shot
// HTTP server reads the upgrade request directly from the conn.
func acceptWS(conn net.Conn, path string) (net.Conn, error) {
	type result struct {
		nc  net.Conn
		err error
	}
	resCh := make(chan result, 1)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			resCh <- result{err: err}
			return
		}
		wsConn.SetReadLimit(-1)
		nc := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
		resCh <- result{nc: nc}
		// Keep the handler alive until the carrier is done; returning
		// would close the hijacked conn.
		<-r.Context().Done()
	})

	srv := &http.Server{Handler: handler}
	go srv.Serve(&singleConnListener{conn: conn})

	select {
	case res := <-resCh:
		return res.nc, res.err
	case <-time.After(10 * time.Second):
		return nil, errors.New("websocket upgrade timeout")
	}
}

// singleConnListener serves exactly one pre-established conn.
type singleConnListener struct {
	mu   sync.Mutex
	conn net.Conn
	done bool
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return nil, io.EOF
	}
	l.done = true
	return l.conn, nil
}

func (l *singleConnListener) Close() error   { return nil }
func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

// SelfSignedCert builds an in-memory certificate for the given hosts plus a
// pool trusting it. Probe and test servers have no CA to enroll with.
func SelfSignedCert(hosts ...string) (tls.Certificate, *x509.CertPool, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "wardenlink-local"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(certPEM)
	return cert, pool, nil
}
