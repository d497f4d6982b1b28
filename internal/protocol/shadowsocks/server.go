package shadowsocks

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"

	"wardenlink/internal/protocol"
)

// Server is a minimal loopback-grade shadowsocks endpoint. It answers the
// probe exchange and echoes payload chunks. Deployments run full servers
// elsewhere; this one backs local readiness probes and tests.
type Server struct {
	listener net.Listener
	cfg      protocol.Config
	wrap     protocol.StreamWrapper

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
}

// NewServer starts a server on addr ("127.0.0.1:0" for an ephemeral port).
// A non-nil wrap is the server-side peer of the client's obfuscation.
func NewServer(addr string, cfg protocol.Config, wrap protocol.StreamWrapper) (*Server, error) {
	if !SupportedCipher(cfg.Cipher) {
		return nil, fmt.Errorf("cipher %q not implemented", cfg.Cipher)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{listener: ln, cfg: cfg, wrap: wrap, conns: make(map[net.Conn]struct{})}
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
	if s.wrap != nil {
		var err error
		conn, err = s.wrap.WrapConn(conn)
		if err != nil {
			return
		}
	}

	masterKey := deriveKey(s.cfg.Secret, saltSize(s.cfg.Cipher))

	clientSalt := make([]byte, saltSize(s.cfg.Cipher))
	if err := readFull(conn, clientSalt); err != nil {
		return
	}
	readAEAD, err := sessionAEAD(s.cfg.Cipher, masterKey, clientSalt)
	if err != nil {
		return
	}

	serverSalt := make([]byte, saltSize(s.cfg.Cipher))
	if _, err := rand.Read(serverSalt); err != nil {
		return
	}
	writeAEAD, err := sessionAEAD(s.cfg.Cipher, masterKey, serverSalt)
	if err != nil {
		return
	}
	if _, err := conn.Write(serverSalt); err != nil {
		return
	}

	stream := newStreamConn(conn, writeAEAD, readAEAD)
	buf := make([]byte, maxChunk)
	for {
		n, err := stream.Read(buf)
		if err != nil {
			// A bad secret shows up as an AEAD failure on the first
			// chunk; drop the session without answering.
			if errors.Is(err, errBadTag) {
				return
			}
			return
		}
		if n == 1 && buf[0] == probePing {
			if _, err := stream.Write([]byte{probeAck}); err != nil {
				return
			}
			continue
		}
		if _, err := stream.Write(buf[:n]); err != nil {
			return
		}
	}
}
