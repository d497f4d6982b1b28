package shadowsocks

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"wardenlink/internal/obfs"
	"wardenlink/internal/protocol"
)

func serverConfig(cipher, secret string) protocol.Config {
	return protocol.Config{
		Kind:   protocol.KindShadowsocks,
		Cipher: cipher,
		Secret: secret,
	}
}

func clientConfig(t *testing.T, s *Server, cipher, secret string) protocol.Config {
	t.Helper()
	addr, ok := s.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("server addr %T", s.Addr())
	}
	return protocol.Config{
		Kind:        protocol.KindShadowsocks,
		Host:        "127.0.0.1",
		Port:        addr.Port,
		Cipher:      cipher,
		Secret:      secret,
		DialTimeout: 3 * time.Second,
	}
}

func TestConnectAndEcho(t *testing.T) {
	ciphers := []string{"chacha20-ietf-poly1305", "aes-128-gcm", "aes-256-gcm"}
	for _, cipher := range ciphers {
		t.Run(cipher, func(t *testing.T) {
			srv, err := NewServer("127.0.0.1:0", serverConfig(cipher, "s3cret"), nil)
			if err != nil {
				t.Fatalf("server: %v", err)
			}
			defer srv.Close()

			h, err := New().Connect(context.Background(), clientConfig(t, srv, cipher, "s3cret"), nil)
			if err != nil {
				t.Fatalf("connect: %v", err)
			}
			defer h.Close()

			tunnel := h.(*handle)
			msg := []byte("payload through the encrypted tunnel")
			if _, err := tunnel.Write(msg); err != nil {
				t.Fatalf("write: %v", err)
			}
			echo := make([]byte, len(msg))
			if err := readFull(tunnel.conn, echo); err != nil {
				t.Fatalf("read echo: %v", err)
			}
			if !bytes.Equal(echo, msg) {
				t.Fatal("echo corrupted")
			}

			stats := h.Stats()
			if stats.State != protocol.StateConnected {
				t.Fatalf("state = %s", stats.State)
			}
			if stats.BytesOut == 0 || stats.BytesIn == 0 {
				t.Fatalf("byte counters not advancing: %+v", stats)
			}
		})
	}
}

func TestBadSecretAuthFailed(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", serverConfig("chacha20-ietf-poly1305", "right"), nil)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	defer srv.Close()

	_, err = New().Connect(context.Background(), clientConfig(t, srv, "chacha20-ietf-poly1305", "wrong"), nil)
	if protocol.CodeOf(err) != protocol.CodeAuthFailed {
		t.Fatalf("expected auth_failed, got %v", err)
	}
}

func TestUnsupportedCipher(t *testing.T) {
	cfg := protocol.Config{Host: "127.0.0.1", Port: 1, Cipher: "rc4-md5", Secret: "x"}
	_, err := New().Connect(context.Background(), cfg, nil)
	if protocol.CodeOf(err) != protocol.CodeCipherUnsupported {
		t.Fatalf("expected cipher_unsupported, got %v", err)
	}
}

func TestUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := protocol.Config{
		Host:        "127.0.0.1",
		Port:        port,
		Cipher:      "aes-256-gcm",
		Secret:      "x",
		DialTimeout: time.Second,
	}
	_, err = New().Connect(context.Background(), cfg, nil)
	if protocol.CodeOf(err) != protocol.CodeUnreachable {
		t.Fatalf("expected unreachable, got %v", err)
	}
}

func TestCancelInterruptsHandshake(t *testing.T) {
	// Accepts and goes silent, so the client blocks reading the server
	// salt until its deadline.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	cfg := protocol.Config{
		Host:        "127.0.0.1",
		Port:        ln.Addr().(*net.TCPAddr).Port,
		Cipher:      "aes-256-gcm",
		Secret:      "x",
		DialTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = New().Connect(ctx, cfg, nil)
	if err == nil {
		t.Fatal("connect against a silent endpoint succeeded")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancelled connect took %s, still waiting out the handshake deadline", elapsed)
	}
	if protocol.CodeOf(err) != protocol.CodeUnreachable {
		t.Fatalf("expected unreachable, got %v", err)
	}
}

func TestConnectThroughObfuscation(t *testing.T) {
	seed := make([]byte, obfs.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}

	serverObfs, err := obfs.New(obfs.Config{Method: obfs.MethodPadding, Seed: seed, Server: true})
	if err != nil {
		t.Fatalf("server obfs: %v", err)
	}
	srv, err := NewServer("127.0.0.1:0", serverConfig("aes-256-gcm", "s3cret"), serverObfs)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	defer srv.Close()

	clientObfs, err := obfs.New(obfs.Config{Method: obfs.MethodPadding, Seed: seed})
	if err != nil {
		t.Fatalf("client obfs: %v", err)
	}
	h, err := New().Connect(context.Background(), clientConfig(t, srv, "aes-256-gcm", "s3cret"), clientObfs)
	if err != nil {
		t.Fatalf("connect through padding: %v", err)
	}
	h.Close()
}

func TestTestConnection(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", serverConfig("aes-128-gcm", "s3cret"), nil)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	defer srv.Close()

	latency, err := New().TestConnection(context.Background(), clientConfig(t, srv, "aes-128-gcm", "s3cret"))
	if err != nil {
		t.Fatalf("test connection: %v", err)
	}
	if latency <= 0 {
		t.Fatalf("latency = %s", latency)
	}
}
