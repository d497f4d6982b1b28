// Package protocol defines the client interface shared by all tunnel
// protocol variants. A variant owns one live encrypted tunnel per handle;
// the orchestration layer never branches on the concrete variant type.
package protocol

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// Kind identifies a protocol variant.
type Kind string

const (
	// KindShadowsocks is the AEAD stream-cipher variant.
	KindShadowsocks Kind = "shadowsocks"
	// KindV2Ray is the multiplexed transport variant.
	KindV2Ray Kind = "v2ray"
)

// DefaultDialTimeout bounds the initial TCP connect.
const DefaultDialTimeout = 10 * time.Second

// Config describes one server endpoint for a variant. It is immutable once
// a connection has been built from it.
type Config struct {
	Kind   Kind   `yaml:"kind"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Cipher string `yaml:"cipher"` // cipher method (shadowsocks) or security mode (v2ray)
	Secret string `yaml:"secret"`

	// V2Ray transport options.
	SNI         string `yaml:"sni"`
	Fingerprint string `yaml:"fingerprint"` // uTLS ClientHello fingerprint, e.g. "chrome"
	Carrier     string `yaml:"carrier"`     // "tcp" (default) or "ws"
	WSPath      string `yaml:"ws_path"`
	MuxStreams  int    `yaml:"mux_streams"`
	Compression bool   `yaml:"compression"`
	Insecure    bool   `yaml:"insecure"` // skip certificate verification

	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Addr returns the host:port dial target.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Timeout returns the configured dial timeout or the default.
func (c Config) Timeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return DefaultDialTimeout
}

// StreamWrapper transforms the raw byte stream beneath the protocol
// handshake. The obfuscation layer satisfies this.
type StreamWrapper interface {
	WrapConn(net.Conn) (net.Conn, error)
}

// State reports the liveness of a handle.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Stats is a point-in-time snapshot of a handle. Byte counters are
// cumulative and pulled by the caller; variants never push events.
type Stats struct {
	State     State
	BytesIn   uint64
	BytesOut  uint64
	LastError error
}

// Handle is one live tunnel owned by a Client.
type Handle interface {
	// Stats reports liveness and cumulative byte counters.
	Stats() Stats

	// Close tears the tunnel down. It is idempotent and guarantees the
	// underlying socket is closed before returning.
	Close() error
}

// Client establishes tunnels for one protocol variant.
type Client interface {
	// Connect dials and authenticates a tunnel. The wrapper, if non-nil,
	// is applied to the raw socket before any protocol bytes are written.
	Connect(ctx context.Context, cfg Config, wrap StreamWrapper) (Handle, error)

	// TestConnection measures reachability without keeping the tunnel.
	TestConnection(ctx context.Context, cfg Config) (time.Duration, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[Kind]Client{}
)

// Register installs a client for a variant. Later registrations replace
// earlier ones, which keeps tests free to substitute fakes.
func Register(kind Kind, c Client) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = c
}

// Lookup returns the registered client for a variant.
func Lookup(kind Kind) (Client, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("no protocol client registered for %q", kind)
	}
	return c, nil
}

// Kinds lists registered variants in stable order.
func Kinds() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
