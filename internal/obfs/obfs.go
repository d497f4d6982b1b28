// Package obfs provides the pluggable obfuscation layer that disguises
// tunnel traffic against protocol fingerprinting. Obfuscators transform the
// byte stream beneath the protocol handshake; both endpoints must run the
// same method with the same parameters, so a method switch always requires
// tearing the connection down.
package obfs

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
)

// Method selects an obfuscation technique.
type Method string

const (
	// MethodNone is the identity transform.
	MethodNone Method = "none"
	// MethodTLSDisguise frames traffic as TLS records behind a fake
	// ClientHello carrying a configurable SNI.
	MethodTLSDisguise Method = "tls-disguise"
	// MethodHTTPDisguise frames traffic as HTTP chunked transfer encoding.
	MethodHTTPDisguise Method = "http-disguise"
	// MethodPadding appends a seed-keyed pseudo-random padding schedule.
	MethodPadding Method = "padding"
)

// ErrDecode marks an unwrap failure. Decoding fails closed: mismatched
// methods or seeds yield this error, never silently corrupted payload.
var ErrDecode = errors.New("obfuscation decode failed")

// SeedSize is the length of a padding seed.
const SeedSize = 32

// Config parameterizes an obfuscator instance.
type Config struct {
	Method  Method `yaml:"method"`
	FakeSNI string `yaml:"fake_sni"`
	PadMin  int    `yaml:"pad_min"`
	PadMax  int    `yaml:"pad_max"`

	// Seed keys the padding schedule. Generated at connect time, carried
	// on the connection, never logged or persisted.
	Seed []byte `yaml:"-"`

	// Server flips the disguise handshake direction for the remote peer.
	Server bool `yaml:"-"`
}

// Obfuscator transforms payload to and from its disguised wire form.
// Wrap and Unwrap operate on whole frames; WrapConn applies the same
// transform plus the method's disguise handshake to a live stream.
type Obfuscator interface {
	Wrap(payload []byte) ([]byte, error)
	Unwrap(frame []byte) ([]byte, error)
	WrapConn(conn net.Conn) (net.Conn, error)
	Method() Method
}

// frameReader is implemented by methods whose conn wrapper parses frames
// directly off the stream.
type frameReader interface {
	readFrame(r io.Reader) ([]byte, error)
}

// New builds an obfuscator from config.
func New(cfg Config) (Obfuscator, error) {
	switch cfg.Method {
	case MethodNone, "":
		return noneObfuscator{}, nil
	case MethodTLSDisguise:
		return newTLSDisguise(cfg), nil
	case MethodHTTPDisguise:
		return newHTTPDisguise(cfg), nil
	case MethodPadding:
		return newPadding(cfg)
	default:
		return nil, fmt.Errorf("unknown obfuscation method %q", cfg.Method)
	}
}

// NewSeed generates a fresh padding seed.
func NewSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	return seed, nil
}

// noneObfuscator is the identity transform.
type noneObfuscator struct{}

func (noneObfuscator) Wrap(payload []byte) ([]byte, error) { return payload, nil }

func (noneObfuscator) Unwrap(frame []byte) ([]byte, error) { return frame, nil }

func (noneObfuscator) WrapConn(conn net.Conn) (net.Conn, error) { return conn, nil }

func (noneObfuscator) Method() Method { return MethodNone }

var _ Obfuscator = noneObfuscator{}
