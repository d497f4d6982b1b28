package obfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Padding frame layout:
//
//	| payload len (2 bytes) | mac (4 bytes) | payload | pad len (1 byte) | pad |
//
// The pad length and content come from a BLAKE2b keystream over the
// per-connection seed and a frame counter, so the schedule is unpredictable
// on the wire yet fully reproducible by the peer holding the same seed.
// The truncated MAC binds seed, counter and payload; a mismatched seed
// therefore fails closed at the first frame instead of producing garbage.
type padding struct {
	seed   []byte
	padMin int
	padMax int

	mu      sync.Mutex
	sendCtr uint64
	recvCtr uint64
}

const (
	padMACSize      = 4
	defaultPadMin   = 16
	defaultPadMax   = 255
	maxFramePayload = 0xFFFF
)

func newPadding(cfg Config) (*padding, error) {
	if len(cfg.Seed) != SeedSize {
		return nil, fmt.Errorf("padding seed must be %d bytes, got %d", SeedSize, len(cfg.Seed))
	}
	padMin, padMax := cfg.PadMin, cfg.PadMax
	if padMax == 0 {
		padMin, padMax = defaultPadMin, defaultPadMax
	}
	if padMin < 0 || padMax > 255 || padMin > padMax {
		return nil, fmt.Errorf("padding range [%d,%d] out of bounds", padMin, padMax)
	}
	seed := make([]byte, SeedSize)
	copy(seed, cfg.Seed)
	return &padding{seed: seed, padMin: padMin, padMax: padMax}, nil
}

func (p *padding) Method() Method { return MethodPadding }

// keystream derives frame-scoped bytes from the seed and counter.
func (p *padding) keystream(counter uint64, purpose string, n int) []byte {
	h, _ := blake2b.New256(p.seed)
	h.Write([]byte(purpose))
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	h.Write(ctr[:])
	sum := h.Sum(nil)

	out := make([]byte, 0, n)
	for len(out) < n {
		out = append(out, sum...)
		h.Reset()
		h.Write(sum)
		sum = h.Sum(nil)
	}
	return out[:n]
}

func (p *padding) mac(counter uint64, payload []byte) []byte {
	h, _ := blake2b.New256(p.seed)
	h.Write([]byte("mac"))
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	h.Write(ctr[:])
	h.Write(payload)
	return h.Sum(nil)[:padMACSize]
}

func (p *padding) padLen(counter uint64) int {
	b := p.keystream(counter, "len", 1)[0]
	return p.padMin + int(b)%(p.padMax-p.padMin+1)
}

// Wrap seals payload into one padded frame, advancing the send counter.
func (p *padding) Wrap(payload []byte) ([]byte, error) {
	if len(payload) > maxFramePayload {
		return nil, fmt.Errorf("payload of %d bytes exceeds frame limit", len(payload))
	}

	p.mu.Lock()
	counter := p.sendCtr
	p.sendCtr++
	p.mu.Unlock()

	padLen := p.padLen(counter)
	pad := p.keystream(counter, "pad", padLen)

	var out bytes.Buffer
	var plen [2]byte
	binary.BigEndian.PutUint16(plen[:], uint16(len(payload)))
	out.Write(plen[:])
	out.Write(p.mac(counter, payload))
	out.Write(payload)
	out.WriteByte(byte(padLen))
	out.Write(pad)
	return out.Bytes(), nil
}

// Unwrap opens one frame, advancing the receive counter. Any MAC or
// structure mismatch fails closed.
func (p *padding) Unwrap(frame []byte) ([]byte, error) {
	return p.readFrame(bytes.NewReader(frame))
}

func (p *padding) readFrame(r io.Reader) ([]byte, error) {
	p.mu.Lock()
	counter := p.recvCtr
	p.recvCtr++
	p.mu.Unlock()

	var head [2 + padMACSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("%w: short frame header", ErrDecode)
	}
	size := int(binary.BigEndian.Uint16(head[:2]))

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: short frame payload", ErrDecode)
	}
	if !bytes.Equal(head[2:], p.mac(counter, payload)) {
		return nil, fmt.Errorf("%w: frame mac mismatch", ErrDecode)
	}

	var padLenByte [1]byte
	if _, err := io.ReadFull(r, padLenByte[:]); err != nil {
		return nil, fmt.Errorf("%w: short pad length", ErrDecode)
	}
	if _, err := io.CopyN(io.Discard, r, int64(padLenByte[0])); err != nil {
		return nil, fmt.Errorf("%w: short pad", ErrDecode)
	}
	return payload, nil
}

// WrapConn frames all traffic with the padding schedule; there is no
// disguise handshake, the first frame is payload.
func (p *padding) WrapConn(conn net.Conn) (net.Conn, error) {
	return newFrameConn(conn, p, p), nil
}

var _ Obfuscator = (*padding)(nil)
