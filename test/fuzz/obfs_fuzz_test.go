package fuzz

import (
	"bytes"
	"testing"

	"wardenlink/internal/obfs"
)

// FuzzObfsUnwrap throws arbitrary frames at every decoder. Hostile framing
// must surface as an error, never a panic, and a decoder must never accept
// a frame produced under a different seed as valid payload.
func FuzzObfsUnwrap(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0x17, 0x03, 0x03, 0x00, 0x04, 1, 2, 3, 4})
	f.Add([]byte("POST /sync HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc"))
	f.Add(bytes.Repeat([]byte{0xff}, 512))

	seed := make([]byte, obfs.SeedSize)
	for i := range seed {
		seed[i] = byte(i * 7)
	}

	f.Fuzz(func(t *testing.T, frame []byte) {
		for _, method := range []obfs.Method{
			obfs.MethodTLSDisguise,
			obfs.MethodHTTPDisguise,
			obfs.MethodPadding,
		} {
			o, err := obfs.New(obfs.Config{Method: method, Seed: seed})
			if err != nil {
				t.Fatalf("build %s: %v", method, err)
			}
			_, _ = o.Unwrap(frame)
		}
	})
}

// FuzzObfsRoundTrip checks that every payload survives wrap then unwrap
// unchanged for each method.
func FuzzObfsRoundTrip(f *testing.F) {
	f.Add([]byte("payload"))
	f.Add([]byte{})
	f.Add(bytes.Repeat([]byte{0xab}, 4096))

	seed := make([]byte, obfs.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}

	f.Fuzz(func(t *testing.T, payload []byte) {
		if len(payload) > 16384 {
			payload = payload[:16384]
		}
		for _, method := range []obfs.Method{
			obfs.MethodNone,
			obfs.MethodTLSDisguise,
			obfs.MethodHTTPDisguise,
			obfs.MethodPadding,
		} {
			sender, err := obfs.New(obfs.Config{Method: method, Seed: seed})
			if err != nil {
				t.Fatalf("sender %s: %v", method, err)
			}
			receiver, err := obfs.New(obfs.Config{Method: method, Seed: seed, Server: true})
			if err != nil {
				t.Fatalf("receiver %s: %v", method, err)
			}
			frame, err := sender.Wrap(payload)
			if err != nil {
				t.Fatalf("%s wrap: %v", method, err)
			}
			got, err := receiver.Unwrap(frame)
			if err != nil {
				t.Fatalf("%s unwrap: %v", method, err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("%s corrupted payload", method)
			}
		}
	})
}
