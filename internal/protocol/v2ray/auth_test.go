package v2ray

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestControlFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sent := hello{ClientID: "device-7", Timestamp: time.Now().Unix()}
	if err := writeFrame(&buf, "s3cret", sent); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	var got hello
	if err := readFrame(&buf, "s3cret", &got); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if got != sent {
		t.Fatalf("frame = %+v, want %+v", got, sent)
	}
}

func TestControlFrameMACMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, "s3cret", hello{ClientID: "device-7"}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	var got hello
	err := readFrame(&buf, "other", &got)
	if !errors.Is(err, errBadMAC) {
		t.Fatalf("err = %v, want errBadMAC", err)
	}
}

func TestControlFrameTamperDetected(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, "s3cret", hello{ClientID: "device-7"}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	raw := buf.Bytes()
	raw[3] ^= 0x01 // flip a payload bit, leave length and MAC alone

	var got hello
	err := readFrame(bytes.NewReader(raw), "s3cret", &got)
	if !errors.Is(err, errBadMAC) {
		t.Fatalf("err = %v, want errBadMAC", err)
	}
}

func TestControlFrameSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	big := helloAck{Reason: strings.Repeat("x", maxControlFrame+1)}
	if err := writeFrame(&buf, "s3cret", big); err == nil {
		t.Fatal("oversized frame accepted")
	}
}

func TestFreshTimestamp(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"now", now, true},
		{"slightly old", now.Add(-10 * time.Second), true},
		{"slightly ahead", now.Add(10 * time.Second), true},
		{"stale", now.Add(-2 * time.Minute), false},
		{"future", now.Add(2 * time.Minute), false},
	}
	for _, tc := range cases {
		if got := freshTimestamp(tc.at.Unix()); got != tc.want {
			t.Errorf("%s: freshTimestamp = %v, want %v", tc.name, got, tc.want)
		}
	}
}
