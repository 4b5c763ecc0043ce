package opuscodec

import "testing"

func TestEncodeRejectsWrongFrameLength(t *testing.T) {
	enc, err := NewEncoder(64000, true)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if _, err := enc.Encode(make([]int16, 10)); err == nil {
		t.Fatal("expected error for wrong-length frame")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc, err := NewEncoder(64000, true)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	pcm := make([]int16, FrameLength)
	for i := range pcm {
		// A simple ramp makes encode/decode non-trivial without relying on
		// silence (which Opus DTX could special-case).
		pcm[i] = int16((i % 2000) - 1000)
	}

	encoded, err := enc.Encode(pcm)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(encoded) == 0 || len(encoded) > MaxOpusFrameBytes {
		t.Fatalf("encoded length out of range: %d", len(encoded))
	}

	decoded, err := dec.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded) != FrameLength {
		t.Fatalf("decoded length = %d, want %d", len(decoded), FrameLength)
	}
}

func TestDecodePLC(t *testing.T) {
	dec, err := NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	decoded, err := dec.Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil) for PLC: %v", err)
	}
	if len(decoded) != FrameLength {
		t.Fatalf("PLC decoded length = %d, want %d", len(decoded), FrameLength)
	}
}

func TestSetBitrateAndPacketLoss(t *testing.T) {
	enc, err := NewEncoder(64000, true)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if err := enc.SetBitrate(96000); err != nil {
		t.Fatalf("SetBitrate: %v", err)
	}
	if err := enc.SetPacketLossPerc(150); err != nil {
		t.Fatalf("SetPacketLossPerc clamp: %v", err)
	}
}
