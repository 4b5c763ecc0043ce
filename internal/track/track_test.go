package track

import (
	"context"
	"testing"
	"time"
)

// fakeTrack is a hand-written PlayableTrack fake, in the teacher's own
// testing idiom (no mocking framework, matching client/audio_test.go).
type fakeTrack struct {
	id       string
	durMs    int64
	isStream bool

	framesToEmit int
	closeErr     string // if non-empty, emitted on errCh instead of closing frames cleanly
}

func (f *fakeTrack) Identifier() string { return f.id }
func (f *fakeTrack) DurationMs() int64  { return f.durMs }
func (f *fakeTrack) IsStream() bool     { return f.isStream }

func (f *fakeTrack) StartDecoding(ctx context.Context) (<-chan Frame, chan<- Command, <-chan string, error) {
	frames := make(chan Frame, 4)
	cmds := make(chan Command, 4)
	errs := make(chan string, 1)

	go func() {
		defer close(frames)
		for i := 0; i < f.framesToEmit; i++ {
			select {
			case frames <- Frame{PCM: make([]int16, 1920)}:
			case <-ctx.Done():
				return
			}
		}
		if f.closeErr != "" {
			errs <- f.closeErr
		}
	}()

	// Drain commands so StartDecoding callers don't block on send.
	go func() {
		for {
			select {
			case <-cmds:
			case <-ctx.Done():
				return
			}
		}
	}()

	return frames, cmds, errs, nil
}

func TestHandleStartsInStartingState(t *testing.T) {
	ft := &fakeTrack{id: "t1", durMs: 1000, framesToEmit: 100}
	h, err := Start(context.Background(), ft, time.Millisecond)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Cancel()

	if h.GetState() != Starting && h.GetState() != Playing {
		t.Fatalf("initial state = %v, want Starting or Playing", h.GetState())
	}
}

func TestHandleTransitionsToPlayingAfterFade(t *testing.T) {
	ft := &fakeTrack{id: "t1", durMs: 1000, framesToEmit: 100}
	h, err := Start(context.Background(), ft, time.Millisecond)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.GetState() == Playing {
			return
		}
		h.PopFrame()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("handle never reached Playing state")
}

func TestHandleStopIsSticky(t *testing.T) {
	ft := &fakeTrack{id: "t1", durMs: 1000, framesToEmit: 5}
	h, err := Start(context.Background(), ft, time.Millisecond)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && h.GetState() != Stopped {
		time.Sleep(time.Millisecond)
	}
	if h.GetState() != Stopped {
		t.Fatal("expected Stopped after Stop()")
	}

	h.Stop() // must be a no-op, not panic or block
	h.Pause()
	if h.GetState() != Stopped {
		t.Fatal("Stopped must be sticky against further commands")
	}
}

func TestHandleFatalErrorSurfaces(t *testing.T) {
	ft := &fakeTrack{id: "t1", durMs: 1000, framesToEmit: 2, closeErr: "decode failure"}
	h, err := Start(context.Background(), ft, time.Millisecond)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.PopFrame()
		if _, ok := h.FatalError(); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	msg, ok := h.FatalError()
	if !ok {
		t.Fatal("expected a fatal error to surface")
	}
	if msg != "decode failure" {
		t.Fatalf("fatal error = %q, want %q", msg, "decode failure")
	}
	if h.GetState() != Stopped {
		t.Fatal("fatal decoder error must transition to Stopped")
	}
}

func TestSeekIgnoredForStreams(t *testing.T) {
	ft := &fakeTrack{id: "live", isStream: true, framesToEmit: 100}
	h, err := Start(context.Background(), ft, time.Millisecond)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Cancel()

	h.Seek(5000)
	if h.GetPosition() != 0 {
		t.Fatal("Seek on a live stream must be ignored")
	}
}

func TestPopFrameAdvancesPosition(t *testing.T) {
	ft := &fakeTrack{id: "t1", durMs: 2000, framesToEmit: 100}
	h, err := Start(context.Background(), ft, time.Millisecond)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && h.GetState() != Playing {
		h.PopFrame()
		time.Sleep(time.Millisecond)
	}

	before := h.GetPosition()
	if _, ok := h.PopFrame(); ok {
		after := h.GetPosition()
		if after != before+20 {
			t.Fatalf("position after PopFrame = %d, want %d", after, before+20)
		}
	}
}

func TestStuckThresholdMsWidensAtStartup(t *testing.T) {
	if got := StuckThresholdMs(5000, 0); got != 30000 {
		t.Fatalf("StuckThresholdMs(5000, 0) = %d, want 30000", got)
	}
	if got := StuckThresholdMs(60000, 0); got != 60000 {
		t.Fatalf("StuckThresholdMs(60000, 0) = %d, want 60000 (configured already exceeds grace)", got)
	}
	if got := StuckThresholdMs(5000, 1000); got != 5000 {
		t.Fatalf("StuckThresholdMs(5000, 1000) = %d, want 5000 (not startup anymore)", got)
	}
}
