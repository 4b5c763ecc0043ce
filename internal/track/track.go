// Package track implements the per-track decoder task and the handle the
// player context uses to control it: state queries, transport commands
// (pause/resume/seek/stop), and a bounded PCM frame queue feeding the
// mixer. The bounded queue is grounded on client/internal/jitter.Buffer's
// fixed-size ring idiom, simplified to a single-producer FIFO — a track's
// own decoder never reorders its own output, unlike a jitter buffer
// absorbing reordering across network senders.
package track

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is a track's lifecycle state.
type State int32

const (
	Starting State = iota
	Playing
	Paused
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Frame is one 20 ms unit of decoded audio: either PCM samples or, for
// passthrough sources, a native Opus frame. Exactly one of the two is set.
type Frame struct {
	PCM  []int16 // interleaved stereo, length filters.FrameLength when set
	Opus []byte  // native Opus payload, for the zero-transcode mixer fast path
}

// CommandType is a transport command sent to a decoding PlayableTrack.
type CommandType int

const (
	CmdPause CommandType = iota
	CmdResume
	CmdSeek
	CmdStop
)

// Command is one transport command, with SeekMs populated for CmdSeek.
type Command struct {
	Type   CommandType
	SeekMs int64
}

// PlayableTrack is the consumed interface a source plugin implements. The
// core never knows how audio is fetched or decoded — only that it can
// start a decode stream and push commands into it.
type PlayableTrack interface {
	// StartDecoding begins producing frames, returning a receive-only frame
	// channel, a send-only command channel, and a one-shot error channel
	// whose presence implies fatal decoder failure.
	StartDecoding(ctx context.Context) (frames <-chan Frame, cmds chan<- Command, errs <-chan string, err error)

	// Identifier is a stable string naming this track, for events/logging.
	Identifier() string

	// DurationMs is the track duration, or 0 for an unseekable live stream.
	DurationMs() int64

	// IsStream reports whether this track is a live (unseekable) stream.
	IsStream() bool
}

const (
	queueCapacityFrames = 25 // ~500 ms at 20 ms/frame, per spec's fill target
	defaultFadeWindow   = 40 * time.Millisecond
	startupStuckGraceMs = 30000
)

// frameQueue is a bounded single-producer/single-consumer ring buffer of
// decoded frames.
type frameQueue struct {
	mu    sync.Mutex
	ring  []Frame
	head  int
	tail  int
	count int
}

func newFrameQueue(capacity int) *frameQueue {
	return &frameQueue{ring: make([]Frame, capacity)}
}

// push blocks (via ctx) until there is room, then enqueues frame. Returns
// ctx.Err() if ctx is cancelled first.
func (q *frameQueue) push(ctx context.Context, frame Frame) error {
	for {
		q.mu.Lock()
		if q.count < len(q.ring) {
			q.ring[q.tail] = frame
			q.tail = (q.tail + 1) % len(q.ring)
			q.count++
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// pop removes and returns the oldest frame, if any.
func (q *frameQueue) pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return Frame{}, false
	}
	f := q.ring[q.head]
	q.ring[q.head] = Frame{}
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	return f, true
}

func (q *frameQueue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.head, q.tail, q.count = 0, 0, 0
	for i := range q.ring {
		q.ring[i] = Frame{}
	}
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Handle is the control surface for one track's decoder task, consumed by
// the player context and the mixer. The zero value is not usable; use
// Start.
type Handle struct {
	track PlayableTrack

	state      atomic.Int32 // State
	positionMs atomic.Int64

	cmdCh chan Command
	queue *frameQueue

	fatalMu  sync.Mutex
	fatalErr string
	hasFatal atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Start spawns the decoder task for track and returns a Handle. fadeWindow
// is the length of the Starting fade-in; 0 uses defaultFadeWindow. Stop
// applies no fade: Stopping lasts only until the stop is handed to the
// decoder.
func Start(ctx context.Context, pt PlayableTrack, fadeWindow time.Duration) (*Handle, error) {
	if fadeWindow <= 0 {
		fadeWindow = defaultFadeWindow
	}
	taskCtx, cancel := context.WithCancel(ctx)

	frames, cmds, errs, err := pt.StartDecoding(taskCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("track: start decoding %s: %w", pt.Identifier(), err)
	}

	h := &Handle{
		track:  pt,
		cmdCh:  make(chan Command, 4),
		queue:  newFrameQueue(queueCapacityFrames),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.state.Store(int32(Starting))

	go h.run(taskCtx, frames, cmds, errs, fadeWindow)
	return h, nil
}

func (h *Handle) run(ctx context.Context, frames <-chan Frame, cmds chan<- Command, errs <-chan string, fadeWindow time.Duration) {
	defer close(h.done)
	defer h.queue.drain()

	framesSinceStart := 0
	startFadeFrames := int(fadeWindow / (20 * time.Millisecond))
	if startFadeFrames < 1 {
		startFadeFrames = 1
	}

	// drained ticks once the decoder has closed its frame channel, until the
	// mixer has consumed every frame already queued.
	var drained <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			h.state.Store(int32(Stopped))
			return

		case <-drained:
			if h.queue.len() == 0 {
				h.state.Store(int32(Stopped))
				return
			}

		case msg, ok := <-errs:
			if ok {
				h.fatalMu.Lock()
				h.fatalErr = msg
				h.fatalMu.Unlock()
				h.hasFatal.Store(true)
			}
			h.state.Store(int32(Stopped))
			return

		case cmd := <-h.cmdCh:
			switch cmd.Type {
			case CmdPause:
				h.state.Store(int32(Paused))
			case CmdResume:
				h.state.Store(int32(Playing))
			case CmdSeek:
				h.positionMs.Store(cmd.SeekMs)
			case CmdStop:
				h.state.Store(int32(Stopping))
				select {
				case cmds <- Command{Type: CmdStop}:
				case <-ctx.Done():
					return
				}
				h.state.Store(int32(Stopped))
				return
			}
			if cmd.Type != CmdStop {
				select {
				case cmds <- cmd:
				case <-ctx.Done():
					return
				}
			}

		case frame, ok := <-frames:
			if !ok {
				frames = nil
				drainTicker := time.NewTicker(time.Millisecond)
				defer drainTicker.Stop()
				drained = drainTicker.C
				continue
			}
			if framesSinceStart < startFadeFrames {
				frame = fadeFrame(frame, float64(framesSinceStart+1)/float64(startFadeFrames))
				framesSinceStart++
			} else if State(h.state.Load()) == Starting {
				h.state.Store(int32(Playing))
			}

			if err := h.queue.push(ctx, frame); err != nil {
				return
			}
			if State(h.state.Load()) == Starting && framesSinceStart >= startFadeFrames {
				h.state.Store(int32(Playing))
			}
		}
	}
}

// fadeFrame scales a PCM frame's amplitude by ratio (0.0-1.0), used for the
// Starting tape-stop fade-in. Opus passthrough frames cannot be faded
// without decoding, so they pass through unchanged.
func fadeFrame(f Frame, ratio float64) Frame {
	if f.PCM == nil {
		return f
	}
	out := make([]int16, len(f.PCM))
	for i, s := range f.PCM {
		out[i] = int16(float64(s) * ratio)
	}
	return Frame{PCM: out}
}

// GetState returns the track's current lifecycle state.
func (h *Handle) GetState() State { return State(h.state.Load()) }

// GetPosition returns the current playback position in milliseconds.
func (h *Handle) GetPosition() int64 { return h.positionMs.Load() }

// advancePosition is called by the mixer after consuming one frame.
func (h *Handle) advancePosition(ms int64) {
	if h.GetState() == Starting || h.GetState() == Stopping {
		return // tape-stop: position intentionally frozen
	}
	h.positionMs.Add(ms)
}

// Pause requests a transition to Paused.
func (h *Handle) Pause() { h.sendCommand(Command{Type: CmdPause}) }

// Resume requests a transition back to Playing.
func (h *Handle) Resume() { h.sendCommand(Command{Type: CmdResume}) }

// Seek requests the decoder jump to position ms.
func (h *Handle) Seek(ms int64) {
	if h.track.IsStream() {
		return
	}
	h.sendCommand(Command{Type: CmdSeek, SeekMs: ms})
}

// Stop requests an orderly shutdown: Playing/Paused -> Stopping -> Stopped.
// Stopped is sticky; calling Stop again is a no-op.
func (h *Handle) Stop() {
	if h.GetState() == Stopped {
		return
	}
	h.sendCommand(Command{Type: CmdStop})
}

func (h *Handle) sendCommand(cmd Command) {
	if h.GetState() == Stopped {
		return
	}
	select {
	case h.cmdCh <- cmd:
	case <-h.done:
	}
}

// PopFrame removes and returns the oldest decoded frame, for the mixer.
func (h *Handle) PopFrame() (Frame, bool) {
	f, ok := h.queue.pop()
	if ok {
		h.advancePosition(20)
	}
	return f, ok
}

// QueuedFrames reports how many frames are currently buffered.
func (h *Handle) QueuedFrames() int { return h.queue.len() }

// FatalError returns the decoder's one-shot fatal error message, if any.
func (h *Handle) FatalError() (string, bool) {
	if !h.hasFatal.Load() {
		return "", false
	}
	h.fatalMu.Lock()
	defer h.fatalMu.Unlock()
	return h.fatalErr, true
}

// Identifier returns the underlying track's identifier.
func (h *Handle) Identifier() string { return h.track.Identifier() }

// DurationMs returns the underlying track's duration.
func (h *Handle) DurationMs() int64 { return h.track.DurationMs() }

// Cancel tears down the decoder task immediately, bypassing the Stopping
// state. Used on guild shutdown.
func (h *Handle) Cancel() {
	h.cancel()
	<-h.done
}

// StuckThresholdMs returns the stuck-detection threshold to apply given the
// configured default, widened for the initial start per spec: position
// still at 0 gets max(configured, 30000) ms grace for slow URL resolution.
func StuckThresholdMs(configured int64, position int64) int64 {
	if position == 0 && configured < startupStuckGraceMs {
		return startupStuckGraceMs
	}
	return configured
}
