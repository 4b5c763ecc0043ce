// Package mixer aggregates PCM from the tracks active in one guild into a
// single 20 ms output frame, with an Opus-passthrough fast path for the
// common single-track case. Grounded on client/internal/jitter.Buffer's
// per-tick Pop() shape (collect one frame per active source, signal
// contribution, prune the dead ones) generalized from network senders to
// decoder tracks.
package mixer

import (
	"fmt"
	"sync"

	"voicegateway/internal/track"
)

// Mixer aggregates at most N concurrent tracks per guild. Typical N is 1
// for straight playback, >1 to support crossfades.
type Mixer struct {
	mu        sync.Mutex
	maxTracks int
	tracks    []*track.Handle

	tickFrames []tickEntry
	tickPulled bool
}

type tickEntry struct {
	handle *track.Handle
	frame  track.Frame
	ok     bool
}

// New returns a Mixer that allows at most maxTracks concurrent tracks.
func New(maxTracks int) *Mixer {
	if maxTracks < 1 {
		maxTracks = 1
	}
	return &Mixer{maxTracks: maxTracks}
}

// AddTrack registers h as an active track. Returns an error if the
// configured concurrency limit would be exceeded.
func (m *Mixer) AddTrack(h *track.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tracks) >= m.maxTracks {
		return fmt.Errorf("mixer: max concurrent tracks (%d) reached", m.maxTracks)
	}
	m.tracks = append(m.tracks, h)
	return nil
}

// RemoveTrack drops h from the active set without affecting its own
// lifecycle (the caller has typically already stopped or cancelled it).
func (m *Mixer) RemoveTrack(h *track.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tracks {
		if t == h {
			m.tracks = append(m.tracks[:i], m.tracks[i+1:]...)
			return
		}
	}
}

// ActiveTracks returns the currently registered track handles.
func (m *Mixer) ActiveTracks() []*track.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*track.Handle, len(m.tracks))
	copy(out, m.tracks)
	return out
}

// BeginTick pulls at most one frame from every active track's queue and
// caches the result for this tick's Mix/TakeOpusFrame calls. Must be
// called once per 20 ms tick before either.
func (m *Mixer) BeginTick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tickFrames = m.tickFrames[:0]
	for _, h := range m.tracks {
		if h.GetState() == track.Stopped {
			continue
		}
		if h.GetState() == track.Paused {
			m.tickFrames = append(m.tickFrames, tickEntry{handle: h})
			continue
		}
		f, ok := h.PopFrame()
		m.tickFrames = append(m.tickFrames, tickEntry{handle: h, frame: f, ok: ok})
	}
	m.tickPulled = true
}

// TakeOpusFrame returns a native Opus frame directly, bypassing PCM mixing
// entirely, when exactly one track contributed audio this tick and that
// track produced a passthrough Opus frame instead of PCM.
func (m *Mixer) TakeOpusFrame() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	contributing := 0
	var opus []byte
	for _, e := range m.tickFrames {
		if e.ok && (e.frame.PCM != nil || e.frame.Opus != nil) {
			contributing++
			if e.frame.Opus != nil {
				opus = e.frame.Opus
			}
		}
	}
	if contributing == 1 && opus != nil {
		return opus, true
	}
	return nil, false
}

// Mix accumulates this tick's cached PCM frames into out with a saturating
// add, zeroing out first. Returns true iff any track contributed audio.
func (m *Mixer) Mix(out []int16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range out {
		out[i] = 0
	}

	contributed := false
	for _, e := range m.tickFrames {
		if !e.ok || e.frame.PCM == nil {
			continue
		}
		contributed = true
		n := len(e.frame.PCM)
		if n > len(out) {
			n = len(out)
		}
		for i := 0; i < n; i++ {
			out[i] = saturatingAdd(out[i], e.frame.PCM[i])
		}
	}
	return contributed
}

func saturatingAdd(a, b int16) int16 {
	sum := int32(a) + int32(b)
	if sum > 32767 {
		return 32767
	}
	if sum < -32768 {
		return -32768
	}
	return int16(sum)
}

// EndTick clears this tick's cached frames.
func (m *Mixer) EndTick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickFrames = m.tickFrames[:0]
	m.tickPulled = false
}

// StopAll cancels every active track immediately (draining their queues)
// and clears the active set.
func (m *Mixer) StopAll() {
	m.mu.Lock()
	tracks := make([]*track.Handle, len(m.tracks))
	copy(tracks, m.tracks)
	m.tracks = nil
	m.tickFrames = nil
	m.mu.Unlock()

	for _, h := range tracks {
		h.Cancel()
	}
}
