// Package speak implements the 20 ms audio production loop: mix, filter,
// encode, encrypt, send. The ticker itself supplies "skip missed ticks"
// semantics for free — stdlib time.Ticker already drops intermediate ticks
// for a slow receiver rather than bursting them (see its doc comment),
// which is exactly the behavior spec.md §4.7 asks for and a deliberate
// departure from the original source's MissedTickBehavior::Burst (see
// SPEC_FULL.md's REDESIGN FLAGS).
package speak

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voicegateway/internal/dave"
	"voicegateway/internal/filters"
	"voicegateway/internal/mixer"
	"voicegateway/internal/opuscodec"
)

const (
	tickInterval           = 20 * time.Millisecond
	silenceFramesAfterLast = 5
)

// UDPSender abstracts the media-plane send so the loop can be tested
// without a real socket.
type UDPSender interface {
	SendOpusPacket(payload []byte) error
}

// Counters tracks the loop's lifetime send statistics.
type Counters struct {
	mu           sync.Mutex
	FramesSent   int64
	FramesNulled int64
}

func (c *Counters) recordSent() {
	c.mu.Lock()
	c.FramesSent++
	c.mu.Unlock()
}

func (c *Counters) recordNulled() {
	c.mu.Lock()
	c.FramesNulled++
	c.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (c *Counters) Snapshot() (sent, nulled int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.FramesSent, c.FramesNulled
}

// Loop is one guild's speak loop. Mixer, Chain, and DAVE are shared with
// the rest of the guild's tasks; callers must guard them with mu per
// spec.md §4.7's lock-ordering contract (mixer briefly, then filter chain,
// then DAVE, each released before the next stage starts).
type Loop struct {
	GuildID uint64

	Mixer   *mixer.Mixer
	MixerMu *sync.Mutex

	Chain   *filters.Chain
	ChainMu *sync.Mutex

	DAVE   *dave.Handler
	DAVEMu *sync.Mutex

	Encoder *opuscodec.Encoder
	Sender  UDPSender

	Counters *Counters
	Logger   *slog.Logger

	silenceStreak int
}

// New returns a Loop ready to Run.
func New(guildID uint64, m *mixer.Mixer, mMu *sync.Mutex, chain *filters.Chain, cMu *sync.Mutex, dv *dave.Handler, dMu *sync.Mutex, enc *opuscodec.Encoder, sender UDPSender, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		GuildID:  guildID,
		Mixer:    m,
		MixerMu:  mMu,
		Chain:    chain,
		ChainMu:  cMu,
		DAVE:     dv,
		DAVEMu:   dMu,
		Encoder:  enc,
		Sender:   sender,
		Counters: &Counters{},
		Logger:   logger,
	}
}

// Run drives the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	l.Logger.Info("speak loop started", "guild_id", l.GuildID)
	defer l.Logger.Info("speak loop stopped", "guild_id", l.GuildID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	l.MixerMu.Lock()
	l.Mixer.BeginTick()
	opusFrame, passthrough := l.Mixer.TakeOpusFrame()
	var pcm [filters.FrameLength]int16
	hasAudio := passthrough
	if !passthrough {
		hasAudio = l.Mixer.Mix(pcm[:])
	}
	l.Mixer.EndTick()
	l.MixerMu.Unlock()

	if passthrough {
		l.sendEncrypted(opusFrame)
		l.Counters.recordSent()
		l.silenceStreak = 0
		return
	}

	if hasAudio {
		l.Counters.recordSent()
		l.silenceStreak = 0
	} else {
		l.Counters.recordNulled()
		if l.silenceStreak >= silenceFramesAfterLast {
			return // suppressed: remote should treat this as packet loss, not speech
		}
		l.silenceStreak++
		for i := range pcm {
			pcm[i] = 0
		}
	}

	frame := pcm[:]

	l.ChainMu.Lock()
	var timescaleOut [filters.FrameLength]int16
	ready := true
	if l.Chain.IsActive() {
		l.Chain.Process(frame)
		if l.Chain.HasTimescale() {
			ready = l.Chain.FillFrame(timescaleOut[:])
			if ready {
				frame = timescaleOut[:]
			}
		}
	}
	l.ChainMu.Unlock()

	if !ready {
		return // timescale stage has not accumulated a full output frame yet
	}

	encoded, err := l.Encoder.Encode(frame)
	if err != nil {
		l.Logger.Warn("opus encode failed", "guild_id", l.GuildID, "error", err)
		return
	}

	l.sendEncrypted(encoded)
}

func (l *Loop) sendEncrypted(payload []byte) {
	l.DAVEMu.Lock()
	encrypted, err := l.DAVE.EncryptOpus(payload)
	l.DAVEMu.Unlock()
	if err != nil {
		l.Logger.Warn("dave encrypt failed", "guild_id", l.GuildID, "error", err)
		return
	}

	if err := l.Sender.SendOpusPacket(encrypted); err != nil {
		l.Logger.Warn("udp send failed", "guild_id", l.GuildID, "error", fmt.Errorf("speak: %w", err))
	}
}
