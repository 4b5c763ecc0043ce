// Package player implements the per-guild player context (C9): the
// start_playback sequence and the 500 ms watcher task that emits track
// lifecycle, stuck-detection, PlayerUpdate, and lyrics events. Grounded on
// client/internal/jitter.Buffer's owner/watcher split and
// server/internal/core/channel_state.go's own "one goroutine babysits one
// resource, emits events, observes a stop signal" shape.
package player

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"voicegateway/internal/events"
	"voicegateway/internal/mixer"
	"voicegateway/internal/protocol"
	"voicegateway/internal/track"
)

// LyricsLine is one timestamped line of a track's lyrics.
type LyricsLine struct {
	TimestampMs int64
	Line        string
}

// LyricsTrack is the minimal lyrics shape the watcher needs: a
// timestamp-ordered line index. Lines must be sorted ascending by
// TimestampMs.
type LyricsTrack struct {
	Lines []LyricsLine
}

// indexAt returns the greatest line index whose timestamp is <= positionMs,
// or -1 if none qualifies.
func (lt *LyricsTrack) indexAt(positionMs int64) int {
	idx := -1
	for i, l := range lt.Lines {
		if l.TimestampMs <= positionMs {
			idx = i
		} else {
			break
		}
	}
	return idx
}

const watcherInterval = 500 * time.Millisecond

// Player is one guild's player context.
type Player struct {
	GuildID uint64
	Mixer   *mixer.Mixer
	Events  *events.Sink
	Logger  *slog.Logger

	StuckThresholdMs int64
	UpdateInterval   time.Duration

	// Connected and PingMs are read by the watcher to populate
	// PlayerUpdate. Nothing in this module stores into them.
	Connected atomic.Bool
	PingMs    atomic.Int64

	mu           sync.Mutex
	handle       *track.Handle
	lyrics       *LyricsTrack
	lyricsMu     sync.Mutex
	lastLyricIdx int
	fadeWindow   time.Duration

	watcherCancel context.CancelFunc
	watcherDone   chan struct{}

	stopSignal atomic.Bool
}

// New returns a Player for one guild.
func New(guildID uint64, m *mixer.Mixer, sink *events.Sink, logger *slog.Logger, stuckThresholdMs int64, updateInterval time.Duration) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{
		GuildID:          guildID,
		Mixer:            m,
		Events:           sink,
		Logger:           logger,
		StuckThresholdMs: stuckThresholdMs,
		UpdateInterval:   updateInterval,
		lastLyricIdx:     -1,
	}
}

// Resolver resolves a track identifier into a decodable PlayableTrack. The
// player never knows how audio is fetched; that lives behind this
// interface, mirroring spec.md §4.9's "sources façade".
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (track.PlayableTrack, *protocol.TrackInfo, error)
}

// StartPlayback implements spec.md §4.9's start_playback sequence.
func (p *Player) StartPlayback(ctx context.Context, identifier string, resolver Resolver) error {
	p.mu.Lock()
	prior := p.handle
	p.mu.Unlock()

	if prior != nil && prior.GetState() != track.Stopped {
		p.emitTrackEnd(prior, events.ReasonReplaced)
	}

	p.abortWatcher()
	if prior != nil {
		prior.Cancel()
	}
	p.Mixer.StopAll()

	p.mu.Lock()
	p.handle = nil
	p.lyrics = nil
	p.lastLyricIdx = -1
	p.stopSignal.Store(false)
	p.mu.Unlock()

	pt, info, err := resolver.Resolve(ctx, identifier)
	if err != nil {
		p.Events.Emit(events.Event{
			Type: events.TypeTrackException, GuildID: p.guildKey(),
			ExcMessage: err.Error(), ExcSeverity: events.SeverityCommon,
		})
		p.Events.Emit(events.Event{
			Type: events.TypeTrackEnd, GuildID: p.guildKey(),
			EndReason: events.ReasonLoadFailed,
		})
		return fmt.Errorf("player: resolve %s: %w", identifier, err)
	}

	h, err := track.Start(ctx, pt, p.fadeWindow)
	if err != nil {
		p.Events.Emit(events.Event{
			Type: events.TypeTrackException, GuildID: p.guildKey(),
			ExcMessage: err.Error(), ExcSeverity: events.SeverityFault,
		})
		p.Events.Emit(events.Event{
			Type: events.TypeTrackEnd, GuildID: p.guildKey(),
			EndReason: events.ReasonLoadFailed,
		})
		return fmt.Errorf("player: start decoding %s: %w", identifier, err)
	}

	if err := p.Mixer.AddTrack(h); err != nil {
		h.Cancel()
		return fmt.Errorf("player: register with mixer: %w", err)
	}

	p.mu.Lock()
	p.handle = h
	p.mu.Unlock()

	p.Events.Emit(events.Event{Type: events.TypeTrackStart, GuildID: p.guildKey(), Track: info})

	p.spawnWatcher(ctx, h)
	return nil
}

// SetLyrics attaches a lyrics index for the currently playing track. A nil
// argument clears it.
func (p *Player) SetLyrics(lt *LyricsTrack) {
	p.lyricsMu.Lock()
	defer p.lyricsMu.Unlock()
	p.lyrics = lt
	p.lastLyricIdx = -1
}

// Stop requests an orderly stop of the current track. The watcher observes
// the stop signal on its next tick and emits TrackEnd(Stopped).
func (p *Player) Stop() {
	p.stopSignal.Store(true)
	p.mu.Lock()
	h := p.handle
	p.mu.Unlock()
	if h != nil {
		h.Stop()
	}
}

// Handle returns the currently active track handle, if any.
func (p *Player) Handle() *track.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle
}

// Shutdown tears the player context down: cancels the watcher and any
// active track, and clears the mixer. Idiomatic Go stand-in for dropping
// the player context and its cancellation token (spec.md §5).
func (p *Player) Shutdown() {
	p.abortWatcher()
	p.mu.Lock()
	h := p.handle
	p.handle = nil
	p.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
	p.Mixer.StopAll()
}

func (p *Player) abortWatcher() {
	p.mu.Lock()
	cancel := p.watcherCancel
	done := p.watcherDone
	p.watcherCancel = nil
	p.watcherDone = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *Player) spawnWatcher(ctx context.Context, h *track.Handle) {
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	p.watcherCancel = cancel
	p.watcherDone = done
	p.mu.Unlock()

	go p.runWatcher(wctx, h, done)
}

func (p *Player) runWatcher(ctx context.Context, h *track.Handle, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(watcherInterval)
	defer ticker.Stop()

	updateEvery := p.UpdateInterval
	if updateEvery <= 0 {
		updateEvery = 5 * time.Second
	}
	lastUpdate := time.Time{}

	lastPosition := int64(-1)
	stuckSince := time.Time{}
	stuckFired := false

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if p.stopSignal.Load() {
				p.emitTrackEnd(h, events.ReasonStopped)
				return
			}

			state := h.GetState()
			if state == track.Stopped {
				if msg, ok := h.FatalError(); ok {
					p.Events.Emit(events.Event{
						Type: events.TypeTrackException, GuildID: p.guildKey(),
						ExcMessage: msg, ExcSeverity: events.SeverityFault,
					})
					p.Events.Emit(events.Event{
						Type: events.TypeTrackEnd, GuildID: p.guildKey(),
						EndReason: events.ReasonLoadFailed,
					})
				} else {
					p.Events.Emit(events.Event{
						Type: events.TypeTrackEnd, GuildID: p.guildKey(),
						EndReason: events.ReasonFinished,
					})
				}
				return
			}

			position := h.GetPosition()
			if state == track.Playing {
				if position != lastPosition {
					lastPosition = position
					stuckSince = now
					stuckFired = false
				} else if !stuckFired {
					threshold := track.StuckThresholdMs(p.StuckThresholdMs, position)
					if stuckSince.IsZero() {
						stuckSince = now
					}
					if now.Sub(stuckSince) >= time.Duration(threshold)*time.Millisecond {
						p.Events.Emit(events.Event{Type: events.TypeTrackStuck, GuildID: p.guildKey()})
						p.emitPlayerUpdate(position)
						stuckFired = true
					}
				}
			} else {
				lastPosition = position
			}

			if lastUpdate.IsZero() || now.Sub(lastUpdate) >= updateEvery {
				p.emitPlayerUpdate(position)
				lastUpdate = now
			}

			p.lyricsTick(position)
		}
	}
}

func (p *Player) lyricsTick(position int64) {
	if !p.lyricsMu.TryLock() {
		return
	}
	defer p.lyricsMu.Unlock()

	if p.lyrics == nil {
		return
	}
	idx := p.lyrics.indexAt(position)
	if idx == p.lastLyricIdx {
		return
	}

	if idx > p.lastLyricIdx {
		for i := p.lastLyricIdx + 1; i <= idx; i++ {
			line := p.lyrics.Lines[i]
			p.Events.Emit(events.Event{
				Type: events.TypeLyricsLine, GuildID: p.guildKey(),
				LyricsTimestampMs: line.TimestampMs, LyricsText: line.Line,
				LyricsSkipped: i != idx,
			})
		}
	} else {
		line := p.lyrics.Lines[idx]
		p.Events.Emit(events.Event{
			Type: events.TypeLyricsLine, GuildID: p.guildKey(),
			LyricsTimestampMs: line.TimestampMs, LyricsText: line.Line,
		})
	}
	p.lastLyricIdx = idx
}

func (p *Player) emitPlayerUpdate(position int64) {
	p.Events.Emit(events.Event{
		Type: events.TypePlayerUpdate, GuildID: p.guildKey(),
		PlayerState: &protocol.PlayerUpdateState{
			Time:      time.Now().UnixMilli(),
			Position:  position,
			Connected: p.Connected.Load(),
			PingMs:    p.PingMs.Load(),
		},
	})
}

func (p *Player) emitTrackEnd(h *track.Handle, reason events.TrackEndReason) {
	p.Events.Emit(events.Event{Type: events.TypeTrackEnd, GuildID: p.guildKey(), EndReason: reason})
}

func (p *Player) guildKey() string { return fmt.Sprint(p.GuildID) }
