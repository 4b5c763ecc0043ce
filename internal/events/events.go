// Package events defines the session events the core emits to the control
// surface and a small per-guild fan-out sink, grounded on the teacher's
// ChannelState.Broadcast / Client.SendControl pattern (non-blocking send on
// a buffered channel, dropped rather than blocking the emitter).
package events

import (
	"log/slog"
	"sync"
	"time"

	"voicegateway/internal/protocol"
)

// Type identifies the kind of session event.
type Type string

const (
	TypeReady            Type = "Ready"
	TypePlayerUpdate     Type = "PlayerUpdate"
	TypeStats            Type = "Stats"
	TypeTrackStart       Type = "TrackStart"
	TypeTrackEnd         Type = "TrackEnd"
	TypeTrackException   Type = "TrackException"
	TypeTrackStuck       Type = "TrackStuck"
	TypeWebSocketClosed  Type = "WebSocketClosed"
	TypeLyricsFound      Type = "LyricsFound"
	TypeLyricsNotFound   Type = "LyricsNotFound"
	TypeLyricsLine       Type = "LyricsLine"
)

// TrackEndReason classifies why a track stopped.
type TrackEndReason string

const (
	ReasonFinished TrackEndReason = "finished"
	ReasonLoadFailed TrackEndReason = "loadFailed"
	ReasonStopped  TrackEndReason = "stopped"
	ReasonReplaced TrackEndReason = "replaced"
	ReasonCleanup  TrackEndReason = "cleanup"
)

// ExceptionSeverity classifies a TrackException.
type ExceptionSeverity string

const (
	SeverityCommon  ExceptionSeverity = "common"
	SeverityFault   ExceptionSeverity = "fault"
	SeveritySuspicious ExceptionSeverity = "suspicious"
)

// Event is one emitted session event. Exactly one of the payload fields is
// populated, according to Type.
type Event struct {
	Type    Type
	GuildID string
	At      time.Time

	// TrackStart / TrackEnd / TrackException
	Track        *protocol.TrackInfo
	EndReason    TrackEndReason
	ExcMessage   string
	ExcSeverity  ExceptionSeverity
	ExcCause     string

	// PlayerUpdate
	PlayerState *protocol.PlayerUpdateState

	// Stats
	Stats *protocol.Stats

	// WebSocketClosed
	CloseCode int
	ByRemote  bool
	Reason    string

	// LyricsLine
	LyricsTimestampMs int64
	LyricsText        string
	LyricsSkipped     bool
}

// Sink fans events out to subscribers without blocking producers. A full
// subscriber channel drops the event rather than stalling the speak loop,
// watcher, or gateway session that emitted it.
type Sink struct {
	mu   sync.Mutex
	subs []chan Event
	log  *slog.Logger
}

// NewSink returns an empty Sink.
func NewSink(log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{log: log}
}

// Subscribe registers a new buffered subscriber channel.
func (s *Sink) Subscribe(buf int) <-chan Event {
	if buf <= 0 {
		buf = 32
	}
	ch := make(chan Event, buf)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Emit delivers ev to every subscriber, dropping on a full channel.
func (s *Sink) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.mu.Lock()
	subs := make([]chan Event, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			s.log.Warn("event dropped, subscriber full", "type", ev.Type, "guild_id", ev.GuildID)
		}
	}
}
