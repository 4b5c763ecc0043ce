// Package registry owns the process-wide guild-id -> resources map: one
// Player, one voice-gateway Session, and one Mixer per guild. Grounded on
// the teacher's Room, which keeps a single map of ChannelState by channel
// id behind a mutex and exposes Get-or-create/Remove accessors.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"voicegateway/internal/dave"
	"voicegateway/internal/events"
	"voicegateway/internal/filters"
	"voicegateway/internal/gateway"
	"voicegateway/internal/mixer"
	"voicegateway/internal/opuscodec"
	"voicegateway/internal/player"
	"voicegateway/internal/speak"
)

// Guild bundles the per-guild resource triple (plus the speak loop, filter
// chain, and DAVE handler that tie them together).
type Guild struct {
	ID      uint64
	Mixer   *mixer.Mixer
	Chain   *filters.Chain
	Player  *player.Player
	Session *gateway.Session
	DAVE    *dave.Handler

	speakCancel context.CancelFunc
	speakDone   chan struct{}
}

// Config bundles the defaults a newly registered guild is built with.
type Config struct {
	MaxTracks        int
	StuckThresholdMs int64
	UpdateInterval   time.Duration
}

// Registry is the process-wide guild table.
type Registry struct {
	mu     sync.RWMutex
	guilds map[uint64]*Guild

	Events *events.Sink
	Logger *slog.Logger
	Config Config
}

// New returns an empty Registry.
func New(sink *events.Sink, logger *slog.Logger, cfg Config) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTracks < 1 {
		cfg.MaxTracks = 1
	}
	return &Registry{
		guilds: make(map[uint64]*Guild),
		Events: sink,
		Logger: logger,
		Config: cfg,
	}
}

// GetOrCreate returns the Guild for id, creating its Mixer, filter Chain
// and Player on first access. The DAVE handler and the voice-gateway
// Session are created separately by Connect, once credentials are available.
func (r *Registry) GetOrCreate(id uint64) *Guild {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.guilds[id]; ok {
		return g
	}

	m := mixer.New(r.Config.MaxTracks)
	g := &Guild{
		ID:     id,
		Mixer:  m,
		Chain:  filters.NewChain(),
		Player: player.New(id, m, r.Events, r.Logger, r.Config.StuckThresholdMs, r.Config.UpdateInterval),
	}
	r.guilds[id] = g
	return g
}

// Get returns the Guild for id, if registered.
func (r *Registry) Get(id uint64) (*Guild, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.guilds[id]
	return g, ok
}

// Connect establishes the voice-gateway session for a guild, starts DAVE
// (when channelID != 0), and once the session reaches Ready, spawns the
// speak loop wired to that guild's mixer.
func (r *Registry) Connect(ctx context.Context, id uint64, endpointURL string, params gateway.IdentifyParams, udpConn gateway.PacketConn, sender speak.UDPSender, encoder *opuscodec.Encoder) error {
	g := r.GetOrCreate(id)

	r.mu.Lock()
	if g.Session != nil {
		r.mu.Unlock()
		return fmt.Errorf("registry: guild %d already connected", id)
	}
	// params.UserID is the relay-assigned snowflake for this process's own
	// voice identity; DAVE keys its own key package and peer map off it, not
	// off the guild id.
	userID, err := strconv.ParseUint(params.UserID, 10, 64)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("registry: guild %d: invalid user id %q: %w", id, params.UserID, err)
	}
	dv := dave.New(userID, params.ChannelID)
	g.DAVE = dv
	sess := gateway.NewSession(id, params, gateway.DialGorilla, udpConn, dv, r.Events, r.Logger)
	g.Session = sess
	r.mu.Unlock()

	sess.OnReady = func(*gateway.HandshakeResult) {
		r.startSpeakLoop(g, sender, encoder)
	}

	return sess.Run(ctx, endpointURL)
}

func (r *Registry) startSpeakLoop(g *Guild, sender speak.UDPSender, encoder *opuscodec.Encoder) {
	r.mu.Lock()
	if g.speakCancel != nil {
		r.mu.Unlock()
		return // already running (re-identify with an unchanged session)
	}

	var mixerMu, chainMu, daveMu sync.Mutex
	loop := speak.New(g.ID, g.Mixer, &mixerMu, g.Chain, &chainMu, g.DAVE, &daveMu, encoder, sender, r.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	g.speakCancel = cancel
	g.speakDone = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		loop.Run(ctx)
	}()
}

// Remove unregisters a guild, stops its speak loop and shuts its player
// down. The gateway session is not closed here; it keeps running until the
// context passed to Connect is cancelled.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	g, ok := r.guilds[id]
	if ok {
		delete(r.guilds, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if g.speakCancel != nil {
		g.speakCancel()
		<-g.speakDone
	}
	g.Player.Shutdown()
}

// Guilds returns a snapshot of every currently registered guild id.
func (r *Registry) Guilds() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.guilds))
	for id := range r.guilds {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of currently registered guilds.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.guilds)
}
