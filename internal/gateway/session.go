// Package gateway implements the voice-gateway WebSocket session: the
// connect/identify/resume state machine, heartbeating, IP discovery, mode
// negotiation, and the DAVE message routing table. Grounded on
// client/transport.go's Transport (atomic sequence/RTT bookkeeping, a
// mutex-guarded writer, a cancellable per-connection context) and
// server/client.go's sendRaw/ctrlMu pattern, adapted from the teacher's
// own WebTransport control stream to github.com/gorilla/websocket per
// SPEC_FULL.md §4.8 (Discord's voice gateway speaks wss://, which has no
// QUIC/WebTransport equivalent in the relay this core must talk to).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voicegateway/internal/dave"
	"voicegateway/internal/events"
	"voicegateway/internal/protocol"
)

// State is the voice-gateway session's connection-level state.
type State int32

const (
	StateDisconnected State = iota
	StateAwaitingHello
	StateIdentifying
	StateIPDiscovery
	StateReady
	StateReconnecting
	StateShutdown
)

// Dialer opens a WebSocket connection to the voice-gateway URL.
type Dialer func(ctx context.Context, url string) (WSConn, error)

// DialGorilla is the production Dialer, using gorilla/websocket's default
// dialer.
func DialGorilla(ctx context.Context, url string) (WSConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial %s: %w", url, err)
	}
	return conn, nil
}

// Session is one guild's voice-gateway session.
type Session struct {
	GuildID uint64
	Params  IdentifyParams
	Dial    Dialer
	UDPConn PacketConn
	DAVE    *dave.Handler
	Events  *events.Sink
	Logger  *slog.Logger

	MaxReconnectAttempts int

	state atomic.Int32

	mu          sync.Mutex
	conn        WSConn
	connID      string // correlates log lines across one dial+serve cycle
	seqAck      atomic.Int64
	lastHbSent  atomic.Int64
	pingMs      atomic.Int64
	result      *HandshakeResult
	davePending atomic.Uint32 // synthetic binary-frame sequence counter for our own outbound DAVE acks

	OnReady func(*HandshakeResult)
}

// NewSession returns a Session ready to Run.
func NewSession(guildID uint64, params IdentifyParams, dial Dialer, udpConn PacketConn, dv *dave.Handler, sink *events.Sink, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if dial == nil {
		dial = DialGorilla
	}
	s := &Session{
		GuildID:              guildID,
		Params:               params,
		Dial:                 dial,
		UDPConn:              udpConn,
		DAVE:                 dv,
		Events:               sink,
		Logger:               logger,
		MaxReconnectAttempts: 5,
	}
	s.seqAck.Store(-1)
	return s
}

// State returns the session's current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// Run drives the session's connect/reconnect loop until ctx is cancelled
// or the session becomes fatally closed.
func (s *Session) Run(ctx context.Context, endpointURL string) error {
	attempt := 0
	resume := false

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.state.Store(int32(StateAwaitingHello))
		closeCode, fresh, err := s.connectOnce(ctx, endpointURL, resume)
		if err != nil && closeCode == 0 {
			s.connLogger().Warn("voice gateway connection error", "guild_id", s.GuildID, "error", err)
		}

		if ctx.Err() != nil {
			s.state.Store(int32(StateShutdown))
			return ctx.Err()
		}

		class := ClassifyClose(closeCode)
		switch class {
		case ClassFatal:
			s.state.Store(int32(StateShutdown))
			s.emitClosed(closeCode, true, "fatal close code")
			return fmt.Errorf("gateway: fatal close code %d", closeCode)
		case ClassReIdentify:
			resume = false
			attempt = 0
		default: // reconnectable or unknown: try to resume first
			resume = fresh // only resume if we reached Ready at least once this attempt
		}

		attempt++
		if attempt > s.MaxReconnectAttempts {
			s.state.Store(int32(StateShutdown))
			return fmt.Errorf("gateway: exceeded max reconnect attempts (%d)", s.MaxReconnectAttempts)
		}

		s.state.Store(int32(StateReconnecting))
		s.emitClosed(closeCode, true, "reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDuration(attempt - 1)):
		}
	}
}

// connectOnce performs one dial+handshake+serve cycle. fresh reports
// whether the session reached Ready (so the caller knows whether a future
// reconnect may resume).
func (s *Session) connectOnce(ctx context.Context, endpointURL string, resume bool) (closeCode int, fresh bool, err error) {
	conn, err := s.Dial(ctx, endpointURL)
	if err != nil {
		return 0, false, err
	}
	conn = &lockedConn{WSConn: conn}
	defer conn.Close()

	connID := uuid.New().String()
	s.mu.Lock()
	s.conn = conn
	s.connID = connID
	s.mu.Unlock()
	logger := s.Logger.With("conn_id", connID)

	s.state.Store(int32(StateIdentifying))

	if resume {
		if err := s.resume(conn); err != nil {
			return 0, false, err
		}
	} else {
		result, err := PerformHandshake(ctx, conn, s.Params, s.UDPConn)
		if err != nil {
			return 0, false, err
		}
		s.mu.Lock()
		s.result = result
		s.mu.Unlock()
		s.state.Store(int32(StateReady))
		if s.Params.ChannelID != 0 && s.DAVE != nil && s.DAVE.Enabled() {
			if err := s.sendKeyPackage(conn); err != nil {
				logger.Warn("dave: initial key package send failed", "guild_id", s.GuildID, "error", err)
			}
		}
		if s.OnReady != nil {
			s.OnReady(result)
		}
		s.Events.Emit(events.Event{Type: events.TypeReady, GuildID: fmt.Sprint(s.GuildID)})
	}

	hbInterval := s.heartbeatInterval()
	hbCtx, cancelHb := context.WithCancel(ctx)
	defer cancelHb()
	go s.heartbeatLoop(hbCtx, conn, hbInterval, logger)

	// ReadMessage has no context parameter; closing the connection is what
	// unblocks a pending read once the caller cancels ctx.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	code, err := s.readLoop(conn)
	return code, s.State() == StateReady || s.State() == StateReconnecting, err
}

func (s *Session) heartbeatInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return 5 * time.Second
	}
	return s.result.HeartbeatInterval
}

func (s *Session) heartbeatLoop(ctx context.Context, conn WSConn, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			s.lastHbSent.Store(now)
			err := writeJSON(conn, protocol.OpHeartbeat, protocol.HeartbeatPayload{
				T:      now,
				SeqAck: s.seqAck.Load(),
			})
			if err != nil {
				logger.Warn("heartbeat send failed", "guild_id", s.GuildID, "error", err)
				return
			}
		}
	}
}

// connLogger returns the session logger tagged with the current
// connection's correlation id, for log sites outside connectOnce's scope.
func (s *Session) connLogger() *slog.Logger {
	s.mu.Lock()
	id := s.connID
	s.mu.Unlock()
	if id == "" {
		return s.Logger
	}
	return s.Logger.With("conn_id", id)
}

// readLoop consumes frames until the connection closes, routing DAVE and
// housekeeping ops. It returns the WebSocket close code, if one was sent.
func (s *Session) readLoop(conn WSConn) (closeCode int, err error) {
	for {
		frame, err := readFrame(conn)
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code, nil
			}
			return 0, err
		}
		if frame.Seq >= 0 {
			s.seqAck.Store(frame.Seq)
		}
		s.handleFrame(conn, frame)
	}
}

func (s *Session) handleFrame(conn WSConn, frame inboundFrame) {
	switch frame.Op {
	case protocol.OpHeartbeatACK:
		sent := s.lastHbSent.Load()
		if sent > 0 {
			s.pingMs.Store(time.Now().UnixMilli() - sent)
		}
	case protocol.OpUserConnect, protocol.OpUserDisconnect:
		// Membership churn; no core-level action beyond DAVE external
		// sender bookkeeping, which arrives as its own op.
	case protocol.OpPrepareTransition, protocol.OpExecuteTransition, protocol.OpPrepareEpoch,
		protocol.OpExternalSender, protocol.OpProposals, protocol.OpCommitWelcome,
		protocol.OpAnnounceCommit, protocol.OpWelcome:
		s.handleDaveFrame(conn, frame)
	default:
		s.Logger.Debug("unhandled voice gateway op", "guild_id", s.GuildID, "op", frame.Op)
	}
}

// handleDaveFrame routes one DAVE-family op to the handler, applying the
// recovery policy (reset + op31 + op26 resend) on any parse/process error.
func (s *Session) handleDaveFrame(conn WSConn, frame inboundFrame) {
	if s.DAVE == nil || !s.DAVE.Enabled() {
		return
	}
	var err error
	switch frame.Op {
	case protocol.OpPrepareTransition:
		tid := decodeTransitionID(frame.Binary)
		if s.DAVE.PrepareTransition(tid, 1) {
			err = writeBinary(conn, s.nextDaveSeq(), protocol.OpTransitionReady, encodeTransitionID(tid))
		}
	case protocol.OpExecuteTransition:
		s.DAVE.ExecuteTransition(decodeTransitionID(frame.Binary))
	case protocol.OpPrepareEpoch:
		epoch, version := decodeEpoch(frame.Binary)
		s.DAVE.PrepareEpoch(epoch, version)
	case protocol.OpExternalSender:
		var acks [][]byte
		acks, err = s.DAVE.ProcessExternalSender(frame.Binary, nil)
		for _, ack := range acks {
			if werr := writeBinary(conn, s.nextDaveSeq(), protocol.OpCommitWelcome, ack); werr != nil {
				err = werr
				break
			}
		}
	case protocol.OpProposals:
		var commitWelcome []byte
		commitWelcome, err = s.DAVE.ProcessProposals(frame.Binary, nil)
		if err == nil && commitWelcome != nil {
			err = writeBinary(conn, s.nextDaveSeq(), protocol.OpCommitWelcome, commitWelcome)
		}
	case protocol.OpAnnounceCommit:
		var tid uint16
		tid, err = s.DAVE.ProcessCommit(frame.Binary)
		if err == nil && tid != 0 {
			err = writeBinary(conn, s.nextDaveSeq(), protocol.OpTransitionReady, encodeTransitionID(tid))
		}
	case protocol.OpWelcome:
		var tid uint16
		tid, err = s.DAVE.ProcessWelcome(frame.Binary)
		if err == nil && tid != 0 {
			err = writeBinary(conn, s.nextDaveSeq(), protocol.OpTransitionReady, encodeTransitionID(tid))
		}
	}

	if err != nil {
		s.recoverDave(conn, frame)
	}
}

// recoverDave implements spec.md §4.3's recovery policy: reset, send op 31
// with the failing transition id, then re-send the local key package.
func (s *Session) recoverDave(conn WSConn, frame inboundFrame) {
	logger := s.connLogger()
	tid := decodeTransitionID(frame.Binary)
	s.DAVE.Reset()
	if err := writeBinary(conn, s.nextDaveSeq(), protocol.OpInvalidCommit, encodeTransitionID(tid)); err != nil {
		logger.Warn("dave recovery: send op31 failed", "guild_id", s.GuildID, "error", err)
	}
	if err := s.sendKeyPackage(conn); err != nil {
		logger.Warn("dave recovery: resend key package failed", "guild_id", s.GuildID, "error", err)
	}
}

// sendKeyPackage generates this session's local DAVE key package and relays
// it as op 26, per spec.md §4.3/§4.8: the gateway must do this immediately
// after the op-4 session description whenever DAVE is enabled, not only on
// the error-recovery path.
func (s *Session) sendKeyPackage(conn WSConn) error {
	keyPackage, err := s.DAVE.SetupSession(1)
	if err != nil {
		return fmt.Errorf("gateway: dave setup session: %w", err)
	}
	return writeBinary(conn, s.nextDaveSeq(), protocol.OpKeyPackage, keyPackage)
}

func (s *Session) nextDaveSeq() uint16 {
	return uint16(s.davePending.Add(1))
}

func decodeTransitionID(payload []byte) uint16 {
	if len(payload) < 2 {
		return 0
	}
	return uint16(payload[0])<<8 | uint16(payload[1])
}

func encodeTransitionID(tid uint16) []byte {
	return []byte{byte(tid >> 8), byte(tid)}
}

func decodeEpoch(payload []byte) (epoch uint64, version int) {
	if len(payload) < 9 {
		return 0, 1
	}
	for i := 0; i < 8; i++ {
		epoch = epoch<<8 | uint64(payload[i])
	}
	return epoch, int(payload[8])
}

func (s *Session) resume(conn WSConn) error {
	return writeJSON(conn, protocol.OpResume, protocol.ResumePayload{
		ServerID:  s.Params.ServerID,
		SessionID: s.Params.SessionID,
		Token:     s.Params.Token,
		SeqAck:    s.seqAck.Load(),
	})
}

func (s *Session) emitClosed(code int, byRemote bool, reason string) {
	s.Events.Emit(events.Event{
		Type:      events.TypeWebSocketClosed,
		GuildID:   fmt.Sprint(s.GuildID),
		CloseCode: code,
		ByRemote:  byRemote,
		Reason:    reason,
	})
}

// PingMs returns the most recently measured heartbeat round-trip time.
func (s *Session) PingMs() int64 { return s.pingMs.Load() }

// RemoteUDPAddr returns the negotiated media-plane address, once Ready.
func (s *Session) RemoteUDPAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil
	}
	return s.result.RemoteAddr
}
