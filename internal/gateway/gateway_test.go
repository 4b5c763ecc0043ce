package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voicegateway/internal/dave"
	"voicegateway/internal/events"
	"voicegateway/internal/protocol"
)

// fakeWSConn is a hand-written WSConn double driven by a queue of inbound
// frames and a recorder of what the session wrote.
type fakeWSConn struct {
	mu       sync.Mutex
	inbound  [][]byte // raw messages, text unless marked binary
	binMask  map[int]bool
	idx      int
	written  [][]byte
	closed   bool
	closeErr error
	blockCh  chan struct{}
}

func newFakeConn() *fakeWSConn {
	return &fakeWSConn{binMask: make(map[int]bool), blockCh: make(chan struct{})}
}

func (f *fakeWSConn) pushText(v any) {
	b, _ := json.Marshal(v)
	f.mu.Lock()
	f.inbound = append(f.inbound, b)
	f.mu.Unlock()
}

func (f *fakeWSConn) pushFrame(op protocol.VoiceOp, payload any) {
	raw, _ := json.Marshal(payload)
	frame := protocol.Frame{Op: op, D: raw}
	f.pushText(frame)
}

func (f *fakeWSConn) pushClose(code int) {
	f.mu.Lock()
	f.closeErr = &websocket.CloseError{Code: code}
	f.mu.Unlock()
}

func (f *fakeWSConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	if f.idx < len(f.inbound) {
		msg := f.inbound[f.idx]
		mt := websocket.TextMessage
		if f.binMask[f.idx] {
			mt = websocket.BinaryMessage
		}
		f.idx++
		f.mu.Unlock()
		return mt, msg, nil
	}
	closeErr := f.closeErr
	f.mu.Unlock()
	if closeErr != nil {
		return 0, nil, closeErr
	}
	// No more scripted frames and no close queued: block like a live
	// socket would, so the caller's heartbeat goroutine gets to run.
	<-f.blockCh
	return 0, nil, fmt.Errorf("fakeWSConn: closed")
}

func (f *fakeWSConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeWSConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.blockCh)
	}
	return nil
}

// fakePacketConn satisfies PacketConn for IP discovery during the
// handshake portion of connectOnce.
type fakePacketConn struct{}

func (fakePacketConn) WriteTo(b []byte, addr net.Addr) (int, error) { return len(b), nil }
func (fakePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	resp := make([]byte, ipDiscoveryPacketLen)
	copy(resp[8:], "203.0.113.5")
	binary.LittleEndian.PutUint16(resp[72:74], 9999)
	n := copy(b, resp)
	return n, &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9999}, nil
}
func (fakePacketConn) SetReadDeadline(t time.Time) error { return nil }

func readyConnWithHelloAndReady() *fakeWSConn {
	conn := newFakeConn()
	conn.pushFrame(protocol.OpHello, protocol.HelloPayload{HeartbeatIntervalMs: 100})
	conn.pushFrame(protocol.OpReady, protocol.ReadyPayload{
		SSRC:  42,
		IP:    "198.51.100.1",
		Port:  5555,
		Modes: []string{"aead_aes256_gcm_rtpsize"},
	})
	conn.pushFrame(protocol.OpSessionDescription, protocol.SessionDescriptionPayload{
		Mode:      "aead_aes256_gcm_rtpsize",
		SecretKey: make([]byte, 32),
	})
	return conn
}

func newTestSession(dial Dialer) *Session {
	sink := events.NewSink(slog.Default())
	dv := dave.New(1, 0)
	return NewSession(1, IdentifyParams{ServerID: "g", UserID: "u", SessionID: "s", Token: "t"}, dial, fakePacketConn{}, dv, sink, slog.Default())
}

// S1: a full handshake reaches Ready and invokes the OnReady callback.
func TestConnectOnceReachesReady(t *testing.T) {
	conn := readyConnWithHelloAndReady()
	readyCh := make(chan struct{}, 1)

	s := newTestSession(func(ctx context.Context, url string) (WSConn, error) { return conn, nil })
	s.OnReady = func(*HandshakeResult) { readyCh <- struct{}{} }

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go s.Run(ctx, "wss://example.test/")

	select {
	case <-readyCh:
	case <-time.After(time.Second):
		t.Fatal("session never reached Ready")
	}
}

// S2: heartbeats are sent at the negotiated interval once the session is
// Ready.
func TestHeartbeatLoopSendsHeartbeats(t *testing.T) {
	conn := readyConnWithHelloAndReady()
	conn.pushFrame(protocol.OpHeartbeatACK, nil)

	s := newTestSession(func(ctx context.Context, url string) (WSConn, error) { return conn, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go s.Run(ctx, "wss://example.test/")

	time.Sleep(250 * time.Millisecond)

	conn.mu.Lock()
	sawHeartbeat := false
	for _, w := range conn.written {
		var f protocol.Frame
		if json.Unmarshal(w, &f) == nil && f.Op == protocol.OpHeartbeat {
			sawHeartbeat = true
		}
	}
	conn.mu.Unlock()

	if !sawHeartbeat {
		t.Fatal("expected at least one heartbeat frame to be written")
	}
}

// S3: a reconnectable close code (1006) causes the session to reconnect via
// a fresh dial rather than shutting down.
func TestReconnectableCloseRetriesDial(t *testing.T) {
	first := readyConnWithHelloAndReady()
	first.pushClose(1006)

	second := readyConnWithHelloAndReady()

	var mu sync.Mutex
	dialCount := 0
	dial := func(ctx context.Context, url string) (WSConn, error) {
		mu.Lock()
		defer mu.Unlock()
		dialCount++
		if dialCount == 1 {
			return first, nil
		}
		return second, nil
	}

	s := newTestSession(dial)
	readyCount := 0
	var readyMu sync.Mutex
	s.OnReady = func(*HandshakeResult) {
		readyMu.Lock()
		readyCount++
		readyMu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx, "wss://example.test/")
		close(done)
	}()

	time.Sleep(1700 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if dialCount < 2 {
		t.Fatalf("expected at least 2 dial attempts, got %d", dialCount)
	}
}

// S4: a fatal close code (4004) stops the session without further reconnect
// attempts.
func TestFatalCloseStopsSession(t *testing.T) {
	conn := readyConnWithHelloAndReady()
	conn.pushClose(4004)

	s := newTestSession(func(ctx context.Context, url string) (WSConn, error) { return conn, nil })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := s.Run(ctx, "wss://example.test/")
	if err == nil {
		t.Fatal("expected an error for a fatal close code")
	}
	if s.State() != StateShutdown {
		t.Fatalf("state = %v, want StateShutdown", s.State())
	}
}

// S7: a DAVE op 27 proposals message with no peers produces no
// commit-welcome and no attempted recovery, since an empty proposal set is
// not malformed.
func TestDaveProposalsEmptyIsNoop(t *testing.T) {
	conn := readyConnWithHelloAndReady()
	conn.pushFrame(protocol.OpProposals, nil)
	conn.binMask[3] = true
	conn.mu.Lock()
	conn.inbound[3] = []byte{0, 3, byte(protocol.OpProposals), 0, 0} // count=0
	conn.mu.Unlock()
	conn.pushClose(1000)

	sink := events.NewSink(slog.Default())
	dv := dave.New(1, 99) // DAVE enabled
	s := NewSession(1, IdentifyParams{ServerID: "g", UserID: "u", SessionID: "s", Token: "t", ChannelID: 99, DaveVersion: 1},
		func(ctx context.Context, url string) (WSConn, error) { return conn, nil }, fakePacketConn{}, dv, sink, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	s.Run(ctx, "wss://example.test/")

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for _, w := range conn.written {
		if len(w) >= 3 && protocol.VoiceOp(w[2]) == protocol.OpInvalidCommit {
			t.Fatal("unexpected recovery (op 31) for a well-formed empty proposal set")
		}
	}
}

// S7: a malformed op 27 proposals payload triggers the recovery policy —
// op 31 with transition_id 0, then a binary op 26 carrying a fresh key
// package, both observed on the connection.
func TestDaveProposalsMalformedTriggersRecovery(t *testing.T) {
	conn := readyConnWithHelloAndReady()
	conn.pushFrame(protocol.OpProposals, nil)
	conn.binMask[3] = true
	conn.mu.Lock()
	conn.inbound[3] = []byte{0, 3, byte(protocol.OpProposals), 0xFF} // truncated, not a valid count+entries blob
	conn.mu.Unlock()
	conn.pushClose(1000)

	sink := events.NewSink(slog.Default())
	dv := dave.New(1, 99) // DAVE enabled
	s := NewSession(1, IdentifyParams{ServerID: "g", UserID: "u", SessionID: "s", Token: "t", ChannelID: 99, DaveVersion: 1},
		func(ctx context.Context, url string) (WSConn, error) { return conn, nil }, fakePacketConn{}, dv, sink, slog.Default())

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	s.Run(ctx, "wss://example.test/")

	conn.mu.Lock()
	defer conn.mu.Unlock()

	var sawInvalidCommit, sawKeyPackage bool
	var invalidCommitAt, keyPackageAt time.Time
	for _, w := range conn.written {
		if len(w) < 3 {
			continue
		}
		op := protocol.VoiceOp(w[2])
		switch op {
		case protocol.OpInvalidCommit:
			tid := uint16(w[3])<<8 | uint16(w[4])
			if tid != 0 {
				t.Fatalf("op 31 transition_id = %d, want 0", tid)
			}
			sawInvalidCommit = true
			invalidCommitAt = time.Now()
		case protocol.OpKeyPackage:
			if len(w) <= 3 {
				t.Fatal("op 26 key package payload is empty")
			}
			sawKeyPackage = true
			keyPackageAt = time.Now()
		}
	}

	if !sawInvalidCommit {
		t.Fatal("expected op 31 (invalid commit) for malformed proposals")
	}
	if !sawKeyPackage {
		t.Fatal("expected op 26 (key package) resend after recovery")
	}
	if invalidCommitAt.Sub(start) > 100*time.Millisecond || keyPackageAt.Sub(start) > 100*time.Millisecond {
		t.Fatalf("recovery sequence took too long: op31 at %v, op26 at %v", invalidCommitAt.Sub(start), keyPackageAt.Sub(start))
	}
}

func TestClassifyCloseAndBackoffTable(t *testing.T) {
	cases := []struct {
		code int
		want CloseClass
	}{
		{1006, ClassReconnectable},
		{4015, ClassReconnectable},
		{4009, ClassReconnectable},
		{4006, ClassReIdentify},
		{4004, ClassFatal},
		{4014, ClassFatal},
		{1000, ClassUnknown},
	}
	for _, c := range cases {
		if got := ClassifyClose(c.code); got != c.want {
			t.Errorf("ClassifyClose(%d) = %v, want %v", c.code, got, c.want)
		}
	}

	if got, want := backoffDuration(0), time.Second; got != want {
		t.Errorf("backoffDuration(0) = %v, want %v", got, want)
	}
	if got, want := backoffDuration(5), 8*time.Second; got != want {
		t.Errorf("backoffDuration(5) = %v, want %v (shift capped at 3)", got, want)
	}
}

func TestNegotiateModePrefersAEADGCM(t *testing.T) {
	mode, err := negotiateMode([]string{"xsalsa20_poly1305", "aead_aes256_gcm_rtpsize"})
	if err != nil {
		t.Fatal(err)
	}
	if mode != "aead_aes256_gcm_rtpsize" {
		t.Fatalf("mode = %q, want aead_aes256_gcm_rtpsize", mode)
	}

	_, err = negotiateMode([]string{"some_unsupported_mode"})
	if err == nil {
		t.Fatal("expected an error when no offered mode is supported")
	}
}
