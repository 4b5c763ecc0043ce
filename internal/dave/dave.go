// Package dave implements a spec-scoped subset of Discord's audio
// end-to-end encryption protocol version 1 (an MLS-derived group-keying
// scheme adapted to voice). It is not a general MLS library: it implements
// exactly the operation set spec.md §4.3 names — a single ratcheting group
// key, X25519 identity key pairs, and HKDF-derived per-epoch sender keys — which
// is what protocol-v1 voice E2EE actually needs.
//
// Callers are responsible for serializing access (the gateway session and
// the speak loop share one Handler under an external lock, per spec.md
// §4.3/§5), mirroring the Arc<Mutex<DaveHandler>> pattern in the Rust
// source this was distilled from.
package dave

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	keyPackageVersion = 1
	keyPackageLen     = 1 + 32 // version byte + X25519 public key
	frameNonceLen     = chacha20poly1305.NonceSize
)

// ErrMalformed is returned (and triggers recovery, per spec.md §4.3) when a
// DAVE protocol message cannot be parsed.
var ErrMalformed = errors.New("dave: malformed message")

// keyPair is a local X25519 identity for one session.
type keyPair struct {
	priv [32]byte
	pub  [32]byte
}

func newKeyPair() (keyPair, error) {
	var kp keyPair
	if _, err := rand.Read(kp.priv[:]); err != nil {
		return kp, fmt.Errorf("dave: generate private key: %w", err)
	}
	// Clamp per X25519 convention.
	kp.priv[0] &= 248
	kp.priv[31] &= 127
	kp.priv[31] |= 64

	pub, err := curve25519.X25519(kp.priv[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("dave: derive public key: %w", err)
	}
	copy(kp.pub[:], pub)
	return kp, nil
}

// epoch holds the active ratchet state for one group-key epoch.
type epoch struct {
	number    uint64
	senderKey [32]byte // chacha20poly1305 key for this epoch
	counter   uint64   // per-frame nonce counter within this epoch
}

// Handler is one guild's DAVE session. The zero value is not usable; use
// New.
type Handler struct {
	userID    uint64
	channelID uint64

	identity keyPair
	peerPub  map[uint64][32]byte // connected user id -> their last-known public key

	staged *epoch // prepared but not yet committed (prepare_transition/execute_transition)
	active *epoch // current sender epoch, nil until a commit/welcome completes

	pendingTransitionID uint16
	nextTransitionID    uint16
}

// New returns a Handler for one guild's voice session. channelID == 0
// means E2EE is disabled for this guild (invariant 5): all operations
// become pass-through/no-ops except encrypt_opus, which returns its input
// unchanged.
func New(userID, channelID uint64) *Handler {
	return &Handler{
		userID:    userID,
		channelID: channelID,
		peerPub:   make(map[uint64][32]byte),
	}
}

// Enabled reports whether this guild requested DAVE (channelID != 0).
func (h *Handler) Enabled() bool { return h.channelID != 0 }

// SetupSession generates a fresh local identity key package. version is
// echoed back for protocol negotiation (always 1 for v1).
func (h *Handler) SetupSession(version int) ([]byte, error) {
	if !h.Enabled() {
		return nil, nil
	}
	kp, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	h.identity = kp

	out := make([]byte, keyPackageLen)
	out[0] = keyPackageVersion
	copy(out[1:], kp.pub[:])
	_ = version
	return out, nil
}

// PrepareTransition stages an epoch rollover identified by tid. Returns
// true if the client should acknowledge with op 23. Once a transition has
// been executed, a non-zero tid not greater than the last executed one is
// rejected (invariant 4: monotonic transition ids); a tid is not compared
// with one that is only staged.
func (h *Handler) PrepareTransition(tid uint16, version int) bool {
	if !h.Enabled() {
		return false
	}
	if tid != 0 && tid <= h.nextTransitionID && h.nextTransitionID != 0 {
		return false
	}
	h.pendingTransitionID = tid
	_ = version
	return true
}

// ExecuteTransition commits the staged epoch for tid, rotating the sender
// ratchet. A mismatched or stale tid is ignored.
func (h *Handler) ExecuteTransition(tid uint16) {
	if !h.Enabled() || tid != h.pendingTransitionID {
		return
	}
	if h.staged != nil {
		h.active = h.staged
		h.staged = nil
	}
	h.nextTransitionID = tid
}

// PrepareEpoch is a preparatory hook run before a welcome for the given
// epoch/version arrives. It has no externally visible effect beyond
// recording the expected epoch number.
func (h *Handler) PrepareEpoch(epochNum uint64, version int) {
	if !h.Enabled() {
		return
	}
	h.staged = &epoch{number: epochNum}
	_ = version
}

// ProcessExternalSender derives acknowledgement frames for a newly
// announced external sender (op 25). payload is that sender's key package.
// One response per connected user mirrors the relay's fan-out expectation;
// the content is the local key package so every peer can derive a pairwise
// secret with us.
func (h *Handler) ProcessExternalSender(payload []byte, connectedUsers []uint64) ([][]byte, error) {
	if !h.Enabled() {
		return nil, nil
	}
	if len(payload) < keyPackageLen {
		return nil, fmt.Errorf("%w: external sender key package too short", ErrMalformed)
	}
	var pub [32]byte
	copy(pub[:], payload[1:1+32])

	kp := h.identity
	if kp.pub == ([32]byte{}) {
		var err error
		kp, err = newKeyPair()
		if err != nil {
			return nil, err
		}
		h.identity = kp
	}

	ack := make([]byte, keyPackageLen)
	ack[0] = keyPackageVersion
	copy(ack[1:], kp.pub[:])

	responses := make([][]byte, 0, len(connectedUsers))
	for range connectedUsers {
		cp := make([]byte, len(ack))
		copy(cp, ack)
		responses = append(responses, cp)
	}
	return responses, nil
}

// parseProposals decodes the minimal wire shape this implementation expects
// for op 27 proposals: a list of (userID, pubkey) pairs to admit into the
// group. Real Discord proposals are an opaque MLS TLS-encoded blob; this
// spec-scoped encoding is the layout below.
//
// Layout: [count:u16][ (userID:u64, pubkey:32 bytes) ... ]
func parseProposals(payload []byte) (map[uint64][32]byte, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: proposals too short", ErrMalformed)
	}
	count := binary.BigEndian.Uint16(payload[:2])
	payload = payload[2:]
	const entryLen = 8 + 32
	if len(payload) < int(count)*entryLen {
		return nil, fmt.Errorf("%w: proposals truncated", ErrMalformed)
	}
	out := make(map[uint64][32]byte, count)
	for i := 0; i < int(count); i++ {
		entry := payload[i*entryLen : (i+1)*entryLen]
		uid := binary.BigEndian.Uint64(entry[:8])
		var pub [32]byte
		copy(pub[:], entry[8:])
		out[uid] = pub
	}
	return out, nil
}

// ProcessProposals consumes a proposals blob (op 27) naming the peers to
// admit, and either returns a commit-welcome blob (op 28) or nil if the
// proposal set was empty. On malformed input it returns an ErrMalformed
// error and leaves the handler state unchanged; running the recovery policy
// (Reset()+SetupSession(), per spec.md §4.3) is left to the caller, since
// ProcessProposals cannot know the version to re-announce.
func (h *Handler) ProcessProposals(payload []byte, connectedUsers []uint64) ([]byte, error) {
	if !h.Enabled() {
		return nil, nil
	}
	peers, err := parseProposals(payload)
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, nil
	}
	for uid, pub := range peers {
		h.peerPub[uid] = pub
	}

	groupSecret, err := deriveGroupSecret(h.identity, peers)
	if err != nil {
		return nil, err
	}

	ep := &epoch{number: nextEpochNumber(h.active), senderKey: groupSecret}
	h.staged = ep
	tid := h.pendingTransitionID + 1
	h.pendingTransitionID = tid

	return encodeCommitWelcome(tid, ep.number, groupSecret, connectedUsers)
}

func nextEpochNumber(active *epoch) uint64 {
	if active == nil {
		return 1
	}
	return active.number + 1
}

// deriveGroupSecret derives a per-epoch symmetric key by running HKDF over
// our X25519 private key, salted with the admitted peers' ids and public
// keys. No Diffie-Hellman exchange is performed, so a peer cannot derive the
// same key on its own; the key reaches peers only inside the op 28 blob.
// This stands in for MLS's tree-KEM path secret derivation, collapsed to a
// single-epoch group for the scope spec.md §4.3 names.
func deriveGroupSecret(self keyPair, peers map[uint64][32]byte) ([32]byte, error) {
	var secret [32]byte
	if self.priv == ([32]byte{}) {
		kp, err := newKeyPair()
		if err != nil {
			return secret, err
		}
		self = kp
	}

	h := hkdf.New(sha256.New, self.priv[:], transcriptSalt(peers), []byte("dave-v1-group-secret"))
	if _, err := io.ReadFull(h, secret[:]); err != nil {
		return secret, fmt.Errorf("dave: derive group secret: %w", err)
	}
	return secret, nil
}

// transcriptSalt serializes the admitted peer set in ascending user-id
// order, so the salt does not depend on map iteration order.
func transcriptSalt(peers map[uint64][32]byte) []byte {
	uids := make([]uint64, 0, len(peers))
	for uid := range peers {
		uids = append(uids, uid)
	}
	// Simple insertion sort; peer sets are small (guild voice channel size).
	for i := 1; i < len(uids); i++ {
		for j := i; j > 0 && uids[j-1] > uids[j]; j-- {
			uids[j-1], uids[j] = uids[j], uids[j-1]
		}
	}
	salt := make([]byte, 0, len(uids)*40)
	for _, uid := range uids {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uid)
		salt = append(salt, b[:]...)
		pub := peers[uid]
		salt = append(salt, pub[:]...)
	}
	return salt
}

// encodeCommitWelcome packages a transition id, epoch number, and the raw
// group secret for every connected user into a single op 28 blob. Layout:
// [tid:u16][epoch:u64][secret:32 bytes].
func encodeCommitWelcome(tid uint16, epochNum uint64, secret [32]byte, connectedUsers []uint64) ([]byte, error) {
	_ = connectedUsers
	out := make([]byte, 2+8+32)
	binary.BigEndian.PutUint16(out[0:2], tid)
	binary.BigEndian.PutUint64(out[2:10], epochNum)
	copy(out[10:], secret[:])
	return out, nil
}

func decodeCommitWelcome(payload []byte) (tid uint16, epochNum uint64, secret [32]byte, err error) {
	if len(payload) < 2+8+32 {
		err = fmt.Errorf("%w: commit-welcome too short", ErrMalformed)
		return
	}
	tid = binary.BigEndian.Uint16(payload[0:2])
	epochNum = binary.BigEndian.Uint64(payload[2:10])
	copy(secret[:], payload[10:])
	return
}

// ProcessWelcome advances the session from a welcome message (op 30),
// returning the transition id. A non-zero tid requires the caller to send
// op 23.
func (h *Handler) ProcessWelcome(payload []byte) (uint16, error) {
	if !h.Enabled() {
		return 0, nil
	}
	tid, epochNum, secret, err := decodeCommitWelcome(payload)
	if err != nil {
		return 0, err
	}
	h.active = &epoch{number: epochNum, senderKey: secret}
	h.staged = nil
	return tid, nil
}

// ProcessCommit advances the session from a commit announcement (op 29),
// returning the transition id.
func (h *Handler) ProcessCommit(payload []byte) (uint16, error) {
	if !h.Enabled() {
		return 0, nil
	}
	tid, epochNum, secret, err := decodeCommitWelcome(payload)
	if err != nil {
		return 0, err
	}
	h.active = &epoch{number: epochNum, senderKey: secret}
	h.staged = nil
	return tid, nil
}

// Reset discards all session state, per spec.md §4.3's recovery policy.
func (h *Handler) Reset() {
	h.identity = keyPair{}
	h.peerPub = make(map[uint64][32]byte)
	h.staged = nil
	h.active = nil
	h.pendingTransitionID = 0
	h.nextTransitionID = 0
}

// EncryptOpus wraps payload in the DAVE frame format when a session key is
// active; otherwise it returns payload unchanged (invariant 5: channelID ==
// 0, or no epoch negotiated yet, means cleartext pass-through).
//
// Frame format: [epoch:u64][counter:u64][nonce:12 bytes][ciphertext...].
func (h *Handler) EncryptOpus(payload []byte) ([]byte, error) {
	if !h.Enabled() || h.active == nil {
		return payload, nil
	}

	aead, err := chacha20poly1305.New(h.active.senderKey[:])
	if err != nil {
		return nil, fmt.Errorf("dave: new aead: %w", err)
	}

	var nonce [frameNonceLen]byte
	binary.BigEndian.PutUint64(nonce[:8], h.active.counter)
	counter := h.active.counter
	h.active.counter++

	sealed := aead.Seal(nil, nonce[:], payload, nil)

	out := make([]byte, 0, 8+8+frameNonceLen+len(sealed))
	var epochBuf, counterBuf [8]byte
	binary.BigEndian.PutUint64(epochBuf[:], h.active.number)
	binary.BigEndian.PutUint64(counterBuf[:], counter)
	out = append(out, epochBuf[:]...)
	out = append(out, counterBuf[:]...)
	out = append(out, nonce[:]...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptOpus reverses EncryptOpus, for tests and for a reference peer
// implementation (round-trip property R2). It is not invoked by the
// gateway's own send path, which only ever encrypts outbound audio.
func DecryptOpus(key [32]byte, frame []byte) ([]byte, error) {
	if len(frame) < 8+8+frameNonceLen {
		return nil, fmt.Errorf("%w: dave frame too short", ErrMalformed)
	}
	nonce := frame[16 : 16+frameNonceLen]
	ciphertext := frame[16+frameNonceLen:]

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("dave: new aead: %w", err)
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

// ActiveKey exposes the current sender key for test fixtures that need to
// construct a reference-peer decrypt. Returns ok=false if no epoch is
// active.
func (h *Handler) ActiveKey() (key [32]byte, ok bool) {
	if h.active == nil {
		return key, false
	}
	return h.active.senderKey, true
}
