package dave

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestDisabledIsPassthrough(t *testing.T) {
	h := New(1, 0)
	if h.Enabled() {
		t.Fatal("channelID 0 should disable DAVE")
	}
	kp, err := h.SetupSession(1)
	if err != nil || kp != nil {
		t.Fatalf("SetupSession on disabled handler: kp=%v err=%v", kp, err)
	}
	out, err := h.EncryptOpus([]byte("payload"))
	if err != nil {
		t.Fatalf("EncryptOpus: %v", err)
	}
	if !bytes.Equal(out, []byte("payload")) {
		t.Fatalf("disabled EncryptOpus must pass through unchanged, got %q", out)
	}
}

func TestSetupSessionProducesKeyPackage(t *testing.T) {
	h := New(1, 99)
	kp, err := h.SetupSession(1)
	if err != nil {
		t.Fatalf("SetupSession: %v", err)
	}
	if len(kp) != keyPackageLen {
		t.Fatalf("key package length = %d, want %d", len(kp), keyPackageLen)
	}
	if kp[0] != keyPackageVersion {
		t.Fatalf("key package version = %d, want %d", kp[0], keyPackageVersion)
	}
}

func TestPassthroughBeforeEpoch(t *testing.T) {
	h := New(1, 99)
	if _, err := h.SetupSession(1); err != nil {
		t.Fatalf("SetupSession: %v", err)
	}
	payload := []byte("opus-frame-bytes")
	out, err := h.EncryptOpus(payload)
	if err != nil {
		t.Fatalf("EncryptOpus: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("EncryptOpus before any epoch must pass through, got %q want %q", out, payload)
	}
}

func TestProcessProposalsThenEncryptRoundTrip(t *testing.T) {
	h := New(1, 99)
	if _, err := h.SetupSession(1); err != nil {
		t.Fatalf("SetupSession: %v", err)
	}

	proposal := encodeTestProposal(t, map[uint64][32]byte{
		2: {1, 2, 3, 4},
	})

	commitWelcome, err := h.ProcessProposals(proposal, []uint64{2})
	if err != nil {
		t.Fatalf("ProcessProposals: %v", err)
	}
	if commitWelcome == nil {
		t.Fatal("expected non-nil commit-welcome for non-empty proposal")
	}

	tid, epochNum, secret, err := decodeCommitWelcome(commitWelcome)
	if err != nil {
		t.Fatalf("decodeCommitWelcome: %v", err)
	}
	if tid == 0 {
		t.Fatal("expected non-zero transition id")
	}
	if epochNum != 1 {
		t.Fatalf("first epoch number = %d, want 1", epochNum)
	}

	h.ExecuteTransition(0) // mismatched tid: no-op
	if _, ok := h.ActiveKey(); ok {
		t.Fatal("ExecuteTransition with wrong tid must not activate staged epoch")
	}

	h.PrepareTransition(tid, 1)
	h.staged = &epoch{number: epochNum, senderKey: secret}
	h.pendingTransitionID = tid
	h.ExecuteTransition(tid)

	key, ok := h.ActiveKey()
	if !ok {
		t.Fatal("expected active key after ExecuteTransition")
	}
	if key != secret {
		t.Fatal("active key does not match committed secret")
	}

	frame := []byte("twenty-millisecond-opus-payload")
	encrypted, err := h.EncryptOpus(frame)
	if err != nil {
		t.Fatalf("EncryptOpus: %v", err)
	}
	if bytes.Equal(encrypted, frame) {
		t.Fatal("EncryptOpus with an active epoch must not pass through")
	}

	decrypted, err := DecryptOpus(key, encrypted)
	if err != nil {
		t.Fatalf("DecryptOpus: %v", err)
	}
	if !bytes.Equal(decrypted, frame) {
		t.Fatalf("decrypted = %q, want %q", decrypted, frame)
	}
}

func TestEncryptOpusNonceAdvancesPerFrame(t *testing.T) {
	h := New(1, 99)
	if _, err := h.SetupSession(1); err != nil {
		t.Fatalf("SetupSession: %v", err)
	}
	h.active = &epoch{number: 1, senderKey: [32]byte{9, 9, 9}}

	first, err := h.EncryptOpus([]byte("frame-a"))
	if err != nil {
		t.Fatalf("EncryptOpus: %v", err)
	}
	second, err := h.EncryptOpus([]byte("frame-b"))
	if err != nil {
		t.Fatalf("EncryptOpus: %v", err)
	}
	firstCounter := binary.BigEndian.Uint64(first[8:16])
	secondCounter := binary.BigEndian.Uint64(second[8:16])
	if secondCounter != firstCounter+1 {
		t.Fatalf("frame counter did not advance monotonically: %d then %d", firstCounter, secondCounter)
	}
}

func TestProcessExternalSenderMalformed(t *testing.T) {
	h := New(1, 99)
	if _, err := h.ProcessExternalSender([]byte{1, 2, 3}, []uint64{2}); err == nil {
		t.Fatal("expected ErrMalformed for short external sender payload")
	}
}

func TestProcessWelcomeAndCommitMalformed(t *testing.T) {
	h := New(1, 99)
	if _, err := h.ProcessWelcome([]byte{1, 2}); err == nil {
		t.Fatal("expected ErrMalformed for short welcome payload")
	}
	if _, err := h.ProcessCommit([]byte{1, 2}); err == nil {
		t.Fatal("expected ErrMalformed for short commit payload")
	}
}

func TestResetClearsState(t *testing.T) {
	h := New(1, 99)
	if _, err := h.SetupSession(1); err != nil {
		t.Fatalf("SetupSession: %v", err)
	}
	h.active = &epoch{number: 5, senderKey: [32]byte{1}}
	h.Reset()
	if _, ok := h.ActiveKey(); ok {
		t.Fatal("Reset must clear the active epoch")
	}
	if h.identity.pub != ([32]byte{}) {
		t.Fatal("Reset must clear the local identity")
	}
}

func encodeTestProposal(t *testing.T, peers map[uint64][32]byte) []byte {
	t.Helper()
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(peers)))
	for uid, pub := range peers {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uid)
		out = append(out, b[:]...)
		out = append(out, pub[:]...)
	}
	return out
}
