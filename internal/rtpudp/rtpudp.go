// Package rtpudp builds RTP-framed, encrypted UDP datagrams for the voice
// relay's media plane, grounded on spec.md §4.2/§6.2 and on the teacher's
// own (unwired) github.com/pion/rtp dependency, wired here for header
// construction. Encryption composes stdlib crypto/aes+crypto/cipher (AES-GCM,
// a case where the standard library already provides the certified
// constant-time implementation the task calls for) with
// golang.org/x/crypto/nacl/secretbox for the legacy xsalsa20_poly1305 mode.
package rtpudp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pion/rtp"
	"golang.org/x/crypto/nacl/secretbox"
)

// Mode is a negotiated RTP payload encryption mode.
type Mode string

const (
	ModeAEADAES256GCMRTPSize Mode = "aead_aes256_gcm_rtpsize"
	ModeXSalsa20Poly1305     Mode = "xsalsa20_poly1305"
)

const (
	rtpPayloadType  = 0x78
	rtpVersion      = 2
	samplesPerFrame = 960
	gcmCounterPad   = 4 // trailing 4-byte counter appended to the AES-GCM datagram
)

// Conn abstracts the bound UDP socket so tests can substitute a fake.
type Conn interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Backend holds per-session UDP media state: socket, remote address, SSRC,
// encryption key, negotiated mode, and the monotonic RTP counters.
type Backend struct {
	conn   Conn
	remote net.Addr
	ssrc   uint32
	key    [32]byte
	mode   Mode

	sequence  uint16
	timestamp uint32
	gcmCount  uint32

	aead cipher.AEAD // non-nil only for AEAD-GCM mode
}

// New returns a Backend bound to conn/remote, using key and mode. sequence
// and timestamp start at randomized values, matching the relay's own
// expectation that a fresh session does not start at zero (a minor
// anti-fingerprinting measure the source protocol expects).
func New(conn Conn, remote net.Addr, ssrc uint32, key [32]byte, mode Mode) (*Backend, error) {
	b := &Backend{
		conn:   conn,
		remote: remote,
		ssrc:   ssrc,
		key:    key,
		mode:   mode,
	}

	var seedBuf [4]byte
	if _, err := rand.Read(seedBuf[:]); err != nil {
		return nil, fmt.Errorf("rtpudp: seed random state: %w", err)
	}
	b.sequence = uint16(binary.BigEndian.Uint16(seedBuf[:2]))
	b.timestamp = binary.BigEndian.Uint32(seedBuf[:]) &^ 0x3 // keep frame-aligned-ish

	if mode == ModeAEADAES256GCMRTPSize {
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, fmt.Errorf("rtpudp: aes cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("rtpudp: gcm: %w", err)
		}
		b.aead = aead
	} else if mode != ModeXSalsa20Poly1305 {
		return nil, fmt.Errorf("rtpudp: unsupported mode %q", mode)
	}

	return b, nil
}

// buildHeader returns the 12-byte RTP header for the current sequence and
// timestamp, per spec.md §6.2.
func (b *Backend) buildHeader() []byte {
	header := &rtp.Header{
		Version:        rtpVersion,
		PayloadType:    rtpPayloadType,
		SequenceNumber: b.sequence,
		Timestamp:      b.timestamp,
		SSRC:           b.ssrc,
	}
	buf, _ := header.Marshal() // fixed-size header with no extensions; cannot fail
	return buf
}

// SendOpusPacket encrypts payload per the negotiated mode, builds the RTP
// header, and sends one UDP datagram. It always advances the sequence and
// timestamp counters, preserving invariant 3 (strictly monotonic RTP
// numbering) even on a send error.
func (b *Backend) SendOpusPacket(payload []byte) error {
	header := b.buildHeader()

	var datagram []byte
	var err error
	switch b.mode {
	case ModeAEADAES256GCMRTPSize:
		datagram, err = b.encryptGCM(header, payload)
	case ModeXSalsa20Poly1305:
		datagram, err = b.encryptSecretbox(header, payload)
	default:
		err = fmt.Errorf("rtpudp: unsupported mode %q", b.mode)
	}

	b.sequence++
	b.timestamp += samplesPerFrame

	if err != nil {
		return fmt.Errorf("rtpudp: encrypt: %w", err)
	}

	if _, err := b.conn.WriteTo(datagram, b.remote); err != nil {
		return fmt.Errorf("rtpudp: send: %w", err)
	}
	return nil
}

// encryptGCM implements aead_aes256_gcm_rtpsize: nonce is a 32-bit counter
// right-padded into a 12-byte buffer, AAD is the RTP header, and the 4-byte
// counter is appended as a trailer so the receiver can reconstruct the
// nonce without a separate channel.
func (b *Backend) encryptGCM(header, payload []byte) ([]byte, error) {
	var nonce [12]byte
	binary.BigEndian.PutUint32(nonce[:4], b.gcmCount)

	sealed := b.aead.Seal(nil, nonce[:], payload, header)

	var counterTrailer [gcmCounterPad]byte
	binary.BigEndian.PutUint32(counterTrailer[:], b.gcmCount)
	b.gcmCount++

	out := make([]byte, 0, len(header)+len(sealed)+gcmCounterPad)
	out = append(out, header...)
	out = append(out, sealed...)
	out = append(out, counterTrailer[:]...)
	return out, nil
}

// encryptSecretbox implements xsalsa20_poly1305: the 24-byte nonce is the
// RTP header zero-padded to nacl's nonce size.
func (b *Backend) encryptSecretbox(header, payload []byte) ([]byte, error) {
	var nonce [24]byte
	copy(nonce[:], header)

	sealed := secretbox.Seal(nil, payload, &nonce, &b.key)

	out := make([]byte, 0, len(header)+len(sealed))
	out = append(out, header...)
	out = append(out, sealed...)
	return out, nil
}

// Sequence returns the next sequence number that will be sent (for tests).
func (b *Backend) Sequence() uint16 { return b.sequence }

// Timestamp returns the next timestamp that will be sent (for tests).
func (b *Backend) Timestamp() uint32 { return b.timestamp }
