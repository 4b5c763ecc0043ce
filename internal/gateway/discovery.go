package gateway

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	ipDiscoveryPacketLen = 74
	ipDiscoveryTimeout   = 2 * time.Second
)

// PacketConn is the minimal UDP socket surface IP discovery needs,
// satisfied directly by *net.UDPConn.
type PacketConn interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	ReadFrom(b []byte) (int, net.Addr, error)
	SetReadDeadline(t time.Time) error
}

// buildDiscoveryPacket returns the 74-byte IP-discovery probe: a type/length
// header, the big-endian SSRC, and zero padding out to the fixed packet
// size. The exact byte layout is pinned against
// original_source/src/voice/gateway.rs's discover_ip (spec.md's own prose
// description rounds the zero-padding length inconsistently; the wire
// format here matches what the relay actually sends/expects).
func buildDiscoveryPacket(ssrc uint32) []byte {
	packet := make([]byte, ipDiscoveryPacketLen)
	packet[0] = 0x00
	packet[1] = 0x01
	packet[2] = 0x00
	packet[3] = 0x46
	packet[4] = byte(ssrc >> 24)
	packet[5] = byte(ssrc >> 16)
	packet[6] = byte(ssrc >> 8)
	packet[7] = byte(ssrc)
	return packet
}

// parseDiscoveryResponse extracts the externally-visible IP/port from a
// discovery reply datagram.
func parseDiscoveryResponse(buf []byte) (ip string, port int, err error) {
	if len(buf) < ipDiscoveryPacketLen {
		return "", 0, fmt.Errorf("gateway: ip discovery response too short: %d bytes", len(buf))
	}
	ip = strings.TrimRight(string(buf[8:72]), "\x00")
	port = int(buf[72]) | int(buf[73])<<8
	return ip, port, nil
}

// discoverIP sends the probe to remote over conn and blocks (up to
// ipDiscoveryTimeout) for the relay's reply.
func discoverIP(ctx context.Context, conn PacketConn, remote net.Addr, ssrc uint32) (ip string, port int, err error) {
	packet := buildDiscoveryPacket(ssrc)
	if _, err := conn.WriteTo(packet, remote); err != nil {
		return "", 0, fmt.Errorf("gateway: send ip discovery probe: %w", err)
	}

	deadline := time.Now().Add(ipDiscoveryTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", 0, fmt.Errorf("gateway: set read deadline: %w", err)
	}

	buf := make([]byte, ipDiscoveryPacketLen)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return "", 0, fmt.Errorf("gateway: ip discovery timeout or read error: %w", err)
	}
	return parseDiscoveryResponse(buf[:n])
}
