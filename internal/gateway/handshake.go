package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"voicegateway/internal/protocol"
	"voicegateway/internal/rtpudp"
)

// IdentifyParams carries the values the control surface supplies to start a
// voice-gateway session.
type IdentifyParams struct {
	ServerID    string
	UserID      string
	SessionID   string
	Token       string
	ChannelID   uint64 // 0 means no DAVE requested
	DaveVersion int    // max_dave_protocol_version to advertise; 0 if ChannelID == 0
}

// HandshakeResult is everything the rest of the session needs once the
// relay has handed out a session description.
type HandshakeResult struct {
	SSRC              uint32
	RemoteAddr        *net.UDPAddr
	Mode              rtpudp.Mode
	SecretKey         [32]byte
	HeartbeatInterval time.Duration
	LocalIP           string
	LocalPort         int
}

// negotiateMode picks the first mode this gateway supports from the
// relay's offered list, preferring AEAD-GCM over the legacy xsalsa20 mode,
// per spec.md §4.8.
func negotiateMode(offered []string) (rtpudp.Mode, error) {
	preference := []rtpudp.Mode{rtpudp.ModeAEADAES256GCMRTPSize, rtpudp.ModeXSalsa20Poly1305}
	for _, want := range preference {
		for _, have := range offered {
			if have == string(want) {
				return want, nil
			}
		}
	}
	return "", fmt.Errorf("gateway: no supported encryption mode in %v", offered)
}

// PerformHandshake drives AwaitingHello -> Identifying -> IpDiscovery ->
// Ready against an already-dialed connection. udpConn is used only for the
// IP-discovery probe.
func PerformHandshake(ctx context.Context, conn WSConn, params IdentifyParams, udpConn PacketConn) (*HandshakeResult, error) {
	hello, err := awaitHello(conn)
	if err != nil {
		return nil, fmt.Errorf("gateway: awaiting hello: %w", err)
	}

	if err := identify(conn, params); err != nil {
		return nil, fmt.Errorf("gateway: identify: %w", err)
	}

	ready, err := awaitReady(conn)
	if err != nil {
		return nil, fmt.Errorf("gateway: awaiting ready: %w", err)
	}

	remote := &net.UDPAddr{IP: net.ParseIP(ready.IP), Port: ready.Port}
	localIP, localPort, err := discoverIP(ctx, udpConn, remote, ready.SSRC)
	if err != nil {
		return nil, fmt.Errorf("gateway: ip discovery: %w", err)
	}

	mode, err := negotiateMode(ready.Modes)
	if err != nil {
		return nil, err
	}

	if err := selectProtocol(conn, localIP, localPort, mode); err != nil {
		return nil, fmt.Errorf("gateway: select protocol: %w", err)
	}

	desc, err := awaitSessionDescription(conn)
	if err != nil {
		return nil, fmt.Errorf("gateway: awaiting session description: %w", err)
	}
	if len(desc.SecretKey) != 32 {
		return nil, fmt.Errorf("gateway: secret key length = %d, want 32", len(desc.SecretKey))
	}

	var key [32]byte
	copy(key[:], desc.SecretKey)

	return &HandshakeResult{
		SSRC:              ready.SSRC,
		RemoteAddr:        remote,
		Mode:              mode,
		SecretKey:         key,
		HeartbeatInterval: time.Duration(hello.HeartbeatIntervalMs) * time.Millisecond,
		LocalIP:           localIP,
		LocalPort:         localPort,
	}, nil
}

func awaitHello(conn WSConn) (protocol.HelloPayload, error) {
	frame, err := readFrame(conn)
	if err != nil {
		return protocol.HelloPayload{}, err
	}
	if frame.Op != protocol.OpHello {
		return protocol.HelloPayload{}, fmt.Errorf("gateway: expected op %d (hello), got %d", protocol.OpHello, frame.Op)
	}
	var hello protocol.HelloPayload
	if err := unmarshalPayload(frame.Payload, &hello); err != nil {
		return protocol.HelloPayload{}, err
	}
	return hello, nil
}

func identify(conn WSConn, params IdentifyParams) error {
	return writeJSON(conn, protocol.OpIdentify, protocol.IdentifyPayload{
		ServerID:               params.ServerID,
		UserID:                 params.UserID,
		SessionID:              params.SessionID,
		Token:                  params.Token,
		MaxDaveProtocolVersion: params.DaveVersion,
	})
}

func awaitReady(conn WSConn) (protocol.ReadyPayload, error) {
	frame, err := readFrame(conn)
	if err != nil {
		return protocol.ReadyPayload{}, err
	}
	if frame.Op != protocol.OpReady {
		return protocol.ReadyPayload{}, fmt.Errorf("gateway: expected op %d (ready), got %d", protocol.OpReady, frame.Op)
	}
	var ready protocol.ReadyPayload
	if err := unmarshalPayload(frame.Payload, &ready); err != nil {
		return protocol.ReadyPayload{}, err
	}
	return ready, nil
}

func selectProtocol(conn WSConn, localIP string, localPort int, mode rtpudp.Mode) error {
	return writeJSON(conn, protocol.OpSelectProtocol, protocol.SelectProtocolPayload{
		Protocol: "udp",
		Data: protocol.SelectProtocolPayloadData{
			Address: localIP,
			Port:    localPort,
			Mode:    string(mode),
		},
	})
}

func awaitSessionDescription(conn WSConn) (protocol.SessionDescriptionPayload, error) {
	frame, err := readFrame(conn)
	if err != nil {
		return protocol.SessionDescriptionPayload{}, err
	}
	if frame.Op != protocol.OpSessionDescription {
		return protocol.SessionDescriptionPayload{}, fmt.Errorf("gateway: expected op %d (session description), got %d", protocol.OpSessionDescription, frame.Op)
	}
	var desc protocol.SessionDescriptionPayload
	if err := unmarshalPayload(frame.Payload, &desc); err != nil {
		return protocol.SessionDescriptionPayload{}, err
	}
	return desc, nil
}

func unmarshalPayload(raw []byte, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("gateway: empty payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("gateway: unmarshal payload: %w", err)
	}
	return nil
}
