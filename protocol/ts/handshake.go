package ts

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/danmuck/cloudproto/internal/observability"
	"github.com/danmuck/cloudproto/protocol/frame"
	"github.com/danmuck/cloudproto/protocol/socket"
)

const (
	connectPayloadLen = 4*16 + 8
	replyPayloadLen   = 1 + 16

	defaultUnk0Hex   = "54645dacc392cb43b4803094141e0087"
	defaultBootIDHex = "6c959680d4945d45924301a720debc88"
)

// AgentIDStatus tells the client whether to keep its agent id.
type AgentIDStatus uint8

const (
	AgentIDUnchanged AgentIDStatus = 0x01
	AgentIDChanged   AgentIDStatus = 0x02
)

func (s AgentIDStatus) String() string {
	switch s {
	case AgentIDUnchanged:
		return "unchanged"
	case AgentIDChanged:
		return "changed"
	default:
		return fmt.Sprintf("0x%02x", uint8(s))
	}
}

// ConnectInfo is the client's identity sent in the Connect frame.
type ConnectInfo struct {
	CID    [16]byte
	Unk0   [16]byte
	AID    [16]byte
	BootID [16]byte
	PT     [8]byte
}

// NewConnectInfo fills the fields the service does not check with the values
// the sensor has always sent.
func NewConnectInfo(cid [16]byte) ConnectInfo {
	info := ConnectInfo{CID: cid}
	mustHex16(&info.Unk0, defaultUnk0Hex)
	mustHex16(&info.BootID, defaultBootIDHex)
	return info
}

func mustHex16(dst *[16]byte, s string) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		panic("ts: bad built-in hex constant " + s)
	}
	copy(dst[:], b)
}

func (c ConnectInfo) encode() []byte {
	buf := make([]byte, 0, connectPayloadLen)
	buf = append(buf, c.CID[:]...)
	buf = append(buf, c.Unk0[:]...)
	buf = append(buf, c.AID[:]...)
	buf = append(buf, c.BootID[:]...)
	return append(buf, c.PT[:]...)
}

func decodeConnectInfo(p []byte) (ConnectInfo, error) {
	if len(p) != connectPayloadLen {
		return ConnectInfo{}, fmt.Errorf("%w: connect payload %d bytes, want %d", ErrHandshake, len(p), connectPayloadLen)
	}
	var c ConnectInfo
	copy(c.CID[:], p[0:16])
	copy(c.Unk0[:], p[16:32])
	copy(c.AID[:], p[32:48])
	copy(c.BootID[:], p[48:64])
	copy(c.PT[:], p[64:72])
	return c, nil
}

// ConnectResponse is the server's ConnectionEstablished reply.
type ConnectResponse struct {
	Status AgentIDStatus
	AID    [16]byte
}

func (r ConnectResponse) encode() []byte {
	buf := make([]byte, 0, replyPayloadLen)
	buf = append(buf, uint8(r.Status))
	return append(buf, r.AID[:]...)
}

// Connect performs the client handshake on sock and returns a connected session.
func Connect(ctx context.Context, sock *socket.Socket, info ConnectInfo, cfg Config) (*Session, ConnectResponse, error) {
	logger := observability.Component("ts")
	err := sock.Send(ctx, frame.Frame{
		Magic:   frame.MagicTS,
		Kind:    KindConnect,
		Version: frame.VersionConnect,
		Payload: info.encode(),
	})
	if err != nil {
		return nil, ConnectResponse{}, err
	}

	reply, err := sock.Receive(ctx)
	if err != nil {
		return nil, ConnectResponse{}, err
	}
	logger.Trace().Str("payload", hex.EncodeToString(reply.Payload)).Msg("connect reply")
	if err := expectFrame(reply, KindConnectionEstablished, frame.VersionNormal); err != nil {
		logger.Error().Err(err).Str("payload", hex.EncodeToString(reply.Payload)).Msg("bad connect reply")
		return nil, ConnectResponse{}, err
	}

	var resp ConnectResponse
	if len(reply.Payload) != replyPayloadLen {
		logger.Warn().Int("size", len(reply.Payload)).Msg("connect reply has unexpected size, continuing")
	} else {
		resp.Status = AgentIDStatus(reply.Payload[0])
		copy(resp.AID[:], reply.Payload[1:])
		same := resp.AID == info.AID
		switch {
		case resp.Status == AgentIDUnchanged && !same:
			logger.Warn().Str("aid", hex.EncodeToString(resp.AID[:])).Msg("server kept agent id but replied with a different one")
		case resp.Status == AgentIDChanged && same:
			logger.Warn().Msg("server changed agent id but replied with the same one")
		case resp.Status != AgentIDUnchanged && resp.Status != AgentIDChanged:
			logger.Warn().Stringer("status", resp.Status).Msg("unexpected agent id status")
		default:
			logger.Debug().Stringer("status", resp.Status).Str("aid", hex.EncodeToString(resp.AID[:])).Msg("connected")
		}
	}
	return NewSession(sock, cfg), resp, nil
}

// Acceptor holds a server-side connection between Listen and Accept.
type Acceptor struct {
	sock *socket.Socket
}

// Listen waits for the client's Connect frame on sock.
func Listen(ctx context.Context, sock *socket.Socket) (*Acceptor, ConnectInfo, error) {
	f, err := sock.Receive(ctx)
	if err != nil {
		return nil, ConnectInfo{}, err
	}
	if err := expectFrame(f, KindConnect, frame.VersionConnect); err != nil {
		return nil, ConnectInfo{}, err
	}
	info, err := decodeConnectInfo(f.Payload)
	if err != nil {
		return nil, ConnectInfo{}, err
	}
	return &Acceptor{sock: sock}, info, nil
}

// Accept replies with resp and returns the connected session.
func (a *Acceptor) Accept(ctx context.Context, resp ConnectResponse, cfg Config) (*Session, error) {
	err := a.sock.Send(ctx, frame.Frame{
		Magic:   frame.MagicTS,
		Kind:    KindConnectionEstablished,
		Version: frame.VersionNormal,
		Payload: resp.encode(),
	})
	if err != nil {
		return nil, err
	}
	return NewSession(a.sock, cfg), nil
}

func expectFrame(f frame.Frame, kind uint8, version frame.Version) error {
	if f.Magic != frame.MagicTS {
		return fmt.Errorf("%w: magic %v, want %v", ErrHandshake, f.Magic, frame.MagicTS)
	}
	if f.Kind != kind {
		return fmt.Errorf("%w: kind 0x%02x, want 0x%02x", ErrHandshake, f.Kind, kind)
	}
	if f.Version != version {
		return fmt.Errorf("%w: version %v, want %v", ErrHandshake, f.Version, version)
	}
	return nil
}
