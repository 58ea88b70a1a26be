package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Heartbeat UDP message types, per spec §6.
const (
	MsgTypeHeartbeatReq  uint16 = 513
	MsgTypeHeartbeatResp uint16 = 258
	MsgTypeInviteReq     uint16 = 259
	MsgTypeInviteAck     uint16 = 516
)

// AuthFailureSentinel is the NextBeat value that means "stale sign-in,
// reconnect" per spec §4.2.
const AuthFailureSentinel uint32 = 401

// headerSize is the fixed size of Header: MessageMask(4) + MessageSeq(4) +
// MessageType(2) + PayloadSize(2).
const headerSize = 12

// Header is the common fixed-layout record header for every UDP heartbeat
// message, per spec §6. Serialisation is big-endian throughout — the spec
// requires matching the peer server's layout byte for byte, and big-endian
// is the conventional choice for network wire formats absent a specified
// endianness.
type Header struct {
	MessageMask uint32
	MessageSeq  uint32
	MessageType uint16
	PayloadSize uint16
}

// HeartbeatRequest is the payload of MsgTypeHeartbeatReq.
type HeartbeatRequest struct {
	Header   Header
	AgentID  [64]byte
	SignCookie [32]byte
}

// EncodeHeartbeatRequest packs a heartbeat request using the agent id and
// sign cookie, truncating/zero-padding both into their fixed-size fields.
func EncodeHeartbeatRequest(seq uint32, agentID string, signCookie string) []byte {
	var req HeartbeatRequest
	req.Header = Header{
		MessageMask: 0,
		MessageSeq:  seq,
		MessageType: MsgTypeHeartbeatReq,
		PayloadSize: uint16(len(req.AgentID) + len(req.SignCookie)),
	}
	copy(req.AgentID[:], agentID)
	copy(req.SignCookie[:], signCookie)

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, req)
	return buf.Bytes()
}

// HeartbeatResponse is the decoded payload of MsgTypeHeartbeatResp.
type HeartbeatResponse struct {
	NextBeat uint32
}

// DecodeHeader reads the common header from the front of raw.
func DecodeHeader(raw []byte) (Header, error) {
	if len(raw) < headerSize {
		return Header{}, fmt.Errorf("wire: heartbeat frame too short for header: %d bytes", len(raw))
	}
	var h Header
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), binary.BigEndian, &h); err != nil {
		return Header{}, fmt.Errorf("wire: decode heartbeat header: %w", err)
	}
	return h, nil
}

// DecodeHeartbeatResponse decodes the payload that follows the header in a
// MsgTypeHeartbeatResp frame.
func DecodeHeartbeatResponse(raw []byte) (HeartbeatResponse, error) {
	if len(raw) < headerSize+4 {
		return HeartbeatResponse{}, fmt.Errorf("wire: heartbeat response frame too short")
	}
	var resp HeartbeatResponse
	if err := binary.Read(bytes.NewReader(raw[headerSize:headerSize+4]), binary.BigEndian, &resp.NextBeat); err != nil {
		return HeartbeatResponse{}, fmt.Errorf("wire: decode heartbeat response: %w", err)
	}
	return resp, nil
}

// InviteNotification is the decoded payload of MsgTypeInviteReq.
type InviteNotification struct {
	SessionID       string
	Inviter         string
	InviteCode      string
	MessageServer   string
}

// DecodeInviteNotification decodes the variable-length invite payload that
// follows the header. Each field is length-prefixed with a uint16, matching
// the fixed-header convention used throughout the heartbeat protocol.
func DecodeInviteNotification(raw []byte) (InviteNotification, error) {
	body := raw[headerSize:]
	r := bytes.NewReader(body)

	readField := func() (string, error) {
		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return "", err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return string(buf), nil
	}

	sessionID, err := readField()
	if err != nil {
		return InviteNotification{}, fmt.Errorf("wire: decode invite session_id: %w", err)
	}
	inviter, err := readField()
	if err != nil {
		return InviteNotification{}, fmt.Errorf("wire: decode invite inviter: %w", err)
	}
	code, err := readField()
	if err != nil {
		return InviteNotification{}, fmt.Errorf("wire: decode invite code: %w", err)
	}
	server, err := readField()
	if err != nil {
		return InviteNotification{}, fmt.Errorf("wire: decode invite server: %w", err)
	}

	return InviteNotification{
		SessionID:     sessionID,
		Inviter:       inviter,
		InviteCode:    code,
		MessageServer: server,
	}, nil
}

// EncodeInviteAck packs an invite-acknowledgement frame (MsgTypeInviteAck).
func EncodeInviteAck(seq uint32, sessionID string) []byte {
	h := Header{
		MessageMask: 0,
		MessageSeq:  seq,
		MessageType: MsgTypeInviteAck,
		PayloadSize: uint16(2 + len(sessionID)),
	}
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, h)
	_ = binary.Write(buf, binary.BigEndian, uint16(len(sessionID)))
	buf.WriteString(sessionID)
	return buf.Bytes()
}
