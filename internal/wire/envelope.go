package wire

import "encoding/json"

// Envelope is the JSON frame exchanged over every MessageClient and
// StreamClient WebSocket, per spec §6: "each message a JSON object with cmd
// and data".
type Envelope struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data"`
}

// Client → server command names.
const (
	CmdCreateSession       = "create_session_req"
	CmdJoinSession         = "join_session_req"
	CmdLeaveSession        = "leave_session_req"
	CmdCloseSession        = "close_session_req"
	CmdInviteAgent         = "invite_agent_req"
	CmdEjectAgent          = "eject_agent_req"
	CmdGetMemberList       = "get_member_list"
	CmdSessionMessage      = "session_message"
	CmdCreateStream        = "session_create_stream_req"
	CmdPushTextStream      = "push_text_stream_req"
	CmdCloseStream         = "close_stream_req"
)

// Server → client command names.
const (
	CmdCreateSessionAck = "create_session_ack"
	CmdJoinSessionAck   = "join_session_ack"
	CmdInviteAgentAck   = "invite_agent_ack"
	CmdSessionMessageAck = "session_message_ack"
	CmdSystemMessage    = "system_message"
	CmdCreateStreamAck  = "session_create_stream_ack"
)

// Encode marshals cmd/data into an Envelope's wire bytes.
func Encode(cmd string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Cmd: cmd, Data: raw})
}

// Decode parses raw WebSocket text-frame bytes into an Envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// CreateSessionReq is the payload of CmdCreateSession. RequestID is the
// caller-generated correlation id echoed back on CreateSessionAck.
type CreateSessionReq struct {
	RequestID string `json:"request_id"`
	Name      string `json:"name"`
	Subject   string `json:"subject"`
	Type      string `json:"type,omitempty"`
}

// CreateSessionAck is the payload of CmdCreateSessionAck. RequestID echoes
// the value generated by the caller when it sent create_session_req, and is
// the correlation key for the pending-waiter map (the server assigns
// SessionID, so the request can't be keyed on that).
type CreateSessionAck struct {
	RequestID       string `json:"request_id"`
	Status          int    `json:"status_code"`
	SessionID       string `json:"session_id"`
	IdentifyingCode string `json:"identifying_code"`
	Message         string `json:"message,omitempty"`
}

// JoinSessionReq is the payload of CmdJoinSession. For an owner rejoin
// Inviter is empty and InviteCode carries the owner's own identifying code.
type JoinSessionReq struct {
	SessionID  string `json:"session_id"`
	Inviter    string `json:"inviter,omitempty"`
	InviteCode string `json:"invite_code,omitempty"`
}

// InviteAgentReq is the payload of CmdInviteAgent.
type InviteAgentReq struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
}

// InviteAgentAck is the payload delivered to the invitee and echoed to the
// inviter.
type InviteAgentAck struct {
	Status    int    `json:"status"`
	SessionID string `json:"session_id"`
	Message   string `json:"message,omitempty"`
}

// EjectAgentReq is the payload of CmdEjectAgent.
type EjectAgentReq struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
}

// Instruction carries a user-defined command routed to a command-scoped
// handler, per spec §4.7's "instruction-routed" handler precedence tier.
type Instruction struct {
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args,omitempty"`
}

// SessionMessage is the payload of CmdSessionMessage both directions.
// Message is the caller's content array, JSON-encoded then URL-encoded per
// spec §4.5. Instruction, when present, is carried alongside Message
// rather than inside it, matching the original Python's
// `data.get("instruction")` sibling field.
type SessionMessage struct {
	SessionID   string       `json:"session_id"`
	MessageID   string       `json:"message_id"`
	RefMsgID    string       `json:"ref_msg_id,omitempty"`
	ToAIDs      string       `json:"to_aids,omitempty"`
	FromAID     string       `json:"from_aid,omitempty"`
	Instruction *Instruction `json:"instruction,omitempty"`
	Message     string       `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// SessionMessageAck acknowledges a sent session message, possibly reporting
// per-receiver failures (spec §7, "message-ack with 404-for-some-receivers").
type SessionMessageAck struct {
	MessageID string   `json:"message_id"`
	Status    int      `json:"status"`
	Failed    []string `json:"failed,omitempty"`
}

// CreateStreamReq is the payload of CmdCreateStream.
type CreateStreamReq struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	StreamType string `json:"stream_type"` // "text" or "file"
	Name      string `json:"name,omitempty"`
}

// CreateStreamAck is the successful payload of CmdCreateStreamAck.
type CreateStreamAck struct {
	RequestID string `json:"request_id"`
	MessageID string `json:"message_id"`
	PushURL   string `json:"push_url"`
	PullURL   string `json:"pull_url"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

// PushTextStreamReq is the payload StreamClient sends for a text chunk.
type PushTextStreamReq struct {
	Chunk string `json:"chunk"`
}

// CloseStreamReq is the payload StreamClient sends to close a stream.
type CloseStreamReq struct{}

// SystemMessage is a server-originated out-of-band notice, e.g. invite-404
// synthesized as a local error per spec §7.
type SystemMessage struct {
	SessionID string `json:"session_id,omitempty"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}
