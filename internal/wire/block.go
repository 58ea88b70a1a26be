package wire

import (
	"encoding/json"
	"fmt"
)

// BlockType discriminates the heterogeneous content blocks carried inside a
// session message body, per spec §9's Design Notes: "a tagged variant...
// JSON codecs enforcing the discriminator type".
type BlockType string

const (
	BlockContent         BlockType = "content"
	BlockToolCall        BlockType = "tool_call"
	BlockToolResult      BlockType = "tool_result"
	BlockTextEventStream BlockType = "text_event_stream"
	BlockFileBinary      BlockType = "file_binary"
	BlockForm            BlockType = "form"
	BlockFormResult      BlockType = "form_result"
	BlockError           BlockType = "error"
	BlockPing            BlockType = "ping"
)

// Block is one element of a session message's content array. Fields not
// relevant to Type are left zero; DecodeBlocks enforces that Type is one of the
// known constants above.
type Block struct {
	Type      BlockType       `json:"type"`
	Status    string          `json:"status,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolArgs  json.RawMessage `json:"tool_args,omitempty"`
	ToolID    string          `json:"tool_id,omitempty"`
	StreamURL string          `json:"stream_url,omitempty"`
	FileName  string          `json:"file_name,omitempty"`
	FileURL   string          `json:"file_url,omitempty"`
	FormID    string          `json:"form_id,omitempty"`
	FormData  json.RawMessage `json:"form_data,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// DecodeBlocks parses a JSON array of blocks, rejecting any element whose
// Type discriminator is not recognized.
func DecodeBlocks(raw []byte) ([]Block, error) {
	var blocks []Block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("wire: decode blocks: %w", err)
	}
	for i, b := range blocks {
		if !b.Type.valid() {
			return nil, fmt.Errorf("wire: block %d has unknown type %q", i, b.Type)
		}
	}
	return blocks, nil
}

// EncodeBlocks serializes a slice of blocks to its JSON array form.
func EncodeBlocks(blocks []Block) ([]byte, error) {
	return json.Marshal(blocks)
}

func (t BlockType) valid() bool {
	switch t {
	case BlockContent, BlockToolCall, BlockToolResult, BlockTextEventStream,
		BlockFileBinary, BlockForm, BlockFormResult, BlockError, BlockPing:
		return true
	default:
		return false
	}
}

// NewContentBlock builds a successful content block with the given text,
// timestamped at the caller-supplied unix millisecond value.
func NewContentBlock(text string, unixMS int64) Block {
	return Block{Type: BlockContent, Status: "success", Timestamp: unixMS, Content: text}
}

// NewErrorBlock builds an error block, used to surface an application-level
// rejection (e.g. invite-404) to a user handler per spec §7.
func NewErrorBlock(message string, unixMS int64) Block {
	return Block{Type: BlockError, Status: "error", Timestamp: unixMS, Message: message}
}
