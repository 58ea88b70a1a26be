package wire

import (
	"encoding/binary"
	"fmt"
)

// StreamFrameHeader is the 16-byte binary header prefixed to every binary
// file-stream chunk, per spec §6: "magic_byte1='M' magic_byte2='U'
// version=0x0101 flags msg_type msg_seq content_type compressed
// reserved(=offset)". The eight fixed single/double-byte fields take nine
// bytes, leaving 7 bytes for Reserved, which carries the chunk's byte offset into the file
// as a big-endian unsigned integer (low 7 bytes of the uint64 below).
type StreamFrameHeader struct {
	Magic1      byte
	Magic2      byte
	Version     uint16
	Flags       byte
	MsgType     byte
	MsgSeq      byte
	ContentType byte
	Compressed  byte
	Reserved    uint64
}

const (
	streamHeaderSize = 16

	streamMagic1  byte   = 'M'
	streamMagic2  byte   = 'U'
	streamVersion uint16 = 0x0101

	// MsgTypeBinaryChunk is the msg_type value used for file-stream chunks
	// per spec §4.4.
	MsgTypeBinaryChunk byte = 0x5
	// ContentTypeBinary is the content_type value used for raw binary
	// payloads per spec §4.4.
	ContentTypeBinary byte = 0x5

	// maxReservedOffset is the largest offset representable in the 7-byte
	// Reserved field.
	maxReservedOffset = 1<<56 - 1
)

// EncodeStreamFrame packs the 16-byte header followed by payload. offset
// must fit in 7 bytes (56 bits); StreamClient callers pace chunk sizes well
// under that limit for any realistic file transfer.
func EncodeStreamFrame(seq byte, offset uint64, payload []byte) ([]byte, error) {
	if offset > maxReservedOffset {
		return nil, fmt.Errorf("wire: stream offset %d exceeds 56-bit reserved field", offset)
	}

	buf := make([]byte, streamHeaderSize+len(payload))
	buf[0] = streamMagic1
	buf[1] = streamMagic2
	binary.BigEndian.PutUint16(buf[2:4], streamVersion)
	buf[4] = 0 // flags
	buf[5] = MsgTypeBinaryChunk
	buf[6] = seq
	buf[7] = ContentTypeBinary
	buf[8] = 0 // compressed

	var offsetBytes [8]byte
	binary.BigEndian.PutUint64(offsetBytes[:], offset)
	copy(buf[9:16], offsetBytes[1:]) // low 7 bytes

	copy(buf[streamHeaderSize:], payload)
	return buf, nil
}

// DecodeStreamFrame splits a binary frame into its header and payload,
// validating the magic bytes and version.
func DecodeStreamFrame(raw []byte) (StreamFrameHeader, []byte, error) {
	if len(raw) < streamHeaderSize {
		return StreamFrameHeader{}, nil, fmt.Errorf("wire: stream frame shorter than %d-byte header: %d bytes", streamHeaderSize, len(raw))
	}
	if raw[0] != streamMagic1 || raw[1] != streamMagic2 {
		return StreamFrameHeader{}, nil, fmt.Errorf("wire: stream frame has bad magic bytes %q%q", raw[0], raw[1])
	}

	h := StreamFrameHeader{
		Magic1:  raw[0],
		Magic2:  raw[1],
		Version: binary.BigEndian.Uint16(raw[2:4]),
		Flags:   raw[4],
		MsgType: raw[5],
		MsgSeq:  raw[6],
	}
	h.ContentType = raw[7]
	h.Compressed = raw[8]
	if h.Version != streamVersion {
		return StreamFrameHeader{}, nil, fmt.Errorf("wire: stream frame has unsupported version 0x%04x", h.Version)
	}

	var offsetBytes [8]byte
	copy(offsetBytes[1:], raw[9:16])
	h.Reserved = binary.BigEndian.Uint64(offsetBytes[:])

	return h, raw[streamHeaderSize:], nil
}
