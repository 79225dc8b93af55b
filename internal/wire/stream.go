package wire

import (
	"encoding/binary"
	"errors"
)

// StreamFrame header constants. Every binary stream frame starts with a
// fixed 16-byte header followed by the chunk payload.
const (
	StreamMagic1 = 'M'
	StreamMagic2 = 'U'

	StreamVersion uint16 = 0x0101

	// StreamHeaderSize is the fixed header length in bytes.
	StreamHeaderSize = 16

	// File chunk type identifiers.
	StreamMsgTypeFile     uint16 = 0x5
	StreamContentTypeFile uint8  = 0x5
)

var (
	// ErrBadMagic is returned when a frame does not start with "MU".
	ErrBadMagic = errors.New("wire: bad stream frame magic")
	// ErrBadVersion is returned for an unsupported stream frame version.
	ErrBadVersion = errors.New("wire: bad stream frame version")
)

// StreamFrame is one binary stream chunk. Reserved carries the byte offset
// of the chunk within the stream.
type StreamFrame struct {
	Version     uint16
	Flags       uint16
	MsgType     uint16
	MsgSeq      uint16
	ContentType uint8
	Compressed  uint8
	Reserved    uint32
	Payload     []byte
}

// NewFileFrame builds a file chunk frame at the given stream offset.
func NewFileFrame(seq uint16, offset uint32, payload []byte) *StreamFrame {
	return &StreamFrame{
		Version:     StreamVersion,
		MsgType:     StreamMsgTypeFile,
		MsgSeq:      seq,
		ContentType: StreamContentTypeFile,
		Reserved:    offset,
		Payload:     payload,
	}
}

// Encode serialises the frame: 16-byte big-endian header then payload.
func (f *StreamFrame) Encode() []byte {
	b := make([]byte, 0, StreamHeaderSize+len(f.Payload))
	b = append(b, StreamMagic1, StreamMagic2)
	b = binary.BigEndian.AppendUint16(b, f.Version)
	b = binary.BigEndian.AppendUint16(b, f.Flags)
	b = binary.BigEndian.AppendUint16(b, f.MsgType)
	b = binary.BigEndian.AppendUint16(b, f.MsgSeq)
	b = append(b, f.ContentType, f.Compressed)
	b = binary.BigEndian.AppendUint32(b, f.Reserved)
	return append(b, f.Payload...)
}

// DecodeStreamFrame parses a binary stream frame. The payload slice
// references the input buffer.
func DecodeStreamFrame(data []byte) (*StreamFrame, error) {
	if len(data) < StreamHeaderSize {
		return nil, ErrShortPacket
	}
	if data[0] != StreamMagic1 || data[1] != StreamMagic2 {
		return nil, ErrBadMagic
	}
	f := &StreamFrame{
		Version:     binary.BigEndian.Uint16(data[2:4]),
		Flags:       binary.BigEndian.Uint16(data[4:6]),
		MsgType:     binary.BigEndian.Uint16(data[6:8]),
		MsgSeq:      binary.BigEndian.Uint16(data[8:10]),
		ContentType: data[10],
		Compressed:  data[11],
		Reserved:    binary.BigEndian.Uint32(data[12:16]),
		Payload:     data[16:],
	}
	if f.Version != StreamVersion {
		return nil, ErrBadVersion
	}
	return f, nil
}
