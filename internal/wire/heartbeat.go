// Package wire implements the byte-level codecs shared by the heartbeat
// UDP transport and the binary stream frames. Layouts must match the peer
// server byte for byte: varints are protobuf-style 7-bit groups with a
// 0x80 continuation bit, multi-byte integers are big-endian.
package wire

import (
	"encoding/binary"
	"errors"
)

// Message types carried in the UDP header.
const (
	MsgTypeHeartbeatReq  uint16 = 513
	MsgTypeHeartbeatResp uint16 = 258
	MsgTypeInviteReq     uint16 = 259
	MsgTypeInviteResp    uint16 = 516
)

// NextBeatReauth is the sentinel NextBeat value in a heartbeat response
// telling the client its sign-in is stale and it must re-authenticate.
const NextBeatReauth = 401

// HeartbeatPayloadSize is the fixed payload_size the server expects in the
// heartbeat request header.
const HeartbeatPayloadSize = 100

// MaxDatagramSize is the receive buffer size for heartbeat datagrams.
const MaxDatagramSize = 1536

var (
	// ErrShortPacket is returned when a datagram ends before a field.
	ErrShortPacket = errors.New("wire: short packet")
	// ErrVarintOverflow is returned when a varint exceeds 10 bytes.
	ErrVarintOverflow = errors.New("wire: varint overflow")
)

// Header is the common prefix of every heartbeat datagram.
type Header struct {
	Mask        uint64
	Seq         uint64
	Type        uint16
	PayloadSize uint16
}

// appendHeader serialises h: varint mask, varint seq, BE16 type, BE16 size.
func appendHeader(b []byte, h Header) []byte {
	b = binary.AppendUvarint(b, h.Mask)
	b = binary.AppendUvarint(b, h.Seq)
	b = binary.BigEndian.AppendUint16(b, h.Type)
	b = binary.BigEndian.AppendUint16(b, h.PayloadSize)
	return b
}

// DecodeHeader parses the common header and returns it along with the
// number of bytes consumed.
func DecodeHeader(data []byte) (Header, int, error) {
	var h Header
	r := reader{buf: data}
	var err error
	if h.Mask, err = r.uvarint(); err != nil {
		return h, 0, err
	}
	if h.Seq, err = r.uvarint(); err != nil {
		return h, 0, err
	}
	if h.Type, err = r.be16(); err != nil {
		return h, 0, err
	}
	if h.PayloadSize, err = r.be16(); err != nil {
		return h, 0, err
	}
	return h, r.pos, nil
}

// HeartbeatReq is the periodic client heartbeat (type 513).
type HeartbeatReq struct {
	Header     Header
	AgentID    string
	SignCookie uint64
}

// Encode serialises the request to a datagram.
func (m *HeartbeatReq) Encode() []byte {
	b := appendHeader(nil, m.Header)
	b = appendString(b, m.AgentID)
	b = binary.BigEndian.AppendUint64(b, m.SignCookie)
	return b
}

// DecodeHeartbeatReq parses a full heartbeat request datagram.
func DecodeHeartbeatReq(data []byte) (*HeartbeatReq, error) {
	h, n, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	r := reader{buf: data, pos: n}
	m := &HeartbeatReq{Header: h}
	if m.AgentID, err = r.varintString(); err != nil {
		return nil, err
	}
	if m.SignCookie, err = r.be64(); err != nil {
		return nil, err
	}
	return m, nil
}

// HeartbeatResp is the server acknowledgement (type 258). NextBeat is the
// next heartbeat interval in milliseconds, or NextBeatReauth.
type HeartbeatResp struct {
	Header   Header
	NextBeat uint64
}

// Encode serialises the response to a datagram.
func (m *HeartbeatResp) Encode() []byte {
	b := appendHeader(nil, m.Header)
	b = binary.BigEndian.AppendUint64(b, m.NextBeat)
	return b
}

// DecodeHeartbeatResp parses a full heartbeat response datagram.
func DecodeHeartbeatResp(data []byte) (*HeartbeatResp, error) {
	h, n, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	r := reader{buf: data, pos: n}
	m := &HeartbeatResp{Header: h}
	if m.NextBeat, err = r.be64(); err != nil {
		return nil, err
	}
	return m, nil
}

// InviteReq is a server-pushed session invitation (type 259).
type InviteReq struct {
	Header           Header
	InviterAgentID   string
	InviteCode       string
	InviteCodeExpire int64
	SessionID        string
	MessageServer    string
}

// Encode serialises the invite to a datagram.
func (m *InviteReq) Encode() []byte {
	b := appendHeader(nil, m.Header)
	b = appendString(b, m.InviterAgentID)
	b = appendString(b, m.InviteCode)
	b = binary.BigEndian.AppendUint64(b, uint64(m.InviteCodeExpire))
	b = appendString(b, m.SessionID)
	b = appendString(b, m.MessageServer)
	return b
}

// DecodeInviteReq parses a full invite datagram.
func DecodeInviteReq(data []byte) (*InviteReq, error) {
	h, n, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	r := reader{buf: data, pos: n}
	m := &InviteReq{Header: h}
	if m.InviterAgentID, err = r.varintString(); err != nil {
		return nil, err
	}
	if m.InviteCode, err = r.varintString(); err != nil {
		return nil, err
	}
	expire, err := r.be64()
	if err != nil {
		return nil, err
	}
	m.InviteCodeExpire = int64(expire)
	if m.SessionID, err = r.varintString(); err != nil {
		return nil, err
	}
	if m.MessageServer, err = r.varintString(); err != nil {
		return nil, err
	}
	return m, nil
}

// InviteResp acknowledges a received invite (type 516).
type InviteResp struct {
	Header         Header
	AgentID        string
	InviterAgentID string
	SessionID      string
	SignCookie     uint64
}

// Encode serialises the acknowledgement to a datagram.
func (m *InviteResp) Encode() []byte {
	b := appendHeader(nil, m.Header)
	b = appendString(b, m.AgentID)
	b = appendString(b, m.InviterAgentID)
	b = appendString(b, m.SessionID)
	b = binary.BigEndian.AppendUint64(b, m.SignCookie)
	return b
}

// DecodeInviteResp parses a full invite acknowledgement datagram.
func DecodeInviteResp(data []byte) (*InviteResp, error) {
	h, n, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	r := reader{buf: data, pos: n}
	m := &InviteResp{Header: h}
	if m.AgentID, err = r.varintString(); err != nil {
		return nil, err
	}
	if m.InviterAgentID, err = r.varintString(); err != nil {
		return nil, err
	}
	if m.SessionID, err = r.varintString(); err != nil {
		return nil, err
	}
	if m.SignCookie, err = r.be64(); err != nil {
		return nil, err
	}
	return m, nil
}

// appendString writes a varint length prefix followed by the raw bytes.
func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

// reader is a cursor over a datagram.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n == 0 {
		return 0, ErrShortPacket
	}
	if n < 0 {
		return 0, ErrVarintOverflow
	}
	r.pos += n
	return v, nil
}

func (r *reader) be16() (uint16, error) {
	if len(r.buf)-r.pos < 2 {
		return 0, ErrShortPacket
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) be64() (uint64, error) {
	if len(r.buf)-r.pos < 8 {
		return 0, ErrShortPacket
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) varintString() (string, error) {
	n, err := r.uvarint()
	if err != nil {
		return "", err
	}
	if uint64(len(r.buf)-r.pos) < n {
		return "", ErrShortPacket
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}
