package wire

import (
	"bytes"
	"testing"
)

func TestHeartbeatReq_RoundTrip(t *testing.T) {
	req := &HeartbeatReq{
		Header: Header{
			Mask:        1,
			Seq:         42,
			Type:        MsgTypeHeartbeatReq,
			PayloadSize: HeartbeatPayloadSize,
		},
		AgentID:    "alice.corp.example",
		SignCookie: 0xdeadbeef12345678,
	}

	data := req.Encode()
	got, err := DecodeHeartbeatReq(data)
	if err != nil {
		t.Fatalf("DecodeHeartbeatReq() error = %v", err)
	}
	if *got != *req {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, req)
	}
	if !bytes.Equal(got.Encode(), data) {
		t.Error("re-encode does not match original bytes")
	}
}

func TestHeartbeatResp_RoundTrip(t *testing.T) {
	resp := &HeartbeatResp{
		Header:   Header{Mask: 1, Seq: 7, Type: MsgTypeHeartbeatResp, PayloadSize: 8},
		NextBeat: 10000,
	}

	data := resp.Encode()
	got, err := DecodeHeartbeatResp(data)
	if err != nil {
		t.Fatalf("DecodeHeartbeatResp() error = %v", err)
	}
	if *got != *resp {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, resp)
	}
}

func TestHeartbeatResp_ReauthSentinel(t *testing.T) {
	resp := &HeartbeatResp{
		Header:   Header{Type: MsgTypeHeartbeatResp},
		NextBeat: NextBeatReauth,
	}

	got, err := DecodeHeartbeatResp(resp.Encode())
	if err != nil {
		t.Fatalf("DecodeHeartbeatResp() error = %v", err)
	}
	if got.NextBeat != NextBeatReauth {
		t.Errorf("NextBeat = %d, want %d", got.NextBeat, NextBeatReauth)
	}
}

func TestInviteReq_RoundTrip(t *testing.T) {
	inv := &InviteReq{
		Header:           Header{Mask: 1, Seq: 3, Type: MsgTypeInviteReq, PayloadSize: 200},
		InviterAgentID:   "bob.corp.example",
		InviteCode:       "c0ffee",
		InviteCodeExpire: 1735689600000,
		SessionID:        "s-123",
		MessageServer:    "https://acp3.corp.example",
	}

	data := inv.Encode()
	got, err := DecodeInviteReq(data)
	if err != nil {
		t.Fatalf("DecodeInviteReq() error = %v", err)
	}
	if *got != *inv {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, inv)
	}
	if !bytes.Equal(got.Encode(), data) {
		t.Error("re-encode does not match original bytes")
	}
}

func TestInviteResp_RoundTrip(t *testing.T) {
	ack := &InviteResp{
		Header:         Header{Mask: 1, Seq: 4, Type: MsgTypeInviteResp, PayloadSize: 100},
		AgentID:        "alice.corp.example",
		InviterAgentID: "bob.corp.example",
		SessionID:      "s-123",
		SignCookie:     99,
	}

	got, err := DecodeInviteResp(ack.Encode())
	if err != nil {
		t.Fatalf("DecodeInviteResp() error = %v", err)
	}
	if *got != *ack {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, ack)
	}
}

func TestDecode_Truncated(t *testing.T) {
	full := (&HeartbeatReq{
		Header:  Header{Mask: 1, Seq: 1, Type: MsgTypeHeartbeatReq, PayloadSize: 100},
		AgentID: "a.b.c",
	}).Encode()

	for n := 0; n < len(full); n++ {
		if _, err := DecodeHeartbeatReq(full[:n]); err == nil {
			t.Errorf("DecodeHeartbeatReq(%d bytes) expected error, got nil", n)
		}
	}
}

func TestDecodeHeader_VarintOverflow(t *testing.T) {
	// 11 continuation bytes never terminate a varint.
	data := bytes.Repeat([]byte{0x80}, 11)
	if _, _, err := DecodeHeader(data); err == nil {
		t.Error("expected varint overflow error, got nil")
	}
}
