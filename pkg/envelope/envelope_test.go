package envelope

import (
	"bufio"
	"bytes"
	"testing"
)

func TestEnvelope_EncodeDecodeRoundTrip(t *testing.T) {
	e := Envelope{
		RequestID: 42,
		Kind:      KindPing,
		Payload:   Ping{SentAtMs: 1700000000000}.Encode(),
	}
	got, err := Decode(Encode(e))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.RequestID != e.RequestID || got.Kind != e.Kind || !bytes.Equal(got.Payload, e.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestEnvelope_DecodeTruncatedHeaderFails(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestEnvelope_UnknownKindPreservesPayload(t *testing.T) {
	e := Envelope{RequestID: 7, Kind: Kind(200), Payload: []byte("opaque")}
	got, err := Decode(Encode(e))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Kind != Kind(200) || !bytes.Equal(got.Payload, []byte("opaque")) {
		t.Fatalf("unknown kind payload not preserved: %+v", got)
	}
}

func TestEnvelope_WriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := []Envelope{
		{RequestID: 1, Kind: KindPing, Payload: Ping{SentAtMs: 1}.Encode()},
		{RequestID: 2, Kind: KindPong, Payload: Pong{EchoedSentAtMs: 2}.Encode()},
		{RequestID: 3, Kind: KindSessionClose, Payload: SessionClose{Reason: "bye"}.Encode()},
	}
	for _, e := range want {
		if err := WriteFrame(&buf, e); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	r := bufio.NewReader(&buf)
	for i, wantE := range want {
		gotE, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("ReadFrame[%d]: %v", i, err)
		}
		if gotE.RequestID != wantE.RequestID || gotE.Kind != wantE.Kind || !bytes.Equal(gotE.Payload, wantE.Payload) {
			t.Fatalf("frame[%d] mismatch: got %+v, want %+v", i, gotE, wantE)
		}
	}
}

func TestEnvelope_ReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	// maxPayloadSize + 1, encoded directly since WriteFrame would refuse to
	// produce this itself.
	big := uint32(maxPayloadSize) + 1
	lenBuf[0] = byte(big >> 24)
	lenBuf[1] = byte(big >> 16)
	lenBuf[2] = byte(big >> 8)
	lenBuf[3] = byte(big)
	buf.Write(lenBuf[:])

	if _, err := ReadFrame(bufio.NewReader(&buf)); err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}

func TestSessionRequest_EncodeDecodeRoundTrip(t *testing.T) {
	req := SessionRequest{
		ProtocolVersionMajor:  1,
		ProtocolVersionMinor:  0,
		InitiatorDeviceCode:   "ABCD-EFGH-IJKL",
		InitiatorPublicKey:    bytes.Repeat([]byte{0xAB}, 32),
		Nonce:                 bytes.Repeat([]byte{0x01}, 12),
		TimestampMs:           1700000000000,
		RequestedCapabilities: []string{"video", "input"},
		Signature:             bytes.Repeat([]byte{0xCD}, 64),
	}
	got, err := DecodeSessionRequest(req.Encode())
	if err != nil {
		t.Fatalf("DecodeSessionRequest: %v", err)
	}
	if got.InitiatorDeviceCode != req.InitiatorDeviceCode ||
		!bytes.Equal(got.InitiatorPublicKey, req.InitiatorPublicKey) ||
		!bytes.Equal(got.Nonce, req.Nonce) ||
		got.TimestampMs != req.TimestampMs ||
		len(got.RequestedCapabilities) != 2 ||
		!bytes.Equal(got.Signature, req.Signature) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestSessionRequest_DecodeTruncatedFails(t *testing.T) {
	req := SessionRequest{InitiatorDeviceCode: "X", InitiatorPublicKey: []byte{1, 2, 3}}
	full := req.Encode()
	if _, err := DecodeSessionRequest(full[:len(full)-2]); err == nil {
		t.Fatal("expected error for truncated SessionRequest")
	}
}

func TestSessionAccept_EncodeDecodeRoundTrip(t *testing.T) {
	acc := SessionAccept{
		ResponderDeviceCode: "WXYZ-1234-5678",
		ResponderPublicKey:  bytes.Repeat([]byte{0xEF}, 32),
		ResponseNonce:       bytes.Repeat([]byte{0x02}, 12),
		ResponseTimestampMs: 1700000001000,
		EchoedRequestNonce:  bytes.Repeat([]byte{0x01}, 12),
		GrantedCapabilities: []string{"video"},
		Signature:           bytes.Repeat([]byte{0x99}, 64),
	}
	got, err := DecodeSessionAccept(acc.Encode())
	if err != nil {
		t.Fatalf("DecodeSessionAccept: %v", err)
	}
	if got.ResponderDeviceCode != acc.ResponderDeviceCode ||
		!bytes.Equal(got.EchoedRequestNonce, acc.EchoedRequestNonce) ||
		!bytes.Equal(got.Signature, acc.Signature) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestSessionReject_EncodeDecodeRoundTrip(t *testing.T) {
	rej := SessionReject{
		ReasonCode:         "untrusted_peer",
		EchoedRequestNonce: bytes.Repeat([]byte{0x03}, 12),
		ResponderSignature: bytes.Repeat([]byte{0x77}, 64),
	}
	got, err := DecodeSessionReject(rej.Encode())
	if err != nil {
		t.Fatalf("DecodeSessionReject: %v", err)
	}
	if got.ReasonCode != rej.ReasonCode || !bytes.Equal(got.ResponderSignature, rej.ResponderSignature) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

// Canonical signed bytes must depend only on the signature-covered fields,
// never on the signature itself, so a verifier can recompute them before a
// signature exists.
func TestCanonicalSignedBytes_IndependentOfSignature(t *testing.T) {
	base := SessionRequest{
		InitiatorDeviceCode:   "A",
		InitiatorPublicKey:    []byte{1, 2, 3},
		Nonce:                 []byte{4, 5, 6},
		TimestampMs:           1,
		RequestedCapabilities: []string{"x"},
	}
	withSig := base
	withSig.Signature = []byte{9, 9, 9, 9}

	if !bytes.Equal(base.CanonicalSignedBytes(), withSig.CanonicalSignedBytes()) {
		t.Fatal("canonical signed bytes must not depend on the signature field")
	}
}

func TestCanonicalSignedBytes_DeterministicAcrossCalls(t *testing.T) {
	req := SessionRequest{
		InitiatorDeviceCode:   "A",
		InitiatorPublicKey:    []byte{1, 2, 3},
		Nonce:                 []byte{4, 5, 6},
		TimestampMs:           1,
		RequestedCapabilities: []string{"a", "b"},
	}
	if !bytes.Equal(req.CanonicalSignedBytes(), req.CanonicalSignedBytes()) {
		t.Fatal("canonical signed bytes must be deterministic")
	}
}

func TestCandidateAnnouncement_EncodeDecodeRoundTrip(t *testing.T) {
	ann := CandidateAnnouncement{
		TargetDeviceCode: "ABCD-1234",
		ReachableAddress: "203.0.113.5:51820",
		Source:           2,
		Priority:         100,
		ExpiresAtMs:      1700000002000,
	}
	got, err := DecodeCandidateAnnouncement(ann.Encode())
	if err != nil {
		t.Fatalf("DecodeCandidateAnnouncement: %v", err)
	}
	if got != ann {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, ann)
	}
}

func TestPunchSync_EncodeDecodeRoundTrip(t *testing.T) {
	sync := PunchSync{LocalAddress: "192.168.1.5:4000", RoundTripMs: 37}
	got, err := DecodePunchSync(sync.Encode())
	if err != nil {
		t.Fatalf("DecodePunchSync: %v", err)
	}
	if got != sync {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, sync)
	}
}

func TestErrorFrame_EncodeDecodeRoundTrip(t *testing.T) {
	ef := ErrorFrame{Kind: "handshake_failed", Message: "replay detected"}
	got, err := DecodeErrorFrame(ef.Encode())
	if err != nil {
		t.Fatalf("DecodeErrorFrame: %v", err)
	}
	if got != ef {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, ef)
	}
}
