package envelope

import (
	"encoding/binary"
)

// SessionRequest is the signed payload an initiator sends to start a
// handshake (spec.md §4.5).
type SessionRequest struct {
	ProtocolVersionMajor uint8
	ProtocolVersionMinor uint8
	InitiatorDeviceCode  string
	InitiatorPublicKey   []byte // 32-byte Ed25519 public key
	Nonce                []byte // >= 12 bytes (96 bits)
	TimestampMs          int64
	RequestedCapabilities []string
	Signature            []byte // Ed25519 signature, 64 bytes; excluded from canonical bytes
}

// SessionAccept is the signed payload a responder sends on success.
type SessionAccept struct {
	ResponderDeviceCode  string
	ResponderPublicKey   []byte
	ResponseNonce        []byte
	ResponseTimestampMs  int64
	EchoedRequestNonce   []byte
	GrantedCapabilities  []string
	Signature            []byte
}

// SessionReject is the signed, advisory rejection payload.
type SessionReject struct {
	ReasonCode         string
	EchoedRequestNonce []byte
	ResponderSignature []byte
}

// SessionClose signals a local close or acknowledges a peer close.
type SessionClose struct {
	Reason string
}

// CandidateAnnouncement carries one candidate observation over the control
// stream (e.g. a relay-advertised address learned out-of-band).
type CandidateAnnouncement struct {
	TargetDeviceCode  string
	ReachableAddress  string
	Source            uint8 // mirrors candidate.Source
	Priority          int32
	ExpiresAtMs       int64
}

// PunchSync coordinates simultaneous-open hole punching between peers.
type PunchSync struct {
	LocalAddress string
	RoundTripMs  int32
}

// Ping/Pong drive the keepalive clock (spec.md §4.8).
type Ping struct {
	SentAtMs int64
}

type Pong struct {
	EchoedSentAtMs int64
}

// StatsReport, ErrorFrame, PathDecision, QualityReport are observability
// payloads; only ErrorFrame and PathDecision carry structured fields
// relevant to the control plane, the rest are opaque diagnostic blobs.
type StatsReport struct {
	Blob []byte
}

type ErrorFrame struct {
	Kind    string
	Message string
}

type PathDecision struct {
	PathCategory string // "direct" | "punched" | "relayed"
}

type QualityReport struct {
	Blob []byte
}

// --- canonical field encoding helpers ---
//
// writeBytes/writeString prefix every variable-length field with its
// length, so concatenation is unambiguous and stable regardless of how a
// future version adds fields after it — the defining property
// canonical_signed_bytes must have per spec.md §4.4.

func writeUint64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func writeUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func writeBytes(buf []byte, v []byte) []byte {
	buf = writeUint32(buf, uint32(len(v)))
	return append(buf, v...)
}

func writeString(buf []byte, v string) []byte {
	return writeBytes(buf, []byte(v))
}

func writeStrings(buf []byte, vs []string) []byte {
	buf = writeUint32(buf, uint32(len(vs)))
	for _, v := range vs {
		buf = writeString(buf, v)
	}
	return buf
}

// CanonicalSignedBytes renders the fields of a SessionRequest covered by
// its signature, excluding the signature field itself. Stable field order,
// length-prefixed — independent of struct field order in Go or any future
// wire encoding.
func (r SessionRequest) CanonicalSignedBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, r.ProtocolVersionMajor, r.ProtocolVersionMinor)
	buf = writeString(buf, r.InitiatorDeviceCode)
	buf = writeBytes(buf, r.InitiatorPublicKey)
	buf = writeBytes(buf, r.Nonce)
	buf = writeUint64(buf, r.TimestampMs)
	buf = writeStrings(buf, r.RequestedCapabilities)
	return buf
}

// CanonicalSignedBytes renders the fields of a SessionAccept covered by its
// signature, excluding the signature field itself.
func (a SessionAccept) CanonicalSignedBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = writeString(buf, a.ResponderDeviceCode)
	buf = writeBytes(buf, a.ResponderPublicKey)
	buf = writeBytes(buf, a.ResponseNonce)
	buf = writeUint64(buf, a.ResponseTimestampMs)
	buf = writeBytes(buf, a.EchoedRequestNonce)
	buf = writeStrings(buf, a.GrantedCapabilities)
	return buf
}

// CanonicalSignedBytes renders the fields of a SessionReject covered by its
// signature, excluding the signature field itself.
func (r SessionReject) CanonicalSignedBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = writeString(buf, r.ReasonCode)
	buf = writeBytes(buf, r.EchoedRequestNonce)
	return buf
}
