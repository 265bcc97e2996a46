package envelope

import (
	"encoding/binary"
)

// reader walks a field-encoded buffer the same way teacher code walks a
// MessageHeader: sequential offset consumption with explicit bounds checks
// at every step instead of a single length check up front.
type reader struct {
	buf []byte
	off int
}

func (r *reader) bytes(n int) ([]byte, bool) {
	if r.off+n > len(r.buf) {
		return nil, false
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v, true
}

func (r *reader) uint32() (uint32, bool) {
	b, ok := r.bytes(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

func (r *reader) uint64() (int64, bool) {
	b, ok := r.bytes(8)
	if !ok {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(b)), true
}

func (r *reader) varBytes() ([]byte, bool) {
	n, ok := r.uint32()
	if !ok {
		return nil, false
	}
	b, ok := r.bytes(int(n))
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

func (r *reader) varString() (string, bool) {
	b, ok := r.varBytes()
	if !ok {
		return "", false
	}
	return string(b), true
}

func (r *reader) varStrings() ([]string, bool) {
	n, ok := r.uint32()
	if !ok {
		return nil, false
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, ok := r.varString()
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// Encode renders the full wire payload for a SessionRequest: canonical
// bytes followed by the signature, so decode can split them back apart
// without re-deriving offsets.
func (r SessionRequest) Encode() []byte {
	buf := r.CanonicalSignedBytes()
	return writeBytes(buf, r.Signature)
}

// DecodeSessionRequest parses a SessionRequest payload.
func DecodeSessionRequest(data []byte) (SessionRequest, error) {
	rd := &reader{buf: data}
	var out SessionRequest
	var ok1, ok2 bool
	major, ok := rd.bytes(1)
	if !ok {
		return out, ErrPayloadTooShort
	}
	minor, ok := rd.bytes(1)
	if !ok {
		return out, ErrPayloadTooShort
	}
	out.ProtocolVersionMajor, out.ProtocolVersionMinor = major[0], minor[0]

	out.InitiatorDeviceCode, ok1 = rd.varString()
	out.InitiatorPublicKey, ok2 = rd.varBytes()
	if !ok1 || !ok2 {
		return out, ErrPayloadTooShort
	}
	out.Nonce, ok1 = rd.varBytes()
	out.TimestampMs, ok2 = rd.uint64()
	if !ok1 || !ok2 {
		return out, ErrPayloadTooShort
	}
	out.RequestedCapabilities, ok1 = rd.varStrings()
	if !ok1 {
		return out, ErrPayloadTooShort
	}
	out.Signature, ok1 = rd.varBytes()
	if !ok1 {
		return out, ErrPayloadTooShort
	}
	return out, nil
}

// Encode renders the full wire payload for a SessionAccept.
func (a SessionAccept) Encode() []byte {
	buf := a.CanonicalSignedBytes()
	return writeBytes(buf, a.Signature)
}

// DecodeSessionAccept parses a SessionAccept payload.
func DecodeSessionAccept(data []byte) (SessionAccept, error) {
	rd := &reader{buf: data}
	var out SessionAccept
	var ok bool
	if out.ResponderDeviceCode, ok = rd.varString(); !ok {
		return out, ErrPayloadTooShort
	}
	if out.ResponderPublicKey, ok = rd.varBytes(); !ok {
		return out, ErrPayloadTooShort
	}
	if out.ResponseNonce, ok = rd.varBytes(); !ok {
		return out, ErrPayloadTooShort
	}
	if out.ResponseTimestampMs, ok = rd.uint64(); !ok {
		return out, ErrPayloadTooShort
	}
	if out.EchoedRequestNonce, ok = rd.varBytes(); !ok {
		return out, ErrPayloadTooShort
	}
	if out.GrantedCapabilities, ok = rd.varStrings(); !ok {
		return out, ErrPayloadTooShort
	}
	if out.Signature, ok = rd.varBytes(); !ok {
		return out, ErrPayloadTooShort
	}
	return out, nil
}

// Encode renders the full wire payload for a SessionReject.
func (r SessionReject) Encode() []byte {
	buf := r.CanonicalSignedBytes()
	return writeBytes(buf, r.ResponderSignature)
}

// DecodeSessionReject parses a SessionReject payload.
func DecodeSessionReject(data []byte) (SessionReject, error) {
	rd := &reader{buf: data}
	var out SessionReject
	var ok bool
	if out.ReasonCode, ok = rd.varString(); !ok {
		return out, ErrPayloadTooShort
	}
	if out.EchoedRequestNonce, ok = rd.varBytes(); !ok {
		return out, ErrPayloadTooShort
	}
	if out.ResponderSignature, ok = rd.varBytes(); !ok {
		return out, ErrPayloadTooShort
	}
	return out, nil
}

// Encode/Decode for the remaining lightweight payload kinds.

func (c SessionClose) Encode() []byte { return writeString(nil, c.Reason) }

func DecodeSessionClose(data []byte) (SessionClose, error) {
	rd := &reader{buf: data}
	reason, ok := rd.varString()
	if !ok {
		return SessionClose{}, ErrPayloadTooShort
	}
	return SessionClose{Reason: reason}, nil
}

func (a CandidateAnnouncement) Encode() []byte {
	buf := writeString(nil, a.TargetDeviceCode)
	buf = writeString(buf, a.ReachableAddress)
	buf = append(buf, a.Source)
	buf = writeUint32(buf, uint32(a.Priority))
	return writeUint64(buf, a.ExpiresAtMs)
}

func DecodeCandidateAnnouncement(data []byte) (CandidateAnnouncement, error) {
	rd := &reader{buf: data}
	var out CandidateAnnouncement
	var ok bool
	if out.TargetDeviceCode, ok = rd.varString(); !ok {
		return out, ErrPayloadTooShort
	}
	if out.ReachableAddress, ok = rd.varString(); !ok {
		return out, ErrPayloadTooShort
	}
	src, ok := rd.bytes(1)
	if !ok {
		return out, ErrPayloadTooShort
	}
	out.Source = src[0]
	priority, ok := rd.uint32()
	if !ok {
		return out, ErrPayloadTooShort
	}
	out.Priority = int32(priority)
	if out.ExpiresAtMs, ok = rd.uint64(); !ok {
		return out, ErrPayloadTooShort
	}
	return out, nil
}

func (p Ping) Encode() []byte { return writeUint64(nil, p.SentAtMs) }

func DecodePing(data []byte) (Ping, error) {
	rd := &reader{buf: data}
	ts, ok := rd.uint64()
	if !ok {
		return Ping{}, ErrPayloadTooShort
	}
	return Ping{SentAtMs: ts}, nil
}

func (p Pong) Encode() []byte { return writeUint64(nil, p.EchoedSentAtMs) }

func DecodePong(data []byte) (Pong, error) {
	rd := &reader{buf: data}
	ts, ok := rd.uint64()
	if !ok {
		return Pong{}, ErrPayloadTooShort
	}
	return Pong{EchoedSentAtMs: ts}, nil
}

func (e ErrorFrame) Encode() []byte {
	buf := writeString(nil, e.Kind)
	return writeString(buf, e.Message)
}

func DecodeErrorFrame(data []byte) (ErrorFrame, error) {
	rd := &reader{buf: data}
	var out ErrorFrame
	var ok bool
	if out.Kind, ok = rd.varString(); !ok {
		return out, ErrPayloadTooShort
	}
	if out.Message, ok = rd.varString(); !ok {
		return out, ErrPayloadTooShort
	}
	return out, nil
}

func (p PathDecision) Encode() []byte { return writeString(nil, p.PathCategory) }

func DecodePathDecision(data []byte) (PathDecision, error) {
	rd := &reader{buf: data}
	cat, ok := rd.varString()
	if !ok {
		return PathDecision{}, ErrPayloadTooShort
	}
	return PathDecision{PathCategory: cat}, nil
}

func (s PunchSync) Encode() []byte {
	buf := writeString(nil, s.LocalAddress)
	return writeUint32(buf, uint32(s.RoundTripMs))
}

func DecodePunchSync(data []byte) (PunchSync, error) {
	rd := &reader{buf: data}
	var out PunchSync
	var ok bool
	if out.LocalAddress, ok = rd.varString(); !ok {
		return out, ErrPayloadTooShort
	}
	rtt, ok := rd.uint32()
	if !ok {
		return out, ErrPayloadTooShort
	}
	out.RoundTripMs = int32(rtt)
	return out, nil
}

// StatsReport and QualityReport are opaque blobs; the codec only frames
// them, it never interprets the contents.

func (s StatsReport) Encode() []byte { return writeBytes(nil, s.Blob) }

func DecodeStatsReport(data []byte) (StatsReport, error) {
	rd := &reader{buf: data}
	b, ok := rd.varBytes()
	if !ok {
		return StatsReport{}, ErrPayloadTooShort
	}
	return StatsReport{Blob: b}, nil
}

func (q QualityReport) Encode() []byte { return writeBytes(nil, q.Blob) }

func DecodeQualityReport(data []byte) (QualityReport, error) {
	rd := &reader{buf: data}
	b, ok := rd.varBytes()
	if !ok {
		return QualityReport{}, ErrPayloadTooShort
	}
	return QualityReport{Blob: b}, nil
}
