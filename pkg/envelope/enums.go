// Package envelope implements the ControlEnvelope wire format: a single
// tagged frame that carries every control-plane message (spec.md §4.4).
//
// Grounded on pkg/message's MessageHeader/Frame manual binary Encode/
// EncodeTo/Decode triad, and on pkg/tlv's canonical-encoding idea for the
// signature-covered subset of fields.
package envelope

// Kind tags the payload carried by a ControlEnvelope. The set is closed per
// spec.md §4.4; decode must preserve but ignore unknown variants instead of
// rejecting the envelope.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSessionRequest
	KindSessionAccept
	KindSessionReject
	KindSessionClose
	KindCandidateAnnouncement
	KindPunchSync
	KindPing
	KindPong
	KindVideoConfigUpdate
	KindInputEvent
	KindFileTransfer
	KindClipboardSync
	KindRecordingControl
	KindStatsReport
	KindErrorFrame
	KindPathDecision
	KindQualityReport
)

func (k Kind) String() string {
	switch k {
	case KindSessionRequest:
		return "SessionRequest"
	case KindSessionAccept:
		return "SessionAccept"
	case KindSessionReject:
		return "SessionReject"
	case KindSessionClose:
		return "SessionClose"
	case KindCandidateAnnouncement:
		return "CandidateAnnouncement"
	case KindPunchSync:
		return "PunchSync"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindVideoConfigUpdate:
		return "VideoConfigUpdate"
	case KindInputEvent:
		return "InputEvent"
	case KindFileTransfer:
		return "FileTransfer"
	case KindClipboardSync:
		return "ClipboardSync"
	case KindRecordingControl:
		return "RecordingControl"
	case KindStatsReport:
		return "StatsReport"
	case KindErrorFrame:
		return "ErrorFrame"
	case KindPathDecision:
		return "PathDecision"
	case KindQualityReport:
		return "QualityReport"
	default:
		return "Unknown"
	}
}

// isCoreKind returns true for the kinds the control-plane core itself
// builds and interprets. Everything else (media/input/file/clipboard
// families) rides on top of an established session per spec.md §1 and is
// carried opaquely: the codec tags and frames it but never inspects it.
func (k Kind) isCoreKind() bool {
	switch k {
	case KindSessionRequest, KindSessionAccept, KindSessionReject, KindSessionClose,
		KindCandidateAnnouncement, KindPunchSync, KindPing, KindPong,
		KindStatsReport, KindErrorFrame, KindPathDecision, KindQualityReport:
		return true
	default:
		return false
	}
}
