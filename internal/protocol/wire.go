package protocol

// Wire messages exchanged with the streaming transcription endpoint,
// JSON over a duplex websocket. One connection per audio source.

// AudioChunkMessage is the only outbound message type. PCM is base64 of
// little-endian 16-bit samples at 16 kHz.
type AudioChunkMessage struct {
	Type        string `json:"type"` // always "input_audio_chunk"
	AudioBase64 string `json:"audio_base64"`
	Commit      bool   `json:"commit"`
	SampleRate  int    `json:"sample_rate"`
}

// Inbound message types.
const (
	MsgSessionStarted       = "session_started"
	MsgPartialTranscript    = "partial_transcript"
	MsgCommittedTranscript  = "committed_transcript"
	MsgCommittedWithTimings = "committed_transcript_with_timestamps"
	MsgInputError           = "input_error"
)

// InboundMessage is the union of everything the endpoint sends. Type decides
// which fields are populated.
type InboundMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Words     []Word `json:"words,omitempty"`
	Error     string `json:"error,omitempty"`
}
