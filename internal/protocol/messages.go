package protocol

import "time"

// Source identifies which capture pipeline produced a frame or transcript.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
	SourceMixed  Source = "mixed"
)

// AudioFrame is one fixed-size PCM frame handed between pipeline stages.
// Frames are immutable once produced and monotonically ordered per source;
// there is no global ordering across sources.
type AudioFrame struct {
	Source   Source
	PCM      []byte
	Captured time.Time
}

// TranscriptKind distinguishes provisional from finalized transcripts.
type TranscriptKind string

const (
	TranscriptPartial   TranscriptKind = "partial"
	TranscriptCommitted TranscriptKind = "committed"
)

// TranscriptEvent is STT output broadcast on the bus. Partial events may be
// superseded; committed events are terminal for their utterance.
type TranscriptEvent struct {
	Kind      TranscriptKind `json:"kind"`
	Text      string         `json:"text"`
	Source    Source         `json:"source"`
	Words     []Word         `json:"words,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Word carries optional per-word timing on committed transcripts.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// AdvisoryResult is published after the dispatcher finishes a job.
type AdvisoryResult struct {
	JobID     string    `json:"job_id"`
	Input     string    `json:"input"`
	Result    string    `json:"result"`
	Failed    bool      `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial   = "transcript.partial"
	SubjectTranscriptCommitted = "transcript.committed"
	SubjectAdvisoryResult      = "advisor.result"
)
