package protocol

import "time"

// SynthesisRequest asks a relay to synthesize text on behalf of another gateway.
type SynthesisRequest struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Locale      string    `json:"locale,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// SynthesisReply carries the WAV bytes inline or names an object holding them.
type SynthesisReply struct {
	ID        string `json:"id"`
	Audio     []byte `json:"audio,omitempty"`
	ObjectKey string `json:"object_key,omitempty"`
	Error     string `json:"error,omitempty"`
}

// JobEvent summarizes one synthesis request handled by the gateway.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	Method     string    `json:"method"`
	Locale     string    `json:"locale"`
	Status     string    `json:"status"`
	StatusCode int       `json:"status_code"`
	TextChars  int       `json:"text_chars"`
	AudioBytes int       `json:"audio_bytes"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusTimedOut  = "timed_out"
	JobStatusAbandoned = "abandoned"
)

const (
	SubjectSynthesize = "tts.synthesize"
	SubjectJobEvent   = "tts.gateway.job"
)
