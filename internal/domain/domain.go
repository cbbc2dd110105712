// Package domain defines the data types shared across the audio retargeting
// pipeline: transcreations, transcript segments, TTS requests, job envelopes,
// and job status. These are the lingua franca between intake, the queue
// runtime, and the per-job media pipeline.
package domain

import "time"

// Transcreation is the external, read-only record describing a requested
// audio retargeting job. It is fetched from the Job Store by Intake.
type Transcreation struct {
	ID               string
	OriginalAudioURL string
	FromLanguage     string
	ToLanguage       string
	Priority         string // plan/priority class, mapped to a numeric priority by the queue
	OwnerEmail       string
	OwnerDiscordID   string // optional; enables Discord DM notification
	Segments         []TranscriptSegment
}

// TranscriptSegment is one timestamped, translated utterance.
type TranscriptSegment struct {
	StartMS        int64
	EndMS          int64
	TextTranslated string
	TextSource     string
	Speaker        string
	Emotion        map[string]float64
	Voice          string // vendor voice id, or the sentinel VoiceClone
}

// VoiceClone is the sentinel voice selector requesting per-speaker cloning.
const VoiceClone = "clone"

// Duration returns the segment length.
func (s TranscriptSegment) Duration() time.Duration {
	return time.Duration(s.EndMS-s.StartMS) * time.Millisecond
}

// VoiceChoiceKind tags the variant of VoiceChoice.
type VoiceChoiceKind int

const (
	// VoiceCatalog selects a vendor catalogue voice by ID.
	VoiceCatalog VoiceChoiceKind = iota
	// VoiceClonedChoice requests synthesis conditioned on a reference clip.
	VoiceClonedChoice
	// VoiceDefaultFallback downgrades to a configured default voice, usually
	// because a clone reference was unavailable.
	VoiceDefaultFallback
)

// VoiceChoice is the tagged variant over voice selection described in
// spec.md §9: a cloning request, a catalogue voice, or a fallback to a
// configured default with a reason recorded for logging.
type VoiceChoice struct {
	Kind            VoiceChoiceKind
	CatalogVoiceID  string
	ReferencePath   string
	FallbackReason  string
	FallbackVoiceID string
}

// TTSRequest is derived one-per-segment by Intake and consumed by the TTS Client.
type TTSRequest struct {
	SegmentIndex  int
	Text          string
	Voice         VoiceChoice
	LanguageCode  string
	Emotion       map[string]float64
	OutputFormat  string
}

// JobEnvelope is the unit of work handed to the Queue Runtime.
type JobEnvelope struct {
	TranscreationID  string
	OriginalAudioURL string
	Segments         []TranscriptSegment
	Requests         []TTSRequest
	TargetLanguage   string
	OwnerEmail       string
	OwnerDiscordID   string
	Priority         int // lower = sooner
}

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// JobStatus is the persisted, single-row-per-transcreation status record.
type JobStatus struct {
	TranscreationID string
	State           JobState
	FinalAudioURL   string
	FailureReason   string
}

// Progress is emitted at stage boundaries and on TTS batch completion.
type Progress struct {
	JobID        string
	StepIndex    int
	TotalSteps   int
	Percent      int // 0-100, monotonic non-decreasing within a job
	Operation    string
	EmittedAt    time.Time
}

// Title returns the first five space-separated tokens of text, used as the
// display title for a job's status (spec.md §6).
func Title(segments []TranscriptSegment) string {
	if len(segments) == 0 {
		return ""
	}
	return firstTokens(segments[0].TextTranslated, 5)
}

func firstTokens(s string, n int) string {
	tokens := make([]string, 0, n)
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			if start >= 0 {
				tokens = append(tokens, s[start:i])
				start = -1
				if len(tokens) == n {
					return join(tokens)
				}
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 && len(tokens) < n {
		tokens = append(tokens, s[start:])
	}
	return join(tokens)
}

func join(tokens []string) string {
	out := ""
	for i, t := range tokens {
		if i > 0 {
			out += " "
		}
		out += t
	}
	return out
}

// ProcessingStage maps a progress percent to the user-facing stage label
// (spec.md §6 Status stream).
func ProcessingStage(state JobState, percent int) string {
	if state == JobFailed {
		return "Failed"
	}
	switch {
	case percent <= 0:
		return "Queued"
	case percent <= 20:
		return "Generating speech"
	case percent <= 50:
		return "Separating background"
	case percent <= 80:
		return "Combining"
	case percent < 100:
		return "Finalizing"
	default:
		return "Complete"
	}
	// Note: spec.md §6 defines this mapping as (0,20]→"Generating speech",
	// (20,50]→"Separating background", (50,80]→"Combining", (80,100)→
	// "Finalizing", 100→"Complete" — labels don't track the pipeline's
	// actual stage order (separate runs before synthesize); they are the
	// vendor-specified external contract and are reproduced verbatim.
}
