package ttsclient

import (
	"log/slog"

	"github.com/dubforge/retargetd/internal/domain"
	"github.com/dubforge/retargetd/internal/reference"
)

// ResolveVoice fills in the reference clip path for a cloning request, or
// downgrades to a configured default voice when no reference is available
// for the segment's speaker. A missing reference never fails the segment by
// itself (spec.md §4.5).
func ResolveVoice(choice domain.VoiceChoice, speaker, defaultVoiceID string, refs reference.Map) domain.VoiceChoice {
	if choice.Kind != domain.VoiceClonedChoice {
		return choice
	}
	path, ok := refs[speaker]
	if !ok || path == "" {
		slog.Warn("tts: no reference available for speaker, downgrading voice", "speaker", speaker)
		return domain.VoiceChoice{
			Kind:            domain.VoiceDefaultFallback,
			FallbackVoiceID: defaultVoiceID,
			FallbackReason:  "missing reference audio",
		}
	}
	choice.ReferencePath = path
	return choice
}
