package response

// Mode shapes how a response is generated and truncated for delivery.
type Mode int

const (
	ModeVoiceConcise Mode = iota // spoken, short: hard cap for conversational pacing
	ModeVoiceDetailed            // spoken, the user asked for depth
	ModeText                     // typed exchange, no speech pacing pressure
)

func (m Mode) String() string {
	switch m {
	case ModeVoiceConcise:
		return "voice_concise"
	case ModeVoiceDetailed:
		return "voice_detailed"
	default:
		return "text"
	}
}

// MaxSentences is the sentence cap at which emission stops.
func (m Mode) MaxSentences() int {
	if m == ModeVoiceConcise {
		return 12
	}
	return 18
}

// MaxTokens is the provider-side output budget for the mode.
func (m Mode) MaxTokens() int {
	if m == ModeVoiceConcise {
		return 300
	}
	return 800
}

// TruncationState tracks sentence-cap enforcement for one generation. It is
// scoped to a single response and discarded afterwards.
type TruncationState struct {
	Mode          Mode
	MaxSentences  int
	SentenceCount int
	Truncated     bool
}

func NewTruncationState(mode Mode) *TruncationState {
	return &TruncationState{
		Mode:         mode,
		MaxSentences: mode.MaxSentences(),
	}
}
