package session

import "fmt"

// Phase is the exclusive conversational state of a Session.
type Phase int

const (
	Idle Phase = iota
	AwaitingPersonaReply
	AwaitingStyleChoice
	GeneratingBatch
	AwaitingSatisfaction
	AwaitingVariationFeedback
	GeneratingVariation
)

var phaseNames = [...]string{
	Idle:                      "idle",
	AwaitingPersonaReply:      "awaiting_persona_reply",
	AwaitingStyleChoice:       "awaiting_style_choice",
	GeneratingBatch:           "generating_batch",
	AwaitingSatisfaction:      "awaiting_satisfaction",
	AwaitingVariationFeedback: "awaiting_variation_feedback",
	GeneratingVariation:       "generating_variation",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// MarshalText lets snapshots carry the phase name instead of its ordinal.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	parsed, ok := ParsePhase(string(text))
	if !ok {
		return fmt.Errorf("unknown phase %q", text)
	}
	*p = parsed
	return nil
}

// ParsePhase maps a phase name back to its Phase.
func ParsePhase(name string) (Phase, bool) {
	for i, n := range phaseNames {
		if n == name {
			return Phase(i), true
		}
	}
	return Idle, false
}

// Session is the whole mutable state of one interactive chat. It is not
// safe for concurrent use; chat.Machine owns and guards it.
type Session struct {
	Phase Phase
	Busy  bool

	LastPrompt string

	// LastImageSet holds the most recent batch. ActiveVariation is the image
	// currently under discussion once a variation flow has started.
	LastImageSet    []Image
	ActiveVariation *Image

	PendingVariationFeedback bool
}

// New returns a Session in its initial Idle phase.
func New() *Session {
	return &Session{Phase: Idle}
}

// ImageAt returns the batch image at idx. Out-of-range indices report false.
func (s *Session) ImageAt(idx int) (Image, bool) {
	if idx < 0 || idx >= len(s.LastImageSet) {
		return Image{}, false
	}
	return s.LastImageSet[idx], true
}

// ClearImages forgets both the batch and the variation base.
func (s *Session) ClearImages() {
	s.LastImageSet = nil
	s.ActiveVariation = nil
}

// Clone returns a deep copy safe to hand outside the owning goroutine.
func (s *Session) Clone() Session {
	out := *s
	if s.LastImageSet != nil {
		out.LastImageSet = make([]Image, len(s.LastImageSet))
		for i, img := range s.LastImageSet {
			out.LastImageSet[i] = img.Clone()
		}
	}
	if s.ActiveVariation != nil {
		img := s.ActiveVariation.Clone()
		out.ActiveVariation = &img
	}
	return out
}
