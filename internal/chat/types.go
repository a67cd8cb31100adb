package chat

import (
	"context"
	"strings"

	"sportpix-chat/internal/gemini"
	"sportpix-chat/internal/prompt"
	"sportpix-chat/internal/session"
)

type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Gateway is the remote generative capability.
type Gateway interface {
	ClassifyAndRespond(ctx context.Context, text string) (gemini.Classification, error)
	GenerateBatch(ctx context.Context, finalPrompt string) ([]session.Image, error)
	GenerateVariation(ctx context.Context, base session.Image, feedback string) (*session.Image, error)
}

// Indicator is a rendered loading bubble. Done removes it and may be called
// more than once.
type Indicator interface {
	Done()
}

// Renderer is the UI surface the machine drives. Implementations must not
// call back into the Machine.
type Renderer interface {
	// Message renders a bubble and returns its id.
	Message(role Role, text string) string
	Loading(text string) Indicator
	// StyleChoices renders one bot bubble carrying text and the style buttons
	// and returns the affordance id.
	StyleChoices(text string, styles []prompt.Style) string
	// SatisfactionChoices renders one bot bubble carrying text and the
	// satisfied/retry/variations buttons and returns the affordance id.
	SatisfactionChoices(text string) string
	Dismiss(affordanceID string)
	// ImageGrid renders a batch; each tile offers a vary action with its index.
	ImageGrid(images []session.Image)
	SingleImage(img session.Image)
	Preview(url string)
}

type Choice string

const (
	ChoiceSatisfied  Choice = "satisfied"
	ChoiceRetry      Choice = "retry"
	ChoiceVariations Choice = "variations"
)

// Choices lists the satisfaction options in display order.
func Choices() []Choice {
	return []Choice{ChoiceSatisfied, ChoiceRetry, ChoiceVariations}
}

// ParseChoice maps a button value to a Choice.
func ParseChoice(value string) (Choice, bool) {
	switch Choice(strings.ToLower(strings.TrimSpace(value))) {
	case ChoiceSatisfied:
		return ChoiceSatisfied, true
	case ChoiceRetry:
		return ChoiceRetry, true
	case ChoiceVariations:
		return ChoiceVariations, true
	}
	return "", false
}

// Label is the button caption for a choice.
func (c Choice) Label() string {
	switch c {
	case ChoiceSatisfied:
		return "I'm satisfied"
	case ChoiceRetry:
		return "Try something new"
	case ChoiceVariations:
		return "More variations"
	}
	return string(c)
}

// Action is a user click routed through Machine.Dispatch.
type Action interface {
	action()
}

// StyleChosen picks a style from the live style affordance.
type StyleChosen struct {
	Affordance string
	Style      string
}

// SatisfactionChosen answers the live satisfaction affordance.
type SatisfactionChosen struct {
	Affordance string
	Choice     Choice
}

// VaryRequested selects batch image Index as the variation base.
type VaryRequested struct {
	Index int
}

// ImageClicked opens the fullscreen preview.
type ImageClicked struct {
	URL string
}

func (StyleChosen) action()        {}
func (SatisfactionChosen) action() {}
func (VaryRequested) action()      {}
func (ImageClicked) action()       {}
