package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"sportpix-chat/internal/gemini"
	"sportpix-chat/internal/prompt"
	"sportpix-chat/internal/session"
)

// ErrBusy is returned when free text arrives while a call or a pending choice
// blocks input. Nothing is rendered in that case.
var ErrBusy = errors.New("session is busy")

type Options struct {
	Gateway  Gateway
	Renderer Renderer
	Persona  *prompt.Persona
	Logger   *slog.Logger
}

// Machine is the conversation state machine for a single Session.
//
// The lock is released while a Gateway call is outstanding; the busy flag and
// the Generating/Awaiting phase keep every other entry point out until the
// result has been applied, so at most one call is ever in flight.
type Machine struct {
	mu         sync.Mutex
	sess       *session.Session
	affordance string

	gw      Gateway
	r       Renderer
	persona *prompt.Persona
	logger  *slog.Logger
}

func New(opts Options) *Machine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Machine{
		sess:    session.New(),
		gw:      opts.Gateway,
		r:       opts.Renderer,
		persona: opts.Persona,
		logger:  logger,
	}
}

// Start renders the greeting.
func (m *Machine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.r.Message(RoleBot, m.persona.Messages.Greeting)
}

// Snapshot returns a copy of the Session.
func (m *Machine) Snapshot() session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sess.Clone()
}

// SubmitText handles a free-text submission. It blocks until the resulting
// Gateway call, if any, has been applied.
func (m *Machine) SubmitText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess.Busy {
		m.logger.Debug("text ignored while busy", "phase", m.sess.Phase)
		return ErrBusy
	}

	if m.sess.PendingVariationFeedback {
		m.sess.PendingVariationFeedback = false
		m.submitFeedback(ctx, text)
		return nil
	}
	m.submitPrompt(ctx, text)
	return nil
}

func (m *Machine) submitPrompt(ctx context.Context, text string) {
	m.r.Message(RoleUser, text)
	m.transition(session.AwaitingPersonaReply, true)

	var (
		reply gemini.Classification
		err   error
	)
	m.await(m.persona.Messages.Thinking, func() {
		reply, err = m.gw.ClassifyAndRespond(ctx, text)
	})

	switch {
	case err != nil:
		m.logger.Error("classification failed", "err", err)
		m.r.Message(RoleBot, m.persona.Messages.ClassificationFailed)
		m.transition(session.Idle, false)
	case !reply.IsValidRequest:
		m.r.Message(RoleBot, orText(reply.BotResponse, m.persona.Messages.Greeting))
		m.transition(session.Idle, false)
	default:
		m.sess.LastPrompt = text
		msg := orText(reply.BotResponse, m.persona.Messages.ChooseStyle)
		m.affordance = m.r.StyleChoices(msg, m.persona.Styles)
		// Input stays blocked until a style is picked.
		m.transition(session.AwaitingStyleChoice, true)
	}
}

func (m *Machine) submitFeedback(ctx context.Context, feedback string) {
	m.r.Message(RoleUser, feedback)

	if m.sess.ActiveVariation == nil || m.sess.ActiveVariation.Empty() {
		m.r.Message(RoleBot, m.persona.Messages.NoVariationBase)
		m.sess.ActiveVariation = nil
		m.transition(session.Idle, false)
		return
	}

	base := m.sess.ActiveVariation.Clone()
	m.transition(session.GeneratingVariation, true)

	var (
		img *session.Image
		err error
	)
	m.await(m.persona.Messages.Varying, func() {
		img, err = m.gw.GenerateVariation(ctx, base, feedback)
	})

	if err != nil || img == nil || img.Empty() {
		if err != nil {
			m.logger.Error("variation failed", "err", err)
		} else {
			m.logger.Info("variation returned no image")
		}
		m.r.Message(RoleBot, m.persona.Messages.VariationFailed)
		m.r.SingleImage(base)
		m.affordance = m.r.SatisfactionChoices(m.persona.Messages.SatisfactionQuestion)
	} else {
		next := img.Clone()
		m.sess.ActiveVariation = &next
		m.r.SingleImage(next)
		m.affordance = m.r.SatisfactionChoices(m.persona.Messages.VariationReady)
	}
	m.transition(session.AwaitingSatisfaction, true)
}

// Dispatch routes a click. It reports whether the action changed anything;
// stale, out-of-phase and out-of-range actions are ignored silently.
func (m *Machine) Dispatch(ctx context.Context, a Action) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch a := a.(type) {
	case StyleChosen:
		return m.chooseStyle(ctx, a)
	case SatisfactionChosen:
		return m.chooseSatisfaction(a)
	case VaryRequested:
		return m.vary(a)
	case ImageClicked:
		if strings.TrimSpace(a.URL) == "" {
			return false
		}
		m.r.Preview(a.URL)
		return true
	}
	return false
}

func (m *Machine) chooseStyle(ctx context.Context, a StyleChosen) bool {
	if m.sess.Phase != session.AwaitingStyleChoice || !m.liveAffordance(a.Affordance) {
		m.logger.Debug("stale style choice ignored", "phase", m.sess.Phase, "affordance", a.Affordance)
		return false
	}
	style, ok := m.persona.Style(a.Style)
	if !ok {
		m.logger.Debug("unknown style ignored", "style", a.Style)
		return false
	}

	m.dismiss()
	m.r.Message(RoleUser, style.Name)
	m.sess.ClearImages()
	m.transition(session.GeneratingBatch, true)

	finalPrompt := m.persona.BuildBatch(m.sess.LastPrompt, style)

	var (
		images []session.Image
		err    error
	)
	m.await(m.persona.Messages.Generating, func() {
		images, err = m.gw.GenerateBatch(ctx, finalPrompt)
	})

	if err != nil || len(images) == 0 {
		if err != nil {
			m.logger.Error("batch generation failed", "err", err)
		} else {
			m.logger.Info("batch generation returned no images")
		}
		m.r.Message(RoleBot, m.persona.Messages.BatchFailed)
		m.transition(session.Idle, false)
		return true
	}

	m.sess.LastImageSet = images
	m.r.ImageGrid(images)
	m.r.Message(RoleBot, m.persona.Messages.BatchReady)
	m.transition(session.Idle, false)
	return true
}

func (m *Machine) chooseSatisfaction(a SatisfactionChosen) bool {
	if m.sess.Phase != session.AwaitingSatisfaction || !m.liveAffordance(a.Affordance) {
		m.logger.Debug("stale satisfaction choice ignored", "phase", m.sess.Phase, "affordance", a.Affordance)
		return false
	}

	switch a.Choice {
	case ChoiceSatisfied:
		m.dismiss()
		m.r.Message(RoleBot, m.persona.Messages.SatisfiedThanks)
		m.r.Message(RoleBot, m.persona.Messages.SatisfiedInvite)
		m.sess.ClearImages()
		m.transition(session.Idle, false)
	case ChoiceRetry:
		m.dismiss()
		m.r.Message(RoleBot, m.persona.Messages.Retry)
		m.sess.ClearImages()
		m.transition(session.Idle, false)
	case ChoiceVariations:
		m.dismiss()
		m.sess.PendingVariationFeedback = true
		m.r.Message(RoleBot, m.persona.Messages.VariationPrompt)
		m.transition(session.AwaitingVariationFeedback, false)
	default:
		m.logger.Debug("unknown satisfaction choice ignored", "choice", a.Choice)
		return false
	}
	return true
}

func (m *Machine) vary(a VaryRequested) bool {
	if m.sess.Busy {
		return false
	}
	if m.sess.Phase != session.Idle && m.sess.Phase != session.AwaitingVariationFeedback {
		return false
	}
	img, ok := m.sess.ImageAt(a.Index)
	if !ok {
		m.logger.Debug("vary index out of range", "index", a.Index, "images", len(m.sess.LastImageSet))
		return false
	}

	base := img.Clone()
	m.sess.ActiveVariation = &base
	m.sess.PendingVariationFeedback = true
	m.r.Message(RoleBot, m.persona.Messages.VariationPrompt)
	m.transition(session.AwaitingVariationFeedback, false)
	return true
}

// await renders a loading bubble and runs call without holding the lock.
// The bubble is removed on every exit path, after the lock is re-acquired.
func (m *Machine) await(loading string, call func()) {
	ind := m.r.Loading(loading)
	defer ind.Done()

	m.mu.Unlock()
	defer m.mu.Lock()

	call()
}

func (m *Machine) transition(to session.Phase, busy bool) {
	from := m.sess.Phase
	m.sess.Phase = to
	m.sess.Busy = busy
	m.logger.Debug("phase transition", "from", from, "to", to, "busy", busy)
}

func (m *Machine) liveAffordance(id string) bool {
	return id == "" || id == m.affordance
}

func (m *Machine) dismiss() {
	if m.affordance == "" {
		return
	}
	m.r.Dismiss(m.affordance)
	m.affordance = ""
}

func orText(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
