package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"sportpix-chat/internal/gemini"
	"sportpix-chat/internal/prompt"
	"sportpix-chat/internal/session"
)

type fakeGateway struct {
	mu sync.Mutex

	ClassifyFunc  func(ctx context.Context, text string) (gemini.Classification, error)
	BatchFunc     func(ctx context.Context, finalPrompt string) ([]session.Image, error)
	VariationFunc func(ctx context.Context, base session.Image, feedback string) (*session.Image, error)

	classifyCalls  int
	batchCalls     int
	variationCalls int
	lastPrompt     string
	lastBase       session.Image
	lastFeedback   string
}

func (f *fakeGateway) ClassifyAndRespond(ctx context.Context, text string) (gemini.Classification, error) {
	f.mu.Lock()
	f.classifyCalls++
	f.mu.Unlock()
	if f.ClassifyFunc != nil {
		return f.ClassifyFunc(ctx, text)
	}
	return gemini.Classification{IsValidRequest: true, BotResponse: "Great idea! Pick a style."}, nil
}

func (f *fakeGateway) GenerateBatch(ctx context.Context, finalPrompt string) ([]session.Image, error) {
	f.mu.Lock()
	f.batchCalls++
	f.lastPrompt = finalPrompt
	f.mu.Unlock()
	if f.BatchFunc != nil {
		return f.BatchFunc(ctx, finalPrompt)
	}
	return testImages(4), nil
}

func (f *fakeGateway) GenerateVariation(ctx context.Context, base session.Image, feedback string) (*session.Image, error) {
	f.mu.Lock()
	f.variationCalls++
	f.lastBase = base
	f.lastFeedback = feedback
	f.mu.Unlock()
	if f.VariationFunc != nil {
		return f.VariationFunc(ctx, base, feedback)
	}
	img := session.Image{Data: []byte("variation"), MIMEType: "image/png"}
	return &img, nil
}

type event struct {
	Kind   string
	Role   Role
	Text   string
	ID     string
	Images []session.Image
}

type recordingRenderer struct {
	mu     sync.Mutex
	seq    int
	events []event
}

type fakeIndicator struct {
	r    *recordingRenderer
	id   string
	once sync.Once
}

func (i *fakeIndicator) Done() {
	i.once.Do(func() { i.r.add(event{Kind: "loading-done", ID: i.id}) })
}

func (r *recordingRenderer) add(e event) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == "" {
		r.seq++
		e.ID = fmt.Sprintf("id-%d", r.seq)
	}
	r.events = append(r.events, e)
	return e.ID
}

func (r *recordingRenderer) Message(role Role, text string) string {
	return r.add(event{Kind: "message", Role: role, Text: text})
}

func (r *recordingRenderer) Loading(text string) Indicator {
	id := r.add(event{Kind: "loading", Role: RoleBot, Text: text})
	return &fakeIndicator{r: r, id: id}
}

func (r *recordingRenderer) StyleChoices(text string, styles []prompt.Style) string {
	return r.add(event{Kind: "style-choices", Role: RoleBot, Text: text})
}

func (r *recordingRenderer) SatisfactionChoices(text string) string {
	return r.add(event{Kind: "satisfaction-choices", Role: RoleBot, Text: text})
}

func (r *recordingRenderer) Dismiss(id string) {
	r.add(event{Kind: "dismiss", ID: id})
}

func (r *recordingRenderer) ImageGrid(images []session.Image) {
	r.add(event{Kind: "image-grid", Role: RoleBot, Images: images})
}

func (r *recordingRenderer) SingleImage(img session.Image) {
	r.add(event{Kind: "image", Role: RoleBot, Images: []session.Image{img}})
}

func (r *recordingRenderer) Preview(url string) {
	r.add(event{Kind: "preview", Text: url})
}

func (r *recordingRenderer) Events() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func (r *recordingRenderer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recordingRenderer) Since(n int) []event {
	return r.Events()[n:]
}

func (r *recordingRenderer) Last(kind string) (event, bool) {
	events := r.Events()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == kind {
			return events[i], true
		}
	}
	return event{}, false
}

func testImages(n int) []session.Image {
	out := make([]session.Image, n)
	for i := range out {
		out[i] = session.Image{Data: []byte(fmt.Sprintf("img-%d", i)), MIMEType: "image/jpeg"}
	}
	return out
}

func newTestMachine(t *testing.T, gw *fakeGateway) (*Machine, *recordingRenderer) {
	t.Helper()
	persona, err := prompt.Default()
	if err != nil {
		t.Fatalf("prompt.Default() error = %v", err)
	}
	r := &recordingRenderer{}
	m := New(Options{
		Gateway:  gw,
		Renderer: r,
		Persona:  persona,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return m, r
}

func assertPhase(t *testing.T, m *Machine, phase session.Phase, busy bool) {
	t.Helper()
	s := m.Snapshot()
	if s.Phase != phase || s.Busy != busy {
		t.Fatalf("state = %v busy=%v, want %v busy=%v", s.Phase, s.Busy, phase, busy)
	}
}

// assertLoadingBalanced checks that every loading bubble was removed.
func assertLoadingBalanced(t *testing.T, r *recordingRenderer) {
	t.Helper()
	open := map[string]bool{}
	for _, e := range r.Events() {
		switch e.Kind {
		case "loading":
			open[e.ID] = true
		case "loading-done":
			if !open[e.ID] {
				t.Errorf("loading-done for unknown indicator %s", e.ID)
			}
			delete(open, e.ID)
		}
	}
	if len(open) != 0 {
		t.Errorf("loading indicators left open: %v", open)
	}
}

func toStyleChoice(t *testing.T, m *Machine, r *recordingRenderer, text string) string {
	t.Helper()
	if err := m.SubmitText(context.Background(), text); err != nil {
		t.Fatalf("SubmitText() error = %v", err)
	}
	assertPhase(t, m, session.AwaitingStyleChoice, true)
	ev, ok := r.Last("style-choices")
	if !ok {
		t.Fatal("no style affordance rendered")
	}
	return ev.ID
}

func toBatch(t *testing.T, m *Machine, r *recordingRenderer) {
	t.Helper()
	aff := toStyleChoice(t, m, r, "a soccer player scoring a goal")
	if !m.Dispatch(context.Background(), StyleChosen{Affordance: aff, Style: "cartoon"}) {
		t.Fatal("StyleChosen not applied")
	}
	assertPhase(t, m, session.Idle, false)
}

func toSatisfaction(t *testing.T, m *Machine, r *recordingRenderer) string {
	t.Helper()
	toBatch(t, m, r)
	if !m.Dispatch(context.Background(), VaryRequested{Index: 2}) {
		t.Fatal("VaryRequested not applied")
	}
	if err := m.SubmitText(context.Background(), "make the jersey red"); err != nil {
		t.Fatalf("SubmitText() error = %v", err)
	}
	assertPhase(t, m, session.AwaitingSatisfaction, true)
	ev, ok := r.Last("satisfaction-choices")
	if !ok {
		t.Fatal("no satisfaction affordance rendered")
	}
	return ev.ID
}

func TestMachine_Start(t *testing.T) {
	m, r := newTestMachine(t, &fakeGateway{})
	m.Start()

	events := r.Events()
	if len(events) != 1 || events[0].Kind != "message" || events[0].Role != RoleBot {
		t.Fatalf("events = %+v, want one bot greeting", events)
	}
	assertPhase(t, m, session.Idle, false)
}

func TestMachine_HappyPath(t *testing.T) {
	gw := &fakeGateway{}
	m, r := newTestMachine(t, gw)

	toBatch(t, m, r)

	s := m.Snapshot()
	if len(s.LastImageSet) != 4 {
		t.Fatalf("len(LastImageSet) = %d, want 4", len(s.LastImageSet))
	}
	if s.LastPrompt != "a soccer player scoring a goal" {
		t.Errorf("LastPrompt = %q", s.LastPrompt)
	}
	if s.ActiveVariation != nil {
		t.Error("ActiveVariation set after batch")
	}

	for _, want := range []string{"a soccer player scoring a goal", "cartoon", "4 distinct"} {
		if !strings.Contains(strings.ToLower(gw.lastPrompt), strings.ToLower(want)) {
			t.Errorf("final prompt missing %q:\n%s", want, gw.lastPrompt)
		}
	}

	grid, ok := r.Last("image-grid")
	if !ok || len(grid.Images) != 4 {
		t.Errorf("image grid = %+v", grid)
	}
	assertLoadingBalanced(t, r)
}

func TestMachine_ValidClassificationRendersOneStyleBubble(t *testing.T) {
	m, r := newTestMachine(t, &fakeGateway{})

	if err := m.SubmitText(context.Background(), "basketball dunk"); err != nil {
		t.Fatal(err)
	}
	assertPhase(t, m, session.AwaitingStyleChoice, true)

	var botBubbles, styleBubbles int
	for _, e := range r.Events() {
		switch {
		case e.Kind == "style-choices":
			styleBubbles++
			botBubbles++
			if e.Text != "Great idea! Pick a style." {
				t.Errorf("style bubble text = %q", e.Text)
			}
		case e.Kind == "message" && e.Role == RoleBot:
			botBubbles++
		}
	}
	if botBubbles != 1 || styleBubbles != 1 {
		t.Errorf("bot bubbles = %d, style bubbles = %d, want 1 and 1", botBubbles, styleBubbles)
	}
	assertLoadingBalanced(t, r)
}

func TestMachine_InvalidClassification(t *testing.T) {
	gw := &fakeGateway{
		ClassifyFunc: func(ctx context.Context, text string) (gemini.Classification, error) {
			return gemini.Classification{IsValidRequest: false, BotResponse: "I only make sports images."}, nil
		},
	}
	m, r := newTestMachine(t, gw)

	if err := m.SubmitText(context.Background(), "a bowl of soup"); err != nil {
		t.Fatal(err)
	}

	assertPhase(t, m, session.Idle, false)
	if s := m.Snapshot(); s.LastPrompt != "" {
		t.Errorf("LastPrompt = %q, want empty for declined request", s.LastPrompt)
	}
	msg, _ := r.Last("message")
	if msg.Role != RoleBot || msg.Text != "I only make sports images." {
		t.Errorf("last message = %+v", msg)
	}
	if _, ok := r.Last("style-choices"); ok {
		t.Error("style affordance rendered for declined request")
	}
	assertLoadingBalanced(t, r)
}

func TestMachine_ClassificationError(t *testing.T) {
	gw := &fakeGateway{
		ClassifyFunc: func(ctx context.Context, text string) (gemini.Classification, error) {
			return gemini.Classification{}, &gemini.ClassificationError{Model: "m", Err: gemini.ErrMalformedReply}
		},
	}
	m, r := newTestMachine(t, gw)

	if err := m.SubmitText(context.Background(), "tennis serve"); err != nil {
		t.Fatal(err)
	}

	assertPhase(t, m, session.Idle, false)
	msg, _ := r.Last("message")
	if msg.Role != RoleBot || msg.Text != m.persona.Messages.ClassificationFailed {
		t.Errorf("last message = %+v", msg)
	}
	assertLoadingBalanced(t, r)
}

func TestMachine_BatchFailures(t *testing.T) {
	tests := []struct {
		name  string
		batch func(ctx context.Context, finalPrompt string) ([]session.Image, error)
	}{
		{
			name: "empty result",
			batch: func(ctx context.Context, finalPrompt string) ([]session.Image, error) {
				return nil, nil
			},
		},
		{
			name: "service error",
			batch: func(ctx context.Context, finalPrompt string) ([]session.Image, error) {
				return nil, &gemini.GenerationError{Op: "batch", Model: "m", Err: errors.New("503")}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, r := newTestMachine(t, &fakeGateway{BatchFunc: tt.batch})

			aff := toStyleChoice(t, m, r, "rugby scrum")
			if !m.Dispatch(context.Background(), StyleChosen{Affordance: aff, Style: "realistic"}) {
				t.Fatal("StyleChosen not applied")
			}

			assertPhase(t, m, session.Idle, false)
			if s := m.Snapshot(); len(s.LastImageSet) != 0 {
				t.Errorf("LastImageSet = %d images, want none", len(s.LastImageSet))
			}
			msg, _ := r.Last("message")
			if msg.Text != m.persona.Messages.BatchFailed {
				t.Errorf("last message = %q, want apology", msg.Text)
			}
			if _, ok := r.Last("image-grid"); ok {
				t.Error("image grid rendered for failed batch")
			}
			assertLoadingBalanced(t, r)
		})
	}
}

func TestMachine_BusyGuard(t *testing.T) {
	t.Run("awaiting style choice", func(t *testing.T) {
		m, r := newTestMachine(t, &fakeGateway{})
		toStyleChoice(t, m, r, "cycling sprint")

		before, n := m.Snapshot(), r.Len()
		if err := m.SubmitText(context.Background(), "another idea"); !errors.Is(err, ErrBusy) {
			t.Fatalf("SubmitText() error = %v, want ErrBusy", err)
		}
		after := m.Snapshot()
		if after.Phase != before.Phase || after.Busy != before.Busy || after.LastPrompt != before.LastPrompt {
			t.Errorf("state changed: %+v -> %+v", before, after)
		}
		if r.Len() != n {
			t.Errorf("rendered %+v while busy", r.Since(n))
		}
	})

	t.Run("awaiting satisfaction", func(t *testing.T) {
		m, r := newTestMachine(t, &fakeGateway{})
		toSatisfaction(t, m, r)

		n := r.Len()
		if err := m.SubmitText(context.Background(), "hello?"); !errors.Is(err, ErrBusy) {
			t.Fatalf("SubmitText() error = %v, want ErrBusy", err)
		}
		assertPhase(t, m, session.AwaitingSatisfaction, true)
		if r.Len() != n {
			t.Errorf("rendered %+v while busy", r.Since(n))
		}
	})
}

// blockingGateway parks every call until release is closed.
func blockingGateway(started chan<- string, release <-chan struct{}) *fakeGateway {
	return &fakeGateway{
		ClassifyFunc: func(ctx context.Context, text string) (gemini.Classification, error) {
			started <- "classify"
			<-release
			return gemini.Classification{IsValidRequest: true, BotResponse: "ok"}, nil
		},
		BatchFunc: func(ctx context.Context, finalPrompt string) ([]session.Image, error) {
			started <- "batch"
			<-release
			return testImages(4), nil
		},
		VariationFunc: func(ctx context.Context, base session.Image, feedback string) (*session.Image, error) {
			started <- "variation"
			<-release
			img := session.Image{Data: []byte("v"), MIMEType: "image/png"}
			return &img, nil
		},
	}
}

func TestMachine_BusyGuardDuringCalls(t *testing.T) {
	tests := []struct {
		name  string
		phase session.Phase
		setup func(t *testing.T, m *Machine, r *recordingRenderer, release chan struct{}) func()
	}{
		{
			name:  "persona reply in flight",
			phase: session.AwaitingPersonaReply,
			setup: func(t *testing.T, m *Machine, r *recordingRenderer, release chan struct{}) func() {
				return func() { _ = m.SubmitText(context.Background(), "golf swing") }
			},
		},
		{
			name:  "batch in flight",
			phase: session.GeneratingBatch,
			setup: func(t *testing.T, m *Machine, r *recordingRenderer, release chan struct{}) func() {
				m.sess.Phase = session.AwaitingStyleChoice
				m.sess.Busy = true
				m.sess.LastPrompt = "golf swing"
				return func() { m.Dispatch(context.Background(), StyleChosen{Style: "cinematic"}) }
			},
		},
		{
			name:  "variation in flight",
			phase: session.GeneratingVariation,
			setup: func(t *testing.T, m *Machine, r *recordingRenderer, release chan struct{}) func() {
				base := session.Image{Data: []byte("b"), MIMEType: "image/png"}
				m.sess.Phase = session.AwaitingVariationFeedback
				m.sess.ActiveVariation = &base
				m.sess.PendingVariationFeedback = true
				return func() { _ = m.SubmitText(context.Background(), "add rain") }
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			started := make(chan string, 1)
			release := make(chan struct{})
			m, r := newTestMachine(t, blockingGateway(started, release))

			run := tt.setup(t, m, r, release)
			done := make(chan struct{})
			go func() {
				defer close(done)
				run()
			}()

			select {
			case <-started:
			case <-time.After(2 * time.Second):
				t.Fatal("gateway call never started")
			}

			assertPhase(t, m, tt.phase, true)
			n := r.Len()
			if err := m.SubmitText(context.Background(), "interrupt"); !errors.Is(err, ErrBusy) {
				t.Errorf("SubmitText() error = %v, want ErrBusy", err)
			}
			if m.Dispatch(context.Background(), VaryRequested{Index: 0}) {
				t.Error("VaryRequested applied during a call")
			}
			if r.Len() != n {
				t.Errorf("rendered %+v during call", r.Since(n))
			}

			close(release)
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("call never completed")
			}
			assertLoadingBalanced(t, r)
		})
	}
}

func TestMachine_VaryOutOfRange(t *testing.T) {
	m, r := newTestMachine(t, &fakeGateway{})
	toBatch(t, m, r)

	before, n := m.Snapshot(), r.Len()
	for _, idx := range []int{-1, 4, 99} {
		if m.Dispatch(context.Background(), VaryRequested{Index: idx}) {
			t.Errorf("VaryRequested{%d} applied", idx)
		}
	}

	after := m.Snapshot()
	if after.Phase != before.Phase || after.Busy != before.Busy || after.PendingVariationFeedback || after.ActiveVariation != nil {
		t.Errorf("state changed: %+v", after)
	}
	if r.Len() != n {
		t.Errorf("rendered %+v", r.Since(n))
	}
}

func TestMachine_VaryWithoutBatch(t *testing.T) {
	m, r := newTestMachine(t, &fakeGateway{})

	if m.Dispatch(context.Background(), VaryRequested{Index: 0}) {
		t.Error("VaryRequested applied with no batch")
	}
	if r.Len() != 0 {
		t.Errorf("rendered %+v", r.Events())
	}
}

func TestMachine_VariationRoundTrip(t *testing.T) {
	gw := &fakeGateway{}
	m, r := newTestMachine(t, gw)
	toBatch(t, m, r)

	batch := m.Snapshot().LastImageSet
	if !m.Dispatch(context.Background(), VaryRequested{Index: 2}) {
		t.Fatal("VaryRequested not applied")
	}
	assertPhase(t, m, session.AwaitingVariationFeedback, false)

	s := m.Snapshot()
	if s.ActiveVariation == nil || string(s.ActiveVariation.Data) != string(batch[2].Data) {
		t.Fatalf("ActiveVariation = %+v, want batch[2]", s.ActiveVariation)
	}
	if !s.PendingVariationFeedback {
		t.Error("PendingVariationFeedback = false")
	}
	msg, _ := r.Last("message")
	if msg.Text != m.persona.Messages.VariationPrompt {
		t.Errorf("last message = %q, want feedback prompt", msg.Text)
	}

	if err := m.SubmitText(context.Background(), "make the jersey red"); err != nil {
		t.Fatal(err)
	}
	assertPhase(t, m, session.AwaitingSatisfaction, true)

	s = m.Snapshot()
	if s.ActiveVariation == nil || string(s.ActiveVariation.Data) != "variation" {
		t.Errorf("ActiveVariation = %+v, want new payload", s.ActiveVariation)
	}
	if s.PendingVariationFeedback {
		t.Error("PendingVariationFeedback still set")
	}
	if gw.lastFeedback != "make the jersey red" || string(gw.lastBase.Data) != "img-2" {
		t.Errorf("gateway got base=%q feedback=%q", gw.lastBase.Data, gw.lastFeedback)
	}
	if gw.classifyCalls != 1 {
		t.Errorf("feedback was classified: %d classify calls", gw.classifyCalls)
	}

	img, _ := r.Last("image")
	if len(img.Images) != 1 || string(img.Images[0].Data) != "variation" {
		t.Errorf("rendered image = %+v", img)
	}
	assertLoadingBalanced(t, r)
}

func TestMachine_VariationFailures(t *testing.T) {
	tests := []struct {
		name      string
		variation func(ctx context.Context, base session.Image, feedback string) (*session.Image, error)
	}{
		{
			name: "no image part",
			variation: func(ctx context.Context, base session.Image, feedback string) (*session.Image, error) {
				return nil, nil
			},
		},
		{
			name: "service error",
			variation: func(ctx context.Context, base session.Image, feedback string) (*session.Image, error) {
				return nil, &gemini.GenerationError{Op: "variation", Model: "m", Err: errors.New("boom")}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, r := newTestMachine(t, &fakeGateway{VariationFunc: tt.variation})
			toBatch(t, m, r)
			m.Dispatch(context.Background(), VaryRequested{Index: 1})

			if err := m.SubmitText(context.Background(), "add fireworks"); err != nil {
				t.Fatal(err)
			}

			assertPhase(t, m, session.AwaitingSatisfaction, true)
			s := m.Snapshot()
			if s.ActiveVariation == nil || string(s.ActiveVariation.Data) != "img-1" {
				t.Errorf("ActiveVariation = %+v, want prior image", s.ActiveVariation)
			}

			events := r.Events()
			tail := events[len(events)-4:]
			kinds := []string{tail[0].Kind, tail[1].Kind, tail[2].Kind, tail[3].Kind}
			want := []string{"loading-done", "message", "image", "satisfaction-choices"}
			if strings.Join(kinds, ",") != strings.Join(want, ",") {
				t.Errorf("tail events = %v, want %v", kinds, want)
			}
			if tail[1].Text != m.persona.Messages.VariationFailed {
				t.Errorf("apology = %q", tail[1].Text)
			}
			if string(tail[2].Images[0].Data) != "img-1" {
				t.Errorf("re-rendered image = %q, want prior image", tail[2].Images[0].Data)
			}
			assertLoadingBalanced(t, r)
		})
	}
}

func TestMachine_FeedbackWithoutBase(t *testing.T) {
	gw := &fakeGateway{}
	m, r := newTestMachine(t, gw)
	m.sess.Phase = session.AwaitingVariationFeedback
	m.sess.PendingVariationFeedback = true

	if err := m.SubmitText(context.Background(), "more crowd"); err != nil {
		t.Fatal(err)
	}

	assertPhase(t, m, session.Idle, false)
	if gw.variationCalls != 0 {
		t.Errorf("GenerateVariation called %d times", gw.variationCalls)
	}
	msg, _ := r.Last("message")
	if msg.Text != m.persona.Messages.NoVariationBase {
		t.Errorf("last message = %q", msg.Text)
	}
	if m.Snapshot().PendingVariationFeedback {
		t.Error("PendingVariationFeedback still set")
	}
}

func TestMachine_Satisfaction(t *testing.T) {
	tests := []struct {
		choice      Choice
		wantPhase   session.Phase
		wantPending bool
		wantCleared bool
	}{
		{
			choice:      ChoiceSatisfied,
			wantPhase:   session.Idle,
			wantCleared: true,
		},
		{
			choice:      ChoiceRetry,
			wantPhase:   session.Idle,
			wantCleared: true,
		},
		{
			choice:      ChoiceVariations,
			wantPhase:   session.AwaitingVariationFeedback,
			wantPending: true,
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.choice), func(t *testing.T) {
			m, r := newTestMachine(t, &fakeGateway{})
			aff := toSatisfaction(t, m, r)
			n := r.Len()

			if !m.Dispatch(context.Background(), SatisfactionChosen{Affordance: aff, Choice: tt.choice}) {
				t.Fatal("SatisfactionChosen not applied")
			}

			assertPhase(t, m, tt.wantPhase, false)
			s := m.Snapshot()
			if s.PendingVariationFeedback != tt.wantPending {
				t.Errorf("PendingVariationFeedback = %v, want %v", s.PendingVariationFeedback, tt.wantPending)
			}
			cleared := len(s.LastImageSet) == 0 && s.ActiveVariation == nil
			if cleared != tt.wantCleared {
				t.Errorf("images cleared = %v, want %v (batch=%d active=%v)", cleared, tt.wantCleared, len(s.LastImageSet), s.ActiveVariation != nil)
			}

			tail := r.Since(n)
			if len(tail) == 0 || tail[0].Kind != "dismiss" || tail[0].ID != aff {
				t.Errorf("first event = %+v, want dismiss of %s", tail, aff)
			}
		})
	}
}

func TestMachine_SatisfiedRendersClosingMessages(t *testing.T) {
	m, r := newTestMachine(t, &fakeGateway{})
	aff := toSatisfaction(t, m, r)
	n := r.Len()

	m.Dispatch(context.Background(), SatisfactionChosen{Affordance: aff, Choice: ChoiceSatisfied})

	var texts []string
	for _, e := range r.Since(n) {
		if e.Kind == "message" {
			texts = append(texts, e.Text)
		}
	}
	want := []string{m.persona.Messages.SatisfiedThanks, m.persona.Messages.SatisfiedInvite}
	if strings.Join(texts, "|") != strings.Join(want, "|") {
		t.Errorf("closing messages = %q, want %q", texts, want)
	}
}

func TestMachine_MoreVariationsLoop(t *testing.T) {
	calls := 0
	gw := &fakeGateway{
		VariationFunc: func(ctx context.Context, base session.Image, feedback string) (*session.Image, error) {
			calls++
			img := session.Image{Data: []byte(fmt.Sprintf("v%d", calls)), MIMEType: "image/png"}
			return &img, nil
		},
	}
	m, r := newTestMachine(t, gw)
	aff := toSatisfaction(t, m, r)

	m.Dispatch(context.Background(), SatisfactionChosen{Affordance: aff, Choice: ChoiceVariations})
	if err := m.SubmitText(context.Background(), "night game lighting"); err != nil {
		t.Fatal(err)
	}

	assertPhase(t, m, session.AwaitingSatisfaction, true)
	if string(gw.lastBase.Data) != "v1" {
		t.Errorf("second variation base = %q, want previous result v1", gw.lastBase.Data)
	}
	if s := m.Snapshot(); string(s.ActiveVariation.Data) != "v2" {
		t.Errorf("ActiveVariation = %q, want v2", s.ActiveVariation.Data)
	}
}

func TestMachine_DoubleClickIsIdempotent(t *testing.T) {
	t.Run("style", func(t *testing.T) {
		gw := &fakeGateway{}
		m, r := newTestMachine(t, gw)
		aff := toStyleChoice(t, m, r, "ski jump")

		first := m.Dispatch(context.Background(), StyleChosen{Affordance: aff, Style: "cinematic"})
		n := r.Len()
		second := m.Dispatch(context.Background(), StyleChosen{Affordance: aff, Style: "cinematic"})

		if !first || second {
			t.Errorf("applied = %v, %v, want true, false", first, second)
		}
		if gw.batchCalls != 1 {
			t.Errorf("batch calls = %d, want 1", gw.batchCalls)
		}
		if r.Len() != n {
			t.Errorf("second click rendered %+v", r.Since(n))
		}
	})

	t.Run("satisfaction", func(t *testing.T) {
		m, r := newTestMachine(t, &fakeGateway{})
		aff := toSatisfaction(t, m, r)

		first := m.Dispatch(context.Background(), SatisfactionChosen{Affordance: aff, Choice: ChoiceRetry})
		n := r.Len()
		second := m.Dispatch(context.Background(), SatisfactionChosen{Affordance: aff, Choice: ChoiceSatisfied})

		if !first || second {
			t.Errorf("applied = %v, %v, want true, false", first, second)
		}
		if r.Len() != n {
			t.Errorf("second click rendered %+v", r.Since(n))
		}
	})
}

func TestMachine_StaleAffordanceIgnored(t *testing.T) {
	m, r := newTestMachine(t, &fakeGateway{})
	toStyleChoice(t, m, r, "volleyball spike")

	if m.Dispatch(context.Background(), StyleChosen{Affordance: "old-affordance", Style: "cartoon"}) {
		t.Error("stale affordance applied")
	}
	assertPhase(t, m, session.AwaitingStyleChoice, true)
}

func TestMachine_UnknownStyleIgnored(t *testing.T) {
	gw := &fakeGateway{}
	m, r := newTestMachine(t, gw)
	aff := toStyleChoice(t, m, r, "marathon finish")

	if m.Dispatch(context.Background(), StyleChosen{Affordance: aff, Style: "pixel_art"}) {
		t.Error("unknown style applied")
	}
	assertPhase(t, m, session.AwaitingStyleChoice, true)
	if gw.batchCalls != 0 {
		t.Errorf("batch calls = %d", gw.batchCalls)
	}
}

func TestMachine_SatisfactionOutOfPhaseIgnored(t *testing.T) {
	m, r := newTestMachine(t, &fakeGateway{})
	toBatch(t, m, r)

	n := r.Len()
	if m.Dispatch(context.Background(), SatisfactionChosen{Choice: ChoiceSatisfied}) {
		t.Error("satisfaction applied in Idle")
	}
	if r.Len() != n {
		t.Errorf("rendered %+v", r.Since(n))
	}
	if len(m.Snapshot().LastImageSet) != 4 {
		t.Error("batch cleared by ignored action")
	}
}

func TestMachine_ImageClicked(t *testing.T) {
	m, r := newTestMachine(t, &fakeGateway{})
	toBatch(t, m, r)
	before := m.Snapshot()

	if !m.Dispatch(context.Background(), ImageClicked{URL: "data:image/jpeg;base64,AAAA"}) {
		t.Fatal("ImageClicked not applied")
	}
	if m.Dispatch(context.Background(), ImageClicked{URL: " "}) {
		t.Error("empty preview applied")
	}

	ev, ok := r.Last("preview")
	if !ok || ev.Text != "data:image/jpeg;base64,AAAA" {
		t.Errorf("preview = %+v", ev)
	}
	after := m.Snapshot()
	if after.Phase != before.Phase || after.Busy != before.Busy || len(after.LastImageSet) != len(before.LastImageSet) {
		t.Errorf("preview changed state: %+v", after)
	}
}

func TestMachine_EmptyTextIgnored(t *testing.T) {
	gw := &fakeGateway{}
	m, r := newTestMachine(t, gw)

	if err := m.SubmitText(context.Background(), "   \n"); err != nil {
		t.Fatalf("SubmitText() error = %v", err)
	}
	if r.Len() != 0 || gw.classifyCalls != 0 {
		t.Errorf("events=%d classify=%d, want none", r.Len(), gw.classifyCalls)
	}
}

func TestMachine_NewBatchClearsPreviousImages(t *testing.T) {
	batches := 0
	gw := &fakeGateway{
		BatchFunc: func(ctx context.Context, finalPrompt string) ([]session.Image, error) {
			batches++
			if batches == 2 {
				return nil, nil
			}
			return testImages(4), nil
		},
	}
	m, r := newTestMachine(t, gw)
	toBatch(t, m, r)

	aff := toStyleChoice(t, m, r, "hockey goalie save")
	m.Dispatch(context.Background(), StyleChosen{Affordance: aff, Style: "digital_art"})

	if s := m.Snapshot(); len(s.LastImageSet) != 0 {
		t.Errorf("LastImageSet = %d images, want cleared after new batch request", len(s.LastImageSet))
	}
}

func TestParseChoice(t *testing.T) {
	tests := []struct {
		in     string
		want   Choice
		wantOK bool
	}{
		{"satisfied", ChoiceSatisfied, true},
		{" Retry ", ChoiceRetry, true},
		{"VARIATIONS", ChoiceVariations, true},
		{"maybe", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseChoice(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseChoice(%q) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
	if len(Choices()) != 3 {
		t.Errorf("len(Choices()) = %d, want 3", len(Choices()))
	}
}
