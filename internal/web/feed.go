package web

import (
	"sync"

	"github.com/google/uuid"

	"sportpix-chat/internal/chat"
	"sportpix-chat/internal/prompt"
	"sportpix-chat/internal/session"
)

type messageData struct {
	ID   string    `json:"id"`
	Role chat.Role `json:"role"`
	Text string    `json:"text"`
}

type loadingData struct {
	ID   string `json:"id"`
	Text string `json:"text,omitempty"`
}

type styleOption struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type styleChoicesData struct {
	ID     string        `json:"id"`
	Text   string        `json:"text"`
	Styles []styleOption `json:"styles"`
}

type choiceOption struct {
	Value chat.Choice `json:"value"`
	Label string      `json:"label"`
}

type satisfactionChoicesData struct {
	ID      string         `json:"id"`
	Text    string         `json:"text"`
	Choices []choiceOption `json:"choices"`
}

type dismissData struct {
	ID string `json:"id"`
}

type tile struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

type imageGridData struct {
	ID     string `json:"id"`
	Images []tile `json:"images"`
}

type imageData struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type previewData struct {
	URL string `json:"url"`
}

// Feed renders the conversation as feed events on a Broker.
type Feed struct {
	broker *Broker
	newID  func() string
}

func NewFeed(broker *Broker) *Feed {
	return &Feed{
		broker: broker,
		newID:  func() string { return uuid.NewString() },
	}
}

func (f *Feed) Message(role chat.Role, text string) string {
	id := f.newID()
	f.broker.Publish(Event{Type: EventMessage, Data: messageData{ID: id, Role: role, Text: text}}, false)
	return id
}

func (f *Feed) Loading(text string) chat.Indicator {
	id := f.newID()
	f.broker.Publish(Event{Type: EventLoading, Data: loadingData{ID: id, Text: text}}, false)
	return &indicator{broker: f.broker, id: id}
}

func (f *Feed) StyleChoices(text string, styles []prompt.Style) string {
	id := f.newID()
	opts := make([]styleOption, 0, len(styles))
	for _, s := range styles {
		opts = append(opts, styleOption{Key: s.Key, Name: s.Name})
	}
	f.broker.Publish(Event{Type: EventStyleChoices, Data: styleChoicesData{ID: id, Text: text, Styles: opts}}, false)
	return id
}

func (f *Feed) SatisfactionChoices(text string) string {
	id := f.newID()
	var opts []choiceOption
	for _, c := range chat.Choices() {
		opts = append(opts, choiceOption{Value: c, Label: c.Label()})
	}
	f.broker.Publish(Event{Type: EventSatisfactionChoices, Data: satisfactionChoicesData{ID: id, Text: text, Choices: opts}}, false)
	return id
}

func (f *Feed) Dismiss(affordanceID string) {
	f.broker.Publish(Event{Type: EventDismiss, Data: dismissData{ID: affordanceID}}, false)
}

func (f *Feed) ImageGrid(images []session.Image) {
	tiles := make([]tile, 0, len(images))
	for i, img := range images {
		tiles = append(tiles, tile{Index: i, URL: img.DataURL()})
	}
	f.broker.Publish(Event{Type: EventImageGrid, Data: imageGridData{ID: f.newID(), Images: tiles}}, false)
}

func (f *Feed) SingleImage(img session.Image) {
	f.broker.Publish(Event{Type: EventImage, Data: imageData{ID: f.newID(), URL: img.DataURL()}}, false)
}

func (f *Feed) Preview(url string) {
	f.broker.Publish(Event{Type: EventPreview, Data: previewData{URL: url}}, true)
}

type indicator struct {
	broker *Broker
	id     string
	once   sync.Once
}

func (i *indicator) Done() {
	i.once.Do(func() {
		i.broker.Publish(Event{Type: EventLoadingDone, Data: loadingData{ID: i.id}}, false)
	})
}
