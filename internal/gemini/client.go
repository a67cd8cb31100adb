package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"google.golang.org/genai"

	"sportpix-chat/internal/prompt"
	"sportpix-chat/internal/session"
)

const (
	defaultTextModel  = "gemini-2.5-flash"
	defaultImageModel = "imagen-4.0-generate-001"
	defaultEditModel  = "gemini-2.5-flash-image"

	batchAspectRatio = "1:1"
	batchMIMEType    = "image/jpeg"
)

type Options struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	HTTPClient *http.Client
	Logger     *slog.Logger

	TextModel  string
	ImageModel string
	EditModel  string

	Persona *prompt.Persona
}

// Classification is the persona check verdict for one prompt.
type Classification struct {
	IsValidRequest bool
	BotResponse    string
}

// models is the subset of *genai.Models the client calls.
type models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateImages(ctx context.Context, model string, prompt string, config *genai.GenerateImagesConfig) (*genai.GenerateImagesResponse, error)
}

// Client is the generation gateway. It never retries and holds no
// conversation state.
type Client struct {
	models     models
	persona    *prompt.Persona
	textModel  string
	imageModel string
	editModel  string
	logger     *slog.Logger
}

func New(ctx context.Context, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("gemini api key is empty")
	}

	cfg := &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    strings.TrimSpace(opts.BaseURL),
			APIVersion: strings.TrimSpace(opts.APIVersion),
		},
	}

	gc, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return newWithModels(gc.Models, opts)
}

func newWithModels(m models, opts Options) (*Client, error) {
	persona := opts.Persona
	if persona == nil {
		var err error
		persona, err = prompt.Default()
		if err != nil {
			return nil, err
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		models:     m,
		persona:    persona,
		textModel:  orDefault(opts.TextModel, defaultTextModel),
		imageModel: orDefault(opts.ImageModel, defaultImageModel),
		editModel:  orDefault(opts.EditModel, defaultEditModel),
		logger:     logger,
	}, nil
}

var classificationSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"isValidRequest": {Type: genai.TypeBoolean, Description: "true when the message asks for a sports image"},
		"botResponse":    {Type: genai.TypeString, Description: "reply shown to the user"},
	},
	Required: []string{"isValidRequest", "botResponse"},
}

// ClassifyAndRespond runs the persona check on a free-text prompt.
func (c *Client) ClassifyAndRespond(ctx context.Context, text string) (Classification, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Classification{}, &ClassificationError{Model: c.textModel, Err: ErrEmptyPrompt}
	}

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(c.persona.Instructions, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    classificationSchema,
		Temperature:       genai.Ptr(float32(0.4)),
	}

	resp, err := c.models.GenerateContent(ctx, c.textModel, genai.Text(text), cfg)
	if err != nil {
		c.logger.Error("classification request failed", "model", c.textModel, "err", err)
		return Classification{}, &ClassificationError{Model: c.textModel, Err: err}
	}

	out, err := parseClassification(responseText(resp))
	if err != nil {
		c.logger.Error("classification reply unusable", "model", c.textModel, "err", err)
		return Classification{}, &ClassificationError{Model: c.textModel, Err: err}
	}

	c.logger.Debug("classified prompt", "valid", out.IsValidRequest)
	return out, nil
}

// GenerateBatch asks for prompt.BatchSize square images. Zero images from the
// service is an empty result, not an error.
func (c *Client) GenerateBatch(ctx context.Context, finalPrompt string) ([]session.Image, error) {
	finalPrompt = strings.TrimSpace(finalPrompt)
	if finalPrompt == "" {
		return nil, &GenerationError{Op: "batch", Model: c.imageModel, Err: ErrEmptyPrompt}
	}

	cfg := &genai.GenerateImagesConfig{
		NumberOfImages: int32(prompt.BatchSize),
		AspectRatio:    batchAspectRatio,
		OutputMIMEType: batchMIMEType,
	}

	resp, err := c.models.GenerateImages(ctx, c.imageModel, finalPrompt, cfg)
	if err != nil {
		c.logger.Error("batch generation failed", "model", c.imageModel, "err", err)
		return nil, &GenerationError{Op: "batch", Model: c.imageModel, Err: err}
	}
	if resp == nil {
		return nil, nil
	}

	images := make([]session.Image, 0, len(resp.GeneratedImages))
	for _, gen := range resp.GeneratedImages {
		if gen == nil || gen.Image == nil || len(gen.Image.ImageBytes) == 0 {
			if gen != nil && gen.RAIFilteredReason != "" {
				c.logger.Warn("batch image filtered", "reason", gen.RAIFilteredReason)
			}
			continue
		}
		mimeType := gen.Image.MIMEType
		if mimeType == "" {
			mimeType = batchMIMEType
		}
		images = append(images, session.NewImage(gen.Image.ImageBytes, mimeType))
	}

	c.logger.Debug("batch generated", "requested", prompt.BatchSize, "received", len(images))
	return images, nil
}

// GenerateVariation edits base according to feedback. A response without an
// image part yields (nil, nil).
func (c *Client) GenerateVariation(ctx context.Context, base session.Image, feedback string) (*session.Image, error) {
	if base.Empty() {
		return nil, &GenerationError{Op: "variation", Model: c.editModel, Err: ErrEmptyImage}
	}
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return nil, &GenerationError{Op: "variation", Model: c.editModel, Err: ErrEmptyPrompt}
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(base.Data, base.MIMEType),
			genai.NewPartFromText(c.persona.BuildVariation(feedback)),
		}, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}

	resp, err := c.models.GenerateContent(ctx, c.editModel, contents, cfg)
	if err != nil {
		c.logger.Error("variation request failed", "model", c.editModel, "err", err)
		return nil, &GenerationError{Op: "variation", Model: c.editModel, Err: err}
	}

	img, ok := firstInlineImage(resp)
	if !ok {
		c.logger.Warn("variation returned no image", "model", c.editModel, "text", truncate(responseText(resp), 200))
		return nil, nil
	}
	return &img, nil
}

func firstInlineImage(resp *genai.GenerateContentResponse) (session.Image, bool) {
	if resp == nil {
		return session.Image{}, false
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			return session.NewImage(p.InlineData.Data, p.InlineData.MIMEType), true
		}
	}
	return session.Image{}, false
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

type classificationReply struct {
	IsValidRequest *bool   `json:"isValidRequest"`
	BotResponse    *string `json:"botResponse"`
}

var codeFenceRegex = regexp.MustCompile("(?s)^```[a-zA-Z0-9_-]*\\s*(.*?)\\s*```$")

func parseClassification(raw string) (Classification, error) {
	text := stripCodeFence(raw)
	if text == "" {
		return Classification{}, fmt.Errorf("%w: empty reply", ErrMalformedReply)
	}

	var reply classificationReply
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if reply.IsValidRequest == nil || reply.BotResponse == nil {
		return Classification{}, fmt.Errorf("%w: missing fields", ErrMalformedReply)
	}

	return Classification{
		IsValidRequest: *reply.IsValidRequest,
		BotResponse:    strings.TrimSpace(*reply.BotResponse),
	}, nil
}

func stripCodeFence(value string) string {
	value = strings.TrimSpace(value)
	if m := codeFenceRegex.FindStringSubmatch(value); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	return value
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
