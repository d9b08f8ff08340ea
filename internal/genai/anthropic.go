package genai

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/zulandar/chatterbox/internal/models"
)

// AnthropicOpts holds parameters for creating an Anthropic backend.
type AnthropicOpts struct {
	APIKey          string
	BaseURL         string // optional, for tests
	Model           string
	ClassifierModel string
	SystemPrompt    string
	MaxTokens       int
	Temperature     float64
	Stage           *Stage // optional; shared with other backends
}

// Anthropic serves classification and text generation through the Messages
// API. Attachments are staged in process and sent inline. It cannot
// generate or edit images.
type Anthropic struct {
	client          anthropic.Client
	model           string
	classifierModel string
	systemPrompt    string
	maxTokens       int
	temperature     float64
	stage           *Stage
}

// NewAnthropic creates an Anthropic backend.
func NewAnthropic(opts AnthropicOpts) (*Anthropic, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("genai: anthropic api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Stage == nil {
		opts.Stage = NewStage()
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &Anthropic{
		client:          anthropic.NewClient(reqOpts...),
		model:           opts.Model,
		classifierModel: opts.ClassifierModel,
		systemPrompt:    opts.SystemPrompt,
		maxTokens:       opts.MaxTokens,
		temperature:     opts.Temperature,
		stage:           opts.Stage,
	}, nil
}

// Classify implements Backend.
func (a *Anthropic) Classify(ctx context.Context, text string) (bool, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.classifierModel),
		MaxTokens:   5,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: classifierPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(text))},
	})
	if err != nil {
		return false, fmt.Errorf("genai: anthropic classify: %w", err)
	}
	text, _ = parseMessage(resp)
	return parseVerdict(text), nil
}

// Generate implements Backend.
func (a *Anthropic) Generate(ctx context.Context, req GenerateRequest) (Reply, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return Reply{}, err
	}
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Reply{}, fmt.Errorf("genai: anthropic generate: %w", err)
	}
	text, cites := parseMessage(resp)
	return Reply{Text: text, Citations: cites}, nil
}

func (a *Anthropic) buildParams(req GenerateRequest) (anthropic.MessageNewParams, error) {
	prompt := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(req.Prompt)}
	for _, att := range req.Attachments {
		block, err := a.contentBlock(att)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		prompt = append(prompt, block)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(a.maxTokens),
		Messages:  append(historyMessages(req.History), anthropic.NewUserMessage(prompt...)),
	}
	if a.systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.systemPrompt}}
	}
	if a.temperature > 0 {
		params.Temperature = anthropic.Float(a.temperature)
	}
	return params, nil
}

// historyMessages converts turns to messages. The conversation must open
// with a user turn, so leading agent turns are dropped.
func historyMessages(turns []models.Turn) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, t := range turns {
		if t.Role == models.RoleUser {
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Text)))
			continue
		}
		if len(out) == 0 {
			continue
		}
		out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Text)))
	}
	return out
}

func (a *Anthropic) contentBlock(att models.Attachment) (anthropic.ContentBlockParamUnion, error) {
	it, ok := a.stage.get(att.ContentRef)
	if !ok {
		return anthropic.ContentBlockParamUnion{}, fmt.Errorf("genai: attachment %s not staged", att.ContentRef)
	}
	switch kindOf(att.MimeType) {
	case kindImage:
		return anthropic.NewImageBlockBase64(it.mimeType, base64.StdEncoding.EncodeToString(it.data)), nil
	case kindPDF:
		return anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{
			Data: base64.StdEncoding.EncodeToString(it.data),
		}), nil
	case kindText:
		return anthropic.NewDocumentBlock(anthropic.PlainTextSourceParam{Data: string(it.data)}), nil
	}
	return anthropic.ContentBlockParamUnion{}, fmt.Errorf("%w: %s", ErrUnsupported, att.MimeType)
}

// parseMessage joins the text blocks of resp and collects URL citations.
func parseMessage(resp *anthropic.Message) (string, []Citation) {
	var parts []string
	var cites []Citation
	seen := map[string]bool{}
	for _, block := range resp.Content {
		if block.Type != "text" {
			continue
		}
		parts = append(parts, block.Text)
		for _, c := range block.Citations {
			if c.URL == "" || seen[c.URL] {
				continue
			}
			seen[c.URL] = true
			cites = append(cites, Citation{Title: c.Title, URL: c.URL})
		}
	}
	return strings.Join(parts, ""), cites
}

// GenerateImage implements Backend.
func (a *Anthropic) GenerateImage(context.Context, string) ([]byte, error) {
	return nil, ErrUnsupported
}

// EditImage implements Backend.
func (a *Anthropic) EditImage(context.Context, models.Attachment, string) ([]byte, error) {
	return nil, ErrUnsupported
}

// UploadAttachment implements Backend.
func (a *Anthropic) UploadAttachment(_ context.Context, data []byte, mimeType, filename string) (models.Attachment, error) {
	if len(data) > MaxAttachmentSize {
		return models.Attachment{}, fmt.Errorf("%w: attachment exceeds %d bytes", ErrUnsupported, MaxAttachmentSize)
	}
	if !Supported(mimeType) {
		return models.Attachment{}, fmt.Errorf("%w: %s", ErrUnsupported, mimeType)
	}
	return models.Attachment{MimeType: mimeType, ContentRef: a.stage.put(data, mimeType, filename)}, nil
}

// DeleteAttachment implements Backend.
func (a *Anthropic) DeleteAttachment(_ context.Context, ref models.Attachment) error {
	a.stage.drop(ref.ContentRef)
	return nil
}
