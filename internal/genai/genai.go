// Package genai is the generation-backend boundary: relevance
// classification, text generation with attachments, and image generation.
package genai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/chatterbox/internal/config"
	"github.com/zulandar/chatterbox/internal/models"
)

// ErrUnsupported is returned for operations or attachment types a backend
// cannot serve.
var ErrUnsupported = errors.New("genai: operation not supported by backend")

// MaxAttachmentSize is the largest attachment accepted for upload.
const MaxAttachmentSize = 20 << 20

// classifierPrompt instructs the classifier model to answer with one word.
const classifierPrompt = `You are watching a group chat as a friendly, attentive participant.
Decide whether you would naturally chime in on the message below.
Answer with exactly one word: yes or no.`

// Citation is a source the backend attributed part of a reply to.
type Citation struct {
	Title string
	URL   string
}

// Reply is generated text plus any citations.
type Reply struct {
	Text      string
	Citations []Citation
}

// Render returns the reply text with citations appended as a numbered
// "Sources:" list.
func (r Reply) Render() string {
	if len(r.Citations) == 0 {
		return r.Text
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(r.Text, "\n "))
	b.WriteString("\n\nSources:")
	for i, c := range r.Citations {
		title := c.Title
		if title == "" {
			title = c.URL
		}
		fmt.Fprintf(&b, "\n%d. %s <%s>", i+1, title, c.URL)
	}
	return b.String()
}

// GenerateRequest is one generation call.
type GenerateRequest struct {
	History     []models.Turn
	Prompt      string
	Attachments []models.Attachment
}

// Backend is the generation collaborator.
type Backend interface {
	// Classify reports whether an ambient message merits a reply.
	Classify(ctx context.Context, text string) (bool, error)
	Generate(ctx context.Context, req GenerateRequest) (Reply, error)
	// GenerateImage returns encoded image bytes, or nil when the backend
	// produced no image.
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
	EditImage(ctx context.Context, image models.Attachment, instruction string) ([]byte, error)
	UploadAttachment(ctx context.Context, data []byte, mimeType, filename string) (models.Attachment, error)
	DeleteAttachment(ctx context.Context, ref models.Attachment) error
}

// New builds the backend selected by cfg. With the anthropic provider and an
// OpenAI key also present, image operations are routed to OpenAI.
func New(cfg config.BackendConfig, creds *config.Credentials) (Backend, error) {
	stage := NewStage()
	switch cfg.Provider {
	case "anthropic":
		text, err := NewAnthropic(AnthropicOpts{
			APIKey:          creds.AnthropicAPIKey,
			Model:           cfg.Model,
			ClassifierModel: cfg.ClassifierModel,
			SystemPrompt:    cfg.SystemPrompt,
			MaxTokens:       cfg.MaxTokens,
			Temperature:     cfg.Temperature,
			Stage:           stage,
		})
		if err != nil {
			return nil, err
		}
		if creds.OpenAIAPIKey == "" {
			return text, nil
		}
		images, err := NewOpenAI(OpenAIOpts{
			APIKey:     creds.OpenAIAPIKey,
			BaseURL:    creds.OpenAIBaseURL,
			ImageModel: cfg.ImageModel,
			Stage:      stage,
		})
		if err != nil {
			return nil, err
		}
		return NewComposite(text, images), nil
	case "openai", "":
		return NewOpenAI(OpenAIOpts{
			APIKey:          creds.OpenAIAPIKey,
			BaseURL:         creds.OpenAIBaseURL,
			Model:           cfg.Model,
			ClassifierModel: cfg.ClassifierModel,
			ImageModel:      cfg.ImageModel,
			SystemPrompt:    cfg.SystemPrompt,
			MaxTokens:       cfg.MaxTokens,
			Temperature:     cfg.Temperature,
			Stage:           stage,
		})
	default:
		return nil, fmt.Errorf("genai: unknown provider %q", cfg.Provider)
	}
}

// parseVerdict interprets a classifier answer.
func parseVerdict(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	a = strings.TrimLeft(a, "\"'*` ")
	return strings.HasPrefix(a, "yes")
}

// attachmentKind groups mime types the backends treat alike.
type attachmentKind int

const (
	kindUnsupported attachmentKind = iota
	kindImage
	kindPDF
	kindText
)

func kindOf(mimeType string) attachmentKind {
	mt := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	switch {
	case mt == "image/png", mt == "image/jpeg", mt == "image/gif", mt == "image/webp":
		return kindImage
	case mt == "application/pdf":
		return kindPDF
	case strings.HasPrefix(mt, "text/"), mt == "application/json":
		return kindText
	}
	return kindUnsupported
}

// Supported reports whether mimeType can be attached to a generation call.
func Supported(mimeType string) bool {
	return kindOf(mimeType) != kindUnsupported
}

// IsImage reports whether mimeType is an image a backend can edit or view.
func IsImage(mimeType string) bool {
	return kindOf(mimeType) == kindImage
}
