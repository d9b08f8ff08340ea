package genai

import (
	"context"

	"github.com/zulandar/chatterbox/internal/models"
)

// Composite routes text operations to one backend and image operations to
// another. Both must share a Stage so uploaded refs resolve on either side.
type Composite struct {
	text   Backend
	images Backend
}

// NewComposite creates a Composite.
func NewComposite(text, images Backend) *Composite {
	return &Composite{text: text, images: images}
}

func (c *Composite) Classify(ctx context.Context, text string) (bool, error) {
	return c.text.Classify(ctx, text)
}

func (c *Composite) Generate(ctx context.Context, req GenerateRequest) (Reply, error) {
	return c.text.Generate(ctx, req)
}

func (c *Composite) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	return c.images.GenerateImage(ctx, prompt)
}

func (c *Composite) EditImage(ctx context.Context, image models.Attachment, instruction string) ([]byte, error) {
	return c.images.EditImage(ctx, image, instruction)
}

func (c *Composite) UploadAttachment(ctx context.Context, data []byte, mimeType, filename string) (models.Attachment, error) {
	return c.text.UploadAttachment(ctx, data, mimeType, filename)
}

func (c *Composite) DeleteAttachment(ctx context.Context, ref models.Attachment) error {
	return c.text.DeleteAttachment(ctx, ref)
}
