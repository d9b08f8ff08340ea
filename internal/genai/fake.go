package genai

import (
	"context"
	"fmt"
	"sync"

	"github.com/zulandar/chatterbox/internal/models"
)

// Fake is an in-memory Backend for tests. Zero values reply "no" to
// classification, echo nothing for generation and produce no image.
type Fake struct {
	mu sync.Mutex

	Verdict     bool
	ClassifyErr error
	Reply       Reply
	GenerateErr error

	// GenerateFunc, when set, overrides Reply and GenerateErr.
	GenerateFunc func(ctx context.Context, req GenerateRequest) (Reply, error)
	Image        []byte
	ImageErr     error
	UploadErr    error

	ClassifyCalls []string
	GenerateCalls []GenerateRequest
	ImageCalls    []string
	EditCalls     []FakeEdit
	Uploads       []models.Attachment
	Deletes       []models.Attachment
	nextRef       int
}

// FakeEdit records one EditImage call.
type FakeEdit struct {
	Image       models.Attachment
	Instruction string
}

func (f *Fake) Classify(_ context.Context, text string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ClassifyCalls = append(f.ClassifyCalls, text)
	return f.Verdict, f.ClassifyErr
}

func (f *Fake) Generate(ctx context.Context, req GenerateRequest) (Reply, error) {
	f.mu.Lock()
	f.GenerateCalls = append(f.GenerateCalls, req)
	fn, reply, err := f.GenerateFunc, f.Reply, f.GenerateErr
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return reply, err
}

func (f *Fake) GenerateImage(_ context.Context, prompt string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ImageCalls = append(f.ImageCalls, prompt)
	return f.Image, f.ImageErr
}

func (f *Fake) EditImage(_ context.Context, image models.Attachment, instruction string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EditCalls = append(f.EditCalls, FakeEdit{Image: image, Instruction: instruction})
	return f.Image, f.ImageErr
}

func (f *Fake) UploadAttachment(_ context.Context, _ []byte, mimeType, _ string) (models.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		return models.Attachment{}, f.UploadErr
	}
	f.nextRef++
	ref := models.Attachment{MimeType: mimeType, ContentRef: fmt.Sprintf("fake-%d", f.nextRef)}
	f.Uploads = append(f.Uploads, ref)
	return ref, nil
}

func (f *Fake) DeleteAttachment(_ context.Context, ref models.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deletes = append(f.Deletes, ref)
	return nil
}

// Calls returns snapshot counts of classify, generate, image and edit calls.
func (f *Fake) Calls() (classify, generate, image, edit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ClassifyCalls), len(f.GenerateCalls), len(f.ImageCalls), len(f.EditCalls)
}

// DeletedRefs returns a copy of the deleted attachment refs.
func (f *Fake) DeletedRefs() []models.Attachment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Attachment(nil), f.Deletes...)
}
