package telegraph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zulandar/chatterbox/internal/genai"
	"github.com/zulandar/chatterbox/internal/memory"
	"github.com/zulandar/chatterbox/internal/models"
)

// attachmentOnlyPrompt stands in for the text of a message that carried
// only attachments.
const attachmentOnlyPrompt = "(sent an attachment)"

var errEmptyReply = errors.New("backend returned an empty reply")

// respond runs one response cycle for msg. The caller holds the channel
// lock. Nothing escapes: failures and panics end in an apology for direct
// address and silence otherwise, and uploaded attachments are always
// deleted.
func (r *Router) respond(ctx context.Context, msg InboundMessage, text string, direct bool) {
	start := r.now()
	cycleID := uuid.NewString()[:8]
	var uploads []models.Attachment
	result := "failed"

	defer func() {
		if p := recover(); p != nil {
			log.Printf("telegraph: cycle %s: panic: %v", cycleID, p)
		}
		bg := context.WithoutCancel(ctx)
		if result != "ok" && direct {
			r.send(bg, OutboundMessage{ChannelID: msg.ChannelID, ReplyTo: msg.MessageID, Text: r.persona.Apology.next()})
		}
		r.cleanup(bg, cycleID, uploads)
		r.metrics.Cycle(result, r.now().Sub(start))
	}()

	if err := r.cycle(ctx, msg, text, direct, start, &uploads); err != nil {
		log.Printf("telegraph: cycle %s [ch=%s]: %v", cycleID, msg.ChannelID, err)
		return
	}
	result = "ok"
}

func (r *Router) cycle(ctx context.Context, msg InboundMessage, text string, direct bool, start time.Time, uploads *[]models.Attachment) error {
	if err := r.adapter.Typing(ctx, msg.ChannelID); err != nil {
		log.Printf("telegraph: typing [ch=%s]: %v", msg.ChannelID, err)
	}

	for _, att := range msg.Attachments {
		ref, err := r.ingest(ctx, att)
		if err != nil {
			log.Printf("telegraph: skip attachment %s: %v", att.Filename, err)
			continue
		}
		*uploads = append(*uploads, ref)
	}

	prompt := text
	if prompt == "" {
		prompt = attachmentOnlyPrompt
	}
	history := r.assembler.Assemble(ctx, msg.ScopeID, msg.IdentityID, prompt)

	reply, err := r.backend.Generate(ctx, genai.GenerateRequest{
		History:     history,
		Prompt:      prompt,
		Attachments: *uploads,
	})
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	out := reply.Render()
	chunks := r.pacer.Plan(out)
	if len(chunks) == 0 {
		return errEmptyReply
	}

	r.pacer.Wait(ctx, start, utf8.RuneCountInString(out), func(ctx context.Context) error {
		return r.adapter.Typing(ctx, msg.ChannelID)
	})

	replyID, err := r.adapter.Send(ctx, OutboundMessage{
		ChannelID: msg.ChannelID,
		ReplyTo:   msg.MessageID,
		Text:      chunks[0],
		Ping:      direct,
	})
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	for i, chunk := range chunks[1:] {
		if _, err := r.adapter.Send(ctx, OutboundMessage{ChannelID: msg.ChannelID, Text: chunk}); err != nil {
			log.Printf("telegraph: deliver chunk %d/%d [ch=%s]: %v", i+2, len(chunks), msg.ChannelID, err)
			break
		}
	}

	r.remember(ctx, memory.Entry{
		ScopeID:     msg.ScopeID,
		IdentityID:  msg.IdentityID,
		Content:     prompt,
		Role:        models.RoleUser,
		ExternalID:  msg.MessageID,
		Attachments: *uploads,
	})
	r.remember(ctx, memory.Entry{
		ScopeID:    msg.ScopeID,
		IdentityID: msg.IdentityID,
		Content:    out,
		Role:       models.RoleAgent,
		ExternalID: replyID,
	})
	return nil
}

// ingest downloads a supported attachment and uploads it to the backend.
func (r *Router) ingest(ctx context.Context, att InboundAttachment) (models.Attachment, error) {
	if !genai.Supported(att.MimeType) {
		return models.Attachment{}, fmt.Errorf("%w: %s", genai.ErrUnsupported, att.MimeType)
	}
	if att.Size > genai.MaxAttachmentSize {
		return models.Attachment{}, fmt.Errorf("%w: %d bytes", genai.ErrUnsupported, att.Size)
	}
	data, err := r.adapter.Download(ctx, att)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("download: %w", err)
	}
	ref, err := r.backend.UploadAttachment(ctx, data, att.MimeType, att.Filename)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("upload: %w", err)
	}
	return ref, nil
}

// remember appends one turn to memory. Failures are logged only; the reply
// has already been delivered.
func (r *Router) remember(ctx context.Context, e memory.Entry) {
	if err := r.store.Append(ctx, e); err != nil {
		log.Printf("telegraph: remember %s turn in %s: %v", e.Role, e.ScopeID, err)
	}
}

func (r *Router) cleanup(ctx context.Context, cycleID string, uploads []models.Attachment) {
	for _, ref := range uploads {
		if err := r.backend.DeleteAttachment(ctx, ref); err != nil {
			log.Printf("telegraph: cycle %s: delete attachment %s: %v", cycleID, ref.ContentRef, err)
		}
	}
}
