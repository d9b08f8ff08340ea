package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/zulandar/chatterbox/internal/models"
)

// OpenAIOpts holds parameters for creating an OpenAI backend.
type OpenAIOpts struct {
	APIKey          string
	BaseURL         string // optional, for compatible gateways and tests
	Model           string
	ClassifierModel string
	ImageModel      string
	SystemPrompt    string
	MaxTokens       int
	Temperature     float64
	Stage           *Stage // optional; shared with other backends
}

// OpenAI serves every Backend operation through the OpenAI API. Images and
// text files are staged in process and sent inline; PDFs are uploaded to
// the Files API and referenced by id.
type OpenAI struct {
	client          openai.Client
	model           string
	classifierModel string
	imageModel      string
	systemPrompt    string
	maxTokens       int
	temperature     float64
	stage           *Stage
}

// NewOpenAI creates an OpenAI backend.
func NewOpenAI(opts OpenAIOpts) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("genai: openai api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Stage == nil {
		opts.Stage = NewStage()
	}
	if opts.ImageModel == "" {
		opts.ImageModel = string(openai.ImageModelGPTImage1)
	}
	return &OpenAI{
		client:          openai.NewClient(reqOpts...),
		model:           opts.Model,
		classifierModel: opts.ClassifierModel,
		imageModel:      opts.ImageModel,
		systemPrompt:    opts.SystemPrompt,
		maxTokens:       opts.MaxTokens,
		temperature:     opts.Temperature,
		stage:           opts.Stage,
	}, nil
}

// Classify implements Backend.
func (o *OpenAI) Classify(ctx context.Context, text string) (bool, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.classifierModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(classifierPrompt),
			openai.UserMessage(text),
		},
		Temperature:         openai.Float(0),
		MaxCompletionTokens: openai.Int(3),
	})
	if err != nil {
		return false, fmt.Errorf("genai: openai classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return false, fmt.Errorf("genai: openai classify: empty response")
	}
	return parseVerdict(resp.Choices[0].Message.Content), nil
}

// Generate implements Backend.
func (o *OpenAI) Generate(ctx context.Context, req GenerateRequest) (Reply, error) {
	params, err := o.buildParams(req)
	if err != nil {
		return Reply{}, err
	}
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Reply{}, fmt.Errorf("genai: openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, fmt.Errorf("genai: openai generate: empty response")
	}
	msg := resp.Choices[0].Message
	reply := Reply{Text: msg.Content}
	for _, a := range msg.Annotations {
		if a.URLCitation.URL == "" {
			continue
		}
		reply.Citations = append(reply.Citations, Citation{Title: a.URLCitation.Title, URL: a.URLCitation.URL})
	}
	return reply, nil
}

func (o *OpenAI) buildParams(req GenerateRequest) (openai.ChatCompletionNewParams, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if o.systemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(o.systemPrompt))
	}
	for _, t := range req.History {
		if t.Role == models.RoleUser {
			msgs = append(msgs, openai.UserMessage(t.Text))
		} else {
			msgs = append(msgs, openai.AssistantMessage(t.Text))
		}
	}

	parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(req.Prompt)}
	for _, a := range req.Attachments {
		part, err := o.contentPart(a)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		parts = append(parts, part)
	}
	msgs = append(msgs, openai.UserMessage(parts))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: msgs,
	}
	if o.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(o.maxTokens))
	}
	if o.temperature > 0 {
		params.Temperature = openai.Float(o.temperature)
	}
	return params, nil
}

func (o *OpenAI) contentPart(a models.Attachment) (openai.ChatCompletionContentPartUnionParam, error) {
	switch kindOf(a.MimeType) {
	case kindPDF:
		return openai.FileContentPart(openai.ChatCompletionContentPartFileFileParam{
			FileID: openai.String(a.ContentRef),
		}), nil
	case kindImage:
		it, ok := o.stage.get(a.ContentRef)
		if !ok {
			return openai.ChatCompletionContentPartUnionParam{}, fmt.Errorf("genai: attachment %s not staged", a.ContentRef)
		}
		url := "data:" + it.mimeType + ";base64," + base64.StdEncoding.EncodeToString(it.data)
		return openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}), nil
	case kindText:
		it, ok := o.stage.get(a.ContentRef)
		if !ok {
			return openai.ChatCompletionContentPartUnionParam{}, fmt.Errorf("genai: attachment %s not staged", a.ContentRef)
		}
		return openai.TextContentPart(fmt.Sprintf("Attached file %s:\n%s", it.filename, it.data)), nil
	}
	return openai.ChatCompletionContentPartUnionParam{}, fmt.Errorf("%w: %s", ErrUnsupported, a.MimeType)
}

// GenerateImage implements Backend.
func (o *OpenAI) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	resp, err := o.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(o.imageModel),
		N:      openai.Int(1),
	})
	if err != nil {
		return nil, fmt.Errorf("genai: openai generate image: %w", err)
	}
	return firstImage(resp)
}

// EditImage implements Backend. The image must have been staged by
// UploadAttachment.
func (o *OpenAI) EditImage(ctx context.Context, image models.Attachment, instruction string) ([]byte, error) {
	it, ok := o.stage.get(image.ContentRef)
	if !ok {
		return nil, fmt.Errorf("genai: openai edit image: %s not staged", image.ContentRef)
	}
	name := it.filename
	if name == "" {
		name = "image.png"
	}
	resp, err := o.client.Images.Edit(ctx, openai.ImageEditParams{
		Image:  openai.ImageEditParamsImageUnion{OfFile: openai.File(bytes.NewReader(it.data), name, it.mimeType)},
		Prompt: instruction,
		Model:  openai.ImageModel(o.imageModel),
	})
	if err != nil {
		return nil, fmt.Errorf("genai: openai edit image: %w", err)
	}
	return firstImage(resp)
}

func firstImage(resp *openai.ImagesResponse) ([]byte, error) {
	if resp == nil || len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("genai: decode image: %w", err)
	}
	return data, nil
}

// UploadAttachment implements Backend.
func (o *OpenAI) UploadAttachment(ctx context.Context, data []byte, mimeType, filename string) (models.Attachment, error) {
	if len(data) > MaxAttachmentSize {
		return models.Attachment{}, fmt.Errorf("%w: attachment exceeds %d bytes", ErrUnsupported, MaxAttachmentSize)
	}
	switch kindOf(mimeType) {
	case kindImage, kindText:
		return models.Attachment{MimeType: mimeType, ContentRef: o.stage.put(data, mimeType, filename)}, nil
	case kindPDF:
		f, err := o.client.Files.New(ctx, openai.FileNewParams{
			File:    openai.File(bytes.NewReader(data), filename, mimeType),
			Purpose: openai.FilePurposeUserData,
		})
		if err != nil {
			return models.Attachment{}, fmt.Errorf("genai: openai upload %s: %w", filename, err)
		}
		return models.Attachment{MimeType: mimeType, ContentRef: f.ID}, nil
	}
	return models.Attachment{}, fmt.Errorf("%w: %s", ErrUnsupported, mimeType)
}

// DeleteAttachment implements Backend.
func (o *OpenAI) DeleteAttachment(ctx context.Context, ref models.Attachment) error {
	if isStaged(ref.ContentRef) {
		o.stage.drop(ref.ContentRef)
		return nil
	}
	if _, err := o.client.Files.Delete(ctx, ref.ContentRef); err != nil {
		return fmt.Errorf("genai: openai delete %s: %w", ref.ContentRef, err)
	}
	return nil
}
