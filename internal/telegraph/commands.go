package telegraph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/zulandar/chatterbox/internal/config"
	"github.com/zulandar/chatterbox/internal/genai"
	"github.com/zulandar/chatterbox/internal/metrics"
	"github.com/zulandar/chatterbox/internal/usage"
)

// Slash command names.
const (
	CmdImagine    = "imagine"
	CmdEditImage  = "editimage"
	CmdContinuous = "continuous"
	CmdActivate   = "activate"
	CmdDeactivate = "deactivate"
	CmdUsage      = "usage"
)

// CommandOption describes one named command parameter.
type CommandOption struct {
	Name        string
	Description string
	Required    bool
	Bool        bool // true/false choice rather than free text
}

// CommandSpec describes a slash command for platform registration.
type CommandSpec struct {
	Name        string
	Description string
	AdminOnly   bool
	Options     []CommandOption
}

// CommandSpecs lists every slash command the bot handles.
var CommandSpecs = []CommandSpec{
	{Name: CmdImagine, Description: "Draw a picture from a prompt", Options: []CommandOption{
		{Name: "prompt", Description: "What to draw", Required: true},
	}},
	{Name: CmdEditImage, Description: "Edit an image you upload"},
	{Name: CmdContinuous, Description: "Get a reply to every message you send", Options: []CommandOption{
		{Name: "enabled", Description: "Turn continuous replies on or off", Required: true, Bool: true},
	}},
	{Name: CmdActivate, Description: "Let the bot talk in this server", AdminOnly: true},
	{Name: CmdDeactivate, Description: "Silence the bot in this server", AdminOnly: true},
	{Name: CmdUsage, Description: "Show your remaining image quota"},
}

// ErrFlowBusy is returned when an identity already has an image-edit flow
// in progress.
var ErrFlowBusy = errors.New("telegraph: edit flow already in progress")

// FlowOutcome is the terminal state of a guided image-edit flow.
type FlowOutcome string

const (
	FlowEdited             FlowOutcome = "edited"
	FlowBusy               FlowOutcome = "busy"
	FlowTimeoutImage       FlowOutcome = "timeout_awaiting_image"
	FlowTimeoutInstruction FlowOutcome = "timeout_awaiting_instruction"
	FlowWrongAttachment    FlowOutcome = "wrong_attachment_type"
	FlowQuotaExceeded      FlowOutcome = "quota_exceeded"
	FlowFailed             FlowOutcome = "failed"
)

// QuotaLedger is the usage ledger guarding image generation.
type QuotaLedger interface {
	CheckAndConsume(ctx context.Context, identityID string) usage.Result
	Get(ctx context.Context, identityID string) (usage.Status, error)
	Quota() int
}

// EngagementStore holds the flags slash commands can change.
type EngagementStore interface {
	SetActive(ctx context.Context, scopeID string, active bool) error
	SetContinuous(ctx context.Context, identityID string, on bool) error
}

// CommandsOpts holds parameters for creating Commands.
type CommandsOpts struct {
	Adapter    Adapter
	Backend    genai.Backend
	Ledger     QuotaLedger
	Engagement EngagementStore
	Persona    *Persona          // defaults to DefaultPersona()
	Flow       config.FlowConfig // zero timeouts default to 30s
	Metrics    *metrics.Metrics  // optional
}

// Commands executes slash commands.
type Commands struct {
	adapter    Adapter
	backend    genai.Backend
	ledger     QuotaLedger
	engagement EngagementStore
	persona    *Persona
	flow       config.FlowConfig
	metrics    *metrics.Metrics

	flowMu sync.Mutex
	flows  map[string]struct{} // identities with an edit flow in progress
}

// NewCommands creates Commands.
func NewCommands(opts CommandsOpts) (*Commands, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: commands: adapter is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("telegraph: commands: backend is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("telegraph: commands: ledger is required")
	}
	if opts.Engagement == nil {
		return nil, fmt.Errorf("telegraph: commands: engagement store is required")
	}
	if opts.Persona == nil {
		opts.Persona = DefaultPersona()
	}
	defaults := config.Default().Flow
	if opts.Flow.AttachmentTimeout <= 0 {
		opts.Flow.AttachmentTimeout = defaults.AttachmentTimeout
	}
	if opts.Flow.InstructionTimeout <= 0 {
		opts.Flow.InstructionTimeout = defaults.InstructionTimeout
	}
	return &Commands{
		adapter:    opts.Adapter,
		backend:    opts.Backend,
		ledger:     opts.Ledger,
		engagement: opts.Engagement,
		persona:    opts.Persona,
		flow:       opts.Flow,
		metrics:    opts.Metrics,
		flows:      make(map[string]struct{}),
	}, nil
}

// Execute runs one slash command and responds to it.
func (c *Commands) Execute(ctx context.Context, cmd CommandEvent) {
	c.metrics.Command(cmd.Name)
	switch cmd.Name {
	case CmdImagine:
		c.imagine(ctx, cmd)
	case CmdEditImage:
		c.EditImage(ctx, cmd)
	case CmdContinuous:
		c.continuous(ctx, cmd)
	case CmdActivate, CmdDeactivate:
		c.activation(ctx, cmd, cmd.Name == CmdActivate)
	case CmdUsage:
		c.showUsage(ctx, cmd)
	default:
		c.reply(ctx, cmd, fmt.Sprintf("I don't know the %q command.", cmd.Name))
	}
}

func (c *Commands) imagine(ctx context.Context, cmd CommandEvent) {
	prompt := strings.TrimSpace(cmd.Options["prompt"])
	if prompt == "" {
		c.reply(ctx, cmd, "Tell me what to draw!")
		return
	}
	if res := c.consume(ctx, cmd.IdentityID); !res.Allowed {
		c.replyQuota(ctx, cmd, res.Count)
		return
	}

	statusID := c.reply(ctx, cmd, fmt.Sprintf("Painting %q...", prompt))
	img, err := c.backend.GenerateImage(ctx, prompt)
	if err != nil || len(img) == 0 {
		if err != nil {
			log.Printf("telegraph: imagine for %s: %v", cmd.IdentityID, err)
		}
		c.replace(ctx, cmd, statusID, c.persona.ImageFailed.next())
		return
	}
	if _, err := c.adapter.Respond(ctx, cmd, OutboundMessage{
		ChannelID: cmd.ChannelID,
		Text:      prompt,
		Files:     []File{{Name: "imagine.png", MimeType: "image/png", Data: img}},
	}); err != nil {
		log.Printf("telegraph: imagine: deliver image: %v", err)
		return
	}
	c.replace(ctx, cmd, statusID, fmt.Sprintf("Painted %q.", prompt))
}

// EditImage runs the guided image-edit flow and returns its outcome.
func (c *Commands) EditImage(ctx context.Context, cmd CommandEvent) FlowOutcome {
	outcome := c.runEditFlow(ctx, cmd)
	log.Printf("telegraph: editimage for %s: %s", cmd.IdentityID, outcome)
	return outcome
}

func (c *Commands) runEditFlow(ctx context.Context, cmd CommandEvent) FlowOutcome {
	release, err := c.beginFlow(cmd.IdentityID)
	if err != nil {
		c.reply(ctx, cmd, c.persona.FlowBusy.next())
		return FlowBusy
	}
	defer release()

	if st, err := c.ledger.Get(ctx, cmd.IdentityID); err == nil && st.Remaining == 0 {
		c.replyQuota(ctx, cmd, st.Count)
		return FlowQuotaExceeded
	}

	c.reply(ctx, cmd, c.persona.AwaitImage.next())
	upload, err := c.adapter.AwaitMessage(ctx, cmd.ChannelID, cmd.IdentityID, c.flow.AttachmentTimeout)
	if err != nil {
		if !errors.Is(err, ErrTimeout) {
			log.Printf("telegraph: editimage: await image: %v", err)
		}
		c.reply(ctx, cmd, c.persona.TimeoutImage.next())
		return FlowTimeoutImage
	}
	att, ok := firstImage(upload.Attachments)
	if !ok {
		c.reply(ctx, cmd, c.persona.WrongAttachment.next())
		return FlowWrongAttachment
	}

	c.reply(ctx, cmd, c.persona.AwaitInstruction.next())
	instruction, err := c.adapter.AwaitMessage(ctx, cmd.ChannelID, cmd.IdentityID, c.flow.InstructionTimeout)
	if err != nil || strings.TrimSpace(instruction.Text) == "" {
		if err != nil && !errors.Is(err, ErrTimeout) {
			log.Printf("telegraph: editimage: await instruction: %v", err)
		}
		c.reply(ctx, cmd, c.persona.TimeoutInstruction.next())
		return FlowTimeoutInstruction
	}

	if res := c.consume(ctx, cmd.IdentityID); !res.Allowed {
		c.replyQuota(ctx, cmd, res.Count)
		return FlowQuotaExceeded
	}

	data, err := c.adapter.Download(ctx, att)
	if err != nil {
		log.Printf("telegraph: editimage: download %s: %v", att.Filename, err)
		c.reply(ctx, cmd, c.persona.ImageFailed.next())
		return FlowFailed
	}
	ref, err := c.backend.UploadAttachment(ctx, data, att.MimeType, att.Filename)
	if err != nil {
		log.Printf("telegraph: editimage: upload %s: %v", att.Filename, err)
		c.reply(ctx, cmd, c.persona.ImageFailed.next())
		return FlowFailed
	}
	defer func() {
		if err := c.backend.DeleteAttachment(context.WithoutCancel(ctx), ref); err != nil {
			log.Printf("telegraph: editimage: delete %s: %v", ref.ContentRef, err)
		}
	}()

	out, err := c.backend.EditImage(ctx, ref, strings.TrimSpace(instruction.Text))
	if err != nil || len(out) == 0 {
		if err != nil {
			log.Printf("telegraph: editimage: %v", err)
		}
		c.reply(ctx, cmd, c.persona.ImageFailed.next())
		return FlowFailed
	}
	if _, err := c.adapter.Respond(ctx, cmd, OutboundMessage{
		ChannelID: cmd.ChannelID,
		Text:      "Here you go!",
		Files:     []File{{Name: "edited.png", MimeType: "image/png", Data: out}},
	}); err != nil {
		log.Printf("telegraph: editimage: deliver image: %v", err)
		return FlowFailed
	}
	return FlowEdited
}

// beginFlow claims the edit flow slot for identityID.
func (c *Commands) beginFlow(identityID string) (func(), error) {
	c.flowMu.Lock()
	defer c.flowMu.Unlock()
	if _, busy := c.flows[identityID]; busy {
		return nil, ErrFlowBusy
	}
	c.flows[identityID] = struct{}{}
	return func() {
		c.flowMu.Lock()
		delete(c.flows, identityID)
		c.flowMu.Unlock()
	}, nil
}

func firstImage(atts []InboundAttachment) (InboundAttachment, bool) {
	if len(atts) == 0 || !genai.IsImage(atts[0].MimeType) || atts[0].Size > genai.MaxAttachmentSize {
		return InboundAttachment{}, false
	}
	return atts[0], true
}

func (c *Commands) continuous(ctx context.Context, cmd CommandEvent) {
	on := true
	if raw, ok := cmd.Options["enabled"]; ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.reply(ctx, cmd, "Use true or false for enabled.")
			return
		}
		on = v
	}
	if err := c.engagement.SetContinuous(ctx, cmd.IdentityID, on); err != nil {
		log.Printf("telegraph: continuous for %s: %v", cmd.IdentityID, err)
		c.reply(ctx, cmd, c.persona.Apology.next())
		return
	}
	if on {
		c.reply(ctx, cmd, "Okay, I'll answer everything you say.")
	} else {
		c.reply(ctx, cmd, "Got it, I'll only chime in when it fits.")
	}
}

func (c *Commands) activation(ctx context.Context, cmd CommandEvent, active bool) {
	if !cmd.IsAdmin {
		c.reply(ctx, cmd, c.persona.AdminOnly.next())
		return
	}
	if err := c.engagement.SetActive(ctx, cmd.ScopeID, active); err != nil {
		log.Printf("telegraph: set active %s=%v: %v", cmd.ScopeID, active, err)
		c.reply(ctx, cmd, c.persona.Apology.next())
		return
	}
	if active {
		c.reply(ctx, cmd, "I'm back! Talk to me.")
	} else {
		c.reply(ctx, cmd, "Going quiet. Use /activate to wake me up.")
	}
}

func (c *Commands) showUsage(ctx context.Context, cmd CommandEvent) {
	st, err := c.ledger.Get(ctx, cmd.IdentityID)
	if err != nil {
		log.Printf("telegraph: usage for %s: %v", cmd.IdentityID, err)
		c.reply(ctx, cmd, c.persona.Apology.next())
		return
	}
	text := fmt.Sprintf("You've made %d of %d images this window, %d left.", st.Count, c.ledger.Quota(), st.Remaining)
	if !st.ResetsAt.IsZero() {
		text += fmt.Sprintf(" The count resets %s.", humanize.Time(st.ResetsAt))
	}
	c.reply(ctx, cmd, text)
}

func (c *Commands) consume(ctx context.Context, identityID string) usage.Result {
	res := c.ledger.CheckAndConsume(ctx, identityID)
	c.metrics.Quota(res.Allowed)
	return res
}

func (c *Commands) replyQuota(ctx context.Context, cmd CommandEvent, count int) {
	resets := "soon"
	if st, err := c.ledger.Get(ctx, cmd.IdentityID); err == nil && !st.ResetsAt.IsZero() {
		resets = humanize.Time(st.ResetsAt)
	}
	c.reply(ctx, cmd, fmt.Sprintf(c.persona.QuotaExceeded.next(), count, resets))
}

// reply responds with text and returns the response message id.
func (c *Commands) reply(ctx context.Context, cmd CommandEvent, text string) string {
	id, err := c.adapter.Respond(ctx, cmd, OutboundMessage{ChannelID: cmd.ChannelID, Text: text})
	if err != nil {
		log.Printf("telegraph: respond to /%s: %v", cmd.Name, err)
	}
	return id
}

// replace edits an earlier response, falling back to a new one.
func (c *Commands) replace(ctx context.Context, cmd CommandEvent, messageID, text string) {
	if messageID != "" {
		err := c.adapter.Edit(ctx, cmd.ChannelID, messageID, text)
		if err == nil {
			return
		}
		log.Printf("telegraph: edit response %s: %v", messageID, err)
	}
	c.reply(ctx, cmd, text)
}
