package telegraph

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/zulandar/chatterbox/internal/admission"
	"github.com/zulandar/chatterbox/internal/config"
	"github.com/zulandar/chatterbox/internal/genai"
	"github.com/zulandar/chatterbox/internal/memory"
	"github.com/zulandar/chatterbox/internal/metrics"
	"github.com/zulandar/chatterbox/internal/models"
)

// Admitter decides whether an inbound message gets a reply.
type Admitter interface {
	Decide(ctx context.Context, in admission.Input) admission.Decision
}

// MemoryWriter persists conversation turns.
type MemoryWriter interface {
	Append(ctx context.Context, e memory.Entry) error
	EditByExternalID(ctx context.Context, externalID, content string) error
}

// ContextAssembler builds the prior turns handed to the backend.
type ContextAssembler interface {
	Assemble(ctx context.Context, scopeID, identityID, prompt string) []models.Turn
}

// Router routes inbound events: messages go through admission and the
// channel guard into a response cycle, edits update memory, commands go to
// Commands, and scope joins ensure the admin role exists.
type Router struct {
	adapter   Adapter
	admitter  Admitter
	store     MemoryWriter
	assembler ContextAssembler
	backend   genai.Backend
	commands  *Commands
	guard     *ChannelGuard
	pacer     *Pacer
	persona   *Persona
	adminRole string
	botUserID string // the bot's own user ID (to filter self-messages)
	metrics   *metrics.Metrics
	out       io.Writer
	now       func() time.Time
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Adapter   Adapter
	Admission Admitter
	Memory    MemoryWriter
	Context   ContextAssembler
	Backend   genai.Backend
	Commands  *Commands        // optional; commands are dropped when nil
	Guard     *ChannelGuard    // defaults to a fresh guard
	Pacer     *Pacer           // defaults to NewPacer with default pacing
	Persona   *Persona         // defaults to DefaultPersona()
	AdminRole string           // role ensured on scope join; empty skips
	BotUserID string           // bot's user ID for self-message filtering
	Metrics   *metrics.Metrics // optional
	Out       io.Writer        // defaults to os.Stdout
	Now       func() time.Time // defaults to time.Now
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: router: adapter is required")
	}
	if opts.Admission == nil {
		return nil, fmt.Errorf("telegraph: router: admission is required")
	}
	if opts.Memory == nil {
		return nil, fmt.Errorf("telegraph: router: memory is required")
	}
	if opts.Context == nil {
		return nil, fmt.Errorf("telegraph: router: context assembler is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("telegraph: router: backend is required")
	}
	if opts.Guard == nil {
		opts.Guard = NewChannelGuard()
	}
	if opts.Pacer == nil {
		opts.Pacer = NewPacer(PacerOpts{Pacing: config.Default().Pacing, MaxMessageSize: 2000})
	}
	if opts.Persona == nil {
		opts.Persona = DefaultPersona()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{
		adapter:   opts.Adapter,
		admitter:  opts.Admission,
		store:     opts.Memory,
		assembler: opts.Context,
		backend:   opts.Backend,
		commands:  opts.Commands,
		guard:     opts.Guard,
		pacer:     opts.Pacer,
		persona:   opts.Persona,
		adminRole: opts.AdminRole,
		botUserID: opts.BotUserID,
		metrics:   opts.Metrics,
		out:       opts.Out,
		now:       opts.Now,
	}, nil
}

// Handle routes a single inbound event. It blocks for the duration of any
// response cycle it starts; the daemon calls it on its own goroutine.
func (r *Router) Handle(ctx context.Context, ev Event) {
	switch ev := ev.(type) {
	case InboundMessage:
		r.handleMessage(ctx, ev)
	case EditEvent:
		r.handleEdit(ctx, ev)
	case CommandEvent:
		r.handleCommand(ctx, ev)
	case ScopeJoined:
		r.handleScopeJoined(ctx, ev)
	default:
		log.Printf("telegraph: router: unknown event %T", ev)
	}
}

func (r *Router) handleMessage(ctx context.Context, msg InboundMessage) {
	// Filter bot self-messages.
	if r.isSelfMessage(msg) {
		return
	}

	text := strings.TrimSpace(msg.Text)
	fmt.Fprintf(r.out, "telegraph: router: recv [scope=%s ch=%s user=%s] %q\n",
		msg.ScopeID, msg.ChannelID, msg.UserName, truncate(text, 80))

	direct := msg.DirectAddress || msg.ReplyToAgent || r.repliesToAgent(ctx, msg)
	if !direct && text == "" && len(msg.Attachments) == 0 {
		return
	}

	d := r.admitter.Decide(ctx, admission.Input{
		ScopeID:       msg.ScopeID,
		IdentityID:    msg.IdentityID,
		Text:          text,
		DirectAddress: direct,
	})
	r.metrics.Admission(d.Outcome.String(), string(d.Reason))
	if d.Outcome != admission.Reply {
		fmt.Fprintf(r.out, "telegraph: router: → ignore (%s)\n", d.Reason)
		return
	}

	if direct && text == "" && len(msg.Attachments) == 0 {
		fmt.Fprintf(r.out, "telegraph: router: → empty mention\n")
		r.send(ctx, OutboundMessage{ChannelID: msg.ChannelID, ReplyTo: msg.MessageID, Text: r.persona.SaidNothing.next()})
		return
	}

	release, ok := r.guard.TryAcquire(msg.ChannelID)
	if !ok {
		fmt.Fprintf(r.out, "telegraph: router: → busy [ch=%s]\n", msg.ChannelID)
		r.metrics.Cycle("busy", 0)
		if direct {
			r.send(ctx, OutboundMessage{ChannelID: msg.ChannelID, ReplyTo: msg.MessageID, Text: r.persona.Busy.next()})
		}
		return
	}
	defer release()

	fmt.Fprintf(r.out, "telegraph: router: → reply (%s)\n", d.Reason)
	r.respond(ctx, msg, text, direct)
}

// repliesToAgent resolves a reply whose target the adapter could not
// attribute.
func (r *Router) repliesToAgent(ctx context.Context, msg InboundMessage) bool {
	if msg.ReplyToID == "" {
		return false
	}
	ref, err := r.adapter.FetchMessage(ctx, msg.ChannelID, msg.ReplyToID)
	if err != nil {
		log.Printf("telegraph: router: fetch referenced message %s: %v", msg.ReplyToID, err)
		return false
	}
	return ref.FromAgent || (r.botUserID != "" && ref.AuthorID == r.botUserID)
}

func (r *Router) handleEdit(ctx context.Context, ev EditEvent) {
	if err := r.store.EditByExternalID(ctx, ev.MessageID, ev.Text); err != nil {
		log.Printf("telegraph: router: edit %s: %v", ev.MessageID, err)
	}
}

func (r *Router) handleCommand(ctx context.Context, cmd CommandEvent) {
	fmt.Fprintf(r.out, "telegraph: router: command /%s [scope=%s user=%s]\n", cmd.Name, cmd.ScopeID, cmd.UserName)
	if r.commands == nil {
		log.Printf("telegraph: router: no command handler for /%s", cmd.Name)
		return
	}
	r.commands.Execute(ctx, cmd)
}

func (r *Router) handleScopeJoined(ctx context.Context, ev ScopeJoined) {
	fmt.Fprintf(r.out, "telegraph: joined scope %s (%s)\n", ev.ScopeID, ev.Name)
	if r.adminRole == "" {
		return
	}
	if err := r.adapter.EnsureRole(ctx, ev.ScopeID, r.adminRole); err != nil {
		log.Printf("telegraph: router: ensure role %q in %s: %v", r.adminRole, ev.ScopeID, err)
	}
}

// send delivers msg, logging failures.
func (r *Router) send(ctx context.Context, msg OutboundMessage) {
	if _, err := r.adapter.Send(ctx, msg); err != nil {
		log.Printf("telegraph: router: send [ch=%s]: %v", msg.ChannelID, err)
	}
}

// isSelfMessage returns true if the message is from the bot itself.
func (r *Router) isSelfMessage(msg InboundMessage) bool {
	return r.botUserID != "" && msg.IdentityID == r.botUserID
}

// truncate returns s truncated to maxLen runes with "..." appended if needed.
func truncate(s string, maxLen int) string {
	rs := []rune(s)
	if len(rs) <= maxLen {
		return s
	}
	return string(rs[:maxLen]) + "..."
}
