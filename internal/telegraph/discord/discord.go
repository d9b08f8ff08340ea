// Package discord implements the telegraph Adapter for Discord using the Gateway WebSocket.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/chatterbox/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// interactionTTL is how long Discord accepts follow-ups to an interaction.
	interactionTTL = 15 * time.Minute
	// maxDownload caps attachment downloads.
	maxDownload = 25 << 20
)

// session is the subset of *discordgo.Session the adapter uses, enabling
// test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildRoleCreate(guildID string, data *discordgo.RoleParams, options ...discordgo.RequestOption) (*discordgo.Role, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	FollowupMessageEdit(interaction *discordgo.Interaction, messageID string, data *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ApplicationCommandBulkOverwrite(appID string, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
}

// Adapter implements telegraph.Adapter for Discord via the Gateway WebSocket.
type Adapter struct {
	sess       session
	botToken   string
	adminRole  string
	httpClient *http.Client

	mu        sync.Mutex
	connected bool
	closed    bool
	botUserID string
	inbound   chan telegraph.Event
	done      chan struct{}
	emitting  sync.WaitGroup
	removers  []func()
	waiters   map[string]chan telegraph.InboundMessage // "channel/user" -> waiter
	pending   map[string]*discordgo.Interaction        // interaction id -> deferred interaction
	followups map[string]*discordgo.Interaction        // follow-up message id -> interaction

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken   string       // Discord bot token
	AdminRole  string       // role name granting admin commands
	HTTPClient *http.Client // for attachment downloads; defaults to http.DefaultClient
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Adapter{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		adminRole:   opts.AdminRole,
		httpClient:  opts.HTTPClient,
		inbound:     make(chan telegraph.Event, 100),
		done:        make(chan struct{}),
		waiters:     make(map[string]chan telegraph.InboundMessage),
		pending:     make(map[string]*discordgo.Interaction),
		followups:   make(map[string]*discordgo.Interaction),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Connect registers event handlers and opens the Gateway connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds |
			discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		a.sess = dg
	}

	a.removers = append(a.removers,
		a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) { a.handleReady(r) }),
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) { a.handleMessage(m.Message) }),
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) { a.handleUpdate(m.Message) }),
		a.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) { a.handleInteraction(i.Interaction) }),
		a.sess.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildCreate) { a.handleGuildCreate(g.Guild) }),
		a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
		}),
	)

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Listen returns the inbound event channel. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	return a.inbound, nil
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	close(a.done)
	removers := a.removers
	a.removers = nil
	a.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	a.emitting.Wait()
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

// Send posts msg to its channel. A ReplyTo makes it a reply; Ping controls
// whether the replied-to author is notified.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) (string, error) {
	if err := a.ready(); err != nil {
		return "", err
	}
	if msg.ChannelID == "" {
		return "", fmt.Errorf("discord: no channel specified")
	}
	data := buildMessageSend(msg)

	var sent *discordgo.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		sent, apiErr = a.sess.ChannelMessageSendComplex(msg.ChannelID, data)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: send message: %w", err)
	}
	return sent.ID, nil
}

// Respond answers a slash command through a follow-up to its deferred
// interaction. Without a live interaction it posts to the channel instead.
func (a *Adapter) Respond(ctx context.Context, cmd telegraph.CommandEvent, msg telegraph.OutboundMessage) (string, error) {
	a.mu.Lock()
	interaction := a.pending[cmd.ID]
	a.mu.Unlock()
	if interaction == nil {
		msg.ChannelID = cmd.ChannelID
		return a.Send(ctx, msg)
	}

	params := &discordgo.WebhookParams{
		Content:         msg.Text,
		Files:           buildFiles(msg.Files),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	var sent *discordgo.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		sent, apiErr = a.sess.FollowupMessageCreate(interaction, true, params)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: follow-up /%s: %w", cmd.Name, err)
	}
	a.mu.Lock()
	a.followups[sent.ID] = interaction
	a.mu.Unlock()
	return sent.ID, nil
}

// Edit replaces the text of a message the bot sent.
func (a *Adapter) Edit(ctx context.Context, channelID, messageID, text string) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.mu.Lock()
	interaction := a.followups[messageID]
	a.mu.Unlock()

	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		if interaction != nil {
			_, apiErr = a.sess.FollowupMessageEdit(interaction, messageID, &discordgo.WebhookEdit{Content: &text})
		} else {
			_, apiErr = a.sess.ChannelMessageEdit(channelID, messageID, text)
		}
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: edit message %s: %w", messageID, err)
	}
	return nil
}

// Typing shows the typing indicator for about ten seconds.
func (a *Adapter) Typing(ctx context.Context, channelID string) error {
	if err := a.ready(); err != nil {
		return err
	}
	if err := a.sess.ChannelTyping(channelID); err != nil {
		return fmt.Errorf("discord: typing: %w", err)
	}
	return nil
}

// EnsureRole creates the named role in the guild unless it already exists.
func (a *Adapter) EnsureRole(ctx context.Context, scopeID, name string) error {
	if err := a.ready(); err != nil {
		return err
	}
	roles, err := a.sess.GuildRoles(scopeID)
	if err != nil {
		return fmt.Errorf("discord: list roles in %s: %w", scopeID, err)
	}
	for _, r := range roles {
		if r.Name == name {
			return nil
		}
	}
	mentionable := false
	if _, err := a.sess.GuildRoleCreate(scopeID, &discordgo.RoleParams{Name: name, Mentionable: &mentionable}); err != nil {
		return fmt.Errorf("discord: create role %q in %s: %w", name, scopeID, err)
	}
	log.Printf("discord: created role %q in guild %s", name, scopeID)
	return nil
}

// FetchMessage loads a single message.
func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID string) (telegraph.FetchedMessage, error) {
	if err := a.ready(); err != nil {
		return telegraph.FetchedMessage{}, err
	}
	m, err := a.sess.ChannelMessage(channelID, messageID)
	if err != nil {
		return telegraph.FetchedMessage{}, fmt.Errorf("discord: fetch message %s: %w", messageID, err)
	}
	out := telegraph.FetchedMessage{ID: m.ID, Text: m.Content}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.FromAgent = m.Author.ID == a.BotUserID()
	}
	return out, nil
}

// Download fetches an attachment from the Discord CDN.
func (a *Adapter) Download(ctx context.Context, att telegraph.InboundAttachment) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("discord: download %s: %w", att.Filename, err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discord: download %s: %w", att.Filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discord: download %s: status %d", att.Filename, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload+1))
	if err != nil {
		return nil, fmt.Errorf("discord: download %s: %w", att.Filename, err)
	}
	if len(data) > maxDownload {
		return nil, fmt.Errorf("discord: download %s: exceeds %d bytes", att.Filename, maxDownload)
	}
	return data, nil
}

// AwaitMessage waits for the next message from identityID in channelID.
// The awaited message is consumed and never reaches Listen.
func (a *Adapter) AwaitMessage(ctx context.Context, channelID, identityID string, timeout time.Duration) (telegraph.InboundMessage, error) {
	key := channelID + "/" + identityID
	ch := make(chan telegraph.InboundMessage, 1)
	a.mu.Lock()
	a.waiters[key] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.waiters[key] == ch {
			delete(a.waiters, key)
		}
		a.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		return msg, nil
	case <-timer.C:
		return telegraph.InboundMessage{}, telegraph.ErrTimeout
	case <-ctx.Done():
		return telegraph.InboundMessage{}, ctx.Err()
	case <-a.done:
		return telegraph.InboundMessage{}, fmt.Errorf("discord: adapter closed")
	}
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

// emit delivers ev unless the adapter is closing.
func (a *Adapter) emit(ev telegraph.Event) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.emitting.Add(1)
	a.mu.Unlock()
	defer a.emitting.Done()

	select {
	case a.inbound <- ev:
	case <-a.done:
	}
}

// --- Gateway event handlers ---

func (a *Adapter) handleReady(r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	a.SetBotUserID(r.User.ID)
	log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)

	appID := r.User.ID
	if r.Application != nil && r.Application.ID != "" {
		appID = r.Application.ID
	}
	if _, err := a.sess.ApplicationCommandBulkOverwrite(appID, "", buildCommands(telegraph.CommandSpecs)); err != nil {
		log.Printf("discord: register slash commands: %v", err)
	}
}

// handleMessage converts a Discord message to an InboundMessage, or hands
// it to a pending AwaitMessage.
func (a *Adapter) handleMessage(m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	botID := a.BotUserID()
	if m.Author.ID == botID {
		return
	}

	msg := toInbound(m, botID)

	key := m.ChannelID + "/" + m.Author.ID
	a.mu.Lock()
	waiter, ok := a.waiters[key]
	if ok {
		delete(a.waiters, key)
	}
	a.mu.Unlock()
	if ok {
		waiter <- msg
		return
	}
	a.emit(msg)
}

func (a *Adapter) handleUpdate(m *discordgo.Message) {
	if m == nil || (m.Author != nil && (m.Author.Bot || m.Author.ID == a.BotUserID())) {
		return
	}
	a.emit(telegraph.EditEvent{ChannelID: m.ChannelID, MessageID: m.ID, Text: stripMention(m.Content, a.BotUserID())})
}

func (a *Adapter) handleGuildCreate(g *discordgo.Guild) {
	if g == nil || g.Unavailable {
		return
	}
	a.emit(telegraph.ScopeJoined{ScopeID: g.ID, Name: g.Name})
}

// handleInteraction defers a slash command and emits it as a CommandEvent.
// The handler answers later through Respond.
func (a *Adapter) handleInteraction(i *discordgo.Interaction) {
	if i == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if err := a.sess.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		log.Printf("discord: defer interaction %s: %v", i.ID, err)
		return
	}

	a.mu.Lock()
	a.pending[i.ID] = i
	a.mu.Unlock()
	time.AfterFunc(interactionTTL, func() { a.forget(i) })

	data := i.ApplicationCommandData()
	ev := telegraph.CommandEvent{
		ID:        i.ID,
		Name:      data.Name,
		Options:   optionValues(data.Options),
		ScopeID:   scopeOf(i.GuildID, i.ChannelID),
		ChannelID: i.ChannelID,
		IsAdmin:   a.isAdmin(i),
	}
	if u := invoker(i); u != nil {
		ev.IdentityID = u.ID
		ev.UserName = u.Username
	}
	a.emit(ev)
}

// forget drops an expired interaction and its follow-ups.
func (a *Adapter) forget(i *discordgo.Interaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, i.ID)
	for id, owner := range a.followups {
		if owner == i {
			delete(a.followups, id)
		}
	}
}

// isAdmin reports whether the invoking member holds the Administrator
// permission or the configured admin role.
func (a *Adapter) isAdmin(i *discordgo.Interaction) bool {
	if i.Member == nil {
		return false
	}
	if i.Member.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	if a.adminRole == "" || len(i.Member.Roles) == 0 {
		return false
	}
	roles, err := a.sess.GuildRoles(i.GuildID)
	if err != nil {
		log.Printf("discord: resolve roles in %s: %v", i.GuildID, err)
		return false
	}
	for _, r := range roles {
		if r.Name == a.adminRole && slices.Contains(i.Member.Roles, r.ID) {
			return true
		}
	}
	return false
}

// --- Conversions ---

// toInbound converts m. Direct messages and mentions of the bot are direct
// address; the mention itself is stripped from the text.
func toInbound(m *discordgo.Message, botID string) telegraph.InboundMessage {
	dm := m.GuildID == ""
	mentioned := false
	for _, u := range m.Mentions {
		if u != nil && botID != "" && u.ID == botID {
			mentioned = true
		}
	}

	msg := telegraph.InboundMessage{
		Platform:      "discord",
		ScopeID:       scopeOf(m.GuildID, m.ChannelID),
		ChannelID:     m.ChannelID,
		MessageID:     m.ID,
		IdentityID:    m.Author.ID,
		UserName:      m.Author.Username,
		Text:          stripMention(m.Content, botID),
		DirectAddress: dm || mentioned,
		Timestamp:     m.Timestamp,
	}
	if ref := m.ReferencedMessage; ref != nil && ref.Author != nil {
		msg.ReplyToAgent = botID != "" && ref.Author.ID == botID
	} else if m.MessageReference != nil {
		msg.ReplyToID = m.MessageReference.MessageID
	}
	for _, att := range m.Attachments {
		if att == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, telegraph.InboundAttachment{
			ID:       att.ID,
			URL:      att.URL,
			Filename: att.Filename,
			MimeType: att.ContentType,
			Size:     att.Size,
		})
	}
	return msg
}

func scopeOf(guildID, channelID string) string {
	if guildID != "" {
		return guildID
	}
	return channelID
}

func stripMention(text, botID string) string {
	if botID != "" {
		text = strings.ReplaceAll(text, "<@"+botID+">", "")
		text = strings.ReplaceAll(text, "<@!"+botID+">", "")
	}
	return strings.TrimSpace(text)
}

func invoker(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

func optionValues(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]string {
	out := make(map[string]string, len(opts))
	for _, o := range opts {
		switch o.Type {
		case discordgo.ApplicationCommandOptionString:
			out[o.Name] = o.StringValue()
		case discordgo.ApplicationCommandOptionBoolean:
			out[o.Name] = strconv.FormatBool(o.BoolValue())
		default:
			out[o.Name] = fmt.Sprint(o.Value)
		}
	}
	return out
}

// buildMessageSend translates an OutboundMessage into a Discord MessageSend.
// Mentions inside generated text never notify anyone.
func buildMessageSend(msg telegraph.OutboundMessage) *discordgo.MessageSend {
	data := &discordgo.MessageSend{
		Content:         msg.Text,
		Files:           buildFiles(msg.Files),
		AllowedMentions: &discordgo.MessageAllowedMentions{RepliedUser: msg.Ping},
	}
	if msg.ReplyTo != "" {
		failIfMissing := false
		data.Reference = &discordgo.MessageReference{
			MessageID:       msg.ReplyTo,
			ChannelID:       msg.ChannelID,
			FailIfNotExists: &failIfMissing,
		}
	}
	return data
}

func buildFiles(files []telegraph.File) []*discordgo.File {
	var out []*discordgo.File
	for _, f := range files {
		out = append(out, &discordgo.File{Name: f.Name, ContentType: f.MimeType, Reader: bytes.NewReader(f.Data)})
	}
	return out
}

// buildCommands converts command specs to Discord application commands.
func buildCommands(specs []telegraph.CommandSpec) []*discordgo.ApplicationCommand {
	cmds := make([]*discordgo.ApplicationCommand, 0, len(specs))
	for _, spec := range specs {
		cmd := &discordgo.ApplicationCommand{Name: spec.Name, Description: spec.Description}
		for _, o := range spec.Options {
			typ := discordgo.ApplicationCommandOptionString
			if o.Bool {
				typ = discordgo.ApplicationCommandOptionBoolean
			}
			cmd.Options = append(cmd.Options, &discordgo.ApplicationCommandOption{
				Type:        typ,
				Name:        o.Name,
				Description: o.Description,
				Required:    o.Required,
			})
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v", attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
