// Package slack implements the telegraph Adapter for Slack using Socket Mode.
package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/chatterbox/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
	// maxDownload caps attachment downloads.
	maxDownload = 25 << 20
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	UploadFileV2Context(ctx context.Context, params slackapi.UploadFileV2Parameters) (*slackapi.FileSummary, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
	GetConversationReplies(params *slackapi.GetConversationRepliesParameters) ([]slackapi.Message, bool, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements telegraph.Adapter for Slack Socket Mode.
type Adapter struct {
	client   slackClient
	socket   socketClient
	appToken string
	botToken string

	mu         sync.Mutex
	connected  bool
	closed     bool
	botUserID  string
	teamID     string
	teamName   string
	inbound    chan telegraph.Event
	done       chan struct{}
	emitting   sync.WaitGroup
	cancelFunc context.CancelFunc
	waiters    map[string]chan telegraph.InboundMessage // "channel/user" -> waiter
	users      map[string]*slackapi.User

	baseBackoff  time.Duration // reconnection base backoff (default: baseBackoff const)
	maxBackoff   time.Duration // reconnection max backoff (default: maxBackoff const)
	maxReconnect int           // max reconnection attempts (default: maxReconnectAttempts)
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken string // xapp-... Slack app-level token for Socket Mode
	BotToken string // xoxb-... Slack bot token
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}

	return &Adapter{
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		inbound:      make(chan telegraph.Event, 100),
		done:         make(chan struct{}),
		waiters:      make(map[string]chan telegraph.InboundMessage),
		users:        make(map[string]*slackapi.User),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}, nil
}

// Connect authenticates and prepares the Socket Mode client.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real clients if not injected (production path).
	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	// Get bot user ID for self-message filtering.
	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.teamID = auth.TeamID
	a.teamName = auth.Team

	a.connected = true
	return nil
}

// Listen returns the inbound event channel and starts the Socket Mode event
// pump. The workspace itself is reported first as a ScopeJoined event.
// Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.Event, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	team := telegraph.ScopeJoined{ScopeID: a.teamID, Name: a.teamName}
	a.mu.Unlock()

	if team.ScopeID != "" {
		a.emit(team)
	}

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// Close shuts down the adapter and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.done)
	a.mu.Unlock()

	a.emitting.Wait()
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// Send posts msg to its channel. A ReplyTo threads the message under that
// message. Files are uploaded into the same thread after the text.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) (string, error) {
	if err := a.ready(); err != nil {
		return "", err
	}
	if msg.ChannelID == "" {
		return "", fmt.Errorf("slack: no channel specified")
	}

	var ts string
	if msg.Text != "" || len(msg.Files) == 0 {
		options := buildMessageOptions(msg)
		err := retryOnRateLimit(ctx, func() error {
			var postErr error
			_, ts, postErr = a.client.PostMessage(msg.ChannelID, options...)
			return postErr
		})
		if err != nil {
			return "", fmt.Errorf("slack: post message: %w", err)
		}
	}

	for _, f := range msg.Files {
		summary, err := a.client.UploadFileV2Context(ctx, slackapi.UploadFileV2Parameters{
			Reader:          bytes.NewReader(f.Data),
			FileSize:        len(f.Data),
			Filename:        f.Name,
			Title:           f.Name,
			Channel:         msg.ChannelID,
			ThreadTimestamp: msg.ReplyTo,
		})
		if err != nil {
			return ts, fmt.Errorf("slack: upload %s: %w", f.Name, err)
		}
		if ts == "" {
			ts = summary.ID
		}
	}
	return ts, nil
}

// Respond answers a slash command by posting into the channel it was
// invoked from. Slash commands are acknowledged on receipt.
func (a *Adapter) Respond(ctx context.Context, cmd telegraph.CommandEvent, msg telegraph.OutboundMessage) (string, error) {
	msg.ChannelID = cmd.ChannelID
	msg.ReplyTo = ""
	return a.Send(ctx, msg)
}

// Edit replaces the text of a message the bot posted.
func (a *Adapter) Edit(ctx context.Context, channelID, messageID, text string) error {
	if err := a.ready(); err != nil {
		return err
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, _, apiErr := a.client.UpdateMessage(channelID, messageID, slackapi.MsgOptionText(text, false))
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("slack: update message %s: %w", messageID, err)
	}
	return nil
}

// Typing is a no-op: the Slack Web API offers bots no typing indicator.
func (a *Adapter) Typing(ctx context.Context, channelID string) error {
	return a.ready()
}

// EnsureRole is a no-op on Slack. Workspace admins and owners hold the admin
// role implicitly.
func (a *Adapter) EnsureRole(ctx context.Context, scopeID, name string) error {
	log.Printf("slack: workspace %s uses workspace admins for %q", scopeID, name)
	return nil
}

// FetchMessage loads a single message by timestamp.
func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID string) (telegraph.FetchedMessage, error) {
	if err := a.ready(); err != nil {
		return telegraph.FetchedMessage{}, err
	}
	params := &slackapi.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: messageID,
		Latest:    messageID,
		Oldest:    messageID,
		Inclusive: true,
		Limit:     1,
	}
	var msgs []slackapi.Message
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		msgs, _, _, apiErr = a.client.GetConversationReplies(params)
		return apiErr
	})
	if err != nil {
		return telegraph.FetchedMessage{}, fmt.Errorf("slack: fetch message %s: %w", messageID, err)
	}
	botID := a.BotUserID()
	for _, m := range msgs {
		if m.Timestamp != messageID {
			continue
		}
		return telegraph.FetchedMessage{
			ID:        m.Timestamp,
			AuthorID:  m.User,
			Text:      m.Text,
			FromAgent: m.User != "" && m.User == botID,
		}, nil
	}
	return telegraph.FetchedMessage{}, fmt.Errorf("slack: message %s not found in %s", messageID, channelID)
}

// Download fetches a private file using the bot token.
func (a *Adapter) Download(ctx context.Context, att telegraph.InboundAttachment) ([]byte, error) {
	if att.Size > maxDownload {
		return nil, fmt.Errorf("slack: download %s: exceeds %d bytes", att.Filename, maxDownload)
	}
	var buf bytes.Buffer
	if err := a.client.GetFileContext(ctx, att.URL, &buf); err != nil {
		return nil, fmt.Errorf("slack: download %s: %w", att.Filename, err)
	}
	return buf.Bytes(), nil
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
		return telegraph.InboundMessage{}, fmt.Errorf("slack: adapter closed")
	}
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("slack: not connected")
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

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error (e.g., reconnection failure).
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		// Check if we're shutting down.
		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", a.maxReconnect)
}

// pumpEvents reads Socket Mode events and converts them to telegraph events.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slackapi.SlashCommand)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleSlashCommand(cmd)

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

// handleEventsAPI processes Events API callbacks. Mentions arrive as plain
// message events too, so app_mention callbacks are not handled separately.
func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		a.handleMessage(event.TeamID, ev)
	}
}

// handleMessage converts a Slack message event to an InboundMessage or
// EditEvent, or hands it to a pending AwaitMessage.
func (a *Adapter) handleMessage(teamID string, ev *slackevents.MessageEvent) {
	botID := a.BotUserID()

	switch ev.SubType {
	case "", "file_share", "thread_broadcast":
	case "message_changed":
		if m := ev.Message; m != nil && m.BotID == "" && m.User != botID {
			a.emit(telegraph.EditEvent{ChannelID: ev.Channel, MessageID: m.Timestamp, Text: stripMention(m.Text, botID)})
		}
		return
	default:
		return
	}
	if ev.BotID != "" || ev.User == "" || ev.User == botID {
		return
	}

	msg := a.toInbound(teamID, ev, botID)

	key := ev.Channel + "/" + ev.User
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

// handleSlashCommand emits an acknowledged slash command. The command text
// fills the command's first declared option.
func (a *Adapter) handleSlashCommand(cmd slackapi.SlashCommand) {
	name := strings.TrimPrefix(cmd.Command, "/")
	ev := telegraph.CommandEvent{
		ID:         cmd.TriggerID,
		Name:       name,
		Options:    map[string]string{},
		ScopeID:    cmd.TeamID,
		ChannelID:  cmd.ChannelID,
		IdentityID: cmd.UserID,
		UserName:   cmd.UserName,
		IsAdmin:    a.isAdmin(cmd.UserID),
	}
	text := strings.TrimSpace(cmd.Text)
	for _, spec := range telegraph.CommandSpecs {
		if spec.Name == name && len(spec.Options) > 0 && text != "" {
			ev.Options[spec.Options[0].Name] = text
		}
	}
	a.emit(ev)
}

// isAdmin reports whether the user is a workspace admin or owner.
func (a *Adapter) isAdmin(userID string) bool {
	u := a.lookupUser(userID)
	return u != nil && (u.IsAdmin || u.IsOwner)
}

// toInbound converts ev. Direct messages and mentions of the bot are direct
// address; the mention itself is stripped from the text.
func (a *Adapter) toInbound(teamID string, ev *slackevents.MessageEvent, botID string) telegraph.InboundMessage {
	dm := ev.ChannelType == "im"
	scope := teamID
	if dm || scope == "" {
		scope = ev.Channel
	}
	msg := telegraph.InboundMessage{
		Platform:      "slack",
		ScopeID:       scope,
		ChannelID:     ev.Channel,
		MessageID:     ev.TimeStamp,
		IdentityID:    ev.User,
		UserName:      a.resolveUserName(ev.User),
		Text:          stripMention(ev.Text, botID),
		DirectAddress: dm || (botID != "" && strings.Contains(ev.Text, "<@"+botID+">")),
		Timestamp:     parseSlackTimestamp(ev.TimeStamp),
	}
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		if ev.Message != nil && ev.Message.ParentUserId != "" {
			msg.ReplyToAgent = ev.Message.ParentUserId == botID
		}
		if !msg.ReplyToAgent {
			msg.ReplyToID = ev.ThreadTimeStamp
		}
	}
	if ev.Message != nil {
		for _, f := range ev.Message.Files {
			msg.Attachments = append(msg.Attachments, telegraph.InboundAttachment{
				ID:       f.ID,
				URL:      f.URLPrivateDownload,
				Filename: f.Name,
				MimeType: f.Mimetype,
				Size:     f.Size,
			})
		}
	}
	return msg
}

// lookupUser returns the user's profile, cached for the adapter's lifetime.
func (a *Adapter) lookupUser(userID string) *slackapi.User {
	if userID == "" {
		return nil
	}
	a.mu.Lock()
	u, ok := a.users[userID]
	a.mu.Unlock()
	if ok {
		return u
	}
	u, err := a.client.GetUserInfo(userID)
	if err != nil {
		log.Printf("slack: user info %s: %v", userID, err)
		return nil
	}
	a.mu.Lock()
	a.users[userID] = u
	a.mu.Unlock()
	return u
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (a *Adapter) resolveUserName(userID string) string {
	user := a.lookupUser(userID)
	if user == nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	if user.RealName != "" {
		return user.RealName
	}
	return userID
}

func stripMention(text, botID string) string {
	if botID != "" {
		text = strings.ReplaceAll(text, "<@"+botID+">", "")
	}
	return strings.TrimSpace(text)
}

// buildMessageOptions translates an OutboundMessage into Slack MsgOptions.
// Thread replies only notify the thread participants, so Ping has no
// separate rendering.
func buildMessageOptions(msg telegraph.OutboundMessage) []slackapi.MsgOption {
	options := []slackapi.MsgOption{slackapi.MsgOptionText(msg.Text, false)}
	if msg.ReplyTo != "" {
		options = append(options, slackapi.MsgOptionTS(msg.ReplyTo))
	}
	return options
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if frac != "" {
		usec, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, usec*int64(time.Microsecond))
}
