// Package telegraph bridges chat platforms (Discord, Slack) to the
// conversation core: admission, memory, generation and paced delivery.
package telegraph

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by Adapter.AwaitMessage when no matching message
// arrives within the timeout.
var ErrTimeout = errors.New("telegraph: timed out awaiting message")

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter handles connection management, event delivery and outbound
// operations for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound events from the platform. The
	// channel is closed when the context is cancelled or the adapter is
	// closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan Event, error)

	// Send delivers a message and returns its platform message id. A
	// non-empty ReplyTo threads the message as a reply to that message.
	Send(ctx context.Context, msg OutboundMessage) (string, error)

	// Respond answers a slash command invocation. It may be called more than
	// once for the same command; later calls are follow-ups.
	Respond(ctx context.Context, cmd CommandEvent, msg OutboundMessage) (string, error)

	// Edit replaces the text of a message the bot sent earlier.
	Edit(ctx context.Context, channelID, messageID, text string) error

	// Typing shows (or refreshes) the composing indicator in a channel.
	Typing(ctx context.Context, channelID string) error

	// EnsureRole creates the named role in a scope unless it already exists.
	EnsureRole(ctx context.Context, scopeID, name string) error

	// FetchMessage looks up a message by id.
	FetchMessage(ctx context.Context, channelID, messageID string) (FetchedMessage, error)

	// Download returns the bytes of an inbound attachment.
	Download(ctx context.Context, att InboundAttachment) ([]byte, error)

	// AwaitMessage waits for the next message from identityID in channelID.
	// The awaited message is consumed and not delivered through Listen.
	// Returns ErrTimeout when nothing arrives within timeout.
	AwaitMessage(ctx context.Context, channelID, identityID string, timeout time.Duration) (InboundMessage, error)

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}

// Event is one inbound platform event: InboundMessage, EditEvent,
// CommandEvent or ScopeJoined.
type Event interface {
	eventKind() string
}

// InboundMessage represents a message received from the chat platform.
type InboundMessage struct {
	Platform      string // e.g. "slack", "discord"
	ScopeID       string // guild/workspace, or the channel for direct messages
	ChannelID     string
	MessageID     string // platform-native id, used as the record's external id
	IdentityID    string
	UserName      string
	Text          string // bot mentions already stripped
	Attachments   []InboundAttachment
	DirectAddress bool   // the bot was mentioned, or this is a direct message
	ReplyToAgent  bool   // the message replies to one of the bot's messages
	ReplyToID     string // id of the message being replied to, if any
	Timestamp     time.Time
}

// InboundAttachment is a file attached to an inbound message.
type InboundAttachment struct {
	ID       string
	URL      string
	Filename string
	MimeType string
	Size     int
}

// EditEvent reports that a user edited one of their messages.
type EditEvent struct {
	ChannelID string
	MessageID string
	Text      string
}

// CommandEvent is a slash command invocation. Options holds the named
// string parameters.
type CommandEvent struct {
	ID         string // platform interaction id
	Name       string
	Options    map[string]string
	ScopeID    string
	ChannelID  string
	IdentityID string
	UserName   string
	IsAdmin    bool // invoker holds the admin role or permission
}

// ScopeJoined reports that the bot was added to a guild or workspace.
type ScopeJoined struct {
	ScopeID string
	Name    string
}

func (InboundMessage) eventKind() string { return "message" }
func (EditEvent) eventKind() string { return "edit" }
func (CommandEvent) eventKind() string { return "command" }
func (ScopeJoined) eventKind() string { return "scope_joined" }

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string
	ReplyTo   string // message to reply to (empty for a plain send)
	Text      string
	Ping      bool // notify the replied-to author
	Files     []File
}

// File is an outbound file upload.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// FetchedMessage is a message looked up by id.
type FetchedMessage struct {
	ID        string
	AuthorID  string
	Text      string
	FromAgent bool // authored by the bot itself
}
