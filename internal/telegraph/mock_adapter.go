package telegraph

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter implements Adapter for testing. It records outbound calls and
// allows simulating inbound events and scripted AwaitMessage results.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan Event
	botUserID string
	nextID    int

	sent      []OutboundMessage
	responses []MockResponse
	edits     []MockEdit
	typing    map[string]int
	roles     []string // "scopeID/name"
	awaits    []mockAwait
	files     map[string][]byte         // attachment URL -> bytes
	messages  map[string]FetchedMessage // message id -> message

	// SendErr, when set, fails every Send and Respond.
	SendErr error

	// TypingErr, when set, fails every Typing call.
	TypingErr error
}

// MockResponse records one Respond call.
type MockResponse struct {
	Command CommandEvent
	Message OutboundMessage
}

// MockEdit records one Edit call.
type MockEdit struct {
	ChannelID string
	MessageID string
	Text      string
}

type mockAwait struct {
	msg InboundMessage
	err error
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound:  make(chan Event, 100),
		typing:   make(map[string]int),
		files:    make(map[string][]byte),
		messages: make(map[string]FetchedMessage),
	}
}

// BotUserID returns the configured bot user ID (implements BotUserIDer).
func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// SetBotUserID sets the bot user ID for testing.
func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound event channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Send records the outbound message and returns a generated message id.
func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.sent = append(m.sent, msg)
	return m.newID(), nil
}

// Respond records the command response.
func (m *MockAdapter) Respond(ctx context.Context, cmd CommandEvent, msg OutboundMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.responses = append(m.responses, MockResponse{Command: cmd, Message: msg})
	return m.newID(), nil
}

func (m *MockAdapter) newID() string {
	m.nextID++
	return fmt.Sprintf("bot-%d", m.nextID)
}

// Edit records the edit.
func (m *MockAdapter) Edit(ctx context.Context, channelID, messageID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, MockEdit{ChannelID: channelID, MessageID: messageID, Text: text})
	return nil
}

// Typing counts indicator refreshes per channel.
func (m *MockAdapter) Typing(ctx context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing[channelID]++
	return m.TypingErr
}

// EnsureRole records the role; repeated calls are idempotent.
func (m *MockAdapter) EnsureRole(ctx context.Context, scopeID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopeID + "/" + name
	for _, r := range m.roles {
		if r == key {
			return nil
		}
	}
	m.roles = append(m.roles, key)
	return nil
}

// FetchMessage returns a message registered with SetMessage.
func (m *MockAdapter) FetchMessage(ctx context.Context, channelID, messageID string) (FetchedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return FetchedMessage{}, fmt.Errorf("mock adapter: message %s not found", messageID)
	}
	return msg, nil
}

// Download returns bytes registered with SetFile.
func (m *MockAdapter) Download(ctx context.Context, att InboundAttachment) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[att.URL]
	if !ok {
		return nil, fmt.Errorf("mock adapter: no file at %s", att.URL)
	}
	return data, nil
}

// AwaitMessage pops the next scripted result. With nothing queued it times
// out immediately.
func (m *MockAdapter) AwaitMessage(ctx context.Context, channelID, identityID string, timeout time.Duration) (InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.awaits) == 0 {
		return InboundMessage{}, ErrTimeout
	}
	next := m.awaits[0]
	m.awaits = m.awaits[1:]
	if next.err != nil {
		return InboundMessage{}, next.err
	}
	next.msg.ChannelID = channelID
	next.msg.IdentityID = identityID
	return next.msg, nil
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateEvent sends an event into the inbound channel as if it came from
// the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateEvent(ev Event) {
	if msg, ok := ev.(InboundMessage); ok && msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
		ev = msg
	}
	m.inbound <- ev
}

// QueueAwait scripts the next AwaitMessage result.
func (m *MockAdapter) QueueAwait(msg InboundMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awaits = append(m.awaits, mockAwait{msg: msg})
}

// QueueAwaitTimeout scripts the next AwaitMessage call to time out.
func (m *MockAdapter) QueueAwaitTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awaits = append(m.awaits, mockAwait{err: ErrTimeout})
}

// SetFile registers downloadable bytes for an attachment URL.
func (m *MockAdapter) SetFile(url string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[url] = data
}

// SetMessage registers a message for FetchMessage.
func (m *MockAdapter) SetMessage(msg FetchedMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
}

// LastSent returns the most recently sent outbound message.
// Returns zero value and false if no messages have been sent.
func (m *MockAdapter) LastSent() (OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return OutboundMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of outbound messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockAdapter) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Responses returns a copy of all command responses.
func (m *MockAdapter) Responses() []MockResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockResponse(nil), m.responses...)
}

// Edits returns a copy of all edits.
func (m *MockAdapter) Edits() []MockEdit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockEdit(nil), m.edits...)
}

// TypingCount returns the number of Typing calls for channelID.
func (m *MockAdapter) TypingCount(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typing[channelID]
}

// Roles returns the ensured roles as "scopeID/name".
func (m *MockAdapter) Roles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.roles...)
}
