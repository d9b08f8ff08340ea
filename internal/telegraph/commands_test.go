package telegraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/chatterbox/internal/models"
	"github.com/zulandar/chatterbox/internal/usage"
)

type stubLedger struct {
	result   usage.Result
	status   usage.Status
	consumed int
}

func (s *stubLedger) CheckAndConsume(context.Context, string) usage.Result {
	s.consumed++
	return s.result
}

func (s *stubLedger) Get(context.Context, string) (usage.Status, error) { return s.status, nil }
func (s *stubLedger) Quota() int { return 5 }

func command(name string, opts map[string]string) CommandEvent {
	return CommandEvent{
		ID:         "I1",
		Name:       name,
		Options:    opts,
		ScopeID:    "G1",
		ChannelID:  "C1",
		IdentityID: "U1",
		UserName:   "alice",
	}
}

func lastResponse(t *testing.T, m *MockAdapter) OutboundMessage {
	t.Helper()
	resps := m.Responses()
	if len(resps) == 0 {
		t.Fatal("expected a command response")
	}
	return resps[len(resps)-1].Message
}

func TestNewCommands_MissingDependencies(t *testing.T) {
	h := newHarness(t)
	full := CommandsOpts{Adapter: h.adapter, Backend: h.backend, Ledger: h.ledger, Engagement: h.tracker}
	tests := []struct {
		name   string
		mutate func(*CommandsOpts)
	}{
		{"adapter", func(o *CommandsOpts) { o.Adapter = nil }},
		{"backend", func(o *CommandsOpts) { o.Backend = nil }},
		{"ledger", func(o *CommandsOpts) { o.Ledger = nil }},
		{"engagement", func(o *CommandsOpts) { o.Engagement = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := full
			tt.mutate(&opts)
			if _, err := NewCommands(opts); err == nil {
				t.Fatalf("expected error for missing %s", tt.name)
			}
		})
	}

	c, err := NewCommands(full)
	if err != nil {
		t.Fatalf("NewCommands: %v", err)
	}
	if c.flow.AttachmentTimeout <= 0 || c.flow.InstructionTimeout <= 0 {
		t.Errorf("flow timeouts = %+v, want defaults", c.flow)
	}
}

// --- /imagine ---

func TestImagine_Success(t *testing.T) {
	h := newHarness(t)
	h.backend.Image = []byte("png-bytes")

	h.commands.Execute(context.Background(), command(CmdImagine, map[string]string{"prompt": "a red fox"}))

	resps := h.adapter.Responses()
	if len(resps) != 2 {
		t.Fatalf("responses = %d, want 2", len(resps))
	}
	if resps[0].Message.Text != `Painting "a red fox"...` {
		t.Errorf("status = %q", resps[0].Message.Text)
	}
	files := resps[1].Message.Files
	if len(files) != 1 || files[0].Name != "imagine.png" || string(files[0].Data) != "png-bytes" {
		t.Errorf("files = %+v, want imagine.png", files)
	}
	edits := h.adapter.Edits()
	if len(edits) != 1 || edits[0].MessageID != "bot-1" || edits[0].Text != `Painted "a red fox".` {
		t.Errorf("edits = %+v, want status replaced", edits)
	}
	st, _ := h.ledger.Get(context.Background(), "U1")
	if st.Count != 1 {
		t.Errorf("usage count = %d, want 1", st.Count)
	}
}

func TestImagine_EmptyPrompt(t *testing.T) {
	h := newHarness(t)

	h.commands.Execute(context.Background(), command(CmdImagine, map[string]string{"prompt": "  "}))

	if got := lastResponse(t, h.adapter).Text; got != "Tell me what to draw!" {
		t.Errorf("response = %q", got)
	}
	if _, _, image, _ := h.backend.Calls(); image != 0 {
		t.Errorf("image calls = %d, want 0", image)
	}
	if st, _ := h.ledger.Get(context.Background(), "U1"); st.Count != 0 {
		t.Errorf("usage count = %d, want 0", st.Count)
	}
}

func TestImagine_QuotaExceeded(t *testing.T) {
	h := newHarness(t)
	ledger := &stubLedger{
		result: usage.Result{Allowed: false, Count: 5},
		status: usage.Status{Count: 5, ResetsAt: time.Now().Add(3 * time.Hour)},
	}
	c := h.newCommands(t, ledger)

	c.Execute(context.Background(), command(CmdImagine, map[string]string{"prompt": "a castle"}))

	if _, _, image, _ := h.backend.Calls(); image != 0 {
		t.Errorf("image calls = %d, want 0", image)
	}
	resps := h.adapter.Responses()
	if len(resps) != 1 {
		t.Fatalf("responses = %d, want 1", len(resps))
	}
	text := resps[0].Message.Text
	if !strings.Contains(text, "5") || !strings.Contains(text, "from now") {
		t.Errorf("quota message = %q, want count and humanized reset", text)
	}
}

func TestImagine_LedgerExhausts(t *testing.T) {
	h := newHarness(t)
	h.backend.Image = []byte("png")
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		h.commands.Execute(ctx, command(CmdImagine, map[string]string{"prompt": fmt.Sprintf("picture %d", i)}))
	}

	if _, _, image, _ := h.backend.Calls(); image != 5 {
		t.Errorf("image calls = %d, want 5", image)
	}
	if got := lastResponse(t, h.adapter).Text; !strings.Contains(got, "5") {
		t.Errorf("last response = %q, want quota message", got)
	}
}

func TestImagine_GenerationFails(t *testing.T) {
	h := newHarness(t)
	h.backend.ImageErr = errors.New("content policy")

	h.commands.Execute(context.Background(), command(CmdImagine, map[string]string{"prompt": "a dragon"}))

	edits := h.adapter.Edits()
	if len(edits) != 1 || !inDeck(h.persona.ImageFailed, edits[0].Text) {
		t.Errorf("edits = %+v, want image-failed line", edits)
	}
}

// --- /editimage ---

func queueImage(m *MockAdapter, url, mime string) {
	m.SetFile(url, []byte("image-bytes"))
	m.QueueAwait(InboundMessage{
		MessageID:   "M-upload",
		Attachments: []InboundAttachment{{URL: url, Filename: "upload", MimeType: mime, Size: 11}},
	})
}

func TestEditImage_Success(t *testing.T) {
	h := newHarness(t)
	h.backend.Image = []byte("edited-bytes")
	queueImage(h.adapter, "https://cdn.example/cat.png", "image/png")
	h.adapter.QueueAwait(InboundMessage{Text: "make it blue"})

	outcome := h.commands.EditImage(context.Background(), command(CmdEditImage, nil))

	if outcome != FlowEdited {
		t.Fatalf("outcome = %s, want %s", outcome, FlowEdited)
	}
	ref := models.Attachment{MimeType: "image/png", ContentRef: "fake-1"}
	if len(h.backend.EditCalls) != 1 {
		t.Fatalf("edit calls = %d, want 1", len(h.backend.EditCalls))
	}
	if got := h.backend.EditCalls[0]; got.Image != ref || got.Instruction != "make it blue" {
		t.Errorf("edit call = %+v, want %v with instruction", got, ref)
	}
	if got := h.backend.DeletedRefs(); len(got) != 1 || got[0] != ref {
		t.Errorf("deleted = %v, want [%v]", got, ref)
	}
	files := lastResponse(t, h.adapter).Files
	if len(files) != 1 || files[0].Name != "edited.png" || string(files[0].Data) != "edited-bytes" {
		t.Errorf("files = %+v, want edited.png", files)
	}
	if st, _ := h.ledger.Get(context.Background(), "U1"); st.Count != 1 {
		t.Errorf("usage count = %d, want 1", st.Count)
	}
}

func TestEditImage_EditFailsStillDeletes(t *testing.T) {
	h := newHarness(t)
	h.backend.ImageErr = errors.New("edit rejected")
	queueImage(h.adapter, "https://cdn.example/cat.png", "image/png")
	h.adapter.QueueAwait(InboundMessage{Text: "add a hat"})

	outcome := h.commands.EditImage(context.Background(), command(CmdEditImage, nil))

	if outcome != FlowFailed {
		t.Errorf("outcome = %s, want %s", outcome, FlowFailed)
	}
	if got := h.backend.DeletedRefs(); len(got) != 1 {
		t.Errorf("deleted = %d, want 1", len(got))
	}
	if got := lastResponse(t, h.adapter).Text; !inDeck(h.persona.ImageFailed, got) {
		t.Errorf("response = %q, want image-failed line", got)
	}
}

func TestEditImage_TimeoutAwaitingImage(t *testing.T) {
	h := newHarness(t)

	outcome := h.commands.EditImage(context.Background(), command(CmdEditImage, nil))

	if outcome != FlowTimeoutImage {
		t.Errorf("outcome = %s, want %s", outcome, FlowTimeoutImage)
	}
	if got := lastResponse(t, h.adapter).Text; !inDeck(h.persona.TimeoutImage, got) {
		t.Errorf("response = %q, want image timeout line", got)
	}
	if st, _ := h.ledger.Get(context.Background(), "U1"); st.Count != 0 {
		t.Errorf("usage count = %d, want 0", st.Count)
	}
}

func TestEditImage_WrongAttachment(t *testing.T) {
	tests := []struct {
		name  string
		queue func(*MockAdapter)
	}{
		{"pdf", func(m *MockAdapter) { queueImage(m, "https://cdn.example/doc.pdf", "application/pdf") }},
		{"text only", func(m *MockAdapter) { m.QueueAwait(InboundMessage{Text: "here it is"}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.queue(h.adapter)

			outcome := h.commands.EditImage(context.Background(), command(CmdEditImage, nil))

			if outcome != FlowWrongAttachment {
				t.Errorf("outcome = %s, want %s", outcome, FlowWrongAttachment)
			}
			if got := lastResponse(t, h.adapter).Text; !inDeck(h.persona.WrongAttachment, got) {
				t.Errorf("response = %q, want wrong-attachment line", got)
			}
			if len(h.backend.Uploads) != 0 {
				t.Errorf("uploads = %d, want 0", len(h.backend.Uploads))
			}
		})
	}
}

func TestEditImage_TimeoutAwaitingInstruction(t *testing.T) {
	h := newHarness(t)
	queueImage(h.adapter, "https://cdn.example/cat.png", "image/png")
	h.adapter.QueueAwaitTimeout()

	outcome := h.commands.EditImage(context.Background(), command(CmdEditImage, nil))

	if outcome != FlowTimeoutInstruction {
		t.Errorf("outcome = %s, want %s", outcome, FlowTimeoutInstruction)
	}
	if len(h.backend.Uploads) != 0 {
		t.Errorf("uploads = %d, want 0", len(h.backend.Uploads))
	}
	if st, _ := h.ledger.Get(context.Background(), "U1"); st.Count != 0 {
		t.Errorf("usage count = %d, want 0", st.Count)
	}
}

func TestEditImage_Busy(t *testing.T) {
	h := newHarness(t)
	release, err := h.commands.beginFlow("U1")
	if err != nil {
		t.Fatalf("beginFlow: %v", err)
	}

	if outcome := h.commands.EditImage(context.Background(), command(CmdEditImage, nil)); outcome != FlowBusy {
		t.Errorf("outcome = %s, want %s", outcome, FlowBusy)
	}
	if got := lastResponse(t, h.adapter).Text; !inDeck(h.persona.FlowBusy, got) {
		t.Errorf("response = %q, want flow-busy line", got)
	}

	release()
	if outcome := h.commands.EditImage(context.Background(), command(CmdEditImage, nil)); outcome == FlowBusy {
		t.Error("flow still busy after release")
	}
}

func TestEditImage_QuotaExhaustedBeforeStart(t *testing.T) {
	h := newHarness(t)
	ledger := &stubLedger{status: usage.Status{Count: 5, Remaining: 0}}
	c := h.newCommands(t, ledger)
	queueImage(h.adapter, "https://cdn.example/cat.png", "image/png")

	outcome := c.EditImage(context.Background(), command(CmdEditImage, nil))

	if outcome != FlowQuotaExceeded {
		t.Errorf("outcome = %s, want %s", outcome, FlowQuotaExceeded)
	}
	if got := len(h.adapter.Responses()); got != 1 {
		t.Errorf("responses = %d, want only the quota message", got)
	}
	if ledger.consumed != 0 {
		t.Errorf("consumed = %d, want 0", ledger.consumed)
	}
	if got := lastResponse(t, h.adapter).Text; !strings.Contains(got, "soon") {
		t.Errorf("response = %q, want reset fallback", got)
	}
}

func TestEditImage_QuotaDeniedAtConsume(t *testing.T) {
	h := newHarness(t)
	ledger := &stubLedger{
		result: usage.Result{Allowed: false, Count: 5},
		status: usage.Status{Count: 4, Remaining: 1},
	}
	c := h.newCommands(t, ledger)
	queueImage(h.adapter, "https://cdn.example/cat.png", "image/png")
	h.adapter.QueueAwait(InboundMessage{Text: "make it night"})

	outcome := c.EditImage(context.Background(), command(CmdEditImage, nil))

	if outcome != FlowQuotaExceeded {
		t.Errorf("outcome = %s, want %s", outcome, FlowQuotaExceeded)
	}
	if ledger.consumed != 1 {
		t.Errorf("consumed = %d, want 1", ledger.consumed)
	}
	if len(h.backend.Uploads) != 0 || len(h.backend.EditCalls) != 0 {
		t.Error("nothing should reach the backend after a denial")
	}
}

// --- Engagement commands ---

func TestContinuous(t *testing.T) {
	tests := []struct {
		name    string
		opts    map[string]string
		want    bool
		invalid bool
	}{
		{"enable", map[string]string{"enabled": "true"}, true, false},
		{"disable", map[string]string{"enabled": "false"}, false, false},
		{"default on", nil, true, false},
		{"invalid", map[string]string{"enabled": "maybe"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()

			h.commands.Execute(ctx, command(CmdContinuous, tt.opts))

			if got := h.tracker.GetContinuous(ctx, "U1"); got != tt.want {
				t.Errorf("continuous = %v, want %v", got, tt.want)
			}
			text := lastResponse(t, h.adapter).Text
			if tt.invalid != strings.Contains(text, "true or false") {
				t.Errorf("response = %q (invalid=%v)", text, tt.invalid)
			}
		})
	}
}

func TestActivation_AdminOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.commands.Execute(ctx, command(CmdDeactivate, nil))

	if !h.tracker.GetActive(ctx, "G1") {
		t.Error("non-admin deactivated the scope")
	}
	if got := lastResponse(t, h.adapter).Text; !inDeck(h.persona.AdminOnly, got) {
		t.Errorf("response = %q, want admin-only line", got)
	}
}

func TestActivation_Admin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin := command(CmdDeactivate, nil)
	admin.IsAdmin = true

	h.commands.Execute(ctx, admin)
	if h.tracker.GetActive(ctx, "G1") {
		t.Error("scope still active after /deactivate")
	}

	admin.Name = CmdActivate
	h.commands.Execute(ctx, admin)
	if !h.tracker.GetActive(ctx, "G1") {
		t.Error("scope inactive after /activate")
	}
}

func TestUsage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ledger.CheckAndConsume(ctx, "U1")
	h.ledger.CheckAndConsume(ctx, "U1")

	h.commands.Execute(ctx, command(CmdUsage, nil))

	text := lastResponse(t, h.adapter).Text
	for _, want := range []string{"2 of 5", "3 left", "resets"} {
		if !strings.Contains(text, want) {
			t.Errorf("usage = %q, missing %q", text, want)
		}
	}
}

func TestUsage_NoRecord(t *testing.T) {
	h := newHarness(t)

	h.commands.Execute(context.Background(), command(CmdUsage, nil))

	text := lastResponse(t, h.adapter).Text
	if !strings.Contains(text, "0 of 5") || strings.Contains(text, "resets") {
		t.Errorf("usage = %q, want a fresh window without reset time", text)
	}
}

func TestExecute_UnknownCommand(t *testing.T) {
	h := newHarness(t)

	h.commands.Execute(context.Background(), command("dance", nil))

	if got := lastResponse(t, h.adapter).Text; !strings.Contains(got, "don't know") {
		t.Errorf("response = %q", got)
	}
}

func TestCommandSpecs_Unique(t *testing.T) {
	seen := map[string]bool{}
	for _, spec := range CommandSpecs {
		if seen[spec.Name] {
			t.Errorf("duplicate command %q", spec.Name)
		}
		seen[spec.Name] = true
		if spec.Description == "" {
			t.Errorf("command %q has no description", spec.Name)
		}
	}
	for _, name := range []string{CmdImagine, CmdEditImage, CmdContinuous, CmdActivate, CmdDeactivate, CmdUsage} {
		if !seen[name] {
			t.Errorf("command %q not registered", name)
		}
	}
}
