package telegraph

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/chatterbox/internal/admission"
	"github.com/zulandar/chatterbox/internal/config"
	"github.com/zulandar/chatterbox/internal/db"
	"github.com/zulandar/chatterbox/internal/engagement"
	"github.com/zulandar/chatterbox/internal/genai"
	"github.com/zulandar/chatterbox/internal/memory"
	"github.com/zulandar/chatterbox/internal/models"
	"github.com/zulandar/chatterbox/internal/usage"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

// harness wires a Router over in-memory SQLite, a MockAdapter and a fake
// backend. Pacing delays are zero and random splits never fire.
type harness struct {
	db       *gorm.DB
	adapter  *MockAdapter
	backend  *genai.Fake
	store    *memory.Store
	tracker  *engagement.Tracker
	ledger   *usage.Ledger
	commands *Commands
	router   *Router
	persona  *Persona
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:      openTestDB(t),
		adapter: NewMockAdapter(),
		backend: &genai.Fake{Reply: genai.Reply{Text: "hello back"}},
		persona: DefaultPersona(),
	}
	var err error
	if h.store, err = memory.NewStore(memory.StoreOpts{DB: h.db}); err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	assembler, err := memory.NewAssembler(memory.AssemblerOpts{History: h.store, Limits: config.Default().Memory})
	if err != nil {
		t.Fatalf("NewAssembler: %v", err)
	}
	if h.tracker, err = engagement.NewTracker(h.db); err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	engine, err := admission.NewEngine(admission.EngineOpts{Tracker: h.tracker, Classifier: h.backend, MaxIgnore: 1})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if h.ledger, err = usage.NewLedger(usage.LedgerOpts{DB: h.db, Quota: 5, Window: 24 * time.Hour}); err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	h.commands = h.newCommands(t, h.ledger)
	h.router, err = NewRouter(RouterOpts{
		Adapter:   h.adapter,
		Admission: engine,
		Memory:    h.store,
		Context:   assembler,
		Backend:   h.backend,
		Commands:  h.commands,
		Pacer:     testRouterPacer(2000),
		Persona:   h.persona,
		AdminRole: "Chatterbox Admin",
		BotUserID: "BOT",
		Out:       io.Discard,
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return h
}

func (h *harness) newCommands(t *testing.T, ledger QuotaLedger) *Commands {
	t.Helper()
	c, err := NewCommands(CommandsOpts{
		Adapter:    h.adapter,
		Backend:    h.backend,
		Ledger:     ledger,
		Engagement: h.tracker,
		Persona:    h.persona,
	})
	if err != nil {
		t.Fatalf("NewCommands: %v", err)
	}
	return c
}

func testRouterPacer(maxSize int) *Pacer {
	return NewPacer(PacerOpts{
		Pacing:         config.PacingConfig{Tiers: []config.PacingTier{{MaxChars: 0, Delay: 0}}, BreakTolerance: 10},
		MaxMessageSize: maxSize,
		Rand:           func() float64 { return 1 },
	})
}

func (h *harness) records(t *testing.T) []models.MessageRecord {
	t.Helper()
	var recs []models.MessageRecord
	if err := h.db.Order("id").Find(&recs).Error; err != nil {
		t.Fatalf("load records: %v", err)
	}
	return recs
}

func ambient(text string) InboundMessage {
	return InboundMessage{
		Platform:   "discord",
		ScopeID:    "G1",
		ChannelID:  "C1",
		MessageID:  "M1",
		IdentityID: "U1",
		UserName:   "alice",
		Text:       text,
	}
}

func direct(text string) InboundMessage {
	msg := ambient(text)
	msg.DirectAddress = true
	return msg
}

func inDeck(d *deck, s string) bool {
	for _, l := range d.lines {
		if l == s {
			return true
		}
	}
	return false
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func waitFor(t *testing.T, fn func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("waitFor timed out after %v", timeout)
}
