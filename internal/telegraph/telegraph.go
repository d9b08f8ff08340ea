package telegraph

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zulandar/chatterbox/internal/admission"
	"github.com/zulandar/chatterbox/internal/config"
	"github.com/zulandar/chatterbox/internal/engagement"
	"github.com/zulandar/chatterbox/internal/genai"
	"github.com/zulandar/chatterbox/internal/memory"
	"github.com/zulandar/chatterbox/internal/metrics"
	"github.com/zulandar/chatterbox/internal/usage"
	"gorm.io/gorm"
)

// Daemon is the main telegraph process. It connects to a chat platform via
// an Adapter, hands every inbound event to the Router on its own goroutine,
// and sweeps stale usage records on a cron schedule.
type Daemon struct {
	db      *gorm.DB
	cfg     *config.Config
	adapter Adapter
	backend genai.Backend
	metrics *metrics.Metrics
	persona *Persona
	out     io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	DB      *gorm.DB
	Config  *config.Config
	Adapter Adapter
	Backend genai.Backend
	Metrics *metrics.Metrics // optional
	Persona *Persona         // defaults to DefaultPersona()
	Out     io.Writer        // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("telegraph: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("telegraph: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("telegraph: backend is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	persona := opts.Persona
	if persona == nil {
		persona = DefaultPersona()
	}
	return &Daemon{
		db:      opts.DB,
		cfg:     opts.Config,
		adapter: opts.Adapter,
		backend: opts.Backend,
		metrics: opts.Metrics,
		persona: persona,
		out:     out,
	}, nil
}

// Run connects the adapter, builds the conversation core and blocks until
// the context is cancelled or the adapter closes its event channel. On
// shutdown it closes the adapter and waits for in-flight handlers.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Telegraph connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}

	// Extract bot user ID if the adapter supports it.
	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	router, ledger, err := d.build(botUserID)
	if err != nil {
		d.adapter.Close()
		return err
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: listen: %w", err)
	}

	go d.runSweepScheduler(ctx, ledger)

	fmt.Fprintf(d.out, "Telegraph online\n")

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Telegraph shutting down...\n")
			if err := d.adapter.Close(); err != nil {
				log.Printf("telegraph: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Telegraph stopped\n")
			return nil

		case ev, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Telegraph inbound channel closed\n")
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				router.Handle(ctx, ev)
			}()
		}
	}
}

// build wires the conversation core over the daemon's database.
func (d *Daemon) build(botUserID string) (*Router, *usage.Ledger, error) {
	store, err := memory.NewStore(memory.StoreOpts{DB: d.db})
	if err != nil {
		return nil, nil, fmt.Errorf("telegraph: build memory store: %w", err)
	}
	assembler, err := memory.NewAssembler(memory.AssemblerOpts{History: store, Limits: d.cfg.Memory})
	if err != nil {
		return nil, nil, fmt.Errorf("telegraph: build assembler: %w", err)
	}
	tracker, err := engagement.NewTracker(d.db)
	if err != nil {
		return nil, nil, fmt.Errorf("telegraph: build tracker: %w", err)
	}
	engine, err := admission.NewEngine(admission.EngineOpts{
		Tracker:    tracker,
		Classifier: d.backend,
		MaxIgnore:  d.cfg.Admission.MaxIgnore,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("telegraph: build admission engine: %w", err)
	}
	ledger, err := usage.NewLedger(usage.LedgerOpts{
		DB:     d.db,
		Quota:  d.cfg.Usage.Quota,
		Window: d.cfg.Usage.Window,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("telegraph: build usage ledger: %w", err)
	}
	commands, err := NewCommands(CommandsOpts{
		Adapter:    d.adapter,
		Backend:    d.backend,
		Ledger:     ledger,
		Engagement: tracker,
		Persona:    d.persona,
		Flow:       d.cfg.Flow,
		Metrics:    d.metrics,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("telegraph: build commands: %w", err)
	}
	pacer := NewPacer(PacerOpts{
		Pacing:         d.cfg.Pacing,
		MaxMessageSize: d.cfg.Platform.MaxMessageSize,
	})
	router, err := NewRouter(RouterOpts{
		Adapter:   d.adapter,
		Admission: engine,
		Memory:    store,
		Context:   assembler,
		Backend:   d.backend,
		Commands:  commands,
		Pacer:     pacer,
		Persona:   d.persona,
		AdminRole: d.cfg.Platform.AdminRole,
		BotUserID: botUserID,
		Metrics:   d.metrics,
		Out:       d.out,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("telegraph: build router: %w", err)
	}
	return router, ledger, nil
}

// Sweeper removes stale usage records.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// runSweepScheduler sweeps on the configured cron schedule until ctx is
// cancelled. An invalid expression disables sweeping.
func (d *Daemon) runSweepScheduler(ctx context.Context, s Sweeper) {
	expr := d.cfg.Usage.SweepCron
	wait, err := nextCronDuration(expr, time.Now())
	if err != nil {
		log.Printf("telegraph: usage sweep disabled: %v", err)
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				log.Printf("telegraph: usage sweep: %v", err)
			} else if n > 0 {
				fmt.Fprintf(d.out, "telegraph: swept %d stale usage records\n", n)
			}
			wait, _ = nextCronDuration(expr, time.Now())
			timer.Reset(wait)
		}
	}
}
