package telegraph

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"time"
	"unicode"

	"github.com/zulandar/chatterbox/internal/config"
)

// PacerOpts holds parameters for creating a Pacer.
type PacerOpts struct {
	Pacing         config.PacingConfig
	MaxMessageSize int

	// Test hooks; default to the real clock and math/rand.
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
	Rand  func() float64
}

// Pacer turns generated text into a timed, transport-sized delivery plan.
type Pacer struct {
	tiers     []config.PacingTier
	refresh   time.Duration
	tolerance int
	split     float64
	maxSize   int
	now       func() time.Time
	after     func(time.Duration) <-chan time.Time
	rand      func() float64
}

// NewPacer creates a Pacer. Missing tiers fall back to
// config.DefaultPacingTiers.
func NewPacer(opts PacerOpts) *Pacer {
	p := &Pacer{
		tiers:     opts.Pacing.Tiers,
		refresh:   opts.Pacing.RefreshInterval,
		tolerance: opts.Pacing.BreakTolerance,
		split:     opts.Pacing.SplitChance,
		maxSize:   opts.MaxMessageSize,
		now:       opts.Now,
		after:     opts.After,
		rand:      opts.Rand,
	}
	if len(p.tiers) == 0 {
		p.tiers = config.DefaultPacingTiers
	}
	if p.refresh <= 0 {
		p.refresh = 8 * time.Second
	}
	if p.maxSize <= 0 {
		p.maxSize = 2000
	}
	if p.tolerance < 0 || p.tolerance >= p.maxSize {
		p.tolerance = 0
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.after == nil {
		p.after = time.After
	}
	if p.rand == nil {
		p.rand = rand.Float64
	}
	return p
}

// Delay returns the thinking time for a response of n characters: the delay
// of the first tier whose ceiling is at least n. A zero ceiling is unbounded.
func (p *Pacer) Delay(n int) time.Duration {
	for _, t := range p.tiers {
		if t.MaxChars == 0 || n <= t.MaxChars {
			return t.Delay
		}
	}
	return p.tiers[len(p.tiers)-1].Delay
}

// Wait blocks until Delay(n) has elapsed since start, calling typing at the
// refresh interval meanwhile. Each refresh runs on its own goroutine with a
// context that expires at the deadline, so a slow indicator never stretches
// the wait. Typing failures are logged and ignored. Wait returns early when
// ctx is cancelled.
func (p *Pacer) Wait(ctx context.Context, start time.Time, n int, typing func(context.Context) error) {
	deadline := start.Add(p.Delay(n))
	remaining := deadline.Sub(p.now())
	if remaining <= 0 {
		return
	}
	refreshCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	for {
		remaining := deadline.Sub(p.now())
		if remaining <= 0 {
			return
		}
		if typing != nil {
			go func() {
				if err := typing(refreshCtx); err != nil {
					log.Printf("telegraph: pacer: typing: %v", err)
				}
			}()
		}
		step := min(remaining, p.refresh)
		select {
		case <-ctx.Done():
			return
		case <-p.after(step):
		}
	}
}

// Plan splits text into the chunks to deliver. Text within the size limit
// is occasionally split at its midpoint for variety.
func (p *Pacer) Plan(text string) []string {
	chunks := Chunk(text, p.maxSize, p.tolerance)
	if len(chunks) == 1 && p.split > 0 && p.rand() < p.split {
		return splitMidpoint(chunks[0])
	}
	return chunks
}

// Chunk splits text into pieces of at most size runes. Each cut prefers the
// last newline or sentence end within tolerance runes of the limit and
// falls back to a hard cut at size. Chunks are trimmed and never empty.
func Chunk(text string, size, tolerance int) []string {
	rs := []rune(strings.TrimSpace(text))
	if size <= 0 {
		return appendTrimmed(nil, string(rs))
	}
	var out []string
	for len(rs) > size {
		cut := naturalBreak(rs, size, tolerance)
		if cut <= 0 {
			cut = size
		}
		out = appendTrimmed(out, string(rs[:cut]))
		rs = []rune(strings.TrimLeftFunc(string(rs[cut:]), unicode.IsSpace))
	}
	return appendTrimmed(out, string(rs))
}

// naturalBreak returns the index just past the last newline or sentence
// terminator in rs[size-tolerance:size], or 0 when there is none.
func naturalBreak(rs []rune, size, tolerance int) int {
	floor := max(size-tolerance, 1)
	for i := size - 1; i >= floor; i-- {
		if rs[i] == '\n' || isSentenceEnd(rs, i) {
			return i + 1
		}
	}
	return 0
}

// isSentenceEnd reports whether rs[i] ends a sentence: a terminator followed
// by whitespace or the end of the text.
func isSentenceEnd(rs []rune, i int) bool {
	switch rs[i] {
	case '.', '!', '?':
		return i+1 == len(rs) || unicode.IsSpace(rs[i+1])
	}
	return false
}

// splitMidpoint cuts text in two near its middle: after the sentence end
// closest to the midpoint within the first half, else at the first space
// after the midpoint. Returns text unsplit when no cut yields two parts.
func splitMidpoint(text string) []string {
	rs := []rune(text)
	mid := len(rs) / 2
	cut := 0
	for i := mid; i > 0; i-- {
		if isSentenceEnd(rs, i-1) {
			cut = i
			break
		}
	}
	if cut == 0 {
		for i := mid; i < len(rs); i++ {
			if unicode.IsSpace(rs[i]) {
				cut = i
				break
			}
		}
	}
	if cut == 0 {
		return []string{text}
	}
	parts := appendTrimmed(appendTrimmed(nil, string(rs[:cut])), string(rs[cut:]))
	if len(parts) < 2 {
		return []string{text}
	}
	return parts
}

func appendTrimmed(out []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		out = append(out, s)
	}
	return out
}
